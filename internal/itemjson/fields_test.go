package itemjson

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractDefaults(t *testing.T) {
	f := Fields{}.WithDefaults()
	item := f.ExtractBytes([]byte(`{"id":"7","from":"a@x.com","subject":"hi","date":"today","body":"text"}`))

	assert.Equal(t, "7", item.ID)
	assert.Equal(t, "a@x.com", item.From)
	assert.Equal(t, "hi", item.Subject)
	assert.Equal(t, "today", item.Date)
	assert.Equal(t, "text", item.Body)
	assert.Nil(t, item.Metadata)
}

func TestExtractCustomPaths(t *testing.T) {
	f := Fields{
		From:     "sender.address",
		Body:     "parts.0.text",
		Metadata: map[string]string{"size": "size", "missing": "nope"},
	}.WithDefaults()
	item := f.ExtractBytes([]byte(`{"sender":{"address":"b@x.com"},"subject":"s","parts":[{"text":"p1"}],"size":42}`))

	assert.Equal(t, "b@x.com", item.From)
	assert.Equal(t, "s", item.Subject)
	assert.Equal(t, "p1", item.Body)
	assert.Equal(t, map[string]string{"size": "42"}, item.Metadata)
}
