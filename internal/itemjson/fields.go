// Package itemjson extracts items from JSON documents with gjson paths.
package itemjson

import (
	"github.com/tidwall/gjson"

	"github.com/flitsinc/inboxwatch/internal/monitor"
)

// Fields maps item fields to gjson paths evaluated on each element.
type Fields struct {
	ID      string
	From    string
	Subject string
	Date    string
	Body    string
	// Metadata copies extra values into Item.Metadata under the map key.
	Metadata map[string]string
}

func DefaultFields() Fields {
	return Fields{
		ID:      "id",
		From:    "from",
		Subject: "subject",
		Date:    "date",
		Body:    "body",
	}
}

// WithDefaults fills empty paths from DefaultFields.
func (f Fields) WithDefaults() Fields {
	d := DefaultFields()
	if f.ID == "" {
		f.ID = d.ID
	}
	if f.From == "" {
		f.From = d.From
	}
	if f.Subject == "" {
		f.Subject = d.Subject
	}
	if f.Date == "" {
		f.Date = d.Date
	}
	if f.Body == "" {
		f.Body = d.Body
	}
	return f
}

// Extract builds an item from one JSON element.
func (f Fields) Extract(elem gjson.Result) monitor.Item {
	item := monitor.Item{
		ID:      elem.Get(f.ID).String(),
		From:    elem.Get(f.From).String(),
		Subject: elem.Get(f.Subject).String(),
		Date:    elem.Get(f.Date).String(),
		Body:    elem.Get(f.Body).String(),
	}
	for name, path := range f.Metadata {
		if v := elem.Get(path); v.Exists() {
			if item.Metadata == nil {
				item.Metadata = make(map[string]string, len(f.Metadata))
			}
			item.Metadata[name] = v.String()
		}
	}
	return item
}

// ExtractBytes parses data and extracts a single item from its root.
func (f Fields) ExtractBytes(data []byte) monitor.Item {
	return f.Extract(gjson.ParseBytes(data))
}
