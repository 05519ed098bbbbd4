package monitor

import (
	"maps"
	"strings"
	"time"
	"unicode"
)

// Key identifies the subject being watched, typically a mailbox address.
type Key string

// ParseKey trims raw and rejects empty keys or keys containing whitespace or
// control characters.
func ParseKey(raw string) (Key, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyKey
	}
	if len(raw) > maxKeyLength {
		return "", &InvalidKeyError{Key: raw, Reason: "too long"}
	}
	for _, r := range raw {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", &InvalidKeyError{Key: raw, Reason: "contains whitespace or control characters"}
		}
	}
	return Key(raw), nil
}

// RFC 5321 caps a forward path at 256 octets; leave room for non-mail keys.
const maxKeyLength = 320

func (k Key) String() string {
	return string(k)
}

// Item is one observed message. The waiter only fills in Key, ID and
// ReceivedAt when the source left them empty.
type Item struct {
	ID         string            `json:"id"`
	Key        Key               `json:"key"`
	From       string            `json:"from,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	Date       string            `json:"date,omitempty"`
	Body       string            `json:"body,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Equal compares IDs when both items carry one, otherwise the message
// content. Key, Metadata and ReceivedAt never take part.
func (i Item) Equal(other Item) bool {
	if i.ID != "" && other.ID != "" {
		return i.ID == other.ID
	}
	return i.From == other.From &&
		i.Subject == other.Subject &&
		i.Date == other.Date &&
		i.Body == other.Body
}

// Clone returns a copy that shares no maps with i.
func (i Item) Clone() Item {
	out := i
	if i.Metadata != nil {
		out.Metadata = maps.Clone(i.Metadata)
	}
	return out
}

type OutcomeKind string

const (
	OutcomeNew       OutcomeKind = "new"
	OutcomeStale     OutcomeKind = "stale"
	OutcomeEmpty     OutcomeKind = "empty"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is the result of a single WaitForNext call.
type Outcome struct {
	Kind OutcomeKind
	// Item is the new item for OutcomeNew, the previous one for OutcomeStale
	// and nil otherwise.
	Item *Item
	// Disruption is the source failure that ended the wait early, if any.
	Disruption error
}

func (o Outcome) IsNew() bool {
	return o.Kind == OutcomeNew
}

func newOutcome(item Item) Outcome {
	return Outcome{Kind: OutcomeNew, Item: &item}
}

func fallbackOutcome(previous *Item, disruption error) Outcome {
	if previous == nil {
		return Outcome{Kind: OutcomeEmpty, Disruption: disruption}
	}
	item := *previous
	return Outcome{Kind: OutcomeStale, Item: &item, Disruption: disruption}
}
