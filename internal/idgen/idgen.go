package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ULID returns a lexically sortable identifier, used for short-lived handles
// such as subscriptions where ordering by creation helps when reading logs.
func ULID() string {
	return ulid.Make().String()
}
