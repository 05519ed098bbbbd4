package monitor

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable matches any *SourceUnavailableError.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrEmptyKey is returned for blank keys.
	ErrEmptyKey = errors.New("key is required")

	// ErrNegativeTimeout is returned when WaitForNext is called with timeout < 0.
	ErrNegativeTimeout = errors.New("timeout must not be negative")

	// ErrInvalidKey matches any *InvalidKeyError.
	ErrInvalidKey = errors.New("invalid key")
)

// SourceUnavailableError reports that interest in a key could not be
// registered, so no wait took place. Retrying is up to the caller.
type SourceUnavailableError struct {
	Key Key
	Err error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source unavailable for %s: %v", e.Key, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

func (e *SourceUnavailableError) Is(target error) bool {
	return target == ErrSourceUnavailable
}

func IsSourceUnavailable(err error) bool {
	return errors.Is(err, ErrSourceUnavailable)
}

type InvalidKeyError struct {
	Key    string
	Reason string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid key %q: %s", e.Key, e.Reason)
}

func (e *InvalidKeyError) Is(target error) bool {
	return target == ErrInvalidKey
}
