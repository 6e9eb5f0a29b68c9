package order

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an order id is unknown or its cache entry
// has expired.
var ErrNotFound = errors.New("order not found")

// ValidationError rejects a create payload before anything is published.
// It is the only processor error surfaced synchronously to the caller.
type ValidationError struct {
	Field  string
	Reason string
	Index  int
}

func (e *ValidationError) Error() string {
	if e.Field == "items" && e.Reason != "must not be empty" {
		return fmt.Sprintf("invalid order: items[%d]: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("invalid order: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
