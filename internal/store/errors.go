package store

import (
	"errors"
	"fmt"

	"github.com/skywave/ledgersync/internal/entity"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("record not found")

// ValidationError reports a write that would violate an entity
// invariant. The transaction that produced it is rolled back; the store
// is left unchanged.
type ValidationError struct {
	Kind    entity.Kind
	LocalID string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.LocalID == "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("validation failed for %s/%s: %s", e.Kind, e.LocalID, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
