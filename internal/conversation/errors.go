package conversation

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("conversation: not found")

// ConcurrencyError reports an optimistic version mismatch. ObservedVersion
// is the version currently persisted, so callers can reload and retry.
type ConcurrencyError struct {
	ConvID          string
	ExpectedVersion int
	ObservedVersion int
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("conversation: version conflict on %s: expected %d, observed %d",
		e.ConvID, e.ExpectedVersion, e.ObservedVersion)
}

// IsConcurrencyError reports whether err is (or wraps) a ConcurrencyError.
func IsConcurrencyError(err error) bool {
	var ce *ConcurrencyError
	return errors.As(err, &ce)
}

// InvalidTransitionError reports a requested edge that is not in the
// transition table. It is always surfaced, never silently coerced.
type InvalidTransitionError struct {
	ConvID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("conversation: invalid transition %s -> %s on %s", e.From, e.To, e.ConvID)
}

// IsInvalidTransition reports whether err is (or wraps) an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var te *InvalidTransitionError
	return errors.As(err, &te)
}

// DuplicateMessageError reports a uniqueness violation on the channel
// provider's external message id. ExistingID identifies the message that
// was already persisted.
type DuplicateMessageError struct {
	ExternalID string
	ExistingID string
}

func (e *DuplicateMessageError) Error() string {
	return fmt.Sprintf("conversation: message with external id %s already persisted as %s",
		e.ExternalID, e.ExistingID)
}

// IsDuplicateMessage reports whether err is (or wraps) a DuplicateMessageError.
func IsDuplicateMessage(err error) bool {
	var de *DuplicateMessageError
	return errors.As(err, &de)
}
