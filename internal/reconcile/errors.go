package reconcile

import (
	"errors"
	"fmt"
)

// ErrNoActiveConversation is returned by SendMessage when no conversation
// or receiver has been selected.
var ErrNoActiveConversation = errors.New("no active conversation selected")

// ValidationError reports input the engine refuses to act on. Nothing is
// written when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
