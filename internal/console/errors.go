package console

import (
	"errors"
	"fmt"

	"eventforms/api/internal/forms"
)

// ValidationError is raised before any network call for malformed input.
type ValidationError = forms.ValidationError

var (
	ErrNotSignedIn   = errors.New("not signed in")
	ErrFormNotCached = errors.New("form not in cache")
	ErrUnknownRoute  = errors.New("unknown route")
	ErrClosed        = errors.New("closed")
)

// AuthError wraps identity-provider failures: bad credentials, expired
// sessions, provider outages.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// StoreError wraps a failed read or write against the remote store.
type StoreError struct {
	Op  string
	Key Key
	Err error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ConsistencyWarning reports that a registration was stored but the owning
// form's submission counter was not incremented. The counter stays low until
// a later write corrects it.
type ConsistencyWarning struct {
	FormID         string
	RegistrationID string
	Err            error
}

func (w *ConsistencyWarning) Error() string {
	return fmt.Sprintf("registration %s stored but submission count of form %s not incremented: %v",
		w.RegistrationID, w.FormID, w.Err)
}

func (w *ConsistencyWarning) Unwrap() error { return w.Err }
