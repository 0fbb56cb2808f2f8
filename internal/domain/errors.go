package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every layer. Use errors.Is to test for them.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")

	// ErrInviteUnusable matches both ErrInviteExpired and ErrInviteExhausted.
	ErrInviteUnusable  = errors.New("invite is no longer valid")
	ErrInviteExpired   = errors.New("invite has expired")
	ErrInviteExhausted = errors.New("invite has reached its usage limit")
)

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports a missing resource, e.g. an unknown invite token.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string { return e.Resource + " not found" }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StateError reports an invite that exists but can no longer be accepted.
type StateError struct {
	State InviteState
}

func (e *StateError) Error() string {
	switch e.State {
	case InviteExpired:
		return ErrInviteExpired.Error()
	case InviteExhausted:
		return ErrInviteExhausted.Error()
	}
	return ErrInviteUnusable.Error()
}

// Is lets callers match either the specific state or the umbrella ErrInviteUnusable.
func (e *StateError) Is(target error) bool {
	switch target {
	case ErrInviteUnusable:
		return true
	case ErrInviteExpired:
		return e.State == InviteExpired
	case ErrInviteExhausted:
		return e.State == InviteExhausted
	}
	return false
}
