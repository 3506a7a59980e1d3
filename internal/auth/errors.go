// Package auth is the connection gatekeeper: it turns request credentials into
// a verified Identity.
package auth

import (
	"errors"
	"fmt"
)

// Kind classifies why authentication failed.
type Kind string

const (
	MissingCredential Kind = "MissingCredential"
	InvalidCredential Kind = "InvalidCredential"
	UnknownIdentity   Kind = "UnknownIdentity"
)

// AuthError is fatal to the connection attempt.
type AuthError struct {
	Kind Kind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth: %s", e.Kind)
	}
	return fmt.Sprintf("auth: %s: %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Code is the snake_case form used in HTTP error bodies.
func (k Kind) Code() string {
	switch k {
	case MissingCredential:
		return "missing_credential"
	case InvalidCredential:
		return "invalid_credential"
	case UnknownIdentity:
		return "unknown_identity"
	default:
		return "unauthorized"
	}
}

// ErrDirectoryUnavailable wraps identity directory I/O failures. It is not an
// AuthError: the credential may be fine.
var ErrDirectoryUnavailable = errors.New("identity directory unavailable")

// ErrIdentityNotFound is returned by directories for unknown user ids.
var ErrIdentityNotFound = errors.New("identity not found")

func newAuthError(kind Kind, err error) *AuthError {
	return &AuthError{Kind: kind, Err: err}
}
