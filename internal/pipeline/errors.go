package pipeline

import (
	"errors"
	"fmt"

	"github.com/ent0n29/mnemos/internal/reliability"
)

// Kind names a turn failure on the wire and in metrics.
type Kind string

const (
	EmptyContent    Kind = "EmptyContent"
	ContentTooLarge Kind = "ContentTooLarge"
	UnknownChat     Kind = "UnknownChat"

	EmbeddingFailed       Kind = "EmbeddingFailed"
	TranscriptWriteFailed Kind = "TranscriptWriteFailed"
	TranscriptReadFailed  Kind = "TranscriptReadFailed"
	VectorStoreFailed     Kind = "VectorStoreFailed"
	GenerationFailed      Kind = "GenerationFailed"

	ShuttingDown Kind = "ShuttingDown"
)

// ErrDraining refuses turns that arrive after shutdown has begun.
var ErrDraining = errors.New("pipeline is draining")

// ValidationError rejects a turn before anything is persisted.
type ValidationError struct {
	Kind   Kind
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Kind, e.Detail)
}

// DependencyError reports a failed call into a store, the embedder, or the
// generator.
type DependencyError struct {
	Kind Kind
	Err  error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency: %s: %v", e.Kind, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// Retryable reports whether the client may usefully resend the turn.
func (e *DependencyError) Retryable() bool { return reliability.IsRetryable(e.Err) }

// TransportError means the event could not be delivered because the
// connection is gone. It is logged and dropped.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %v", e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// KindOf extracts the failure kind of a turn error, or "" for other errors.
func KindOf(err error) Kind {
	if errors.Is(err, ErrDraining) {
		return ShuttingDown
	}
	var v *ValidationError
	if errors.As(err, &v) {
		return v.Kind
	}
	var d *DependencyError
	if errors.As(err, &d) {
		return d.Kind
	}
	return ""
}

// clientMessage is the text shown to the user. Internal causes stay in logs.
func clientMessage(err error) string {
	var v *ValidationError
	if errors.As(err, &v) {
		return v.Detail
	}
	switch KindOf(err) {
	case EmbeddingFailed:
		return "could not index your message, please try again"
	case TranscriptWriteFailed:
		return "could not save your message, please try again"
	case TranscriptReadFailed:
		return "could not load the chat history, please try again"
	case VectorStoreFailed:
		return "could not search previous messages"
	case GenerationFailed:
		return "could not generate a reply, please try again"
	case ShuttingDown:
		return "server is shutting down, please try again"
	default:
		return "internal error"
	}
}
