// Package pipeline implements the six-stage orchestrator that carries an
// envelope from an endpoint's incoming hook through the middleware chain
// and backend to the outgoing protocol hook, together with the error
// taxonomy the adapters translate to wire status codes.
package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure by the stage that produced it.
type Kind int

const (
	KindService Kind = iota
	KindMiddleware
	KindBackend
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindService:
		return "service"
	case KindMiddleware:
		return "middleware"
	case KindBackend:
		return "backend"
	case KindConfig:
		return "config"
	}
	return "unknown"
}

// Error is a categorized pipeline failure. Categorization happens once,
// at the stage boundary; adapters map the kind (and, for middleware
// failures, an auth marker) to their wire status codes.
type Error struct {
	Kind Kind
	err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s error: %s", e.Kind, e.err) }

func (e *Error) Unwrap() error { return e.err }

// NewError wraps err with a kind. A nil err yields nil.
func NewError(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, err: err}
}

// Errorf builds a categorized error from a format string.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind of a pipeline error, defaulting to
// KindService for uncategorized errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindService
}
