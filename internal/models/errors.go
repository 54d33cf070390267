package models

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrEmptyMessage = errors.New("message has neither text nor attachment")
	ErrNotConnected = errors.New("not connected")
	ErrTimeout      = errors.New("timed out")
)

// Kind classifies failures by the component boundary where they are handled.
type Kind int

const (
	KindConnection Kind = iota + 1
	KindHistoryFetch
	KindSend
	KindUpload
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindHistoryFetch:
		return "history fetch"
	case KindSend:
		return "send"
	case KindUpload:
		return "upload"
	}
	return "unknown"
}

// Error is a recoverable failure surfaced to the user as a non-blocking notification.
// Callers can use errors.As to extract it:
//
//	var chatErr *models.Error
//	if errors.As(err, &chatErr) && chatErr.Kind == models.KindSend { ... }
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout reports whether the operation ran out of time.
func (e *Error) Timeout() bool {
	return errors.Is(e.Err, ErrTimeout)
}

// NewError wraps err with kind. A deadline expiry is rewritten to ErrTimeout
// so callers can tell "timed out" apart from other failures.
func NewError(kind Kind, op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind checks whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var chatErr *Error
	if errors.As(err, &chatErr) {
		return chatErr.Kind == kind
	}
	return false
}
