package core

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrContent       = errors.New("content error")
	ErrExtraction    = errors.New("extraction error")
	ErrConfiguration = errors.New("configuration error")
	ErrGateway       = errors.New("gateway error")
	ErrNotFound      = errors.New("not found")
	ErrInvalidQueue  = errors.New("invalid queue name")
	ErrInvalidJob    = errors.New("invalid job")
)

// Error is a classified failure raised by a pipeline component.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

// E builds an Error. err may be nil.
func E(kind error, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	s := e.Kind.Error()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the kind of this error.
func (e *Error) Is(target error) bool { return e.Kind == target }

// IsRetryable reports whether a failed job should be attempted again.
// Content, extraction, configuration, lookup and malformed-job failures will
// not change on retry; gateway and unclassified infrastructure errors may.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, terminal := range []error{ErrContent, ErrExtraction, ErrConfiguration, ErrNotFound, ErrInvalidQueue, ErrInvalidJob} {
		if errors.Is(err, terminal) {
			return false
		}
	}
	return true
}

// Reason returns the human-readable failure text stored on jobs and sources.
func Reason(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		if ce.Msg != "" && ce.Err != nil {
			return fmt.Sprintf("%s: %v", ce.Msg, ce.Err)
		}
		if ce.Msg != "" {
			return ce.Msg
		}
	}
	return err.Error()
}
