package musicgen

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline failure
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindModelLoad         ErrorKind = "model_load"
	KindGeneration        ErrorKind = "generation"
	KindGenerationTimeout ErrorKind = "generation_timeout"
	KindEncoding          ErrorKind = "encoding"
	KindPublish           ErrorKind = "publish"
	KindInternal          ErrorKind = "internal"
)

// Sentinels for errors.Is. ErrGeneration also matches timeouts.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrModelLoad         = &Error{Kind: KindModelLoad}
	ErrGeneration        = &Error{Kind: KindGeneration}
	ErrGenerationTimeout = &Error{Kind: KindGenerationTimeout}
	ErrEncoding          = &Error{Kind: KindEncoding}
	ErrPublish           = &Error{Kind: KindPublish}
	ErrInternal          = &Error{Kind: KindInternal}
)

// Error is the typed error carried from every stage to the result assembler
type Error struct {
	Kind    ErrorKind
	Field   string // offending request field, validation only
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches kind sentinels, so errors.Is(err, ErrModelLoad) works for any
// load failure regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Message != "" || t.Field != "" || t.Err != nil {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindGeneration && e.Kind == KindGenerationTimeout
}

// Validation builds a validation error for field
func Validation(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind and a short description of the failed step.
// An err that already carries a kind keeps it.
func Wrap(kind ErrorKind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf classifies err. Untyped errors are internal.
func KindOf(err error) ErrorKind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// MessageOf returns the human readable message reported to clients
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
