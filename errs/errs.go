// Package errs provides structured error types and helpers for logmerge components.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeSource indicates a log source failed to produce its next entry.
	CodeSource Code = "source_failed"
	// CodeSink indicates the sink rejected an entry or the completion signal.
	CodeSink Code = "sink_failed"
	// CodeCanceled indicates the operation stopped because its context ended.
	CodeCanceled Code = "canceled"
	// CodeUnavailable indicates a dependency is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// NoSource marks an error that is not attributed to a particular source index.
const NoSource = -1

// E captures structured error information produced across logmerge.
type E struct {
	Component string
	Code      Code
	Source    int
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Source:    NoSource,
		Message:   "",
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithSource attributes the error to a source index.
func WithSource(index int) Option {
	return func(e *E) {
		e.Source = index
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := e.Component
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Source != NoSource {
		parts = append(parts, "source="+strconv.Itoa(e.Source))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an *E carrying the same code.
func (e *E) Is(target error) bool {
	var other *E
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return other.Code == e.Code && (other.Source == NoSource || other.Source == e.Source)
}

// CodeOf extracts the code of the first *E in err's chain.
func CodeOf(err error) (Code, bool) {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code, true
	}
	return "", false
}
