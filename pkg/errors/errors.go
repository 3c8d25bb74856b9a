// Package errors provides the coded error taxonomy used across ncload.
// Every error that aborts a dataset carries a code, a message and enough
// context (dataset, batch, rows) to diagnose it without re-running.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code classifies an error for programmatic handling.
type Code string

const (
	// Configuration errors (1xx). Fatal, raised before any I/O.
	CodeUnknownDataset Code = "E101"
	CodeInvalidConfig  Code = "E102"

	// Source errors (2xx). Fatal for the dataset.
	CodeIO Code = "E201"

	// Field coercion errors (3xx). Recoverable unless the policy says abort.
	CodeParse Code = "E301"

	// Sink errors (4xx). Fatal for the dataset.
	CodeSinkWrite Code = "E401"

	// Run control (5xx).
	CodeCanceled Code = "E501"

	CodeUnknown Code = "E999"
)

// Kind returns the taxonomy name of a code.
func (c Code) Kind() string {
	switch c {
	case CodeUnknownDataset, CodeInvalidConfig:
		return "ConfigError"
	case CodeIO:
		return "IOError"
	case CodeParse:
		return "ParseError"
	case CodeSinkWrite:
		return "SinkWriteError"
	case CodeCanceled:
		return "Canceled"
	default:
		return "Error"
	}
}

// Error is the base error type for ncload.
type Error struct {
	Code    Code
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface. Context keys are printed in sorted
// order so messages are stable.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds a key/value pair to the error and returns it.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new Error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps err with a code and message. Returns nil for a nil err.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *Error {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// --- Convenience constructors ---

// UnknownDataset reports a dataset name missing from the registry.
func UnknownDataset(name string) *Error {
	return New(CodeUnknownDataset, "unknown dataset").WithContext("dataset", name)
}

// InvalidConfig reports a configuration value that cannot be used.
func InvalidConfig(field string, value interface{}, reason string) *Error {
	return Newf(CodeInvalidConfig, "invalid %s: %s", field, reason).WithContext("value", value)
}

// IO wraps a source read/open failure.
func IO(err error, path string) *Error {
	return Wrap(err, CodeIO, "source unreadable").WithContext("path", path)
}

// Parse reports a single field that could not be coerced.
func Parse(column, value string, row int64, err error) *Error {
	e := New(CodeParse, "field coercion failed").
		WithContext("column", column).
		WithContext("value", value).
		WithContext("row", row)
	e.Cause = err
	return e
}

// SinkWrite wraps a failed sink write.
func SinkWrite(err error, sink string) *Error {
	return Wrap(err, CodeSinkWrite, "sink write failed").WithContext("sink", sink)
}

// Canceled reports a run stopped at a batch boundary.
func Canceled(cause error) *Error {
	return Wrap(cause, CodeCanceled, "canceled between batches")
}

// --- Error checking utilities ---

// IsCode checks if any error in err's tree has a specific code.
func IsCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, &Error{Code: code})
}

// GetCode extracts the outermost error code from an error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsConfig reports whether err is a ConfigError.
func IsConfig(err error) bool {
	return IsCode(err, CodeUnknownDataset) || IsCode(err, CodeInvalidConfig)
}

// IsIO reports whether err is an IOError.
func IsIO(err error) bool { return IsCode(err, CodeIO) }

// IsParse reports whether err is a ParseError.
func IsParse(err error) bool { return IsCode(err, CodeParse) }

// IsSinkWrite reports whether err is a SinkWriteError.
func IsSinkWrite(err error) bool { return IsCode(err, CodeSinkWrite) }

// Annotate adds context to err if it is an *Error, or wraps it with
// CodeUnknown otherwise. Used to attach dataset/batch context on the way up.
func Annotate(err error, kv ...interface{}) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		e = Wrap(err, CodeUnknown, "unclassified failure")
		err = e
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e.WithContext(key, kv[i+1])
	}
	return err
}

// MultiError collects multiple errors.
type MultiError struct {
	Errors []error
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d errors occurred:\n", len(m.Errors)))
	for i, err := range m.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Unwrap exposes the collected errors to errors.Is/As.
func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if any errors were collected.
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// Combined returns nil if no errors, the single error if one, or the MultiError.
func (m *MultiError) Combined() error {
	switch len(m.Errors) {
	case 0:
		return nil
	case 1:
		return m.Errors[0]
	default:
		return m
	}
}
