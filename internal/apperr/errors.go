// Package apperr defines the error kinds reported by the pipeline.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies an error kind. Codes are stable strings surfaced to callers.
type Code string

const (
	InvalidFilters      Code = "invalid_filters"
	ValidationMissing   Code = "validation_missing"
	StoreNotInitialized Code = "store_not_initialized"
	UnknownDataset      Code = "unknown_dataset"
	MalformedSource     Code = "malformed_source"
	DimensionDropped    Code = "dimension_dropped"
	InvalidConfig       Code = "invalid_config"
)

// Error is an error carrying a Code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that wraps err.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsSequencing reports whether err means the dataset is not ready yet, as opposed to
// the caller's filters being wrong.
func IsSequencing(err error) bool {
	switch CodeOf(err) {
	case ValidationMissing, StoreNotInitialized, UnknownDataset:
		return true
	}
	return false
}
