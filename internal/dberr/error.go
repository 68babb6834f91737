// Package dberr defines the machine-readable error codes shared by every
// docudb subsystem, following the taxonomy each subsystem's errors carry.
package dberr

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error identifier. Callers may branch on
// Code without depending on message text.
type Code string

const (
	// Database façade
	CodeNotInitialized Code = "NotInitialized"
	CodeInvalidName    Code = "InvalidName"
	CodeInitError      Code = "InitError"
	CodeLoadError      Code = "LoadError"
	CodeCollectionErr  Code = "CollectionError"

	// Collection
	CodeMetadataError Code = "MetadataError"
	CodeDropError     Code = "DropError"

	// Document
	CodeInvalidDocument Code = "InvalidDocument"
	CodeInvalidID       Code = "InvalidId"
	CodeNotFound        Code = "NotFound"
	CodeInsertError     Code = "InsertError"
	CodeUpdateError     Code = "UpdateError"
	CodeDeleteError     Code = "DeleteError"
	CodeQueryError      Code = "QueryError"
	CodeLockError       Code = "LockError"
	CodeInvalidType     Code = "InvalidType"
	CodeInvalidUpdate   Code = "InvalidUpdate"
	CodeInvalidPosition Code = "InvalidPosition"

	// Schema
	CodeRequiredField    Code = "RequiredField"
	CodeInvalidValue     Code = "InvalidValue"
	CodeInvalidLength    Code = "InvalidLength"
	CodeInvalidRegex     Code = "InvalidRegex"
	CodeInvalidEnum      Code = "InvalidEnum"
	CodeCustomValidation Code = "CustomValidationError"
	CodeInvalidField     Code = "InvalidField"

	// Storage
	CodeSaveError Code = "SaveError"
	CodeReadError Code = "ReadError"

	// Compression
	CodeCompressError   Code = "CompressError"
	CodeDecompressError Code = "DecompressError"

	// Index
	CodeCreateError      Code = "CreateError"
	CodeIndexDropError   Code = "DropError"
	CodeIndexUpdateError Code = "UpdateError"
	CodeUniqueViolation  Code = "UniqueViolation"
	CodeIndexLoadError   Code = "LoadError"
	CodeIndexSaveError   Code = "SaveError"
	CodeInvalidFieldType Code = "InvalidFieldType"

	// Query
	CodeInvalidOperator Code = "InvalidOperator"
	CodeInvalidCriteria Code = "InvalidCriteria"
)

// Error is the typed error carried across every docudb layer boundary. Op
// names the operation that failed (e.g. "collection.InsertOne"); Context
// carries operational detail such as collection name, document id, or field
// name, attached by the layer that had it available.
type Error struct {
	Code    Code
	Op      string
	Context map[string]string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Code)
	for k, v := range e.Context {
		msg += fmt.Sprintf(" [%s=%s]", k, v)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a fresh Error with no wrapped cause.
func New(code Code, op, message string) *Error {
	return &Error{Code: code, Op: op, Err: errors.New(message)}
}

// Wrap attaches a code and operation name to an existing error, preserving
// it as the unwrap chain's cause.
func Wrap(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// WithContext returns a copy of e with the given key/value added to its
// operational context.
func (e *Error) WithContext(key, value string) *Error {
	ctx := make(map[string]string, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value
	return &Error{Code: e.Code, Op: e.Op, Context: ctx, Err: e.Err}
}

// Is reports whether target is a *Error with the same Code, so callers can
// write errors.Is(err, dberr.New(dberr.CodeNotFound, "", "")) style checks,
// or more idiomatically use CodeOf below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
