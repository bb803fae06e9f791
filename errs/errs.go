// Package errs holds the subscription core's error taxonomy (spec §7)
// and the Code enum exposed at the API boundary (spec §6). It is split
// out from the root package so that leaf packages like validate, which
// need to build these errors, do not import the root package and
// create an import cycle.
package errs

import (
	"errors"
	"fmt"
)

// Code is one of the error codes exposed at the subscription API
// boundary (spec §6).
type Code int

const (
	CodeOK Code = iota
	CodeInvalArg
	CodeNoMemory
	CodeNotFound
	CodeExists
	CodeInternal
	CodeUnsupported
	CodeValidationFailed
	CodeOperationFailed
	CodeUnauthorized
	CodeLocked
	CodeTimeOut
	CodeCallbackFailed
	CodeCallbackShelve
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeInvalArg:
		return "INVAL_ARG"
	case CodeNoMemory:
		return "NO_MEMORY"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeExists:
		return "EXISTS"
	case CodeInternal:
		return "INTERNAL"
	case CodeUnsupported:
		return "UNSUPPORTED"
	case CodeValidationFailed:
		return "VALIDATION_FAILED"
	case CodeOperationFailed:
		return "OPERATION_FAILED"
	case CodeUnauthorized:
		return "UNAUTHORIZED"
	case CodeLocked:
		return "LOCKED"
	case CodeTimeOut:
		return "TIME_OUT"
	case CodeCallbackFailed:
		return "CALLBACK_FAILED"
	case CodeCallbackShelve:
		return "CALLBACK_SHELVE"
	default:
		return fmt.Sprintf("CODE(%d)", int(c))
	}
}

// Argument errors: caller-visible, no state change.
var (
	ErrInvalArg = errors.New("invalid argument")
	ErrNotFound = errors.New("subscription not found")
	ErrExists   = errors.New("subscription already exists")
)

// Resource errors: partial state possible; every add operation must
// roll back every intermediate allocation on one of these.
var (
	ErrNoMemory = errors.New("allocation failed")
	ErrLocked   = errors.New("lock could not be acquired")
	ErrTimeOut  = errors.New("lock or mailbox wait timed out")
)

// Schema errors: surfaced with the offending xpath/path.
var (
	ErrValidationFailed = errors.New("selector failed schema validation")
)

// Protocol errors: raised only when an invariant is violated.
var (
	ErrInternal = errors.New("internal invariant violated")
)

// Callback errors: caught by the event dispatcher.
var (
	ErrCallbackFailed = errors.New("callback returned an error")
	ErrCallbackShelve = errors.New("callback shelved for the next request")
)

// Info is the structured error info returned at the API boundary: a
// code, a human message, and the offending selector/format data if any.
type Info struct {
	Code    Code
	Message string
	XPath   string
	Data    map[string]any
}

func (e *Info) Error() string {
	if e.XPath != "" {
		return fmt.Sprintf("%s: %s (xpath=%q)", e.Code, e.Message, e.XPath)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap lets errors.Is/errors.As match the sentinel the code maps to.
func (e *Info) Unwrap() error {
	switch e.Code {
	case CodeInvalArg:
		return ErrInvalArg
	case CodeNotFound:
		return ErrNotFound
	case CodeExists:
		return ErrExists
	case CodeNoMemory:
		return ErrNoMemory
	case CodeLocked:
		return ErrLocked
	case CodeTimeOut:
		return ErrTimeOut
	case CodeValidationFailed:
		return ErrValidationFailed
	case CodeInternal:
		return ErrInternal
	case CodeCallbackFailed:
		return ErrCallbackFailed
	case CodeCallbackShelve:
		return ErrCallbackShelve
	default:
		return nil
	}
}

// NewError builds an Info for the given code and message.
func NewError(code Code, message string) *Info {
	return &Info{Code: code, Message: message}
}

// NewXPathError builds an Info that also records the offending selector.
func NewXPathError(code Code, message, xpath string) *Info {
	return &Info{Code: code, Message: message, XPath: xpath}
}
