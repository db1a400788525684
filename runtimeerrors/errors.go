// Package runtimeerrors defines the single typed error surfaced across the
// container runtime core: the ext4 formatter, the archive unpacker, the
// container state machine, and the agent RPC client all return errors of
// this shape so callers can switch on Code rather than parsing strings.
package runtimeerrors

import "fmt"

// Code is a closed set of error categories. New domains may add their own
// Code constants (e.g. ext4.CodeNotDirectory, archive.CodeCircularLinks)
// but the base set below is shared by every package in this module.
type Code string

const (
	NotFound         Code = "not-found"
	Exists           Code = "exists"
	InvalidArgument  Code = "invalid-argument"
	InvalidState     Code = "invalid-state"
	Unsupported      Code = "unsupported"
	InternalError    Code = "internal-error"
)

// Error is the typed error returned throughout this module. It deliberately
// carries no stack trace of its own; callers that want one wrap it with
// github.com/pkg/errors at the call site.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an Error with the given code and a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Is lets errors.Is(err, runtimeerrors.NotFound) work by comparing codes,
// so callers never need to reach for string comparisons on Error().
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error, and
// InternalError otherwise. Useful at RPC/API boundaries that must always
// report a code.
func CodeOf(err error) Code {
	var e *Error
	if as(err, &e) {
		return e.Code
	}
	return InternalError
}

// as is a tiny local shim so this package does not need to import
// "errors" just for errors.As in one place; kept here rather than
// exported since callers should use errors.As directly against *Error.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
