// Package apierror defines the error kinds reported to callers of the
// attestation engine: validation (inv), logic (log) and not-found (oob).
package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error for the response envelope.
type Kind string

const (
	KindInvalid  Kind = "inv" // HTTP 400 - malformed request field, Path names it
	KindLogic    Kind = "log" // HTTP 409 - well-formed request violating a state precondition
	KindNotFound Kind = "oob" // HTTP 404 - referenced identifier does not exist
	KindInternal Kind = "err" // HTTP 500 - store failure, details are not exposed
)

// httpStatusMap maps error kinds to their HTTP status codes.
var httpStatusMap = map[Kind]int{
	KindInvalid:  http.StatusBadRequest,
	KindLogic:    http.StatusConflict,
	KindNotFound: http.StatusNotFound,
	KindInternal: http.StatusInternalServerError,
}

// Error is one structured, caller-visible error.
type Error struct {
	Kind    Kind
	Path    string // JSON pointer into the request, set for KindInvalid
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s", e.Kind, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatus returns the HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatusMap[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Invalid creates a validation error for the field at path.
func Invalid(path, format string, args ...any) *Error {
	return &Error{Kind: KindInvalid, Path: path, Message: fmt.Sprintf(format, args...)}
}

// Logic creates a precondition error.
func Logic(format string, args ...any) *Error {
	return &Error{Kind: KindLogic, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not-found error.
func NotFound(path, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Path: path, Message: fmt.Sprintf(format, args...)}
}

// List collects several errors found while validating one request.
type List []*Error

// Error implements the error interface.
func (l List) Error() string {
	msgs := make([]string, len(l))
	for i, e := range l {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// HTTPStatus returns the status of the first error.
func (l List) HTTPStatus() int {
	if len(l) == 0 {
		return http.StatusInternalServerError
	}
	return l[0].HTTPStatus()
}

// Err returns nil for an empty list and the list otherwise.
func (l List) Err() error {
	if len(l) == 0 {
		return nil
	}
	return l
}

// Errors extracts the caller-visible errors carried by err. Errors that are
// not *Error or List are reported as a single internal error whose message
// hides the cause.
func Errors(err error) []*Error {
	if err == nil {
		return nil
	}
	var list List
	if errors.As(err, &list) {
		return list
	}
	var e *Error
	if errors.As(err, &e) {
		return []*Error{e}
	}
	return []*Error{{Kind: KindInternal, Message: "internal error"}}
}

// KindOf returns the kind of the first caller-visible error in err.
func KindOf(err error) Kind {
	errs := Errors(err)
	if len(errs) == 0 {
		return ""
	}
	return errs[0].Kind
}

// StatusOf returns the HTTP status for err.
func StatusOf(err error) int {
	errs := Errors(err)
	if len(errs) == 0 {
		return http.StatusOK
	}
	return errs[0].HTTPStatus()
}
