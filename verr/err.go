package verr

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"reflect"

	"golang.org/x/xerrors"
)

// ErrorCode describes the error's category
type ErrorCode int

const (
	// OK returned by the code function on a nil error. It's not valid
	// code for an error
	OK ErrorCode = iota

	// Internal errors always indicates bugs in the engine (or possibly the
	// underlying storage).
	Internal

	// NoSuchKey represent the object was not found
	NoSuchKey

	// EntityTooLarge error returned when the object value exceeds the
	// maximum value size.
	EntityTooLarge

	// EntityTooSmall error returned when a non-last multipart part is below
	// the minimum part size.
	EntityTooSmall

	// MetadataTooLarge error returned when the encoded custom metadata
	// exceeds its budget.
	MetadataTooLarge

	// InvalidObjectName error returned when a key exceeds the maximum
	// encoded length.
	InvalidObjectName

	// InvalidMaxKeys error returned when a list limit is out of bounds.
	InvalidMaxKeys

	// NoSuchUpload error returned when a multipart upload does not exist or
	// has already been finalised.
	NoSuchUpload

	// InvalidPart error returned when a selected part is unknown or its
	// etag does not match.
	InvalidPart

	// InvalidArgument error returned when a value give to an API is incorrect
	InvalidArgument

	// PreconditionFailed error returned when a conditional operation's
	// condition does not hold against the current object.
	PreconditionFailed

	// BadDigest error returned when a provided digest does not match what
	// was computed from the written bytes.
	BadDigest

	// InvalidRange error returned when a structured byte range does not
	// intersect the object.
	InvalidRange

	// BadUpload error returned when the selected parts of a multipart
	// upload have inconsistent sizes.
	BadUpload
)

type codeInfo struct {
	name   string
	status int
	v4Code int
}

var codes = map[ErrorCode]codeInfo{
	Internal:           {"InternalError", http.StatusInternalServerError, 10001},
	NoSuchKey:          {"NoSuchKey", http.StatusNotFound, 10007},
	EntityTooLarge:     {"EntityTooLarge", http.StatusBadRequest, 100100},
	EntityTooSmall:     {"EntityTooSmall", http.StatusBadRequest, 10011},
	MetadataTooLarge:   {"MetadataTooLarge", http.StatusBadRequest, 10012},
	InvalidObjectName:  {"InvalidObjectName", http.StatusBadRequest, 10020},
	InvalidMaxKeys:     {"InvalidMaxKeys", http.StatusBadRequest, 10022},
	NoSuchUpload:       {"NoSuchUpload", http.StatusBadRequest, 10024},
	InvalidPart:        {"InvalidPart", http.StatusBadRequest, 10025},
	InvalidArgument:    {"InvalidArgument", http.StatusBadRequest, 10029},
	PreconditionFailed: {"PreconditionFailed", http.StatusPreconditionFailed, 10031},
	BadDigest:          {"BadDigest", http.StatusBadRequest, 10037},
	InvalidRange:       {"InvalidRange", http.StatusRequestedRangeNotSatisfiable, 10039},
	BadUpload:          {"BadUpload", http.StatusInternalServerError, 10048},
}

func (c ErrorCode) String() string {
	if c == OK {
		return "OK"
	}
	if info, ok := codes[c]; ok {
		return info.name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// HTTPStatus returns the HTTP-style status associated with the code.
func (c ErrorCode) HTTPStatus() int {
	if info, ok := codes[c]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// V4Code returns the stable numeric wire code for the error category.
func (c ErrorCode) V4Code() int {
	if info, ok := codes[c]; ok {
		return info.v4Code
	}
	return codes[Internal].v4Code
}

type Error struct {
	Code  ErrorCode
	msg   string
	frame xerrors.Frame
	err   error
}

func (e *Error) Error() string {
	return fmt.Sprint(e)
}

func (e *Error) Format(s fmt.State, c rune) {
	xerrors.FormatError(e, s, c)
}

func (e *Error) FormatError(p xerrors.Printer) (next error) {
	if e.msg == "" {
		p.Printf("code=%v", e.Code)
	} else {
		p.Printf("%s (code=%v)", e.msg, e.Code)
	}
	e.frame.Format(p)
	return e.err
}

// Message returns the message the error was constructed with, without the
// caller frame or the chain of wrapped errors.
func (e *Error) Message() string {
	if e.msg != "" {
		return e.msg
	}
	return e.Code.String()
}

// Unwrap returns the error underlying the receiver, which may be nil.
func (e *Error) Unwrap() error {
	return e.err
}

// New returns a new error with the given code, underlying error and message. Pass 1
// for the call depth if New is called from the function raising the error; pass 2 if
// it is called from a helper function that was invoked by the original function; and
// so on.
func New(c ErrorCode, err error, callDepth int, msg string) *Error {
	return &Error{
		Code:  c,
		msg:   msg,
		frame: xerrors.Caller(callDepth),
		err:   err,
	}
}

// Newf uses format and args to format a message, then calls New.
func Newf(c ErrorCode, err error, format string, args ...interface{}) *Error {
	return New(c, err, 2, fmt.Sprintf(format, args...))
}

// Code returns the ErrorCode of err if it, or some error it wraps, is an *Error.
// If err is nil, it returns the special code OK.
// Otherwise, it returns Internal: an uncategorized failure is a bug in the
// engine or the underlying storage.
func Code(err error) ErrorCode {
	if err == nil {
		return OK
	}
	var e *Error
	if xerrors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// DoNotWrap reports whether an error should not be wrapped in the Error
// type from this package.
// It returns true if err is a context error, io.EOF, or if it wraps
// one of those.
func DoNotWrap(err error) bool {
	if xerrors.Is(err, io.EOF) {
		return true
	}
	if xerrors.Is(err, context.Canceled) {
		return true
	}
	if xerrors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return false
}

// ErrorAs is a helper for the ErrorAs method of an API's portable type.
// It performs some initial nil checks, and does a single level of unwrapping
// when err is a *Error. Then it calls its errorAs argument, which should
// be a driver implementation of ErrorAs.
func ErrorAs(err error, target interface{}, errorAs func(error, interface{}) bool) bool {
	if err == nil {
		return false
	}
	if target == nil {
		panic("ErrorAs target cannot be nil")
	}
	val := reflect.ValueOf(target)
	if val.Type().Kind() != reflect.Ptr || val.IsNil() {
		panic("ErrorAs target must be a non-nil pointer")
	}
	if e, ok := err.(*Error); ok {
		err = e.Unwrap()
	}
	return errorAs(err, target)
}
