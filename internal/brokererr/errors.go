// Package brokererr implements the closed error-kind taxonomy: a
// small fixed set of kinds, each with a stable JSON-RPC-style numeric code
// and a stable string kind for WebSocket/telemetry use. Errors chain via
// Cause in the style of runtime/agent/toolerrors.ToolError
// repo, generalized here from a single free-form message into the full
// closed enum the taxonomy requires.
package brokererr

import "errors"

// Kind is one of the closed set of error kinds.
type Kind string

// The closed set of error kinds.
const (
	InvalidRequest  Kind = "InvalidRequest"
	UnknownTool     Kind = "UnknownTool"
	InvalidArgs     Kind = "InvalidArgs"
	UnknownProvider Kind = "UnknownProvider"
	AuthError       Kind = "AuthError"
	HelloTimeout    Kind = "HelloTimeout"
	Timeout         Kind = "Timeout"
	Cancelled       Kind = "Cancelled"
	ToolError       Kind = "ToolError"
	ProviderError   Kind = "ProviderError"
	Internal        Kind = "Internal"
)

// codes maps each kind to its stable JSON-RPC numeric code.
var codes = map[Kind]int{
	InvalidRequest:  -32600,
	UnknownTool:     -32601,
	InvalidArgs:     -32602,
	UnknownProvider: -32010,
	AuthError:       -32011,
	HelloTimeout:    -32012,
	Timeout:         -32013,
	Cancelled:       -32014,
	ToolError:       -32015,
	ProviderError:   -32016,
	Internal:        -32000,
}

// Error is a structured, chainable broker error.
type Error struct {
	Kind    Kind
	Message string
	// Detail optionally carries structured fields, e.g. which argument
	// failed validation.
	Detail any
	Cause  error
}

// New constructs an Error of the given kind with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, message string) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetail attaches structured detail and returns the receiver for chaining.
func (e *Error) WithDetail(detail any) *Error {
	e.Detail = detail
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap supports errors.Is/errors.As across chained broker errors.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Code returns the stable JSON-RPC numeric code for the error's kind.
func (e *Error) Code() int {
	if e == nil {
		return 0
	}
	return codes[e.Kind]
}

// CodeFor returns the stable numeric code for an arbitrary kind, used by
// frontends that only have a Kind (e.g. from a normalized Result) on hand.
func CodeFor(kind Kind) int { return codes[kind] }

// As extracts the first *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var be *Error
	ok := errors.As(err, &be)
	return be, ok
}

// OfKind reports whether err's chain contains a broker error of kind k.
func OfKind(err error, k Kind) bool {
	be, ok := As(err)
	return ok && be.Kind == k
}
