// Package apierr defines the error taxonomy surfaced at the inbound proxy
// boundary and the JSON envelope written to clients.
//
// Every failure produced by the gateway itself is an *Error carrying a Kind,
// a stable numeric code and a message. A single response adapter
// (Write / WriteError) converts it to the wire envelope:
//
//	{"code": <int>, "msg": <string>}
//
// Upstream-originated errors are never wrapped in this envelope — the proxy
// relays the upstream status and body verbatim.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Kind classifies a gateway failure.
type Kind int

const (
	KindInternal Kind = iota
	KindMissingCredential
	KindInvalidCredential
	KindBadHeader
	KindModelNotFound
	KindAccessDenied
	KindNoUpstreamKey
	KindUpstreamTimeout
	KindTranslation
	KindCache
	KindRateLimited
)

// Stable wire codes. 1003 is load-bearing (access denial); the rest are
// assigned once and must not be renumbered.
const (
	CodeMissingCredential = 1000
	CodeInvalidCredential = 1001
	CodeBadHeader         = 1002
	CodeAccessDenied      = 1003
	CodeModelNotFound     = 1004
	CodeNoUpstreamKey     = 1005
	CodeUpstreamTimeout   = 1006
	CodeTranslation       = 1007
	CodeCache             = 1008
	CodeRateLimited       = 1009
	CodeInternal          = 1999
)

// Error is the typed gateway error. Use the constructors below rather than
// building one by hand so Kind, code and status stay consistent.
type Error struct {
	Kind Kind
	Msg  string

	// Cause is the wrapped underlying error, if any.
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus maps the Kind to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindMissingCredential, KindInvalidCredential:
		return fasthttp.StatusUnauthorized
	case KindBadHeader, KindModelNotFound:
		return fasthttp.StatusBadRequest
	case KindAccessDenied:
		return fasthttp.StatusForbidden
	case KindUpstreamTimeout:
		return fasthttp.StatusGatewayTimeout
	case KindRateLimited:
		return fasthttp.StatusTooManyRequests
	case KindTranslation:
		return fasthttp.StatusBadGateway
	default:
		return fasthttp.StatusInternalServerError
	}
}

// Code maps the Kind to the stable wire code.
func (e *Error) Code() int {
	switch e.Kind {
	case KindMissingCredential:
		return CodeMissingCredential
	case KindInvalidCredential:
		return CodeInvalidCredential
	case KindBadHeader:
		return CodeBadHeader
	case KindModelNotFound:
		return CodeModelNotFound
	case KindAccessDenied:
		return CodeAccessDenied
	case KindNoUpstreamKey:
		return CodeNoUpstreamKey
	case KindUpstreamTimeout:
		return CodeUpstreamTimeout
	case KindTranslation:
		return CodeTranslation
	case KindCache:
		return CodeCache
	case KindRateLimited:
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// New creates an *Error with the given kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// MissingCredential is the fixed 401 returned when no token is present at
// any accepted position.
func MissingCredential() *Error {
	return New(KindMissingCredential, "missing credential")
}

type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Write writes the envelope with an explicit status and code.
func Write(ctx *fasthttp.RequestCtx, status, code int, msg string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Code: code, Msg: msg})
	ctx.SetBody(body)
}

// WriteError converts err into the wire envelope. Non-*Error values are
// reported as internal errors.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = Wrap(KindInternal, "internal error", err)
	}
	Write(ctx, e.HTTPStatus(), e.Code(), e.Error())
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
