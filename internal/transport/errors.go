package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout means the peer did not answer within the call timeout.
	ErrTimeout = errors.New("call timed out")
	// ErrClosed means the transport was closed while the call was pending.
	ErrClosed = errors.New("transport closed")
	// ErrNotConnected means no peer is reachable.
	ErrNotConnected = errors.New("not connected")
	// ErrNoPeer means a server-side call named no peer, or an unknown one.
	ErrNoPeer = errors.New("no such peer")
	// ErrClientBroadcast means a client tried to broadcast; only the server does.
	ErrClientBroadcast = errors.New("only the server broadcasts")
)

// Wire error codes carried in response envelopes.
const (
	CodeHandler        = "handler"
	CodeMethodNotFound = "method_not_found"
	CodeNotReady       = "not_ready"
	CodeRateLimited    = "rate_limited"
	CodeBadRequest     = "bad_request"
)

// Error is a connect or send failure, or a call the peer refused before
// any handler ran. It is never retried by the engine.
type Error struct {
	Op     string // "connect", "call", "broadcast", "send"
	Method string
	Err    error
}

func (e *Error) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.Method, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RemoteError is an error reported by the peer in a response envelope.
// Only the code and message survive the boundary.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("remote %s: %s", e.Method, e.Message)
	}
	return "remote: " + e.Message
}

// Refused reports whether the peer turned the call away itself (unknown
// method, not ready, rate limited or malformed) rather than a handler
// failing.
func (e *RemoteError) Refused() bool {
	switch e.Code {
	case CodeMethodNotFound, CodeNotReady, CodeRateLimited, CodeBadRequest:
		return true
	}
	return false
}

// NewRemoteError builds a coded error a handler can return to control the
// wire code its caller sees.
func NewRemoteError(code, message string) *RemoteError {
	return &RemoteError{Code: code, Message: message}
}

// IsTransportError reports whether err is (or wraps) a transport *Error.
func IsTransportError(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

// IsRefused reports whether err carries a *RemoteError the peer raised
// without running a handler.
func IsRefused(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Refused()
}

// toWireError converts a handler error into its envelope form.
func toWireError(err error) *WireError {
	var re *RemoteError
	if errors.As(err, &re) {
		code := re.Code
		if code == "" {
			code = CodeHandler
		}
		return &WireError{Code: code, Message: re.Message}
	}
	return &WireError{Code: CodeHandler, Message: err.Error()}
}
