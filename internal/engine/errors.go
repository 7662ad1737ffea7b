package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/twin/internal/transport"
)

var (
	// ErrNotAuthoritative means this process may not apply or hold the value,
	// e.g. a write to a ServerOnly key on a client.
	ErrNotAuthoritative = errors.New("not the authoritative side for this key")

	// ErrNoLocalHandler means a local-mode call hit an action without one.
	ErrNoLocalHandler = errors.New("action has no local handler")

	// ErrNotReady means the engine has not finished initializing, failed to,
	// or was closed.
	ErrNotReady = errors.New("engine not ready")
)

// RuntimeError represents a registration or ordering error detected while
// the engine initializes. These are fatal: Initialize fails and the engine
// never reports ready.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Module is the module whose init raised the error, when known.
	Module string

	// Name is the state key, action or module id involved.
	Name string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeDuplicateRegistration indicates a state key, action name,
	// module id or RPC method was registered twice.
	ErrCodeDuplicateRegistration RuntimeErrorCode = "DUPLICATE_REGISTRATION"

	// ErrCodeUninitializedDependency indicates a module looked up another
	// module before that module's init finished.
	ErrCodeUninitializedDependency RuntimeErrorCode = "UNINITIALIZED_DEPENDENCY"

	// ErrCodeInvalidRegistration indicates a malformed name, side, tier or
	// a missing handler.
	ErrCodeInvalidRegistration RuntimeErrorCode = "INVALID_REGISTRATION"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Module != "" {
		return fmt.Sprintf("%s: %s (module=%s)", e.Code, e.Message, e.Module)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsDuplicateRegistration returns true if err is a duplicate registration
// error. Uses errors.As to handle wrapped errors.
func IsDuplicateRegistration(err error) bool {
	return hasCode(err, ErrCodeDuplicateRegistration)
}

// IsUninitializedDependency returns true if err is an uninitialized
// dependency error.
func IsUninitializedDependency(err error) bool {
	return hasCode(err, ErrCodeUninitializedDependency)
}

// IsInvalidRegistration returns true if err is an invalid registration error.
func IsInvalidRegistration(err error) bool {
	return hasCode(err, ErrCodeInvalidRegistration)
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// NewDuplicateRegistrationError creates a RuntimeError for a name
// registered twice. kind is "state", "action", "module" or "method".
func NewDuplicateRegistrationError(kind, name string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeDuplicateRegistration,
		Message: fmt.Sprintf("%s %q already registered", kind, name),
		Name:    name,
	}
}

// NewUninitializedDependencyError creates a RuntimeError for a lookup of a
// module that has not finished initializing.
func NewUninitializedDependencyError(module, dependency string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeUninitializedDependency,
		Message: fmt.Sprintf("module %q is not initialized", dependency),
		Module:  module,
		Name:    dependency,
	}
}

func newInvalidRegistrationError(name, format string, args ...any) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeInvalidRegistration,
		Message: fmt.Sprintf(format, args...),
		Name:    name,
	}
}

// HandlerError is an action handler failure as seen by the caller. For a
// remote call only the message survives the boundary; Err then holds the
// *transport.RemoteError.
type HandlerError struct {
	Action  string
	Message string
	Remote  bool
	Err     error
}

func (e *HandlerError) Error() string {
	if e.Remote {
		return fmt.Sprintf("action %s failed remotely: %s", e.Action, e.Message)
	}
	return fmt.Sprintf("action %s failed: %s", e.Action, e.Message)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsHandlerError reports whether err is (or wraps) a *HandlerError.
func IsHandlerError(err error) bool {
	var he *HandlerError
	return errors.As(err, &he)
}

// IsTransportError reports whether err is a connect, send or timeout
// failure. Such calls are never retried by the engine.
func IsTransportError(err error) bool {
	return transport.IsTransportError(err)
}

// handlerError wraps a handler failure unless it already is one.
func handlerError(action string, err error) error {
	var he *HandlerError
	if errors.As(err, &he) {
		return err
	}
	return &HandlerError{Action: action, Message: err.Error(), Err: err}
}

// remoteError converts a failed remote call into the caller's view of it.
// Only failures a handler raised become *HandlerError; calls the peer
// refused are transport errors.
func remoteError(action string, err error) error {
	var re *transport.RemoteError
	if !errors.As(err, &re) {
		return err
	}
	if re.Refused() {
		return &transport.Error{Op: "call", Method: re.Method, Err: re}
	}
	return &HandlerError{Action: action, Message: re.Message, Remote: true, Err: re}
}
