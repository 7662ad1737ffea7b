package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Process exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // scenario failure, split violation, failed action
	ExitCommandError = 2 // bad arguments, unreadable config, unreachable server
)

// Codes in JSON error responses.
const (
	CodeConfig    = "config"
	CodeConnect   = "connect"
	CodeAction    = "action"
	CodeStore     = "store"
	CodeSplit     = "split"
	CodeBuild     = "build"
	CodeScenarios = "scenarios"
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError fails a command with code.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError fails a command with code because of err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps err to a process exit code. Errors that carry no
// code exit with ExitFailure.
func GetExitCode(err error) int {
	var ee *ExitError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &ee):
		return ee.Code
	default:
		return ExitFailure
	}
}

// Response is the envelope every command writes in JSON mode.
type Response struct {
	Status string         `json:"status"` // "ok" or "error"
	Data   any            `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// ResponseError describes a failed command.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// OutputFormatter renders command results as text or as a Response.
type OutputFormatter struct {
	Format string
	Writer io.Writer
	// ErrWriter receives diagnostics. Nil means Writer.
	ErrWriter io.Writer
	Verbose   bool
}

// JSON reports whether results are written as a Response.
func (f *OutputFormatter) JSON() bool { return f.Format == "json" }

func (f *OutputFormatter) write(r Response) error {
	return json.NewEncoder(f.Writer).Encode(r)
}

// Success writes data in JSON mode and text otherwise.
func (f *OutputFormatter) Success(data any, text string) error {
	if f.JSON() {
		return f.write(Response{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, text)
	return err
}

// Error writes a failure. Text mode prints details only when verbose.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.JSON() {
		return f.write(Response{
			Status: "error",
			Error:  &ResponseError{Code: code, Message: message, Details: details},
		})
	}
	if _, err := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message); err != nil {
		return err
	}
	if f.Verbose && details != nil {
		_, err := fmt.Fprintf(f.Writer, "  details: %v\n", details)
		return err
	}
	return nil
}

// VerboseLog writes a diagnostic line in verbose mode. Diagnostics never
// share stdout with a JSON response.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if f.Verbose {
		fmt.Fprintf(f.diagnostics(), format+"\n", args...)
	}
}

func (f *OutputFormatter) diagnostics() io.Writer {
	if f.ErrWriter == nil {
		return f.Writer
	}
	return f.ErrWriter
}
