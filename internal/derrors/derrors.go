// Package derrors defines the daemon's tagged error kinds. Every error that
// crosses a package or HTTP boundary is a *derrors.Error carrying a kind, a
// human message, and optional structured data.
package derrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind tags an error class with its wire name and default HTTP status
type Kind struct {
	Name   string
	Status int
}

var (
	Internal       = Kind{Name: "Internal Error", Status: http.StatusInternalServerError}
	ModelRun       = Kind{Name: "Model Run Error", Status: http.StatusInternalServerError}
	JobInterrupted = Kind{Name: "Job Interrupted", Status: http.StatusInternalServerError}
	Overloaded     = Kind{Name: "Overloaded", Status: http.StatusServiceUnavailable}

	Package        = Kind{Name: "Package Error", Status: http.StatusInternalServerError}
	PackageInstall = Kind{Name: "Package Install Error", Status: http.StatusInternalServerError}
	PackageExists  = Kind{Name: "Package Already Exists", Status: http.StatusInternalServerError}
	PackageStorage = Kind{Name: "Package Storage Error", Status: http.StatusInternalServerError}
	Repository     = Kind{Name: "Repository Error", Status: http.StatusInternalServerError}

	DownloadCollision = Kind{Name: "Download Collision", Status: http.StatusInternalServerError}
	HashMismatch      = Kind{Name: "Hash Mismatch", Status: http.StatusInternalServerError}
	RemoteFailed      = Kind{Name: "Remote Server Error", Status: http.StatusInternalServerError}
	Connection        = Kind{Name: "Connection Error", Status: http.StatusInternalServerError}

	Database     = Kind{Name: "Database Error", Status: http.StatusInternalServerError}
	MissingEntry = Kind{Name: "Missing Entry", Status: http.StatusInternalServerError}

	InvalidInput    = Kind{Name: "Invalid Input", Status: http.StatusBadRequest}
	MissingFunction = Kind{Name: "Missing Function", Status: http.StatusBadRequest}
	InvalidTensor   = Kind{Name: "Invalid Tensor", Status: http.StatusBadRequest}
	NoSuchJob       = Kind{Name: "No such job", Status: http.StatusBadRequest}
	Validation      = Kind{Name: "Validation Error", Status: http.StatusBadRequest}
)

// Error is the daemon error type. Msg is for humans; Data is structured
// context surfaced to API clients.
type Error struct {
	Kind Kind
	Msg  string
	Data any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind.Name, e.Msg)
}

// MarshalJSON renders the wire form {error, msg, status_code, data?}
func (e *Error) MarshalJSON() ([]byte, error) {
	body := map[string]any{
		"error":       e.Kind.Name,
		"msg":         e.Msg,
		"status_code": e.Kind.Status,
	}
	if e.Data != nil {
		body["data"] = e.Data
	}
	return json.Marshal(body)
}

// New builds an error of the given kind
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds an error of the given kind with a formatted message
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WithData attaches structured context and returns the same error
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// Wrap converts a foreign error into a daemon error of the given kind.
// Daemon errors pass through unchanged so a kind set deep in the stack is
// never masked by an outer layer.
func Wrap(kind Kind, msg string, err error) error {
	var daemon *Error
	if errors.As(err, &daemon) {
		return daemon
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf("%s: %v", msg, err)}
}

// IsKind reports whether err is a daemon error of the given kind
func IsKind(err error, kind Kind) bool {
	var daemon *Error
	if !errors.As(err, &daemon) {
		return false
	}
	return daemon.Kind == kind
}

// StatusOf returns the HTTP status an error should be served with.
// Non-daemon errors default to 500.
func StatusOf(err error) int {
	var daemon *Error
	if errors.As(err, &daemon) {
		return daemon.Kind.Status
	}
	return http.StatusInternalServerError
}

// Serialize returns the JSON-ready form of any error. Foreign errors are
// reported as Internal without leaking their type.
func Serialize(err error) *Error {
	var daemon *Error
	if errors.As(err, &daemon) {
		return daemon
	}
	return &Error{Kind: Internal, Msg: err.Error()}
}
