package errors

import (
	stderrors "errors"
	"fmt"
)

type ErrorType string

const (
	ErrorTypeNotFound             ErrorType = "NOT_FOUND"
	ErrorTypeCommitNotFound       ErrorType = "COMMIT_NOT_FOUND"
	ErrorTypeInvalidPath          ErrorType = "INVALID_PATH"
	ErrorTypeNotMonitored         ErrorType = "NOT_MONITORED"
	ErrorTypeAlreadyRunning       ErrorType = "ALREADY_RUNNING"
	ErrorTypeNotRunning           ErrorType = "NOT_RUNNING"
	ErrorTypeConflict             ErrorType = "CONFLICT"
	ErrorTypeIOFailure            ErrorType = "IO_FAILURE"
	ErrorTypeRootRemovalAmbiguous ErrorType = "ROOT_REMOVAL_AMBIGUOUS"
	ErrorTypeInternal             ErrorType = "INTERNAL"
)

// Process exit codes, one per error kind.
var exitCodes = map[ErrorType]int{
	ErrorTypeInternal:             1,
	ErrorTypeNotFound:             2,
	ErrorTypeCommitNotFound:       2,
	ErrorTypeAlreadyRunning:       3,
	ErrorTypeNotRunning:           4,
	ErrorTypeInvalidPath:          5,
	ErrorTypeNotMonitored:         6,
	ErrorTypeConflict:             7,
	ErrorTypeRootRemovalAmbiguous: 8,
	ErrorTypeIOFailure:            9,
}

type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    int       `json:"code"`
	Details any       `json:"details,omitempty"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same type, so sentinel
// values like ErrNotFound match any NOT_FOUND error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    t,
		Message: message,
		Code:    exitCodes[t],
		Err:     cause,
	}
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound             = newError(ErrorTypeNotFound, "not found", nil)
	ErrCommitNotFound       = newError(ErrorTypeCommitNotFound, "commit not found", nil)
	ErrInvalidPath          = newError(ErrorTypeInvalidPath, "invalid path", nil)
	ErrNotMonitored         = newError(ErrorTypeNotMonitored, "directory not monitored", nil)
	ErrAlreadyRunning       = newError(ErrorTypeAlreadyRunning, "daemon already running", nil)
	ErrNotRunning           = newError(ErrorTypeNotRunning, "daemon not running", nil)
	ErrConflict             = newError(ErrorTypeConflict, "conflict", nil)
	ErrIOFailure            = newError(ErrorTypeIOFailure, "i/o failure", nil)
	ErrRootRemovalAmbiguous = newError(ErrorTypeRootRemovalAmbiguous, "root removal ambiguous", nil)
)

func NotFound(message string) *Error {
	return newError(ErrorTypeNotFound, message, nil)
}

func CommitNotFound(id string) *Error {
	e := newError(ErrorTypeCommitNotFound, fmt.Sprintf("commit not found: %s", id), nil)
	e.Details = id
	return e
}

func InvalidPath(path string, cause error) *Error {
	e := newError(ErrorTypeInvalidPath, fmt.Sprintf("invalid path: %s", path), cause)
	e.Details = path
	return e
}

func NotMonitored(path string) *Error {
	e := newError(ErrorTypeNotMonitored, fmt.Sprintf("directory not monitored: %s", path), nil)
	e.Details = path
	return e
}

func AlreadyRunning(pid int) *Error {
	e := newError(ErrorTypeAlreadyRunning, fmt.Sprintf("daemon already running (PID %d)", pid), nil)
	e.Details = pid
	return e
}

func NotRunning() *Error {
	return newError(ErrorTypeNotRunning, "daemon not running", nil)
}

func Conflict(message string) *Error {
	return newError(ErrorTypeConflict, message, nil)
}

func IOFailure(message string, cause error) *Error {
	return newError(ErrorTypeIOFailure, message, cause)
}

func RootRemovalAmbiguous(id string, cause error) *Error {
	e := newError(ErrorTypeRootRemovalAmbiguous,
		fmt.Sprintf("cannot remove root commit %s: no baseline for its child", id), cause)
	e.Details = id
	return e
}

func Internal(message string, cause error) *Error {
	return newError(ErrorTypeInternal, message, cause)
}

// FromWire rebuilds a typed error received over IPC.
func FromWire(t ErrorType, message string) *Error {
	if _, ok := exitCodes[t]; !ok {
		t = ErrorTypeInternal
	}
	return newError(t, message, nil)
}

// TypeOf returns the ErrorType carried by err, or INTERNAL.
func TypeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// ExitCode maps err to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return exitCodes[TypeOf(err)]
}
