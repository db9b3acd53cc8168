// Package command defines the closed set of requests the CLI can make of
// the daemon, and their wire form on the control socket.
package command

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	terrors "tabasco/internal/errors"
	"tabasco/internal/validation"
)

// Command names, as used on the wire.
const (
	NameStart     = "start"
	NameStop      = "stop"
	NameMonitor   = "monitor"
	NameUnmonitor = "unmonitor"
	NameLog       = "log"
	NameApply     = "apply"
	NameRm        = "rm"
	NameStatus    = "status"
)

// Command is one of the variants below. The set is closed.
type Command interface {
	Name() string
	Validate() error
	isCommand()
}

// Start boots the daemon. It is handled by the CLI, never sent.
type Start struct {
	Frequency  time.Duration `json:"frequency,omitempty"`
	Foreground bool          `json:"foreground,omitempty"`
}

type Stop struct{}

type Monitor struct {
	Path      string        `json:"path"`
	Frequency time.Duration `json:"frequency,omitempty"`
}

type Unmonitor struct {
	Path string `json:"path"`
}

type Log struct {
	Directory string `json:"directory,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Patch     bool   `json:"patch,omitempty"`
}

type Apply struct {
	CommitID string `json:"commit_id"`
}

type Rm struct {
	CommitID string `json:"commit_id"`
}

type Status struct{}

func (Start) Name() string     { return NameStart }
func (Stop) Name() string      { return NameStop }
func (Monitor) Name() string   { return NameMonitor }
func (Unmonitor) Name() string { return NameUnmonitor }
func (Log) Name() string       { return NameLog }
func (Apply) Name() string     { return NameApply }
func (Rm) Name() string        { return NameRm }
func (Status) Name() string    { return NameStatus }

func (Start) isCommand()     {}
func (Stop) isCommand()      {}
func (Monitor) isCommand()   {}
func (Unmonitor) isCommand() {}
func (Log) isCommand()       {}
func (Apply) isCommand()     {}
func (Rm) isCommand()        {}
func (Status) isCommand()    {}

func (c Start) Validate() error { return validation.Frequency(c.Frequency) }
func (Stop) Validate() error    { return nil }
func (Status) Validate() error  { return nil }

func (c Monitor) Validate() error {
	if c.Path == "" {
		return terrors.InvalidPath(c.Path, fmt.Errorf("directory is required"))
	}
	return validation.Frequency(c.Frequency)
}

func (c Unmonitor) Validate() error {
	if c.Path == "" {
		return terrors.InvalidPath(c.Path, fmt.Errorf("directory is required"))
	}
	return nil
}

func (c Log) Validate() error {
	if c.Limit < 0 {
		return fmt.Errorf("limit cannot be negative")
	}
	return nil
}

func (c Apply) Validate() error { return validation.CommitID(normalizeID(c.CommitID)) }
func (c Rm) Validate() error    { return validation.CommitID(normalizeID(c.CommitID)) }

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Request is a command on the wire.
type Request struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// Response carries either a result or a typed error.
type Response struct {
	Success bool            `json:"success"`
	Error   *WireError      `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type WireError struct {
	Type    terrors.ErrorType `json:"type"`
	Message string            `json:"message"`
}

// Encode wraps c for sending.
func Encode(c Command, requestID string) (*Request, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", c.Name(), err)
	}
	return &Request{Type: c.Name(), RequestID: requestID, Body: body}, nil
}

// Decode turns a request back into its variant. Start is not accepted;
// the daemon is already running when it reads the socket.
func Decode(req *Request) (Command, error) {
	var c Command
	switch req.Type {
	case NameStop:
		c = &Stop{}
	case NameMonitor:
		c = &Monitor{}
	case NameUnmonitor:
		c = &Unmonitor{}
	case NameLog:
		c = &Log{}
	case NameApply:
		c = &Apply{}
	case NameRm:
		c = &Rm{}
	case NameStatus:
		c = &Status{}
	default:
		return nil, fmt.Errorf("unknown command %q", req.Type)
	}

	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, c); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", req.Type, err)
		}
	}
	return deref(c), nil
}

func deref(c Command) Command {
	switch v := c.(type) {
	case *Stop:
		return *v
	case *Monitor:
		return *v
	case *Unmonitor:
		return *v
	case *Log:
		return *v
	case *Apply:
		return *v
	case *Rm:
		return *v
	case *Status:
		return *v
	}
	return c
}

// OK builds a successful response around v.
func OK(v any) (*Response, error) {
	if v == nil {
		return &Response{Success: true}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return &Response{Success: true, Data: data}, nil
}

// Fail builds an error response that keeps err's type.
func Fail(err error) *Response {
	return &Response{
		Error: &WireError{Type: terrors.TypeOf(err), Message: err.Error()},
	}
}

// Err returns the typed error carried by r, or nil.
func (r *Response) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == nil {
		return terrors.Internal("daemon returned an empty error", nil)
	}
	return terrors.FromWire(r.Error.Type, r.Error.Message)
}

// Decode unpacks the response data into v.
func (r *Response) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Data) == 0 || v == nil {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
