// client/client.go
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"tabasco/internal/command"
	terrors "tabasco/internal/errors"
	"tabasco/shared/types"
)

// Client talks to a running daemon over its control socket. Each call
// uses a fresh connection.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func New(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    5 * time.Minute, // apply of a large tree can take a while
	}
}

// IsUnavailable reports whether err means nothing is listening on the
// socket.
func IsUnavailable(err error) bool {
	return errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENOENT)
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		if IsUnavailable(err) {
			return nil, terrors.NotRunning()
		}
		return nil, err
	}
	return conn, nil
}

// Ping succeeds when the daemon accepts connections.
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	return conn.Close()
}

// WaitReady polls until the daemon answers or ctx ends.
func (c *Client) WaitReady(ctx context.Context) error {
	return retry.Do(
		func() error { return c.Ping(ctx) },
		retry.Attempts(0),
		retry.Delay(25*time.Millisecond),
		retry.MaxDelay(250*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

// Do sends cmd and decodes the result into out, which may be nil.
func (c *Client) Do(ctx context.Context, cmd command.Command, out any) error {
	req, err := command.Encode(cmd, uuid.New().String())
	if err != nil {
		return err
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("sending %s: %w", cmd.Name(), err)
	}

	var resp command.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("daemon closed connection")
		}
		return fmt.Errorf("reading %s response: %w", cmd.Name(), err)
	}
	return resp.Decode(out)
}

func (c *Client) Stop(ctx context.Context) error {
	return c.Do(ctx, command.Stop{}, nil)
}

func (c *Client) Status(ctx context.Context) (*types.Status, error) {
	var st types.Status
	if err := c.Do(ctx, command.Status{}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Monitor(ctx context.Context, path string, frequency time.Duration) (*types.MonitorStatus, error) {
	var ms types.MonitorStatus
	if err := c.Do(ctx, command.Monitor{Path: path, Frequency: frequency}, &ms); err != nil {
		return nil, err
	}
	return &ms, nil
}

func (c *Client) Unmonitor(ctx context.Context, path string) (*types.MonitorStatus, error) {
	var ms types.MonitorStatus
	if err := c.Do(ctx, command.Unmonitor{Path: path}, &ms); err != nil {
		return nil, err
	}
	return &ms, nil
}

func (c *Client) Log(ctx context.Context, opts command.Log) ([]types.LogEntry, error) {
	var entries []types.LogEntry
	if err := c.Do(ctx, opts, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) Apply(ctx context.Context, commitID string) (*types.ApplyResult, error) {
	var res types.ApplyResult
	if err := c.Do(ctx, command.Apply{CommitID: commitID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Rm(ctx context.Context, commitID string) (*types.RemoveResult, error) {
	var res types.RemoveResult
	if err := c.Do(ctx, command.Rm{CommitID: commitID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
