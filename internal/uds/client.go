package uds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// ErrDaemonNotRunning means nothing is listening on the socket: the file is
// missing or the daemon that created it is gone.
var ErrDaemonNotRunning = errors.New("daemon is not running (start it with: delegator up)")

type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: defaultConnTimeout}
}

func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// Send performs one request/response exchange, bounded by ctx and the
// client timeout, whichever ends first.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%s: %w", c.socketPath, ErrDaemonNotRunning)
		}
		return nil, fmt.Errorf("connect to daemon at %s: %w", c.socketPath, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Command, err)
	}
	return &resp, nil
}

// Call sends command and decodes a successful response's data into out (which
// may be nil). A failed response is returned as its *ErrorDetail.
func (c *Client) Call(command string, params, out any) error {
	return c.CallContext(context.Background(), command, params, out)
}

func (c *Client) CallContext(ctx context.Context, command string, params, out any) error {
	req, err := NewRequest(command, params)
	if err != nil {
		return err
	}
	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success {
		if resp.Error != nil {
			return resp.Error
		}
		return &ErrorDetail{Code: ErrCodeInternal, Message: command + " failed without detail"}
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", command, err)
	}
	return nil
}
