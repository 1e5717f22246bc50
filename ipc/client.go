package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

// Client is a minimal agent-side connection, used by tests and tooling.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gate: %w", err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Do sends req and waits for its response.
func (c *Client) Do(ctx context.Context, req Request) (RawResponse, error) {
	line, err := EncodeRequest(req)
	if err != nil {
		return RawResponse{}, err
	}
	return c.DoRaw(ctx, line)
}

// DoRaw sends one pre-encoded line.
func (c *Client) DoRaw(ctx context.Context, line []byte) (RawResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	}
	if _, err := c.conn.Write(append(append([]byte(nil), line...), '\n')); err != nil {
		return RawResponse{}, fmt.Errorf("failed to send request: %w", err)
	}
	raw, err := c.r.ReadBytes('\n')
	if err != nil {
		return RawResponse{}, fmt.Errorf("failed to read response: %w", err)
	}
	var resp RawResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return RawResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
