package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

// Client is a minimal JSON-RPC 2.0 client for an instance control socket.
// Safe for concurrent use; calls on one client are serialized on its single
// connection.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	enc    *json.Encoder
	dec    *json.Decoder
	nextID int64
}

// Dial connects to an instance control socket.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", socketPath, err)
	}
	return &Client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes method with params and decodes the result into out (which may
// be nil). A server-side error comes back as *Error.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("failed to set deadline: %w", err)
		}
	}

	c.nextID++
	id := json.RawMessage(fmt.Sprintf("%d", c.nextID))

	var rawParams json.RawMessage
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode params: %w", err)
		}
		rawParams = raw
	}

	version := Version
	req := Request{JSONRPC: &version, Method: mustMarshal(method), Params: rawParams, ID: id}
	if err := c.enc.Encode(&req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if string(resp.ID) != string(id) {
		return fmt.Errorf("response id %s does not match request id %s", resp.ID, id)
	}
	if resp.Err != nil {
		return resp.Err
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return nil
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
