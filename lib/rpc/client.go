// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/nsproxy/lib/codec"
)

// Invoker is the client side of an RPC channel. The proxy core
// depends on this interface only; *Client is the concrete transport.
type Invoker interface {
	// Invoke sends one request and blocks for its response. The reply
	// value, if non-nil, is populated from the response payload. The
	// returned file is the response's out-of-band descriptor, or nil
	// if the response carried none; the caller owns it.
	Invoke(ctx context.Context, method string, args any, reply any) (*os.File, error)

	// Close releases the channel. Safe to call more than once.
	Close() error
}

// CallError is a failure reported by the remote handler, as opposed
// to a transport failure. Transport failures are returned verbatim.
type CallError struct {
	Method  string
	Message string
}

func (e *CallError) Error() string {
	return e.Method + ": " + e.Message
}

// Client is an RPC channel over a single connection. One call is in
// flight at a time; concurrent Invoke calls serialize on an internal
// mutex.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// NewClient wraps an established connection in an RPC channel. The
// client takes ownership of conn.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// Dial connects to a Unix socket and returns an RPC channel over it.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", socketPath, err)
	}
	return NewClient(conn), nil
}

// Invoke implements Invoker. A context deadline, when present, is
// applied to the connection for the duration of the call. There is no
// mid-call cancellation beyond that: a call with no deadline blocks
// until the response arrives or the connection breaks.
func (c *Client) Invoke(ctx context.Context, method string, args any, reply any) (*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	req := request{Method: method}
	if args != nil {
		data, err := codec.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s args: %w", method, err)
		}
		req.Args = data
	}

	if err := writeFrame(c.conn, req); err != nil {
		return nil, err
	}

	raw, err := readFrame(c.conn)
	if err != nil {
		return nil, err
	}
	var resp response
	if err := codec.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", method, err)
	}

	// The descriptor, when announced, is on the socket regardless of
	// the response's ok flag. Consume it before interpreting the
	// response so the channel stays framed.
	var file *os.File
	if resp.HasFile {
		file, err = recvFile(c.conn)
		if err != nil {
			return nil, err
		}
	}

	if !resp.OK {
		if file != nil {
			file.Close()
		}
		return nil, &CallError{Method: method, Message: resp.Error}
	}

	if reply != nil && len(resp.Data) > 0 {
		if err := codec.Unmarshal(resp.Data, reply); err != nil {
			if file != nil {
				file.Close()
			}
			return nil, fmt.Errorf("decoding %s reply: %w", method, err)
		}
	}
	return file, nil
}

// Close implements Invoker.
func (c *Client) Close() error {
	return c.conn.Close()
}
