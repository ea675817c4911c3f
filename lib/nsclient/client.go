// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package nsclient provides a typed client for the proxy's
// sandbox-facing name service socket. Code running inside the sandbox
// uses this client rather than speaking the wire protocol directly.
//
// The client wraps one RPC channel, so it inherits the channel's
// serialization: one operation in flight at a time. Insert and Delete
// exist for completeness — against the proxy they always come back
// permission-denied.
package nsclient

import (
	"context"
	"fmt"
	"os"

	"github.com/bureau-foundation/nsproxy/lib/codec"
	"github.com/bureau-foundation/nsproxy/lib/rpc"
	"github.com/bureau-foundation/nsproxy/lib/wire"
)

// Client is a typed client for the name service protocol.
type Client struct {
	channel rpc.Invoker
}

// Dial connects to the proxy's sandbox-facing Unix socket.
func Dial(socketPath string) (*Client, error) {
	channel, err := rpc.Dial(socketPath)
	if err != nil {
		return nil, err
	}
	return &Client{channel: channel}, nil
}

// New wraps an existing RPC channel. Used by tests that construct
// their own transports.
func New(channel rpc.Invoker) *Client {
	return &Client{channel: channel}
}

// Insert asks the name service to bind name to the given value.
func (c *Client) Insert(ctx context.Context, name string, value any) (wire.Status, error) {
	req := wire.InsertRequest{Name: name}
	if value != nil {
		data, err := codec.Marshal(value)
		if err != nil {
			return 0, fmt.Errorf("insert %q: %w", name, err)
		}
		req.Value = data
	}

	var reply wire.InsertResponse
	if _, err := c.channel.Invoke(ctx, wire.MethodInsert, req, &reply); err != nil {
		return 0, fmt.Errorf("insert %q: %w", name, err)
	}
	return reply.Status, nil
}

// Lookup resolves name. On StatusOK the returned file is the resolved
// descriptor; the caller owns it.
func (c *Client) Lookup(ctx context.Context, name string, flags int32) (wire.Status, *os.File, error) {
	var reply wire.LookupResponse
	file, err := c.channel.Invoke(ctx, wire.MethodLookup, wire.LookupRequest{
		Name:  name,
		Flags: flags,
	}, &reply)
	if err != nil {
		return 0, nil, fmt.Errorf("lookup %q: %w", name, err)
	}
	return reply.Status, file, nil
}

// Delete asks the name service to remove name's binding.
func (c *Client) Delete(ctx context.Context, name string) (wire.Status, error) {
	var reply wire.DeleteResponse
	if _, err := c.channel.Invoke(ctx, wire.MethodDelete, wire.DeleteRequest{Name: name}, &reply); err != nil {
		return 0, fmt.Errorf("delete %q: %w", name, err)
	}
	return reply.Status, nil
}

// Close releases the underlying channel.
func (c *Client) Close() error {
	return c.channel.Close()
}
