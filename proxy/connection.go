// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/bureau-foundation/nsproxy/lib/codec"
	"github.com/bureau-foundation/nsproxy/lib/descriptor"
	"github.com/bureau-foundation/nsproxy/lib/invariant"
	"github.com/bureau-foundation/nsproxy/lib/rpc"
	"github.com/bureau-foundation/nsproxy/lib/wire"
)

// Connection is one sandboxed client's connection to the proxy. It
// holds the reverse channel to the host resolver once the handshake
// initiated by CreateConnection completes.
//
// Readiness is a one-shot event: bindReverseChannel fires exactly
// once per Connection, closing the ready channel that Lookup and
// Close block on. Binding twice is an unrecoverable invariant
// violation — it means the host's connect notifications are corrupt.
type Connection struct {
	service   *Service
	transport net.Conn
	logger    *slog.Logger

	// ready is closed when the reverse channel is bound. There is no
	// timeout on waits against it: a handshake that never completes
	// blocks Lookup and Close forever, by design.
	ready chan struct{}

	// mu serializes lookups on this connection and guards reverse.
	// Connections never share it: lookups on different connections
	// are fully independent.
	mu      sync.Mutex
	reverse rpc.Invoker
}

func newConnection(service *Service, transport net.Conn) (*Connection, error) {
	if transport == nil {
		return nil, fmt.Errorf("nil sandbox transport")
	}
	return &Connection{
		service:   service,
		transport: transport,
		logger:    service.logger,
		ready:     make(chan struct{}),
	}, nil
}

// bindReverseChannel is the one-shot connect callback registered by
// CreateConnection. It stores the host-established reverse channel
// and releases everything blocked on the readiness barrier.
func (c *Connection) bindReverseChannel(channel rpc.Invoker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reverse != nil {
		invariant.Failf("proxy", "double connect on reverse channel")
	}
	c.reverse = channel
	close(c.ready)
	c.logger.Debug("reverse channel bound")
}

// serve runs the sandbox-facing service loop, dispatching through the
// Service's operation table bound to this connection.
func (c *Connection) serve(ctx context.Context) error {
	handlers := make(map[string]rpc.Handler, len(c.service.ops))
	for method, op := range c.service.ops {
		handlers[method] = func(ctx context.Context, args codec.RawMessage) (any, *os.File, error) {
			return op(c, ctx, args)
		}
	}
	return rpc.Serve(ctx, c.transport, handlers, c.logger)
}

// Insert always denies: the manifest is read-only from the sandboxed
// side, and no code path may add bindings.
func (c *Connection) Insert(name string) wire.Status {
	c.logger.Debug("insert denied", "name", name)
	return wire.StatusPermissionDenied
}

// Delete always denies, for the same reason as Insert.
func (c *Connection) Delete(name string) wire.Status {
	c.logger.Debug("delete denied", "name", name)
	return wire.StatusPermissionDenied
}

// Lookup forwards a name resolution to the host resolver over this
// connection's reverse channel and applies the validation-cache
// exchange to the result.
//
// Lookup first blocks on the readiness barrier — without timeout —
// until the reverse channel handshake completes, then holds the
// connection mutex for the full forward-and-exchange sequence, so at
// most one lookup per connection is in flight at a time.
//
// A transport failure on the reverse channel is returned verbatim
// with no status and no descriptor. On a successful exchange with
// StatusOK, the caller owns one reference on the returned descriptor.
func (c *Connection) Lookup(ctx context.Context, name string, flags int32) (wire.Status, *descriptor.Descriptor, error) {
	<-c.ready

	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Debug("forwarding lookup", "name", name, "flags", flags)

	var reply wire.ManifestLookupResponse
	file, err := c.reverse.Invoke(ctx, wire.MethodManifestLookup, wire.ManifestLookupRequest{
		Name:  name,
		Flags: flags,
	}, &reply)
	if err != nil {
		c.logger.Error("manifest lookup failed", "name", name, "error", err)
		return 0, nil, err
	}

	if reply.Status != wire.StatusOK {
		if file != nil {
			file.Close()
		}
		return reply.Status, nil, nil
	}

	// Descriptor and file token are both valid or both absent. A
	// successful status with either missing means the resolver broke
	// the protocol; surface it as an error rather than handing the
	// sandbox half a result.
	if file == nil || !reply.Token.IsValid() {
		if file != nil {
			file.Close()
		}
		return 0, nil, fmt.Errorf("manifest lookup for %q returned mismatched descriptor and token", name)
	}

	// The cookie correlates this lookup with a host-side resource.
	// There is no release RPC, so the resource is never freed; the
	// cookie is recorded here and nowhere else.
	c.logger.Debug("lookup resolved",
		"name", name,
		"token", reply.Token,
		"cookie", string(reply.Cookie),
	)

	desc := c.service.exchangeDescriptor(reply.Token, descriptor.New(file))
	return wire.StatusOK, desc, nil
}

// Close tears the connection down. It waits, exactly like Lookup, for
// the readiness barrier before releasing the reverse channel, so
// teardown never runs concurrently with a handshake completion — and,
// like Lookup, it blocks forever if the handshake never completes.
func (c *Connection) Close() error {
	<-c.ready

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.reverse.Close()
	c.transport.Close()
	return err
}

// handleInsert is the ns.insert table entry.
func (c *Connection) handleInsert(ctx context.Context, args codec.RawMessage) (any, *os.File, error) {
	var req wire.InsertRequest
	if err := codec.Unmarshal(args, &req); err != nil {
		return nil, nil, fmt.Errorf("invalid insert request: %w", err)
	}
	return wire.InsertResponse{Status: c.Insert(req.Name)}, nil, nil
}

// handleDelete is the ns.delete table entry.
func (c *Connection) handleDelete(ctx context.Context, args codec.RawMessage) (any, *os.File, error) {
	var req wire.DeleteRequest
	if err := codec.Unmarshal(args, &req); err != nil {
		return nil, nil, fmt.Errorf("invalid delete request: %w", err)
	}
	return wire.DeleteResponse{Status: c.Delete(req.Name)}, nil, nil
}

// handleLookup is the ns.lookup table entry. The descriptor's file is
// duplicated for the reply — the transport closes the duplicate after
// transfer — and the connection's reference is released immediately,
// returning cache-substituted descriptors to their resting count.
func (c *Connection) handleLookup(ctx context.Context, args codec.RawMessage) (any, *os.File, error) {
	var req wire.LookupRequest
	if err := codec.Unmarshal(args, &req); err != nil {
		return nil, nil, fmt.Errorf("invalid lookup request: %w", err)
	}

	status, desc, err := c.Lookup(ctx, req.Name, req.Flags)
	if err != nil {
		return nil, nil, err
	}
	if desc == nil {
		return wire.LookupResponse{Status: status}, nil, nil
	}

	replyFile, err := desc.DupFile()
	desc.Unref()
	if err != nil {
		return nil, nil, fmt.Errorf("duplicating descriptor for reply: %w", err)
	}
	return wire.LookupResponse{Status: status}, replyFile, nil
}
