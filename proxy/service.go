// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
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

// Host is the secure host-side service the proxy calls back into. It
// is shared-ownership: the Service takes a reference at construction
// and releases it when the Service closes.
type Host interface {
	// Ref takes a reference; Unref releases one. The host tears its
	// resources down when the last reference is released.
	Ref()
	Unref()

	// ReverseEstablished reports whether the reverse control channel
	// to the host resolver exists. A Service must never create
	// connections before it does — that would mean a sandboxed client
	// connected before the trust relationship was established.
	ReverseEstablished() bool

	// OnReverseConnect registers a one-shot callback that receives
	// the next reverse channel the host establishes. Callbacks fire
	// in registration order, one per established channel.
	OnReverseConnect(callback func(channel rpc.Invoker))

	// AddChannel asks the host, over the reverse control channel, to
	// establish one fresh reverse channel. Returns once the host has
	// accepted the request; the channel itself arrives asynchronously
	// through the callback registered with OnReverseConnect.
	AddChannel(ctx context.Context) error
}

// ValidationCache substitutes already-validated descriptors for file
// tokens. ExchangeToken returns a fresh reference to the cached
// descriptor for token, or nil when the token is unknown.
type ValidationCache interface {
	ExchangeToken(token descriptor.FileToken) *descriptor.Descriptor
}

// operation is one entry in the Service's dispatch table: a handler
// bound late to the connection the call arrived on.
type operation func(conn *Connection, ctx context.Context, args codec.RawMessage) (any, *os.File, error)

// Service is the per-listener proxy service. It owns the operation
// table, a reference to the secure host service, and the lock that
// serializes reverse-channel acquisition across all connections.
type Service struct {
	host   Host
	cache  ValidationCache
	logger *slog.Logger

	// mu serializes the reverse-channel acquisition handshake: the
	// check that the reverse control channel exists, the registration
	// of the connect callback, and the add-channel RPC must be atomic
	// as a group, or a host connect notification could race the
	// registration of the callback meant to receive it.
	mu sync.Mutex

	// ops is the name-service dispatch table, built once at
	// construction.
	ops map[string]operation

	// activeConnections tracks running connection service loops so
	// Serve can drain before returning.
	activeConnections sync.WaitGroup
}

// ServiceConfig holds configuration for creating a Service.
type ServiceConfig struct {
	// Host is the secure host service. Required. The Service takes
	// its own reference.
	Host Host

	// Cache is the validation cache consulted after successful
	// lookups. Optional; when nil, every lookup returns the
	// freshly-resolved descriptor.
	Cache ValidationCache

	Logger *slog.Logger
}

// NewService creates a proxy service. Close releases the host
// reference taken here.
func NewService(config ServiceConfig) (*Service, error) {
	if config.Host == nil {
		return nil, fmt.Errorf("host service is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	config.Host.Ref()
	s := &Service{
		host:   config.Host,
		cache:  config.Cache,
		logger: logger,
	}
	s.ops = map[string]operation{
		wire.MethodInsert: (*Connection).handleInsert,
		wire.MethodLookup: (*Connection).handleLookup,
		wire.MethodDelete: (*Connection).handleDelete,
	}
	return s, nil
}

// CreateConnection constructs a Connection for an accepted
// sandbox-side transport and initiates its reverse-channel handshake.
// It returns once the add-channel request has been issued; handshake
// completion is asynchronous and wakes the Connection's readiness
// barrier.
//
// Panics with an invariant violation if the host's reverse control
// channel does not exist (a connection attempt before the trust
// relationship was established) or if the add-channel RPC fails (the
// registered one-shot callback would otherwise wait forever).
func (s *Service) CreateConnection(ctx context.Context, transport net.Conn) (*Connection, error) {
	conn, err := newConnection(s, transport)
	if err != nil {
		return nil, fmt.Errorf("creating proxy connection: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.host.ReverseEstablished() {
		invariant.Failf("proxy", "connection factory invoked without reverse control channel")
	}
	s.host.OnReverseConnect(conn.bindReverseChannel)
	if err := s.host.AddChannel(ctx); err != nil {
		invariant.Failf("proxy", "add channel RPC failed: %v", err)
	}

	s.logger.Debug("reverse channel requested", "remote", transport.RemoteAddr())
	return conn, nil
}

// Serve accepts sandboxed clients on the Unix socket at socketPath
// and runs each connection's service loop on its own goroutine.
// Blocks until ctx is cancelled, then stops accepting and waits for
// active connections to drain.
//
// Any existing socket file at the path is removed before listening,
// and the socket file is removed on return.
func (s *Service) Serve(ctx context.Context, socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", socketPath, err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(socketPath)
	}()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("proxy listening", "path", socketPath)

	for {
		transport, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		conn, err := s.CreateConnection(ctx, transport)
		if err != nil {
			s.logger.Error("connection setup failed", "error", err)
			transport.Close()
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			// Unblock the service loop's read when the context is
			// cancelled; the sandboxed peer gets a closed socket.
			stop := context.AfterFunc(ctx, func() { transport.Close() })
			defer stop()
			if err := conn.serve(ctx); err != nil {
				s.logger.Error("connection service loop failed", "error", err)
			}
			if err := conn.Close(); err != nil {
				s.logger.Debug("connection close", "error", err)
			}
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// Close releases the Service's reference on the host service. Call
// only after Serve has returned: the Service must outlive every
// Connection it created.
func (s *Service) Close() {
	s.host.Unref()
}
