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
	"sync/atomic"

	"github.com/bureau-foundation/nsproxy/lib/invariant"
	"github.com/bureau-foundation/nsproxy/lib/rpc"
	"github.com/bureau-foundation/nsproxy/lib/wire"
)

// SecureHost is the concrete [Host]: a dialed reverse control channel
// to the host resolver plus the listener on which the host dials
// fresh reverse channels back.
//
// SecureHost is shared-ownership. DialHost returns it with one
// reference owned by the caller; the control channel and reverse
// listener are torn down when the last reference is released.
type SecureHost struct {
	refs          atomic.Int64
	control       *rpc.Client
	reverseSocket string
	listener      net.Listener
	logger        *slog.Logger

	// mu guards the one-shot connect callback queue against the
	// reverse accept goroutine.
	mu      sync.Mutex
	pending []func(channel rpc.Invoker)
}

// HostConfig holds configuration for establishing the trust
// relationship with the host resolver.
type HostConfig struct {
	// ControlSocket is the host resolver's control socket path. The
	// connection dialed here becomes the reverse control channel.
	ControlSocket string

	// ReverseSocket is the path where this process accepts the
	// reverse channels the host establishes on request.
	ReverseSocket string

	Logger *slog.Logger
}

// DialHost establishes the trust relationship: it opens the reverse
// listener, dials the host resolver's control socket, and starts
// accepting host-established reverse channels. Returns a SecureHost
// with a reference count of one.
func DialHost(config HostConfig) (*SecureHost, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.Remove(config.ReverseSocket); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale reverse socket %s: %w", config.ReverseSocket, err)
	}
	listener, err := net.Listen("unix", config.ReverseSocket)
	if err != nil {
		return nil, fmt.Errorf("listening on reverse socket %s: %w", config.ReverseSocket, err)
	}

	control, err := rpc.Dial(config.ControlSocket)
	if err != nil {
		listener.Close()
		os.Remove(config.ReverseSocket)
		return nil, fmt.Errorf("establishing reverse control channel: %w", err)
	}

	h := &SecureHost{
		control:       control,
		reverseSocket: config.ReverseSocket,
		listener:      listener,
		logger:        logger,
	}
	h.refs.Store(1)
	go h.acceptReverse()

	logger.Info("reverse control channel established",
		"control_socket", config.ControlSocket,
		"reverse_socket", config.ReverseSocket,
	)
	return h, nil
}

// acceptReverse delivers each host-established reverse channel to the
// oldest registered one-shot callback. The host dials exactly once
// per add-channel request, and every request is paired with a
// callback registered first, so a connection arriving with no pending
// callback means the host's connect protocol is corrupt.
func (h *SecureHost) acceptReverse() {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			h.logger.Error("reverse accept failed", "error", err)
			continue
		}

		h.mu.Lock()
		if len(h.pending) == 0 {
			h.mu.Unlock()
			invariant.Failf("host", "reverse connection arrived with no registered handler")
		}
		callback := h.pending[0]
		h.pending = h.pending[1:]
		h.mu.Unlock()

		callback(rpc.NewClient(conn))
	}
}

// Ref implements Host.
func (h *SecureHost) Ref() {
	if h.refs.Add(1) <= 1 {
		invariant.Failf("host", "Ref on a released host service")
	}
}

// Unref implements Host. Releasing the last reference closes the
// control channel and the reverse listener and removes the reverse
// socket file.
func (h *SecureHost) Unref() {
	remaining := h.refs.Add(-1)
	if remaining < 0 {
		invariant.Failf("host", "Unref below zero")
	}
	if remaining == 0 {
		h.control.Close()
		h.listener.Close()
		os.Remove(h.reverseSocket)
	}
}

// ReverseEstablished implements Host. A SecureHost only exists with
// its control channel dialed, so this is always true; the check in
// the connection factory guards against fakes and future construction
// paths that defer the dial.
func (h *SecureHost) ReverseEstablished() bool {
	return h.control != nil
}

// OnReverseConnect implements Host.
func (h *SecureHost) OnReverseConnect(callback func(channel rpc.Invoker)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = append(h.pending, callback)
}

// AddChannel implements Host: one control RPC asking the host to dial
// the reverse socket once.
func (h *SecureHost) AddChannel(ctx context.Context) error {
	var reply wire.AddChannelResponse
	if _, err := h.control.Invoke(ctx, wire.MethodAddChannel, wire.AddChannelRequest{
		ReverseSocket: h.reverseSocket,
	}, &reply); err != nil {
		return fmt.Errorf("add channel: %w", err)
	}
	if !reply.Started {
		return fmt.Errorf("add channel: host refused to establish a reverse channel")
	}
	return nil
}
