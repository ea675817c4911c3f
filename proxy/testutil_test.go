// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"

	"github.com/bureau-foundation/nsproxy/lib/descriptor"
	"github.com/bureau-foundation/nsproxy/lib/invariant"
	"github.com/bureau-foundation/nsproxy/lib/rpc"
	"github.com/bureau-foundation/nsproxy/lib/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// fakeHost is an in-memory Host that records the handshake sequence
// and lets tests deliver reverse channels by hand.
type fakeHost struct {
	mu          sync.Mutex
	refs        int
	established bool
	pending     []func(channel rpc.Invoker)
	addChannels int
	addError    error

	// events records the handshake steps in order, so tests can
	// assert the callback is registered before the add-channel RPC.
	events []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{established: true}
}

func (h *fakeHost) Ref() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs++
}

func (h *fakeHost) Unref() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs--
}

func (h *fakeHost) ReverseEstablished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.established
}

func (h *fakeHost) OnReverseConnect(callback func(channel rpc.Invoker)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = append(h.pending, callback)
	h.events = append(h.events, "register-callback")
}

func (h *fakeHost) AddChannel(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addChannels++
	h.events = append(h.events, "add-channel")
	return h.addError
}

// fireNext simulates the host establishing a reverse channel: it pops
// the oldest one-shot callback and hands it the channel.
func (h *fakeHost) fireNext(t *testing.T, channel rpc.Invoker) {
	t.Helper()
	h.mu.Lock()
	if len(h.pending) == 0 {
		h.mu.Unlock()
		t.Fatal("no pending reverse-connect callback")
	}
	callback := h.pending[0]
	h.pending = h.pending[1:]
	h.mu.Unlock()
	callback(channel)
}

// fakeReverse is an in-memory reverse channel. respond fills the
// reply and optionally returns a file, exactly like rpc.Client.Invoke.
type fakeReverse struct {
	respond func(method string, args any, reply any) (*os.File, error)

	mu     sync.Mutex
	closed bool
}

func (f *fakeReverse) Invoke(ctx context.Context, method string, args any, reply any) (*os.File, error) {
	return f.respond(method, args, reply)
}

func (f *fakeReverse) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// manifestResponder builds a fakeReverse that answers every manifest
// lookup with the given result, opening contentPath fresh per call
// when status is OK.
func manifestResponder(t *testing.T, status wire.Status, token descriptor.FileToken, cookie string, contentPath string) *fakeReverse {
	t.Helper()
	return &fakeReverse{
		respond: func(method string, args any, reply any) (*os.File, error) {
			response := reply.(*wire.ManifestLookupResponse)
			response.Status = status
			response.Token = token
			response.Cookie = []byte(cookie)
			if status != wire.StatusOK {
				return nil, nil
			}
			file, err := os.Open(contentPath)
			if err != nil {
				t.Errorf("opening %s: %v", contentPath, err)
				return nil, err
			}
			return file, nil
		},
	}
}

// testService creates a Service over a fake host.
func testService(t *testing.T, host Host, cache ValidationCache) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Host:   host,
		Cache:  cache,
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return service
}

// testConnection runs the factory against an in-memory transport.
func testConnection(t *testing.T, service *Service) *Connection {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() {
		clientSide.Close()
		serverSide.Close()
	})
	conn, err := service.CreateConnection(context.Background(), serverSide)
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	return conn
}

// tempFile writes content to a fresh file and returns its path.
func tempFile(t *testing.T, content string) string {
	t.Helper()
	file, err := os.CreateTemp(t.TempDir(), "resource-*")
	if err != nil {
		t.Fatalf("creating temp file: %v", err)
	}
	if _, err := file.WriteString(content); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("closing temp file: %v", err)
	}
	return file.Name()
}

// requireViolation asserts the enclosing deferred call recovered an
// invariant violation.
func requireViolation(t *testing.T) {
	t.Helper()
	recovered := recover()
	if recovered == nil {
		t.Fatal("expected invariant violation panic")
	}
	if _, ok := recovered.(*invariant.Violation); !ok {
		t.Fatalf("panic value is %T, want *invariant.Violation", recovered)
	}
}
