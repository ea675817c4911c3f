// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/nsproxy/lib/descriptor"
	"github.com/bureau-foundation/nsproxy/lib/nsclient"
	"github.com/bureau-foundation/nsproxy/lib/testutil"
	"github.com/bureau-foundation/nsproxy/lib/wire"
	"github.com/bureau-foundation/nsproxy/proxy"
	"github.com/bureau-foundation/nsproxy/resolver"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// waitForSocket polls until a Unix socket at path accepts connections.
func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", path)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never came up", path)
}

// stack is a fully wired proxy deployment: resolver, host trust
// relationship, proxy service, all over real Unix sockets.
type stack struct {
	resolver *resolver.Service
	host     *proxy.SecureHost
	service  *proxy.Service
	socket   string
	cancel   context.CancelFunc
	done     chan struct{}
}

func startStack(t *testing.T, manifest map[string]string, cache proxy.ValidationCache) *stack {
	t.Helper()

	dir := testutil.SocketDir(t)
	controlSocket := filepath.Join(dir, "control.sock")
	reverseSocket := filepath.Join(dir, "reverse.sock")
	proxySocket := filepath.Join(dir, "ns.sock")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	resolverService := resolver.NewService(resolver.ServiceConfig{
		Manifest: manifest,
		Logger:   quietLogger(),
	})
	resolverDone := make(chan struct{})
	go func() {
		defer close(resolverDone)
		if err := resolverService.Run(ctx, controlSocket); err != nil {
			t.Errorf("resolver: %v", err)
		}
	}()
	waitForSocket(t, controlSocket)

	host, err := proxy.DialHost(proxy.HostConfig{
		ControlSocket: controlSocket,
		ReverseSocket: reverseSocket,
		Logger:        quietLogger(),
	})
	if err != nil {
		cancel()
		t.Fatalf("DialHost: %v", err)
	}

	service, err := proxy.NewService(proxy.ServiceConfig{
		Host:   host,
		Cache:  cache,
		Logger: quietLogger(),
	})
	if err != nil {
		cancel()
		t.Fatalf("NewService: %v", err)
	}

	go func() {
		defer close(done)
		if err := service.Serve(ctx, proxySocket); err != nil {
			t.Errorf("proxy serve: %v", err)
		}
		<-resolverDone
	}()
	waitForSocket(t, proxySocket)

	s := &stack{
		resolver: resolverService,
		host:     host,
		service:  service,
		socket:   proxySocket,
		cancel:   cancel,
		done:     done,
	}
	t.Cleanup(s.shutdown)
	return s
}

// shutdown tears the stack down in dependency order: stop serving,
// release the service's host reference, then the test's own.
func (s *stack) shutdown() {
	s.cancel()
	<-s.done
	s.service.Close()
	s.host.Unref()
}

func (s *stack) dial(t *testing.T) *nsclient.Client {
	t.Helper()
	client, err := nsclient.Dial(s.socket)
	if err != nil {
		t.Fatalf("dialing proxy: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func writeManifestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestEndToEndLookup(t *testing.T) {
	content := "manifest-resolved payload"
	s := startStack(t, map[string]string{
		"files/payload": writeManifestFile(t, "payload", content),
	}, nil)
	client := s.dial(t)

	status, file, err := client.Lookup(context.Background(), "files/payload", 0)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if status != wire.StatusOK {
		t.Fatalf("status = %v, want ok", status)
	}
	if file == nil {
		t.Fatal("lookup returned no descriptor")
	}
	defer file.Close()

	received, err := io.ReadAll(file)
	if err != nil {
		t.Fatalf("reading descriptor: %v", err)
	}
	if string(received) != content {
		t.Errorf("content = %q, want %q", received, content)
	}
}

func TestEndToEndNameNotFound(t *testing.T) {
	s := startStack(t, map[string]string{}, nil)
	client := s.dial(t)

	status, file, err := client.Lookup(context.Background(), "files/absent", 0)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if status != wire.StatusNameNotFound {
		t.Errorf("status = %v, want name-not-found", status)
	}
	if file != nil {
		file.Close()
		t.Error("descriptor returned for an absent name")
	}
}

func TestEndToEndWriteAccessDenied(t *testing.T) {
	s := startStack(t, map[string]string{
		"files/payload": writeManifestFile(t, "payload", "x"),
	}, nil)
	client := s.dial(t)

	for _, flags := range []int32{unix.O_WRONLY, unix.O_RDWR, unix.O_CREAT, unix.O_TRUNC} {
		status, file, err := client.Lookup(context.Background(), "files/payload", flags)
		if err != nil {
			t.Fatalf("Lookup with flags %#x: %v", flags, err)
		}
		if status != wire.StatusPermissionDenied {
			t.Errorf("flags %#x: status = %v, want permission-denied", flags, status)
		}
		if file != nil {
			file.Close()
			t.Errorf("flags %#x: descriptor returned despite denial", flags)
		}
	}
}

func TestEndToEndInsertDeleteDenied(t *testing.T) {
	s := startStack(t, map[string]string{}, nil)
	client := s.dial(t)

	status, err := client.Insert(context.Background(), "files/new", map[string]string{"path": "/x"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if status != wire.StatusPermissionDenied {
		t.Errorf("insert status = %v, want permission-denied", status)
	}

	status, err = client.Delete(context.Background(), "files/new")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if status != wire.StatusPermissionDenied {
		t.Errorf("delete status = %v, want permission-denied", status)
	}
}

func TestEndToEndLookupRecordsAccumulate(t *testing.T) {
	// Each lookup leaves a record on the resolver. The protocol has no
	// release RPC, so the count only grows.
	s := startStack(t, map[string]string{
		"files/payload": writeManifestFile(t, "payload", "x"),
	}, nil)
	client := s.dial(t)

	if got := s.resolver.OpenLookups(); got != 0 {
		t.Fatalf("open lookups before any = %d, want 0", got)
	}

	for i := 1; i <= 3; i++ {
		status, file, err := client.Lookup(context.Background(), "files/payload", 0)
		if err != nil {
			t.Fatalf("Lookup %d: %v", i, err)
		}
		if status != wire.StatusOK {
			t.Fatalf("Lookup %d status = %v", i, status)
		}
		file.Close()
		if got := s.resolver.OpenLookups(); got != i {
			t.Fatalf("open lookups after %d lookups = %d", i, got)
		}
	}
}

func TestEndToEndValidationCacheSubstitution(t *testing.T) {
	// Admit the manifest file's descriptor under its real dev/inode
	// token, then look it up over the full stack: the returned content
	// must be served even though the cached descriptor was substituted
	// for the freshly-opened one.
	path := writeManifestFile(t, "payload", "cache me")

	cache := descriptor.NewCache()
	defer cache.Close()

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening manifest file: %v", err)
	}
	var stat unix.Stat_t
	if err := unix.Fstat(int(file.Fd()), &stat); err != nil {
		t.Fatalf("fstat: %v", err)
	}
	token := descriptor.FileToken{Lo: stat.Ino, Hi: uint64(stat.Dev)}
	validated := descriptor.New(file)
	defer validated.Unref()
	if _, err := cache.Admit(token, validated); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	s := startStack(t, map[string]string{"files/payload": path}, cache)
	client := s.dial(t)

	status, received, err := client.Lookup(context.Background(), "files/payload", 0)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if status != wire.StatusOK {
		t.Fatalf("status = %v, want ok", status)
	}
	defer received.Close()

	content, err := io.ReadAll(received)
	if err != nil {
		t.Fatalf("reading descriptor: %v", err)
	}
	if string(content) != "cache me" {
		t.Errorf("content = %q, want %q", content, "cache me")
	}

	// The substitution released the fresh descriptor; the validated one
	// is back at its resting count (caller's reference plus the
	// cache's).
	if refs := validated.Refs(); refs != 2 {
		t.Errorf("validated refs after lookup = %d, want 2", refs)
	}
}

func TestEndToEndMultipleClients(t *testing.T) {
	content := "shared payload"
	s := startStack(t, map[string]string{
		"files/payload": writeManifestFile(t, "payload", content),
	}, nil)

	for i := 0; i < 3; i++ {
		client := s.dial(t)
		status, file, err := client.Lookup(context.Background(), "files/payload", 0)
		if err != nil {
			t.Fatalf("client %d lookup: %v", i, err)
		}
		if status != wire.StatusOK {
			t.Fatalf("client %d status = %v", i, status)
		}
		received, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			t.Fatalf("client %d read: %v", i, err)
		}
		if string(received) != content {
			t.Errorf("client %d content = %q", i, received)
		}
	}
}
