// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/nsproxy/lib/codec"
	"github.com/bureau-foundation/nsproxy/lib/descriptor"
	"github.com/bureau-foundation/nsproxy/lib/rpc"
	"github.com/bureau-foundation/nsproxy/lib/wire"
)

// writeFlags are the open flags the resolver refuses. The manifest is
// read-only from the sandbox in every respect: no write access, no
// creation, no truncation.
const writeFlags = unix.O_WRONLY | unix.O_RDWR | unix.O_CREAT | unix.O_TRUNC | unix.O_APPEND

// Service is the host-side manifest resolver.
type Service struct {
	manifest map[string]string
	logger   *slog.Logger

	// mu guards the lookup records. Records are only ever added:
	// releasing one would need a release RPC the protocol does not
	// have.
	mu      sync.Mutex
	cookies uint64
	records map[string]string // cookie → manifest name

	// channels tracks reverse-channel service loops for drain on
	// shutdown.
	channels sync.WaitGroup
}

// ServiceConfig holds configuration for creating a resolver Service.
type ServiceConfig struct {
	// Manifest maps names to host filesystem paths.
	Manifest map[string]string

	Logger *slog.Logger
}

// NewService creates a resolver serving the given manifest.
func NewService(config ServiceConfig) *Service {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	manifest := make(map[string]string, len(config.Manifest))
	for name, path := range config.Manifest {
		manifest[name] = path
	}
	return &Service{
		manifest: manifest,
		logger:   logger,
		records:  make(map[string]string),
	}
}

// Run serves the control protocol on the Unix socket at socketPath.
// Blocks until ctx is cancelled, then waits for the reverse-channel
// service loops to drain.
//
// Any existing socket file at the path is removed before listening,
// and the socket file is removed on return.
func (s *Service) Run(ctx context.Context, socketPath string) error {
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

	s.logger.Info("resolver control socket listening",
		"path", socketPath,
		"manifest_entries", len(s.manifest),
	)

	controlHandlers := map[string]rpc.Handler{
		wire.MethodAddChannel: s.handleAddChannel,
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("control accept failed", "error", err)
			continue
		}

		s.channels.Add(1)
		go func() {
			defer s.channels.Done()
			defer conn.Close()
			// Unblock the service loop's read when the context is
			// cancelled.
			stop := context.AfterFunc(ctx, func() { conn.Close() })
			defer stop()
			if err := rpc.Serve(ctx, conn, controlHandlers, s.logger); err != nil {
				s.logger.Error("control channel failed", "error", err)
			}
		}()
	}

	s.channels.Wait()
	return nil
}

// handleAddChannel establishes one reverse channel: dial the proxy's
// reverse socket and serve manifest lookups on the connection. The
// dial happens before the reply so a Started response means the
// channel really is on its way to the proxy's accept loop.
func (s *Service) handleAddChannel(ctx context.Context, args codec.RawMessage) (any, *os.File, error) {
	var req wire.AddChannelRequest
	if err := codec.Unmarshal(args, &req); err != nil {
		return nil, nil, fmt.Errorf("invalid add-channel request: %w", err)
	}
	if req.ReverseSocket == "" {
		return nil, nil, fmt.Errorf("add-channel request has no reverse socket")
	}

	conn, err := net.Dial("unix", req.ReverseSocket)
	if err != nil {
		s.logger.Error("reverse dial failed",
			"reverse_socket", req.ReverseSocket,
			"error", err,
		)
		return wire.AddChannelResponse{Started: false}, nil, nil
	}

	manifestHandlers := map[string]rpc.Handler{
		wire.MethodManifestLookup: s.handleManifestLookup,
	}

	s.channels.Add(1)
	go func() {
		defer s.channels.Done()
		defer conn.Close()
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()
		if err := rpc.Serve(ctx, conn, manifestHandlers, s.logger); err != nil {
			s.logger.Error("reverse channel failed", "error", err)
		}
	}()

	s.logger.Debug("reverse channel established", "reverse_socket", req.ReverseSocket)
	return wire.AddChannelResponse{Started: true}, nil, nil
}

// handleManifestLookup resolves one name: manifest match, read-only
// open, token minting, cookie recording. The opened file travels out
// of band with the response; the transport closes the resolver's copy
// after transfer.
func (s *Service) handleManifestLookup(ctx context.Context, args codec.RawMessage) (any, *os.File, error) {
	var req wire.ManifestLookupRequest
	if err := codec.Unmarshal(args, &req); err != nil {
		return nil, nil, fmt.Errorf("invalid manifest lookup: %w", err)
	}

	if req.Name == "" {
		return wire.ManifestLookupResponse{Status: wire.StatusInvalidArgument}, nil, nil
	}
	if req.Flags&writeFlags != 0 {
		s.logger.Debug("lookup denied write access", "name", req.Name, "flags", req.Flags)
		return wire.ManifestLookupResponse{Status: wire.StatusPermissionDenied}, nil, nil
	}

	path, exists := s.manifest[req.Name]
	if !exists {
		return wire.ManifestLookupResponse{Status: wire.StatusNameNotFound}, nil, nil
	}

	file, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		s.logger.Error("manifest file open failed",
			"name", req.Name,
			"path", path,
			"error", err,
		)
		return wire.ManifestLookupResponse{Status: wire.StatusInsufficientResources}, nil, nil
	}

	token, err := fileToken(file)
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("minting token for %q: %w", req.Name, err)
	}

	cookie := s.recordLookup(req.Name)
	s.logger.Debug("lookup resolved",
		"name", req.Name,
		"path", path,
		"token", token,
		"cookie", string(cookie),
	)

	return wire.ManifestLookupResponse{
		Status: wire.StatusOK,
		Token:  token,
		Cookie: cookie,
	}, file, nil
}

// recordLookup mints a cookie and records the lookup under it. The
// record is the host-side resource the cookie names; with no release
// RPC in the protocol it stays until the process exits.
func (s *Service) recordLookup(name string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies++
	cookie := fmt.Sprintf("lk-%08d", s.cookies)
	s.records[cookie] = name
	return []byte(cookie)
}

// OpenLookups returns the number of lookup records held. The count
// only grows: records are never released.
func (s *Service) OpenLookups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// fileToken mints the file's identity token from its device and inode
// numbers, matching how the validation cache keys content identity.
func fileToken(file *os.File) (descriptor.FileToken, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(int(file.Fd()), &stat); err != nil {
		return descriptor.FileToken{}, err
	}
	return descriptor.FileToken{
		Lo: stat.Ino,
		Hi: uint64(stat.Dev),
	}, nil
}
