// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package descriptor

import (
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/nsproxy/lib/invariant"
)

// FileToken is the host's opaque identity for a resolved file. The
// zero token means "no token": a lookup that resolved no file, or a
// host that does not participate in validation caching.
type FileToken struct {
	Lo uint64 `cbor:"lo"`
	Hi uint64 `cbor:"hi"`
}

// IsValid reports whether the token identifies a file. The host
// reserves the all-zero token as the absent value.
func (t FileToken) IsValid() bool {
	return t.Lo != 0 || t.Hi != 0
}

func (t FileToken) String() string {
	return fmt.Sprintf("%016x:%016x", t.Hi, t.Lo)
}

// Descriptor is a reference-counted handle to a resolved resource.
//
// The count starts at 1 for the creator. Every additional owner takes
// a reference with Ref and releases it with Unref; the underlying file
// is closed when the last reference is released. Unref on a count of
// zero panics with an invariant violation — it means two owners both
// believed they held the last reference, and one of them has already
// had the file closed under it.
type Descriptor struct {
	refs atomic.Int64
	file *os.File
}

// New creates a Descriptor owning file, with a reference count of 1.
func New(file *os.File) *Descriptor {
	d := &Descriptor{file: file}
	d.refs.Store(1)
	return d
}

// Ref takes an additional reference and returns the descriptor, so a
// transfer of shared ownership reads as a single expression:
//
//	cache.entries[token] = desc.Ref()
func (d *Descriptor) Ref() *Descriptor {
	if d.refs.Add(1) <= 1 {
		invariant.Failf("descriptor", "Ref on a released descriptor")
	}
	return d
}

// Unref releases one reference. When the last reference is released
// the underlying file is closed. Close errors are discarded: the
// descriptor is gone either way, and every read/write path has its
// own error reporting.
func (d *Descriptor) Unref() {
	remaining := d.refs.Add(-1)
	if remaining < 0 {
		invariant.Failf("descriptor", "Unref below zero")
	}
	if remaining == 0 {
		if d.file != nil {
			_ = d.file.Close()
		}
	}
}

// File returns the underlying open file. The caller must hold a
// reference for as long as it uses the returned file.
func (d *Descriptor) File() *os.File {
	return d.file
}

// DupFile duplicates the underlying file descriptor into an
// independent *os.File. The duplicate shares the open file
// description (offset, status flags) but has its own lifetime: the
// caller closes it without affecting this Descriptor's references.
// Use this to hand a file to a transfer path that insists on closing
// what it is given.
func (d *Descriptor) DupFile() (*os.File, error) {
	if d.file == nil {
		return nil, fmt.Errorf("descriptor has no file")
	}
	fd, err := unix.Dup(int(d.file.Fd()))
	if err != nil {
		return nil, fmt.Errorf("duplicating descriptor: %w", err)
	}
	unix.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), d.file.Name()), nil
}

// Refs returns the current reference count. It is inherently racy in
// the presence of concurrent Ref/Unref and exists for tests and
// logging only.
func (d *Descriptor) Refs() int64 {
	return d.refs.Load()
}
