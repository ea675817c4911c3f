// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package descriptor

import (
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/zeebo/blake3"
)

// Sum is a 32-byte BLAKE3 digest of a validated file's content.
type Sum [32]byte

func (s Sum) String() string {
	return hex.EncodeToString(s[:])
}

// validationDomainKey is the 32-byte key for BLAKE3 keyed hashing.
// Domain separation ensures the same bytes hash differently in other
// contexts. The value is the ASCII domain name zero-padded to 32
// bytes, so the key is inspectable in hex dumps without sacrificing
// any cryptographic property (keyed BLAKE3 treats it as opaque).
var validationDomainKey = [32]byte{
	'n', 's', 'p', 'r', 'o', 'x', 'y', '.',
	'v', 'a', 'l', 'i', 'd', 'a', 't', 'i', 'o', 'n', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Cache is an in-memory validation cache keyed by file token.
//
// Admit validates a descriptor's content (a full BLAKE3 pass over the
// file) and retains a reference under its token. ExchangeToken is the
// read side: on a hit it returns a fresh reference to the cached
// descriptor, letting the caller drop a freshly-resolved duplicate and
// skip re-validation. Each file's content is therefore validated at
// most once for the cache's lifetime.
type Cache struct {
	mu      sync.Mutex
	entries map[FileToken]*cacheEntry
}

type cacheEntry struct {
	desc *Descriptor
	sum  Sum
}

// NewCache creates an empty validation cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[FileToken]*cacheEntry)}
}

// Admit validates desc's content and retains it under token. The
// cache takes its own reference; the caller keeps ownership of its
// reference. Admitting a token that is already cached is an error —
// the token is the file's identity, so a second admission means the
// host handed out the same token for different content or the caller
// is double-validating.
func (c *Cache) Admit(token FileToken, desc *Descriptor) (Sum, error) {
	if !token.IsValid() {
		return Sum{}, fmt.Errorf("admitting descriptor with invalid file token")
	}

	sum, err := contentSum(desc)
	if err != nil {
		return Sum{}, fmt.Errorf("validating content for token %v: %w", token, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[token]; exists {
		return Sum{}, fmt.Errorf("token %v already validated", token)
	}
	c.entries[token] = &cacheEntry{desc: desc.Ref(), sum: sum}
	return sum, nil
}

// ExchangeToken returns a fresh reference to the already-validated
// descriptor for token, or nil if the token is unknown. A nil return
// means the caller must keep (and validate) its own descriptor.
func (c *Cache) ExchangeToken(token FileToken) *Descriptor {
	if !token.IsValid() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, exists := c.entries[token]
	if !exists {
		return nil
	}
	return entry.desc.Ref()
}

// Sum returns the validation digest recorded for token, if any.
func (c *Cache) Sum(token FileToken) (Sum, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, exists := c.entries[token]
	if !exists {
		return Sum{}, false
	}
	return entry.sum, true
}

// Len returns the number of cached tokens.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close releases the cache's references. The cache is unusable
// afterwards.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for token, entry := range c.entries {
		entry.desc.Unref()
		delete(c.entries, token)
	}
}

// contentSum computes the validation digest of the descriptor's file
// without disturbing the file offset: reads go through an io.NewSectionReader
// over ReadAt.
func contentSum(desc *Descriptor) (Sum, error) {
	file := desc.File()
	if file == nil {
		return Sum{}, fmt.Errorf("descriptor has no file")
	}
	info, err := file.Stat()
	if err != nil {
		return Sum{}, err
	}

	hasher, err := blake3.NewKeyed(validationDomainKey[:])
	if err != nil {
		return Sum{}, err
	}
	if _, err := io.Copy(hasher, io.NewSectionReader(file, 0, info.Size())); err != nil {
		return Sum{}, err
	}

	var sum Sum
	copy(sum[:], hasher.Sum(nil))
	return sum, nil
}
