// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import "github.com/bureau-foundation/nsproxy/lib/descriptor"

// exchangeDescriptor applies the at-most-one-validation policy to a
// freshly-resolved descriptor: if the validation cache already holds
// a descriptor for token, the fresh one is released — exactly one
// Unref, the single auditable decrement on this path — and the cached
// descriptor (carrying its own fresh reference) is returned in its
// place. On a cache miss, or when no cache is configured, the fresh
// descriptor passes through untouched.
//
// The returned descriptor always carries one reference owned by the
// caller, whichever branch produced it.
func (s *Service) exchangeDescriptor(token descriptor.FileToken, fresh *descriptor.Descriptor) *descriptor.Descriptor {
	if s.cache == nil {
		return fresh
	}
	cached := s.cache.ExchangeToken(token)
	if cached == nil {
		return fresh
	}
	s.logger.Debug("validation cache hit", "token", token)
	fresh.Unref()
	return cached
}
