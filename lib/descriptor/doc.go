// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package descriptor provides reference-counted handles to resolved
// resources and the validation cache that lets the proxy reuse
// already-validated handles.
//
// A [Descriptor] wraps an open file with an explicit reference count.
// Descriptors cross ownership boundaries constantly — resolver to
// transport, transport to proxy, proxy to validation cache, cache back
// to a later lookup — and Go's garbage collector cannot close the
// underlying file at the right moment on its own. Ref and Unref make
// every ownership transfer auditable; driving the count below zero is
// an invariant violation, not a recoverable error.
//
// A [FileToken] is the host's opaque identity for a resolved file. The
// [Cache] maps tokens to descriptors whose content has already been
// validated (BLAKE3, keyed for domain separation), so a second lookup
// of the same file can skip validation entirely: ExchangeToken either
// returns a fresh reference to the cached descriptor or nothing.
package descriptor
