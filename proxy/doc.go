// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the trusted-side manifest name-resolution
// proxy: a small RPC service sitting on the boundary between a
// sandboxed process and the privileged host resolver.
//
// The sandboxed peer sees an ordinary name service with three
// operations — insert, lookup, delete — but the proxy is read-only
// from that side: insert and delete are always denied, and every
// lookup is forwarded to the host resolver over a reverse channel the
// proxy never dials itself. When a sandboxed client connects,
// [Service.CreateConnection] registers a one-shot connect callback
// with the host and asks it (over the established reverse control
// channel) to add a channel; the host dials back asynchronously, and
// the new [Connection]'s lookups block until that handshake lands.
//
// A lookup that resolves successfully returns a descriptor and a file
// token. The token is offered to the validation cache: on a hit the
// freshly-resolved descriptor is released and the already-validated
// cached one is returned instead, so no file's content is validated
// twice.
//
// Two hazards are inherent to the design and deliberately preserved:
// a Connection whose reverse handshake never completes blocks Lookup
// and Close forever (there is no timeout on the readiness wait), and
// the cookie accompanying each lookup result is never released back
// to the host, so the host-side resource it names lives until the
// host process exits.
package proxy
