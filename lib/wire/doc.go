// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the CBOR message types for the three nsproxy
// protocols. Both sides of each protocol import this package so the
// wire types are defined once rather than mirrored.
//
// Sandbox-facing name service (proxy serves, sandboxed peer calls):
// [MethodInsert], [MethodLookup], [MethodDelete]. Insert and Delete
// are always denied — the manifest is read-only from inside the
// sandbox.
//
// Reverse control protocol (host resolver serves, proxy calls):
// [MethodAddChannel] asks the host to establish one fresh reverse
// channel back to the proxy.
//
// Reverse manifest protocol (host resolver serves over each reverse
// channel, proxy calls): [MethodManifestLookup] resolves a name to a
// descriptor, file token, and cookie.
package wire
