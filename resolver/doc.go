// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package resolver implements the privileged host side of the
// manifest name service: the component the proxy's reverse channels
// lead to.
//
// [Service] listens on a control socket. The proxy dials it once at
// startup — that connection is the reverse control channel — and
// sends one control.add_channel request per sandboxed client. For
// each request the resolver dials the proxy's reverse socket and
// serves manifest.lookup on the resulting channel: resolving names
// against the manifest, opening files read-only, minting file tokens
// from device/inode identity, and attaching a cookie that names the
// host-side record of the lookup.
//
// Cookies are never released — no release RPC exists in the protocol
// — so the per-lookup records accumulate for the life of the process.
// [Service.OpenLookups] exposes the count, which only ever grows.
package resolver
