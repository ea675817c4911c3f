// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the proxy's standard CBOR encoding
// configuration.
//
// Every wire message in nsproxy — sandbox-facing name-service
// requests, reverse-channel manifest lookups, and the reverse control
// protocol — is CBOR. This package provides the shared encoding and
// decoding modes so that every package encodes identically without
// duplicating configuration. The encoder uses Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. Same logical data always
// produces identical bytes.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// CBOR is self-delimiting, so stream decoding works without framing.
// lib/rpc nevertheless length-prefixes its frames: its responses can
// be followed by out-of-band descriptor messages that a buffering
// stream decoder would swallow.
package codec
