// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements nsproxy's point-to-point RPC transport:
// persistent CBOR request/response channels over Unix domain sockets.
//
// Each channel carries one call at a time. [Client.Invoke] writes a
// request frame and blocks for the response frame; [Serve] reads
// requests in a loop and dispatches them through a static method →
// [Handler] table. Frames are length-prefixed CBOR. The prefix exists
// because responses may be followed by an out-of-band file descriptor
// (SCM_RIGHTS): the reader must consume exactly the frame's bytes so
// the descriptor's carrier byte is picked up by recvmsg rather than
// swallowed into a stream decoder's buffer.
//
// Remote handler failures surface as [*CallError]. Everything else —
// dial failures, broken connections, short reads — is returned
// verbatim from the underlying transport so callers can distinguish
// "the other side said no" from "the channel is gone".
package rpc
