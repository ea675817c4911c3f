// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"github.com/bureau-foundation/nsproxy/lib/codec"
	"github.com/bureau-foundation/nsproxy/lib/descriptor"
)

// Method names for the three protocols. The handler tables in the
// proxy and the resolver are keyed by these.
const (
	MethodInsert = "ns.insert"
	MethodLookup = "ns.lookup"
	MethodDelete = "ns.delete"

	MethodAddChannel = "control.add_channel"

	MethodManifestLookup = "manifest.lookup"
)

// MaxCookieSize bounds the opaque cookie blob a manifest lookup may
// return. The cookie correlates the lookup with a host-side resource;
// 20 bytes is the historical limit and nothing needs more.
const MaxCookieSize = 20

// Status is the result code of a name-service operation. Transport
// failures are not Statuses — they travel as RPC-level errors,
// propagated verbatim to the caller.
type Status int32

const (
	StatusOK Status = iota
	StatusNameNotFound
	StatusDuplicateName
	StatusInsufficientResources
	StatusPermissionDenied
	StatusInvalidArgument
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNameNotFound:
		return "name-not-found"
	case StatusDuplicateName:
		return "duplicate-name"
	case StatusInsufficientResources:
		return "insufficient-resources"
	case StatusPermissionDenied:
		return "permission-denied"
	case StatusInvalidArgument:
		return "invalid-argument"
	default:
		return "unknown-status"
	}
}

// InsertRequest asks the name service to bind a name. The proxy
// denies every insert; the value is carried opaquely so the denial
// does not depend on being able to interpret it.
type InsertRequest struct {
	Name  string           `cbor:"name"`
	Value codec.RawMessage `cbor:"value,omitempty"`
}

// InsertResponse carries the status of an insert. Always
// StatusPermissionDenied from the proxy.
type InsertResponse struct {
	Status Status `cbor:"status"`
}

// LookupRequest resolves a name to a resource descriptor. Flags are
// POSIX-style open flags; the host rejects anything beyond read-only
// access.
type LookupRequest struct {
	Name  string `cbor:"name"`
	Flags int32  `cbor:"flags"`
}

// LookupResponse carries the status of a lookup. On StatusOK the
// resolved descriptor accompanies the response out of band (one file
// descriptor via SCM_RIGHTS).
type LookupResponse struct {
	Status Status `cbor:"status"`
}

// DeleteRequest asks the name service to remove a binding. Always
// denied by the proxy.
type DeleteRequest struct {
	Name string `cbor:"name"`
}

// DeleteResponse carries the status of a delete.
type DeleteResponse struct {
	Status Status `cbor:"status"`
}

// AddChannelRequest asks the host resolver to establish one fresh
// reverse channel by dialing the proxy's reverse socket. The proxy
// pairs each request with a previously registered one-shot connect
// callback, so the host must dial exactly once per request.
type AddChannelRequest struct {
	ReverseSocket string `cbor:"reverse_socket"`
}

// AddChannelResponse reports whether the host accepted the request.
// Started false means the host refused to dial; the proxy treats this
// as fatal, since the paired callback would otherwise wait forever.
type AddChannelResponse struct {
	Started bool `cbor:"started"`
}

// ManifestLookupRequest forwards a sandbox lookup to the host
// resolver over a reverse channel.
type ManifestLookupRequest struct {
	Name  string `cbor:"name"`
	Flags int32  `cbor:"flags"`
}

// ManifestLookupResponse is the host resolver's answer. On StatusOK
// the descriptor accompanies the response out of band and Token
// identifies the resolved file for validation caching. Token and the
// out-of-band descriptor are both present or both absent, never
// mixed.
//
// Cookie correlates the lookup with a host-side resource so it could
// be released when the sandbox is done with the descriptor. No
// release call exists yet, so the host-side resource lives until the
// host process exits.
type ManifestLookupResponse struct {
	Status Status               `cbor:"status"`
	Token  descriptor.FileToken `cbor:"token,omitempty"`
	Cookie []byte               `cbor:"cookie,omitempty"`
}
