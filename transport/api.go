// Package transport defines the byte-level send/recv boundary the active
// messenger runs on. The wire format, retries, and RDMA handle resolution
// are explicitly out of scope: this package only names the interface and
// ships a loopback fake good enough to drive the rest of the runtime in
// tests and single-process demos.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"context"

	"github.com/nodegrid/dispatch/cluster"
)

// Frame is what crosses the wire: an envelope-shaped header plus an opaque
// payload. The messenger is the only caller that interprets Header; this
// package just moves bytes.
type Frame struct {
	Header any // core.Envelope (a value, not a pointer), kept as `any` to avoid an import cycle

	// Payload is the deserialized user value. Wire serialization
	// (serialize(value, sink) / deserialize(bytes)) is an external
	// collaborator, so in-process transports such as Loopback carry the Go
	// value directly instead of round-tripping bytes.
	Payload any
	PutBuf  []byte // present when size exceeds the messenger's eager threshold
}

// Handle identifies one in-flight send, per the send/recv/test API.
type Handle uint64

// Transport is the external collaborator the active messenger drives. Errors
// are fatal: a reliable transport is assumed and no retry policy lives above
// this boundary.
type Transport interface {
	Send(ctx context.Context, dest cluster.NodeID, tag uint64, f Frame) (Handle, error)
	Recv(ctx context.Context) (src cluster.NodeID, tag uint64, f Frame, err error)
	Test(h Handle) bool
	IProbe() (src cluster.NodeID, tag uint64, size int, ok bool)
	Self() cluster.NodeID
}
