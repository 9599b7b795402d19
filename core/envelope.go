// Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
package core

import (
	"sync/atomic"

	"github.com/nodegrid/dispatch/cluster"
)

// MsgType distinguishes the handful of message shapes the messenger and
// collection manager exchange; it rides in Envelope.Type.
type MsgType int

const (
	MsgUser MsgType = iota
	MsgBroadcast
	MsgLocate
	MsgLocateReply
	MsgMigration
	MsgMigrateDone
	MsgLocationUpdate
	MsgTermWave
	MsgTermAck
)

// Envelope is the fixed-size prefix carried by every message - the sole
// contract between the transport and the messenger.
type Envelope struct {
	Type        MsgType
	Dest        cluster.NodeID
	Origin      cluster.NodeID
	HandlerID   HandlerID
	Epoch       Epoch
	Tag         uint64
	IsBroadcast bool
	HasPutPayload bool
	DeliverBcast bool

	refCount *int32 // shared with any forwarded copies of this envelope
}

// NewEnvelope allocates an envelope with a fresh, single reference.
func NewEnvelope(typ MsgType, dest, origin cluster.NodeID, h HandlerID, ep Epoch) Envelope {
	rc := int32(1)
	return Envelope{Type: typ, Dest: dest, Origin: origin, HandlerID: h, Epoch: ep, refCount: &rc}
}

// Retain adds a reference, e.g. when a broadcast forwards the same envelope
// to several children.
func (e Envelope) Retain() Envelope {
	if e.refCount != nil {
		atomic.AddInt32(e.refCount, 1)
	}
	return e
}

// Release decrements the reference count and reports whether it reached
// zero - at most once per message, on exactly one node.
func (e Envelope) Release() bool {
	if e.refCount == nil {
		return true
	}
	return atomic.AddInt32(e.refCount, -1) == 0
}
