// Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
package transport

import (
	"context"
	"sync/atomic"

	"github.com/nodegrid/dispatch/cluster"
)

type inboundFrame struct {
	src cluster.NodeID
	tag uint64
	f   Frame
}

// Mesh is a fully-connected set of in-process loopback transports, one per
// node, used by tests and single-process demos in place of an MPI-like
// library. Sends never fail and are delivered asynchronously, same as a
// reliable network transport with no retry policy.
type Mesh struct {
	nodes []*Loopback
}

func NewMesh(n int) *Mesh {
	m := &Mesh{nodes: make([]*Loopback, n)}
	for i := range m.nodes {
		m.nodes[i] = &Loopback{self: cluster.NodeID(i), mesh: m, inbox: make(chan inboundFrame, 4096)}
	}
	return m
}

func (m *Mesh) Node(n cluster.NodeID) *Loopback { return m.nodes[n] }

// Loopback implements Transport over an in-process channel mesh.
type Loopback struct {
	self   cluster.NodeID
	mesh   *Mesh
	inbox  chan inboundFrame
	seq    uint64
	peeked *inboundFrame // set by IProbe, consumed by the next Recv
}

func (l *Loopback) Self() cluster.NodeID { return l.self }

func (l *Loopback) Send(ctx context.Context, dest cluster.NodeID, tag uint64, f Frame) (Handle, error) {
	h := Handle(atomic.AddUint64(&l.seq, 1))
	dst := l.mesh.nodes[dest]
	go func() {
		select {
		case dst.inbox <- inboundFrame{src: l.self, tag: tag, f: f}:
		case <-ctx.Done():
		}
	}()
	return h, nil
}

func (l *Loopback) Recv(ctx context.Context) (cluster.NodeID, uint64, Frame, error) {
	if l.peeked != nil {
		in := *l.peeked
		l.peeked = nil
		return in.src, in.tag, in.f, nil
	}
	select {
	case in := <-l.inbox:
		return in.src, in.tag, in.f, nil
	case <-ctx.Done():
		return 0, 0, Frame{}, ctx.Err()
	}
}

// Test always reports done: the loopback mesh has no partial sends.
func (*Loopback) Test(Handle) bool { return true }

// IProbe reports (without consuming) the next pending frame, if any.
func (l *Loopback) IProbe() (cluster.NodeID, uint64, int, bool) {
	if l.peeked != nil {
		return l.peeked.src, l.peeked.tag, len(l.peeked.f.PutBuf), true
	}
	select {
	case in := <-l.inbox:
		l.peeked = &in
		return in.src, in.tag, len(in.f.PutBuf), true
	default:
		return 0, 0, 0, false
	}
}
