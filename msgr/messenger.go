// Package msgr implements the active messenger: the path from a user
// send/broadcast call to remote invocation of a registered handler.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package msgr

import (
	"context"
	"encoding/gob"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/nodegrid/dispatch/cluster"
	"github.com/nodegrid/dispatch/cmn/cos"
	"github.com/nodegrid/dispatch/cmn/nlog"
	"github.com/nodegrid/dispatch/core"
	"github.com/nodegrid/dispatch/memsys"
	"github.com/nodegrid/dispatch/transport"
)

// TermHook lets the termination detector observe traffic without the
// messenger importing the term package: sending a message in epoch e
// implicitly calls Produce(e, 1), and delivering it calls Consume(e, 1) once
// its handler has returned.
type TermHook interface {
	Produce(ep core.Epoch, n int)
	Consume(ep core.Epoch, n int)
}

type noopHook struct{}

func (noopHook) Produce(core.Epoch, int) {}
func (noopHook) Consume(core.Epoch, int) {}

// Messenger is the active messenger for one node.
type Messenger struct {
	self   cluster.NodeID
	smap   *cluster.Smap
	tr     transport.Transport
	reg    *core.Registry
	mmsa   *memsys.MMSA
	fanout int
	hook   TermHook

	tagSeq uint64

	mu     sync.Mutex
	rendez map[uint64]func([]byte)
}

const defaultFanout = 4

func New(self cluster.NodeID, smap *cluster.Smap, tr transport.Transport, reg *core.Registry) *Messenger {
	return &Messenger{
		self:   self,
		smap:   smap,
		tr:     tr,
		reg:    reg,
		mmsa:   memsys.DefaultMMSA,
		fanout: defaultFanout,
		hook:   noopHook{},
		rendez: make(map[uint64]func([]byte)),
	}
}

func (m *Messenger) SetTermHook(h TermHook) { m.hook = h }
func (m *Messenger) SetFanout(k int)        { m.fanout = k }

// SendMsg sends a single message to dest for handler h, single delivery, no
// ordering across sends. Payloads at or under the eager threshold
// (memsys.DefaultBufSize) go out inline in the frame; anything larger is
// packed into a pooled buffer and sent as a put payload instead, same
// switch a real wire transport makes to avoid copying large messages
// through the header path.
func (m *Messenger) SendMsg(ctx context.Context, dest cluster.NodeID, h core.HandlerID, ep core.Epoch, payload any) error {
	env := core.NewEnvelope(core.MsgUser, dest, m.self, h, ep)
	return m.sendSized(ctx, env, payload)
}

// SendWithPut sends an envelope-only header for payloads above the eager
// threshold plus a bulk buffer the receiver assembles (via a matching
// RecvDataMsg rendezvous on tag) before the handler runs. Most callers
// should use SendMsg, which makes this same decision automatically;
// SendWithPut is for callers that already hold a serialized buffer and want
// to skip the size probe.
func (m *Messenger) SendWithPut(ctx context.Context, dest cluster.NodeID, h core.HandlerID, ep core.Epoch, tag uint64, payload any, putBuf []byte) error {
	env := core.NewEnvelope(core.MsgUser, dest, m.self, h, ep)
	env.HasPutPayload = true
	env.Tag = tag
	return m.send(ctx, env, payload, putBuf)
}

// sendSized probes payload's encoded size using a pooled MMSA buffer and
// chooses the eager or put-payload path accordingly, freeing the buffer
// back to the pool once the size decision has been made.
func (m *Messenger) sendSized(ctx context.Context, env core.Envelope, payload any) error {
	sgl := m.mmsa.Alloc()
	defer m.mmsa.Free(sgl)

	if err := gob.NewEncoder(sgl).Encode(payload); err != nil {
		// Not every payload type is gob-encodable (funcs, channels,
		// interface fields holding unregistered types); fall back to an
		// eager send of the Go value itself rather than failing the send.
		return m.send(ctx, env, payload, nil)
	}
	if len(sgl.Bytes()) <= memsys.DefaultBufSize {
		return m.send(ctx, env, payload, nil)
	}

	env.HasPutPayload = true
	env.Tag = atomic.AddUint64(&m.tagSeq, 1)
	putBuf := append([]byte(nil), sgl.Bytes()...)
	return m.send(ctx, env, payload, putBuf)
}

func (m *Messenger) send(ctx context.Context, env core.Envelope, payload any, putBuf []byte) error {
	m.hook.Produce(env.Epoch, 1)
	_, err := m.tr.Send(ctx, env.Dest, uint64(env.HandlerID), transport.Frame{Header: env, Payload: payload, PutBuf: putBuf})
	if err != nil {
		cos.ExitLogf("msgr: send to %s failed: %v", env.Dest, err)
	}
	return err
}

// BroadcastMsg delivers to every node exactly once, flooding the fixed
// fanout-k spanning tree rooted at node 0. The caller is expected to be (or
// to route through) node 0, matching the source behavior for phase-wide
// broadcasts such as LB lifecycle kickoff.
func (m *Messenger) BroadcastMsg(ctx context.Context, h core.HandlerID, ep core.Epoch, payload any) error {
	env := core.NewEnvelope(core.MsgBroadcast, m.self, m.self, h, ep)
	env.IsBroadcast = true
	env.DeliverBcast = true

	if env.DeliverBcast {
		m.reg.Dispatch(env, payload)
	}

	kids := cluster.Children(m.self, m.fanout, m.smap.N)
	if len(kids) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range kids {
		c := c
		g.Go(func() error {
			return m.forwardBroadcast(gctx, c, m.self, h, ep, payload)
		})
	}
	return g.Wait()
}

func (m *Messenger) forwardBroadcast(ctx context.Context, dest, origin cluster.NodeID, h core.HandlerID, ep core.Epoch, payload any) error {
	env := core.NewEnvelope(core.MsgBroadcast, dest, origin, h, ep)
	env.IsBroadcast = true
	env.DeliverBcast = true
	return m.send(ctx, env, payload, nil)
}

// onBroadcastRecv is called by Progress when a broadcast frame arrives; it
// delivers locally (if requested) and continues the flood to this node's
// children, excluding the originator.
func (m *Messenger) onBroadcastRecv(ctx context.Context, env core.Envelope, payload any) {
	if env.DeliverBcast {
		m.reg.Dispatch(env, payload)
	}
	for _, c := range cluster.Children(m.self, m.fanout, m.smap.N) {
		if c == env.Origin {
			continue
		}
		if err := m.forwardBroadcast(ctx, c, env.Origin, env.HandlerID, env.Epoch, payload); err != nil {
			nlog.Errorf("msgr: broadcast forward %s->%s: %v", m.self, c, err)
		}
	}
}

// RecvDataMsg registers a rendezvous callback invoked when bulk data tagged
// tag arrives.
func (m *Messenger) RecvDataMsg(tag uint64, cb func([]byte)) {
	m.mu.Lock()
	m.rendez[tag] = cb
	m.mu.Unlock()
}

// Progress drains at least one completed receive, if any, and dispatches it.
// It never blocks waiting for work; callers loop it until their condition
// of interest is satisfied.
func (m *Messenger) Progress(ctx context.Context) bool {
	if _, _, _, ok := m.tr.IProbe(); !ok {
		return false
	}
	_, _, f, err := m.tr.Recv(ctx)
	if err != nil {
		return false
	}
	env, _ := f.Header.(core.Envelope)
	m.deliver(ctx, env, f)
	return true
}

func (m *Messenger) deliver(ctx context.Context, env core.Envelope, f transport.Frame) {
	defer m.hook.Consume(env.Epoch, 1)

	if env.IsBroadcast {
		m.onBroadcastRecv(ctx, env, f.Payload)
		return
	}
	if env.HasPutPayload {
		if cb := m.takeRendez(env.Tag); cb != nil {
			cb(f.PutBuf)
		}
	}
	m.reg.Dispatch(env, f.Payload)
}

func (m *Messenger) takeRendez(tag uint64) func([]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.rendez[tag]
	if !ok {
		return nil
	}
	delete(m.rendez, tag)
	return cb
}
