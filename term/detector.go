// Package term implements the distributed termination detector: the
// four-counter wave variant, used for every epoch whether rooted or not,
// plus successor and nested-child bookkeeping. There is no separate
// Dijkstra-Scholten ack path for rooted epochs.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package term

import (
	"context"
	"sync"
	"time"

	"github.com/nodegrid/dispatch/cluster"
	"github.com/nodegrid/dispatch/cmn/debug"
	"github.com/nodegrid/dispatch/core"
	"github.com/nodegrid/dispatch/msgr"
)

const (
	waveHandlerName   = "term.wave"
	reportHandlerName = "term.report"

	// waveInterval paces root-driven detection waves: Detect starts a new
	// wave every interval without waiting for the previous one to finish.
	waveInterval = 2 * time.Millisecond
)

// waitTick pauses for one wave interval, or returns ctx.Err() if ctx ends
// first.
func waitTick(ctx context.Context) error {
	t := time.NewTimer(waveInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type counters struct {
	produced int64
	consumed int64
}

type waveState struct {
	expectChildren int
	gotChildren    int
	sumP, sumC     int64
}

// Detector is one node's participant in the protocol; every node in the
// cluster runs one, wired to its own Messenger.
type Detector struct {
	self cluster.NodeID
	smap *cluster.Smap
	m    *msgr.Messenger

	waveH   core.HandlerID
	reportH core.HandlerID

	mu       sync.Mutex
	counts   map[uint64]*counters // keyed by Epoch.Seq
	waves    map[uint64]map[uint64]*waveState
	waveSeq  uint64
	parents  map[uint64]map[int64]struct{} // successor: epoch -> set of predecessor epoch seqs waiting on it
	children map[uint64]map[uint64]int32   // nested epoch: parent seq -> child seq -> outstanding units

	// root-only bookkeeping
	history map[uint64][2]int64 // epoch -> last (sumP, sumC) seen
	done    map[uint64]chan struct{}
}

// New registers term's wire handlers on reg and returns a Detector wired to
// messenger m. reg must be the same registry m dispatches through.
func New(self cluster.NodeID, smap *cluster.Smap, m *msgr.Messenger, reg *core.Registry) *Detector {
	d := &Detector{
		self:     self,
		smap:     smap,
		m:        m,
		counts:   make(map[uint64]*counters),
		waves:    make(map[uint64]map[uint64]*waveState),
		parents:  make(map[uint64]map[int64]struct{}),
		children: make(map[uint64]map[uint64]int32),
		history:  make(map[uint64][2]int64),
		done:     make(map[uint64]chan struct{}),
	}
	d.waveH = reg.Register(waveHandlerName, core.CatPlain, d.onWaveStart)
	d.reportH = reg.Register(reportHandlerName, core.CatPlain, d.onReport)
	m.SetTermHook(d)
	return d
}

func (d *Detector) cnt(seq uint64) *counters {
	c, ok := d.counts[seq]
	if !ok {
		c = &counters{}
		d.counts[seq] = c
	}
	return c
}

// Produce implements msgr.TermHook: every message sent in epoch e counts as
// one produced unit.
func (d *Detector) Produce(ep core.Epoch, n int) {
	d.mu.Lock()
	d.cnt(ep.Seq).produced += int64(n)
	d.mu.Unlock()
}

// Consume implements msgr.TermHook: every delivered message counts as one
// consumed unit.
func (d *Detector) Consume(ep core.Epoch, n int) {
	d.mu.Lock()
	d.cnt(ep.Seq).consumed += int64(n)
	d.mu.Unlock()
}

// ProduceUser/ConsumeUser let application code outside message delivery
// declare work units explicitly.
func (d *Detector) ProduceUser(ep core.Epoch, k int64) {
	d.mu.Lock()
	d.cnt(ep.Seq).produced += k
	d.mu.Unlock()
}

func (d *Detector) ConsumeUser(ep core.Epoch, k int64) {
	d.mu.Lock()
	d.cnt(ep.Seq).consumed += k
	d.mu.Unlock()
}

// DeclareSuccessor marks successor as unable to finish while ep is live:
// one unit is produced into successor now and consumed from it when ep
// closes.
func (d *Detector) DeclareSuccessor(ep, successor core.Epoch) {
	d.ProduceUser(successor, 1)
	d.mu.Lock()
	if d.parents[successor.Seq] == nil {
		d.parents[successor.Seq] = make(map[int64]struct{})
	}
	d.parents[successor.Seq][int64(ep.Seq)] = struct{}{}
	d.mu.Unlock()
}

// CloseEpoch releases ep's hold on every successor declared for it with
// DeclareSuccessor and, when parent is non-nil, marks ep closed among
// parent's open children (see OpenChild), which lets Detect(parent) proceed.
func (d *Detector) CloseEpoch(ep core.Epoch, parent *core.Epoch) {
	if parent != nil {
		d.mu.Lock()
		if out, ok := d.children[parent.Seq]; ok {
			if v, ok2 := out[ep.Seq]; ok2 {
				out[ep.Seq] = v - 1
			}
		}
		d.mu.Unlock()
	}
	d.mu.Lock()
	for succSeq, preds := range d.parents {
		if _, ok := preds[int64(ep.Seq)]; ok {
			delete(preds, int64(ep.Seq))
			d.mu.Unlock()
			d.ConsumeUser(core.Epoch{Seq: succSeq}, 1)
			d.mu.Lock()
		}
	}
	d.mu.Unlock()
}

// OpenChild registers a nested child epoch under parent: closing the parent
// is allowed only after all children close.
func (d *Detector) OpenChild(parent, child core.Epoch) {
	d.mu.Lock()
	if d.children[parent.Seq] == nil {
		d.children[parent.Seq] = make(map[uint64]int32)
	}
	d.children[parent.Seq][child.Seq] = 1
	d.mu.Unlock()
}

// childrenOutstanding reports whether parent still has open children.
func (d *Detector) childrenOutstanding(parent core.Epoch) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, v := range d.children[parent.Seq] {
		if v > 0 {
			return true
		}
	}
	return false
}

// snapshot returns this node's local (produced, consumed) for ep.
func (d *Detector) snapshot(seq uint64) (int64, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.cnt(seq)
	return c.produced, c.consumed
}

type waveMsg struct {
	EpochSeq uint64
	WaveID   uint64
}

type reportMsg struct {
	EpochSeq uint64
	WaveID   uint64
	P, C     int64
}

func (d *Detector) onWaveStart(env core.Envelope, payload any) {
	wm, _ := payload.(waveMsg)
	kids := cluster.Children(d.self, 4, d.smap.N)

	d.mu.Lock()
	if d.waves[wm.EpochSeq] == nil {
		d.waves[wm.EpochSeq] = make(map[uint64]*waveState)
	}
	d.waves[wm.EpochSeq][wm.WaveID] = &waveState{expectChildren: len(kids)}
	d.mu.Unlock()

	if len(kids) == 0 {
		d.reportUp(env.Epoch, wm)
	}
	// the broadcast machinery in msgr already floods waveStart to every
	// descendant; nothing further to forward here.
}

func (d *Detector) reportUp(ep core.Epoch, wm waveMsg) {
	p, c := d.snapshot(wm.EpochSeq)
	if d.self == 0 {
		d.finishWave(wm.EpochSeq, wm.WaveID, p, c)
		return
	}
	parent, _ := cluster.Parent(d.self, 4)
	ctx := context.Background()
	_ = d.m.SendMsg(ctx, parent, d.reportH, ep, reportMsg{EpochSeq: wm.EpochSeq, WaveID: wm.WaveID, P: p, C: c})
}

func (d *Detector) onReport(env core.Envelope, payload any) {
	rm, _ := payload.(reportMsg)
	d.mu.Lock()
	ws := d.waves[rm.EpochSeq][rm.WaveID]
	debug.Assert(ws != nil, "term: report for unknown wave")
	ws.sumP += rm.P
	ws.sumC += rm.C
	ws.gotChildren++
	done := ws.gotChildren >= ws.expectChildren
	d.mu.Unlock()

	if !done {
		return
	}
	ownP, ownC := d.snapshot(rm.EpochSeq)
	d.reportUpSum(env.Epoch, rm.EpochSeq, rm.WaveID, ownP+ws.sumP, ownC+ws.sumC)
}

func (d *Detector) reportUpSum(ep core.Epoch, epochSeq, waveID uint64, p, c int64) {
	if d.self == 0 {
		d.finishWave(epochSeq, waveID, p, c)
		return
	}
	parent, _ := cluster.Parent(d.self, 4)
	ctx := context.Background()
	_ = d.m.SendMsg(ctx, parent, d.reportH, ep, reportMsg{EpochSeq: epochSeq, WaveID: waveID, P: p, C: c})
}

func (d *Detector) finishWave(epochSeq, waveID uint64, sumP, sumC int64) {
	d.mu.Lock()
	prev, had := d.history[epochSeq]
	d.history[epochSeq] = [2]int64{sumP, sumC}
	ch := d.done[epochSeq]
	d.mu.Unlock()

	terminated := had && prev[0] == sumP && prev[1] == sumC && sumP == sumC
	if terminated && ch != nil {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
}

// Detect drives waves until two successive waves report ΣP == ΣC unchanged.
// Must be called on the root (node 0); it returns once the epoch has
// terminated or ctx is done. Terminated implies every message sent in e has
// been delivered and every handler triggered in e has returned.
func (d *Detector) Detect(ctx context.Context, ep core.Epoch) error {
	debug.Assert(d.self == 0, "term: Detect must run on the root")

	d.mu.Lock()
	ch, ok := d.done[ep.Seq]
	if !ok {
		ch = make(chan struct{})
		d.done[ep.Seq] = ch
	}
	d.mu.Unlock()

	for {
		if d.childrenOutstanding(ep) {
			if err := waitTick(ctx); err != nil {
				return err
			}
			continue
		}
		select {
		case <-ch:
			return nil
		default:
		}
		d.mu.Lock()
		d.waveSeq++
		wave := d.waveSeq
		d.mu.Unlock()

		wm := waveMsg{EpochSeq: ep.Seq, WaveID: wave}
		// waves and reports travel in the zero epoch so they are not counted in ep
		if err := d.m.BroadcastMsg(ctx, d.waveH, core.Epoch{}, wm); err != nil {
			return err
		}
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := waitTick(ctx); err != nil {
			return err
		}
	}
}
