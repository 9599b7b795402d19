// Package lb implements the BaseLB lifecycle: every strategy receives
// identical inputs, proposes transfers, and the framework normalizes them
// into a Reassignment the migration pipeline executes.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package lb

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodegrid/dispatch/cluster"
	"github.com/nodegrid/dispatch/cmn/nlog"
	"github.com/nodegrid/dispatch/core"
	"github.com/nodegrid/dispatch/msgr"
	"github.com/nodegrid/dispatch/stats"
)

// ObjLoad is one element's measured load, the unit every strategy consumes:
// the current node's element set with per-object load.
type ObjLoad struct {
	Obj  core.ObjID
	Load time.Duration
}

// Snapshot is BaseLB's start_lb input: identical in shape on every node,
// populated from this node's own elements and the global stats rollup.
type Snapshot struct {
	Phase     uint64
	Self      cluster.NodeID
	Local     []ObjLoad
	TotalLoad time.Duration
	Global    stats.Reduced // cluster-wide per-rank-load stats, if the strategy asked for one
	Edges     []stats.EdgeKey
}

// Transfer is one proposed move; Obj.CurrNode names the element's present
// host, which need not be the node proposing the move (GreedyLB and
// HierarchicalLB both decide on behalf of other ranks).
type Transfer struct {
	Obj core.ObjID
	Dst cluster.NodeID
}

// Reassignment is BaseLB's output: the departures this node must actually
// execute, after normalization has routed every proposed transfer to its
// element's real current host.
type Reassignment struct {
	Departures []Transfer
}

// Deps bundles the cross-node facilities a strategy may need (all-reduce,
// direct sends) without giving it the whole framework.
type Deps struct {
	Self    cluster.NodeID
	Smap    *cluster.Smap
	M       *msgr.Messenger
	Reducer *stats.Reducer
}

// Strategy is one pluggable LB algorithm.
type Strategy interface {
	Name() string
	InputParams(cfg map[string]string) error
	RunLB(ctx context.Context, snap Snapshot, deps Deps) ([]Transfer, error)
}

const (
	applyTransferHandlerName = "lb.applyTransfer"
	applyAckHandlerName      = "lb.applyAck"
)

type applyTransferMsg struct {
	Phase uint64
	Tag   uint64
	T     Transfer
}

type applyAckMsg struct {
	Tag uint64
}

// Framework drives the BaseLB lifecycle on one node; one Framework runs per
// node, sharing the cluster's messenger/reducer.
type Framework struct {
	self          cluster.NodeID
	smap          *cluster.Smap
	m             *msgr.Messenger
	reducer       *stats.Reducer
	selfMigration bool // lb_self_migration config knob: allow Dst == CurrNode

	applyH core.HandlerID
	ackH   core.HandlerID

	nextTag uint64
	acks    sync.Map // tag(uint64) -> chan struct{}

	mu       sync.Mutex
	received map[uint64][]Transfer // phase -> transfers forwarded to this node
}

// New registers the framework's wire handlers.
func New(self cluster.NodeID, smap *cluster.Smap, m *msgr.Messenger, reg *core.Registry, reducer *stats.Reducer, selfMigration bool) *Framework {
	f := &Framework{
		self: self, smap: smap, m: m, reducer: reducer, selfMigration: selfMigration,
		received: make(map[uint64][]Transfer),
	}
	f.applyH = reg.Register(applyTransferHandlerName, core.CatPlain, f.onApplyTransfer)
	f.ackH = reg.Register(applyAckHandlerName, core.CatPlain, f.onApplyAck)
	return f
}

func (f *Framework) onApplyTransfer(env core.Envelope, payload any) {
	am, _ := payload.(applyTransferMsg)
	f.mu.Lock()
	f.received[am.Phase] = append(f.received[am.Phase], am.T)
	f.mu.Unlock()

	if err := f.m.SendMsg(context.Background(), env.Origin, f.ackH, core.Epoch{}, applyAckMsg{Tag: am.Tag}); err != nil {
		nlog.Errorf("lb: ack transfer tag %d to %s: %v", am.Tag, env.Origin, err)
	}
}

func (f *Framework) onApplyAck(_ core.Envelope, payload any) {
	am, _ := payload.(applyAckMsg)
	if ch, ok := f.acks.LoadAndDelete(am.Tag); ok {
		close(ch.(chan struct{}))
	}
}

// forwardAndWait sends one transfer to its element's current host and
// blocks until that node's onApplyTransfer has recorded it - without this,
// a node could read and clear its own received[phase] before a transfer
// another node is still forwarding to it has arrived.
func (f *Framework) forwardAndWait(ctx context.Context, ep core.Epoch, phase uint64, t Transfer) error {
	tag := atomic.AddUint64(&f.nextTag, 1)
	ch := make(chan struct{})
	f.acks.Store(tag, ch)

	if err := f.m.SendMsg(ctx, t.Obj.CurrNode, f.applyH, ep, applyTransferMsg{Phase: phase, Tag: tag, T: t}); err != nil {
		f.acks.Delete(tag)
		return err
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		f.acks.Delete(tag)
		return ctx.Err()
	}
}

// Run executes one BaseLB phase and returns the Reassignment this node must
// hand to the migration pipeline. ep scopes the transfer forwards this call
// sends to other nodes, so term.Detector.Detect(ep) observes them; the
// strategy's own messages, the forward acks and the all-reduce travel in the
// zero epoch.
func (f *Framework) Run(ctx context.Context, ep core.Epoch, phase uint64, strategy Strategy, cfg map[string]string, snap Snapshot) (Reassignment, error) {
	snap.Phase = phase
	snap.Self = f.self

	if err := strategy.InputParams(cfg); err != nil {
		return Reassignment{}, err
	}

	deps := Deps{Self: f.self, Smap: f.smap, Reducer: f.reducer, M: f.m}
	transfers, err := strategy.RunLB(ctx, snap, deps)
	if err != nil {
		return Reassignment{}, err
	}

	var local []Transfer
	var wg sync.WaitGroup
	errs := make(chan error, len(transfers))
	for _, t := range transfers {
		if !f.selfMigration && t.Dst == t.Obj.CurrNode {
			continue // default: drop a transfer that keeps the element where it is
		}
		if t.Obj.CurrNode == f.self {
			local = append(local, t)
			continue
		}
		wg.Add(1)
		go func(t Transfer) {
			defer wg.Done()
			if err := f.forwardAndWait(ctx, ep, phase, t); err != nil {
				nlog.Errorf("lb: forward transfer for %s to %s: %v", t.Obj, t.Obj.CurrNode, err)
				errs <- err
			}
		}(t)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return Reassignment{}, err
		}
	}

	// Every transfer this node forwarded has now been acked by its
	// destination, which only acks after recording it in its own
	// received[phase]. The all-reduce below is a barrier every node passes
	// through, so by the time any node reads its received[phase] below,
	// every node has already finished forwarding and been acked in turn.
	if _, err := f.reducer.ReduceCluster(ctx, phase, float64(len(transfers))); err != nil {
		return Reassignment{}, err
	}

	f.mu.Lock()
	local = append(local, f.received[phase]...)
	delete(f.received, phase)
	f.mu.Unlock()

	return Reassignment{Departures: local}, nil
}
