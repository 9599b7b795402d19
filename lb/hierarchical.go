package lb

import (
	"context"
	"sync"
	"time"

	"github.com/nodegrid/dispatch/cluster"
	"github.com/nodegrid/dispatch/core"
)

const hierCollectHandlerName = "lb.hier.collect"

// HierarchicalLB runs the same greedy rule GreedyLB uses, but only within
// each parent's subtree: every non-leaf node gathers its direct children's
// snapshots (not the whole cluster), balances locally, then reports its own
// post-balance total up to its own parent, so the cost of gathering is
// O(fanout) per node instead of O(N) at the root.
type HierarchicalLB struct {
	tolerance float64
	fanout    int

	collectH core.HandlerID

	mu       sync.Mutex
	children map[uint64]map[cluster.NodeID]Snapshot
}

func NewHierarchicalLB(reg *core.Registry, fanout int) *HierarchicalLB {
	if fanout <= 0 {
		fanout = 4
	}
	h := &HierarchicalLB{
		tolerance: defaultTolerance,
		fanout:    fanout,
		children:  make(map[uint64]map[cluster.NodeID]Snapshot),
	}
	h.collectH = reg.Register(hierCollectHandlerName, core.CatPlain, h.onCollect)
	return h
}

func (*HierarchicalLB) Name() string { return "HierarchicalLB" }

func (h *HierarchicalLB) InputParams(cfg map[string]string) error {
	t, err := parseTolerance(cfg)
	if err != nil {
		return err
	}
	h.tolerance = t
	return nil
}

func (h *HierarchicalLB) onCollect(_ core.Envelope, payload any) {
	sm, _ := payload.(snapshotMsg)
	h.mu.Lock()
	m, ok := h.children[sm.Phase]
	if !ok {
		m = make(map[cluster.NodeID]Snapshot)
		h.children[sm.Phase] = m
	}
	m[sm.Snap.Self] = sm.Snap
	h.mu.Unlock()
}

func (h *HierarchicalLB) RunLB(ctx context.Context, snap Snapshot, deps Deps) ([]Transfer, error) {
	kids := cluster.Children(snap.Self, h.fanout, deps.Smap.N)

	if len(kids) > 0 {
		for {
			h.mu.Lock()
			have := len(h.children[snap.Phase])
			h.mu.Unlock()
			if have >= len(kids) {
				break
			}
			select {
			case <-time.After(time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	h.mu.Lock()
	subtree := make(map[cluster.NodeID]Snapshot, len(kids)+1)
	for k, v := range h.children[snap.Phase] {
		subtree[k] = v
	}
	delete(h.children, snap.Phase)
	h.mu.Unlock()
	subtree[snap.Self] = snap

	g := &GreedyLB{tolerance: h.tolerance}
	transfers, err := g.assign(subtree)
	if err != nil {
		return nil, err
	}

	if parent, ok := cluster.Parent(snap.Self, h.fanout); ok {
		post := postBalanceSnapshot(snap, subtree, transfers)
		if err := deps.M.SendMsg(ctx, parent, h.collectH, core.Epoch{}, snapshotMsg{Phase: snap.Phase, Snap: post}); err != nil {
			return nil, err
		}
	}

	return transfers, nil
}

// postBalanceSnapshot reports this subtree's root under self's identity with
// its total load updated to reflect the just-computed local transfers, so
// the parent's own greedy pass sees this subtree as a single weighted unit.
func postBalanceSnapshot(self Snapshot, subtree map[cluster.NodeID]Snapshot, transfers []Transfer) Snapshot {
	var total time.Duration
	for _, s := range subtree {
		total += s.TotalLoad
	}
	return Snapshot{Phase: self.Phase, Self: self.Self, TotalLoad: total}
}
