package lb

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nodegrid/dispatch/cluster"
	"github.com/nodegrid/dispatch/core"
)

const (
	defaultTolerance         = 0.05
	greedyCollectHandlerName = "lb.greedy.collect"
)

type snapshotMsg struct {
	Phase uint64
	Snap  Snapshot
}

// GreedyLB gathers every node's snapshot at node 0 and computes a single
// global assignment by repeatedly moving the heaviest element off the most
// overloaded node onto the least-loaded one, until every node is within
// tolerance of the cluster average.
type GreedyLB struct {
	tolerance float64

	collectH core.HandlerID

	mu       sync.Mutex
	gathered map[uint64]map[cluster.NodeID]Snapshot
}

func NewGreedyLB(reg *core.Registry) *GreedyLB {
	g := &GreedyLB{
		tolerance: defaultTolerance,
		gathered:  make(map[uint64]map[cluster.NodeID]Snapshot),
	}
	g.collectH = reg.Register(greedyCollectHandlerName, core.CatPlain, g.onCollect)
	return g
}

func (*GreedyLB) Name() string { return "GreedyLB" }

// InputParams accepts tolerance as "min", "max", "auto" (all map to the
// default 5%) or an explicit fraction, e.g. "0.1".
func (g *GreedyLB) InputParams(cfg map[string]string) error {
	t, err := parseTolerance(cfg)
	if err != nil {
		return err
	}
	g.tolerance = t
	return nil
}

// parseTolerance is shared by GreedyLB and HierarchicalLB, which restrict
// the same rule to a subtree.
func parseTolerance(cfg map[string]string) (float64, error) {
	v, ok := cfg["tolerance"]
	if !ok {
		return defaultTolerance, nil
	}
	switch v {
	case "min", "max", "auto":
		return defaultTolerance, nil
	default:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("lb: tolerance %q: %w", v, err)
		}
		return f, nil
	}
}

func (g *GreedyLB) bucket(phase uint64) map[cluster.NodeID]Snapshot {
	m, ok := g.gathered[phase]
	if !ok {
		m = make(map[cluster.NodeID]Snapshot)
		g.gathered[phase] = m
	}
	return m
}

func (g *GreedyLB) onCollect(_ core.Envelope, payload any) {
	sm, _ := payload.(snapshotMsg)
	g.mu.Lock()
	g.bucket(sm.Phase)[sm.Snap.Self] = sm.Snap
	g.mu.Unlock()
}

func (g *GreedyLB) RunLB(ctx context.Context, snap Snapshot, deps Deps) ([]Transfer, error) {
	if deps.Self != 0 {
		return nil, deps.M.SendMsg(ctx, 0, g.collectH, core.Epoch{}, snapshotMsg{Phase: snap.Phase, Snap: snap})
	}

	g.mu.Lock()
	g.bucket(snap.Phase)[snap.Self] = snap
	g.mu.Unlock()

	n := int(deps.Smap.N)
	for {
		g.mu.Lock()
		have := len(g.gathered[snap.Phase])
		g.mu.Unlock()
		if have >= n {
			break
		}
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	g.mu.Lock()
	snaps := g.gathered[snap.Phase]
	delete(g.gathered, snap.Phase)
	g.mu.Unlock()

	return g.assign(snaps)
}

type nodeState struct {
	node cluster.NodeID
	load float64
	objs []ObjLoad // sorted descending by load; popped from the front
	idx  int
}

type nodeHeap []*nodeState

func (h nodeHeap) Len() int            { return len(h) }
func (h nodeHeap) Less(i, j int) bool  { return h[i].load < h[j].load }
func (h nodeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].idx = i; h[j].idx = j }
func (h *nodeHeap) Push(x any)         { ns := x.(*nodeState); ns.idx = len(*h); *h = append(*h, ns) }
func (h *nodeHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

func (g *GreedyLB) assign(snaps map[cluster.NodeID]Snapshot) ([]Transfer, error) {
	states := make(map[cluster.NodeID]*nodeState, len(snaps))
	var total float64
	for node, s := range snaps {
		objs := append([]ObjLoad(nil), s.Local...)
		sort.Slice(objs, func(i, j int) bool { return objs[i].Load > objs[j].Load })
		var load float64
		for _, o := range objs {
			load += o.Load.Seconds()
		}
		if len(objs) == 0 {
			load = s.TotalLoad.Seconds() // a HierarchicalLB subtree report carries only its total
		}
		states[node] = &nodeState{node: node, load: load, objs: objs}
		total += load
	}
	if len(states) == 0 {
		return nil, nil
	}
	avg := total / float64(len(states))
	threshold := avg * (1 + g.tolerance)

	h := make(nodeHeap, 0, len(states))
	for _, ns := range states {
		ns.idx = len(h)
		h = append(h, ns)
	}
	heap.Init(&h)

	donors := make([]*nodeState, 0, len(states))
	for _, ns := range states {
		donors = append(donors, ns)
	}
	sort.Slice(donors, func(i, j int) bool { return donors[i].load > donors[j].load })

	var transfers []Transfer
	for _, donor := range donors {
		for donor.load > threshold && len(donor.objs) > 0 {
			recv := h[0]
			if recv.node == donor.node {
				break // no other node left to receive work
			}
			obj := donor.objs[0]
			donor.objs = donor.objs[1:]
			donor.load -= obj.Load.Seconds()
			recv.load += obj.Load.Seconds()
			heap.Fix(&h, donor.idx)
			heap.Fix(&h, recv.idx)
			transfers = append(transfers, Transfer{Obj: obj.Obj, Dst: recv.node})
		}
	}
	return transfers, nil
}
