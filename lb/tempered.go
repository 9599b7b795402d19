package lb

import (
	"context"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nodegrid/dispatch/cluster"
	"github.com/nodegrid/dispatch/core"
)

// TemperedParams is the full keyword table this strategy accepts.
type TemperedParams struct {
	Knowledge     string // UserDefined / Complete / Log
	Fanout        uint
	Rounds        uint
	Iters         uint
	Trials        uint
	Criterion     string // Grapevine / ModifiedGrapevine
	Inform        string // SyncInform / AsyncInform
	Transfer      string // Original / Recursive
	Ordering      string // Arbitrary / ElmID / FewestMigrations / SmallObjects / LargestObjects
	CMF           string // Original / NormByMax / NormByMaxExcludeIneligible
	Deterministic bool
	Rollback      bool
	TargetPole    bool
}

func defaultTemperedParams() TemperedParams {
	return TemperedParams{
		Knowledge: "Log", Iters: 4, Trials: 1,
		Criterion: "ModifiedGrapevine", Inform: "AsyncInform", Transfer: "Original",
		Ordering: "FewestMigrations", CMF: "NormByMax", Rollback: true,
	}
}

const (
	temperedGossipHandlerName    = "lb.tempered.gossip"
	temperedCollectHandlerName   = "lb.tempered.collect" // Complete knowledge: gather
	temperedBroadcastHandlerName = "lb.tempered.bcast"   // Complete knowledge: broadcast back
)

type rankInfo struct {
	Node cluster.NodeID
	Load float64
}

type gossipMsg struct {
	Phase uint64
	Known []rankInfo
}

type completeMsg struct {
	Phase uint64
	Info  rankInfo
}

type completeBcastMsg struct {
	Phase uint64
	All   []rankInfo
}

// TemperedLB is a diffusive, gossip-based strategy: underloaded ranks
// advertise themselves through bounded-fanout gossip, and overloaded ranks
// sample destinations from what they have learned.
//
// Inform is implemented as AsyncInform regardless of the configured value:
// this runtime always forwards on first arrival of a round and only varies
// fanout/rounds by knowledge mode, rather than barriering ranks within a
// round. Transfer=Recursive falls back to the Original sampling loop; both
// drive the same per-object sample-and-accept loop in runIteration.
type TemperedLB struct {
	params TemperedParams

	gossipH, collectH, bcastH core.HandlerID

	mu            sync.Mutex
	known         map[uint64]map[cluster.NodeID]float64
	gotGossip     map[uint64]int
	complete      map[uint64]map[cluster.NodeID]float64
	completeReady map[uint64][]rankInfo
}

func NewTemperedLB(reg *core.Registry) *TemperedLB {
	t := &TemperedLB{
		params:        defaultTemperedParams(),
		known:         make(map[uint64]map[cluster.NodeID]float64),
		gotGossip:     make(map[uint64]int),
		complete:      make(map[uint64]map[cluster.NodeID]float64),
		completeReady: make(map[uint64][]rankInfo),
	}
	t.gossipH = reg.Register(temperedGossipHandlerName, core.CatPlain, t.onGossip)
	t.collectH = reg.Register(temperedCollectHandlerName, core.CatPlain, t.onCollect)
	t.bcastH = reg.Register(temperedBroadcastHandlerName, core.CatPlain, t.onBcast)
	return t
}

func (*TemperedLB) Name() string { return "TemperedLB" }

func (t *TemperedLB) InputParams(cfg map[string]string) error {
	p := defaultTemperedParams()
	if v, ok := cfg["knowledge"]; ok {
		p.Knowledge = v
	}
	if v, ok := cfg["fanout"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		p.Fanout = uint(n)
	}
	if v, ok := cfg["rounds"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		p.Rounds = uint(n)
	}
	if v, ok := cfg["iters"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		p.Iters = uint(n)
	}
	if v, ok := cfg["trials"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		p.Trials = uint(n)
	}
	if v, ok := cfg["criterion"]; ok {
		p.Criterion = v
	}
	if v, ok := cfg["inform"]; ok {
		p.Inform = v
	}
	if v, ok := cfg["transfer"]; ok {
		p.Transfer = v
	}
	if v, ok := cfg["ordering"]; ok {
		p.Ordering = v
	}
	if v, ok := cfg["cmf"]; ok {
		p.CMF = v
	}
	if v, ok := cfg["deterministic"]; ok {
		p.Deterministic = v == "true"
	}
	if v, ok := cfg["rollback"]; ok {
		p.Rollback = v == "true"
	}
	if v, ok := cfg["targetpole"]; ok {
		p.TargetPole = v == "true"
	}
	t.params = p
	return nil
}

func (t *TemperedLB) knowledgeFanoutRounds(n int) (fanout, rounds uint) {
	switch t.params.Knowledge {
	case "UserDefined":
		return t.params.Fanout, t.params.Rounds
	case "Log":
		f := uint(1)
		r := uint(1)
		for x := n; x > 1; x >>= 1 {
			r++
		}
		return f, r
	default: // Complete handled separately, never reaches here
		return 1, 1
	}
}

func (t *TemperedLB) onGossip(_ core.Envelope, payload any) {
	gm, _ := payload.(gossipMsg)
	t.mu.Lock()
	m := t.knownMap(gm.Phase)
	for _, ri := range gm.Known {
		m[ri.Node] = ri.Load
	}
	t.gotGossip[gm.Phase]++
	t.mu.Unlock()
}

func (t *TemperedLB) knownMap(phase uint64) map[cluster.NodeID]float64 {
	m, ok := t.known[phase]
	if !ok {
		m = make(map[cluster.NodeID]float64)
		t.known[phase] = m
	}
	return m
}

func (t *TemperedLB) onCollect(_ core.Envelope, payload any) {
	cm, _ := payload.(completeMsg)
	t.mu.Lock()
	m, ok := t.complete[cm.Phase]
	if !ok {
		m = make(map[cluster.NodeID]float64)
		t.complete[cm.Phase] = m
	}
	m[cm.Info.Node] = cm.Info.Load
	t.mu.Unlock()
}

func (t *TemperedLB) onBcast(_ core.Envelope, payload any) {
	bm, _ := payload.(completeBcastMsg)
	t.mu.Lock()
	t.completeReady[bm.Phase] = bm.All
	t.mu.Unlock()
}

// RunLB runs Trials fresh restarts, each composed of Iters inform+transfer
// repetitions; Rollback keeps the best (lowest cluster imbalance)
// arrangement seen, at both the iteration and the trial granularity.
func (t *TemperedLB) RunLB(ctx context.Context, snap Snapshot, deps Deps) ([]Transfer, error) {
	n := int(deps.Smap.N)

	var bestTransfers []Transfer
	bestImb := -1.0

	trials := t.params.Trials
	if trials == 0 {
		trials = 1
	}
	for trial := uint64(0); trial < uint64(trials); trial++ {
		transfers, imb, err := t.runTrial(ctx, snap, deps, n, trial)
		if err != nil {
			return nil, err
		}
		if !t.params.Rollback || bestImb < 0 || imb < bestImb {
			bestImb = imb
			bestTransfers = transfers
		}
	}
	return bestTransfers, nil
}

// runTrial runs Iters inform+transfer repetitions, each working off the
// load/object state left by the previous one, and keeps the best iteration
// by cluster imbalance when Rollback is set.
func (t *TemperedLB) runTrial(ctx context.Context, snap Snapshot, deps Deps, n int, trial uint64) ([]Transfer, float64, error) {
	iters := t.params.Iters
	if iters == 0 {
		iters = 1
	}

	state := snap.TotalLoad.Seconds()
	remaining := append([]ObjLoad(nil), snap.Local...)

	var bestTransfers []Transfer
	var cumulative []Transfer
	bestImb := -1.0

	for iter := uint64(0); iter < iters; iter++ {
		moved, newLoad, imb, err := t.runIteration(ctx, snap, deps, n, trial*1000+iter, remaining, state)
		if err != nil {
			return nil, 0, err
		}
		movedSet := make(map[core.Key]bool, len(moved))
		for _, tr := range moved {
			movedSet[tr.Obj.Key()] = true
		}
		kept := remaining[:0:0]
		for _, o := range remaining {
			if !movedSet[o.Obj.Key()] {
				kept = append(kept, o)
			}
		}
		remaining = kept
		state = newLoad
		cumulative = append(cumulative, moved...)

		if !t.params.Rollback || bestImb < 0 || imb < bestImb {
			bestImb = imb
			bestTransfers = append([]Transfer(nil), cumulative...)
		}
		if len(moved) == 0 {
			break
		}
	}
	return bestTransfers, bestImb, nil
}

func (t *TemperedLB) runIteration(ctx context.Context, snap Snapshot, deps Deps, n int, round uint64, objs []ObjLoad, myLoadStart float64) ([]Transfer, float64, float64, error) {
	myLoad := myLoadStart

	known, err := t.gatherKnowledge(ctx, snap, deps, n, round)
	if err != nil {
		return nil, 0, 0, err
	}

	target := t.targetLoad(known, myLoad)

	objs = append([]ObjLoad(nil), objs...)
	orderObjs(objs, t.params.Ordering, t.params.Deterministic, int64(snap.Phase)+int64(round))

	var transfers []Transfer
	rng := rngFor(t.params.Deterministic, int64(snap.Phase)+int64(round)+int64(snap.Self))

	for _, obj := range objs {
		if myLoad <= target {
			break
		}
		dst, ok := sampleDest(known, t.params.CMF, target, rng)
		if !ok {
			break
		}
		objSec := obj.Load.Seconds()
		under := known[dst] // dst's currently known load
		over := myLoad      // this rank's current load
		if !accept(t.params.Criterion, under, over, target, objSec) {
			continue
		}
		transfers = append(transfers, Transfer{Obj: obj.Obj, Dst: dst})
		known[dst] += objSec
		myLoad -= objSec
	}

	sum, err := deps.Reducer.ReduceCluster(ctx, snap.Phase*1_000_000+round, myLoad)
	if err != nil {
		return nil, 0, 0, err
	}
	return transfers, myLoad, sum.Imb, nil
}

// gatherKnowledge returns this rank's view of every other rank's current
// load, obtained either by a cheap all-gather (Complete) or by bounded
// gossip (Log/UserDefined).
func (t *TemperedLB) gatherKnowledge(ctx context.Context, snap Snapshot, deps Deps, n int, round uint64) (map[cluster.NodeID]float64, error) {
	phaseKey := snap.Phase*1_000_000 + round
	if t.params.Knowledge == "Complete" {
		return t.gatherComplete(ctx, snap, deps, n, phaseKey)
	}
	return t.gatherGossip(ctx, snap, deps, n, phaseKey)
}

func (t *TemperedLB) gatherComplete(ctx context.Context, snap Snapshot, deps Deps, n int, phaseKey uint64) (map[cluster.NodeID]float64, error) {
	if err := deps.M.SendMsg(ctx, 0, t.collectH, core.Epoch{}, completeMsg{Phase: phaseKey, Info: rankInfo{Node: snap.Self, Load: snap.TotalLoad.Seconds()}}); err != nil {
		return nil, err
	}
	if deps.Self == 0 {
		for {
			t.mu.Lock()
			have := len(t.complete[phaseKey])
			t.mu.Unlock()
			if have >= n {
				break
			}
			select {
			case <-time.After(time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		t.mu.Lock()
		all := make([]rankInfo, 0, n)
		for node, load := range t.complete[phaseKey] {
			all = append(all, rankInfo{Node: node, Load: load})
		}
		delete(t.complete, phaseKey)
		t.mu.Unlock()
		if err := deps.M.BroadcastMsg(ctx, t.bcastH, core.Epoch{}, completeBcastMsg{Phase: phaseKey, All: all}); err != nil {
			return nil, err
		}
	}
	for {
		t.mu.Lock()
		all, ok := t.completeReady[phaseKey]
		t.mu.Unlock()
		if ok {
			delete(t.completeReady, phaseKey)
			out := make(map[cluster.NodeID]float64, len(all))
			for _, ri := range all {
				out[ri.Node] = ri.Load
			}
			return out, nil
		}
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (t *TemperedLB) gatherGossip(ctx context.Context, snap Snapshot, deps Deps, n int, phaseKey uint64) (map[cluster.NodeID]float64, error) {
	fanout, rounds := t.knowledgeFanoutRounds(n)
	if fanout == 0 {
		fanout = 1
	}
	if rounds == 0 {
		rounds = 1
	}

	t.mu.Lock()
	m := t.knownMap(phaseKey)
	m[snap.Self] = snap.TotalLoad.Seconds()
	t.mu.Unlock()

	rng := rngFor(t.params.Deterministic, int64(phaseKey)+int64(snap.Self))
	peers := deps.Smap.All()

	for round := uint64(0); round < uint64(rounds); round++ {
		t.mu.Lock()
		snapshot := make([]rankInfo, 0, len(m))
		for node, load := range m {
			snapshot = append(snapshot, rankInfo{Node: node, Load: load})
		}
		t.mu.Unlock()

		targets := pickPeers(peers, snap.Self, int(fanout), rng)
		for _, dst := range targets {
			if err := deps.M.SendMsg(ctx, dst, t.gossipH, core.Epoch{}, gossipMsg{Phase: phaseKey, Known: snapshot}); err != nil {
				return nil, err
			}
		}
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	out := make(map[cluster.NodeID]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	delete(t.known, phaseKey)
	delete(t.gotGossip, phaseKey)
	t.mu.Unlock()
	return out, nil
}

func (t *TemperedLB) targetLoad(known map[cluster.NodeID]float64, myLoad float64) float64 {
	if len(known) == 0 {
		return myLoad
	}
	var sum, max float64
	for _, v := range known {
		sum += v
		if v > max {
			max = v
		}
	}
	avg := sum / float64(len(known))
	if t.params.TargetPole {
		if max > avg {
			return max
		}
	}
	return avg
}

func pickPeers(all []cluster.NodeID, self cluster.NodeID, k int, rng *rand.Rand) []cluster.NodeID {
	candidates := make([]cluster.NodeID, 0, len(all))
	for _, n := range all {
		if n != self {
			candidates = append(candidates, n)
		}
	}
	rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k]
}

func orderObjs(objs []ObjLoad, ordering string, deterministic bool, seed int64) {
	switch ordering {
	case "ElmID":
		sort.Slice(objs, func(i, j int) bool { return objs[i].Obj.Less(objs[j].Obj) })
	case "SmallObjects":
		sort.Slice(objs, func(i, j int) bool { return objs[i].Load < objs[j].Load })
	case "LargestObjects":
		sort.Slice(objs, func(i, j int) bool { return objs[i].Load > objs[j].Load })
	case "Arbitrary":
		if !deterministic {
			rng := rand.New(rand.NewSource(seed))
			rng.Shuffle(len(objs), func(i, j int) { objs[i], objs[j] = objs[j], objs[i] })
		}
	default: // FewestMigrations: move the fewest, largest objects first
		sort.Slice(objs, func(i, j int) bool { return objs[i].Load > objs[j].Load })
	}
}

func rngFor(deterministic bool, seed int64) *rand.Rand {
	if deterministic {
		return rand.New(rand.NewSource(seed))
	}
	return rand.New(rand.NewSource(time.Now().UnixNano() + seed))
}

// sampleDest builds a CMF over underloaded peers and samples one, per the
// requested normalization.
func sampleDest(known map[cluster.NodeID]float64, cmf string, target float64, rng *rand.Rand) (cluster.NodeID, bool) {
	type w struct {
		node   cluster.NodeID
		weight float64
	}
	var weights []w
	var maxDeficit float64
	for node, load := range known {
		deficit := target - load
		if deficit <= 0 {
			continue
		}
		if deficit > maxDeficit {
			maxDeficit = deficit
		}
		weights = append(weights, w{node: node, weight: deficit})
	}
	if len(weights) == 0 {
		return 0, false
	}
	var total float64
	for i := range weights {
		switch cmf {
		case "NormByMax", "NormByMaxExcludeIneligible":
			if maxDeficit > 0 {
				weights[i].weight /= maxDeficit
			}
		} // Original: raw deficit, unnormalized
		total += weights[i].weight
	}
	if total <= 0 {
		return weights[0].node, true
	}
	sort.Slice(weights, func(i, j int) bool { return weights[i].node < weights[j].node })
	r := rng.Float64() * total
	var acc float64
	for _, x := range weights {
		acc += x.weight
		if r <= acc {
			return x.node, true
		}
	}
	return weights[len(weights)-1].node, true
}

// accept applies the requested transfer criterion:
// Grapevine accepts when moving obj does not push the destination past
// avg; ModifiedGrapevine instead accepts whenever obj is smaller than the
// gap between the two ranks, so the move narrows that gap, with no avg check.
func accept(criterion string, under, over, avg, obj float64) bool {
	if criterion == "Grapevine" {
		return under+obj <= avg
	}
	return obj < over-under
}
