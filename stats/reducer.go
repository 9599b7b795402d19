package stats

import (
	"context"
	"sort"
	"sync"

	"github.com/nodegrid/dispatch/cluster"
	"github.com/nodegrid/dispatch/core"
	"github.com/nodegrid/dispatch/msgr"
)

// Stat enumerates the statistics this package tracks.
type Stat int

const (
	RankLoadModeled Stat = iota
	RankStrategySpecificLoadModeled
	ObjectLoadModeled
	ObjectComm
	EdgesPerNode
	ExternalCommBytes
	InternalCommBytes
)

// LoadData is one rank's contribution to a reduction.
type LoadData struct {
	Stat  Stat
	Value float64
}

// Reduced is the folded result across all ranks: imb = max/avg - 1.
type Reduced struct {
	Min, Max, Avg, Sum, Imb, Var float64
}

// Reduce folds values with an associative, commutative combine so the result
// is independent of pairwise grouping order: a fixed reduction tree
// independent of message arrival order.
func Reduce(values []float64) Reduced {
	if len(values) == 0 {
		return Reduced{}
	}
	r := Reduced{Min: values[0], Max: values[0]}
	for _, v := range values {
		r.Sum += v
		if v < r.Min {
			r.Min = v
		}
		if v > r.Max {
			r.Max = v
		}
	}
	r.Avg = r.Sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - r.Avg
		sq += d * d
	}
	r.Var = sq / float64(len(values))
	if r.Avg != 0 {
		r.Imb = r.Max/r.Avg - 1
	}
	return r
}

// combine merges two already-reduced Reduced values covering na and nb
// source values, weighting Avg and Var by those counts, so a distributed
// tree reduction agrees with a single-node Reduce over all the values up to
// floating-point rounding.
func combine(a, b Reduced, na, nb int) Reduced {
	if na == 0 {
		return b
	}
	if nb == 0 {
		return a
	}
	n := na + nb
	sum := a.Sum + b.Sum
	avg := sum / float64(n)
	min := a.Min
	if b.Min < min {
		min = b.Min
	}
	max := a.Max
	if b.Max > max {
		max = b.Max
	}
	// variance of the union from the two sub-variances plus the shift of
	// each sub-mean from the combined mean (parallel-variance formula).
	v := (float64(na)*(a.Var+sqr(a.Avg-avg)) + float64(nb)*(b.Var+sqr(b.Avg-avg))) / float64(n)
	out := Reduced{Min: min, Max: max, Avg: avg, Sum: sum, Var: v}
	if avg != 0 {
		out.Imb = max/avg - 1
	}
	return out
}

func sqr(x float64) float64 { return x * x }

const (
	reduceHandlerName = "stats.reduce"
	finalHandlerName  = "stats.reduceFinal"
)

type reduceMsg struct {
	RoundID uint64
	Reduced Reduced
	Count   int
}

type finalMsg struct {
	RoundID uint64
	Reduced Reduced
}

type roundState struct {
	expectChildren int
	gotChildren    int
	localDone      bool // this node's own ReduceCluster call has merged its value
	acc            Reduced
	accN           int
	done           chan Reduced
}

func (rs *roundState) ready() bool { return rs.localDone && rs.gotChildren >= rs.expectChildren }

// Reducer drives the collective all-reduce over the same fixed spanning
// tree the messenger's broadcast and the termination detector's waves use:
// every node reports up, the root combines and folds, then broadcasts the
// final Reduced back down, so the result is independent of arrival order
// - the same shape BaseLB uses to all-reduce local transfer counts into
// a global migration count.
type Reducer struct {
	self   cluster.NodeID
	smap   *cluster.Smap
	m      *msgr.Messenger
	fanout int

	reduceH, finalH core.HandlerID

	mu     sync.Mutex
	rounds map[uint64]*roundState
}

func NewReducer(self cluster.NodeID, smap *cluster.Smap, m *msgr.Messenger, reg *core.Registry) *Reducer {
	r := &Reducer{self: self, smap: smap, m: m, fanout: 4, rounds: make(map[uint64]*roundState)}
	r.reduceH = reg.Register(reduceHandlerName, core.CatPlain, r.onReduce)
	r.finalH = reg.Register(finalHandlerName, core.CatPlain, r.onFinal)
	return r
}

func (r *Reducer) round(id uint64) *roundState {
	rs, ok := r.rounds[id]
	if !ok {
		rs = &roundState{expectChildren: len(cluster.Children(r.self, r.fanout, r.smap.N)), done: make(chan Reduced, 1)}
		r.rounds[id] = rs
	}
	return rs
}

// ReduceCluster performs one collective all-reduce of this node's local
// value, keyed by round (every node in the call must pass the same round -
// e.g. a phase counter - so their reports land in the same roundState).
// Every node, including the root, receives the identical cluster-wide
// Reduced.
func (r *Reducer) ReduceCluster(ctx context.Context, round uint64, local float64) (Reduced, error) {
	r.mu.Lock()
	rs := r.round(round)
	rs.acc = combine(rs.acc, Reduce([]float64{local}), rs.accN, 1)
	rs.accN++
	rs.localDone = true
	ready := rs.ready()
	r.mu.Unlock()

	if ready {
		r.reportUp(ctx, round, rs)
	}

	select {
	case red := <-rs.done:
		return red, nil
	case <-ctx.Done():
		return Reduced{}, ctx.Err()
	}
}

func (r *Reducer) reportUp(ctx context.Context, round uint64, rs *roundState) {
	if r.self == 0 {
		r.finish(ctx, round, rs.acc)
		return
	}
	parent, _ := cluster.Parent(r.self, r.fanout)
	_ = r.m.SendMsg(ctx, parent, r.reduceH, core.Epoch{}, reduceMsg{RoundID: round, Reduced: rs.acc, Count: rs.accN})
}

// finish runs on the root once every node's contribution has rolled up; it
// broadcasts the final value to every node, itself included.
func (r *Reducer) finish(ctx context.Context, round uint64, final Reduced) {
	_ = r.m.BroadcastMsg(ctx, r.finalH, core.Epoch{}, finalMsg{RoundID: round, Reduced: final})
}

func (r *Reducer) onReduce(_ core.Envelope, payload any) {
	rm, _ := payload.(reduceMsg)
	r.mu.Lock()
	rs := r.round(rm.RoundID)
	rs.acc = combine(rs.acc, rm.Reduced, rs.accN, rm.Count)
	rs.accN += rm.Count
	rs.gotChildren++
	ready := rs.ready()
	r.mu.Unlock()

	if ready {
		r.reportUp(context.Background(), rm.RoundID, rs)
	}
}

func (r *Reducer) onFinal(_ core.Envelope, payload any) {
	fm, _ := payload.(finalMsg)
	r.mu.Lock()
	rs := r.round(fm.RoundID)
	delete(r.rounds, fm.RoundID)
	r.mu.Unlock()
	rs.done <- fm.Reduced
}

// SortedKeys returns ks sorted ascending, used wherever a deterministic
// iteration order over an unordered container keyed by ObjID is required.
func SortedKeys(ks []core.Key) []core.Key {
	out := append([]core.Key(nil), ks...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].HomeNode != out[j].HomeNode {
			return out[i].HomeNode < out[j].HomeNode
		}
		return out[i].LocalID < out[j].LocalID
	})
	return out
}
