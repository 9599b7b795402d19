package lb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodegrid/dispatch/cluster"
	"github.com/nodegrid/dispatch/core"
)

// TestGreedyLBDrainsAnOverloadedPoleWithinTolerance exercises the
// heaviest-off-heaviest bin-packer directly: one node starts as a pole
// holding every object while its peers sit idle, and assign must shed just
// enough of the pole's objects to bring it within tolerance of the cluster
// average without ever handing an object back to itself.
func TestGreedyLBDrainsAnOverloadedPoleWithinTolerance(t *testing.T) {
	g := &GreedyLB{tolerance: defaultTolerance}

	pole := []ObjLoad{
		{Obj: core.ObjID{HomeNode: 0, LocalID: 1, CurrNode: 0}, Load: time.Second},
		{Obj: core.ObjID{HomeNode: 0, LocalID: 2, CurrNode: 0}, Load: time.Second},
		{Obj: core.ObjID{HomeNode: 0, LocalID: 3, CurrNode: 0}, Load: time.Second},
	}
	snaps := map[cluster.NodeID]Snapshot{
		0: {Self: 0, Local: pole},
		1: {Self: 1},
		2: {Self: 2},
	}

	transfers, err := g.assign(snaps)
	require.NoError(t, err)
	require.NotEmpty(t, transfers, "the pole must shed at least one object")

	loads := map[cluster.NodeID]float64{0: 3, 1: 0, 2: 0}
	for _, tr := range transfers {
		assert.NotEqual(t, cluster.NodeID(0), tr.Dst, "the pole must not receive its own object back")
		loads[0]--
		loads[tr.Dst]++
	}

	avg := 1.0 // 3 seconds of load spread over 3 nodes
	threshold := avg * (1 + g.tolerance)
	assert.LessOrEqual(t, loads[0], threshold+1e-9, "the pole must end at or under the tolerance threshold")
}

// TestGreedyLBLeavesAnAlreadyBalancedClusterAlone confirms assign proposes
// nothing when every node is already within tolerance.
func TestGreedyLBLeavesAnAlreadyBalancedClusterAlone(t *testing.T) {
	g := &GreedyLB{tolerance: defaultTolerance}
	snaps := map[cluster.NodeID]Snapshot{
		0: {Self: 0, Local: []ObjLoad{{Obj: core.ObjID{HomeNode: 0, LocalID: 1, CurrNode: 0}, Load: time.Second}}},
		1: {Self: 1, Local: []ObjLoad{{Obj: core.ObjID{HomeNode: 1, LocalID: 1, CurrNode: 1}, Load: time.Second}}},
	}

	transfers, err := g.assign(snaps)
	require.NoError(t, err)
	assert.Empty(t, transfers)
}
