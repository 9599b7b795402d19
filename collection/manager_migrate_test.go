package collection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodegrid/dispatch/cluster"
	"github.com/nodegrid/dispatch/core"
	"github.com/nodegrid/dispatch/location"
	"github.com/nodegrid/dispatch/msgr"
	"github.com/nodegrid/dispatch/transport"
)

type counterElem struct{ N int }

// buildManagerPair wires two Managers over an in-process mesh and drains
// each node's messenger in the background, mirroring location's own
// buildPair test helper.
func buildManagerPair(t *testing.T) (cm0, cm1 *Manager, stop func()) {
	t.Helper()
	smap := cluster.NewSmap(2)
	mesh := transport.NewMesh(2)

	reg0, reg1 := core.NewRegistry(), core.NewRegistry()
	m0 := msgr.New(0, smap, mesh.Node(0), reg0)
	m1 := msgr.New(1, smap, mesh.Node(1), reg1)
	loc0 := location.New(0, smap, m0, reg0)
	loc1 := location.New(1, smap, m1, reg1)
	cm0 = New(0, smap, m0, reg0, loc0)
	cm1 = New(1, smap, m1, reg1, loc1)

	ctx, cancel := context.WithCancel(context.Background())
	for _, m := range []*msgr.Messenger{m0, m1} {
		m := m
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if !m.Progress(ctx) {
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}
	return cm0, cm1, cancel
}

// TestMigrateToRoundTripsElementStateToTheDestination drives the full
// five-step migration protocol across two nodes and checks the element's
// state survives the move intact: present with the same value at the
// destination, gone from the source.
func TestMigrateToRoundTripsElementStateToTheDestination(t *testing.T) {
	cm0, cm1, stop := buildManagerPair(t)
	defer stop()

	mapFn := func(index uint64, n cluster.NodeID) cluster.NodeID { return 0 }
	newElem := func(index uint64) Element { return &counterElem{N: 7} }

	p0 := cm0.Construct(1, mapFn, newElem, "counters")
	cm1.Construct(1, mapFn, newElem, "counters") // Construct is collective: every node runs it with the same args

	resident := cm0.Resident(p0)
	require.Len(t, resident, 1)
	obj := resident[0]

	require.NoError(t, cm0.MigrateTo(context.Background(), p0, obj, 1))

	assert.Empty(t, cm0.Resident(p0), "source must no longer hold the migrated element")

	require.Eventually(t, func() bool {
		h := cm1.holderFor(p0.ID)
		if h == nil {
			return false
		}
		h.mu.RLock()
		defer h.mu.RUnlock()
		e, ok := h.elements[indexOf(obj, p0.ID)]
		if !ok {
			return false
		}
		ce, ok := e.(*counterElem)
		return ok && ce.N == 7
	}, time.Second, 5*time.Millisecond, "destination must hold the same element state after migration")
}
