/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package location

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodegrid/dispatch/cluster"
	"github.com/nodegrid/dispatch/core"
	"github.com/nodegrid/dispatch/msgr"
	"github.com/nodegrid/dispatch/transport"
)

func TestSweepPeersDropsOnlyStaleEntries(t *testing.T) {
	lm := &Manager{peers: make(map[cluster.NodeID]time.Time)}
	lm.peers[1] = time.Now().Add(-2 * peerTTL)
	lm.peers[2] = time.Now()

	next := lm.sweepPeers()

	assert.Equal(t, time.Duration(0), next, "0 keeps the registered interval")
	lm.peersMu.Lock()
	defer lm.peersMu.Unlock()
	_, stillThere := lm.peers[1]
	assert.False(t, stillThere, "entry older than peerTTL should have been evicted")
	_, fresh := lm.peers[2]
	assert.True(t, fresh, "recently touched entry should survive")
}

func TestTouchPeerIgnoresSelf(t *testing.T) {
	lm := &Manager{self: 0, peers: make(map[cluster.NodeID]time.Time)}
	lm.touchPeer(0)
	assert.Empty(t, lm.peers)
	lm.touchPeer(1)
	assert.Len(t, lm.peers, 1)
}

// buildPair wires two Managers over an in-process mesh and drains each
// node's messenger in the background so wire round trips complete.
func buildPair(t *testing.T) (lm0, lm1 *Manager, stop func()) {
	t.Helper()
	smap := cluster.NewSmap(2)
	mesh := transport.NewMesh(2)

	reg0 := core.NewRegistry()
	reg1 := core.NewRegistry()
	m0 := msgr.New(0, smap, mesh.Node(0), reg0)
	m1 := msgr.New(1, smap, mesh.Node(1), reg1)
	lm0 = New(0, smap, m0, reg0)
	lm1 = New(1, smap, m1, reg1)

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
	return lm0, lm1, cancel
}

func TestRouteLocatesHomeNodeAndCachesReply(t *testing.T) {
	lm0, lm1, stop := buildPair(t)
	defer stop()

	key := core.Key{HomeNode: 1, LocalID: 7}
	lm1.Register(key)

	delivered := make(chan struct{}, 1)
	lm1.SetCallbacks(func(core.Key) bool { return true }, func(context.Context, core.HandlerID, core.Epoch, any) {
		delivered <- struct{}{}
	})

	err := lm0.Route(context.Background(), core.ObjID{HomeNode: 1, LocalID: 7, CurrNode: 1}, core.HandlerID(0), core.Epoch{}, "payload")
	require.NoError(t, err)

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery on home node")
	}

	require.Eventually(t, func() bool {
		node, ok := lm0.cacheGet(key)
		return ok && node == 1
	}, time.Second, 5*time.Millisecond)
}

func TestUpdateBroadcastsToTouchedPeers(t *testing.T) {
	lm0, lm1, stop := buildPair(t)
	defer stop()

	key := core.Key{HomeNode: 0, LocalID: 3}
	lm0.Register(key)
	lm0.touchPeer(1) // simulate node 1 having previously located this key

	lm0.Update(context.Background(), key, 1)

	require.Eventually(t, func() bool {
		node, ok := lm1.cacheGet(key)
		return ok && node == 1
	}, time.Second, 5*time.Millisecond)
}
