// Package location implements the location manager: the home-node
// authoritative table plus a bounded per-node cache that lets most messages
// reach a migrated element in one hop.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package location

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/golang/groupcache/lru"
	"golang.org/x/sync/singleflight"

	"github.com/nodegrid/dispatch/cluster"
	"github.com/nodegrid/dispatch/cmn/debug"
	"github.com/nodegrid/dispatch/cmn/nlog"
	"github.com/nodegrid/dispatch/core"
	"github.com/nodegrid/dispatch/hk"
	"github.com/nodegrid/dispatch/msgr"
)

// defaultMaxCacheSize is the default size of the per-node location cache.
const defaultMaxCacheSize = 4096

// peerTTL bounds how long a node is considered "recently communicating" for
// best-effort invalidation broadcast on Update.
const peerTTL = 30 * time.Second

const (
	locateHandlerName       = "location.locate"
	locateReplyHandlerName  = "location.locateReply"
	locationUpdateHandlerName = "location.update"
)

// ResidentFunc reports whether obj is currently held locally; the collection
// manager owns residency, the location manager only owns where-is-it.
type ResidentFunc func(key core.Key) bool

// Deliver is invoked when a forwarded/located message finally reaches a node
// that can run it - either because it was resident, or after the home node
// forwarded it to the current holder.
type Deliver func(ctx context.Context, h core.HandlerID, ep core.Epoch, payload any)

type locateMsg struct {
	Key     core.Key
	Asker   cluster.NodeID
	Handler core.HandlerID
	Epoch   core.Epoch
	Payload any
}

type locateReplyMsg struct {
	Key  core.Key
	Node cluster.NodeID
}

type updateMsg struct {
	Key  core.Key
	Node cluster.NodeID
}

// Manager is one node's participant in the location protocol.
type Manager struct {
	self cluster.NodeID
	smap *cluster.Smap
	m    *msgr.Messenger
	reg  *core.Registry

	resident ResidentFunc
	deliver  Deliver

	locateH, replyH, updateH core.HandlerID

	homeMu sync.RWMutex
	home   map[core.Key]cluster.NodeID // authoritative, entries exist only for keys homed here

	cacheMu sync.Mutex
	cache   *lru.Cache

	peersMu sync.Mutex
	peers   map[cluster.NodeID]time.Time

	sf singleflight.Group
}

// New registers the location wire handlers on reg and returns a Manager
// wired to messenger m. Resident and Deliver are supplied by the collection
// manager once it exists; until SetCallbacks is called, no key counts as
// resident, so Route and onLocate pass every message on by a plain send
// instead of delivering it locally.
func New(self cluster.NodeID, smap *cluster.Smap, m *msgr.Messenger, reg *core.Registry) *Manager {
	lm := &Manager{
		self:  self,
		smap:  smap,
		m:     m,
		reg:   reg,
		home:  make(map[core.Key]cluster.NodeID),
		cache: lru.New(defaultMaxCacheSize),
		peers: make(map[cluster.NodeID]time.Time),
	}
	lm.locateH = reg.Register(locateHandlerName, core.CatPlain, lm.onLocate)
	lm.replyH = reg.Register(locateReplyHandlerName, core.CatPlain, lm.onLocateReply)
	lm.updateH = reg.Register(locationUpdateHandlerName, core.CatPlain, lm.onUpdate)

	hk.Reg(fmt.Sprintf("location.peerExpiry.%d", self), lm.sweepPeers, peerTTL/3)
	startHousekeeper()
	return lm
}

// sweepPeers drops any peer not heard from within peerTTL; registered with
// hk so stale entries age out even on a node that stops issuing Updates.
func (lm *Manager) sweepPeers() time.Duration {
	now := time.Now()
	lm.peersMu.Lock()
	for n, seen := range lm.peers {
		if now.Sub(seen) > peerTTL {
			delete(lm.peers, n)
		}
	}
	lm.peersMu.Unlock()
	return 0
}

var startOnce sync.Once

// startHousekeeper starts the process-wide default Housekeeper the first
// time any node's location.Manager is built; every simulated rank in this
// process shares one ticker goroutine, same as they'd share nothing in a
// real multi-process cluster.
func startHousekeeper() {
	startOnce.Do(func() { go hk.DefaultHK.Run() })
}

// SetCallbacks wires the collection manager's residency check and delivery
// entry point in; it must be called once before Route/onLocate can do
// anything useful.
func (lm *Manager) SetCallbacks(resident ResidentFunc, deliver Deliver) {
	lm.resident = resident
	lm.deliver = deliver
}

func (lm *Manager) touchPeer(n cluster.NodeID) {
	if n == lm.self {
		return
	}
	lm.peersMu.Lock()
	lm.peers[n] = time.Now()
	lm.peersMu.Unlock()
}

// Register records that obj is (now) homed on this node and resident here,
// used when a collection element is first constructed.
func (lm *Manager) Register(key core.Key) {
	if key.HomeNode != lm.self {
		return
	}
	lm.homeMu.Lock()
	lm.home[key] = lm.self
	lm.homeMu.Unlock()
}

// cacheGet returns a cached guess for key, if any.
func (lm *Manager) cacheGet(key core.Key) (cluster.NodeID, bool) {
	lm.cacheMu.Lock()
	defer lm.cacheMu.Unlock()
	v, ok := lm.cache.Get(key)
	if !ok {
		return 0, false
	}
	return v.(cluster.NodeID), true
}

func (lm *Manager) cacheSet(key core.Key, node cluster.NodeID) {
	lm.cacheMu.Lock()
	lm.cache.Add(key, node)
	lm.cacheMu.Unlock()
}

// Route resolves the target for obj and gets the message there: resident ->
// deliver locally; cache hit -> one-hop forward; cache
// miss -> a "locate?" round-trip through the home node. Route never blocks
// on the locate reply: once the home node is reached it forwards (or
// delivers) the message itself, so Route returns as soon as the first send
// completes.
func (lm *Manager) Route(ctx context.Context, obj core.ObjID, h core.HandlerID, ep core.Epoch, payload any) error {
	key := obj.Key()

	if lm.resident != nil && lm.resident(key) {
		lm.deliver(ctx, h, ep, payload)
		return nil
	}

	if node, ok := lm.cacheGet(key); ok {
		if node == lm.self {
			// stale self-pointing cache entry; fall through to a locate.
		} else {
			lm.touchPeer(node)
			return lm.m.SendMsg(ctx, node, h, ep, payload)
		}
	}

	// Single-flight the locate round-trip per key so a burst of sends to a
	// cold key produces one "locate?" instead of one per send.
	_, err, _ := lm.sf.Do(key.String(), func() (any, error) {
		lm.touchPeer(key.HomeNode)
		return nil, lm.m.SendMsg(ctx, key.HomeNode, lm.locateH, ep, locateMsg{
			Key: key, Asker: lm.self, Handler: h, Epoch: ep, Payload: payload,
		})
	})
	return err
}

// onLocate runs on the home node for key.
func (lm *Manager) onLocate(env core.Envelope, payload any) {
	lmsg, _ := payload.(locateMsg)
	debug.Assert(lmsg.Key.HomeNode == lm.self, "location: locate? routed to non-home node")

	lm.homeMu.RLock()
	node, known := lm.home[lmsg.Key]
	lm.homeMu.RUnlock()
	if !known {
		node = lm.self
	}

	ctx := context.Background()
	if node == lm.self && lm.resident != nil && lm.resident(lmsg.Key) {
		lm.deliver(ctx, lmsg.Handler, lmsg.Epoch, lmsg.Payload)
	} else {
		if err := lm.m.SendMsg(ctx, node, lmsg.Handler, lmsg.Epoch, lmsg.Payload); err != nil {
			nlog.Errorf("location: forward to %s for %s: %v", node, lmsg.Key, err)
		}
	}

	lm.touchPeer(lmsg.Asker)
	if err := lm.m.SendMsg(ctx, lmsg.Asker, lm.replyH, env.Epoch, locateReplyMsg{Key: lmsg.Key, Node: node}); err != nil {
		nlog.Errorf("location: reply to %s for %s: %v", lmsg.Asker, lmsg.Key, err)
	}
}

func (lm *Manager) onLocateReply(_ core.Envelope, payload any) {
	rm, _ := payload.(locateReplyMsg)
	lm.cacheSet(rm.Key, rm.Node)
}

func (lm *Manager) onUpdate(_ core.Envelope, payload any) {
	um, _ := payload.(updateMsg)
	if um.Key.HomeNode == lm.self {
		lm.homeMu.Lock()
		lm.home[um.Key] = um.Node
		lm.homeMu.Unlock()
	}
	lm.cacheSet(um.Key, um.Node)
}

// Update is called at migration end: authoritative on the home node; on any
// other node it sends the update to the home node, and on every node it
// sends a best-effort invalidation to recently-communicating peers.
func (lm *Manager) Update(ctx context.Context, key core.Key, newNode cluster.NodeID) {
	if key.HomeNode == lm.self {
		lm.homeMu.Lock()
		lm.home[key] = newNode
		lm.homeMu.Unlock()
	} else {
		lm.touchPeer(key.HomeNode)
	}
	lm.cacheSet(key, newNode)

	lm.peersMu.Lock()
	peers := make([]cluster.NodeID, 0, len(lm.peers))
	for n := range lm.peers {
		peers = append(peers, n)
	}
	lm.peersMu.Unlock()

	for _, n := range peers {
		if err := lm.m.SendMsg(ctx, n, lm.updateH, core.Epoch{}, updateMsg{Key: key, Node: newNode}); err != nil {
			nlog.Warningf("location: invalidation to %s for %s: %v", n, key, err)
		}
	}
}
