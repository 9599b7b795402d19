// Package collection implements the collection manager: construction of a
// distributed collection of elements over an index space, dynamic
// insert/destroy, and the five-step migration protocol that moves one
// element between nodes.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package collection

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nodegrid/dispatch/cluster"
	"github.com/nodegrid/dispatch/cmn/cos"
	"github.com/nodegrid/dispatch/cmn/debug"
	"github.com/nodegrid/dispatch/cmn/nlog"
	"github.com/nodegrid/dispatch/core"
	"github.com/nodegrid/dispatch/location"
	"github.com/nodegrid/dispatch/msgr"
)

// Element is an opaque user payload. The runtime never inspects it beyond
// routing and (fake, in-process) migration; real marshaling to bytes for an
// out-of-process transport is an external collaborator.
type Element any

// MapFunc decides which node owns index at construction time; it must be a
// pure function of (index, n) so every node computes the same assignment
// without coordination: every node runs map_fn independently.
type MapFunc func(index uint64, n cluster.NodeID) cluster.NodeID

// NewElemFunc constructs the element living at index. InsertAt calls it on
// the inserting node; when the target isn't self, the constructed element
// travels in the insert wire message, which is only sound because this
// runtime's transport carries Go values in-process rather than bytes.
type NewElemFunc func(index uint64) Element

// Proxy is the handle callers hold to a constructed collection.
type Proxy struct {
	ID    uint64
	Label string
}

// holder is the per-node state for one collection.
type holder struct {
	mu                sync.RWMutex
	elements          map[uint64]Element
	mapFn             MapFunc
	hasDynamicMembers bool
	bounds            [2]uint64
	label             string
}

const (
	migrateHandlerName     = "collection.migrate"
	migrateDoneHandlerName = "collection.migrateDone"
)

type migrateMsg struct {
	CollID uint64
	Index  uint64
	Home   cluster.NodeID
	Elem   Element
	SrcTag uint64
}

type migrateDoneMsg struct {
	CollID uint64
	Index  uint64
	Tag    uint64
}

type queuedMsg struct {
	h       core.HandlerID
	ep      core.Epoch
	payload any
}

// Manager owns every collection constructed on this process and drives
// migration; one Manager runs per node.
type Manager struct {
	self cluster.NodeID
	smap *cluster.Smap
	m    *msgr.Messenger
	reg  *core.Registry
	loc  *location.Manager

	migrateH, migrateDoneH core.HandlerID

	mu         sync.Mutex
	holders    map[uint64]*holder
	objToColl  map[core.Key]uint64
	nextCollID uint64

	suspendMu sync.Mutex
	suspended map[core.Key]bool
	queued    map[core.Key][]queuedMsg

	migTag  uint64
	migAcks sync.Map // tag(uint64) -> chan struct{}
}

// New registers collection's wire handlers and returns a Manager wired to
// messenger m and location manager loc.
func New(self cluster.NodeID, smap *cluster.Smap, m *msgr.Messenger, reg *core.Registry, loc *location.Manager) *Manager {
	cm := &Manager{
		self:      self,
		smap:      smap,
		m:         m,
		reg:       reg,
		loc:       loc,
		holders:   make(map[uint64]*holder),
		objToColl: make(map[core.Key]uint64),
		suspended: make(map[core.Key]bool),
		queued:    make(map[core.Key][]queuedMsg),
	}
	cm.migrateH = reg.Register(migrateHandlerName, core.CatPlain, cm.onMigrate)
	cm.migrateDoneH = reg.Register(migrateDoneHandlerName, core.CatPlain, cm.onMigrateDone)
	loc.SetCallbacks(cm.resident, cm.deliverLocal)
	return cm
}

// objFor returns the full ObjID for (collID, index); home is whatever
// mapFn(index, N) resolved to when the element was created.
func (cm *Manager) objFor(home cluster.NodeID, collID, index uint64) core.ObjID {
	return core.ObjID{HomeNode: home, LocalID: collID<<32 | index, CurrNode: home}
}

func (cm *Manager) keyFor(collID, index uint64, home cluster.NodeID) core.Key {
	return cm.objFor(home, collID, index).Key()
}

// Construct runs map_fn over [0, n) on every node and builds, locally, the
// elements that map here. It is collective: every node in
// smap must call Construct with the same n, mapFn, label - the runtime has
// no way to detect disagreement beyond the handler-table handshake at boot.
func (cm *Manager) Construct(n uint64, mapFn MapFunc, newElem NewElemFunc, label string) *Proxy {
	cm.mu.Lock()
	id := cm.nextCollID
	cm.nextCollID++
	h := &holder{
		elements: make(map[uint64]Element),
		mapFn:    mapFn,
		bounds:   [2]uint64{0, n},
		label:    label,
	}
	cm.holders[id] = h
	cm.mu.Unlock()

	for i := uint64(0); i < n; i++ {
		home := mapFn(i, cm.smap.N)
		if home != cm.self {
			continue
		}
		h.mu.Lock()
		h.elements[i] = newElem(i)
		h.mu.Unlock()

		key := cm.keyFor(id, i, home)
		cm.mu.Lock()
		cm.objToColl[key] = id
		cm.mu.Unlock()
		cm.loc.Register(key)
	}
	return &Proxy{ID: id, Label: label}
}

func (cm *Manager) holderFor(id uint64) *holder {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.holders[id]
}

// Resident lists every element of p currently held on this node, as full
// ObjIDs (home resolved from map_fn, which never changes; curr_node is
// this node, since these elements are resident here right now). Used by
// the LB framework to build each phase's Snapshot.
func (cm *Manager) Resident(p *Proxy) []core.ObjID {
	h := cm.holderFor(p.ID)
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]core.ObjID, 0, len(h.elements))
	for index := range h.elements {
		home := h.mapFn(index, cm.smap.N)
		obj := cm.objFor(home, p.ID, index)
		obj.CurrNode = cm.self
		out = append(out, obj)
	}
	return out
}

// ProxyOf returns the proxy owning obj, if any collection on this node
// claims it - used to resolve a migration.Pipeline's ProxyLookup.
func (cm *Manager) ProxyOf(obj core.ObjID) *Proxy {
	cm.mu.Lock()
	collID, ok := cm.objToColl[obj.Key()]
	cm.mu.Unlock()
	if !ok {
		return nil
	}
	h := cm.holderFor(collID)
	if h == nil {
		return nil
	}
	h.mu.RLock()
	label := h.label
	h.mu.RUnlock()
	return &Proxy{ID: collID, Label: label}
}

// EnableDynamicMembers sets has_dynamic_members on p, which InsertAt (and so
// Insert) asserts before creating an element. Destroy does not check it.
func (cm *Manager) EnableDynamicMembers(p *Proxy) {
	if h := cm.holderFor(p.ID); h != nil {
		h.mu.Lock()
		h.hasDynamicMembers = true
		h.mu.Unlock()
	}
}

// Insert creates index on whatever node p's map_fn assigns it to.
func (cm *Manager) Insert(p *Proxy, index uint64, newElem NewElemFunc) (core.ObjID, error) {
	h := cm.holderFor(p.ID)
	if h == nil {
		return core.ObjID{}, cos.NewErrNotFound("collection %d", p.ID)
	}
	node := h.mapFn(index, cm.smap.N)
	return cm.InsertAt(p, index, node, newElem)
}

// InsertAt creates index on node, bypassing map_fn.
func (cm *Manager) InsertAt(p *Proxy, index uint64, node cluster.NodeID, newElem NewElemFunc) (core.ObjID, error) {
	h := cm.holderFor(p.ID)
	if h == nil {
		return core.ObjID{}, cos.NewErrNotFound("collection %d", p.ID)
	}
	h.mu.RLock()
	dyn := h.hasDynamicMembers
	h.mu.RUnlock()
	debug.Assert(dyn, "collection: Insert on a collection without dynamic members")

	obj := cm.objFor(node, p.ID, index)
	key := obj.Key()

	if node == cm.self {
		h.mu.Lock()
		h.elements[index] = newElem(index)
		h.mu.Unlock()
	} else {
		elem := newElem(index)
		if err := cm.m.SendMsg(context.Background(), node, cm.migrateH, core.NewEpoch(), migrateMsg{CollID: p.ID, Index: index, Home: node, Elem: elem}); err != nil {
			return core.ObjID{}, err
		}
	}

	cm.mu.Lock()
	cm.objToColl[key] = p.ID
	cm.mu.Unlock()
	cm.loc.Register(key)
	return obj, nil
}

// Destroy removes index from p locally and marks its home entry dead in the
// location manager.
func (cm *Manager) Destroy(p *Proxy, obj core.ObjID) {
	h := cm.holderFor(p.ID)
	if h == nil {
		return
	}
	h.mu.Lock()
	delete(h.elements, indexOf(obj, p.ID))
	h.mu.Unlock()

	cm.mu.Lock()
	delete(cm.objToColl, obj.Key())
	cm.mu.Unlock()

	if obj.HomeNode == cm.self {
		cm.loc.Update(context.Background(), obj.Key(), cluster.Dead)
	}
}

func indexOf(obj core.ObjID, collID uint64) uint64 { return obj.LocalID &^ (collID << 32) }

func (cm *Manager) resident(key core.Key) bool {
	cm.mu.Lock()
	collID, ok := cm.objToColl[key]
	cm.mu.Unlock()
	if !ok {
		return false
	}
	h := cm.holderFor(collID)
	if h == nil {
		return false
	}
	idx := indexOf(core.ObjID{LocalID: key.LocalID}, collID)
	h.mu.RLock()
	_, present := h.elements[idx]
	h.mu.RUnlock()
	return present
}

// deliverLocal is the location manager's Deliver callback: by the time it
// runs, resident(key) has already been confirmed true for whatever key
// Route resolved, so this only needs to hand the payload to the registered
// collection-member handler.
func (cm *Manager) deliverLocal(ctx context.Context, h core.HandlerID, ep core.Epoch, payload any) {
	cm.reg.Dispatch(core.NewEnvelope(core.MsgUser, cm.self, cm.self, h, ep), payload)
}

// Send routes a message to the element named obj through the location
// manager, honoring migration suspension (step 1 of the protocol): a
// migrating element's queue absorbs new sends instead of losing them.
func (cm *Manager) Send(ctx context.Context, obj core.ObjID, h core.HandlerID, ep core.Epoch, payload any) error {
	key := obj.Key()
	cm.suspendMu.Lock()
	if cm.suspended[key] {
		cm.queued[key] = append(cm.queued[key], queuedMsg{h: h, ep: ep, payload: payload})
		cm.suspendMu.Unlock()
		return nil
	}
	cm.suspendMu.Unlock()
	return cm.loc.Route(ctx, obj, h, ep, payload)
}

// MigrateTo runs the five-step migration protocol moving obj from this node
// to dst. It blocks until the destination has acked and the
// source has flushed its queue.
func (cm *Manager) MigrateTo(ctx context.Context, p *Proxy, obj core.ObjID, dst cluster.NodeID) error {
	key := obj.Key()
	h := cm.holderFor(p.ID)
	if h == nil {
		return cos.NewErrNotFound("collection %d", p.ID)
	}
	idx := indexOf(obj, p.ID)

	// step 1: suspend new deliveries, queuing them.
	cm.suspendMu.Lock()
	cm.suspended[key] = true
	cm.suspendMu.Unlock()

	h.mu.Lock()
	elem, ok := h.elements[idx]
	h.mu.Unlock()
	if !ok {
		cm.suspendMu.Lock()
		delete(cm.suspended, key)
		cm.suspendMu.Unlock()
		return cos.NewErrNotFound("element %s", obj)
	}

	tag := atomic.AddUint64(&cm.migTag, 1)
	ack := make(chan struct{})
	cm.migAcks.Store(tag, ack)

	// step 2: "serialize" (identity - in-process transport carries Go
	// values directly) and send.
	if err := cm.m.SendMsg(ctx, dst, cm.migrateH, core.NewEpoch(), migrateMsg{CollID: p.ID, Index: idx, Home: obj.HomeNode, Elem: elem, SrcTag: tag}); err != nil {
		cm.migAcks.Delete(tag)
		return err
	}

	// step 3 happens on dst (onMigrate) and replies migrate_done to us plus
	// location_update to home; wait here for our ack.
	select {
	case <-ack:
	case <-ctx.Done():
		cm.migAcks.Delete(tag)
		return ctx.Err()
	}

	// step 4: delete locally, flush queued sends to dst.
	h.mu.Lock()
	delete(h.elements, idx)
	h.mu.Unlock()

	cm.mu.Lock()
	delete(cm.objToColl, key)
	cm.mu.Unlock()

	cm.suspendMu.Lock()
	pending := cm.queued[key]
	delete(cm.queued, key)
	delete(cm.suspended, key)
	cm.suspendMu.Unlock()

	for _, qm := range pending {
		if err := cm.m.SendMsg(ctx, dst, qm.h, qm.ep, qm.payload); err != nil {
			nlog.Errorf("collection: flush to %s for %s: %v", dst, key, err)
		}
	}

	// step 5: home update. When this node is home it writes the table
	// itself; otherwise dst's onMigrate sends the location update, which
	// location.Manager.Update always delivers to the home node.
	if obj.HomeNode == cm.self {
		cm.loc.Update(ctx, key, dst)
	}
	return nil
}

// onMigrate runs on the destination (step 3): deserialize (identity),
// insert, ack source, and tell home.
func (cm *Manager) onMigrate(env core.Envelope, payload any) {
	mm, _ := payload.(migrateMsg)
	h := cm.holderFor(mm.CollID)
	debug.Assert(h != nil, "collection: migrate into unknown collection", mm.CollID)

	h.mu.Lock()
	h.elements[mm.Index] = mm.Elem
	h.mu.Unlock()

	home := mm.Home
	key := cm.keyFor(mm.CollID, mm.Index, home)
	cm.mu.Lock()
	cm.objToColl[key] = mm.CollID
	cm.mu.Unlock()
	cm.loc.Register(key)

	ctx := context.Background()
	if mm.SrcTag != 0 {
		if err := cm.m.SendMsg(ctx, env.Origin, cm.migrateDoneH, env.Epoch, migrateDoneMsg{CollID: mm.CollID, Index: mm.Index, Tag: mm.SrcTag}); err != nil {
			nlog.Errorf("collection: migrate_done reply to %s: %v", env.Origin, err)
		}
	}
	if home != cm.self {
		cm.loc.Update(ctx, key, cm.self)
	}
}

func (cm *Manager) onMigrateDone(_ core.Envelope, payload any) {
	dm, _ := payload.(migrateDoneMsg)
	if ch, ok := cm.migAcks.LoadAndDelete(dm.Tag); ok {
		close(ch.(chan struct{}))
	}
}
