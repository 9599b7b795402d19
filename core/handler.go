// Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
package core

import (
	"fmt"
	"sync"

	"github.com/nodegrid/dispatch/cmn/cos"
	"github.com/nodegrid/dispatch/cmn/debug"
)

// HandlerID names a registered function; it rides the envelope and must be
// globally consistent - all nodes register the same (type, name) tuples, in
// the same order, so that a handler id is portable across the wire.
type HandlerID uint32

type HandlerCategory int

const (
	CatPlain HandlerCategory = iota
	CatCollectionMember
	CatFunctor
	CatRDMAGet
	CatRDMAPut
)

// Fn is the type-erased invoker every registered handler reduces to: given
// the envelope and the deserialized payload, it runs the user function.
// Per-type fan-out happens inside the closure the caller supplies to
// Register, a tagged-variant descriptor standing in for compile-time
// template dispatch.
type Fn func(env Envelope, payload any)

type handlerDesc struct {
	name string
	fn   Fn
	cat  HandlerCategory
}

// Registry is the process-wide handler table. It is frozen after Freeze is
// called (normally once, at node boot, after every translation unit's
// static-initializer-equivalent has run). Reads are not lock-free: Dispatch,
// Category, Name and Names take the registry mutex before and after Freeze.
type Registry struct {
	mu     sync.Mutex
	byName map[string]HandlerID
	descs  []handlerDesc
	frozen bool
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]HandlerID)}
}

// Register is idempotent per (name): registering the same name twice
// returns the same id. Must be called before Freeze.
func (r *Registry) Register(name string, cat HandlerCategory, fn Fn) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic("core: Register after Freeze: " + name)
	}
	if id, ok := r.byName[name]; ok {
		return id
	}
	id := HandlerID(len(r.descs))
	r.descs = append(r.descs, handlerDesc{name: name, fn: fn, cat: cat})
	r.byName[name] = id
	return id
}

// Freeze locks the registry against further registration. Call it after
// every node has registered its handlers, optionally after Handshake has
// confirmed agreement.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Dispatch invokes the handler named by env.HandlerID. Failure to resolve a
// handler id is a fatal protocol violation.
func (r *Registry) Dispatch(env Envelope, payload any) {
	r.mu.Lock()
	frozen := r.frozen
	idx := int(env.HandlerID)
	valid := idx >= 0 && idx < len(r.descs)
	var d handlerDesc
	if valid {
		d = r.descs[idx]
	}
	r.mu.Unlock()

	if !valid {
		cos.ExitLogf("core: unregistered handler id %d (frozen=%v)", env.HandlerID, frozen)
		return
	}
	debug.Assert(d.fn != nil, "nil handler fn for", d.name)
	d.fn(env, payload)
}

func (r *Registry) Category(id HandlerID) HandlerCategory {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) < len(r.descs) {
		return r.descs[id].cat
	}
	return CatPlain
}

func (r *Registry) Name(id HandlerID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) < len(r.descs) {
		return r.descs[id].name
	}
	return fmt.Sprintf("handler(%d)", id)
}

// Names returns every registered name in id order; used by the boot
// handshake to confirm all nodes agree on the table.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.descs))
	for i, d := range r.descs {
		out[i] = d.name
	}
	return out
}

// Handshake asserts every node's table agrees, a startup-time check standing
// in for a compile-time template-registration guarantee. peers[i] is the
// Names() slice reported by node i.
func Handshake(peers [][]string) error {
	if len(peers) == 0 {
		return nil
	}
	ref := peers[0]
	for i := 1; i < len(peers); i++ {
		cand := peers[i]
		if len(cand) != len(ref) {
			return fmt.Errorf("core: handler table mismatch: node 0 has %d handlers, node %d has %d", len(ref), i, len(cand))
		}
		for j := range ref {
			if ref[j] != cand[j] {
				return fmt.Errorf("core: handler table mismatch: node 0 has %q, node %d has %q", ref[j], i, cand[j])
			}
		}
	}
	return nil
}
