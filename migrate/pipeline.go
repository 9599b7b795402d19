// Package migrate drives the migration pipeline: it takes a Reassignment
// from the LB framework, enacts every departure through the collection
// manager, waits for their acks, and on the root waits for the LB epoch to
// quiesce before signaling phase_done.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package migrate

import (
	"context"
	"sync"

	"github.com/nodegrid/dispatch/cluster"
	"github.com/nodegrid/dispatch/cmn/cos"
	"github.com/nodegrid/dispatch/cmn/nlog"
	"github.com/nodegrid/dispatch/collection"
	"github.com/nodegrid/dispatch/core"
	"github.com/nodegrid/dispatch/lb"
	"github.com/nodegrid/dispatch/term"
)

// ProxyLookup resolves which collection.Proxy owns a departing element;
// the Reassignment only carries ObjIDs, so the caller supplies this (it
// already knows the mapping from whatever built the Snapshot).
type ProxyLookup func(obj core.ObjID) *collection.Proxy

// Pipeline enacts one phase's Reassignment and reports completion. Only the
// root's Pipeline actually calls Detect - term.Detector.Detect must run on
// node 0 - every other node enacts its own departures and returns once each
// of them has been acked.
type Pipeline struct {
	self cluster.NodeID
	cm   *collection.Manager
	det  *term.Detector
	find ProxyLookup
}

func New(self cluster.NodeID, cm *collection.Manager, det *term.Detector, find ProxyLookup) *Pipeline {
	return &Pipeline{self: self, cm: cm, det: det, find: find}
}

// Run enacts every departure in ra concurrently and waits until each
// MigrateTo has been acked by its destination. On the root, it then also
// waits for ep to quiesce. Detect(ep) covers only messages sent in ep (the
// LB framework's transfer forwards): migration messages, their acks and
// location updates travel in other epochs and are not part of that wait.
// phase is passed through only for logging.
func (p *Pipeline) Run(ctx context.Context, ep core.Epoch, phase uint64, ra lb.Reassignment) error {
	if len(ra.Departures) == 0 {
		if p.self == 0 {
			return p.det.Detect(ctx, ep)
		}
		return nil
	}

	var wg sync.WaitGroup
	var errs cos.Errs
	for _, t := range ra.Departures {
		proxy := p.find(t.Obj)
		if proxy == nil {
			nlog.Errorf("migrate: phase %d: no proxy for %s, skipping", phase, t.Obj)
			continue
		}
		wg.Add(1)
		go func(t lb.Transfer, proxy *collection.Proxy) {
			defer wg.Done()
			if err := p.cm.MigrateTo(ctx, proxy, t.Obj, t.Dst); err != nil {
				errs.Add(err)
			}
		}(t, proxy)
	}
	wg.Wait()
	if errs.Cnt() > 0 {
		_, err := errs.JoinErr()
		return err
	}

	if p.self == 0 {
		return p.det.Detect(ctx, ep)
	}
	return nil
}
