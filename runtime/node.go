// Package runtime assembles one node's full stack - messenger, location
// manager, collection manager, termination detector, statistics, and LB
// framework - wired together the way cmd/node boots a cluster.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package runtime

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nodegrid/dispatch/cluster"
	"github.com/nodegrid/dispatch/collection"
	"github.com/nodegrid/dispatch/core"
	"github.com/nodegrid/dispatch/lb"
	"github.com/nodegrid/dispatch/location"
	"github.com/nodegrid/dispatch/msgr"
	"github.com/nodegrid/dispatch/stats"
	"github.com/nodegrid/dispatch/term"
	"github.com/nodegrid/dispatch/transport"
)

// Node bundles every subsystem that runs on one rank.
type Node struct {
	Self cluster.NodeID
	Smap *cluster.Smap
	Reg  *core.Registry
	M    *msgr.Messenger

	Loc   *location.Manager
	Coll  *collection.Manager
	Term  *term.Detector
	Stats *stats.Collector
	Red   *stats.Reducer
	LB    *lb.Framework

	Strategies map[string]lb.Strategy
}

// Options configures the strategies and Prometheus registry a Node builds.
type Options struct {
	SelfMigration   bool
	HierarchyFanout int
	PromRegisterer  prometheus.Registerer
}

// Build wires one node's subsystems against transport tr. Every node in the
// cluster must call Build with the same smap and register the same handler
// names, in the same order, so core.Handshake can confirm agreement after
// every node has booted.
func Build(self cluster.NodeID, smap *cluster.Smap, tr transport.Transport, opts Options) *Node {
	reg := core.NewRegistry()
	m := msgr.New(self, smap, tr, reg)

	loc := location.New(self, smap, m, reg)
	coll := collection.New(self, smap, m, reg, loc)
	det := term.New(self, smap, m, reg)
	m.SetTermHook(det)

	promReg := opts.PromRegisterer
	if promReg == nil {
		promReg = prometheus.NewRegistry()
	}
	collector := stats.NewCollector(promReg)
	reducer := stats.NewReducer(self, smap, m, reg)

	framework := lb.New(self, smap, m, reg, reducer, opts.SelfMigration)

	fanout := opts.HierarchyFanout
	if fanout <= 0 {
		fanout = 4
	}
	strategies := map[string]lb.Strategy{
		"NoLB":           noLB{},
		"RotateLB":       lb.RotateLB{},
		"GreedyLB":       lb.NewGreedyLB(reg),
		"HierarchicalLB": lb.NewHierarchicalLB(reg, fanout),
		"TemperedLB":     lb.NewTemperedLB(reg),
		"OfflineLB":      offlineLB{},
	}

	reg.Freeze()

	return &Node{
		Self: self, Smap: smap, Reg: reg, M: m,
		Loc: loc, Coll: coll, Term: det, Stats: collector, Red: reducer, LB: framework,
		Strategies: strategies,
	}
}

// noLB proposes no transfers; it is the directive named "NoLB" in the LB
// config format.
type noLB struct{}

func (noLB) Name() string                        { return "NoLB" }
func (noLB) InputParams(map[string]string) error { return nil }
func (noLB) RunLB(_ context.Context, _ lb.Snapshot, _ lb.Deps) ([]lb.Transfer, error) {
	return nil, nil
}

// offlineLB is named by the config format but its driving
// trace is produced by a separate offline analysis tool never retrieved
// into this runtime; it proposes no transfers rather than guess a format.
type offlineLB struct{}

func (offlineLB) Name() string                        { return "OfflineLB" }
func (offlineLB) InputParams(map[string]string) error { return nil }
func (offlineLB) RunLB(_ context.Context, _ lb.Snapshot, _ lb.Deps) ([]lb.Transfer, error) {
	return nil, nil
}
