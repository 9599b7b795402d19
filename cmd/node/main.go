// Package main is the dispatch node binary: it boots an in-process cluster
// mesh, constructs a demo collection, and drives a handful of LB phases
// under whatever strategy the LB config selects for each phase.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nodegrid/dispatch/cluster"
	"github.com/nodegrid/dispatch/cmn/cos"
	"github.com/nodegrid/dispatch/cmn/nlog"
	"github.com/nodegrid/dispatch/collection"
	"github.com/nodegrid/dispatch/core"
	"github.com/nodegrid/dispatch/lb"
	"github.com/nodegrid/dispatch/lbconfig"
	"github.com/nodegrid/dispatch/migrate"
	"github.com/nodegrid/dispatch/runtime"
	"github.com/nodegrid/dispatch/transport"
)

var v = viper.New()

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a dispatch cluster in one process",
		Long: `node boots N simulated ranks over an in-process loopback mesh,
constructs a demo collection, and runs a fixed number of phases, selecting
an LB strategy each phase from an LB config file (or a fallback interval).`,
		RunE: runDemo,
	}
	flags := cmd.Flags()
	flags.Int("nodes", 4, "number of simulated ranks")
	flags.Int("elements", 16, "number of collection elements")
	flags.Int("phases", 8, "number of phases to run")
	flags.String("lb_file_name", "", "path to LB config file")
	flags.Uint64("lb_interval", 0, "fallback modulus when no LB config file is given")
	flags.String("lb_fallback_name", "RotateLB", "LB_NAME to run on lb_interval when no directive matches")
	flags.Bool("lb_quiet", false, "suppress the per-phase banner")
	flags.Bool("lb_self_migration", false, "allow a transfer that keeps the element on the same node")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("dispatch")
	v.AutomaticEnv()
	return cmd
}

func runDemo(cmd *cobra.Command, _ []string) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	n := v.GetInt("nodes")
	numElems := v.GetInt("elements")
	phases := v.GetInt("phases")
	quiet := v.GetBool("lb_quiet")

	var cfg *lbconfig.Config
	if path := v.GetString("lb_file_name"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open lb config: %w", err)
		}
		defer f.Close()
		cfg, err = lbconfig.Parse(f)
		if err != nil {
			return fmt.Errorf("parse lb config: %w", err)
		}
	} else {
		cfg = lbconfig.NewFallback(v.GetUint64("lb_interval"), v.GetString("lb_fallback_name"))
	}

	smap := cluster.NewSmap(n)
	mesh := transport.NewMesh(n)
	selfMigration := v.GetBool("lb_self_migration")

	nodes := make([]*runtime.Node, n)
	for i := range nodes {
		nodes[i] = runtime.Build(cluster.NodeID(i), smap, mesh.Node(cluster.NodeID(i)), runtime.Options{SelfMigration: selfMigration})
	}

	peers := make([][]string, n)
	for i, nd := range nodes {
		peers[i] = nd.Reg.Names()
	}
	if err := core.Handshake(peers); err != nil {
		cos.ExitLogf("node: handler table handshake failed: %v", err)
	}

	var wg sync.WaitGroup
	for _, nd := range nodes {
		wg.Add(1)
		go func(nd *runtime.Node) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if !nd.M.Progress(ctx) {
					time.Sleep(time.Millisecond)
				}
			}
		}(nd)
	}

	proxies := make([]*collection.Proxy, n)
	mapFn := func(index uint64, total cluster.NodeID) cluster.NodeID { return cluster.NodeID(index % uint64(total)) }
	for i, nd := range nodes {
		proxies[i] = nd.Coll.Construct(uint64(numElems), mapFn, func(uint64) collection.Element { return 0 }, "demo")
	}

	for phase := uint64(0); phase < uint64(phases); phase++ {
		d, ok := cfg.Resolve(phase)
		if !ok {
			continue
		}
		if !quiet {
			nlog.Infof("phase %d: running %s %v", phase, d.LBName, d.Params)
		}

		ep := core.NewRootedEpoch(0, core.CatSystem)
		var ewg sync.WaitGroup
		for i, nd := range nodes {
			strategy, ok := nd.Strategies[d.LBName]
			if !ok {
				cos.ExitLogf("node: unknown LB_NAME %q", d.LBName)
			}
			snap := buildSnapshot(nd, proxies[i])
			ewg.Add(1)
			go func(nd *runtime.Node, proxy *collection.Proxy) {
				defer ewg.Done()
				ra, err := nd.LB.Run(ctx, ep, phase, strategy, d.Params, snap)
				if err != nil {
					nlog.Errorf("node %s: lb phase %d: %v", nd.Self, phase, err)
					return
				}
				pipe := migrate.New(nd.Self, nd.Coll, nd.Term, nd.Coll.ProxyOf)
				if err := pipe.Run(ctx, ep, phase, ra); err != nil {
					nlog.Errorf("node %s: migrate phase %d: %v", nd.Self, phase, err)
				}
			}(nd, proxies[i])
		}
		ewg.Wait()
	}

	time.Sleep(10 * time.Millisecond) // let in-flight messages drain before stopping the progress loops
	cancel()
	wg.Wait()
	return nil
}

// buildSnapshot gives the LB framework a per-element load: the demo never
// runs real user handlers, so a worker records a synthetic span per
// resident element and feeds it through the same Merge/ClosePhase path a
// real handler dispatch would use, rather than fabricating
// Snapshot.Local directly.
func buildSnapshot(nd *runtime.Node, p *collection.Proxy) lb.Snapshot {
	residents := nd.Coll.Resident(p)
	w := nd.Stats.NewWorker()
	for _, obj := range residents {
		w.RecordLoad(obj.Key(), time.Millisecond*time.Duration(1+obj.LocalID%10))
	}
	nd.Stats.Merge(w)

	loads := nd.Stats.PerElementLoad()
	snap := lb.Snapshot{Local: make([]lb.ObjLoad, 0, len(residents))}
	for _, obj := range residents {
		load := loads[obj.Key()]
		snap.Local = append(snap.Local, lb.ObjLoad{Obj: obj, Load: load})
		snap.TotalLoad += load
	}
	nd.Stats.ClosePhase()
	return snap
}
