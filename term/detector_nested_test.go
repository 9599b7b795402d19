/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package term_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nodegrid/dispatch/cluster"
	"github.com/nodegrid/dispatch/core"
	"github.com/nodegrid/dispatch/msgr"
	"github.com/nodegrid/dispatch/term"
	"github.com/nodegrid/dispatch/transport"
)

// TestDetectWaitsForNestedChildBeforeTerminating exercises the nested-epoch
// path: a parent epoch must not be reported terminated while it still has
// an open child, even once the parent's own produced/consumed counts have
// already balanced.
func TestDetectWaitsForNestedChildBeforeTerminating(t *testing.T) {
	smap := cluster.NewSmap(1)
	mesh := transport.NewMesh(1)
	reg := core.NewRegistry()
	m := msgr.New(0, smap, mesh.Node(0), reg)
	d := term.New(0, smap, m, reg)

	parent := core.NewEpoch()
	child := core.NewEpoch()
	d.OpenChild(parent, child)

	// The parent's own work is already balanced; only the open child holds
	// it back from terminating.
	d.ProduceUser(parent, 1)
	d.ConsumeUser(parent, 1)

	result := make(chan error, 1)
	go func() { result <- d.Detect(context.Background(), parent) }()

	select {
	case err := <-result:
		t.Fatalf("Detect returned (err=%v) before its nested child closed", err)
	case <-time.After(30 * time.Millisecond):
	}

	d.CloseEpoch(child, &parent)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Detect did not terminate after its only child closed")
	}
}

// TestDetectSuccessorIsHeldOpenByItsPredecessor checks DeclareSuccessor's
// contract directly: a successor epoch carries one outstanding unit from
// its predecessor until the predecessor closes, even if the successor's own
// work already balanced.
func TestDetectSuccessorIsHeldOpenByItsPredecessor(t *testing.T) {
	smap := cluster.NewSmap(1)
	mesh := transport.NewMesh(1)
	reg := core.NewRegistry()
	m := msgr.New(0, smap, mesh.Node(0), reg)
	d := term.New(0, smap, m, reg)

	predecessor := core.NewEpoch()
	successor := core.NewEpoch()
	d.DeclareSuccessor(predecessor, successor)

	result := make(chan error, 1)
	go func() { result <- d.Detect(context.Background(), successor) }()

	select {
	case err := <-result:
		t.Fatalf("Detect returned (err=%v) before its predecessor closed", err)
	case <-time.After(30 * time.Millisecond):
	}

	d.CloseEpoch(predecessor, nil)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Detect did not terminate after its predecessor closed")
	}
}
