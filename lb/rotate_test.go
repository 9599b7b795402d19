/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package lb_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodegrid/dispatch/cluster"
	"github.com/nodegrid/dispatch/core"
	"github.com/nodegrid/dispatch/lb"
)

func TestRotateLBSendsEveryLocalElementToNextNode(t *testing.T) {
	smap := cluster.NewSmap(3)
	snap := lb.Snapshot{
		Self: 1,
		Local: []lb.ObjLoad{
			{Obj: core.ObjID{HomeNode: 1, LocalID: 1, CurrNode: 1}, Load: time.Millisecond},
			{Obj: core.ObjID{HomeNode: 1, LocalID: 2, CurrNode: 1}, Load: time.Millisecond},
		},
	}
	deps := lb.Deps{Self: 1, Smap: smap}

	var r lb.RotateLB
	require.NoError(t, r.InputParams(nil))
	transfers, err := r.RunLB(context.Background(), snap, deps)
	require.NoError(t, err)

	require.Len(t, transfers, 2)
	for _, tr := range transfers {
		assert.Equal(t, cluster.NodeID(2), tr.Dst)
	}
}

func TestRotateLBName(t *testing.T) {
	var r lb.RotateLB
	assert.Equal(t, "RotateLB", r.Name())
}
