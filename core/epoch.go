// Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
package core

import (
	"sync/atomic"

	"github.com/nodegrid/dispatch/cluster"
)

type EpochCategory int

const (
	CatNone EpochCategory = iota
	CatUser
	CatSystem
)

// Epoch is the 64-bit opaque token that scopes work for termination
// detection. Ordering is by Seq, which a node-local counter stamps
// monotonically at creation.
type Epoch struct {
	Seq      uint64
	Rooted   bool
	RootNode cluster.NodeID
	Category EpochCategory
}

func (e Epoch) IsZero() bool { return e.Seq == 0 }

// Less orders epochs by creation sequence.
func (e Epoch) Less(o Epoch) bool { return e.Seq < o.Seq }

// epochSeq is the process-wide monotone counter minting new epoch tokens;
// every node mints its own epochs from its own counter, so Seq is unique
// only together with the minting node - callers that need a cluster-wide
// unique key combine it with the root node id.
var epochSeq uint64

// NewEpoch mints a fresh, unrooted, user-category epoch.
func NewEpoch() Epoch {
	return Epoch{Seq: atomic.AddUint64(&epochSeq, 1), Category: CatUser}
}

// NewRootedEpoch mints an epoch rooted at root. term.Detector runs the same
// wave protocol for rooted and unrooted epochs; Rooted and RootNode are only
// carried on the token.
func NewRootedEpoch(root cluster.NodeID, cat EpochCategory) Epoch {
	return Epoch{Seq: atomic.AddUint64(&epochSeq, 1), Rooted: true, RootNode: root, Category: cat}
}
