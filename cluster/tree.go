// Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
package cluster

// Children returns node's children in the fixed, fanout-k spanning tree
// rooted at node 0 that the messenger's broadcast and the termination
// detector's wave aggregation both walk.
func Children(node NodeID, fanout int, n NodeID) []NodeID {
	k := NodeID(fanout)
	first := node*k + 1
	var out []NodeID
	for c := first; c < first+k && c < n; c++ {
		out = append(out, c)
	}
	return out
}

// Parent returns node's parent in the same tree; ok is false for the root.
func Parent(node NodeID, fanout int) (id NodeID, ok bool) {
	if node == 0 {
		return 0, false
	}
	return (node - 1) / NodeID(fanout), true
}
