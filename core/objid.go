// Package core provides the collection-element identity, the envelope that
// rides every active message, and the process-wide handler registry.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package core

import (
	"fmt"

	"github.com/nodegrid/dispatch/cluster"
)

// ObjID is the globally unique identity of one collection element. HomeNode
// and LocalID never change after construction; CurrNode is mutable on
// migration and is authoritative only when read on HomeNode - elsewhere it
// is a location-manager cache entry.
type ObjID struct {
	HomeNode cluster.NodeID
	LocalID  uint64
	CurrNode cluster.NodeID
}

func NewObjID(home cluster.NodeID, local uint64) ObjID {
	return ObjID{HomeNode: home, LocalID: local, CurrNode: home}
}

func (o ObjID) String() string {
	return fmt.Sprintf("obj[%d.%d@%d]", o.HomeNode, o.LocalID, o.CurrNode)
}

// Key is the immutable part of an ObjID - (HomeNode, LocalID) - used as the
// map/cache key in the location manager's home table and local cache.
// ObjID itself is unsuitable as a key because its CurrNode field changes
// across migrations.
type Key struct {
	HomeNode cluster.NodeID
	LocalID  uint64
}

func (o ObjID) Key() Key { return Key{HomeNode: o.HomeNode, LocalID: o.LocalID} }

func (k Key) String() string { return fmt.Sprintf("obj[%d.%d]", k.HomeNode, k.LocalID) }

// Less gives ObjID a stable total order, used wherever a strategy needs
// deterministic iteration over an unordered container of elements.
func (o ObjID) Less(other ObjID) bool {
	if o.HomeNode != other.HomeNode {
		return o.HomeNode < other.HomeNode
	}
	return o.LocalID < other.LocalID
}
