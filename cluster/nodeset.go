// Copyright The ScyllaDB Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cluster

import (
	"sync/atomic"
	"time"

	"github.com/scylladb/alternator-client-golang/rt"
)

// NodeSet is one immutable snapshot of the known live nodes. A refresh never
// mutates a published NodeSet; it builds a new one and swaps it in, so
// readers are safe without locks.
type NodeSet struct {
	nodes       []Node
	generation  uint64
	refreshedAt time.Time
}

// Nodes returns the nodes of the snapshot. Callers must not modify the
// returned slice.
func (s *NodeSet) Nodes() []Node { return s.nodes }

// Len returns the number of nodes in the snapshot.
func (s *NodeSet) Len() int { return len(s.nodes) }

// Generation returns the monotonically increasing snapshot counter.
func (s *NodeSet) Generation() uint64 { return s.generation }

// RefreshedAt returns the time of the refresh that produced the snapshot.
func (s *NodeSet) RefreshedAt() time.Time { return s.refreshedAt }

// Matching returns the nodes local to the given scope, preserving order.
// An empty result means no match, not an error.
func (s *NodeSet) Matching(scope rt.Scope) []Node {
	if _, ok := scope.(*rt.ClusterScope); ok {
		return s.nodes
	}
	var out []Node
	for _, n := range s.nodes {
		if scope.Matches(n.Datacenter, n.Rack) {
			out = append(out, n)
		}
	}
	return out
}

// Tracker publishes NodeSet snapshots. Discovery is the single writer; any
// number of request-path readers call Snapshot concurrently.
type Tracker struct {
	current atomic.Pointer[NodeSet]
}

// NewTracker returns a tracker seeded with an empty generation-zero snapshot
// so Snapshot never returns nil.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.current.Store(&NodeSet{refreshedAt: time.Now()})
	return t
}

// Snapshot returns the currently published NodeSet. Wait-free.
func (t *Tracker) Snapshot() *NodeSet {
	return t.current.Load()
}

// Publish atomically replaces the published snapshot with a new one holding
// the given nodes and an incremented generation. Readers observe either the
// previous snapshot or the new one, never a partially built set.
func (t *Tracker) Publish(nodes []Node) *NodeSet {
	prev := t.current.Load()
	next := &NodeSet{
		nodes:       append([]Node(nil), nodes...),
		generation:  prev.generation + 1,
		refreshedAt: time.Now(),
	}
	t.current.Store(next)
	return next
}
