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

	"github.com/scylladb/alternator-client-golang/rt"
)

// Selector picks the node for the next outgoing request. It walks the scope
// fallback chain until some scope matches at least one node, then rotates
// round-robin inside those candidates. The rotation cursor is the only
// mutable state and is advanced atomically, so concurrent requests never
// collapse onto one node through a lost update.
type Selector struct {
	scope  rt.Scope
	cursor atomic.Uint64
}

// NewSelector returns a selector honoring the given scope chain. A nil scope
// means no affinity: the whole cluster.
func NewSelector(scope rt.Scope) *Selector {
	if scope == nil {
		scope = rt.NewClusterScope()
	}
	return &Selector{scope: scope}
}

// Scope returns the primary scope the selector was built with.
func (s *Selector) Scope() rt.Scope { return s.scope }

// Pick returns the node to use for one request. Affinity degrades gracefully:
// a scope with no matching nodes falls back to the next broader scope, so an
// affinity miss never makes the client unable to send. Only a fully empty
// snapshot fails, with ErrNoAvailableNode.
func (s *Selector) Pick(ns *NodeSet) (Node, error) {
	if ns == nil || ns.Len() == 0 {
		return Node{}, ErrNoAvailableNode
	}
	for scope := s.scope; scope != nil; scope = scope.Fallback() {
		candidates := ns.Matching(scope)
		if len(candidates) == 0 {
			continue
		}
		idx := (s.cursor.Add(1) - 1) % uint64(len(candidates))
		return candidates[idx], nil
	}
	// The terminal cluster scope matches everything, so a non-empty
	// snapshot cannot reach this point.
	return Node{}, ErrNoAvailableNode
}

// CheckConfiguredScope verifies that the configured datacenter/rack matches
// at least one node of the snapshot. It is a one-shot validation for
// operators, not part of the request path: Pick keeps serving through its
// fallback chain even when this returns an error.
func (s *Selector) CheckConfiguredScope(ns *NodeSet) error {
	if _, ok := s.scope.(*rt.ClusterScope); ok {
		return nil
	}
	if ns == nil || ns.Len() == 0 {
		return ErrNoAvailableNode
	}
	if len(ns.Matching(s.scope)) == 0 {
		return &ConfigurationError{Scope: s.scope.String()}
	}
	return nil
}
