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

// Package rt defines routing scopes: the locality targets requests should be
// directed to. A scope is one link of an ordered fallback chain, e.g.
// Rack -> Datacenter -> Cluster, letting node selection relax locality
// constraints when no node matches the narrower scope.
package rt

import "fmt"

// Scope describes one routing locality target and how to fall back when it
// matches no nodes. Implementations are immutable and safe to share across
// goroutines.
type Scope interface {
	// Name returns a short scope name, e.g. "rack" or "datacenter".
	Name() string

	// String returns the scope including its parameters.
	String() string

	// Fallback returns the next, broader scope to try when this one yields
	// no nodes, or nil when there is nothing broader left.
	Fallback() Scope

	// Matches reports whether a node in the given datacenter and rack is
	// local to this scope.
	Matches(datacenter, rack string) bool

	// LocalNodesQuery returns the query fragment selecting this scope's
	// nodes on the cluster's administrative endpoint, e.g.
	// "dc=dc1&rack=r1", "dc=dc1" or "" for the whole cluster.
	LocalNodesQuery() string
}

// ForPolicy builds the fallback chain for an optional datacenter/rack
// policy: rack and datacenter set gives Rack -> Datacenter -> Cluster,
// datacenter alone gives Datacenter -> Cluster, neither gives Cluster.
func ForPolicy(datacenter, rack string) Scope {
	if datacenter == "" {
		return NewClusterScope()
	}
	dc := NewDCScope(datacenter, NewClusterScope())
	if rack == "" {
		return dc
	}
	return NewRackScope(datacenter, rack, dc)
}

// RackScope targets a single rack within a datacenter.
type RackScope struct {
	datacenter string
	rack       string
	fallback   Scope
}

// NewRackScope returns a scope for the given rack. The fallback is consulted
// when no node matches the rack.
func NewRackScope(datacenter, rack string, fallback Scope) *RackScope {
	return &RackScope{datacenter: datacenter, rack: rack, fallback: fallback}
}

func (s *RackScope) Name() string { return "rack" }

func (s *RackScope) String() string {
	return fmt.Sprintf("%s(dc=%s, rack=%s)", s.Name(), s.datacenter, s.rack)
}

func (s *RackScope) Fallback() Scope { return s.fallback }

func (s *RackScope) Matches(datacenter, rack string) bool {
	return datacenter == s.datacenter && rack == s.rack
}

func (s *RackScope) LocalNodesQuery() string {
	return fmt.Sprintf("dc=%s&rack=%s", s.datacenter, s.rack)
}

// DCScope targets every node of one datacenter. It is the usual fallback of
// a RackScope, or the primary scope when rack locality is not required.
type DCScope struct {
	datacenter string
	fallback   Scope
}

// NewDCScope returns a scope for the given datacenter. The fallback is
// consulted when no node matches the datacenter.
func NewDCScope(datacenter string, fallback Scope) *DCScope {
	return &DCScope{datacenter: datacenter, fallback: fallback}
}

func (s *DCScope) Name() string { return "datacenter" }

func (s *DCScope) String() string {
	return fmt.Sprintf("%s(dc=%s)", s.Name(), s.datacenter)
}

func (s *DCScope) Fallback() Scope { return s.fallback }

func (s *DCScope) Matches(datacenter, _ string) bool {
	return datacenter == s.datacenter
}

func (s *DCScope) LocalNodesQuery() string {
	return "dc=" + s.datacenter
}

// ClusterScope targets the whole cluster and is the terminal fallback.
type ClusterScope struct{}

// NewClusterScope returns the scope matching every node.
func NewClusterScope() *ClusterScope { return &ClusterScope{} }

func (*ClusterScope) Name() string { return "cluster" }

func (*ClusterScope) String() string { return "cluster()" }

func (*ClusterScope) Fallback() Scope { return nil }

func (*ClusterScope) Matches(_, _ string) bool { return true }

func (*ClusterScope) LocalNodesQuery() string { return "" }

var (
	_ Scope = &RackScope{}
	_ Scope = &DCScope{}
	_ Scope = &ClusterScope{}
)
