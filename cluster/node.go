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

// Package cluster holds the client's view of the Alternator cluster: the
// immutable node-set snapshots published by discovery and the round-robin
// node selector consulted on every outgoing request.
package cluster

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Node is one addressable member of the cluster. Datacenter and Rack may be
// empty when the cluster does not expose topology metadata. Nodes are values;
// they are created by discovery and never mutated on the request path.
type Node struct {
	Host       string
	Port       int
	Scheme     string
	Datacenter string
	Rack       string
}

// Addr returns the host:port address of the node.
func (n Node) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// URL returns the base URL of the node's Alternator endpoint.
func (n Node) URL() *url.URL {
	return &url.URL{Scheme: n.Scheme, Host: n.Addr()}
}

func (n Node) String() string {
	if n.Datacenter == "" {
		return n.Addr()
	}
	return fmt.Sprintf("%s (dc=%s, rack=%s)", n.Addr(), n.Datacenter, n.Rack)
}
