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
	"errors"
	"fmt"
)

// ErrNoAvailableNode is returned by Selector.Pick when the current snapshot
// holds no nodes at all. It is retryable: the next successful refresh may
// repopulate the set.
var ErrNoAvailableNode = errors.New("no available alternator node")

// ConfigurationError reports a datacenter/rack policy that matches no node
// of the cluster. It is operator-facing and not retryable without
// reconfiguration.
type ConfigurationError struct {
	Scope string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("no node matches the configured scope %s; check the datacenter and rack settings", e.Scope)
}
