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

// Package lb is the public surface of the Alternator load balancer. A
// LoadBalancer owns the discovery refresher, the node selector and the
// pooled transport, and hands out AWS SDK clients whose endpoint is
// re-resolved to a live cluster node on every request attempt.
package lb

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/promslog"

	"github.com/scylladb/alternator-client-golang/cluster"
	"github.com/scylladb/alternator-client-golang/config"
	"github.com/scylladb/alternator-client-golang/discovery"
	"github.com/scylladb/alternator-client-golang/rt"
)

// Option customizes a LoadBalancer.
type Option func(*LoadBalancer)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(b *LoadBalancer) { b.logger = l }
}

// WithRegisterer sets the Prometheus registerer for the balancer's metrics.
// The default registers nothing.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(b *LoadBalancer) { b.registerer = reg }
}

// LoadBalancer spreads requests across the live nodes of one Alternator
// cluster. It is safe for concurrent use; create one per cluster and share
// it between all clients built from it.
type LoadBalancer struct {
	cfg        *config.Config
	logger     *slog.Logger
	registerer prometheus.Registerer

	tracker   *cluster.Tracker
	selector  *cluster.Selector
	refresher *discovery.Refresher

	transport  *http.Transport
	httpClient *http.Client

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the balancer, performs the initial synchronous discovery so the
// first request already has nodes to go to, and starts the background
// membership refresh. ctx bounds only the initial discovery; the background
// task lives until Close.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*LoadBalancer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &LoadBalancer{
		cfg:     cfg,
		tracker: cluster.NewTracker(),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if b.logger == nil {
		b.logger = promslog.NewNopLogger()
	}

	b.selector = cluster.NewSelector(rt.ForPolicy(cfg.Datacenter, cfg.Rack))
	b.refresher = discovery.New(cfg, b.tracker, b.logger, b.registerer)

	// The request path gets its own pooled transport, configured once per
	// balancer. Discovery traffic uses the refresher's separate
	// single-connection pool.
	b.transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxPoolConnections * 4,
		MaxIdleConnsPerHost: cfg.MaxPoolConnections,
		IdleConnTimeout:     time.Duration(cfg.IdleTimeout),
		ForceAttemptHTTP2:   true,
	}
	b.httpClient = &http.Client{Transport: b.transport}

	if err := b.refresher.Discover(ctx); err != nil {
		// Failed attempts may have opened keep-alive connections.
		b.refresher.CloseIdleConnections()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go func() {
		defer close(b.done)
		b.refresher.Run(runCtx)
	}()

	b.logger.Info("alternator load balancer started",
		"nodes", len(b.tracker.Snapshot().Nodes()),
		"scope", b.selector.Scope().String())
	return b, nil
}

// Close stops the background refresher and waits for it to exit, then drops
// the idle pooled connections. Requests that already captured a node and
// connection are unaffected.
func (b *LoadBalancer) Close() {
	b.cancel()
	<-b.done
	b.transport.CloseIdleConnections()
	b.refresher.CloseIdleConnections()
}

// PickNode returns the node the next request should go to. Exposed for
// callers binding transports by hand; clients built by this package call it
// through the endpoint resolver.
func (b *LoadBalancer) PickNode() (cluster.Node, error) {
	return b.selector.Pick(b.tracker.Snapshot())
}

// KnownNodes returns the current membership snapshot's nodes.
func (b *LoadBalancer) KnownNodes() []cluster.Node {
	return b.tracker.Snapshot().Nodes()
}

// CheckConfiguredScope verifies the configured datacenter/rack against the
// current snapshot. A scope matching no node at all is an operator mistake;
// request routing would silently fall back to the whole cluster.
func (b *LoadBalancer) CheckConfiguredScope() error {
	return b.selector.CheckConfiguredScope(b.tracker.Snapshot())
}

// FeatureSupported reports whether the cluster exposes datacenter/rack
// metadata at all. The verdict is cached; see InvalidateCapabilities.
func (b *LoadBalancer) FeatureSupported(ctx context.Context) (bool, error) {
	return b.refresher.FeatureSupported(ctx)
}

// InvalidateCapabilities forces the next FeatureSupported call to probe the
// cluster again.
func (b *LoadBalancer) InvalidateCapabilities() {
	b.refresher.InvalidateCapabilities()
}
