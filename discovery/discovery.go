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

// Package discovery keeps the published node set current. A Refresher
// performs one synchronous bootstrap discovery with bounded backoff and then
// refreshes the membership on a fixed interval in the background, publishing
// each successful result as a new immutable snapshot. Refresh failures are
// logged and counted; the last-known-good snapshot keeps serving.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/promslog"

	"github.com/scylladb/alternator-client-golang/cluster"
	"github.com/scylladb/alternator-client-golang/config"
	"github.com/scylladb/alternator-client-golang/rt"
)

const (
	userAgent      = "alternator-client-golang/1.0"
	localNodesPath = "/localnodes"
)

// CapabilityCheckError reports that the topology capability probe could not
// be completed. It is distinct from a completed probe reporting that the
// cluster has no topology support.
type CapabilityCheckError struct {
	Err error
}

func (e *CapabilityCheckError) Error() string {
	return fmt.Sprintf("topology capability probe failed: %v", e.Err)
}

func (e *CapabilityCheckError) Unwrap() error { return e.Err }

const (
	capabilityUnknown int32 = iota
	capabilitySupported
	capabilityUnsupported
)

// Refresher discovers the cluster membership and publishes it to a Tracker.
// It is the single writer of the tracker; concurrent readers only ever see
// fully formed snapshots.
type Refresher struct {
	logger  *slog.Logger
	metrics *refresherMetrics

	tracker *cluster.Tracker
	client  *http.Client

	seeds      []string
	port       int
	scheme     string
	interval   time.Duration
	timeout    time.Duration
	retry      config.RetryConfig
	probeQuery string

	// probeCursor rotates the node queried for membership so one slow seed
	// does not pin every refresh.
	probeCursor atomic.Uint64

	capability atomic.Int32
}

// New returns a Refresher for the given configuration, publishing into
// tracker. The refresher keeps its own pooled HTTP client with a single
// cached connection; membership traffic never competes with the request
// path's pool. reg may be nil to skip metrics registration.
func New(cfg *config.Config, tracker *cluster.Tracker, logger *slog.Logger, reg prometheus.Registerer) *Refresher {
	if logger == nil {
		logger = promslog.NewNopLogger()
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        1,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     time.Duration(cfg.IdleTimeout),
	}
	return &Refresher{
		logger:   logger,
		metrics:  newRefresherMetrics(reg),
		tracker:  tracker,
		client:   &http.Client{Transport: transport},
		seeds:    append([]string(nil), cfg.Nodes...),
		port:     cfg.Port,
		scheme:   cfg.Scheme,
		interval: time.Duration(cfg.UpdateInterval),
		timeout:  time.Duration(cfg.RequestTimeout),
		retry:    cfg.Retry,
		// The capability probe asks whether the cluster understands
		// datacenter-filtered membership queries; an unset datacenter still
		// yields a valid filter ("dc=").
		probeQuery: rt.NewDCScope(cfg.Datacenter, nil).LocalNodesQuery(),
	}
}

// Discover performs one synchronous refresh with the configured bounded
// backoff. It is called once at construction so the first request already
// sees a non-empty snapshot, and fails only when every attempt against the
// seed list failed.
func (r *Refresher) Discover(ctx context.Context) error {
	var lastErr error
	backoff := time.Duration(r.retry.InitialInterval)
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		if err := r.refresh(ctx); err != nil {
			lastErr = err
			if attempt == r.retry.MaxAttempts {
				break
			}
			r.logger.Warn("initial discovery attempt failed, will retry",
				"attempt", attempt,
				"max_attempts", r.retry.MaxAttempts,
				"backoff", backoff,
				"err", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = time.Duration(float64(backoff) * r.retry.Multiplier)
			if max := time.Duration(r.retry.MaxInterval); backoff > max {
				backoff = max
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("initial discovery failed after %d attempts: %w", r.retry.MaxAttempts, lastErr)
}

// Run refreshes the membership on the configured interval until ctx is
// cancelled. A failed refresh never shrinks the published snapshot; it is
// logged and retried on the next tick. Run returns after at most one
// in-flight refresh once ctx is done. With a zero interval Run returns
// immediately: background refresh is disabled.
func (r *Refresher) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := r.refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("membership refresh failed, keeping last known nodes", "err", err)
		}
	}
}

// refresh queries one node for the member list and atomically publishes the
// parsed result.
func (r *Refresher) refresh(ctx context.Context) error {
	r.metrics.refreshesTotal.Inc()
	start := time.Now()

	nodes, err := r.fetchNodes(ctx, "")
	if err != nil {
		r.metrics.refreshFailuresTotal.Inc()
		return err
	}
	if len(nodes) == 0 {
		// An empty member list from a live node is treated as a failed
		// refresh: publishing it would leave the client unable to send
		// anything until the next tick.
		r.metrics.refreshFailuresTotal.Inc()
		return errors.New("membership query returned no nodes")
	}

	ns := r.tracker.Publish(nodes)
	r.metrics.refreshDuration.Observe(time.Since(start).Seconds())
	r.metrics.discoveredNodes.Set(float64(ns.Len()))
	r.logger.Debug("published node snapshot",
		"generation", ns.Generation(),
		"nodes", ns.Len())
	return nil
}

// fetchNodes issues the administrative membership query against the next
// candidate node. rawQuery optionally narrows the query (capability probe).
func (r *Refresher) fetchNodes(ctx context.Context, rawQuery string) ([]cluster.Node, error) {
	addr := r.nextProbeAddr()
	if addr == "" {
		return nil, errNoSeeds
	}
	u := &url.URL{
		Scheme:   r.scheme,
		Host:     addr,
		Path:     localNodesPath,
		RawQuery: rawQuery,
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node %s returned HTTP status %s", addr, resp.Status)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	members, err := parseMembers(b)
	if err != nil {
		return nil, fmt.Errorf("malformed membership response from %s: %w", addr, err)
	}

	nodes := make([]cluster.Node, 0, len(members))
	for _, m := range members {
		host, port := r.splitAddr(m.Address)
		nodes = append(nodes, cluster.Node{
			Host:       host,
			Port:       port,
			Scheme:     r.scheme,
			Datacenter: m.Datacenter,
			Rack:       m.Rack,
		})
	}
	return nodes, nil
}

var errNoSeeds = errors.New("no seed nodes configured")

// nextProbeAddr picks the host:port to query: a node from the current
// snapshot when one exists, else a seed. Both rotate under the shared cursor.
// Empty when there is nothing to query at all.
func (r *Refresher) nextProbeAddr() string {
	cursor := r.probeCursor.Add(1) - 1
	if ns := r.tracker.Snapshot(); ns.Len() > 0 {
		return ns.Nodes()[cursor%uint64(ns.Len())].Addr()
	}
	if len(r.seeds) == 0 {
		return ""
	}
	host, port := r.splitAddr(r.seeds[cursor%uint64(len(r.seeds))])
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// splitAddr splits an optional explicit port off a node address; addresses
// without one get the configured cluster port.
func (r *Refresher) splitAddr(addr string) (string, int) {
	if host, portStr, err := net.SplitHostPort(addr); err == nil {
		if port, err := strconv.Atoi(portStr); err == nil {
			return host, port
		}
	}
	return addr, r.port
}

type member struct {
	Address    string `json:"address"`
	Datacenter string `json:"datacenter"`
	Rack       string `json:"rack"`
}

// parseMembers accepts both membership formats: the topology-aware list of
// objects and the plain address list served by clusters that predate
// topology metadata.
func parseMembers(b []byte) ([]member, error) {
	var verbose []member
	if err := json.Unmarshal(b, &verbose); err == nil {
		for _, m := range verbose {
			if m.Address == "" {
				return nil, errors.New("member entry without address")
			}
		}
		return verbose, nil
	}
	var plain []string
	if err := json.Unmarshal(b, &plain); err != nil {
		return nil, err
	}
	members := make([]member, 0, len(plain))
	for _, addr := range plain {
		if addr == "" {
			return nil, errors.New("member entry without address")
		}
		members = append(members, member{Address: addr})
	}
	return members, nil
}

// KnownNodes returns the nodes of the current snapshot.
func (r *Refresher) KnownNodes() []cluster.Node {
	return r.tracker.Snapshot().Nodes()
}

// FeatureSupported reports whether the cluster exposes datacenter/rack
// metadata at all; clusters predating the feature reject the filtered
// membership query. The verdict is cached for the process lifetime. A probe
// that cannot complete returns a CapabilityCheckError and leaves the cache
// unpopulated.
func (r *Refresher) FeatureSupported(ctx context.Context) (bool, error) {
	switch r.capability.Load() {
	case capabilitySupported:
		return true, nil
	case capabilityUnsupported:
		return false, nil
	}

	r.metrics.capabilityProbesTotal.Inc()
	addr := r.nextProbeAddr()
	if addr == "" {
		return false, &CapabilityCheckError{Err: errNoSeeds}
	}
	u := &url.URL{
		Scheme:   r.scheme,
		Host:     addr,
		Path:     localNodesPath,
		RawQuery: r.probeQuery,
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, &CapabilityCheckError{Err: err}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return false, &CapabilityCheckError{Err: err}
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
		r.capability.Store(capabilitySupported)
		return true, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		r.capability.Store(capabilityUnsupported)
		return false, nil
	default:
		return false, &CapabilityCheckError{Err: fmt.Errorf("node %s returned HTTP status %s", addr, resp.Status)}
	}
}

// CloseIdleConnections drops the refresher's pooled connection.
func (r *Refresher) CloseIdleConnections() {
	r.client.CloseIdleConnections()
}

// InvalidateCapabilities drops the cached probe verdict so the next
// FeatureSupported call probes the cluster again.
func (r *Refresher) InvalidateCapabilities() {
	r.capability.Store(capabilityUnknown)
}
