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

package discovery

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/scylladb/alternator-client-golang/cluster"
	"github.com/scylladb/alternator-client-golang/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(seeds ...string) *config.Config {
	cfg := config.DefaultConfig
	cfg.Nodes = seeds
	cfg.RequestTimeout = model.Duration(2 * time.Second)
	cfg.Retry = config.RetryConfig{
		MaxAttempts:     1,
		InitialInterval: model.Duration(10 * time.Millisecond),
		MaxInterval:     model.Duration(100 * time.Millisecond),
		Multiplier:      2.0,
	}
	return &cfg
}

func newRefresher(t *testing.T, cfg *config.Config) (*Refresher, *cluster.Tracker) {
	t.Helper()
	tracker := cluster.NewTracker()
	r := New(cfg, tracker, nil, nil)
	t.Cleanup(r.CloseIdleConnections)
	return r, tracker
}

// fakeNode is an httptest server answering the administrative membership
// query with a configurable response.
func fakeNode(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func membersHandler(members any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != localNodesPath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(members)
	}
}

func serverAddr(srv *httptest.Server) string {
	return srv.Listener.Addr().String()
}

func TestDiscoverPublishesTopology(t *testing.T) {
	var srv *httptest.Server
	srv = fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		membersHandler([]map[string]string{
			{"address": serverAddr(srv), "datacenter": "dc1", "rack": "rack1"},
			{"address": "10.0.0.2", "datacenter": "dc1", "rack": "rack2"},
			{"address": "10.0.0.3", "datacenter": "dc2", "rack": "rack1"},
		})(w, r)
	})

	r, tracker := newRefresher(t, testConfig(serverAddr(srv)))
	require.NoError(t, r.Discover(context.Background()))

	ns := tracker.Snapshot()
	require.Equal(t, uint64(1), ns.Generation())
	require.Equal(t, 3, ns.Len())
	require.Equal(t, "dc1", ns.Nodes()[0].Datacenter)
	require.Equal(t, "rack2", ns.Nodes()[1].Rack)
	// Addresses without an explicit port get the configured one.
	require.Equal(t, 8000, ns.Nodes()[1].Port)
	require.Len(t, r.KnownNodes(), 3)
}

func TestDiscoverParsesLegacyPlainFormat(t *testing.T) {
	srv := fakeNode(t, membersHandler([]string{"10.0.0.5", "10.0.0.6"}))

	r, tracker := newRefresher(t, testConfig(serverAddr(srv)))
	require.NoError(t, r.Discover(context.Background()))

	ns := tracker.Snapshot()
	require.Equal(t, 2, ns.Len())
	require.Empty(t, ns.Nodes()[0].Datacenter)
	require.Empty(t, ns.Nodes()[0].Rack)
}

func TestFailedRefreshKeepsLastKnownGood(t *testing.T) {
	var fail atomic.Bool
	var srv *httptest.Server
	srv = fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		membersHandler([]map[string]string{
			{"address": serverAddr(srv), "datacenter": "dc1", "rack": "rack1"},
		})(w, r)
	})

	r, tracker := newRefresher(t, testConfig(serverAddr(srv)))
	require.NoError(t, r.Discover(context.Background()))
	good := tracker.Snapshot()
	require.Equal(t, 1, good.Len())

	fail.Store(true)
	require.Error(t, r.Discover(context.Background()))

	// The failed refresh neither cleared nor replaced the snapshot.
	require.Equal(t, good, tracker.Snapshot())
}

func TestEmptyMemberListIsARefreshFailure(t *testing.T) {
	var empty atomic.Bool
	var srv *httptest.Server
	srv = fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		if empty.Load() {
			membersHandler([]string{})(w, r)
			return
		}
		membersHandler([]string{serverAddr(srv)})(w, r)
	})

	r, tracker := newRefresher(t, testConfig(serverAddr(srv)))
	require.NoError(t, r.Discover(context.Background()))

	empty.Store(true)
	err := r.Discover(context.Background())
	require.ErrorContains(t, err, "no nodes")
	require.Equal(t, 1, tracker.Snapshot().Len())
}

func TestDiscoverRetriesWithBackoff(t *testing.T) {
	var calls atomic.Int64
	var srv *httptest.Server
	srv = fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		membersHandler([]string{serverAddr(srv)})(w, r)
	})

	cfg := testConfig(serverAddr(srv))
	cfg.Retry.MaxAttempts = 3
	r, tracker := newRefresher(t, cfg)

	require.NoError(t, r.Discover(context.Background()))
	require.Equal(t, int64(3), calls.Load())
	require.Equal(t, 1, tracker.Snapshot().Len())
}

func TestDiscoverFailsAfterMaxAttempts(t *testing.T) {
	srv := fakeNode(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})

	cfg := testConfig(serverAddr(srv))
	cfg.Retry.MaxAttempts = 2
	r, tracker := newRefresher(t, cfg)

	err := r.Discover(context.Background())
	require.ErrorContains(t, err, "after 2 attempts")
	require.Equal(t, 0, tracker.Snapshot().Len())
}

func TestRunRefreshesInBackground(t *testing.T) {
	var srv *httptest.Server
	srv = fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		membersHandler([]string{serverAddr(srv)})(w, r)
	})

	cfg := testConfig(serverAddr(srv))
	cfg.UpdateInterval = model.Duration(10 * time.Millisecond)
	r, tracker := newRefresher(t, cfg)
	require.NoError(t, r.Discover(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return tracker.Snapshot().Generation() >= 3
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("refresher did not stop")
	}
}

func TestRunDisabledWithZeroInterval(t *testing.T) {
	srv := fakeNode(t, membersHandler([]string{"10.0.0.1"}))

	cfg := testConfig(serverAddr(srv))
	cfg.UpdateInterval = 0
	r, _ := newRefresher(t, cfg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately when disabled")
	}
}

func TestFeatureSupportedCachesVerdict(t *testing.T) {
	var srv *httptest.Server
	srv = fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		membersHandler([]string{serverAddr(srv)})(w, r)
	})

	r, _ := newRefresher(t, testConfig(serverAddr(srv)))

	ok, err := r.FeatureSupported(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// The verdict is cached: it survives the cluster becoming unreachable.
	srv.Close()
	ok, err = r.FeatureSupported(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// Until explicitly invalidated.
	r.InvalidateCapabilities()
	_, err = r.FeatureSupported(context.Background())
	var capErr *CapabilityCheckError
	require.ErrorAs(t, err, &capErr)
}

func TestFeatureSupportedConfirmedAbsent(t *testing.T) {
	srv := fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "" {
			// Clusters predating topology metadata reject the filter.
			http.Error(w, "unknown parameter", http.StatusBadRequest)
			return
		}
		membersHandler([]string{"10.0.0.1"})(w, r)
	})

	r, _ := newRefresher(t, testConfig(serverAddr(srv)))

	// "Confirmed absent" is a clean false, not an error.
	ok, err := r.FeatureSupported(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFeatureSupportedServerErrorIsNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var srv *httptest.Server
	srv = fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "overloaded", http.StatusInternalServerError)
			return
		}
		membersHandler([]string{serverAddr(srv)})(w, r)
	})

	r, _ := newRefresher(t, testConfig(serverAddr(srv)))

	_, err := r.FeatureSupported(context.Background())
	var capErr *CapabilityCheckError
	require.ErrorAs(t, err, &capErr)

	fail.Store(false)
	ok, err := r.FeatureSupported(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestParseMembers(t *testing.T) {
	members, err := parseMembers([]byte(`[{"address":"a","datacenter":"dc1","rack":"r1"}]`))
	require.NoError(t, err)
	require.Equal(t, "dc1", members[0].Datacenter)

	members, err = parseMembers([]byte(`["a","b"]`))
	require.NoError(t, err)
	require.Len(t, members, 2)

	_, err = parseMembers([]byte(`{"not":"a list"}`))
	require.Error(t, err)

	_, err = parseMembers([]byte(`[{"datacenter":"dc1"}]`))
	require.ErrorContains(t, err, "without address")

	_, err = parseMembers([]byte(`[""]`))
	require.ErrorContains(t, err, "without address")
}

func TestDiscoverReusesDedicatedConnection(t *testing.T) {
	var conns atomic.Int64
	var srv *httptest.Server
	srv = httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		membersHandler([]string{serverAddr(srv)})(w, r)
	}))
	srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			conns.Add(1)
		}
	}
	srv.Start()
	t.Cleanup(srv.Close)

	r, _ := newRefresher(t, testConfig(serverAddr(srv)))
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Discover(context.Background()))
	}

	// The refresher caches a single connection; repeated refreshes never
	// open more.
	require.Equal(t, int64(1), conns.Load())
}

func TestDiscoverWithoutSeedsFails(t *testing.T) {
	r, _ := newRefresher(t, testConfig())

	err := r.Discover(context.Background())
	require.ErrorContains(t, err, "no seed nodes")

	_, err = r.FeatureSupported(context.Background())
	var capErr *CapabilityCheckError
	require.ErrorAs(t, err, &capErr)
}

func TestCapabilityProbeUsesConfiguredDatacenter(t *testing.T) {
	var probed atomic.Value
	srv := fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "" {
			probed.Store(r.URL.RawQuery)
		}
		membersHandler([]string{"10.0.0.1"})(w, r)
	})

	cfg := testConfig(serverAddr(srv))
	cfg.Datacenter = "dc1"
	r, _ := newRefresher(t, cfg)

	ok, err := r.FeatureSupported(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "dc=dc1", probed.Load())
}

func TestMalformedResponseKeepsLastKnownGood(t *testing.T) {
	var garbage atomic.Bool
	var srv *httptest.Server
	srv = fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		if garbage.Load() {
			w.Write([]byte("][ not json"))
			return
		}
		membersHandler([]string{serverAddr(srv)})(w, r)
	})

	r, tracker := newRefresher(t, testConfig(serverAddr(srv)))
	require.NoError(t, r.Discover(context.Background()))

	garbage.Store(true)
	err := r.Discover(context.Background())
	require.ErrorContains(t, err, "malformed membership response")
	require.Equal(t, 1, tracker.Snapshot().Len())
}
