package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/meshcdn/internal/cluster"
)

// fakeMesh answers status queries from a table instead of the network.
type fakeMesh struct {
	replies map[cluster.NodeAddress]cluster.StatusResponse
	mu      sync.Mutex
}

func (f *fakeMesh) status(ctx context.Context, addr cluster.NodeAddress) (cluster.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.replies[addr]
	if !ok {
		return cluster.StatusResponse{}, errors.New("connection refused")
	}
	return st, nil
}

func TestNewProberDefaults(t *testing.T) {
	p := NewProber(Options{})
	assert.Equal(t, DefaultProbeTimeout, p.timeout)
	assert.Equal(t, DefaultWorkers, p.workers)
	assert.NotNil(t, p.status)
}

func TestProbe(t *testing.T) {
	mesh := &fakeMesh{replies: map[cluster.NodeAddress]cluster.StatusResponse{
		"ok:1":      {Status: "alive", Node: "ok:1", Seed: 500, Master: "ok:1", Files: 4},
		"noseed:1":  {Status: "alive", Node: "noseed:1"},
		"noident:1": {Status: "alive", Seed: 10},
	}}
	p := NewProber(Options{Status: mesh.status})

	tests := []struct {
		addr cluster.NodeAddress
		want cluster.PeerInfo
		ok   bool
	}{
		{addr: "ok:1", ok: true, want: cluster.PeerInfo{Address: "ok:1", Seed: 500, Master: "ok:1", Files: 4, Reachable: true}},
		{addr: "noseed:1"},
		{addr: "noident:1"},
		{addr: "down:1"},
	}

	for _, tt := range tests {
		t.Run(string(tt.addr), func(t *testing.T) {
			got, ok := p.Probe(context.Background(), tt.addr)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProbeOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		// seed as a string, the way older nodes report it
		_, _ = w.Write([]byte(`{"status":"alive","node":"n2:5000","files":1,"master":"","slaves":{},"seed":"742"}`))
	}))
	defer srv.Close()

	p := NewProber(Options{})
	info, ok := p.Probe(context.Background(), cluster.NodeAddress(strings.TrimPrefix(srv.URL, "http://")))
	require.True(t, ok)
	assert.Equal(t, cluster.Seed(742), info.Seed)
}

func TestProbeBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	_, ok := NewProber(Options{}).Probe(context.Background(), cluster.NodeAddress(srv.URL))
	assert.False(t, ok)
}

func TestProbeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := NewProber(Options{Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, ok := p.Probe(context.Background(), cluster.NodeAddress(srv.URL))
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRefresh(t *testing.T) {
	mesh := &fakeMesh{replies: map[cluster.NodeAddress]cluster.StatusResponse{
		"node2:5000": {Node: "node2:5000", Seed: 500},
		"node3:5000": {Node: "node3:5000", Seed: 300},
	}}
	p := NewProber(Options{Status: mesh.status})

	peers := []cluster.NodeAddress{"node2:5000", "node3:5000", "node4:5000"}
	active := p.Refresh(context.Background(), peers)

	assert.Len(t, active, 2)
	assert.Contains(t, active, cluster.NodeAddress("node2:5000"))
	assert.Contains(t, active, cluster.NodeAddress("node3:5000"))
	assert.NotContains(t, active, cluster.NodeAddress("node4:5000"))
	assert.Equal(t, cluster.Seed(500), active["node2:5000"].Seed)
}

// A peer that stops answering is dropped on the next cycle rather than kept
// as a stale entry.
func TestRefreshDropsStalePeers(t *testing.T) {
	mesh := &fakeMesh{replies: map[cluster.NodeAddress]cluster.StatusResponse{
		"a:1": {Node: "a:1", Seed: 1},
		"b:1": {Node: "b:1", Seed: 2},
	}}
	p := NewProber(Options{Status: mesh.status})
	peers := []cluster.NodeAddress{"a:1", "b:1"}

	require.Len(t, p.Refresh(context.Background(), peers), 2)

	mesh.mu.Lock()
	delete(mesh.replies, "b:1")
	mesh.mu.Unlock()

	active := p.Refresh(context.Background(), peers)
	assert.Len(t, active, 1)
	assert.NotContains(t, active, cluster.NodeAddress("b:1"))
}

func TestRefreshNeverExceedsInput(t *testing.T) {
	mesh := &fakeMesh{replies: map[cluster.NodeAddress]cluster.StatusResponse{}}
	var peers []cluster.NodeAddress
	for i := 0; i < 30; i++ {
		addr := cluster.NodeAddress(fmt.Sprintf("n%d:1", i))
		peers = append(peers, addr)
		if i%3 == 0 {
			mesh.replies[addr] = cluster.StatusResponse{Node: addr, Seed: cluster.Seed(i + 1)}
		}
	}
	p := NewProber(Options{Status: mesh.status})

	assert.Empty(t, p.Refresh(context.Background(), nil))
	active := p.Refresh(context.Background(), peers)
	assert.LessOrEqual(t, len(active), len(peers))
	assert.Len(t, active, 10)
}

func TestRefreshIsBounded(t *testing.T) {
	var inflight, peak atomic.Int32
	status := func(ctx context.Context, addr cluster.NodeAddress) (cluster.StatusResponse, error) {
		n := inflight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		return cluster.StatusResponse{Node: addr, Seed: 1}, nil
	}
	p := NewProber(Options{Status: status, Workers: 3})

	var peers []cluster.NodeAddress
	for i := 0; i < 12; i++ {
		peers = append(peers, cluster.NodeAddress(fmt.Sprintf("n%d:1", i)))
	}
	active := p.Refresh(context.Background(), peers)

	assert.Len(t, active, 12)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Greater(t, peak.Load(), int32(1), "probes run concurrently")
}

func TestDefaultStatusFunc(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(cluster.StatusResponse{Status: "alive", Node: "x:1", Seed: 9})
	}))
	defer srv.Close()

	st, err := fetchStatus(context.Background(), cluster.NodeAddress(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, cluster.Seed(9), st.Seed)
}
