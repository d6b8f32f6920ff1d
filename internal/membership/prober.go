// Package membership works out which configured peers are alive and what
// they report about themselves.
package membership

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/meshcdn/internal/cluster"
)

const (
	DefaultProbeTimeout = 5 * time.Second
	DefaultWorkers      = 8
)

// StatusFunc fetches a peer's status reply. It exists so tests can probe
// without a network.
type StatusFunc func(ctx context.Context, addr cluster.NodeAddress) (cluster.StatusResponse, error)

// Prober queries peers' /status endpoints.
// Thread-safe: a Prober holds no mutable state.
type Prober struct {
	status  StatusFunc
	logger  *slog.Logger
	timeout time.Duration
	workers int
}

// Options configures a Prober. Zero values take the defaults.
type Options struct {
	Status  StatusFunc
	Logger  *slog.Logger
	Timeout time.Duration
	Workers int
}

// NewProber creates a prober. Without a StatusFunc it issues
// GET http://addr/status.
func NewProber(opts Options) *Prober {
	p := &Prober{
		status:  opts.Status,
		logger:  opts.Logger,
		timeout: opts.Timeout,
		workers: opts.Workers,
	}
	if p.status == nil {
		p.status = fetchStatus
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "prober")
	if p.timeout <= 0 {
		p.timeout = DefaultProbeTimeout
	}
	if p.workers <= 0 {
		p.workers = DefaultWorkers
	}
	return p
}

func fetchStatus(ctx context.Context, addr cluster.NodeAddress) (cluster.StatusResponse, error) {
	var st cluster.StatusResponse
	err := cluster.GetJSON(ctx, addr.URL("status"), &st)
	return st, err
}

// Probe asks addr for its status. It reports false for any failure,
// including a reply without an identity or a seed; it never returns an error.
func (p *Prober) Probe(ctx context.Context, addr cluster.NodeAddress) (cluster.PeerInfo, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	st, err := p.status(ctx, addr)
	if err != nil {
		p.logger.Debug("peer unreachable", "peer", addr, "error", err)
		return cluster.PeerInfo{}, false
	}
	if st.Node == "" || st.Seed == 0 {
		p.logger.Debug("peer reply incomplete", "peer", addr, "node", st.Node, "seed", st.Seed)
		return cluster.PeerInfo{}, false
	}
	return cluster.PeerInfo{
		Address:   addr,
		Seed:      st.Seed,
		Master:    st.Master,
		Files:     st.Files,
		Reachable: true,
	}, true
}

// Refresh probes every peer through a bounded pool and returns only those
// that answered. The result is built from scratch on every call.
func (p *Prober) Refresh(ctx context.Context, peers []cluster.NodeAddress) map[cluster.NodeAddress]cluster.PeerInfo {
	results := make([]cluster.PeerInfo, len(peers))
	ok := make([]bool, len(peers))

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, addr := range peers {
		g.Go(func() error {
			results[i], ok[i] = p.Probe(ctx, addr)
			return nil
		})
	}
	_ = g.Wait()

	active := make(map[cluster.NodeAddress]cluster.PeerInfo, len(peers))
	for i, addr := range peers {
		if ok[i] {
			active[addr] = results[i]
		} else {
			p.logger.Warn("peer inactive", "peer", addr)
		}
	}
	return active
}
