package replication

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/meshcdn/internal/cluster"
	"github.com/dreamware/meshcdn/internal/storage"
	"github.com/dreamware/meshcdn/internal/transfer"
)

const (
	DefaultListTimeout = 10 * time.Second
	DefaultSendTimeout = 2 * time.Second
)

// Fetcher is the transfer primitive the manager pulls files with.
type Fetcher interface {
	Download(ctx context.Context, rawURL, destDir, name string) (string, error)
}

// Options configures a Manager.
type Options struct {
	Fetcher Fetcher
	Store   storage.Store
	Logger  *slog.Logger
	Self    cluster.NodeAddress

	// ListTimeout bounds GET /files on a peer.
	ListTimeout time.Duration

	// SendTimeout bounds each broadcast leg.
	SendTimeout time.Duration

	// DedupWindow suppresses repeated broadcasts of the same name.
	// Zero disables suppression.
	DedupWindow time.Duration
}

// Manager keeps the local inventory in step with peers. Reconcile pulls what
// a peer has and we lack; Broadcast asks every peer to pull a file from us.
type Manager struct {
	fetcher     Fetcher
	store       storage.Store
	logger      *slog.Logger
	recent      *ttlcache.Cache[string, time.Time]
	self        cluster.NodeAddress
	listTimeout time.Duration
	sendTimeout time.Duration
}

// New creates a manager. Call Close to release the dedup cache.
func New(opts Options) *Manager {
	m := &Manager{
		fetcher:     opts.Fetcher,
		store:       opts.Store,
		logger:      opts.Logger,
		self:        opts.Self,
		listTimeout: opts.ListTimeout,
		sendTimeout: opts.SendTimeout,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "replication")
	if m.fetcher == nil {
		m.fetcher = transfer.New(transfer.Options{Logger: m.logger})
	}
	if m.listTimeout <= 0 {
		m.listTimeout = DefaultListTimeout
	}
	if m.sendTimeout <= 0 {
		m.sendTimeout = DefaultSendTimeout
	}
	if opts.DedupWindow > 0 {
		m.recent = ttlcache.New[string, time.Time](
			ttlcache.WithTTL[string, time.Time](opts.DedupWindow),
			ttlcache.WithDisableTouchOnHit[string, time.Time](),
		)
		go m.recent.Start()
	}
	return m
}

// Close stops background cache maintenance.
func (m *Manager) Close() {
	if m.recent != nil {
		m.recent.Stop()
	}
}

// Self is the address peers are told to fetch from.
func (m *Manager) Self() cluster.NodeAddress {
	return m.self
}

// Remote lists peer's inventory.
func (m *Manager) Remote(ctx context.Context, peer cluster.NodeAddress) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.listTimeout)
	defer cancel()

	var out cluster.FilesResponse
	if err := cluster.GetJSON(ctx, peer.URL("files"), &out); err != nil {
		return nil, errors.Wrapf(err, "list files on %s", peer)
	}
	return out.Files, nil
}

// Missing returns the names in remote that are not stored locally, sorted.
// Names that are not valid local file names are ignored.
func (m *Manager) Missing(remote []string) ([]string, error) {
	local, err := m.store.List()
	if err != nil {
		return nil, err
	}
	have := make(map[string]struct{}, len(local))
	for _, name := range local {
		have[name] = struct{}{}
	}

	var missing []string
	for _, name := range remote {
		if _, ok := have[name]; ok {
			continue
		}
		if storage.ValidName(name) != nil {
			m.logger.Warn("ignoring invalid remote name", "name", name)
			continue
		}
		have[name] = struct{}{}
		missing = append(missing, name)
	}
	slices.Sort(missing)
	return missing, nil
}

// Reconcile pulls every file peer has that we don't, one at a time. It
// returns how many files were fetched. The first failed download aborts the
// pass; files fetched before it stay.
func (m *Manager) Reconcile(ctx context.Context, peer cluster.NodeAddress) (int, error) {
	remote, err := m.Remote(ctx, peer)
	if err != nil {
		return 0, err
	}
	missing, err := m.Missing(remote)
	if err != nil {
		return 0, err
	}

	fetched := 0
	for _, name := range missing {
		// another pass may have fetched it meanwhile; never overwrite
		if m.store.Has(name) {
			continue
		}
		if _, err := m.fetcher.Download(ctx, peer.FileURL(name), m.store.Dir(), name); err != nil {
			return fetched, errors.Wrapf(err, "sync %s from %s", name, peer)
		}
		m.logger.Debug("file synchronised", "name", name, "peer", peer)
		fetched++
	}
	if fetched > 0 {
		m.logger.Info("reconciled", "peer", peer, "fetched", fetched)
	}
	return fetched, nil
}

// ReconcileAll reconciles with each peer in turn and returns the errors by
// peer. A failure with one peer never stops the others.
func (m *Manager) ReconcileAll(ctx context.Context, peers []cluster.NodeAddress) (int, map[cluster.NodeAddress]error) {
	total := 0
	failed := make(map[cluster.NodeAddress]error)
	for _, peer := range peers {
		if peer == m.self {
			continue
		}
		n, err := m.Reconcile(ctx, peer)
		total += n
		if err != nil {
			m.logger.Error("reconcile failed", "peer", peer, "error", err)
			failed[peer] = err
		}
	}
	return total, failed
}

// BroadcastResult holds the outcome of one broadcast, per peer.
type BroadcastResult struct {
	Outcomes map[cluster.NodeAddress]error
	Skipped  bool
}

// OK reports whether every peer accepted the request. A skipped broadcast
// is not OK: no peer was asked.
func (r BroadcastResult) OK() bool {
	if r.Skipped {
		return false
	}
	for _, err := range r.Outcomes {
		if err != nil {
			return false
		}
	}
	return true
}

// Failed lists the peers that did not accept, sorted.
func (r BroadcastResult) Failed() []cluster.NodeAddress {
	var out []cluster.NodeAddress
	for addr, err := range r.Outcomes {
		if err != nil {
			out = append(out, addr)
		}
	}
	slices.Sort(out)
	return out
}

// Broadcast asks every peer to pull filename from this node. Requests run
// concurrently, one worker per peer, and all of them complete before it
// returns; one failure never cancels the others.
//
// When a dedup window is configured, a name that every peer accepted inside
// the window is skipped. A broadcast with any failed leg is not recorded, so
// resubmitting the file asks every peer again.
func (m *Manager) Broadcast(ctx context.Context, peers []cluster.NodeAddress, filename string) BroadcastResult {
	res := BroadcastResult{Outcomes: make(map[cluster.NodeAddress]error)}
	if m.recent != nil {
		if m.recent.Has(filename) {
			m.logger.Debug("broadcast suppressed", "name", filename)
			res.Skipped = true
			return res
		}
	}

	targets := make([]cluster.NodeAddress, 0, len(peers))
	for _, p := range peers {
		if p != m.self && !slices.Contains(targets, p) {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return res
	}

	form := url.Values{
		"url":    {m.self.FileURL(filename)},
		"name":   {filename},
		"origin": {string(m.self)},
	}
	errs := make([]error, len(targets))

	var g errgroup.Group
	g.SetLimit(len(targets))
	for i, peer := range targets {
		g.Go(func() error {
			legCtx, cancel := context.WithTimeout(ctx, m.sendTimeout)
			defer cancel()
			errs[i] = cluster.PostForm(legCtx, peer.URL("files"), form, nil)
			if errs[i] != nil {
				m.logger.Error("broadcast leg failed", "peer", peer, "name", filename, "error", errs[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, peer := range targets {
		res.Outcomes[peer] = errs[i]
	}
	if m.recent != nil && res.OK() {
		m.recent.Set(filename, time.Now(), ttlcache.DefaultTTL)
	}
	return res
}
