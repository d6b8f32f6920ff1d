// Package heartbeat runs the periodic membership, election and repair cycle
// of a mesh node.
package heartbeat

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/meshcdn/internal/cluster"
)

const (
	DefaultInterval      = 10 * time.Second
	DefaultNotifyTimeout = 5 * time.Second
)

// MembershipSource probes the configured peers.
type MembershipSource interface {
	Refresh(ctx context.Context, peers []cluster.NodeAddress) map[cluster.NodeAddress]cluster.PeerInfo
}

// Reconciler pulls missing files from a peer.
type Reconciler interface {
	Reconcile(ctx context.Context, peer cluster.NodeAddress) (int, error)
	ReconcileAll(ctx context.Context, peers []cluster.NodeAddress) (int, map[cluster.NodeAddress]error)
}

// NotifyFunc announces self as a slave to master.
type NotifyFunc func(ctx context.Context, master, self cluster.NodeAddress) error

// Options configures a Scheduler.
type Options struct {
	View       *cluster.View
	Membership MembershipSource
	Replicator Reconciler
	Notify     NotifyFunc
	Logger     *slog.Logger
	Peers      []cluster.NodeAddress

	// Interval between cycles.
	Interval time.Duration

	// ReconcileEvery runs reconciliation on every Nth cycle. Zero means
	// every cycle; negative disables it.
	ReconcileEvery int

	NotifyTimeout time.Duration
}

// Report summarises one cycle.
type Report struct {
	Failed     map[cluster.NodeAddress]error
	Master     cluster.NodeAddress
	Role       cluster.Role
	Members    int
	Fetched    int
	Changed    bool
	Registered bool
	Reconciled bool
}

// Scheduler probes peers, elects a master, records the result in the View,
// registers with the master and reconciles files, once per interval.
//
// Cycles never overlap: Tick and the ticker loop share one lock.
type Scheduler struct {
	view       *cluster.View
	membership MembershipSource
	replicator Reconciler
	notify     NotifyFunc
	logger     *slog.Logger
	peers      []cluster.NodeAddress

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	interval       time.Duration
	notifyTimeout  time.Duration
	reconcileEvery int

	cycleMu        sync.Mutex
	cycles         int
	registeredWith cluster.NodeAddress
}

// New creates a scheduler. Self is removed from the peer list.
func New(opts Options) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		view:           opts.View,
		membership:     opts.Membership,
		replicator:     opts.Replicator,
		notify:         opts.Notify,
		logger:         opts.Logger,
		interval:       opts.Interval,
		notifyTimeout:  opts.NotifyTimeout,
		reconcileEvery: opts.ReconcileEvery,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, p := range opts.Peers {
		if p != opts.View.Self() && !slices.Contains(s.peers, p) {
			s.peers = append(s.peers, p)
		}
	}
	if s.notify == nil {
		s.notify = NotifyMaster
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "heartbeat")
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.notifyTimeout <= 0 {
		s.notifyTimeout = DefaultNotifyTimeout
	}
	if s.reconcileEvery == 0 {
		s.reconcileEvery = 1
	}
	return s
}

// NotifyMaster posts id=self to master's /add_slave.
func NotifyMaster(ctx context.Context, master, self cluster.NodeAddress) error {
	return cluster.PostForm(ctx, master.URL("add_slave"), url.Values{"id": {string(self)}}, nil)
}

// Peers returns the configured peers, self excluded.
func (s *Scheduler) Peers() []cluster.NodeAddress {
	return slices.Clone(s.peers)
}

// Start runs a bootstrap sync against every peer, then one cycle
// immediately and one per interval until ctx or Stop cancels it. It blocks.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	if ctx == nil {
		ctx = s.ctx
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	s.logger.Info("heartbeat started", "interval", s.interval, "peers", len(s.peers))

	s.Bootstrap(ctx)
	s.Tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			s.logger.Info("heartbeat stopping")
			return
		}
	}
}

// Stop cancels the loop and waits for the current cycle to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Bootstrap pulls from every configured peer once, so a node that was down
// catches up before its first election.
func (s *Scheduler) Bootstrap(ctx context.Context) {
	if s.replicator == nil || len(s.peers) == 0 {
		return
	}
	n, failed := s.replicator.ReconcileAll(ctx, s.peers)
	s.logger.Info("bootstrap sync done", "fetched", n, "failed", len(failed))
}

// Tick runs a single cycle synchronously.
func (s *Scheduler) Tick(ctx context.Context) Report {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	s.cycles++

	members := s.membership.Refresh(ctx, s.peers)
	members[s.view.Self()] = s.view.SelfInfo()
	master := cluster.ElectMaster(members)

	tr := s.view.ApplyElection(members, master)
	rep := Report{Master: tr.Master, Role: tr.Role, Members: len(members), Changed: tr.Changed}

	if tr.Changed {
		s.logger.Info("master updated", "previous", tr.Previous, "master", tr.Master, "role", tr.Role)
		s.registeredWith = ""
	}

	if tr.Role == cluster.RoleSlave && s.registeredWith != tr.Master {
		nctx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
		err := s.notify(nctx, tr.Master, s.view.Self())
		cancel()
		switch {
		case err != nil:
			s.logger.Error("slave registration failed", "master", tr.Master, "error", err)
		case members[tr.Master].Master != tr.Master:
			// The master clears its slaves when it first elects itself.
			s.logger.Debug("master not settled, registering again next cycle", "master", tr.Master)
		default:
			s.logger.Info("registered as slave", "master", tr.Master)
			s.registeredWith = tr.Master
		}
	}
	rep.Registered = tr.Role == cluster.RoleSlave && s.registeredWith == tr.Master

	if s.replicator != nil && s.reconcileEvery > 0 && s.cycles%s.reconcileEvery == 0 {
		rep.Reconciled = true
		rep.Fetched, rep.Failed = s.reconcile(ctx, tr, members)
	}
	return rep
}

// reconcile pulls from the master when we are a slave, and from every other
// live member when we are the master.
func (s *Scheduler) reconcile(ctx context.Context, tr cluster.Transition, members map[cluster.NodeAddress]cluster.PeerInfo) (int, map[cluster.NodeAddress]error) {
	switch tr.Role {
	case cluster.RoleSlave:
		n, err := s.replicator.Reconcile(ctx, tr.Master)
		if err != nil {
			s.logger.Error("reconcile with master failed", "master", tr.Master, "error", err)
			return n, map[cluster.NodeAddress]error{tr.Master: err}
		}
		return n, nil
	case cluster.RoleMaster:
		others := make([]cluster.NodeAddress, 0, len(members))
		for addr := range members {
			if addr != s.view.Self() {
				others = append(others, addr)
			}
		}
		slices.Sort(others)
		n, failed := s.replicator.ReconcileAll(ctx, others)
		if len(failed) == 0 {
			failed = nil
		}
		return n, failed
	}
	return 0, nil
}
