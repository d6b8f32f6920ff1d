package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/dreamware/meshcdn/internal/cluster"
	"github.com/dreamware/meshcdn/internal/config"
	"github.com/dreamware/meshcdn/internal/heartbeat"
	"github.com/dreamware/meshcdn/internal/membership"
	"github.com/dreamware/meshcdn/internal/replication"
	"github.com/dreamware/meshcdn/internal/storage"
	"github.com/dreamware/meshcdn/internal/transfer"
)

// Node is the runtime of one mesh member. The View is the only state shared
// between HTTP handlers and the scheduler.
type Node struct {
	cfg       *config.Node
	logger    *slog.Logger
	view      *cluster.View
	store     storage.Store
	prober    *membership.Prober
	repl      *replication.Manager
	scheduler *heartbeat.Scheduler
	limiters  *ttlcache.Cache[string, *rate.Limiter]
}

// newNode wires every component from cfg. An unusable storage directory is
// the only failure.
func newNode(cfg *config.Node, logger *slog.Logger) (*Node, error) {
	store, err := storage.NewDirStore(cfg.StorageDir)
	if err != nil {
		return nil, errors.Wrap(err, "storage directory")
	}

	view := cluster.NewView(cfg.Node, cfg.Seed)
	prober := membership.NewProber(membership.Options{
		Logger:  logger,
		Timeout: cfg.Timeouts.Probe,
		Workers: cfg.ProbeWorkers,
	})
	fetcher := transfer.New(transfer.Options{
		Logger:         logger,
		MaxAttempts:    cfg.Transfer.MaxAttempts,
		RetryDelay:     cfg.Transfer.RetryDelay,
		AttemptTimeout: cfg.Timeouts.Download,
		ChunkSize:      cfg.Transfer.ChunkSize,
	})
	repl := replication.New(replication.Options{
		Fetcher:     fetcher,
		Store:       store,
		Logger:      logger,
		Self:        cfg.Node,
		ListTimeout: cfg.Timeouts.List,
		SendTimeout: cfg.Timeouts.Broadcast,
		DedupWindow: cfg.BroadcastDedup,
	})
	sched := heartbeat.New(heartbeat.Options{
		View:           view,
		Membership:     prober,
		Replicator:     repl,
		Logger:         logger,
		Peers:          cfg.Peers,
		Interval:       cfg.HeartbeatInterval,
		ReconcileEvery: cfg.ReconcileEvery,
		NotifyTimeout:  cfg.Timeouts.Notify,
	})

	n := &Node{
		cfg:       cfg,
		logger:    logger.With("component", "api"),
		view:      view,
		store:     store,
		prober:    prober,
		repl:      repl,
		scheduler: sched,
	}
	if cfg.RateLimit.Limit > 0 {
		n.limiters = ttlcache.New[string, *rate.Limiter]()
		go n.limiters.Start()
	}
	return n, nil
}

// Close stops the scheduler and background caches.
func (n *Node) Close() {
	n.scheduler.Stop()
	n.repl.Close()
	if n.limiters != nil {
		n.limiters.Stop()
	}
}

func (n *Node) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /status", n.handleStatus)
	mux.HandleFunc("GET /files", n.handleListFiles)
	mux.HandleFunc("GET /files/{name}", n.handleGetFile)
	mux.Handle("POST /files", n.rateLimit(http.HandlerFunc(n.handleIngest)))
	mux.Handle("POST /add_slave", n.rateLimit(http.HandlerFunc(n.handleAddSlave)))
	mux.Handle("GET /sync", n.rateLimit(http.HandlerFunc(n.handleSync)))

	return n.requestLog(mux)
}

// handleStatus reports liveness, role, seed and file count. Registered
// slaves are listed only while this node is master.
func (n *Node) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := n.view.Snapshot()

	count, err := n.store.Count()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	slaves := make(map[cluster.NodeAddress]cluster.SlaveEntry)
	if snap.Role == cluster.RoleMaster {
		for addr, p := range snap.Slaves {
			slaves[addr] = cluster.SlaveEntry{Seed: p.Seed}
		}
	}

	writeJSON(w, http.StatusOK, cluster.StatusResponse{
		Status: "ok",
		Node:   snap.Self,
		Files:  count,
		Master: snap.Master,
		Slaves: slaves,
		Seed:   snap.Seed,
		Role:   snap.Role,
	})
}

func (n *Node) handleListFiles(w http.ResponseWriter, _ *http.Request) {
	names, err := n.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, cluster.FilesResponse{Files: names})
}

func (n *Node) handleGetFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	f, err := n.store.Open(name)
	if errors.Is(err, storage.ErrFileNotFound) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	http.ServeContent(w, r, name, st.ModTime(), f)
}

// handleIngest downloads the file at url and, unless the request was relayed
// by a peer, asks every configured peer to pull it from us.
//
// Relayed requests keep downloading after the broadcaster stops waiting:
// the sender's leg timeout is shorter than a transfer.
func (n *Node) handleIngest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	req := replication.IngestRequest{
		URL:    r.PostFormValue("url"),
		Name:   r.PostFormValue("name"),
		Origin: cluster.NodeAddress(r.PostFormValue("origin")),
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	ctx := r.Context()
	if req.Origin != "" {
		ctx = context.WithoutCancel(ctx)
	}

	res, err := n.repl.Ingest(ctx, req, n.scheduler.Peers())
	switch {
	case errors.Is(err, transfer.ErrInvalidURL), errors.Is(err, transfer.ErrUnresolvableFilename):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		n.logger.Error("download failed", "url", req.URL, "error", err)
		writeError(w, http.StatusInternalServerError, "download failed")
		return
	}

	if res.Broadcast != nil && !res.Broadcast.Skipped && !res.Broadcast.OK() {
		// Missed peers catch up on their next reconcile.
		n.logger.Warn("broadcast incomplete", "name", res.Filename, "failed", res.Broadcast.Failed())
	}
	writeJSON(w, http.StatusOK, cluster.MessageResponse{Status: "ok", Filename: res.Filename})
}

// handleAddSlave registers the caller as a slave after confirming it answers
// /status. A repeated registration is acknowledged without change.
func (n *Node) handleAddSlave(w http.ResponseWriter, r *http.Request) {
	id := cluster.NodeAddress(r.PostFormValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	info, ok := n.prober.Probe(r.Context(), id)
	if !ok {
		writeError(w, http.StatusBadRequest, "slave unreachable")
		return
	}

	if !n.view.RegisterSlave(info) {
		writeJSON(w, http.StatusOK, cluster.MessageResponse{Status: "ok", Message: "already a slave"})
		return
	}
	n.logger.Info("slave registered", "slave", string(id), "seed", int64(info.Seed), "role", n.view.Role())
	writeJSON(w, http.StatusOK, cluster.MessageResponse{Status: "ok", Message: "slave added"})
}

// handleSync reconciles against every configured peer.
func (n *Node) handleSync(w http.ResponseWriter, r *http.Request) {
	synced, failed := n.repl.ReconcileAll(r.Context(), n.scheduler.Peers())

	resp := cluster.SyncResponse{Status: "ok", Synced: synced}
	if len(failed) > 0 {
		resp.Status = "partial"
		resp.Failed = make(map[cluster.NodeAddress]string, len(failed))
		for addr, err := range failed {
			resp.Failed[addr] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, cluster.MessageResponse{Status: "error", Message: msg})
}
