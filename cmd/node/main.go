// Package main implements the meshcdn node service: one member of a
// peer-to-peer file mesh that elects a master by seed, replicates every file
// to every node and serves them over HTTP.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│                 Node                     │
//	├──────────────────────────────────────────┤
//	│  HTTP API:                               │
//	│    GET  /status        - Role and seed   │
//	│    GET  /files         - Local names     │
//	│    GET  /files/{name}  - File bytes      │
//	│    POST /files         - Ingest by URL   │
//	│    POST /add_slave     - Slave register  │
//	│    GET  /sync          - Pull from peers │
//	│    GET  /health        - Liveness        │
//	├──────────────────────────────────────────┤
//	│  Components:                             │
//	│    View        - Members, master, slaves │
//	│    Scheduler   - Probe, elect, repair    │
//	│    Manager     - Reconcile, broadcast    │
//	│    DirStore    - Storage directory       │
//	└──────────────────────────────────────────┘
//
// Configuration comes from an optional YAML file (-config or MESH_CONFIG)
// overridden by NODE_ID, NODE_LISTEN, NEIGHBORS, SEED, FILE_DIRECTORY,
// HEARTBEAT_INTERVAL and LOG_LEVEL.
//
// Example usage:
//
//	NODE_ID=node1:5000 \
//	NEIGHBORS=node1:5000,node2:5000,node3:5000 \
//	FILE_DIRECTORY=/data \
//	./node
//
//	# Publish a file to the whole mesh
//	curl -X POST node1:5000/files -d url=https://example.com/wine.jpg
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/meshcdn/internal/config"
)

// logFatal is a variable to allow mocking log.Fatalf in tests.
var logFatal = log.Fatalf

// getenv returns the value of key, or def when it is unset or empty.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// newLogger builds the JSON logger every component derives from.
func newLogger(cfg *config.Node) *slog.Logger {
	level, _ := cfg.SlogLevel()
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With("node", string(cfg.Node))
}

func main() {
	configPath := flag.String("config", getenv("MESH_CONFIG", ""), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath, os.Getenv)
	if err != nil {
		logFatal("config: %v", err)
		return
	}
	logger := newLogger(cfg)

	n, err := newNode(cfg, logger)
	if err != nil {
		logFatal("node: %v", err)
		return
	}
	defer n.Close()

	s := &http.Server{
		Addr:              cfg.Listen,
		Handler:           n.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("listening", "listen", cfg.Listen, "seed", int64(cfg.Seed), "peers", len(cfg.Peers))
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	go n.scheduler.Start(ctx)

	<-ctx.Done()

	n.scheduler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	logger.Info("node stopped")
}
