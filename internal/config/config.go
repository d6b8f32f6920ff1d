// Package config loads a node's settings from an optional YAML file and the
// environment.
package config

import (
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/meshcdn/internal/cluster"
)

const (
	DefaultNode       = "node1:5000"
	DefaultListen     = ":5000"
	DefaultStorageDir = "/data"
	DefaultNeighbors  = "node1:5000,node2:5000,node3:5000"

	// Generated seeds fall in [MinSeed, MaxSeed].
	MinSeed = 100
	MaxSeed = 999
)

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrNodeMissing              = errors.New("node address is missing")
	ErrListenMissing            = errors.New("listen address is missing")
	ErrStorageDirMissing        = errors.New("storageDir is missing")
	ErrSeedInvalid              = errors.New("seed must be positive")
	ErrIntervalInvalid          = errors.New("heartbeatInterval must be positive")
	ErrLogLevelInvalid          = errors.New("logLevel must be one of debug, info, warn, error")
	ErrEnvInvalid               = errors.New("invalid environment value")
)

// Timeouts bound every outbound call a node makes.
type Timeouts struct {
	Probe     time.Duration `yaml:"probe"`
	List      time.Duration `yaml:"list"`
	Download  time.Duration `yaml:"download"`
	Notify    time.Duration `yaml:"notify"`
	Broadcast time.Duration `yaml:"broadcast"`
}

// Transfer tunes the download primitive.
type Transfer struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	RetryDelay  time.Duration `yaml:"retryDelay"`
	ChunkSize   int           `yaml:"chunkSize"`
}

// RateLimiterConfig limits mutating control-plane requests per client IP.
type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"`
}

// Node is the complete configuration of one mesh node.
type Node struct {
	Node              cluster.NodeAddress   `yaml:"node"`
	Listen            string                `yaml:"listen"`
	Peers             []cluster.NodeAddress `yaml:"peers"`
	StorageDir        string                `yaml:"storageDir"`
	LogLevel          string                `yaml:"logLevel"`
	Seed              cluster.Seed          `yaml:"seed"`
	HeartbeatInterval time.Duration         `yaml:"heartbeatInterval"`
	ReconcileEvery    int                   `yaml:"reconcileEvery"`
	ProbeWorkers      int                   `yaml:"probeWorkers"`
	BroadcastDedup    time.Duration         `yaml:"broadcastDedup"`
	Timeouts          Timeouts              `yaml:"timeouts"`
	Transfer          Transfer              `yaml:"transfer"`
	RateLimit         RateLimiterConfig     `yaml:"rateLimit"`
}

// Default returns the built-in configuration. The seed is left unset;
// Finalize draws one.
func Default() *Node {
	return &Node{
		Node:              DefaultNode,
		Listen:            DefaultListen,
		Peers:             parsePeers(DefaultNeighbors),
		StorageDir:        DefaultStorageDir,
		LogLevel:          "info",
		HeartbeatInterval: 10 * time.Second,
		ReconcileEvery:    1,
		ProbeWorkers:      8,
		BroadcastDedup:    time.Minute,
		Timeouts: Timeouts{
			Probe:     5 * time.Second,
			List:      10 * time.Second,
			Download:  30 * time.Second,
			Notify:    5 * time.Second,
			Broadcast: 2 * time.Second,
		},
		Transfer: Transfer{
			MaxAttempts: 3,
			RetryDelay:  2 * time.Second,
			ChunkSize:   8192,
		},
		RateLimit: RateLimiterConfig{Limit: 20, Burst: 40},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides from getenv. The result is
// finalized and validated.
func Load(path string, getenv func(string) string) (*Node, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(ErrConfigFileUnreadable, err.Error())
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(ErrConfigFileUnmarshallable, err.Error())
		}
	}

	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	cfg.Finalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Node) applyEnv(getenv func(string) string) error {
	if v := getenv("NODE_ID"); v != "" {
		c.Node = cluster.NodeAddress(v)
	}
	if v := getenv("NODE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := getenv("NEIGHBORS"); v != "" {
		c.Peers = parsePeers(v)
	}
	if v := getenv("FILE_DIRECTORY"); v != "" {
		c.StorageDir = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("SEED"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrapf(ErrEnvInvalid, "SEED=%q", v)
		}
		c.Seed = cluster.Seed(seed)
	}
	if v := getenv("HEARTBEAT_INTERVAL"); v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return errors.Wrapf(ErrEnvInvalid, "HEARTBEAT_INTERVAL=%q", v)
		}
		c.HeartbeatInterval = d
	}
	return nil
}

// parseInterval accepts a Go duration or a bare number of seconds.
func parseInterval(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func parsePeers(v string) []cluster.NodeAddress {
	var out []cluster.NodeAddress
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, cluster.NodeAddress(p))
		}
	}
	return out
}

// Finalize removes self and duplicates from the peer list and draws a seed
// when none was configured.
func (c *Node) Finalize() {
	seen := make(map[cluster.NodeAddress]bool, len(c.Peers))
	peers := c.Peers[:0]
	for _, p := range c.Peers {
		if p == c.Node || seen[p] {
			continue
		}
		seen[p] = true
		peers = append(peers, p)
	}
	c.Peers = peers

	if c.Seed == 0 {
		c.Seed = cluster.Seed(MinSeed + rand.IntN(MaxSeed-MinSeed+1))
	}
}

// Validate checks required settings.
func (c *Node) Validate() error {
	if c.Node == "" {
		return ErrNodeMissing
	}
	if c.Listen == "" {
		return ErrListenMissing
	}
	if c.StorageDir == "" {
		return ErrStorageDirMissing
	}
	if c.Seed <= 0 {
		return ErrSeedInvalid
	}
	if c.HeartbeatInterval <= 0 {
		return ErrIntervalInvalid
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps LogLevel onto slog.
func (c *Node) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, ErrLogLevelInvalid
}
