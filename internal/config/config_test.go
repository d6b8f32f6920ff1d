package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/meshcdn/internal/cluster"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", envOf(nil))
	require.NoError(t, err)

	assert.Equal(t, cluster.NodeAddress(DefaultNode), cfg.Node)
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, DefaultStorageDir, cfg.StorageDir)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, []cluster.NodeAddress{"node2:5000", "node3:5000"}, cfg.Peers, "self is removed from the neighbor list")
	assert.GreaterOrEqual(t, int64(cfg.Seed), int64(MinSeed))
	assert.LessOrEqual(t, int64(cfg.Seed), int64(MaxSeed))
	assert.Equal(t, 3, cfg.Transfer.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Broadcast)
}

func TestLoadEnvOverrides(t *testing.T) {
	cfg, err := Load("", envOf(map[string]string{
		"NODE_ID":            "node2:5000",
		"NODE_LISTEN":        ":6000",
		"NEIGHBORS":          "node1:5000, node2:5000 ,node3:5000,node1:5000",
		"SEED":               "500",
		"FILE_DIRECTORY":     "/srv/files",
		"HEARTBEAT_INTERVAL": "3",
		"LOG_LEVEL":          "debug",
	}))
	require.NoError(t, err)

	assert.Equal(t, cluster.NodeAddress("node2:5000"), cfg.Node)
	assert.Equal(t, ":6000", cfg.Listen)
	assert.Equal(t, []cluster.NodeAddress{"node1:5000", "node3:5000"}, cfg.Peers)
	assert.Equal(t, cluster.Seed(500), cfg.Seed)
	assert.Equal(t, "/srv/files", cfg.StorageDir)
	assert.Equal(t, 3*time.Second, cfg.HeartbeatInterval)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadIntervalAsDuration(t *testing.T) {
	cfg, err := Load("", envOf(map[string]string{"HEARTBEAT_INTERVAL": "750ms"}))
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.HeartbeatInterval)
}

func TestLoadInvalidEnv(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad seed", map[string]string{"SEED": "abc"}},
		{"bad interval", map[string]string{"HEARTBEAT_INTERVAL": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("", envOf(tt.env))
			assert.True(t, errors.Is(err, ErrEnvInvalid), "got %v", err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	p := writeFile(t, `
node: edge-a:7000
listen: ":7000"
peers: [edge-a:7000, edge-b:7000]
storageDir: /var/cdn
seed: 321
heartbeatInterval: 2s
reconcileEvery: 5
timeouts:
  broadcast: 1s
transfer:
  maxAttempts: 5
rateLimit:
  limit: 2
  burst: 4
`)
	cfg, err := Load(p, envOf(map[string]string{"SEED": "999"}))
	require.NoError(t, err)

	assert.Equal(t, cluster.NodeAddress("edge-a:7000"), cfg.Node)
	assert.Equal(t, []cluster.NodeAddress{"edge-b:7000"}, cfg.Peers)
	assert.Equal(t, cluster.Seed(999), cfg.Seed, "environment wins over the file")
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5, cfg.ReconcileEvery)
	assert.Equal(t, time.Second, cfg.Timeouts.Broadcast)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.List, "unset keys keep defaults")
	assert.Equal(t, 5, cfg.Transfer.MaxAttempts)
	assert.Equal(t, 8192, cfg.Transfer.ChunkSize)
	assert.Equal(t, 2.0, cfg.RateLimit.Limit)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), envOf(nil))
	assert.True(t, errors.Is(err, ErrConfigFileUnreadable))

	_, err = Load(writeFile(t, "peers: [unterminated"), envOf(nil))
	assert.True(t, errors.Is(err, ErrConfigFileUnmarshallable))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Node)
		want   error
	}{
		{"valid", func(*Node) {}, nil},
		{"no node", func(c *Node) { c.Node = "" }, ErrNodeMissing},
		{"no listen", func(c *Node) { c.Listen = "" }, ErrListenMissing},
		{"no storage", func(c *Node) { c.StorageDir = "" }, ErrStorageDirMissing},
		{"negative seed", func(c *Node) { c.Seed = -1 }, ErrSeedInvalid},
		{"zero interval", func(c *Node) { c.HeartbeatInterval = 0 }, ErrIntervalInvalid},
		{"bad level", func(c *Node) { c.LogLevel = "loud" }, ErrLogLevelInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Seed = 123
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFinalizeKeepsConfiguredSeed(t *testing.T) {
	cfg := Default()
	cfg.Seed = 42
	cfg.Finalize()
	assert.Equal(t, cluster.Seed(42), cfg.Seed)
}
