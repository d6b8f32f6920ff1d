package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/meshcdn/internal/cluster"
	"github.com/dreamware/meshcdn/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// testConfig returns a configuration with short timeouts and no background
// limits, suitable for in-process nodes.
func testConfig(t *testing.T, self cluster.NodeAddress, peers []cluster.NodeAddress, seed cluster.Seed) *config.Node {
	t.Helper()
	cfg := config.Default()
	cfg.Node = self
	cfg.Listen = "127.0.0.1:0"
	cfg.Peers = append([]cluster.NodeAddress(nil), peers...)
	cfg.Seed = seed
	cfg.StorageDir = t.TempDir()
	cfg.HeartbeatInterval = time.Hour
	cfg.BroadcastDedup = 0
	cfg.RateLimit.Limit = 0
	cfg.Transfer.MaxAttempts = 2
	cfg.Transfer.RetryDelay = 10 * time.Millisecond
	cfg.Timeouts = config.Timeouts{
		Probe:     time.Second,
		List:      2 * time.Second,
		Download:  2 * time.Second,
		Notify:    time.Second,
		Broadcast: time.Second,
	}
	cfg.Finalize()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		def      string
		expected string
	}{
		{
			name:     "environment variable set",
			key:      "MESH_TEST_VAR",
			value:    "test_value",
			def:      "default",
			expected: "test_value",
		},
		{
			name:     "environment variable not set",
			key:      "MESH_UNSET_VAR",
			def:      "default_value",
			expected: "default_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv(tt.key, tt.value)
			}
			assert.Equal(t, tt.expected, getenv(tt.key, tt.def))
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := testConfig(t, "node1:5000", nil, 100)
	cfg.LogLevel = "warn"

	logger := newLogger(cfg)
	require.NotNil(t, logger)
	assert.False(t, logger.Enabled(t.Context(), slog.LevelInfo))
	assert.True(t, logger.Enabled(t.Context(), slog.LevelWarn))
}

func TestNewNode(t *testing.T) {
	cfg := testConfig(t, "node1:5000", []cluster.NodeAddress{"node2:5000"}, 321)

	n, err := newNode(cfg, discardLogger())
	require.NoError(t, err)
	defer n.Close()

	assert.Equal(t, cluster.NodeAddress("node1:5000"), n.view.Self())
	assert.Equal(t, cluster.Seed(321), n.view.Seed())
	assert.Equal(t, cluster.RoleUninitialized, n.view.Role())
	assert.Equal(t, []cluster.NodeAddress{"node2:5000"}, n.scheduler.Peers())
	assert.Nil(t, n.limiters, "no limiter cache without a rate limit")
}

func TestNewNodeStorageFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	cfg := testConfig(t, "node1:5000", nil, 100)
	cfg.StorageDir = filepath.Join(blocker, "data")

	_, err := newNode(cfg, discardLogger())
	assert.Error(t, err)
}

func TestNewNodeCreatesStorageDir(t *testing.T) {
	cfg := testConfig(t, "node1:5000", nil, 100)
	cfg.StorageDir = filepath.Join(cfg.StorageDir, "nested", "data")

	n, err := newNode(cfg, discardLogger())
	require.NoError(t, err)
	defer n.Close()

	st, err := os.Stat(cfg.StorageDir)
	require.NoError(t, err)
	assert.True(t, st.IsDir())
}
