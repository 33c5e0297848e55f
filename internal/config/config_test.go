package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 4, cfg.TaskMaxAttempts)
	require.Equal(t, 1*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 30*time.Second, cfg.HeartbeatTimeout)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
task:
  max-attempts: 6
vertex:
  failure-tolerance: 0.1
heartbeat-interval-ms: 500
am:
  profile-containers:
    - "1"
    - "7"
  profile-jvm-opts: "-Xprof"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 6, cfg.TaskMaxAttempts)
	require.InDelta(t, 0.1, cfg.VertexFailureTol, 1e-9)
	require.Equal(t, 500*time.Millisecond, cfg.HeartbeatInterval)
	require.True(t, cfg.ShouldProfile(1))
	require.True(t, cfg.ShouldProfile(7))
	require.False(t, cfg.ShouldProfile(2))
	require.Equal(t, "-Xprof", cfg.ProfileJVMOpts)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/am.yaml")
	require.Error(t, err)
}
