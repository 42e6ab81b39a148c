package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "locsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	path := writeConfig(t, "machine:\n  id: m1\n  dataDir: /var/lib/locsync\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "m1", cfg.Machine.ID)
	assert.Equal(t, "checkpoints-1", cfg.Checkpoint.Prefix())
	assert.Equal(t, 5*time.Minute, cfg.Checkpoint.MasterLeaseExpiry)
	assert.Equal(t, time.Minute, cfg.Checkpoint.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, cfg.Checkpoint.CreateInterval)
	assert.Equal(t, 10*time.Minute, cfg.Checkpoint.RestoreInterval)
	assert.Equal(t, 2*time.Hour, cfg.Checkpoint.LocationEntryExpiry)
	assert.True(t, cfg.Checkpoint.Reconciliation)
	assert.False(t, cfg.Checkpoint.Incremental)
	assert.Equal(t, "auto", cfg.Checkpoint.Election)
	assert.Equal(t, 5*time.Hour, cfg.CentralStore.Blob.Retention)
	assert.Equal(t, 5*time.Hour, cfg.CentralStore.Local.Retention)
	assert.Equal(t, 10*time.Minute, cfg.CentralStore.Blob.OperationTimeout)
	assert.Equal(t, 3, cfg.Distributed.PropagationIterations)
	assert.Equal(t, 5*time.Second, cfg.Distributed.PropagationDelay)
	assert.Equal(t, 10, cfg.Distributed.MaxSimultaneousCopies)
	assert.Equal(t, int64(1<<30), cfg.Distributed.MaxRetentionBytes())
	assert.Equal(t, 7089, cfg.Copy.Port)
	assert.Equal(t, filepath.Join("/var/lib/locsync", "content"), cfg.Content.Root)

	assert.IsType(t, CheckpointDisabled{}, cfg.Checkpointing())
}

func TestCheckpointEnabled(t *testing.T) {
	path := writeConfig(t, `
machine:
  id: m1
checkpoint:
  workingDirectory: /tmp/cp
  epoch: "7"
  createInterval: 30s
centralStore:
  kind: blob
  blob:
    connectionStrings: ["http://a:8080", "http://b:8080"]
    container: checkpoints
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	enabled, ok := cfg.Checkpointing().(CheckpointEnabled)
	require.True(t, ok)
	assert.Equal(t, "checkpoints-7", enabled.Prefix)
	assert.Equal(t, 30*time.Second, enabled.Checkpoint.CreateInterval)
	assert.Equal(t, []string{"http://a:8080", "http://b:8080"}, enabled.Central.Blob.ConnectionStrings)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("LOCSYNC_MACHINE_ID", "from-env")
	t.Setenv("LOCSYNC_CHECKPOINT_EPOCH", "9")
	t.Setenv("LOCSYNC_COPY_PORT", "7100")

	cfg, err := Load(writeConfig(t, "machine:\n  id: from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Machine.ID)
	assert.Equal(t, "checkpoints-9", cfg.Checkpoint.Prefix())
	assert.Equal(t, 7100, cfg.Copy.Port)
}

func TestValidation(t *testing.T) {
	cases := map[string]string{
		"checkpoint without central store": "checkpoint:\n  workingDirectory: /tmp/cp\n",
		"blob without connection strings":  "centralStore:\n  kind: blob\n  blob:\n    container: c\n",
		"blob without container":           "centralStore:\n  kind: blob\n  blob:\n    connectionStrings: [\"http://a\"]\n",
		"unknown central store":            "centralStore:\n  kind: s3\n",
		"unknown election": `
checkpoint:
  workingDirectory: /tmp/cp
  election: always
centralStore:
  kind: local
  local:
    directory: /tmp/central
`,
		"zero interval": `
checkpoint:
  workingDirectory: /tmp/cp
  restoreInterval: 0s
centralStore:
  kind: local
  local:
    directory: /tmp/central
`,
		"local without retention": "centralStore:\n  kind: local\n  local:\n    directory: /tmp/central\n    retention: 0s\n",
		"unknown shared state":    "sharedState:\n  kind: etcd\n",
		"bad copy port":           "copy:\n  port: 70000\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDerivedPaths(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
machine:
  dataDir: /data
sharedState:
  kind: sqlite
distributed:
  enabled: true
`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "shared.db"), cfg.SharedState.Path)
	assert.Equal(t, filepath.Join("/data", "propagation"), cfg.Distributed.CacheRoot)
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg, err := Load(writeConfig(t, "machine:\n  id: m1\n"))
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, cfg.Checkpoint.RestoreInterval, back.Checkpoint.RestoreInterval)
	assert.Equal(t, cfg.Machine.ID, back.Machine.ID)
	assert.Contains(t, string(out), "restoreInterval: 10m0s")
}
