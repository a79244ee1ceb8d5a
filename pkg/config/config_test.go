package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/hive/pkg/types"
)

func TestDefaults(t *testing.T) {
	c := Default()

	assert.Equal(t, ":8765", c.ListenAddr)
	assert.Equal(t, 1024, c.MessageMaxChars)
	assert.Equal(t, 2048, c.ContextValueMaxChars)
	assert.Equal(t, int64(30), c.LeaseMinSec)
	assert.Equal(t, int64(86400), c.LeaseMaxSec)
	assert.Equal(t, int64(300), c.LeaseDefaultSec)
	assert.Equal(t, 0.75, c.CheapMinConfidence)
	assert.Equal(t, 0.95, c.StrictMinConfidence)
	assert.Equal(t, int64(64<<20), c.ArtifactMaxBytes)
	assert.Equal(t, int64(600), c.ArtifactTicketTTLSec)
	assert.Equal(t, types.ConsistencyCheap, c.DefaultConsistencyMode())
}

func TestNormalizeClampsAndDerives(t *testing.T) {
	c := Default()
	c.MaxWaitMS = 5
	c.RetryBackoffBase = 9
	c.RetryBackoffCapMS = 999_999
	c.RetryJitterPct = 200
	c.StrictMinConfidence = 0.5
	c.BaseRequiredConf = 0.9
	c.DefaultConsistency = "bogus"
	c.Normalize()

	assert.Equal(t, int64(100), c.MaxWaitMS)
	assert.Equal(t, 3.0, c.RetryBackoffBase)
	assert.Equal(t, int64(120_000), c.RetryBackoffCapMS)
	assert.Equal(t, 80, c.RetryJitterPct)
	// Strict can never demand less than the base requirement.
	assert.Equal(t, 0.9, c.StrictMinConfidence)
	assert.Equal(t, string(types.ConsistencyCheap), c.DefaultConsistency)
}

func TestNormalizeDerivesReapAndArtifactDir(t *testing.T) {
	c := Default()
	c.DataDir = "/var/lib/hive"
	c.EphemeralOfflineMS = 10_000
	c.Normalize()

	assert.Equal(t, "/var/lib/hive/artifacts", c.ArtifactDir)
	// The reap delay floors at one minute.
	assert.Equal(t, int64(60_000), c.EphemeralClaimReapAfterMS)

	c = Default()
	c.EphemeralOfflineMS = 300_000
	c.Normalize()
	assert.Equal(t, int64(600_000), c.EphemeralClaimReapAfterMS)

	// An explicit reap delay wins.
	c = Default()
	c.EphemeralClaimReapAfterMS = 42_000
	c.Normalize()
	assert.Equal(t, int64(42_000), c.EphemeralClaimReapAfterMS)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hive.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"listen_addr: \":9999\"\nmessage_max_chars: 4096\nauth_required: true\n",
	), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", c.ListenAddr)
	assert.Equal(t, 4096, c.MessageMaxChars)
	assert.True(t, c.AuthRequired)
	// Untouched fields keep their defaults.
	assert.Equal(t, 2048, c.ContextValueMaxChars)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8765", c.ListenAddr)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HIVE_LISTEN_ADDR", ":7001")
	t.Setenv("MESSAGE_MAX_CHARS", "512")
	t.Setenv("AUTH_REQUIRED", "yes")
	t.Setenv("RETRY_BACKOFF_FACTOR", "2.5")
	t.Setenv("DEFAULT_CONSISTENCY_MODE", "strict")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7001", c.ListenAddr)
	assert.Equal(t, 512, c.MessageMaxChars)
	assert.True(t, c.AuthRequired)
	assert.Equal(t, 2.5, c.RetryBackoffBase)
	assert.Equal(t, types.ConsistencyStrict, c.DefaultConsistencyMode())
}

func TestEnvIgnoresMalformed(t *testing.T) {
	t.Setenv("MESSAGE_MAX_CHARS", "not-a-number")
	t.Setenv("AUTH_REQUIRED", "maybe")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1024, c.MessageMaxChars)
	assert.False(t, c.AuthRequired)
}
