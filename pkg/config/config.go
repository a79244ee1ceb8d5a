package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agenthub/hive/pkg/types"
)

// Config is the single source of tunables for the hub. Every field has a
// default and an env override; an optional YAML file can pre-populate the
// struct before env values are applied. Values are read once at boot.
type Config struct {
	// Server
	ListenAddr   string `yaml:"listen_addr"`
	DataDir      string `yaml:"data_dir"`
	LogLevel     string `yaml:"log_level"`
	LogJSON      bool   `yaml:"log_json"`
	AuthRequired bool   `yaml:"auth_required"`

	// Payload limits
	MessageMaxChars      int `yaml:"message_max_chars"`
	ContextValueMaxChars int `yaml:"context_value_max_chars"`

	// Blob compression policy
	BlobMinPayloadChars int `yaml:"blob_min_payload_chars"`
	BlobMinGainPct      int `yaml:"blob_min_gain_pct"`

	// Watermarks
	WatermarkCacheMS       int64 `yaml:"watermark_cache_ms"`
	WatermarkAgentCacheMax int   `yaml:"watermark_agent_cache_max"`

	// Claims and leases (seconds)
	LeaseMinSec     int64 `yaml:"lease_min_sec"`
	LeaseMaxSec     int64 `yaml:"lease_max_sec"`
	LeaseDefaultSec int64 `yaml:"lease_default_sec"`

	// Done gate
	CheapMinConfidence  float64 `yaml:"cheap_min_confidence"`
	StrictMinConfidence float64 `yaml:"strict_min_confidence"`
	BaseRequiredConf    float64 `yaml:"base_required_confidence"`
	MinEvidenceCheap    int     `yaml:"min_evidence_cheap"`
	MinEvidenceStrict   int     `yaml:"min_evidence_strict"`
	DefaultConsistency  string  `yaml:"default_consistency_mode"`

	// Consensus
	MaxConsensusVotes int `yaml:"max_consensus_votes"`

	// Wait loop
	MaxWaitMS         int64   `yaml:"max_wait_ms"`
	RetryBackoffBase  float64 `yaml:"retry_backoff_factor"`
	RetryBackoffCapMS int64   `yaml:"retry_backoff_cap_ms"`
	RetryJitterPct    int     `yaml:"retry_jitter_pct"`

	// Maintenance intervals and TTLs (milliseconds)
	MaintenanceIntervalMS     int64 `yaml:"maintenance_interval_ms"`
	PersistentOfflineMS       int64 `yaml:"persistent_offline_ms"`
	EphemeralOfflineMS        int64 `yaml:"ephemeral_offline_ms"`
	EphemeralClaimReapAfterMS int64 `yaml:"ephemeral_claim_reap_after_ms"`
	PersistentAgentTTLMS      int64 `yaml:"persistent_agent_ttl_ms"`
	EphemeralAgentTTLMS       int64 `yaml:"ephemeral_agent_ttl_ms"`
	IdempotencyTTLMS          int64 `yaml:"idempotency_ttl_ms"`
	MessageTTLMS              int64 `yaml:"message_ttl_ms"`
	ActivityTTLMS             int64 `yaml:"activity_ttl_ms"`
	BlobTTLMS                 int64 `yaml:"blob_ttl_ms"`
	ArtifactTTLMS             int64 `yaml:"artifact_ttl_ms"`
	AuthEventTTLMS            int64 `yaml:"auth_event_ttl_ms"`
	ResolvedSloTTLMS          int64 `yaml:"resolved_slo_ttl_ms"`
	TaskArchiveTTLMS          int64 `yaml:"task_archive_ttl_ms"`
	TaskArchiveBatchLimit     int   `yaml:"task_archive_batch_limit"`

	// SLO evaluator
	SloPendingAgeMS        int64 `yaml:"slo_pending_age_ms"`
	SloStaleInProgressMS   int64 `yaml:"slo_stale_in_progress_ms"`
	SloClaimChurnWindowMS  int64 `yaml:"slo_claim_churn_window_ms"`
	SloClaimChurnThreshold int   `yaml:"slo_claim_churn_threshold"`

	// Artifact side channel
	ArtifactDir          string `yaml:"artifact_dir"`
	ArtifactMaxBytes     int64  `yaml:"artifact_max_bytes"`
	ArtifactTicketTTLSec int64  `yaml:"artifact_ticket_ttl_sec"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		ListenAddr: ":8765",
		DataDir:    "./data",
		LogLevel:   "info",
		LogJSON:    true,

		MessageMaxChars:      1024,
		ContextValueMaxChars: 2048,

		BlobMinPayloadChars: 512,
		BlobMinGainPct:      12,

		WatermarkCacheMS:       75,
		WatermarkAgentCacheMax: 5000,

		LeaseMinSec:     30,
		LeaseMaxSec:     86400,
		LeaseDefaultSec: 300,

		CheapMinConfidence:  0.75,
		StrictMinConfidence: 0.95,
		BaseRequiredConf:    0.9,
		MinEvidenceCheap:    1,
		MinEvidenceStrict:   2,
		DefaultConsistency:  string(types.ConsistencyCheap),

		MaxConsensusVotes: 1000,

		MaxWaitMS:         25_000,
		RetryBackoffBase:  1.5,
		RetryBackoffCapMS: 10_000,
		RetryJitterPct:    20,

		MaintenanceIntervalMS:     30_000,
		PersistentOfflineMS:       30 * 60 * 1000,
		EphemeralOfflineMS:        5 * 60 * 1000,
		EphemeralClaimReapAfterMS: 0, // derived, see Normalize
		PersistentAgentTTLMS:      7 * 24 * int64(time.Hour/time.Millisecond),
		EphemeralAgentTTLMS:       2 * int64(time.Hour/time.Millisecond),
		IdempotencyTTLMS:          10 * 60 * 1000,
		MessageTTLMS:              24 * int64(time.Hour/time.Millisecond),
		ActivityTTLMS:             24 * int64(time.Hour/time.Millisecond),
		BlobTTLMS:                 7 * 24 * int64(time.Hour/time.Millisecond),
		ArtifactTTLMS:             7 * 24 * int64(time.Hour/time.Millisecond),
		AuthEventTTLMS:            7 * 24 * int64(time.Hour/time.Millisecond),
		ResolvedSloTTLMS:          14 * 24 * int64(time.Hour/time.Millisecond),
		TaskArchiveTTLMS:          7 * 24 * int64(time.Hour/time.Millisecond),
		TaskArchiveBatchLimit:     200,

		SloPendingAgeMS:        30 * 60 * 1000,
		SloStaleInProgressMS:   20 * 60 * 1000,
		SloClaimChurnWindowMS:  10 * 60 * 1000,
		SloClaimChurnThreshold: 120,

		ArtifactDir:          "", // defaults to <DataDir>/artifacts
		ArtifactMaxBytes:     64 << 20,
		ArtifactTicketTTLSec: 600,
	}
}

// Load builds the effective config: defaults, then the optional YAML file
// at path (empty path skips), then env overrides, then normalization.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.Normalize()
	return cfg, nil
}

// Normalize clamps out-of-range values and derives dependent defaults.
func (c *Config) Normalize() {
	if c.MaxWaitMS < 100 {
		c.MaxWaitMS = 100
	}
	if c.MaxWaitMS > 300_000 {
		c.MaxWaitMS = 300_000
	}
	if c.RetryBackoffBase < 1.0 {
		c.RetryBackoffBase = 1.0
	}
	if c.RetryBackoffBase > 3.0 {
		c.RetryBackoffBase = 3.0
	}
	if c.RetryBackoffCapMS < 100 {
		c.RetryBackoffCapMS = 100
	}
	if c.RetryBackoffCapMS > 120_000 {
		c.RetryBackoffCapMS = 120_000
	}
	if c.RetryJitterPct < 0 {
		c.RetryJitterPct = 0
	}
	if c.RetryJitterPct > 80 {
		c.RetryJitterPct = 80
	}
	if c.StrictMinConfidence < c.BaseRequiredConf {
		c.StrictMinConfidence = c.BaseRequiredConf
	}
	if c.EphemeralClaimReapAfterMS <= 0 {
		reap := 2 * c.EphemeralOfflineMS
		if reap < 60_000 {
			reap = 60_000
		}
		c.EphemeralClaimReapAfterMS = reap
	}
	if c.ArtifactDir == "" {
		c.ArtifactDir = c.DataDir + "/artifacts"
	}
	if c.DefaultConsistency != string(types.ConsistencyStrict) {
		c.DefaultConsistency = string(types.ConsistencyCheap)
	}
}

// DefaultConsistencyMode returns the env-default done-gate regime.
func (c *Config) DefaultConsistencyMode() types.ConsistencyMode {
	if c.DefaultConsistency == string(types.ConsistencyStrict) {
		return types.ConsistencyStrict
	}
	return types.ConsistencyCheap
}

func (c *Config) applyEnv() {
	envStr("HIVE_LISTEN_ADDR", &c.ListenAddr)
	envStr("HIVE_DATA_DIR", &c.DataDir)
	envStr("HIVE_LOG_LEVEL", &c.LogLevel)
	envBool("HIVE_LOG_JSON", &c.LogJSON)
	envBool("AUTH_REQUIRED", &c.AuthRequired)

	envInt("MESSAGE_MAX_CHARS", &c.MessageMaxChars)
	envInt("CONTEXT_VALUE_MAX_CHARS", &c.ContextValueMaxChars)

	envInt("BLOB_MIN_PAYLOAD_CHARS", &c.BlobMinPayloadChars)
	envInt("BLOB_MIN_GAIN_PCT", &c.BlobMinGainPct)

	envInt64("WATERMARK_CACHE_MS", &c.WatermarkCacheMS)
	envInt("WATERMARK_AGENT_CACHE_MAX", &c.WatermarkAgentCacheMax)

	envInt64("LEASE_MIN_SEC", &c.LeaseMinSec)
	envInt64("LEASE_MAX_SEC", &c.LeaseMaxSec)
	envInt64("LEASE_DEFAULT_SEC", &c.LeaseDefaultSec)

	envFloat("DONE_GATE_CHEAP_MIN_CONFIDENCE", &c.CheapMinConfidence)
	envFloat("DONE_GATE_STRICT_MIN_CONFIDENCE", &c.StrictMinConfidence)
	envFloat("DONE_GATE_BASE_REQUIRED_CONFIDENCE", &c.BaseRequiredConf)
	envInt("DONE_GATE_MIN_EVIDENCE_CHEAP", &c.MinEvidenceCheap)
	envInt("DONE_GATE_MIN_EVIDENCE_STRICT", &c.MinEvidenceStrict)
	envStr("DEFAULT_CONSISTENCY_MODE", &c.DefaultConsistency)

	envInt("MAX_CONSENSUS_VOTES", &c.MaxConsensusVotes)

	envInt64("MAX_WAIT_MS", &c.MaxWaitMS)
	envFloat("RETRY_BACKOFF_FACTOR", &c.RetryBackoffBase)
	envInt64("RETRY_BACKOFF_CAP_MS", &c.RetryBackoffCapMS)
	envInt("RETRY_JITTER_PCT", &c.RetryJitterPct)

	envInt64("MAINTENANCE_INTERVAL_MS", &c.MaintenanceIntervalMS)
	envInt64("PERSISTENT_OFFLINE_MS", &c.PersistentOfflineMS)
	envInt64("EPHEMERAL_OFFLINE_MS", &c.EphemeralOfflineMS)
	envInt64("EPHEMERAL_CLAIM_REAP_AFTER_MS", &c.EphemeralClaimReapAfterMS)
	envInt64("PERSISTENT_AGENT_TTL_MS", &c.PersistentAgentTTLMS)
	envInt64("EPHEMERAL_AGENT_TTL_MS", &c.EphemeralAgentTTLMS)
	envInt64("IDEMPOTENCY_TTL_MS", &c.IdempotencyTTLMS)
	envInt64("MESSAGE_TTL_MS", &c.MessageTTLMS)
	envInt64("ACTIVITY_TTL_MS", &c.ActivityTTLMS)
	envInt64("BLOB_TTL_MS", &c.BlobTTLMS)
	envInt64("ARTIFACT_TTL_MS", &c.ArtifactTTLMS)
	envInt64("AUTH_EVENT_TTL_MS", &c.AuthEventTTLMS)
	envInt64("RESOLVED_SLO_TTL_MS", &c.ResolvedSloTTLMS)
	envInt64("TASK_ARCHIVE_TTL_MS", &c.TaskArchiveTTLMS)
	envInt("TASK_ARCHIVE_BATCH_LIMIT", &c.TaskArchiveBatchLimit)

	envInt64("SLO_PENDING_AGE_MS", &c.SloPendingAgeMS)
	envInt64("SLO_STALE_IN_PROGRESS_MS", &c.SloStaleInProgressMS)
	envInt64("SLO_CLAIM_CHURN_WINDOW_MS", &c.SloClaimChurnWindowMS)
	envInt("SLO_CLAIM_CHURN_THRESHOLD", &c.SloClaimChurnThreshold)

	envStr("ARTIFACT_DIR", &c.ArtifactDir)
	envInt64("ARTIFACT_MAX_BYTES", &c.ArtifactMaxBytes)
	envInt64("ARTIFACT_TICKET_TTL_SEC", &c.ArtifactTicketTTLSec)
}

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}
