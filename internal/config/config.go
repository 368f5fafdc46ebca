// Package config loads the orchestration core's environment-driven options,
// enumerated in spec.md §6. It follows the teacher's FromEnv convention: one
// struct, one loader, defaults applied where the environment is silent.
package config

import (
	"encoding/json"
	"os"
	"strconv"
)

// QueueMode selects how the Queue Layer executes jobs.
type QueueMode string

const (
	QueueModeInline      QueueMode = "inline"
	QueueModeDistributed QueueMode = "distributed"
)

// SourceRateLimit is one entry of EVENT_SOURCE_RATE_LIMITS.
type SourceRateLimit struct {
	Source     string `json:"source"`
	Limit      int    `json:"limit"`
	IntervalMs int64  `json:"intervalMs"`
	PauseMs    int64  `json:"pauseMs"`
}

// Config is the full set of environment-driven options from spec.md §6.
type Config struct {
	// Mode: REDIS_URL=inline or APPHUB_EVENTS_MODE=inline selects inline
	// queue mode; any other value (or unset) selects distributed.
	QueueMode QueueMode

	EventTriggerAttempts  int
	EventTriggerBackoffMs int64

	EventRetryBaseMs      int64
	EventRetryFactor      float64
	EventRetryMaxMs       int64
	EventRetryJitterRatio float64

	IngestJobAttempts  int
	IngestJobBackoffMs int64

	EventSourceRateLimits []SourceRateLimit

	EventTriggerErrorThreshold int
	EventTriggerErrorWindowMs  int64
	EventTriggerPauseMs        int64

	AssetMaterializerBaseBackoffMs      int64
	AssetMaterializerMaxBackoffMs       int64
	AssetMaterializerRefreshIntervalMs  int64

	EventSchemaEnforce bool
}

// Default returns the core's built-in defaults, used whenever the
// corresponding environment variable is unset or unparsable.
func Default() Config {
	return Config{
		QueueMode:                          QueueModeDistributed,
		EventTriggerAttempts:                5,
		EventTriggerBackoffMs:               1000,
		EventRetryBaseMs:                    1000,
		EventRetryFactor:                    2.0,
		EventRetryMaxMs:                     300000,
		EventRetryJitterRatio:               0.2,
		IngestJobAttempts:                   3,
		IngestJobBackoffMs:                  1000,
		EventTriggerErrorThreshold:          5,
		EventTriggerErrorWindowMs:           300000,
		EventTriggerPauseMs:                 600000,
		AssetMaterializerBaseBackoffMs:      30000,
		AssetMaterializerMaxBackoffMs:       600000,
		AssetMaterializerRefreshIntervalMs:  60000,
		EventSchemaEnforce:                  false,
	}
}

// FromEnv loads Config from the process environment, falling back to
// Default() for anything absent or malformed.
func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv("REDIS_URL"); v == "inline" {
		cfg.QueueMode = QueueModeInline
	}
	if os.Getenv("APPHUB_EVENTS_MODE") == "inline" {
		cfg.QueueMode = QueueModeInline
	}

	intEnv(&cfg.EventTriggerAttempts, "EVENT_TRIGGER_ATTEMPTS")
	int64Env(&cfg.EventTriggerBackoffMs, "EVENT_TRIGGER_BACKOFF_MS")
	int64Env(&cfg.EventRetryBaseMs, "EVENT_RETRY_BASE_MS")
	floatEnv(&cfg.EventRetryFactor, "EVENT_RETRY_FACTOR")
	int64Env(&cfg.EventRetryMaxMs, "EVENT_RETRY_MAX_MS")
	floatEnv(&cfg.EventRetryJitterRatio, "EVENT_RETRY_JITTER_RATIO")
	intEnv(&cfg.IngestJobAttempts, "INGEST_JOB_ATTEMPTS")
	int64Env(&cfg.IngestJobBackoffMs, "INGEST_JOB_BACKOFF_MS")
	intEnv(&cfg.EventTriggerErrorThreshold, "EVENT_TRIGGER_ERROR_THRESHOLD")
	int64Env(&cfg.EventTriggerErrorWindowMs, "EVENT_TRIGGER_WINDOW_MS")
	int64Env(&cfg.EventTriggerPauseMs, "EVENT_TRIGGER_PAUSE_MS")
	int64Env(&cfg.AssetMaterializerBaseBackoffMs, "ASSET_MATERIALIZER_BASE_BACKOFF_MS")
	int64Env(&cfg.AssetMaterializerMaxBackoffMs, "ASSET_MATERIALIZER_MAX_BACKOFF_MS")
	int64Env(&cfg.AssetMaterializerRefreshIntervalMs, "ASSET_MATERIALIZER_REFRESH_INTERVAL_MS")

	if v := os.Getenv("APPHUB_EVENT_SCHEMA_ENFORCE"); v != "" {
		cfg.EventSchemaEnforce = v == "true" || v == "1"
	}

	if v := os.Getenv("EVENT_SOURCE_RATE_LIMITS"); v != "" {
		var limits []SourceRateLimit
		if err := json.Unmarshal([]byte(v), &limits); err == nil {
			cfg.EventSourceRateLimits = limits
		}
	}

	return cfg
}

func intEnv(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func int64Env(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func floatEnv(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = n
		}
	}
}
