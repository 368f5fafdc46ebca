// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package corelog provides the structured logging conventions shared by
// every orchestration-core component.
package corelog

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// LevelTrace is more verbose than Debug; used for template-resolution and
// DAG-planning traces, which are too chatty for Debug in production.
const LevelTrace = slog.Level(-8)

// Standard field keys, kept consistent across every component so that log
// aggregation can join on them.
const (
	RunIDKey     = "run_id"
	StepIDKey    = "step_id"
	WorkflowKey  = "workflow"
	EventIDKey   = "event_id"
	SourceKey    = "source"
	TriggerIDKey = "trigger_id"
	AssetIDKey   = "asset_id"
	QueueKey     = "queue"
)

// Config holds logging configuration.
type Config struct {
	Level     string
	Format    Format
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns sensible defaults: info level, JSON, stderr.
func DefaultConfig() *Config {
	return &Config{Level: "info", Format: FormatJSON, Output: os.Stderr}
}

// FromEnv builds a Config from the environment.
//
//   - APPHUB_DEBUG: true/1 enables debug level and source logging.
//   - APPHUB_LOG_LEVEL: trace, debug, info, warn, error.
//   - APPHUB_LOG_FORMAT: json, text.
//   - APPHUB_LOG_SOURCE: 1 enables source file/line.
func FromEnv() *Config {
	cfg := DefaultConfig()

	debug := os.Getenv("APPHUB_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	}
	if debug == "" {
		if level := os.Getenv("APPHUB_LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}
	if format := os.Getenv("APPHUB_LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}
	if os.Getenv("APPHUB_LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}
	return cfg
}

// New builds a *slog.Logger from cfg.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRun returns a logger annotated with run and workflow identity.
func WithRun(logger *slog.Logger, runID, workflow string) *slog.Logger {
	return logger.With(slog.String(RunIDKey, runID), slog.String(WorkflowKey, workflow))
}

// WithStep returns a logger annotated with run and step identity.
func WithStep(logger *slog.Logger, runID, stepID string) *slog.Logger {
	return logger.With(slog.String(RunIDKey, runID), slog.String(StepIDKey, stepID))
}

// WithSource returns a logger annotated with an ingress source name.
func WithSource(logger *slog.Logger, source string) *slog.Logger {
	return logger.With(slog.String(SourceKey, source))
}

// WithTrigger returns a logger annotated with a trigger id.
func WithTrigger(logger *slog.Logger, triggerID string) *slog.Logger {
	return logger.With(slog.String(TriggerIDKey, triggerID))
}

// Trace logs at the custom trace level; callers should guard expensive
// attribute construction with logger.Enabled when on a hot path.
func Trace(logger *slog.Logger, msg string, attrs ...slog.Attr) {
	if !logger.Enabled(nil, LevelTrace) {
		return
	}
	logger.LogAttrs(nil, LevelTrace, msg, attrs...)
}
