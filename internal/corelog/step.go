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

package corelog

import (
	"log/slog"
	"time"
)

// StepAttempt describes a single step attempt for lifecycle logging.
type StepAttempt struct {
	RunID     string
	StepID    string
	Attempt   int
	StepType  string
}

// StepOutcome describes how an attempt ended.
type StepOutcome struct {
	Status     string
	ErrorKind  string
	Error      string
	DurationMs int64
}

// LogStepStart logs the beginning of a step attempt.
func LogStepStart(logger *slog.Logger, a StepAttempt) {
	logger.Info("step attempt started",
		slog.String(RunIDKey, a.RunID),
		slog.String(StepIDKey, a.StepID),
		slog.Int("attempt", a.Attempt),
		slog.String("step_type", a.StepType),
	)
}

// LogStepEnd logs the completion of a step attempt, at warn level when the
// outcome is non-terminal-success so operators can grep for it directly.
func LogStepEnd(logger *slog.Logger, a StepAttempt, o StepOutcome) {
	attrs := []any{
		slog.String(RunIDKey, a.RunID),
		slog.String(StepIDKey, a.StepID),
		slog.Int("attempt", a.Attempt),
		slog.String("status", o.Status),
		slog.Int64("duration_ms", o.DurationMs),
	}
	if o.ErrorKind != "" {
		attrs = append(attrs, slog.String("error_kind", o.ErrorKind), slog.String("error", o.Error))
		logger.Warn("step attempt failed", attrs...)
		return
	}
	logger.Info("step attempt completed", attrs...)
}

// Timed runs fn and returns the elapsed time in milliseconds alongside its error.
func Timed(fn func() error) (int64, error) {
	start := time.Now()
	err := fn()
	return time.Since(start).Milliseconds(), err
}
