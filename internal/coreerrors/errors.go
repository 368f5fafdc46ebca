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

// Package coreerrors defines the orchestration core's error taxonomy.
//
// Every error the core returns across a component boundary is one of the
// Kinds below. Callers use errors.As against the concrete type, or
// Classify to get the Kind without knowing the concrete type.
package coreerrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies which propagation policy an error follows.
type Kind string

const (
	KindValidation           Kind = "validation"
	KindSchemaMismatch       Kind = "schema_mismatch"
	KindConflict             Kind = "conflict"
	KindNotFound             Kind = "not_found"
	KindRateLimited          Kind = "rate_limited"
	KindPaused               Kind = "paused"
	KindTimeout              Kind = "timeout"
	KindServiceUnhealthy     Kind = "service_unhealthy"
	KindPartitionKeyRequired Kind = "partition_key_required"
	KindRetryableExternal    Kind = "retryable_external"
	KindFatalInternal        Kind = "fatal_internal"
)

// Classifier lets callers recover a Kind without a type switch.
type Classifier interface {
	error
	ErrorKind() Kind
	// IsRetryable reports whether a retry policy should treat this as
	// grounds for another attempt (timeout, retryable_external).
	IsRetryable() bool
}

// ValidationError — bad shape, bad slug, bad reference, unknown step id.
type ValidationError struct {
	Field      string
	Message    string
	Suggestion string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}
func (e *ValidationError) ErrorKind() Kind  { return KindValidation }
func (e *ValidationError) IsRetryable() bool { return false }

// SchemaMismatchError — schema version/hash disagreement.
type SchemaMismatchError struct {
	EventType string
	Version   int
	Reason    string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch for %s v%d: %s", e.EventType, e.Version, e.Reason)
}
func (e *SchemaMismatchError) ErrorKind() Kind  { return KindSchemaMismatch }
func (e *SchemaMismatchError) IsRetryable() bool { return false }

// ConflictError — run-key conflict, duplicate bundle version.
// ExistingID carries the id of the row that already owns the conflicting
// identity, so callers (trigger evaluator, materializer) can fold onto it.
type ConflictError struct {
	Resource   string
	Identity   string
	ExistingID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict on %s (existing: %s)", e.Resource, e.Identity, e.ExistingID)
}
func (e *ConflictError) ErrorKind() Kind  { return KindConflict }
func (e *ConflictError) IsRetryable() bool { return false }

// NotFoundError — unknown workflow, asset, trigger, or bundle.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.Resource, e.ID) }
func (e *NotFoundError) ErrorKind() Kind  { return KindNotFound }
func (e *NotFoundError) IsRetryable() bool { return false }

// RateLimitedError — source throttled, scaling update too soon.
type RateLimitedError struct {
	Subject    string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s rate limited, retry after %s", e.Subject, e.RetryAfter)
}
func (e *RateLimitedError) ErrorKind() Kind  { return KindRateLimited }
func (e *RateLimitedError) IsRetryable() bool { return false }

// PausedError — source/trigger paused.
type PausedError struct {
	Subject string
	Until   time.Time
	Reason  string
}

func (e *PausedError) Error() string {
	return fmt.Sprintf("%s paused until %s: %s", e.Subject, e.Until.Format(time.RFC3339), e.Reason)
}
func (e *PausedError) ErrorKind() Kind  { return KindPaused }
func (e *PausedError) IsRetryable() bool { return false }

// TimeoutError — step or service call deadline exceeded.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
	Cause     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Duration)
}
func (e *TimeoutError) Unwrap() error    { return e.Cause }
func (e *TimeoutError) ErrorKind() Kind  { return KindTimeout }
func (e *TimeoutError) IsRetryable() bool { return true }

// ServiceUnhealthyError — ServiceStep target not healthy (and allowDegraded=false).
type ServiceUnhealthyError struct {
	ServiceSlug string
	Status      string
}

func (e *ServiceUnhealthyError) Error() string {
	return fmt.Sprintf("service %s is %s", e.ServiceSlug, e.Status)
}
func (e *ServiceUnhealthyError) ErrorKind() Kind  { return KindServiceUnhealthy }
func (e *ServiceUnhealthyError) IsRetryable() bool { return false }

// PartitionKeyRequiredError — partitioned asset produced without a key.
type PartitionKeyRequiredError struct {
	AssetID string
	StepID  string
}

func (e *PartitionKeyRequiredError) Error() string {
	return fmt.Sprintf("asset %s produced by step %s requires a partition key", e.AssetID, e.StepID)
}
func (e *PartitionKeyRequiredError) ErrorKind() Kind  { return KindPartitionKeyRequired }
func (e *PartitionKeyRequiredError) IsRetryable() bool { return false }

// RetryableExternalError — transient broker/store/HTTP error.
type RetryableExternalError struct {
	Operation string
	Cause     error
}

func (e *RetryableExternalError) Error() string {
	return fmt.Sprintf("%s: transient external error: %v", e.Operation, e.Cause)
}
func (e *RetryableExternalError) Unwrap() error    { return e.Cause }
func (e *RetryableExternalError) ErrorKind() Kind  { return KindRetryableExternal }
func (e *RetryableExternalError) IsRetryable() bool { return true }

// FatalInternalError — unexpected exception; run fails and is not retried.
type FatalInternalError struct {
	Context string
	Cause   error
}

func (e *FatalInternalError) Error() string {
	return fmt.Sprintf("internal error in %s: %v", e.Context, e.Cause)
}
func (e *FatalInternalError) Unwrap() error    { return e.Cause }
func (e *FatalInternalError) ErrorKind() Kind  { return KindFatalInternal }
func (e *FatalInternalError) IsRetryable() bool { return false }

// Classify extracts the Kind from err, walking the Unwrap chain.
// Unclassified errors are treated as fatal_internal, matching the
// propagation policy in spec.md §7.
func Classify(err error) Kind {
	var c Classifier
	if errors.As(err, &c) {
		return c.ErrorKind()
	}
	return KindFatalInternal
}

// IsRetryable reports whether err's kind drives retry policy
// (timeout, retryable_external; rate_limited is handled as ingress
// control flow rather than step retry).
func IsRetryable(err error) bool {
	var c Classifier
	if errors.As(err, &c) {
		return c.IsRetryable()
	}
	return false
}

// Truncate caps an error message to the first n characters, matching the
// "first 500 chars" rule for WorkflowStepRun.errorMessage in spec.md §7.
func Truncate(msg string, n int) string {
	runes := []rune(msg)
	if len(runes) <= n {
		return msg
	}
	return string(runes[:n])
}
