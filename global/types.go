/******************************************************************************
 * Copyright (c) 2025-2026 Tenwall Systems Inc.                               *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package global

import "time"

// FailureKind classifies why an execution did not produce a usable answer.
type FailureKind string

const (
	FailureNone            FailureKind = ""
	FailureConfiguration   FailureKind = "configuration_error"
	FailureSpawn           FailureKind = "spawn_error"
	FailureRollingTimeout  FailureKind = "rolling_timeout"
	FailureAbsoluteTimeout FailureKind = "absolute_timeout"
	FailureQuotaExceeded   FailureKind = "quota_exceeded"
	FailureRateLimited     FailureKind = "rate_limited"
	FailureCancelled       FailureKind = "cancelled"
	FailureProcessExit     FailureKind = "process_exit"
)

// ExecutionRequest describes one prompt to run through the CLI.
type ExecutionRequest struct {
	Prompt            string `json:"prompt"`
	Model             string `json:"model,omitempty"`    // empty means primary
	Sandbox           bool   `json:"sandbox,omitempty"`  // run the CLI in sandbox mode
	RollingTimeoutMs  int    `json:"rolling_timeout_ms,omitempty"`
	AbsoluteTimeoutMs int    `json:"absolute_timeout_ms,omitempty"`
}

// ExecutionResult is the outcome of one ExecutionRequest, after any
// internal retries (fallback model, extended inactivity timeout).
type ExecutionResult struct {
	Success    bool        `json:"success"`
	Output     string      `json:"output,omitempty"`
	Model      string      `json:"model"`    // model that actually ran
	Kind       FailureKind `json:"failure,omitempty"`
	Message    string      `json:"message,omitempty"` // actionable on failure
	ExitCode   int         `json:"exit_code"`
	Attempts   int         `json:"attempts"`
	Retryable  bool        `json:"retryable,omitempty"`
	DurationMs int64       `json:"duration_ms"`
}

// QuotaStatus reports the ledger state for one model.
type QuotaStatus struct {
	Model               string     `json:"model"`
	Available           bool       `json:"available"`
	ExceededUntil       *time.Time `json:"exceeded_until,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures,omitempty"`
}
