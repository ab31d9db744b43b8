/******************************************************************************
 * Copyright (c) 2025-2026 Tenwall Systems Inc.                               *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package executor starts external CLI processes and streams their output.
// Only binaries on a fixed allow-list can be launched, and argument values
// derived from request payloads are sanitized before they reach argv.
package executor

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"regexp"
	"strings"

	"github.com/tenwall/Conduit/global"
	"github.com/tenwall/Conduit/logging"
)

// allowedCommands is the fixed set of launchable binaries. "echo" is
// included so availability probes and tests can run without the real CLI.
var allowedCommands = map[string]bool{
	"gemini": true,
	"echo":   true,
}

// argStripPattern matches characters removed from payload-derived argument
// values. Processes are started without a shell, so this is defense in
// depth against values later reaching one.
var argStripPattern = regexp.MustCompile("[;&|`$(){}\\[\\]<>\\\\\"'\n\r]")

// Patterns for pulling structured details out of quota failure stderr.
var (
	quotaMetricPattern = regexp.MustCompile(`Quota exceeded for quota metric '([^']+)'`)
	quotaStatusPattern = regexp.MustCompile(`status[:=]\s*(\d+)`)
	quotaReasonPattern = regexp.MustCompile(`"reason":\s*"([^"]+)"`)
)

const quotaSignature = "RESOURCE_EXHAUSTED"

// Result is the raw outcome of a single process run. A synthesized exit
// code of 124 means the context was cancelled before the process exited
// on its own.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Quota    *QuotaDiagnostic
}

// QuotaDiagnostic carries details scraped from a RESOURCE_EXHAUSTED stderr.
type QuotaDiagnostic struct {
	Metric string `json:"metric"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// ChunkFunc receives each chunk of stdout as it arrives.
type ChunkFunc func(delta string)

// Runner launches allow-listed commands.
type Runner struct {
	logger *logging.Logger
}

// New creates a Runner.
func New(logger *logging.Logger) *Runner {
	return &Runner{logger: logger}
}

// SanitizeArgument strips shell metacharacters and any leading dashes from
// a payload-derived value, so it can neither escape quoting nor be
// mistaken for a flag.
func SanitizeArgument(value string) string {
	cleaned := argStripPattern.ReplaceAllString(value, "")
	return strings.TrimLeft(cleaned, "-")
}

// Run starts the command and streams stdout through onChunk until the
// process exits or ctx is cancelled. It returns an error only when no
// process ran at all: a command off the allow-list or a spawn failure.
// Everything else, including cancellation and nonzero exits, is reported
// through the Result.
func (r *Runner) Run(ctx context.Context, command string, args []string, onChunk ChunkFunc) (*Result, error) {
	if !allowedCommands[command] {
		r.logger.Warnf("Rejected command not on allow-list: %s", command)
		return nil, global.NewConfigurationError("command %q is not permitted", command)
	}

	cmd := exec.CommandContext(ctx, command, args...)

	var stderrBuf strings.Builder
	cmd.Stderr = &stderrBuf

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &global.SpawnError{Command: command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &global.SpawnError{Command: command, Err: err}
	}
	r.logger.Debugf("Started %s (pid %d)", command, cmd.Process.Pid)

	var stdoutBuf strings.Builder
	buf := make([]byte, 4096)
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			delta := string(buf[:n])
			stdoutBuf.WriteString(delta)
			if onChunk != nil {
				onChunk(delta)
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				r.logger.Debugf("stdout read ended: %v", readErr)
			}
			break
		}
	}

	waitErr := cmd.Wait()

	result := &Result{
		Stdout: strings.TrimSpace(stdoutBuf.String()),
		Stderr: strings.TrimSpace(stderrBuf.String()),
	}
	result.Quota = extractQuotaDiagnostic(result.Stderr)
	if result.Quota != nil {
		r.logger.Warnf("Quota failure from %s: metric=%s status=%s reason=%s",
			command, result.Quota.Metric, result.Quota.Status, result.Quota.Reason)
	}

	switch {
	case ctx.Err() != nil:
		// Killed by the supervisor or caller; the real exit status is
		// meaningless, report the conventional timeout code.
		result.ExitCode = global.ExitCodeTimeout
	case waitErr == nil:
		result.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// Wait itself failed even though Start succeeded.
			return nil, &global.SpawnError{Command: command, Err: waitErr}
		}
	}

	r.logger.Debugf("%s exited with code %d (%d bytes stdout)",
		command, result.ExitCode, len(result.Stdout))
	return result, nil
}

// extractQuotaDiagnostic scans stderr for the RESOURCE_EXHAUSTED signature
// and pulls out the metric, status, and reason fields, with defaults when
// the expected shapes are missing.
func extractQuotaDiagnostic(stderr string) *QuotaDiagnostic {
	if !strings.Contains(stderr, quotaSignature) {
		return nil
	}

	diag := &QuotaDiagnostic{
		Metric: "Unknown Model",
		Status: "429",
		Reason: "rateLimitExceeded",
	}
	if m := quotaMetricPattern.FindStringSubmatch(stderr); m != nil {
		diag.Metric = m[1]
	}
	if m := quotaStatusPattern.FindStringSubmatch(stderr); m != nil {
		diag.Status = m[1]
	}
	if m := quotaReasonPattern.FindStringSubmatch(stderr); m != nil {
		diag.Reason = m[1]
	}
	return diag
}
