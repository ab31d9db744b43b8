/******************************************************************************
 * Copyright (c) 2025-2026 Tenwall Systems Inc.                               *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package dispatch turns one prompt into one supervised CLI execution,
// including quota fail-fast, fallback-model retry, and a single extended
// retry after an inactivity timeout.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tenwall/Conduit/executor"
	"github.com/tenwall/Conduit/global"
	"github.com/tenwall/Conduit/logging"
	"github.com/tenwall/Conduit/quota"
	"github.com/tenwall/Conduit/watchdog"
)

// Executor runs a command and streams its stdout. Satisfied by
// *executor.Runner; tests substitute stubs.
type Executor interface {
	Run(ctx context.Context, command string, args []string, onChunk executor.ChunkFunc) (*executor.Result, error)
}

// Dispatcher coordinates executions of the configured CLI.
type Dispatcher struct {
	command    string
	primary    string
	fallback   string
	sandbox    bool
	rollingMs  int
	absoluteMs int
	ceiling    int
	tempDir    string

	exec     Executor
	ledger   *quota.Ledger
	limiter  *RateLimiter
	logger   *logging.Logger
	progress func(delta string)
	status   func(message string)

	// runOne is the per-attempt seam; Execute retries through it.
	runOne func(ctx context.Context, in attemptInput) attempt
}

// attemptInput is the input of a single process attempt.
type attemptInput struct {
	Prompt     string
	Model      string
	RollingMs  int
	AbsoluteMs int
	Sandbox    bool
}

// attempt is the outcome of a single process attempt.
type attempt struct {
	global.ExecutionResult
	fallbackOK bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCommand sets the CLI binary name.
func WithCommand(command string) Option {
	return func(d *Dispatcher) { d.command = command }
}

// WithModels sets the primary and fallback models.
func WithModels(primary, fallback string) Option {
	return func(d *Dispatcher) {
		d.primary = primary
		d.fallback = fallback
	}
}

// WithTimeouts sets the default rolling and absolute timeouts.
func WithTimeouts(rollingMs, absoluteMs int) Option {
	return func(d *Dispatcher) {
		d.rollingMs = rollingMs
		d.absoluteMs = absoluteMs
	}
}

// WithArgLengthCeiling sets the serialized argv length above which the
// prompt moves to a temp file.
func WithArgLengthCeiling(n int) Option {
	return func(d *Dispatcher) { d.ceiling = n }
}

// WithSandbox makes every execution request the CLI's sandbox mode.
func WithSandbox(sandbox bool) Option {
	return func(d *Dispatcher) { d.sandbox = sandbox }
}

// WithRateLimiter spaces out process launches.
func WithRateLimiter(limiter *RateLimiter) Option {
	return func(d *Dispatcher) { d.limiter = limiter }
}

// WithExecutor replaces the process executor.
func WithExecutor(exec Executor) Option {
	return func(d *Dispatcher) { d.exec = exec }
}

// WithProgressSink receives stdout chunks as they stream in.
func WithProgressSink(sink func(delta string)) Option {
	return func(d *Dispatcher) { d.progress = sink }
}

// WithStatusSink receives user-facing notices such as fallback switches.
func WithStatusSink(sink func(message string)) Option {
	return func(d *Dispatcher) { d.status = sink }
}

// New creates a Dispatcher. The ledger must be the shared instance; the
// dispatcher records and consults quota verdicts through it.
func New(logger *logging.Logger, ledger *quota.Ledger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		command:    "gemini",
		primary:    global.DefaultPrimaryModel,
		fallback:   global.DefaultFallbackModel,
		rollingMs:  global.DefaultRollingTimeoutMs,
		absoluteMs: global.DefaultAbsoluteTimeoutMs,
		ceiling:    global.DefaultArgLengthCeiling,
		tempDir:    os.TempDir(),
		ledger:     ledger,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.exec == nil {
		d.exec = executor.New(logger)
	}
	d.runOne = d.runOnce
	return d
}

// Execute runs one request to completion, applying the retry policy:
// a model known to be exhausted fails fast or switches to its fallback, a
// quota verdict triggers at most one fallback retry, and an inactivity
// timeout is retried with an extended rolling limit until MaxAttempts.
func (d *Dispatcher) Execute(ctx context.Context, req global.ExecutionRequest) global.ExecutionResult {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = d.primary
	}
	rollingMs := req.RollingTimeoutMs
	if rollingMs == 0 {
		rollingMs = d.rollingMs
	}
	absoluteMs := req.AbsoluteTimeoutMs
	if absoluteMs == 0 {
		absoluteMs = d.absoluteMs
	}

	res := d.run(ctx, req, model, rollingMs, absoluteMs)
	res.DurationMs = time.Since(start).Milliseconds()
	return res
}

func (d *Dispatcher) run(ctx context.Context, req global.ExecutionRequest, model string, rollingMs, absoluteMs int) global.ExecutionResult {
	usedFallback := false

	// Fail fast on known exhaustion instead of burning a doomed launch.
	if !d.ledger.IsAvailable(model) {
		fb := d.ledger.Fallback(model)
		if fb != "" && d.ledger.IsAvailable(fb) {
			d.notify(fmt.Sprintf("Model %s is out of quota, using fallback model %s", model, fb))
			model = fb
			usedFallback = true
		} else {
			return d.exhaustedResult(model, 0)
		}
	}

	attempts := 0
	for {
		attempts++
		att := d.runOne(ctx, attemptInput{
			Prompt:     req.Prompt,
			Model:      model,
			RollingMs:  rollingMs,
			AbsoluteMs: absoluteMs,
			Sandbox:    d.sandbox || req.Sandbox,
		})
		att.Model = model
		att.Attempts = attempts

		switch att.Kind {
		case global.FailureRollingTimeout:
			if attempts < global.MaxAttempts {
				extended := extendedRollingMs(rollingMs, absoluteMs)
				d.notify(fmt.Sprintf("No output from %s for %s, retrying with inactivity limit %s",
					model, msDuration(rollingMs), msDuration(extended)))
				rollingMs = extended
				continue
			}
			att.Message = fmt.Sprintf("process produced no output for %s (attempt %d of %d); try a smaller prompt or a higher rolling timeout",
				msDuration(rollingMs), attempts, global.MaxAttempts)
			return att.ExecutionResult

		case global.FailureQuotaExceeded:
			if att.fallbackOK && !usedFallback {
				fb := d.ledger.Fallback(model)
				d.notify(fmt.Sprintf("Model %s hit its daily quota, retrying with fallback model %s", model, fb))
				model = fb
				usedFallback = true
				continue
			}
			return att.ExecutionResult

		case global.FailureNone:
			// A success clears any stale quota record for the model.
			d.ledger.Reset(model)
			return att.ExecutionResult

		default:
			return att.ExecutionResult
		}
	}
}

// runOnce performs exactly one supervised process execution.
func (d *Dispatcher) runOnce(ctx context.Context, in attemptInput) attempt {
	if d.limiter != nil {
		waited, err := d.limiter.Wait(ctx)
		if err != nil {
			return attempt{ExecutionResult: global.ExecutionResult{
				Kind:     global.FailureCancelled,
				ExitCode: global.ExitCodeCancelled,
				Message:  "cancelled while waiting for the launch rate limiter",
			}}
		}
		if waited > 0 {
			d.logger.Debugf("Rate limiter delayed launch by %s", waited)
		}
	}

	model := executor.SanitizeArgument(in.Model)
	prompt := executor.SanitizeArgument(in.Prompt)

	args := []string{"-m", model}
	if in.Sandbox {
		args = append(args, "-s")
	}

	// Oversized prompts go through a temp file so the argv stays under
	// the platform ceiling.
	promptArg := prompt
	if argvLength(d.command, append(args, "-p", prompt)) > d.ceiling {
		path, err := d.writePromptFile(prompt)
		if err != nil {
			return attempt{ExecutionResult: global.ExecutionResult{
				Kind:     global.FailureSpawn,
				ExitCode: global.ExitCodeSpawnFail,
				Message:  fmt.Sprintf("failed to stage prompt file: %v", err),
			}}
		}
		defer func() {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				d.logger.Warnf("Failed to remove prompt file %s: %v", path, rmErr)
			}
		}()
		promptArg = "@" + path
		d.logger.Debugf("Prompt of %d bytes staged in %s", len(prompt), path)
	}
	args = append(args, "-p", promptArg)

	sup, err := watchdog.NewSupervisor(in.RollingMs, in.AbsoluteMs)
	if err != nil {
		return attempt{ExecutionResult: global.ExecutionResult{
			Kind:    global.FailureConfiguration,
			Message: err.Error(),
		}}
	}

	runCtx := sup.Start(ctx)
	res, runErr := d.exec.Run(runCtx, d.command, args, func(delta string) {
		sup.NotifyActivity()
		if d.progress != nil {
			d.progress(delta)
		}
	})
	if ctx.Err() != nil {
		sup.Cancel()
	} else {
		sup.Stop()
	}

	if runErr != nil {
		var cfgErr *global.ConfigurationError
		if errors.As(runErr, &cfgErr) {
			return attempt{ExecutionResult: global.ExecutionResult{
				Kind:    global.FailureConfiguration,
				Message: runErr.Error(),
			}}
		}
		return attempt{ExecutionResult: global.ExecutionResult{
			Kind:     global.FailureSpawn,
			ExitCode: global.ExitCodeSpawnFail,
			Message:  runErr.Error(),
		}}
	}

	// A cancelled context invalidates whatever the process reported.
	if runCtx.Err() != nil {
		cause := context.Cause(runCtx)
		switch {
		case errors.Is(cause, watchdog.ErrRollingTimeout):
			return attempt{ExecutionResult: global.ExecutionResult{
				Kind:      global.FailureRollingTimeout,
				ExitCode:  global.ExitCodeTimeout,
				Retryable: true,
				Message:   fmt.Sprintf("no output for %s", msDuration(in.RollingMs)),
			}}
		case errors.Is(cause, watchdog.ErrAbsoluteTimeout):
			return attempt{ExecutionResult: global.ExecutionResult{
				Kind:     global.FailureAbsoluteTimeout,
				ExitCode: global.ExitCodeTimeout,
				Message: fmt.Sprintf("execution exceeded the absolute limit of %s; not retried",
					msDuration(in.AbsoluteMs)),
			}}
		default:
			return attempt{ExecutionResult: global.ExecutionResult{
				Kind:     global.FailureCancelled,
				ExitCode: global.ExitCodeCancelled,
				Message:  "execution cancelled",
			}}
		}
	}

	if res.ExitCode == 0 {
		return attempt{ExecutionResult: global.ExecutionResult{
			Success: true,
			Output:  res.Stdout,
		}}
	}

	cls := d.ledger.Classify(res.Stderr+"\n"+res.Stdout, in.Model)
	switch cls.Kind {
	case global.FailureQuotaExceeded:
		return attempt{
			ExecutionResult: global.ExecutionResult{
				Kind:     global.FailureQuotaExceeded,
				ExitCode: res.ExitCode,
				Message:  d.quotaMessage(in.Model, res.Quota, cls.ResetAt),
			},
			fallbackOK: cls.FallbackAvailable,
		}
	case global.FailureRateLimited:
		return attempt{ExecutionResult: global.ExecutionResult{
			Kind:      global.FailureRateLimited,
			ExitCode:  res.ExitCode,
			Retryable: true,
			Message:   "provider rate limit hit; wait a moment and retry the same request",
		}}
	default:
		msg := res.Stderr
		if msg == "" {
			msg = "process exited with a failure and no diagnostics"
		}
		return attempt{ExecutionResult: global.ExecutionResult{
			Kind:     global.FailureProcessExit,
			ExitCode: res.ExitCode,
			Message:  msg,
		}}
	}
}

func (d *Dispatcher) exhaustedResult(model string, attempts int) global.ExecutionResult {
	msg := fmt.Sprintf("model %s is out of daily quota and no fallback is available", model)
	if resetAt, ok := d.ledger.ResetTime(model); ok {
		msg = fmt.Sprintf("%s; quota resets at %s (in %s)",
			msg, resetAt.Format("15:04 MST"), time.Until(resetAt).Round(time.Minute))
	}
	return global.ExecutionResult{
		Model:    model,
		Kind:     global.FailureQuotaExceeded,
		Message:  msg,
		Attempts: attempts,
	}
}

func (d *Dispatcher) quotaMessage(model string, diag *executor.QuotaDiagnostic, resetAt time.Time) string {
	msg := fmt.Sprintf("daily quota exhausted for model %s", model)
	if diag != nil {
		msg = fmt.Sprintf("%s (metric %q, status %s, reason %s)", msg, diag.Metric, diag.Status, diag.Reason)
	}
	if !resetAt.IsZero() {
		msg = fmt.Sprintf("%s; quota resets at %s (in %s)",
			msg, resetAt.Format("15:04 MST"), time.Until(resetAt).Round(time.Minute))
	}
	return msg
}

func (d *Dispatcher) notify(message string) {
	d.logger.Info(message)
	if d.status != nil {
		d.status(message)
	}
}

func (d *Dispatcher) writePromptFile(prompt string) (string, error) {
	path := filepath.Join(d.tempDir, "conduit-prompt-"+uuid.New().String()+".txt")
	if err := os.WriteFile(path, []byte(prompt), 0600); err != nil {
		return "", err
	}
	return path, nil
}

// extendedRollingMs returns the escalated rolling timeout for a retry,
// capped so it stays valid against the bounds and the absolute ceiling.
func extendedRollingMs(rollingMs, absoluteMs int) int {
	extended := global.ExtendedRollingTimeoutMs
	if extended < rollingMs {
		extended = rollingMs
	}
	if extended > global.MaxRollingTimeoutMs {
		extended = global.MaxRollingTimeoutMs
	}
	if extended >= absoluteMs {
		extended = rollingMs
	}
	return extended
}

func argvLength(command string, args []string) int {
	n := len(command)
	for _, a := range args {
		n += 1 + len(a)
	}
	return n
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
