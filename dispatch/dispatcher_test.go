/******************************************************************************
 * Copyright (c) 2025-2026 Tenwall Systems Inc.                               *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package dispatch

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/tenwall/Conduit/executor"
	"github.com/tenwall/Conduit/global"
	"github.com/tenwall/Conduit/logging"
	"github.com/tenwall/Conduit/quota"
)

// stubExecutor scripts process outcomes per call.
type stubExecutor struct {
	calls   int
	args    [][]string
	results []*executor.Result
	errs    []error
	onRun   func(args []string)
}

func (s *stubExecutor) Run(ctx context.Context, command string, args []string, onChunk executor.ChunkFunc) (*executor.Result, error) {
	i := s.calls
	s.calls++
	s.args = append(s.args, args)
	if s.onRun != nil {
		s.onRun(args)
	}
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	res := s.results[i]
	if onChunk != nil && res.Stdout != "" {
		onChunk(res.Stdout)
	}
	return res, nil
}

func okResult(output string) *executor.Result {
	return &executor.Result{ExitCode: 0, Stdout: output}
}

func testDispatcher(t *testing.T, exec Executor, opts ...Option) (*Dispatcher, *quota.Ledger) {
	t.Helper()
	ledger := quota.NewLedger(logging.NewDiscard(), quota.WithModels("pro", "flash"))
	all := append([]Option{
		WithModels("pro", "flash"),
		WithExecutor(exec),
	}, opts...)
	return New(logging.NewDiscard(), ledger, all...), ledger
}

func TestExecuteSuccess(t *testing.T) {
	stub := &stubExecutor{results: []*executor.Result{okResult("the answer")}}
	d, _ := testDispatcher(t, stub)

	var chunks []string
	d.progress = func(delta string) { chunks = append(chunks, delta) }

	res := d.Execute(context.Background(), global.ExecutionRequest{Prompt: "hello"})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Output != "the answer" {
		t.Errorf("output = %q", res.Output)
	}
	if res.Model != "pro" {
		t.Errorf("model = %q, want pro", res.Model)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
	if len(chunks) == 0 {
		t.Error("no progress chunks delivered")
	}

	args := stub.args[0]
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-m pro") || !strings.Contains(joined, "-p hello") {
		t.Errorf("unexpected args: %v", args)
	}
}

func TestExecuteSuccessClearsQuotaRecord(t *testing.T) {
	stub := &stubExecutor{results: []*executor.Result{okResult("fine")}}
	d, ledger := testDispatcher(t, stub)

	// A concurrent request marks the model exhausted while this one is
	// already past the availability check.
	stub.onRun = func([]string) {
		ledger.Classify("RESOURCE_EXHAUSTED: quota exceeded", "pro")
	}

	res := d.Execute(context.Background(), global.ExecutionRequest{Prompt: "hello"})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if !ledger.IsAvailable("pro") {
		t.Error("successful run should have cleared the quota record")
	}
}

func TestExecuteSanitizesPayloadValues(t *testing.T) {
	stub := &stubExecutor{results: []*executor.Result{okResult("ok")}}
	d, _ := testDispatcher(t, stub)

	d.Execute(context.Background(), global.ExecutionRequest{
		Prompt: "--danger; rm stuff",
		Model:  "--model=evil",
	})

	joined := strings.Join(stub.args[0], " ")
	if strings.Contains(joined, "--model=evil") {
		t.Errorf("flag injection survived sanitization: %v", stub.args[0])
	}
	if !strings.Contains(joined, "-m model=evil") {
		t.Errorf("sanitized model missing: %v", stub.args[0])
	}
	if strings.Contains(joined, "--danger") || strings.Contains(joined, ";") {
		t.Errorf("prompt not sanitized: %v", stub.args[0])
	}
}

func TestExecuteFailsFastWhenExhaustedWithoutFallback(t *testing.T) {
	stub := &stubExecutor{}
	ledger := quota.NewLedger(logging.NewDiscard(), quota.WithModels("pro", ""))
	d := New(logging.NewDiscard(), ledger, WithModels("pro", ""), WithExecutor(stub))

	ledger.Classify("RESOURCE_EXHAUSTED", "pro")

	res := d.Execute(context.Background(), global.ExecutionRequest{Prompt: "hi"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Kind != global.FailureQuotaExceeded {
		t.Errorf("kind = %s, want quota_exceeded", res.Kind)
	}
	if !strings.Contains(res.Message, "resets at") {
		t.Errorf("message not actionable: %q", res.Message)
	}
	if stub.calls != 0 {
		t.Errorf("executor called %d times on a fail-fast path", stub.calls)
	}
}

func TestExecuteUsesFallbackWhenPrimaryKnownExhausted(t *testing.T) {
	stub := &stubExecutor{results: []*executor.Result{okResult("from flash")}}
	var notices []string
	d, ledger := testDispatcher(t, stub, WithStatusSink(func(m string) { notices = append(notices, m) }))

	ledger.Classify("quota exceeded", "pro")

	res := d.Execute(context.Background(), global.ExecutionRequest{Prompt: "hi"})
	if !res.Success {
		t.Fatalf("expected success via fallback, got %+v", res)
	}
	if res.Model != "flash" {
		t.Errorf("model = %q, want flash", res.Model)
	}
	if len(notices) == 0 || !strings.Contains(notices[0], "fallback") {
		t.Errorf("no fallback notice: %v", notices)
	}
}

func TestExecuteRetriesOnceWithFallbackOnQuota(t *testing.T) {
	quotaStderr := "Error: RESOURCE_EXHAUSTED: Quota exceeded for quota metric 'Pro Requests'"
	stub := &stubExecutor{results: []*executor.Result{
		{ExitCode: 1, Stderr: quotaStderr, Quota: &executor.QuotaDiagnostic{
			Metric: "Pro Requests", Status: "429", Reason: "dailyLimitExceeded"}},
		okResult("from flash"),
	}}
	var notices []string
	d, ledger := testDispatcher(t, stub, WithStatusSink(func(m string) { notices = append(notices, m) }))

	res := d.Execute(context.Background(), global.ExecutionRequest{Prompt: "hi"})
	if !res.Success {
		t.Fatalf("expected success on fallback retry, got %+v", res)
	}
	if res.Model != "flash" {
		t.Errorf("model = %q, want flash", res.Model)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
	if ledger.IsAvailable("pro") {
		t.Error("primary not recorded as exhausted")
	}
	if len(notices) == 0 {
		t.Error("no fallback notice emitted")
	}

	// Second failure on the fallback itself must not loop again.
	stub2 := &stubExecutor{results: []*executor.Result{
		{ExitCode: 1, Stderr: quotaStderr},
		{ExitCode: 1, Stderr: quotaStderr},
	}}
	d2, _ := testDispatcher(t, stub2)
	res2 := d2.Execute(context.Background(), global.ExecutionRequest{Prompt: "hi"})
	if res2.Success {
		t.Fatal("expected failure")
	}
	if res2.Kind != global.FailureQuotaExceeded {
		t.Errorf("kind = %s, want quota_exceeded", res2.Kind)
	}
	if stub2.calls != 2 {
		t.Errorf("executor called %d times, want 2", stub2.calls)
	}
}

func TestExecuteRateLimitedIsNotAutoRetried(t *testing.T) {
	stub := &stubExecutor{results: []*executor.Result{
		{ExitCode: 1, Stderr: "HTTP 429: Too Many Requests"},
	}}
	d, ledger := testDispatcher(t, stub)

	res := d.Execute(context.Background(), global.ExecutionRequest{Prompt: "hi"})
	if res.Kind != global.FailureRateLimited {
		t.Fatalf("kind = %s, want rate_limited", res.Kind)
	}
	if !res.Retryable {
		t.Error("rate limited result should be retryable")
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
	if !ledger.IsAvailable("pro") {
		t.Error("rate limit must not exhaust the model")
	}
}

func TestExecuteRollingTimeoutEscalatesAndRetries(t *testing.T) {
	d, _ := testDispatcher(t, &stubExecutor{})

	var inputs []attemptInput
	d.runOne = func(ctx context.Context, in attemptInput) attempt {
		inputs = append(inputs, in)
		if len(inputs) == 1 {
			return attempt{ExecutionResult: global.ExecutionResult{
				Kind: global.FailureRollingTimeout, Retryable: true}}
		}
		return attempt{ExecutionResult: global.ExecutionResult{Success: true, Output: "late answer"}}
	}

	res := d.Execute(context.Background(), global.ExecutionRequest{Prompt: "hi"})
	if !res.Success {
		t.Fatalf("expected success on retry, got %+v", res)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
	if inputs[0].RollingMs != global.DefaultRollingTimeoutMs {
		t.Errorf("first rolling = %d, want default", inputs[0].RollingMs)
	}
	if inputs[1].RollingMs != global.ExtendedRollingTimeoutMs {
		t.Errorf("retry rolling = %d, want extended %d", inputs[1].RollingMs, global.ExtendedRollingTimeoutMs)
	}
	if inputs[1].AbsoluteMs != inputs[0].AbsoluteMs {
		t.Errorf("absolute limit changed between attempts")
	}
}

func TestExecuteRollingTimeoutGivesUpAfterMaxAttempts(t *testing.T) {
	d, _ := testDispatcher(t, &stubExecutor{})

	calls := 0
	d.runOne = func(ctx context.Context, in attemptInput) attempt {
		calls++
		return attempt{ExecutionResult: global.ExecutionResult{
			Kind: global.FailureRollingTimeout, Retryable: true}}
	}

	res := d.Execute(context.Background(), global.ExecutionRequest{Prompt: "hi"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if calls != global.MaxAttempts {
		t.Errorf("attempts = %d, want %d", calls, global.MaxAttempts)
	}
	if res.Kind != global.FailureRollingTimeout {
		t.Errorf("kind = %s", res.Kind)
	}
	if !strings.Contains(res.Message, "no output") {
		t.Errorf("message not actionable: %q", res.Message)
	}
}

func TestExecuteAbsoluteTimeoutIsTerminal(t *testing.T) {
	d, _ := testDispatcher(t, &stubExecutor{})

	calls := 0
	d.runOne = func(ctx context.Context, in attemptInput) attempt {
		calls++
		return attempt{ExecutionResult: global.ExecutionResult{
			Kind: global.FailureAbsoluteTimeout}}
	}

	res := d.Execute(context.Background(), global.ExecutionRequest{Prompt: "hi"})
	if calls != 1 {
		t.Errorf("absolute timeout retried %d times", calls)
	}
	if res.Kind != global.FailureAbsoluteTimeout {
		t.Errorf("kind = %s", res.Kind)
	}
	if res.Retryable {
		t.Error("absolute timeout must not be marked retryable")
	}
}

func TestExecuteInvalidTimeoutsAreConfigurationErrors(t *testing.T) {
	stub := &stubExecutor{}
	d, _ := testDispatcher(t, stub)

	res := d.Execute(context.Background(), global.ExecutionRequest{
		Prompt:           "hi",
		RollingTimeoutMs: 1,
	})
	if res.Kind != global.FailureConfiguration {
		t.Fatalf("kind = %s, want configuration_error", res.Kind)
	}
	if stub.calls != 0 {
		t.Error("process launched despite invalid timeouts")
	}
}

func TestExecuteSpawnFailure(t *testing.T) {
	stub := &stubExecutor{errs: []error{&global.SpawnError{Command: "gemini", Err: os.ErrNotExist}}}
	d, _ := testDispatcher(t, stub)

	res := d.Execute(context.Background(), global.ExecutionRequest{Prompt: "hi"})
	if res.Kind != global.FailureSpawn {
		t.Fatalf("kind = %s, want spawn_error", res.Kind)
	}
	if res.ExitCode != global.ExitCodeSpawnFail {
		t.Errorf("exit code = %d, want %d", res.ExitCode, global.ExitCodeSpawnFail)
	}
}

func TestExecuteDisallowedCommandIsConfigurationError(t *testing.T) {
	stub := &stubExecutor{errs: []error{global.NewConfigurationError("command %q is not permitted", "rm")}}
	d, _ := testDispatcher(t, stub, WithCommand("rm"))

	res := d.Execute(context.Background(), global.ExecutionRequest{Prompt: "hi"})
	if res.Kind != global.FailureConfiguration {
		t.Fatalf("kind = %s, want configuration_error", res.Kind)
	}
}

func TestOversizedPromptUsesTempFile(t *testing.T) {
	prompt := strings.Repeat("x", 500)
	tempDir := t.TempDir()

	var promptArg, staged string
	stub := &stubExecutor{results: []*executor.Result{okResult("ok")}}
	stub.onRun = func(args []string) {
		promptArg = args[len(args)-1]
		if strings.HasPrefix(promptArg, "@") {
			data, err := os.ReadFile(strings.TrimPrefix(promptArg, "@"))
			if err != nil {
				staged = "unreadable: " + err.Error()
				return
			}
			staged = string(data)
		}
	}

	d, _ := testDispatcher(t, stub, WithArgLengthCeiling(256))
	d.tempDir = tempDir

	res := d.Execute(context.Background(), global.ExecutionRequest{Prompt: prompt})
	if !res.Success {
		t.Fatalf("execute failed: %+v", res)
	}
	if !strings.HasPrefix(promptArg, "@") {
		t.Fatalf("prompt arg %q does not use file indirection", promptArg[:min(len(promptArg), 20)])
	}
	if staged != prompt {
		t.Errorf("staged prompt does not match request")
	}

	// The temp file must be gone once execution finishes.
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("temp file left behind: %v", entries[0].Name())
	}
}

func TestOversizedPromptTempFileRemovedOnFailure(t *testing.T) {
	prompt := strings.Repeat("x", 500)
	tempDir := t.TempDir()

	stub := &stubExecutor{results: []*executor.Result{
		{ExitCode: 1, Stderr: "backend blew up"},
	}}
	d, _ := testDispatcher(t, stub, WithArgLengthCeiling(256))
	d.tempDir = tempDir

	res := d.Execute(context.Background(), global.ExecutionRequest{Prompt: prompt})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Kind != global.FailureProcessExit {
		t.Fatalf("kind = %s, want process_exit", res.Kind)
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("temp file left behind on failure: %v", entries[0].Name())
	}
}

func TestSmallPromptStaysInline(t *testing.T) {
	stub := &stubExecutor{results: []*executor.Result{okResult("ok")}}
	d, _ := testDispatcher(t, stub, WithArgLengthCeiling(256))

	d.Execute(context.Background(), global.ExecutionRequest{Prompt: "short"})
	args := stub.args[0]
	if args[len(args)-1] != "short" {
		t.Errorf("small prompt not inline: %v", args)
	}
}

func TestExecuteExternalCancellation(t *testing.T) {
	blocker := executorFunc(func(ctx context.Context, command string, args []string, onChunk executor.ChunkFunc) (*executor.Result, error) {
		<-ctx.Done()
		return &executor.Result{ExitCode: global.ExitCodeTimeout}, nil
	})
	d, _ := testDispatcher(t, blocker)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res := d.Execute(ctx, global.ExecutionRequest{Prompt: "hi"})
	if res.Kind != global.FailureCancelled {
		t.Errorf("kind = %s, want cancelled", res.Kind)
	}
	if res.ExitCode != global.ExitCodeCancelled {
		t.Errorf("exit code = %d, want %d", res.ExitCode, global.ExitCodeCancelled)
	}
}

// executorFunc adapts a function to the Executor interface.
type executorFunc func(ctx context.Context, command string, args []string, onChunk executor.ChunkFunc) (*executor.Result, error)

func (f executorFunc) Run(ctx context.Context, command string, args []string, onChunk executor.ChunkFunc) (*executor.Result, error) {
	return f(ctx, command, args, onChunk)
}
