/******************************************************************************
 * Copyright (c) 2025-2026 Tenwall Systems Inc.                               *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package global

//goland:noinspection GoCommentStart,GoUnusedConst
const (
	// Configuration constants
	ConfigEnvVar          = "CONDUIT_CONFIG"
	DefaultBaseDir        = "~/.conduit"
	DefaultConfigFileName = "config.json"
	DefaultQuotaStateFile = "quota.json"
	DefaultLogFileName    = "conduit.log"

	// MCP Tool Names - Gemini
	ToolGeminiAsk   = "gemini_ask"
	ToolGeminiProbe = "gemini_probe"

	// MCP Tool Names - Quota
	ToolQuotaStatus = "quota_status"
	ToolQuotaReset  = "quota_reset"

	// MCP Tool Names - System
	ToolHealth = "health"

	// Models
	DefaultPrimaryModel  = "gemini-2.5-pro"
	DefaultFallbackModel = "gemini-2.5-flash"

	// Timeout bounds in milliseconds. Values outside these ranges are
	// rejected when a supervisor is constructed.
	MinRollingTimeoutMs  = 5000
	MaxRollingTimeoutMs  = 300000
	MinAbsoluteTimeoutMs = 30000
	MaxAbsoluteTimeoutMs = 1800000

	// Timeout defaults
	DefaultRollingTimeoutMs  = 30000
	DefaultAbsoluteTimeoutMs = 600000

	// ExtendedRollingTimeoutMs is used on the retry after an inactivity
	// timeout, to give slow first tokens a second chance.
	ExtendedRollingTimeoutMs = 120000

	// MaxAttempts caps retries after inactivity timeouts per request.
	MaxAttempts = 3

	// ThrottleWindowMs coalesces rolling timer resets so that bursts of
	// small output chunks do not each re-arm the timer.
	ThrottleWindowMs = 100

	// DefaultArgLengthCeiling is the serialized argv length above which
	// the prompt is passed through a temp file instead of inline.
	DefaultArgLengthCeiling = 131072

	// Rate limiter defaults (requests per period, period in seconds)
	DefaultRateLimitRequests = 30
	DefaultRateLimitPeriod   = 60

	// Synthesized exit codes for processes that never produced one
	ExitCodeTimeout   = 124
	ExitCodeSpawnFail = 127
	ExitCodeCancelled = 130

	// Log levels
	LogLevelDebug = "DEBUG"
	LogLevelInfo  = "INFO"
	LogLevelWarn  = "WARN"
	LogLevelError = "ERROR"
	LogLevelFatal = "FATAL"
)
