/******************************************************************************
 * Copyright (c) 2025-2026 Tenwall Systems Inc.                               *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package server

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tenwall/Conduit/config"
	"github.com/tenwall/Conduit/dispatch"
	"github.com/tenwall/Conduit/global"
	"github.com/tenwall/Conduit/logging"
	"github.com/tenwall/Conduit/quota"
)

// Server wraps the MCP server with our services
type Server struct {
	config     *config.Config
	logger     *logging.Logger
	ledger     *quota.Ledger
	dispatcher *dispatch.Dispatcher
	mcpServer  *server.MCPServer
	startedAt  time.Time
	inflight   sync.WaitGroup
}

// New creates a new server instance
func New(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	ledger := quota.NewLedger(logger,
		quota.WithModels(cfg.PrimaryModel(), cfg.FallbackModel()),
		quota.WithStateFile(cfg.QuotaStateFile()),
	)

	dispatcher := dispatch.New(logger, ledger,
		dispatch.WithCommand(cfg.Command()),
		dispatch.WithModels(cfg.PrimaryModel(), cfg.FallbackModel()),
		dispatch.WithTimeouts(cfg.RollingTimeoutMs(), cfg.AbsoluteTimeoutMs()),
		dispatch.WithArgLengthCeiling(cfg.ArgLengthCeiling()),
		dispatch.WithSandbox(cfg.Sandbox()),
		dispatch.WithRateLimiter(dispatch.NewRateLimiter(cfg.RateLimitRequests(), cfg.RateLimitPeriod())),
	)

	mcpServer := server.NewMCPServer(
		global.ProgramName,
		global.Version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	srv := &Server{
		config:     cfg,
		logger:     logger,
		ledger:     ledger,
		dispatcher: dispatcher,
		mcpServer:  mcpServer,
		startedAt:  time.Now(),
	}

	srv.registerTools()
	return srv, nil
}

// readOnlyTool creates a tool with read-only annotations
func (s *Server) readOnlyTool(name string, opts ...mcp.ToolOption) mcp.Tool {
	opts = append(opts, mcp.WithToolAnnotation(mcp.ToolAnnotation{
		ReadOnlyHint:    mcp.ToBoolPtr(true),
		DestructiveHint: mcp.ToBoolPtr(false),
		OpenWorldHint:   mcp.ToBoolPtr(false),
	}))
	return mcp.NewTool(name, opts...)
}

// executionTool creates a tool that launches an external process. Marked
// open-world because the CLI reaches a remote provider.
func (s *Server) executionTool(name string, opts ...mcp.ToolOption) mcp.Tool {
	opts = append(opts, mcp.WithToolAnnotation(mcp.ToolAnnotation{
		ReadOnlyHint:    mcp.ToBoolPtr(false),
		DestructiveHint: mcp.ToBoolPtr(false),
		OpenWorldHint:   mcp.ToBoolPtr(true),
	}))
	return mcp.NewTool(name, opts...)
}

// defaultTool creates a tool with default annotations (non-destructive)
func (s *Server) defaultTool(name string, opts ...mcp.ToolOption) mcp.Tool {
	opts = append(opts, mcp.WithToolAnnotation(mcp.ToolAnnotation{
		ReadOnlyHint:    mcp.ToBoolPtr(false),
		DestructiveHint: mcp.ToBoolPtr(false),
		OpenWorldHint:   mcp.ToBoolPtr(false),
	}))
	return mcp.NewTool(name, opts...)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		s.executionTool(global.ToolGeminiAsk,
			mcp.WithDescription("Send a prompt to the Gemini CLI and return its answer. "+
				"Falls back to the configured fallback model when the primary is out of daily quota."),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The prompt to send"),
			),
			mcp.WithString("model",
				mcp.Description("Model override (default: configured primary model)"),
			),
			mcp.WithBoolean("sandbox",
				mcp.Description("Run the CLI in sandbox mode"),
			),
			mcp.WithNumber("rolling_timeout_ms",
				mcp.Description("Abort when no output arrives for this many milliseconds (5000-300000)"),
			),
			mcp.WithNumber("absolute_timeout_ms",
				mcp.Description("Hard ceiling on total runtime in milliseconds (30000-1800000)"),
			),
		),
		s.handleGeminiAsk,
	)

	s.mcpServer.AddTool(
		s.defaultTool(global.ToolGeminiProbe,
			mcp.WithDescription("Check that the Gemini CLI is installed and the execution harness works"),
		),
		s.handleGeminiProbe,
	)

	s.mcpServer.AddTool(
		s.readOnlyTool(global.ToolQuotaStatus,
			mcp.WithDescription("Report per-model daily quota state, including reset times"),
		),
		s.handleQuotaStatus,
	)

	s.mcpServer.AddTool(
		s.defaultTool(global.ToolQuotaReset,
			mcp.WithDescription("Clear quota exhaustion records, for one model or all"),
			mcp.WithString("model",
				mcp.Description("Model to clear (default: all models)"),
			),
		),
		s.handleQuotaReset,
	)

	s.mcpServer.AddTool(
		s.readOnlyTool(global.ToolHealth,
			mcp.WithDescription("Report server health and configuration summary"),
		),
		s.handleHealth,
	)
}

// Run serves MCP over stdio until stdin closes or a signal arrives, then
// waits for in-flight executions to finish.
func (s *Server) Run() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	errChan := make(chan error, 1)
	go func() {
		// ServeStdio returns when stdin is closed (EOF) or on error
		errChan <- server.ServeStdio(s.mcpServer)
	}()

	s.logger.Infof("MCP server started (command=%s, primary=%s, fallback=%s)",
		s.config.Command(), s.config.PrimaryModel(), s.config.FallbackModel())

	select {
	case <-sigChan:
		s.logger.Info("Shutdown signal received")
		s.waitForExecutions()
		s.logger.Info("Server stopped")
		if err := s.logger.Sync(); err != nil {
			s.logger.Warnf("Failed to flush logs on shutdown: %v", err)
		}
		return nil

	case err := <-errChan:
		if err != nil {
			s.logger.Errorf("Server error: %v", err)
			s.waitForExecutions()
			return fmt.Errorf("server error: %w", err)
		}
		s.logger.Info("Connection closed")
		s.waitForExecutions()
		s.logger.Info("Server exiting")
		return nil
	}
}

// waitForExecutions blocks until running CLI processes have been reaped,
// bounded by the absolute timeout so shutdown cannot hang forever.
func (s *Server) waitForExecutions() {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Duration(s.config.AbsoluteTimeoutMs()) * time.Millisecond):
		s.logger.Warn("Gave up waiting for in-flight executions")
	}
}
