/******************************************************************************
 * Copyright (c) 2025-2026 Tenwall Systems Inc.                               *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package server

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tenwall/Conduit/global"
)

// Helper function to create JSON tool results safely
func createJSONResult(data interface{}) (*mcp.CallToolResult, error) {
	result, err := mcp.NewToolResultJSON(data)
	if err != nil {
		return mcp.NewToolResultError("Failed to create JSON result"), nil
	}
	return result, nil
}

// logToolCall logs an MCP tool invocation at INFO level
func (s *Server) logToolCall(toolName string, params map[string]string) {
	var parts []string
	for k, v := range params {
		if v != "" {
			parts = append(parts, fmt.Sprintf("%s=%s", k, v))
		}
	}
	if len(parts) == 0 {
		s.logger.Infof("Tool %s called", toolName)
		return
	}
	s.logger.Infof("Tool %s called: %s", toolName, strings.Join(parts, ", "))
}

func (s *Server) handleGeminiAsk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt := mcp.ParseString(request, "prompt", "")
	model := mcp.ParseString(request, "model", "")
	sandbox := mcp.ParseBoolean(request, "sandbox", false)
	rollingMs := int(mcp.ParseFloat64(request, "rolling_timeout_ms", 0))
	absoluteMs := int(mcp.ParseFloat64(request, "absolute_timeout_ms", 0))

	s.logToolCall(global.ToolGeminiAsk, map[string]string{
		"model":        model,
		"prompt_bytes": fmt.Sprintf("%d", len(prompt)),
	})

	if prompt == "" {
		return mcp.NewToolResultError("prompt parameter is required"), nil
	}

	s.inflight.Add(1)
	defer s.inflight.Done()

	res := s.dispatcher.Execute(ctx, global.ExecutionRequest{
		Prompt:            prompt,
		Model:             model,
		Sandbox:           sandbox,
		RollingTimeoutMs:  rollingMs,
		AbsoluteTimeoutMs: absoluteMs,
	})

	if !res.Success {
		s.logger.Warnf("Execution failed (%s) after %d attempt(s): %s", res.Kind, res.Attempts, res.Message)
		return mcp.NewToolResultError(fmt.Sprintf("[%s] %s", res.Kind, res.Message)), nil
	}
	return createJSONResult(res)
}

func (s *Server) handleGeminiProbe(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logToolCall(global.ToolGeminiProbe, nil)

	s.inflight.Add(1)
	defer s.inflight.Done()

	return createJSONResult(s.dispatcher.Probe(ctx))
}

func (s *Server) handleQuotaStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logToolCall(global.ToolQuotaStatus, nil)
	return createJSONResult(s.ledger.Status())
}

func (s *Server) handleQuotaReset(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	model := mcp.ParseString(request, "model", "")
	s.logToolCall(global.ToolQuotaReset, map[string]string{"model": model})

	if model == "" {
		s.ledger.ResetAll()
	} else {
		s.ledger.Reset(model)
	}
	return createJSONResult(s.ledger.Status())
}

func (s *Server) handleHealth(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logToolCall(global.ToolHealth, nil)

	health := map[string]interface{}{
		"status":              "ok",
		"program":             global.ProgramName,
		"version":             global.Version,
		"pid":                 os.Getpid(),
		"uptime_seconds":      int(time.Since(s.startedAt).Seconds()),
		"command":             s.config.Command(),
		"primary_model":       s.config.PrimaryModel(),
		"fallback_model":      s.config.FallbackModel(),
		"rolling_timeout_ms":  s.config.RollingTimeoutMs(),
		"absolute_timeout_ms": s.config.AbsoluteTimeoutMs(),
	}
	return createJSONResult(health)
}
