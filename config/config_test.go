/******************************************************************************
 * Copyright (c) 2025-2026 Tenwall Systems Inc.                               *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tenwall/Conduit/global"
)

// writeConfig writes a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"version": 1,
		"base_dir": "`+t.TempDir()+`",
		"logging": {"file": "test.log", "level": "DEBUG"}
	}`)

	cfg := New(WithConfigPath(path))
	if err := cfg.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Command() != "gemini" {
		t.Errorf("Command = %q, want gemini", cfg.Command())
	}
	if cfg.PrimaryModel() != global.DefaultPrimaryModel {
		t.Errorf("PrimaryModel = %q, want %q", cfg.PrimaryModel(), global.DefaultPrimaryModel)
	}
	if cfg.RollingTimeoutMs() != global.DefaultRollingTimeoutMs {
		t.Errorf("RollingTimeoutMs = %d, want %d", cfg.RollingTimeoutMs(), global.DefaultRollingTimeoutMs)
	}
	if cfg.AbsoluteTimeoutMs() != global.DefaultAbsoluteTimeoutMs {
		t.Errorf("AbsoluteTimeoutMs = %d, want %d", cfg.AbsoluteTimeoutMs(), global.DefaultAbsoluteTimeoutMs)
	}
	if cfg.ArgLengthCeiling() != global.DefaultArgLengthCeiling {
		t.Errorf("ArgLengthCeiling = %d, want %d", cfg.ArgLengthCeiling(), global.DefaultArgLengthCeiling)
	}
	if cfg.LogLevel() != "DEBUG" {
		t.Errorf("LogLevel = %q, want DEBUG", cfg.LogLevel())
	}
	if cfg.IsFirstRun() {
		t.Error("IsFirstRun = true for an existing config")
	}
}

func TestLoadResolvesPathsAgainstBaseDir(t *testing.T) {
	base := t.TempDir()
	path := writeConfig(t, `{
		"version": 1,
		"base_dir": "`+base+`",
		"quota_state_file": "state/quota.json",
		"logging": {"file": "logs/conduit.log", "level": "INFO"}
	}`)

	cfg := New(WithConfigPath(path))
	if err := cfg.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if want := filepath.Join(base, "state/quota.json"); cfg.QuotaStateFile() != want {
		t.Errorf("QuotaStateFile = %q, want %q", cfg.QuotaStateFile(), want)
	}
	if want := filepath.Join(base, "logs/conduit.log"); cfg.LogFile() != want {
		t.Errorf("LogFile = %q, want %q", cfg.LogFile(), want)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantIn  string
	}{
		{
			"wrong version",
			`{"version": 2, "logging": {"file": "x.log", "level": "INFO"}}`,
			"version",
		},
		{
			"rolling timeout below range",
			`{"version": 1, "gemini": {"rolling_timeout_ms": 100}, "logging": {"file": "x.log", "level": "INFO"}}`,
			"rolling_timeout_ms",
		},
		{
			"absolute not above rolling",
			`{"version": 1, "gemini": {"rolling_timeout_ms": 60000, "absolute_timeout_ms": 60000}, "logging": {"file": "x.log", "level": "INFO"}}`,
			"absolute_timeout_ms",
		},
		{
			"command with a path",
			`{"version": 1, "gemini": {"command": "/usr/bin/gemini"}, "logging": {"file": "x.log", "level": "INFO"}}`,
			"bare binary name",
		},
		{
			"schema catches wrong type",
			`{"version": 1, "gemini": {"rolling_timeout_ms": "fast"}, "logging": {"file": "x.log", "level": "INFO"}}`,
			"rolling_timeout_ms",
		},
		{
			"schema catches bad log level",
			`{"version": 1, "logging": {"file": "x.log", "level": "LOUD"}}`,
			"level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New(WithConfigPath(writeConfig(t, tt.content)))
			err := cfg.Load()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantIn) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantIn)
			}
		})
	}
}

func TestLoadToleratesUnknownFields(t *testing.T) {
	path := writeConfig(t, `{
		"version": 1,
		"future_knob": true,
		"logging": {"file": "x.log", "level": "INFO"}
	}`)

	cfg := New(WithConfigPath(path))
	if err := cfg.Load(); err != nil {
		t.Fatalf("Load failed on unknown field: %v", err)
	}
}

func TestDefaultConfigIsLoadable(t *testing.T) {
	path := writeConfig(t, defaultConfig)
	cfg := New(WithConfigPath(path))
	if err := cfg.Load(); err != nil {
		t.Fatalf("shipped default config does not load: %v", err)
	}
	if cfg.FallbackModel() != global.DefaultFallbackModel {
		t.Errorf("FallbackModel = %q, want %q", cfg.FallbackModel(), global.DefaultFallbackModel)
	}
}
