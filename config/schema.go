/******************************************************************************
 * Copyright (c) 2025-2026 Tenwall Systems Inc.                               *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// defaultConfig is written on first run.
const defaultConfig = `{
  "version": 1,
  "gemini": {
    "command": "gemini",
    "primary_model": "gemini-2.5-pro",
    "fallback_model": "gemini-2.5-flash",
    "rolling_timeout_ms": 30000,
    "absolute_timeout_ms": 600000
  },
  "rate_limit": {
    "max_requests": 30,
    "period_seconds": 60
  },
  "logging": {
    "file": "conduit.log",
    "level": "INFO"
  }
}
`

// configSchema is the structural contract for the config file. Range and
// cross-field checks live in validate(); the schema catches type errors
// with messages that point at the offending field.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version"],
  "properties": {
    "version": {"type": "integer"},
    "base_dir": {"type": "string"},
    "gemini": {
      "type": "object",
      "properties": {
        "command": {"type": "string"},
        "primary_model": {"type": "string"},
        "fallback_model": {"type": "string"},
        "rolling_timeout_ms": {"type": "integer"},
        "absolute_timeout_ms": {"type": "integer"},
        "arg_length_ceiling": {"type": "integer"},
        "sandbox": {"type": "boolean"}
      }
    },
    "rate_limit": {
      "type": "object",
      "properties": {
        "max_requests": {"type": "integer"},
        "period_seconds": {"type": "integer"}
      }
    },
    "quota_state_file": {"type": "string"},
    "logging": {
      "type": "object",
      "properties": {
        "file": {"type": "string"},
        "level": {"type": "string", "enum": ["DEBUG", "INFO", "WARN", "ERROR", "FATAL"]}
      }
    }
  }
}`

// validateSchema checks raw config JSON against the schema.
func validateSchema(data []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(configSchema)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}

// writeDefaultConfig creates a default config file.
func writeDefaultConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(defaultConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
