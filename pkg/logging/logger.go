// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for Siteline services.
//
// Services log JSON to stdout so that the container runtime and the
// collector pipeline can pick the stream up without extra plumbing.
// For local development a human-readable text format can be selected
// with SITELINE_LOG_FORMAT=text.
//
// # Basic Usage
//
//	logger := logging.Setup("gateway-service")
//	logger.Info("starting the gateway", "port", cfg.Port)
//
// Setup installs the returned logger as the slog default, so packages
// that log through the slog package-level functions inherit the same
// handler and service attribute.
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers
// must ensure PII, tokens, and secrets are not logged:
//
//	// BAD: logs sensitive data
//	logger.Info("auth", "token", authToken)
//
//	// GOOD: log metadata only
//	logger.Info("auth", "token_present", authToken != "")
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// =============================================================================
// Log Levels
// =============================================================================

// ParseLevel maps a level name to its slog level. Unknown names fall
// back to Info so a typo in an env var never silences a service.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config controls handler construction.
type Config struct {
	// Level is the minimum severity emitted.
	Level slog.Level

	// Service is attached to every record as the "service" attribute.
	Service string

	// Format selects the output encoding: "json" (default) or "text".
	Format string
}

// New builds a logger from an explicit Config. Most services should
// call Setup instead and let the environment drive the settings.
func New(config Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.Level}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	if config.Service != "" {
		logger = logger.With("service", config.Service)
	}
	return logger
}

// Setup builds a logger for the named service from the environment
// (SITELINE_LOG_LEVEL, SITELINE_LOG_FORMAT) and installs it as the
// slog default.
func Setup(service string) *slog.Logger {
	logger := New(Config{
		Level:   ParseLevel(os.Getenv("SITELINE_LOG_LEVEL")),
		Service: service,
		Format:  os.Getenv("SITELINE_LOG_FORMAT"),
	})
	slog.SetDefault(logger)
	return logger
}
