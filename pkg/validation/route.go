// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for operator-provided inputs that end
// up in URLs or request forwarding decisions. Using these validators
// prevents malformed route tables (path traversal segments, embedded
// whitespace, injection into upstream URLs).
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// routePrefixPattern matches valid route table prefixes.
// Allows: lowercase letters, digits, hyphens, underscores, slashes.
// A prefix always starts with "/" and never ends with one.
var routePrefixPattern = regexp.MustCompile(`^(/[a-z0-9_-]+)+$`)

// serviceNamePattern matches logical backend service names.
// Allows: lowercase letters, digits, hyphens. Max length: 32.
var serviceNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,31}$`)

// ValidateRoutePrefix validates a route-table prefix before it is used
// for request matching and upstream URL construction.
//
// Valid prefixes:
//   - start with "/" and do not end with "/"
//   - one or more segments of lowercase letters, digits, "-", "_"
//   - no ".." segments, no whitespace, no query or fragment characters
//
// Returns an error describing the first violation found.
func ValidateRoutePrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("route prefix cannot be empty")
	}
	if !strings.HasPrefix(prefix, "/") {
		return fmt.Errorf("route prefix %q must start with '/'", prefix)
	}
	if strings.Contains(prefix, "..") {
		return fmt.Errorf("route prefix %q contains a traversal segment", prefix)
	}
	if !routePrefixPattern.MatchString(prefix) {
		return fmt.Errorf("route prefix %q contains invalid characters (allowed: lowercase, digits, '-', '_', '/')", prefix)
	}
	return nil
}

// ValidateServiceName validates a logical backend service name before it
// is used as a registry key and in error responses.
func ValidateServiceName(name string) error {
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if len(name) > 32 {
		return fmt.Errorf("service name %q exceeds 32 characters", name)
	}
	if !serviceNamePattern.MatchString(name) {
		return fmt.Errorf("service name %q contains invalid characters (allowed: lowercase, digits, '-')", name)
	}
	return nil
}
