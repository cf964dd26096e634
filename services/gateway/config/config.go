// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the gateway configuration: the
// backend service registry, the path-prefix route table, rate-limit
// policies, and the CORS allow-list.
//
// Configuration comes from environment variables (one *_SERVICE_URL per
// backend, matching the podman-compose service names), optionally merged
// with a YAML file pointed at by GATEWAY_CONFIG_FILE. Environment
// variables win over the file. The registry and route table are immutable
// after Load returns; a missing required backend address is a startup
// error, never a runtime one.
package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/Siteline/pkg/validation"
)

// Logical backend names. Every route target must be one of these.
const (
	ServiceIdentity   = "identity"
	ServiceSales      = "sales"
	ServiceFinance    = "finance"
	ServiceInventory  = "inventory"
	ServiceHR         = "hr"
	ServiceCompliance = "compliance"
	ServiceProject    = "project"
	ServiceDocument   = "document"
	ServiceRealtime   = "chat-realtime"
)

// requiredServices lists the backends the gateway refuses to start without.
var requiredServices = []string{
	ServiceIdentity,
	ServiceSales,
	ServiceFinance,
	ServiceInventory,
	ServiceHR,
	ServiceCompliance,
	ServiceProject,
	ServiceDocument,
	ServiceRealtime,
}

// envVarFor maps a logical service name to its environment variable,
// e.g. "chat-realtime" -> "CHAT_REALTIME_SERVICE_URL".
func envVarFor(service string) string {
	name := strings.ToUpper(strings.ReplaceAll(service, "-", "_"))
	return name + "_SERVICE_URL"
}

// Duration is a time.Duration that unmarshals from YAML scalars like
// "30s" or "15m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Route maps one URL path prefix to a logical backend service.
type Route struct {
	Prefix  string `yaml:"prefix" validate:"required,startswith=/"`
	Service string `yaml:"service" validate:"required"`
}

// RateLimitPolicy is a fixed-window counting policy.
type RateLimitPolicy struct {
	MaxRequests int      `yaml:"max_requests" validate:"required,gt=0"`
	Window      Duration `yaml:"window" validate:"required,gt=0"`
}

// Config is the complete, validated gateway configuration.
type Config struct {
	// Port the gateway listens on.
	Port string `yaml:"port"`

	// Services maps logical backend names to base URLs. Read-only
	// after Load.
	Services map[string]string `yaml:"services"`

	// Routes is the proxy route table. Longest-prefix-match wins.
	Routes []Route `yaml:"routes"`

	// RateLimits maps policy names ("default", "auth", "export") to
	// window policies.
	RateLimits map[string]RateLimitPolicy `yaml:"rate_limits"`

	// AllowedOrigins is the CORS allow-list. The gateway's own origin
	// is always permitted.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// CSPConnectOrigins are third-party API origins added to the
	// connect-src directive of the Content-Security-Policy header.
	CSPConnectOrigins []string `yaml:"csp_connect_origins"`

	// UpstreamTimeout bounds each proxied or aggregated backend call.
	UpstreamTimeout Duration `yaml:"upstream_timeout"`

	// SweepInterval is how often expired rate-limit windows are
	// reclaimed.
	SweepInterval Duration `yaml:"sweep_interval"`

	// RequestLogCapacity is the size of the in-memory request log ring.
	RequestLogCapacity int `yaml:"request_log_capacity"`

	// EventHistoryCapacity bounds the event bus history buffer.
	EventHistoryCapacity int `yaml:"event_history_capacity"`
}

// DefaultRoutes is the built-in route table for the ERP resource
// surface. Kept sorted by prefix for reproducible validation output.
func DefaultRoutes() []Route {
	return []Route{
		{Prefix: "/api/v1/auth", Service: ServiceIdentity},
		{Prefix: "/api/v1/users", Service: ServiceIdentity},
		{Prefix: "/api/v1/roles", Service: ServiceIdentity},
		{Prefix: "/api/v1/leads", Service: ServiceSales},
		{Prefix: "/api/v1/contacts", Service: ServiceSales},
		{Prefix: "/api/v1/deals", Service: ServiceSales},
		{Prefix: "/api/v1/invoices", Service: ServiceFinance},
		{Prefix: "/api/v1/payments", Service: ServiceFinance},
		{Prefix: "/api/v1/expenses", Service: ServiceFinance},
		{Prefix: "/api/v1/products", Service: ServiceInventory},
		{Prefix: "/api/v1/stock", Service: ServiceInventory},
		{Prefix: "/api/v1/warehouses", Service: ServiceInventory},
		{Prefix: "/api/v1/employees", Service: ServiceHR},
		{Prefix: "/api/v1/payroll", Service: ServiceHR},
		{Prefix: "/api/v1/attendance", Service: ServiceHR},
		{Prefix: "/api/v1/tickets", Service: ServiceCompliance},
		{Prefix: "/api/v1/audits", Service: ServiceCompliance},
		{Prefix: "/api/v1/permits", Service: ServiceCompliance},
		{Prefix: "/api/v1/projects", Service: ServiceProject},
		{Prefix: "/api/v1/tasks", Service: ServiceProject},
		{Prefix: "/api/v1/orders", Service: ServiceProject},
		{Prefix: "/api/v1/documents", Service: ServiceDocument},
		{Prefix: "/api/v1/files", Service: ServiceDocument},
		{Prefix: "/api/v1/order-templates", Service: ServiceDocument},
	}
}

// DefaultRateLimits returns the built-in policies: a general API budget,
// a much tighter budget for credential endpoints, and a small budget for
// export-style endpoints that fan out large responses.
func DefaultRateLimits() map[string]RateLimitPolicy {
	return map[string]RateLimitPolicy{
		"default": {MaxRequests: 100, Window: Duration(60 * time.Second)},
		"auth":    {MaxRequests: 10, Window: Duration(15 * time.Minute)},
		"export":  {MaxRequests: 10, Window: Duration(60 * time.Second)},
	}
}

// Load builds the gateway configuration from the optional YAML file and
// the environment, applies defaults, and validates the result. It is the
// only constructor; the returned Config must be treated as read-only.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                 "12300",
		Services:             map[string]string{},
		Routes:               DefaultRoutes(),
		RateLimits:           DefaultRateLimits(),
		UpstreamTimeout:      Duration(10 * time.Second),
		SweepInterval:        Duration(60 * time.Second),
		RequestLogCapacity:   1000,
		EventHistoryCapacity: 500,
	}

	if path := os.Getenv("GATEWAY_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if port := os.Getenv("GATEWAY_PORT"); port != "" {
		cfg.Port = port
	}

	// Environment wins over the file for backend addresses. Quotes are
	// trimmed because podman sometimes passes them through literally.
	for _, svc := range requiredServices {
		if raw := os.Getenv(envVarFor(svc)); raw != "" {
			cfg.Services[svc] = strings.Trim(raw, "\"' ")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the registry/route-table invariants. It is exported so
// tests can build configs by hand.
func (c *Config) Validate() error {
	for _, svc := range requiredServices {
		addr, ok := c.Services[svc]
		if !ok || addr == "" {
			return fmt.Errorf("missing address for required service %q (set %s)", svc, envVarFor(svc))
		}
		u, err := url.Parse(addr)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid address %q for service %q", addr, svc)
		}
	}

	validate := validator.New()
	seen := map[string]string{}
	for _, r := range c.Routes {
		if err := validate.Struct(r); err != nil {
			return fmt.Errorf("invalid route %+v: %w", r, err)
		}
		if err := validation.ValidateRoutePrefix(r.Prefix); err != nil {
			return err
		}
		if err := validation.ValidateServiceName(r.Service); err != nil {
			return err
		}
		if _, ok := c.Services[r.Service]; !ok {
			return fmt.Errorf("route %q targets unknown service %q", r.Prefix, r.Service)
		}
		if prev, ok := seen[r.Prefix]; ok && prev != r.Service {
			return fmt.Errorf("route prefix %q mapped to both %q and %q", r.Prefix, prev, r.Service)
		}
		seen[r.Prefix] = r.Service
	}

	// Nested prefixes with different targets make longest-prefix wins
	// ambiguous to operators, so they are rejected outright. Segment
	// boundaries matter: /api/v1/orders does not nest /api/v1/order-templates.
	prefixes := make([]string, 0, len(seen))
	for p := range seen {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	for i := 0; i < len(prefixes); i++ {
		for j := i + 1; j < len(prefixes); j++ {
			a, b := prefixes[i], prefixes[j]
			if !strings.HasPrefix(b, a) {
				break
			}
			if segmentNested(a, b) && seen[a] != seen[b] {
				return fmt.Errorf("route prefix %q (-> %s) shadows %q (-> %s)", a, seen[a], b, seen[b])
			}
		}
	}

	for name, p := range c.RateLimits {
		if err := validate.Struct(p); err != nil {
			return fmt.Errorf("invalid rate-limit policy %q: %w", name, err)
		}
	}
	if _, ok := c.RateLimits["default"]; !ok {
		return fmt.Errorf("rate-limit policy %q is required", "default")
	}

	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream_timeout must be positive")
	}
	if c.RequestLogCapacity <= 0 || c.EventHistoryCapacity <= 0 {
		return fmt.Errorf("buffer capacities must be positive")
	}
	return nil
}

// ServiceURL returns the base address for a logical service name.
func (c *Config) ServiceURL(service string) (string, bool) {
	addr, ok := c.Services[service]
	return addr, ok
}

// segmentNested reports whether prefix a nests prefix b on a path
// segment boundary: b == a, or b begins with a followed by "/".
func segmentNested(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(b, a) && len(b) > len(a) && b[len(a)] == '/'
}
