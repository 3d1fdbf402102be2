package config

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/triage-ai/palisade/services/tool_router/internal/exposition"
)

// Validate reports every problem of the configuration at once.
func (c *Config) Validate() error {
	var err error

	switch c.Transport {
	case TransportStdio, TransportMCPGo, TransportMCPHTTP:
	default:
		err = multierr.Append(err, fmt.Errorf("transport: unknown value %q (want stdio, mcp-go or mcp-http)", c.Transport))
	}
	if _, perr := exposition.ParseMode(c.Exposition); perr != nil {
		err = multierr.Append(err, fmt.Errorf("exposition: %w", perr))
	}
	if c.Separator == "" {
		err = multierr.Append(err, fmt.Errorf("separator: must not be empty"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("log_level: unknown value %q", c.LogLevel))
	}
	if c.Transport == TransportMCPHTTP && c.HTTPAddr == "" {
		err = multierr.Append(err, fmt.Errorf("http_addr: required for the mcp-http transport"))
	}
	if c.Workflow != nil {
		if werr := c.Workflow.Validate(); werr != nil {
			err = multierr.Append(err, fmt.Errorf("workflow: %w", werr))
		}
	}
	if c.Guard.EvalTimeoutMs <= 0 {
		err = multierr.Append(err, fmt.Errorf("guard.eval_timeout_ms: must be positive"))
	}
	if c.Guard.UnsafeThreshold <= 0 || c.Guard.UnsafeThreshold > 1 {
		err = multierr.Append(err, fmt.Errorf("guard.unsafe_threshold: %v is outside (0, 1]", c.Guard.UnsafeThreshold))
	}
	for i, p := range c.Guard.Policies {
		if p.ToolName == "" {
			err = multierr.Append(err, fmt.Errorf("guard.policies[%d]: tool_name is required", i))
		}
	}
	if c.RateLimit.PerSecond < 0 || (c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0) {
		err = multierr.Append(err, fmt.Errorf("rate_limit: per_second must be >= 0 and burst positive when enabled"))
	}
	if c.Auth.Required && c.Auth.JWTSecret == "" && c.PostgresDSN == "" && !c.Auth.StaticKeys {
		err = multierr.Append(err, fmt.Errorf("auth: required but no authenticator is configured (jwt_secret, postgres_dsn or static_keys)"))
	}
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
