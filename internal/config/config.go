// Package config loads the tool router configuration: defaults, then an
// optional YAML, TOML or JSONC file, then .env files, then TOOL_ROUTER_*
// environment variables, then CLI overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/triage-ai/palisade/services/tool_router/internal/fsm"
	"github.com/triage-ai/palisade/services/tool_router/internal/guard"
)

// Transports understood by the server command.
const (
	TransportStdio   = "stdio"
	TransportMCPGo   = "mcp-go"
	TransportMCPHTTP = "mcp-http"
)

// Config is the full server configuration. Field tags name the keys of
// the configuration file in every supported format.
type Config struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	LogLevel string `json:"log_level"`

	Transport  string `json:"transport"`
	HTTPAddr   string `json:"http_addr"`
	HealthPort string `json:"health_port"`

	Exposition string `json:"exposition"`
	Separator  string `json:"separator"`

	ClickHouseDSN string `json:"clickhouse_dsn"`
	PostgresDSN   string `json:"postgres_dsn"`
	SQLitePath    string `json:"sqlite_path"`

	SessionCacheTTLSeconds int `json:"session_cache_ttl_s"`

	Workflow *fsm.Config `json:"workflow,omitempty"`

	Guard     GuardConfig     `json:"guard"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Auth      AuthConfig      `json:"auth"`

	AttestationSecret string `json:"attestation_secret"`
	LockfilePath      string `json:"lockfile"`
}

// GuardConfig configures the governance middleware.
type GuardConfig struct {
	Enabled            bool           `json:"enabled"`
	Shadow             bool           `json:"shadow"`
	EvalTimeoutMs      int            `json:"eval_timeout_ms"`
	UnsafeThreshold    float32        `json:"unsafe_threshold"`
	PolicyCacheTTLSecs int            `json:"policy_cache_ttl_s"`
	Policies           []guard.Policy `json:"policies,omitempty"`
}

// RateLimitConfig configures per-session call rate limiting. A zero
// PerSecond disables it.
type RateLimitConfig struct {
	PerSecond float64 `json:"per_second"`
	Burst     int     `json:"burst"`
}

// AuthConfig configures caller authentication. Without Required the
// router runs unauthenticated.
type AuthConfig struct {
	Required bool `json:"required"`
	// StaticKeys accepts any well-formed API key. Development only.
	StaticKeys      bool   `json:"static_keys"`
	JWTSecret       string `json:"jwt_secret"`
	JWTIssuer       string `json:"jwt_issuer"`
	JWTAudience     string `json:"jwt_audience"`
	CacheTTLSeconds int    `json:"cache_ttl_s"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Name:                   "tool-router",
		Version:                "dev",
		LogLevel:               "info",
		Transport:              TransportStdio,
		HTTPAddr:               ":8080",
		HealthPort:             "50053",
		Exposition:             "flat",
		Separator:              "_",
		SessionCacheTTLSeconds: 1800,
		Guard: GuardConfig{
			Enabled:            true,
			EvalTimeoutMs:      25,
			UnsafeThreshold:    0.8,
			PolicyCacheTTLSecs: 60,
		},
		RateLimit:    RateLimitConfig{Burst: 10},
		Auth:         AuthConfig{CacheTTLSeconds: 30},
		LockfilePath: "tool-router.lock.json",
	}
}

// Options controls Load.
type Options struct {
	// Path of the configuration file, "" for none. The format follows the
	// extension: .yaml/.yml, .toml, or .json/.jsonc.
	Path string
	// DotEnvFiles are read in order; variables already set win.
	DotEnvFiles []string
	// Overrides apply last. Nil fields are left alone.
	Overrides *Overrides
	// SkipValidate returns the merged configuration without checking it.
	SkipValidate bool
}

// Overrides holds CLI flag values.
type Overrides struct {
	Transport  *string
	Exposition *string
	LogLevel   *string
	HTTPAddr   *string
	Lockfile   *string
}

// Load builds the configuration.
func Load(opts Options) (*Config, error) {
	cfg := Default()

	if err := loadDotEnv(opts.DotEnvFiles); err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	if opts.Path != "" {
		if err := decodeFile(opts.Path, &cfg); err != nil {
			return nil, fmt.Errorf("Load: %w", err)
		}
	}
	applyEnv(&cfg)
	if opts.Overrides != nil {
		applyOverrides(&cfg, opts.Overrides)
	}

	if !opts.SkipValidate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// decodeFile normalizes the file to JSON and decodes it over cfg, so
// every format shares the json tags of Config and the types it embeds.
func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var doc []byte
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		var m map[string]any
		if err := yaml.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("malformed YAML in %s: %w", path, err)
		}
		if doc, err = json.Marshal(m); err != nil {
			return fmt.Errorf("convert %s: %w", path, err)
		}
	case ".toml":
		var m map[string]any
		if err := toml.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("malformed TOML in %s: %w", path, err)
		}
		if doc, err = json.Marshal(m); err != nil {
			return fmt.Errorf("convert %s: %w", path, err)
		}
	case ".json", ".jsonc":
		doc = jsonc.ToJSON(data)
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}

	if err := json.Unmarshal(doc, cfg); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func applyOverrides(cfg *Config, o *Overrides) {
	if o.Transport != nil {
		cfg.Transport = *o.Transport
	}
	if o.Exposition != nil {
		cfg.Exposition = *o.Exposition
	}
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
	}
	if o.HTTPAddr != nil {
		cfg.HTTPAddr = *o.HTTPAddr
	}
	if o.Lockfile != nil {
		cfg.LockfilePath = *o.Lockfile
	}
}
