package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable the router reads, except
// the shared CLICKHOUSE_DSN and POSTGRES_DSN.
const EnvPrefix = "TOOL_ROUTER_"

func applyEnv(cfg *Config) {
	cfg.Name = envOrDefault(EnvPrefix+"NAME", cfg.Name)
	cfg.Version = envOrDefault(EnvPrefix+"VERSION", cfg.Version)
	cfg.LogLevel = envOrDefault(EnvPrefix+"LOG_LEVEL", cfg.LogLevel)
	cfg.Transport = envOrDefault(EnvPrefix+"TRANSPORT", cfg.Transport)
	cfg.HTTPAddr = envOrDefault(EnvPrefix+"HTTP_ADDR", cfg.HTTPAddr)
	cfg.HealthPort = envOrDefault(EnvPrefix+"HEALTH_PORT", cfg.HealthPort)
	cfg.Exposition = envOrDefault(EnvPrefix+"EXPOSITION", cfg.Exposition)
	cfg.Separator = envOrDefault(EnvPrefix+"SEPARATOR", cfg.Separator)
	cfg.ClickHouseDSN = envOrDefault("CLICKHOUSE_DSN", cfg.ClickHouseDSN)
	cfg.PostgresDSN = envOrDefault("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.SQLitePath = envOrDefault(EnvPrefix+"SQLITE_PATH", cfg.SQLitePath)
	cfg.SessionCacheTTLSeconds = envOrDefaultInt(EnvPrefix+"SESSION_CACHE_TTL_S", cfg.SessionCacheTTLSeconds)

	cfg.Guard.Enabled = envOrDefaultBool(EnvPrefix+"GUARD_ENABLED", cfg.Guard.Enabled)
	cfg.Guard.Shadow = envOrDefaultBool(EnvPrefix+"GUARD_SHADOW", cfg.Guard.Shadow)
	cfg.Guard.EvalTimeoutMs = envOrDefaultInt(EnvPrefix+"EVAL_TIMEOUT_MS", cfg.Guard.EvalTimeoutMs)
	cfg.Guard.UnsafeThreshold = envOrDefaultFloat(EnvPrefix+"UNSAFE_THRESHOLD", cfg.Guard.UnsafeThreshold)
	cfg.Guard.PolicyCacheTTLSecs = envOrDefaultInt(EnvPrefix+"POLICY_CACHE_TTL_S", cfg.Guard.PolicyCacheTTLSecs)

	if v := os.Getenv(EnvPrefix + "RATE_LIMIT_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit.PerSecond = f
		}
	}
	cfg.RateLimit.Burst = envOrDefaultInt(EnvPrefix+"RATE_LIMIT_BURST", cfg.RateLimit.Burst)

	cfg.Auth.Required = envOrDefaultBool(EnvPrefix+"AUTH_REQUIRED", cfg.Auth.Required)
	cfg.Auth.StaticKeys = envOrDefaultBool(EnvPrefix+"AUTH_STATIC_KEYS", cfg.Auth.StaticKeys)
	cfg.Auth.JWTSecret = envOrDefault(EnvPrefix+"JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.JWTIssuer = envOrDefault(EnvPrefix+"JWT_ISSUER", cfg.Auth.JWTIssuer)
	cfg.Auth.JWTAudience = envOrDefault(EnvPrefix+"JWT_AUDIENCE", cfg.Auth.JWTAudience)
	cfg.Auth.CacheTTLSeconds = envOrDefaultInt(EnvPrefix+"AUTH_CACHE_TTL_S", cfg.Auth.CacheTTLSeconds)

	cfg.AttestationSecret = envOrDefault(EnvPrefix+"ATTESTATION_SECRET", cfg.AttestationSecret)
	cfg.LockfilePath = envOrDefault(EnvPrefix+"LOCKFILE", cfg.LockfilePath)
}

// loadDotEnv reads .env files in order without overriding variables that
// are already set, so the real environment always wins.
func loadDotEnv(paths []string) error {
	for _, path := range paths {
		values, err := godotenv.Read(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for k, v := range values {
			if _, exists := os.LookupEnv(k); exists {
				continue
			}
			if err := os.Setenv(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
