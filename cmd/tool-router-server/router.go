package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_router/internal/auth"
	"github.com/triage-ai/palisade/services/tool_router/internal/catalog"
	"github.com/triage-ai/palisade/services/tool_router/internal/config"
	"github.com/triage-ai/palisade/services/tool_router/internal/exposition"
	"github.com/triage-ai/palisade/services/tool_router/internal/fsm"
	"github.com/triage-ai/palisade/services/tool_router/internal/guard"
	"github.com/triage-ai/palisade/services/tool_router/internal/guard/evaluators"
	"github.com/triage-ai/palisade/services/tool_router/internal/prompt"
	"github.com/triage-ai/palisade/services/tool_router/internal/registry"
	"github.com/triage-ai/palisade/services/tool_router/internal/server"
	"github.com/triage-ai/palisade/services/tool_router/internal/storage"
)

// router is everything a transport needs to serve the catalog.
type router struct {
	reg      *registry.Registry
	prompts  *prompt.Registry
	gate     *fsm.Gate
	sessions fsm.SessionStore
	events   storage.EventWriter
	closers  []func()
}

func (r *router) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (r *router) options(cfg *config.Config, logger *zap.Logger) server.Options {
	return server.Options{
		Exposition: exposition.Mode(cfg.Exposition),
		Separator:  cfg.Separator,
		Gate:       r.gate,
		Sessions:   r.sessions,
		SessionTTL: time.Duration(cfg.SessionCacheTTLSeconds) * time.Second,
		Prompts:    r.prompts,
		Events:     r.events,
		Transport:  cfg.Transport,
		Logger:     logger,
	}
}

// catalogRegistry registers the catalog tools without any infrastructure.
// The lock and digest commands use it; their contracts do not depend on
// global middleware.
func catalogRegistry(cfg *config.Config, logger *zap.Logger) (*registry.Registry, *catalog.Catalog, error) {
	mode, err := exposition.ParseMode(cfg.Exposition)
	if err != nil {
		return nil, nil, err
	}
	reg := registry.New(registry.WithLogger(logger))
	cat := catalog.New(mode, cfg.Separator)
	if err := cat.Register(reg); err != nil {
		return nil, nil, err
	}
	return reg, cat, nil
}

func buildRouter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*router, error) {
	reg, cat, err := catalogRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	r := &router{reg: reg}
	ok := false
	defer func() {
		if !ok {
			r.Close()
		}
	}()

	if r.prompts, err = cat.Prompts(); err != nil {
		return nil, err
	}

	// Postgres backs workflow sessions when configured; auth and policies
	// share its pool.
	ttl := time.Duration(cfg.SessionCacheTTLSeconds) * time.Second
	var db *sql.DB
	var pgSessions *fsm.SQLStore
	if cfg.PostgresDSN != "" {
		pgSessions, db, err = fsm.OpenPostgresStore(ctx, cfg.PostgresDSN, ttl, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		r.closers = append(r.closers, func() { _ = db.Close() })
		logger.Info("postgres connected")
	}

	// Events: ClickHouse or LogWriter fallback.
	if cfg.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			r.events = storage.NewLogWriter(logger)
		} else {
			r.events = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		r.events = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	r.closers = append(r.closers, r.events.Close)

	if cfg.Auth.Required {
		var chain auth.Chain
		if cfg.Auth.JWTSecret != "" {
			chain = append(chain, auth.NewJWTAuthenticator([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience))
		}
		if db != nil {
			chain = append(chain, auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
				DB:       db,
				CacheTTL: time.Duration(cfg.Auth.CacheTTLSeconds) * time.Second,
				FailOpen: true,
				Logger:   logger,
			}))
		}
		if cfg.Auth.StaticKeys {
			chain = append(chain, auth.NewStaticAuthenticator())
			logger.Warn("static API keys accepted; do not use in production")
		}
		reg.Use(auth.Middleware(chain))
		logger.Info("authentication enabled", zap.Int("authenticators", len(chain)))
	}

	if cfg.RateLimit.PerSecond > 0 {
		reg.Use(guard.RateLimit(guard.RateLimitOptions{
			PerSecond: cfg.RateLimit.PerSecond,
			Burst:     cfg.RateLimit.Burst,
		}))
	}

	if cfg.Guard.Enabled {
		var policies guard.PolicyChain
		if len(cfg.Guard.Policies) > 0 {
			policies = append(policies, guard.NewStaticPolicies(cfg.Guard.Policies))
		}
		if db != nil {
			policies = append(policies, guard.NewPostgresPolicies(guard.PostgresPoliciesConfig{
				DB:       db,
				CacheTTL: time.Duration(cfg.Guard.PolicyCacheTTLSecs) * time.Second,
				Logger:   logger,
			}))
		}
		reg.Use(guard.Middleware(guard.Options{
			Engine:     guard.NewEngine(evaluators.Defaults(), time.Duration(cfg.Guard.EvalTimeoutMs)*time.Millisecond, logger),
			Policies:   policies,
			Traces:     guard.NewTraceStore(0, 0, time.Duration(cfg.SessionCacheTTLSeconds)*time.Second),
			Aggregator: guard.AggregatorConfig{UnsafeThreshold: cfg.Guard.UnsafeThreshold},
			Shadow:     cfg.Guard.Shadow,
			Logger:     logger,
		}))
		logger.Info("guard enabled",
			zap.Int("policy_sources", len(policies)),
			zap.Bool("shadow", cfg.Guard.Shadow),
		)
	}

	workflow := catalog.CheckoutWorkflow()
	if cfg.Workflow != nil {
		workflow = *cfg.Workflow
	}
	for _, issue := range workflow.Lint() {
		logger.Warn("workflow lint", zap.String("issue", issue))
	}
	if r.gate, err = fsm.NewGate(workflow); err != nil {
		return nil, err
	}

	switch {
	case pgSessions != nil:
		r.sessions = pgSessions
		logger.Info("workflow sessions stored in postgres")
	case cfg.SQLitePath != "":
		st, sqlite, err := fsm.OpenSQLiteStore(ctx, cfg.SQLitePath, ttl, logger)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, func() { _ = sqlite.Close() })
		r.sessions = st
		logger.Info("workflow sessions stored in sqlite", zap.String("path", cfg.SQLitePath))
	}

	ok = true
	return r, nil
}
