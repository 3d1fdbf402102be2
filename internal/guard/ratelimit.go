package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/triage-ai/palisade/services/tool_router/internal/engine"
)

// CodeRateLimited is returned when a session exceeds its call rate.
const CodeRateLimited = "RATE_LIMITED"

// RateLimitOptions configures RateLimit. Limits are per session and tool.
type RateLimitOptions struct {
	PerSecond float64
	Burst     int
	// MaxKeys bounds the number of tracked session+tool pairs.
	MaxKeys int
	IdleTTL time.Duration
}

// RateLimit is a token-bucket limiter keyed by session and tool. Calls
// without a session id share the "" session.
func RateLimit(opts RateLimitOptions) engine.Middleware {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = 10_000
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	limiters := expirable.NewLRU[string, *rate.Limiter](opts.MaxKeys, nil, opts.IdleTTL)
	limit := rate.Limit(opts.PerSecond)
	var mu sync.Mutex

	return engine.Named("rate_limit", engine.MiddlewareFunc(
		func(ctx context.Context, rc engine.Values, _ map[string]any, next engine.NextFunc) (engine.Response, error) {
			info, _ := engine.CallInfoFromContext(ctx)
			key := rc.String(engine.SessionIDKey) + "\x00" + info.Tool

			mu.Lock()
			lim, ok := limiters.Get(key)
			if !ok {
				lim = rate.NewLimiter(limit, opts.Burst)
				limiters.Add(key, lim)
			}
			mu.Unlock()
			if !lim.Allow() {
				return engine.ToolError(CodeRateLimited, engine.ToolErrorOptions{
					Message:    fmt.Sprintf("too many calls to %s in this session", info.Tool),
					Suggestion: "Wait a moment before calling this tool again.",
				}), nil
			}
			return next(ctx, rc)
		}))
}
