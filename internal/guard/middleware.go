package guard

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_router/internal/engine"
)

// Tool error codes produced by the guard.
const (
	CodePolicyViolation      = "POLICY_VIOLATION"
	CodeConfirmationRequired = "CONFIRMATION_REQUIRED"
)

// Options configures Middleware.
type Options struct {
	Engine     *Engine
	Policies   PolicySource // nil means no policies
	Traces     *TraceStore  // nil disables session traces
	Aggregator AggregatorConfig
	// Shadow evaluates and logs but never blocks. Requests whose auth mode
	// is "shadow" behave the same way.
	Shadow bool
	Logger *zap.Logger
}

// Middleware evaluates every call before its handler runs. Unsafe calls
// are answered with a POLICY_VIOLATION tool error; calls that need
// confirmation get CONFIRMATION_REQUIRED until the request context
// carries user_confirmed=true. Successful calls are appended to the
// session trace.
func Middleware(opts Options) engine.Middleware {
	if opts.Engine == nil {
		opts.Engine = NewEngine(nil, 0, opts.Logger)
	}
	if opts.Aggregator.UnsafeThreshold == 0 {
		opts.Aggregator = DefaultAggregatorConfig()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	g := &guardMiddleware{opts: opts}
	return engine.Named("guard", engine.MiddlewareFunc(g.handle))
}

type guardMiddleware struct {
	opts Options
}

func (g *guardMiddleware) handle(ctx context.Context, rc engine.Values, args map[string]any, next engine.NextFunc) (engine.Response, error) {
	info, _ := engine.CallInfoFromContext(ctx)
	key := actionKey(info)
	projectID := rc.String(engine.ProjectIDKey)
	sessionID := rc.String(engine.SessionIDKey)

	var policy *Policy
	if g.opts.Policies != nil {
		p, err := Resolve(ctx, g.opts.Policies, projectID, key)
		if err != nil {
			g.opts.Logger.Warn("policy lookup failed, evaluating without policy",
				zap.String("action", key),
				zap.String("project_id", projectID),
				zap.Error(err),
			)
		}
		policy = p
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		argsJSON = []byte("{}")
	}

	req := &EvalRequest{
		ToolName:      key,
		ArgumentsJSON: string(argsJSON),
		UserConfirmed: rc.Bool(engine.UserConfirmedKey),
		WorkflowType:  rc.String(engine.WorkflowStateKey),
		ReadOnly:      info.ReadOnly,
		Destructive:   info.Destructive,
		Policy:        policy,
	}
	if g.opts.Traces != nil && sessionID != "" {
		req.Trace = g.opts.Traces.Snapshot(sessionID)
	}

	results, latency := g.opts.Engine.Evaluate(ctx, req)
	agg := Aggregate(results, g.opts.Aggregator)
	shadow := g.opts.Shadow || rc.String(engine.AuthModeKey) == "shadow"

	if agg.Verdict != VerdictSafe {
		g.opts.Logger.Info("guard verdict",
			zap.String("action", key),
			zap.String("session_id", sessionID),
			zap.String("verdict", string(agg.Verdict)),
			zap.String("reason", agg.Reason),
			zap.Bool("shadow", shadow),
			zap.Duration("latency", latency),
		)
	}

	if !shadow {
		switch agg.Verdict {
		case VerdictUnsafe:
			return engine.ToolError(CodePolicyViolation, engine.ToolErrorOptions{
				Message:    agg.Reason,
				Suggestion: "Do not retry this call with the same arguments.",
			}), nil
		case VerdictNeedsConfirmation:
			return engine.ToolError(CodeConfirmationRequired, engine.ToolErrorOptions{
				Message:    agg.Reason,
				Suggestion: "Ask the user to confirm this action, then retry.",
			}), nil
		}
	}

	resp, err := next(ctx, rc)
	if err == nil && !resp.IsError && g.opts.Traces != nil && sessionID != "" {
		entry := TraceEntry{ToolName: key, TimestampMs: time.Now().UnixMilli()}
		if text := resp.Text(); json.Valid([]byte(text)) {
			entry.ResultJSON = text
		}
		if policy != nil {
			entry.OutputLabels = policy.InformationFlow.OutputLabels
		}
		g.opts.Traces.Append(sessionID, entry)
	}
	return resp, err
}

func actionKey(info engine.CallInfo) string {
	if info.Action == "" {
		return info.Tool
	}
	return info.Tool + "." + info.Action
}
