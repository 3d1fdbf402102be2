package tool

import (
	"context"
	"fmt"
	"strings"

	"github.com/triage-ai/palisade/services/tool_router/internal/engine"
	"github.com/triage-ai/palisade/services/tool_router/internal/schema"
)

const truncatedMarker = "\n[truncated]"

// ExecOptions carries per-call collaborators from the router.
type ExecOptions struct {
	// Global middleware, run before the tool's own.
	Middleware []engine.Middleware
	Progress   engine.ProgressSink
}

// Execute runs one call. args must carry the discriminator. Every outcome,
// including bad input and handler failures, is a Response.
func (b *Builder) Execute(ctx context.Context, rc engine.Values, args map[string]any, opts ExecOptions) engine.Response {
	def := b.Build()

	raw, _ := args[def.Discriminator].(string)
	if raw == "" {
		return engine.ToolError(CodeMissingDiscriminator, engine.ToolErrorOptions{
			Message:          fmt.Sprintf("[%s] missing required field %q", def.Name, def.Discriminator),
			Suggestion:       fmt.Sprintf("Set %q to one of the available actions.", def.Discriminator),
			AvailableActions: def.ActionKeys(),
		})
	}

	action, ok := def.Action(raw)
	if !ok {
		return engine.ToolError(CodeUnknownAction, engine.ToolErrorOptions{
			Message:          fmt.Sprintf("[%s] unknown action %q", def.Name, raw),
			Suggestion:       "Use one of the available actions.",
			AvailableActions: def.ActionKeys(),
		})
	}

	payload := make(map[string]any, len(args))
	for k, v := range args {
		if k != def.Discriminator {
			payload[k] = v
		}
	}
	return b.run(ctx, def, action, rc, payload, opts)
}

func (b *Builder) run(ctx context.Context, def *Definition, action *ActionRecord, rc engine.Values, args map[string]any, opts ExecOptions) engine.Response {
	if action.Validator != nil {
		res := action.Validator.Parse(args)
		if !res.OK {
			return validationFailure(def.Name, action.Key, res.Errors)
		}
		args = res.Data
	}

	if b.bulkhead != nil {
		if !b.bulkhead.acquire(ctx) {
			return engine.ToolError(CodeServerBusy, engine.ToolErrorOptions{
				Message:    fmt.Sprintf("[%s/%s] too many concurrent calls", def.Name, action.Key),
				Suggestion: "Retry shortly.",
			})
		}
		defer b.bulkhead.release()
	}

	chain := make([]engine.Middleware, 0, len(opts.Middleware)+len(def.Middleware)+len(action.Middleware))
	chain = append(chain, opts.Middleware...)
	chain = append(chain, def.Middleware...)
	chain = append(chain, action.Middleware...)

	resp := engine.Run(ctx, engine.Invocation{
		Info: engine.CallInfo{
			Tool:        def.Name,
			Action:      action.Key,
			ReadOnly:    action.ReadOnly,
			Destructive: action.Destructive,
			Idempotent:  action.Idempotent,
		},
		Middleware: chain,
		Handler:    action.Handler,
		Progress:   opts.Progress,
	}, rc, args)

	if def.EgressMaxBytes > 0 {
		resp = truncate(resp, def.EgressMaxBytes)
	}
	if !resp.IsError {
		if notice := def.StateSync.Notice(def.Name + Separator + action.Key); notice != "" {
			resp.Content = append(resp.Content, engine.Block{Type: "text", Text: notice})
		}
	}
	return resp
}

func validationFailure(tool, action string, errs []schema.FieldError) engine.Response {
	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		if e.Field != "" {
			fields = append(fields, e.Field)
		}
	}
	msg := fmt.Sprintf("[%s/%s] VALIDATION FAILED\n%s", tool, action, schema.FormatErrors(errs))
	suggestion := "Fix the listed fields and call again."
	if len(fields) > 0 {
		suggestion = "Fix " + strings.Join(fields, ", ") + " and call again."
	}
	return engine.ToolError(CodeValidation, engine.ToolErrorOptions{Message: msg, Suggestion: suggestion})
}

// truncate caps the total text bytes of resp at limit.
func truncate(resp engine.Response, limit int) engine.Response {
	out := engine.Response{IsError: resp.IsError, Content: make([]engine.Block, 0, len(resp.Content))}
	remaining := limit
	for _, blk := range resp.Content {
		if remaining <= 0 {
			out.Content[len(out.Content)-1].Text += truncatedMarker
			return out
		}
		if len(blk.Text) > remaining {
			blk.Text = cutUTF8(blk.Text, remaining) + truncatedMarker
			out.Content = append(out.Content, blk)
			return out
		}
		remaining -= len(blk.Text)
		out.Content = append(out.Content, blk)
	}
	return out
}

func cutUTF8(s string, n int) string {
	for n > 0 && n < len(s) && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
