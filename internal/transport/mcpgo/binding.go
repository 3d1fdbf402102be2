// Package mcpgo binds a tool router onto a mark3labs/mcp-go server. The
// router keeps owning listing, routing and gating; mcp-go owns the wire.
package mcpgo

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_router/internal/engine"
	"github.com/triage-ai/palisade/services/tool_router/internal/registry"
	"github.com/triage-ai/palisade/services/tool_router/internal/server"
)

// Binding implements server.ServerLike on top of an *mcpserver.MCPServer.
//
// Every exposed route is registered in the mcp-go tool table. A tool
// filter narrows each tools/list to what the router lists for the
// requesting session, so sessions in different workflow states see
// different tables. Calls to hidden tools still reach the router, which
// answers them with UNKNOWN_TOOL.
type Binding struct {
	srv    *mcpserver.MCPServer
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]server.RequestHandler
	tools    map[string]string
	prompts  []string
}

// NewServer creates an mcp-go server with tool capabilities and the
// session filter installed, and the Binding that drives it.
func NewServer(name, version string, logger *zap.Logger, opts ...mcpserver.ServerOption) *Binding {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Binding{
		logger:   logger,
		handlers: make(map[string]server.RequestHandler),
		tools:    make(map[string]string),
	}
	opts = append([]mcpserver.ServerOption{
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithToolFilter(b.filter),
	}, opts...)
	b.srv = mcpserver.NewMCPServer(name, version, opts...)
	return b
}

// Server returns the underlying mcp-go server.
func (b *Binding) Server() *mcpserver.MCPServer { return b.srv }

// SetRequestHandler implements server.ServerLike. Registering a list
// handler resyncs the corresponding mcp-go table.
func (b *Binding) SetRequestHandler(method string, h server.RequestHandler) {
	b.mu.Lock()
	b.handlers[method] = h
	b.mu.Unlock()

	switch method {
	case server.MethodToolsList:
		if err := b.Sync(context.Background()); err != nil {
			b.logger.Warn("tool table sync failed", zap.Error(err))
		}
	case server.MethodPromptsList:
		if err := b.syncPrompts(context.Background()); err != nil {
			b.logger.Warn("prompt table sync failed", zap.Error(err))
		}
	}
}

func (b *Binding) handler(method string) server.RequestHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handlers[method]
}

func (b *Binding) list(ctx context.Context, meta server.RequestMetadata) ([]registry.Descriptor, error) {
	h := b.handler(server.MethodToolsList)
	if h == nil {
		return nil, nil
	}
	out, err := h(ctx, nil, meta)
	if err != nil {
		return nil, err
	}
	list, ok := out.(server.ListToolsResult)
	if !ok {
		return nil, fmt.Errorf("unexpected list result %T", out)
	}
	return list.Tools, nil
}

// Sync registers every exposed route in the mcp-go table. The table is
// touched, and clients notified, only when a route was added, removed or
// changed.
func (b *Binding) Sync(ctx context.Context) error {
	descs, err := b.list(ctx, server.RequestMetadata{Ungated: true})
	if err != nil {
		return fmt.Errorf("Sync: %w", err)
	}

	tools := make([]mcpserver.ServerTool, 0, len(descs))
	fingerprints := make(map[string]string, len(descs))
	for _, d := range descs {
		t, err := toTool(d)
		if err != nil {
			return fmt.Errorf("Sync: %w", err)
		}
		fp, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("Sync: %w", err)
		}
		tools = append(tools, mcpserver.ServerTool{Tool: t, Handler: b.handleCall})
		fingerprints[d.Name] = string(fp)
	}

	b.mu.Lock()
	if maps.Equal(b.tools, fingerprints) {
		b.mu.Unlock()
		return nil
	}
	var stale []string
	for name := range b.tools {
		if _, ok := fingerprints[name]; !ok {
			stale = append(stale, name)
		}
	}
	b.tools = fingerprints
	b.mu.Unlock()

	if len(stale) > 0 {
		b.srv.DeleteTools(stale...)
	}
	if len(tools) > 0 {
		b.srv.AddTools(tools...)
	}
	b.logger.Debug("tool table synced",
		zap.Int("tools", len(tools)),
		zap.Int("removed", len(stale)),
	)
	return nil
}

// filter is the mcp-go tool filter. It keeps tools the router does not
// own and replaces the router's own with the session's listing.
func (b *Binding) filter(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
	if err := b.Sync(ctx); err != nil {
		b.logger.Warn("tool table sync failed", zap.Error(err))
	}

	meta := server.RequestMetadata{Headers: HeadersFromContext(ctx)}
	if session := mcpserver.ClientSessionFromContext(ctx); session != nil {
		meta.SessionID = session.SessionID()
	}
	descs, err := b.list(ctx, meta)
	if err != nil {
		b.logger.Warn("tools/list failed",
			zap.String("session_id", meta.Session()),
			zap.Error(err),
		)
		descs = nil
	}

	b.mu.RLock()
	out := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		if _, owned := b.tools[t.Name]; !owned {
			out = append(out, t)
		}
	}
	b.mu.RUnlock()
	for _, d := range descs {
		t, err := toTool(d)
		if err != nil {
			b.logger.Warn("tool schema not encodable", zap.String("tool", d.Name), zap.Error(err))
			continue
		}
		out = append(out, t)
	}
	slices.SortFunc(out, func(x, y mcp.Tool) int { return strings.Compare(x.Name, y.Name) })
	return out
}

// Tools returns the names registered in the mcp-go table.
func (b *Binding) Tools() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Sorted(maps.Keys(b.tools))
}

func toTool(d registry.Descriptor) (mcp.Tool, error) {
	raw, err := json.Marshal(d.InputSchema)
	if err != nil {
		return mcp.Tool{}, fmt.Errorf("schema of %s: %w", d.Name, err)
	}
	t := mcp.NewToolWithRawSchema(d.Name, d.Description, raw)
	if a := d.Annotations; a != nil {
		t.Annotations = mcp.ToolAnnotation{
			Title:           a.Title,
			ReadOnlyHint:    a.ReadOnlyHint,
			DestructiveHint: a.DestructiveHint,
			IdempotentHint:  a.IdempotentHint,
		}
	}
	return t, nil
}

func (b *Binding) handleCall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h := b.handler(server.MethodToolsCall)
	if h == nil {
		return mcp.NewToolResultError(server.ErrDetached.Error()), nil
	}

	params := server.CallToolParams{Name: req.Params.Name, Arguments: req.GetArguments()}
	meta := server.RequestMetadata{Headers: HeadersFromContext(ctx)}
	if session := mcpserver.ClientSessionFromContext(ctx); session != nil {
		meta.SessionID = session.SessionID()
	}
	if m := req.Params.Meta; m != nil {
		meta.ProgressToken = m.ProgressToken
		if confirmed, ok := m.AdditionalFields["userConfirmed"].(bool); ok {
			params.Meta = &server.CallMeta{UserConfirmed: confirmed}
		}
	}
	meta.Notify = b.notifier(ctx)

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	out, err := h(ctx, raw, meta)
	if err != nil {
		return nil, err
	}
	resp, ok := out.(engine.Response)
	if !ok {
		return nil, fmt.Errorf("unexpected call result %T", out)
	}
	return toResult(resp), nil
}

// notifier forwards router notifications to the calling client. Tool
// list changes are per session, so only the caller re-lists.
func (b *Binding) notifier(ctx context.Context) func(string, map[string]any) error {
	return func(method string, params map[string]any) error {
		srv := mcpserver.ServerFromContext(ctx)
		if srv == nil {
			srv = b.srv
		}
		return srv.SendNotificationToClient(ctx, method, params)
	}
}

func toResult(resp engine.Response) *mcp.CallToolResult {
	content := make([]mcp.Content, 0, len(resp.Content))
	for _, blk := range resp.Content {
		content = append(content, mcp.NewTextContent(blk.Text))
	}
	return &mcp.CallToolResult{Content: content, IsError: resp.IsError}
}

func (b *Binding) syncPrompts(ctx context.Context) error {
	h := b.handler(server.MethodPromptsList)
	if h == nil {
		return nil
	}
	out, err := h(ctx, nil, server.RequestMetadata{})
	if err != nil {
		return fmt.Errorf("syncPrompts: %w", err)
	}
	list, ok := out.(server.ListPromptsResult)
	if !ok {
		return fmt.Errorf("syncPrompts: unexpected list result %T", out)
	}

	names := make([]string, 0, len(list.Prompts))
	for _, d := range list.Prompts {
		opts := []mcp.PromptOption{mcp.WithPromptDescription(d.Description)}
		for _, arg := range d.Arguments {
			argOpts := []mcp.ArgumentOption{mcp.ArgumentDescription(arg.Description)}
			if arg.Required {
				argOpts = append(argOpts, mcp.RequiredArgument())
			}
			opts = append(opts, mcp.WithArgument(arg.Name, argOpts...))
		}
		b.srv.AddPrompt(mcp.NewPrompt(d.Name, opts...), b.handleGetPrompt)
		names = append(names, d.Name)
	}

	b.mu.Lock()
	b.prompts = names
	b.mu.Unlock()
	return nil
}

func (b *Binding) handleGetPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	h := b.handler(server.MethodPromptsGet)
	if h == nil {
		return nil, server.ErrDetached
	}
	raw, err := json.Marshal(server.GetPromptParams{Name: req.Params.Name, Arguments: req.Params.Arguments})
	if err != nil {
		return nil, err
	}
	meta := server.RequestMetadata{Headers: HeadersFromContext(ctx)}
	if session := mcpserver.ClientSessionFromContext(ctx); session != nil {
		meta.SessionID = session.SessionID()
	}
	out, err := h(ctx, raw, meta)
	if err != nil {
		return nil, err
	}
	res, ok := out.(server.GetPromptResult)
	if !ok {
		return nil, fmt.Errorf("unexpected prompt result %T", out)
	}
	msgs := make([]mcp.PromptMessage, 0, len(res.Messages))
	for _, m := range res.Messages {
		role := mcp.RoleUser
		if m.Role == string(mcp.RoleAssistant) {
			role = mcp.RoleAssistant
		}
		msgs = append(msgs, mcp.NewPromptMessage(role, mcp.NewTextContent(m.Content.Text)))
	}
	return mcp.NewGetPromptResult(res.Description, msgs), nil
}

type headersKey struct{}

// HeaderContext copies request headers, with lower-cased names, into the
// context. Pass it to the HTTP transports' context-func options so the
// router sees authorization and session headers.
func HeaderContext(ctx context.Context, r *http.Request) context.Context {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	return context.WithValue(ctx, headersKey{}, headers)
}

// HeadersFromContext returns the headers stored by HeaderContext.
func HeadersFromContext(ctx context.Context) map[string]string {
	h, _ := ctx.Value(headersKey{}).(map[string]string)
	return h
}
