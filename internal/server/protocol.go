package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/triage-ai/palisade/services/tool_router/internal/prompt"
	"github.com/triage-ai/palisade/services/tool_router/internal/registry"
)

// Method names registered on a ServerLike.
const (
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
	MethodPromptsList = "prompts/list"
	MethodPromptsGet  = "prompts/get"

	NotificationProgress         = "notifications/progress"
	NotificationToolsListChanged = "notifications/tools/list_changed"
)

// SessionHeader is the transport header that carries the session id when
// the transport does not provide one directly.
const SessionHeader = "mcp-session-id"

// ErrDetached is returned by every handler after Detach.
var ErrDetached = errors.New("tool router detached")

// ErrInvalidParams marks malformed request params. Transports map it to
// the JSON-RPC invalid-params error.
var ErrInvalidParams = errors.New("invalid params")

// RequestMetadata is what a transport knows about one request beyond its
// params. Cancellation travels in the handler's context.
type RequestMetadata struct {
	// ProgressToken is the client's _meta.progressToken, nil when absent.
	ProgressToken any
	// Notify sends a notification to the requesting client. Nil when the
	// transport cannot.
	Notify    func(method string, params map[string]any) error
	SessionID string
	// Headers are transport headers with lower-cased names.
	Headers map[string]string
	// Ungated lists every exposed tool regardless of workflow state.
	// Transports that keep their own tool table set it to register all
	// routes up front; it never comes from a client.
	Ungated bool
}

// Session returns the explicit session id, falling back to the
// mcp-session-id header.
func (m RequestMetadata) Session() string {
	if m.SessionID != "" {
		return m.SessionID
	}
	return m.Headers[SessionHeader]
}

// RequestHandler serves one method.
type RequestHandler func(ctx context.Context, params json.RawMessage, meta RequestMetadata) (any, error)

// ServerLike is the transport binding the router attaches to.
type ServerLike interface {
	SetRequestHandler(method string, h RequestHandler)
}

// ListToolsResult is the tools/list result.
type ListToolsResult struct {
	Tools []registry.Descriptor `json:"tools"`
}

// CallToolParams are the tools/call params.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Meta      *CallMeta      `json:"_meta,omitempty"`
}

// CallMeta is the _meta object of a call.
type CallMeta struct {
	ProgressToken any `json:"progressToken,omitempty"`
	// UserConfirmed is set by clients after the user approved a call that
	// was answered with CONFIRMATION_REQUIRED.
	UserConfirmed bool `json:"userConfirmed,omitempty"`
}

// ListPromptsResult is the prompts/list result.
type ListPromptsResult struct {
	Prompts []prompt.Descriptor `json:"prompts"`
}

// GetPromptParams are the prompts/get params.
type GetPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// PromptMessage is one prompts/get message.
type PromptMessage struct {
	Role    string        `json:"role"`
	Content PromptContent `json:"content"`
}

// PromptContent is the text content of a PromptMessage.
type PromptContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// GetPromptResult is the prompts/get result.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Join(ErrInvalidParams, err)
	}
	return nil
}
