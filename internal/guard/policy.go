package guard

import (
	"context"
	"strings"
)

// Policy is the governance configuration of one tool or action. ToolName
// is either a tool ("projects") or an action key ("projects.delete").
type Policy struct {
	ID              string          `json:"id,omitempty" yaml:"id,omitempty"`
	ProjectID       string          `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	ToolName        string          `json:"tool_name" yaml:"tool_name"`
	Description     string          `json:"description,omitempty" yaml:"description,omitempty"`
	RiskTier        string          `json:"risk_tier,omitempty" yaml:"risk_tier,omitempty"` // "read", "write", "destructive"
	RequiresConfirm bool            `json:"requires_confirmation,omitempty" yaml:"requires_confirmation,omitempty"`
	Preconditions   []string        `json:"preconditions,omitempty" yaml:"preconditions,omitempty"`
	ArgumentSchema  map[string]any  `json:"argument_schema,omitempty" yaml:"argument_schema,omitempty"`
	ArgumentPolicy  ArgumentPolicy  `json:"argument_policy" yaml:"argument_policy"`
	ContextualRules ContextualRules `json:"contextual_rules" yaml:"contextual_rules"`
	InformationFlow InformationFlow `json:"information_flow" yaml:"information_flow"`
}

// ArgumentPolicy controls argument-level scanning and trace binding.
type ArgumentPolicy struct {
	ScanForPII       bool              `json:"scan_for_pii" yaml:"scan_for_pii"`
	ScanForInjection bool              `json:"scan_for_injection" yaml:"scan_for_injection"`
	TraceBinding     map[string]string `json:"trace_binding" yaml:"trace_binding"` // arg_name → "tool.action.result.field"
}

// ContextualRules controls workflow and rate-limit constraints. Workflows
// are matched against the session's workflow state.
type ContextualRules struct {
	AllowedWorkflows []string     `json:"allowed_workflows" yaml:"allowed_workflows"`
	BlockedWorkflows []string     `json:"blocked_workflows" yaml:"blocked_workflows"`
	RateLimit        *WindowLimit `json:"rate_limit" yaml:"rate_limit"`
}

// WindowLimit defines a sliding-window rate constraint.
type WindowLimit struct {
	MaxCalls      int `json:"max_calls" yaml:"max_calls"`
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"`
}

// InformationFlow controls cross-tool data propagation rules.
type InformationFlow struct {
	BlockedSourceLabels []string `json:"blocked_source_labels" yaml:"blocked_source_labels"`
	OutputLabels        []string `json:"output_labels" yaml:"output_labels"`
	OutputRestrictions  []string `json:"output_restrictions" yaml:"output_restrictions"`
}

// PolicySource provides policies for a project.
type PolicySource interface {
	// GetPolicy returns the policy of a project+tool pair, or nil when none
	// is configured.
	GetPolicy(ctx context.Context, projectID, toolName string) (*Policy, error)
}

// StaticPolicies serves policies from configuration. Entries with an
// empty ProjectID apply to every project.
type StaticPolicies struct {
	byKey map[string]*Policy
}

// NewStaticPolicies indexes policies by project and tool name.
func NewStaticPolicies(policies []Policy) *StaticPolicies {
	s := &StaticPolicies{byKey: make(map[string]*Policy, len(policies))}
	for i := range policies {
		p := policies[i]
		s.byKey[p.ProjectID+"\x00"+p.ToolName] = &p
	}
	return s
}

func (s *StaticPolicies) GetPolicy(_ context.Context, projectID, toolName string) (*Policy, error) {
	if p, ok := s.byKey[projectID+"\x00"+toolName]; ok {
		return p, nil
	}
	return s.byKey["\x00"+toolName], nil
}

// PolicyChain consults each source in order and returns the first policy
// found. A source error stops the lookup.
type PolicyChain []PolicySource

func (c PolicyChain) GetPolicy(ctx context.Context, projectID, toolName string) (*Policy, error) {
	for _, src := range c {
		p, err := src.GetPolicy(ctx, projectID, toolName)
		if err != nil || p != nil {
			return p, err
		}
	}
	return nil, nil
}

// Resolve looks up the policy of an action key, falling back to the
// policy of its tool.
func Resolve(ctx context.Context, src PolicySource, projectID, actionKey string) (*Policy, error) {
	p, err := src.GetPolicy(ctx, projectID, actionKey)
	if err != nil || p != nil {
		return p, err
	}
	if i := strings.IndexByte(actionKey, '.'); i > 0 {
		return src.GetPolicy(ctx, projectID, actionKey[:i])
	}
	return nil, nil
}
