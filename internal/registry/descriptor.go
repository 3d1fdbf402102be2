package registry

import "github.com/triage-ai/palisade/services/tool_router/internal/tool"

// Descriptor is the protocol view of one listed tool.
type Descriptor struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	InputSchema map[string]any   `json:"inputSchema"`
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
}

// ToolAnnotations are the behavior hints of a Descriptor.
type ToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    *bool  `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool  `json:"destructiveHint,omitempty"`
	IdempotentHint  *bool  `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool  `json:"openWorldHint,omitempty"`
}

// AnnotationsOf converts resolved tool annotations to descriptor hints.
func AnnotationsOf(a tool.ResolvedAnnotations) *ToolAnnotations {
	return &ToolAnnotations{
		Title:           a.Title,
		ReadOnlyHint:    tool.Bool(a.ReadOnly),
		DestructiveHint: tool.Bool(a.Destructive),
		IdempotentHint:  tool.Bool(a.Idempotent),
		OpenWorldHint:   a.OpenWorld,
	}
}

// TagFilter selects tools by tag. Tags must all be present, at least one of
// AnyTag must be present (when set) and none of Exclude may be.
type TagFilter struct {
	Tags    []string
	AnyTag  []string
	Exclude []string
}

// IsZero reports whether f selects everything.
func (f TagFilter) IsZero() bool {
	return len(f.Tags) == 0 && len(f.AnyTag) == 0 && len(f.Exclude) == 0
}

// Match applies f to a definition.
func (f TagFilter) Match(def *tool.Definition) bool {
	for _, t := range f.Tags {
		if !def.HasTag(t) {
			return false
		}
	}
	if len(f.AnyTag) > 0 {
		found := false
		for _, t := range f.AnyTag {
			if def.HasTag(t) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, t := range f.Exclude {
		if def.HasTag(t) {
			return false
		}
	}
	return true
}

// AllTools lists every registered tool in grouped form.
func (r *Registry) AllTools() []Descriptor {
	return r.Tools(TagFilter{})
}

// Tools lists the registered tools matching f in grouped form.
func (r *Registry) Tools(f TagFilter) []Descriptor {
	var out []Descriptor
	for _, b := range r.Builders() {
		def := b.Build()
		if !f.Match(def) {
			continue
		}
		out = append(out, Descriptor{
			Name:        def.Name,
			Description: def.StateSync.Decorate(def.Description),
			InputSchema: def.InputSchema,
			Annotations: AnnotationsOf(def.Annotations),
		})
	}
	return out
}
