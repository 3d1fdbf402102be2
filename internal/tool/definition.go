package tool

import (
	"sort"
	"strings"

	"github.com/triage-ai/palisade/services/tool_router/internal/engine"
	"github.com/triage-ai/palisade/services/tool_router/internal/schema"
	"github.com/triage-ai/palisade/services/tool_router/internal/statesync"
)

// Definition is the frozen form of a Builder. Treat it as read-only.
type Definition struct {
	Name          string
	Description   string
	Tags          []string
	Actions       []*ActionRecord
	Common        *schema.Object
	Middleware    []engine.Middleware
	Discriminator string
	Annotations   ResolvedAnnotations
	InputSchema   map[string]any

	StateSync      statesync.Policy
	Binding        *StateBinding
	Concurrency    *ConcurrencyLimit
	EgressMaxBytes int
	Entitlements   []string

	index map[string]*ActionRecord
}

// ResolvedAnnotations are the published hints after aggregation.
type ResolvedAnnotations struct {
	Title       string
	ReadOnly    bool
	Destructive bool
	Idempotent  bool
	OpenWorld   *bool
}

// ConcurrencyLimit bounds in-flight calls of one tool.
type ConcurrencyLimit struct {
	MaxActive int
	MaxQueue  int
}

// Action looks up an action by key.
func (d *Definition) Action(key string) (*ActionRecord, bool) {
	a, ok := d.index[key]
	return a, ok
}

// ActionKeys returns the action keys in declaration order.
func (d *Definition) ActionKeys() []string {
	keys := make([]string, len(d.Actions))
	for i, a := range d.Actions {
		keys[i] = a.Key
	}
	return keys
}

// HasTag reports whether the tool carries tag.
func (d *Definition) HasTag(tag string) bool {
	i := sort.SearchStrings(d.Tags, tag)
	return i < len(d.Tags) && d.Tags[i] == tag
}

// BindingFor returns the gate binding of an action: its own, or the tool's.
func (d *Definition) BindingFor(a *ActionRecord) *StateBinding {
	if a != nil && a.Binding != nil {
		return a.Binding
	}
	return d.Binding
}

func resolveAnnotations(explicit Annotations, actions []*ActionRecord) ResolvedAnnotations {
	readOnly, destructive, idempotent := true, false, true
	for _, a := range actions {
		readOnly = readOnly && a.ReadOnly
		destructive = destructive || a.Destructive
		idempotent = idempotent && a.Idempotent
	}
	out := ResolvedAnnotations{
		Title:       explicit.Title,
		ReadOnly:    readOnly,
		Destructive: destructive,
		Idempotent:  idempotent,
		OpenWorld:   explicit.OpenWorld,
	}
	if explicit.ReadOnly != nil {
		out.ReadOnly = *explicit.ReadOnly
	}
	if explicit.Destructive != nil {
		out.Destructive = *explicit.Destructive
	}
	if explicit.Idempotent != nil {
		out.Idempotent = *explicit.Idempotent
	}
	return out
}

// groupedSchema builds the single input schema of grouped exposition: the
// discriminator enum plus the union of every action's fields. Fields required
// only by some actions are documented rather than required.
func groupedSchema(discriminator string, common *schema.Object, actions []*ActionRecord) map[string]any {
	keys := make([]any, len(actions))
	descLines := make([]string, 0, len(actions))
	for i, a := range actions {
		keys[i] = a.Key
		line := a.Key
		if a.Description != "" {
			line += ": " + a.Description
		}
		descLines = append(descLines, line)
	}

	properties := map[string]any{
		discriminator: map[string]any{
			"type":        "string",
			"enum":        keys,
			"description": "Which operation to perform.\n" + strings.Join(descLines, "\n"),
		},
	}
	required := []any{discriminator}

	if common != nil {
		doc := common.JSONSchema()
		props, _ := doc["properties"].(map[string]any)
		for name, p := range props {
			properties[name] = p
		}
		for _, name := range common.RequiredFields() {
			required = append(required, name)
		}
	}

	requiredBy := map[string][]string{}
	for _, a := range actions {
		if a.Schema == nil {
			continue
		}
		doc := a.Schema.JSONSchema()
		props, _ := doc["properties"].(map[string]any)
		for name, p := range props {
			if _, taken := properties[name]; !taken {
				properties[name] = p
			}
		}
		for _, name := range a.Schema.RequiredFields() {
			requiredBy[name] = append(requiredBy[name], a.Key)
		}
	}
	for name, keys := range requiredBy {
		prop, ok := properties[name].(map[string]any)
		if !ok {
			continue
		}
		prop = copyProp(prop)
		note := "Required for: " + strings.Join(keys, ", ")
		if d, _ := prop["description"].(string); d != "" {
			note = d + " (" + note + ")"
		}
		prop["description"] = note
		properties[name] = prop
	}

	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func copyProp(p map[string]any) map[string]any {
	out := make(map[string]any, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	return out
}
