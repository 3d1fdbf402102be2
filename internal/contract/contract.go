package contract

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/triage-ai/palisade/services/tool_router/internal/engine"
	"github.com/triage-ai/palisade/services/tool_router/internal/tool"
)

// ToolContract is the structural and behavioral summary of one tool. It is
// derived data: recompute it from the builder rather than editing it.
type ToolContract struct {
	Surface        Surface        `json:"surface"`
	Behavior       Behavior       `json:"behavior"`
	TokenEconomics TokenEconomics `json:"tokenEconomics"`
	Entitlements   Entitlements   `json:"entitlements"`
}

// Surface is what a client sees when it lists the tool.
type Surface struct {
	Name              string                    `json:"name"`
	Description       string                    `json:"description"`
	Tags              []string                  `json:"tags"`
	InputSchemaDigest string                    `json:"inputSchemaDigest"`
	Actions           map[string]ActionContract `json:"actions"`
}

// ActionContract is the per-action part of the surface.
type ActionContract struct {
	Description       string   `json:"description"`
	Destructive       bool     `json:"destructive"`
	Idempotent        bool     `json:"idempotent"`
	ReadOnly          bool     `json:"readOnly"`
	RequiredFields    []string `json:"requiredFields"`
	PresenterName     string   `json:"presenterName,omitempty"`
	InputSchemaDigest string   `json:"inputSchemaDigest"`
}

// Behavior captures what the tool does with calls beyond its input shape.
type Behavior struct {
	EgressSchemaDigest     *string             `json:"egressSchemaDigest"`
	SystemRulesFingerprint *string             `json:"systemRulesFingerprint"`
	Guardrails             Guardrails          `json:"guardrails"`
	MiddlewareChain        []string            `json:"middlewareChain"`
	MiddlewareFingerprint  string              `json:"middlewareFingerprint"`
	StateSyncFingerprint   *string             `json:"stateSyncFingerprint"`
	ConcurrencyFingerprint *string             `json:"concurrencyFingerprint"`
	AffordanceTopology     map[string][]string `json:"affordanceTopology"`
	EmbeddedPresenters     []string            `json:"embeddedPresenters"`
}

// Guardrails are the output limits declared on the tool.
type Guardrails struct {
	AgentLimitMax  *int `json:"agentLimitMax"`
	EgressMaxBytes *int `json:"egressMaxBytes"`
}

// InflationRisk grades how much context a tool costs the model.
type InflationRisk string

const (
	RiskLow      InflationRisk = "low"
	RiskMedium   InflationRisk = "medium"
	RiskHigh     InflationRisk = "high"
	RiskCritical InflationRisk = "critical"
)

func (r InflationRisk) rank() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return 0
}

// TokenEconomics estimates the context cost of advertising the tool.
type TokenEconomics struct {
	SchemaFieldCount    int           `json:"schemaFieldCount"`
	UnboundedCollection bool          `json:"unboundedCollection"`
	BaseOverheadTokens  int           `json:"baseOverheadTokens"`
	InflationRisk       InflationRisk `json:"inflationRisk"`
}

// Materialize derives the contract of a builder. It builds the definition
// if needed and reads only declared state.
func Materialize(b *tool.Builder) ToolContract {
	return FromDefinition(b.Build())
}

// FromDefinition derives the contract of a built definition.
func FromDefinition(def *tool.Definition) ToolContract {
	return ToolContract{
		Surface:        surfaceOf(def),
		Behavior:       behaviorOf(def),
		TokenEconomics: economicsOf(def),
		Entitlements:   Classify(def.Entitlements),
	}
}

// MaterializeAll derives contracts for a set of builders keyed by tool name.
func MaterializeAll(builders []*tool.Builder) map[string]ToolContract {
	out := make(map[string]ToolContract, len(builders))
	for _, b := range builders {
		out[b.Name()] = Materialize(b)
	}
	return out
}

func surfaceOf(def *tool.Definition) Surface {
	tags := append([]string{}, def.Tags...)
	sort.Strings(tags)

	actions := make(map[string]ActionContract, len(def.Actions))
	for _, a := range def.Actions {
		var doc map[string]any
		if a.Validator != nil {
			doc = a.Validator.JSONSchema()
		} else {
			doc = map[string]any{"type": "object"}
		}
		required := append([]string{}, a.RequiredFields...)
		sort.Strings(required)
		actions[a.Key] = ActionContract{
			Description:       a.Description,
			Destructive:       a.Destructive,
			Idempotent:        a.Idempotent,
			ReadOnly:          a.ReadOnly,
			RequiredFields:    required,
			PresenterName:     a.PresenterName(),
			InputSchemaDigest: mustHash(doc),
		}
	}

	return Surface{
		Name:              def.Name,
		Description:       def.Description,
		Tags:              tags,
		InputSchemaDigest: mustHash(def.InputSchema),
		Actions:           actions,
	}
}

func behaviorOf(def *tool.Definition) Behavior {
	schemas := map[string]any{}
	rules := map[string][]string{}
	topology := map[string][]string{}
	embedSet := map[string]struct{}{}
	var agentLimit *int

	for _, a := range def.Actions {
		p := a.Presenter
		if p == nil {
			continue
		}
		if p.Schema != nil {
			schemas[p.Name] = p.Schema
		}
		if len(p.Rules) > 0 {
			rules[p.Name] = append([]string{}, p.Rules...)
		}
		if p.AgentLimit != nil && (agentLimit == nil || *p.AgentLimit > *agentLimit) {
			v := *p.AgentLimit
			agentLimit = &v
		}
		if len(p.SuggestActions) > 0 {
			s := append([]string{}, p.SuggestActions...)
			sort.Strings(s)
			topology[a.Key] = s
		}
		for _, e := range p.Embeds {
			embedSet[e] = struct{}{}
		}
	}

	b := Behavior{
		Guardrails:         Guardrails{AgentLimitMax: agentLimit},
		MiddlewareChain:    middlewareChain(def),
		AffordanceTopology: topology,
		EmbeddedPresenters: sortedKeys(embedSet),
	}
	b.MiddlewareFingerprint = mustHash(b.MiddlewareChain)
	if len(schemas) > 0 {
		b.EgressSchemaDigest = ptr(mustHash(schemas))
	}
	if len(rules) > 0 {
		b.SystemRulesFingerprint = ptr(mustHash(rules))
	}
	if def.EgressMaxBytes > 0 {
		n := def.EgressMaxBytes
		b.Guardrails.EgressMaxBytes = &n
	}
	if !def.StateSync.IsZero() {
		b.StateSyncFingerprint = ptr(mustHash(def.StateSync.Fingerprint()))
	}
	if c := def.Concurrency; c != nil {
		b.ConcurrencyFingerprint = ptr(mustHash(map[string]int{"maxActive": c.MaxActive, "maxQueue": c.MaxQueue}))
	}
	return b
}

// middlewareChain lists tool middleware first, then each group's
// middleware once, prefixed with the group name.
func middlewareChain(def *tool.Definition) []string {
	chain := make([]string, 0, len(def.Middleware))
	for _, mw := range def.Middleware {
		chain = append(chain, engine.NameOf(mw))
	}
	seen := map[string]bool{}
	for _, a := range def.Actions {
		if a.Group == "" || seen[a.Group] {
			continue
		}
		seen[a.Group] = true
		for _, mw := range a.Middleware {
			chain = append(chain, a.Group+":"+engine.NameOf(mw))
		}
	}
	return chain
}

func economicsOf(def *tool.Definition) TokenEconomics {
	fields := 0
	if props, ok := def.InputSchema["properties"].(map[string]any); ok {
		fields = len(props)
	}

	unbounded := false
	for _, a := range def.Actions {
		if a.Validator != nil && a.Validator.Unbounded() {
			unbounded = true
		}
		if p := a.Presenter; p != nil && p.AgentLimit == nil && p.Schema != nil && p.Schema["type"] == "array" {
			unbounded = true
		}
	}

	payload := map[string]any{
		"name":        def.Name,
		"description": def.Description,
		"inputSchema": def.InputSchema,
	}
	raw, _ := json.Marshal(payload)
	overhead := int(math.Ceil(float64(len(raw)) / 4))

	return TokenEconomics{
		SchemaFieldCount:    fields,
		UnboundedCollection: unbounded,
		BaseOverheadTokens:  overhead,
		InflationRisk:       inflationRisk(overhead, unbounded),
	}
}

// inflationRisk tiers the overhead estimate; an unbounded collection raises
// the tier by one.
func inflationRisk(overhead int, unbounded bool) InflationRisk {
	tiers := []InflationRisk{RiskLow, RiskMedium, RiskHigh, RiskCritical}
	i := 0
	switch {
	case overhead >= 5000:
		i = 3
	case overhead >= 2000:
		i = 2
	case overhead >= 500:
		i = 1
	}
	if unbounded && i < 3 {
		i++
	}
	return tiers[i]
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func ptr(s string) *string { return &s }
