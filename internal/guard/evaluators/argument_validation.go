package evaluators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/triage-ai/palisade/services/tool_router/internal/guard"
)

type pattern struct {
	re     *regexp.Regexp
	detail string
}

var piiPatterns = []pattern{
	{regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`), "SSN"},
	{regexp.MustCompile(`\b4\d{3}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), "credit card (Visa)"},
	{regexp.MustCompile(`\b5[1-5]\d{2}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), "credit card (Mastercard)"},
	{regexp.MustCompile(`\b3[47]\d{2}[-\s]?\d{6}[-\s]?\d{5}\b`), "credit card (Amex)"},
	{regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`), "email address"},
	{regexp.MustCompile(`\b\d{3}[-\s.]?\d{3}[-\s.]?\d{4}\b`), "phone number"},
}

var injectionPatterns = []pattern{
	{regexp.MustCompile(`(?i)\b(SELECT|INSERT|UPDATE|DELETE|DROP|ALTER|UNION)\b.*\b(FROM|INTO|TABLE|SET|WHERE|ALL)\b`), "SQL injection"},
	{regexp.MustCompile(`(?i);\s*(rm|cat|curl|wget|chmod|chown|sudo|bash|sh|exec)\b`), "command injection"},
	{regexp.MustCompile(`(?i)(\||&&)\s*(rm|cat|curl|wget|chmod|chown|sudo|bash|sh)\b`), "command injection (pipe/chain)"},
	{regexp.MustCompile(`(?i)\$\(.*\)`), "command substitution"},
	{regexp.MustCompile("(?i)`[^`]*`"), "backtick command execution"},
}

// ArgumentValidationEvaluator applies a policy's extra argument schema,
// its PII and injection scans and its trace bindings. Without a policy it
// does nothing: the action's own input schema already ran.
type ArgumentValidationEvaluator struct {
	schemas sync.Map // policy key -> *jsonschema.Schema
}

func NewArgumentValidationEvaluator() *ArgumentValidationEvaluator {
	return &ArgumentValidationEvaluator{}
}

func (e *ArgumentValidationEvaluator) Name() string {
	return "argument_validation"
}

func (e *ArgumentValidationEvaluator) Category() guard.Category {
	return guard.CategoryArgumentValidation
}

func (e *ArgumentValidationEvaluator) Evaluate(ctx context.Context, req *guard.EvalRequest) (*guard.EvalResult, error) {
	p := req.Policy
	if p == nil {
		return &guard.EvalResult{Triggered: false}, nil
	}

	var issues []string
	var confidence float32
	raise := func(issue string, c float32) {
		issues = append(issues, issue)
		if c > confidence {
			confidence = c
		}
	}

	if p.ArgumentSchema != nil {
		if issue := e.validateSchema(p, req.ArgumentsJSON); issue != "" {
			raise(issue, 0.90)
		}
	}
	if p.ArgumentPolicy.ScanForPII && ctx.Err() == nil {
		for _, m := range scan(ctx, piiPatterns, req.ArgumentsJSON) {
			raise("PII detected in arguments: "+m, 0.90)
		}
	}
	if p.ArgumentPolicy.ScanForInjection && ctx.Err() == nil {
		for _, m := range scan(ctx, injectionPatterns, req.ArgumentsJSON) {
			raise("injection pattern in arguments: "+m, 0.95)
		}
	}
	if len(p.ArgumentPolicy.TraceBinding) > 0 && ctx.Err() == nil {
		if issue := checkTraceBinding(req); issue != "" {
			raise(issue, 0.90)
		}
	}

	if len(issues) == 0 {
		return &guard.EvalResult{Triggered: false}, nil
	}
	return &guard.EvalResult{
		Triggered:  true,
		Confidence: confidence,
		Details:    strings.Join(issues, "; "),
	}, nil
}

func scan(ctx context.Context, patterns []pattern, text string) []string {
	var hits []string
	for _, p := range patterns {
		if ctx.Err() != nil {
			break
		}
		if p.re.MatchString(text) {
			hits = append(hits, p.detail)
		}
	}
	return hits
}

func (e *ArgumentValidationEvaluator) validateSchema(p *guard.Policy, argsJSON string) string {
	sch, err := e.compiled(p)
	if err != nil {
		return fmt.Sprintf("invalid argument_schema: %v", err)
	}
	args, err := jsonschema.UnmarshalJSON(strings.NewReader(argsJSON))
	if err != nil {
		return fmt.Sprintf("arguments are not valid JSON: %v", err)
	}
	if err := sch.Validate(args); err != nil {
		return fmt.Sprintf("schema validation failed: %v", err)
	}
	return ""
}

// compiled caches one compiled schema per policy.
func (e *ArgumentValidationEvaluator) compiled(p *guard.Policy) (*jsonschema.Schema, error) {
	key := p.ProjectID + "\x00" + p.ToolName + "\x00" + p.ID
	if v, ok := e.schemas.Load(key); ok {
		return v.(*jsonschema.Schema), nil
	}

	raw, err := json.Marshal(p.ArgumentSchema)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("policy.json", doc); err != nil {
		return nil, err
	}
	sch, err := c.Compile("policy.json")
	if err != nil {
		return nil, err
	}
	e.schemas.Store(key, sch)
	return sch, nil
}

// checkTraceBinding requires bound arguments to equal a field of an
// earlier result. Paths have the form "tool.action.result.field".
func checkTraceBinding(req *guard.EvalRequest) string {
	if len(req.Trace) == 0 {
		return "trace binding requires earlier calls but the session trace is empty"
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(req.ArgumentsJSON), &args); err != nil {
		return ""
	}

	known := traceValues(req.Trace)
	var mismatches []string
	for arg, path := range req.Policy.ArgumentPolicy.TraceBinding {
		got, ok := args[arg]
		if !ok {
			continue
		}
		want, found := known[path]
		if !found {
			mismatches = append(mismatches, fmt.Sprintf("%s: trace path %q not found", arg, path))
			continue
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			mismatches = append(mismatches, fmt.Sprintf("%s: expected %v from trace, got %v", arg, want, got))
		}
	}
	if len(mismatches) > 0 {
		return "trace binding mismatch: " + strings.Join(mismatches, "; ")
	}
	return ""
}

// traceValues flattens top-level result fields into "tool.action.result.key"
// paths. Later entries win.
func traceValues(trace []guard.TraceEntry) map[string]any {
	values := make(map[string]any)
	for _, entry := range trace {
		if entry.ResultJSON == "" {
			continue
		}
		var result map[string]any
		if err := json.Unmarshal([]byte(entry.ResultJSON), &result); err != nil {
			continue
		}
		for k, v := range result {
			values[entry.ToolName+".result."+k] = v
		}
	}
	return values
}
