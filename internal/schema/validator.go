// Package schema compiles parameter descriptors and raw JSON Schema documents
// into strict object validators backed by santhosh-tekuri/jsonschema.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const resourceURL = "schema.json"

var printer = message.NewPrinter(language.English)

// Result is the outcome of Validator.Parse. Data is set when OK is true,
// Errors when it is false.
type Result struct {
	OK     bool
	Data   map[string]any
	Errors []FieldError
}

// Validator checks an argument object. Implementations must report every
// violation in one pass and reject fields they do not declare.
type Validator interface {
	Parse(value any) Result
	JSONSchema() map[string]any
}

// Object is a compiled strict object schema.
type Object struct {
	doc      map[string]any
	compiled *jsonschema.Schema
}

// FromJSONSchema compiles a raw JSON Schema object. Object schemas that do not
// say otherwise are made strict.
func FromJSONSchema(doc map[string]any) (*Object, error) {
	if doc == nil {
		doc = map[string]any{}
	}
	doc = deepCopy(doc).(map[string]any)
	if _, ok := doc["type"]; !ok {
		doc["type"] = "object"
	}
	if _, ok := doc["additionalProperties"]; !ok {
		doc["additionalProperties"] = false
	}
	return newObject(doc)
}

func newObject(doc map[string]any) (*Object, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("schema: marshal: %w", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema: unmarshal: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceURL, parsed); err != nil {
		return nil, fmt.Errorf("schema: add resource: %w", err)
	}
	sch, err := c.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}
	return &Object{doc: doc, compiled: sch}, nil
}

// Parse validates value and returns a copy of it on success. A nil value is
// treated as the empty object.
func (o *Object) Parse(value any) Result {
	if value == nil {
		value = map[string]any{}
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return Result{Errors: []FieldError{{Message: "arguments are not valid JSON: " + err.Error()}}}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Result{Errors: []FieldError{{Message: "arguments are not valid JSON: " + err.Error()}}}
	}
	if _, ok := inst.(map[string]any); !ok {
		return Result{Errors: []FieldError{{Message: "arguments must be an object"}}}
	}

	if err := o.compiled.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			return Result{Errors: []FieldError{{Message: err.Error()}}}
		}
		var out []FieldError
		collect(ve, &out)
		sortErrors(out)
		return Result{Errors: out}
	}

	data, ok := value.(map[string]any)
	if ok {
		data = copyMap(data)
	} else {
		data = map[string]any{}
		_ = json.Unmarshal(raw, &data)
	}
	return Result{OK: true, Data: data}
}

// JSONSchema returns a copy of the schema document.
func (o *Object) JSONSchema() map[string]any {
	return deepCopy(o.doc).(map[string]any)
}

// Properties returns the declared property names, sorted.
func (o *Object) Properties() []string {
	props, _ := o.doc["properties"].(map[string]any)
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequiredFields returns the required property names, sorted.
func (o *Object) RequiredFields() []string {
	return requiredOf(o.doc)
}

// Unbounded reports whether any array property lacks a maxItems bound.
func (o *Object) Unbounded() bool {
	props, _ := o.doc["properties"].(map[string]any)
	for _, p := range props {
		prop, _ := p.(map[string]any)
		if prop["type"] == "array" {
			if _, ok := prop["maxItems"]; !ok {
				return true
			}
		}
	}
	return false
}

// Merge unions the properties and required sets of the given validators into
// one strict object. Later validators win on property name collisions. Nil
// entries are skipped; Merge with no usable input returns the empty object.
func Merge(validators ...Validator) (*Object, error) {
	properties := map[string]any{}
	required := map[string]bool{}
	for _, v := range validators {
		if v == nil {
			continue
		}
		if o, ok := v.(*Object); ok && o == nil {
			continue
		}
		doc := v.JSONSchema()
		props, _ := doc["properties"].(map[string]any)
		for name, p := range props {
			properties[name] = p
		}
		for _, name := range requiredOf(doc) {
			required[name] = true
		}
	}

	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		names := make([]string, 0, len(required))
		for name := range required {
			names = append(names, name)
		}
		sort.Strings(names)
		list := make([]any, len(names))
		for i, n := range names {
			list[i] = n
		}
		doc["required"] = list
	}
	return newObject(doc)
}

func collect(ve *jsonschema.ValidationError, out *[]FieldError) {
	if len(ve.Causes) > 0 {
		for _, c := range ve.Causes {
			collect(c, out)
		}
		return
	}

	loc := strings.Join(ve.InstanceLocation, ".")
	switch k := ve.ErrorKind.(type) {
	case *kind.Required:
		for _, name := range k.Missing {
			*out = append(*out, FieldError{Field: joinPath(loc, name), Message: "required field is missing"})
		}
	case *kind.AdditionalProperties:
		for _, name := range k.Properties {
			*out = append(*out, FieldError{Field: joinPath(loc, name), Message: "unknown field is not allowed"})
		}
	default:
		*out = append(*out, FieldError{Field: loc, Message: ve.ErrorKind.LocalizedString(printer)})
	}
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

func sortErrors(errs []FieldError) {
	sort.SliceStable(errs, func(i, j int) bool {
		if errs[i].Field != errs[j].Field {
			return errs[i].Field < errs[j].Field
		}
		return errs[i].Message < errs[j].Message
	})
}

func requiredOf(doc map[string]any) []string {
	var names []string
	switch req := doc["required"].(type) {
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				names = append(names, s)
			}
		}
	case []string:
		names = append(names, req...)
	}
	sort.Strings(names)
	return names
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = val
		}
		return out
	default:
		return v
	}
}
