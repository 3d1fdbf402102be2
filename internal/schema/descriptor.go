package schema

import (
	"fmt"
	"regexp"
	"sort"
)

// Param is the object form of a parameter descriptor. The shorthand form is
// a bare type string ("string", "number", "boolean").
type Param struct {
	Type        string   `yaml:"type" json:"type"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Min         *float64 `yaml:"min" json:"min,omitempty"`
	Max         *float64 `yaml:"max" json:"max,omitempty"`
	Int         bool     `yaml:"int" json:"int,omitempty"`
	Regex       string   `yaml:"regex" json:"regex,omitempty"`
	Enum        []string `yaml:"enum" json:"enum,omitempty"`
	Array       string   `yaml:"array" json:"array,omitempty"` // element type when Type is "array"
	Optional    bool     `yaml:"optional" json:"optional,omitempty"`
}

// Float is a convenience for Param.Min / Param.Max literals.
func Float(v float64) *float64 { return &v }

var scalarTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"boolean": true,
}

// Compile turns a parameter descriptor map into a strict object validator.
// Each value is a shorthand type string, a Param, a *Param, or a generic
// map[string]any with Param's keys (as produced by YAML/JSON decoding).
func Compile(params map[string]any) (*Object, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	properties := make(map[string]any, len(params))
	required := make([]any, 0, len(params))
	for _, name := range names {
		p, err := toParam(name, params[name])
		if err != nil {
			return nil, err
		}
		prop, err := paramSchema(name, p)
		if err != nil {
			return nil, err
		}
		properties[name] = prop
		if !p.Optional {
			required = append(required, name)
		}
	}

	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return newObject(doc)
}

// MustCompile is Compile for descriptors known at program start. It panics
// with the *UnknownTypeError or *InvalidDescriptorError.
func MustCompile(params map[string]any) *Object {
	obj, err := Compile(params)
	if err != nil {
		panic(err)
	}
	return obj
}

func toParam(name string, v any) (Param, error) {
	switch d := v.(type) {
	case string:
		if !scalarTypes[d] {
			return Param{}, &UnknownTypeError{Field: name, Type: d}
		}
		return Param{Type: d}, nil
	case Param:
		return d, nil
	case *Param:
		if d == nil {
			return Param{}, &InvalidDescriptorError{Field: name, Reason: "nil descriptor"}
		}
		return *d, nil
	case map[string]any:
		return paramFromMap(name, d)
	default:
		return Param{}, &InvalidDescriptorError{Field: name, Reason: fmt.Sprintf("unsupported descriptor %T", v)}
	}
}

func paramFromMap(name string, m map[string]any) (Param, error) {
	var p Param
	for key, raw := range m {
		switch key {
		case "type":
			s, ok := raw.(string)
			if !ok {
				return p, &UnknownTypeError{Field: name, Type: fmt.Sprint(raw)}
			}
			p.Type = s
		case "description":
			p.Description, _ = raw.(string)
		case "min", "max":
			f, ok := toFloat(raw)
			if !ok {
				return p, &InvalidDescriptorError{Field: name, Reason: key + " must be a number"}
			}
			if key == "min" {
				p.Min = &f
			} else {
				p.Max = &f
			}
		case "int":
			p.Int, _ = raw.(bool)
		case "regex":
			p.Regex, _ = raw.(string)
		case "enum":
			list, ok := raw.([]any)
			if !ok {
				return p, &InvalidDescriptorError{Field: name, Reason: "enum must be a list"}
			}
			for _, item := range list {
				p.Enum = append(p.Enum, fmt.Sprint(item))
			}
		case "array":
			p.Array, _ = raw.(string)
		case "optional":
			p.Optional, _ = raw.(bool)
		default:
			return p, &InvalidDescriptorError{Field: name, Reason: fmt.Sprintf("unknown descriptor key %q", key)}
		}
	}
	return p, nil
}

func paramSchema(name string, p Param) (map[string]any, error) {
	typ := p.Type
	if typ == "" && len(p.Enum) > 0 {
		typ = "string"
	}

	var prop map[string]any
	switch typ {
	case "string":
		prop = map[string]any{"type": "string"}
		if p.Min != nil {
			prop["minLength"] = int(*p.Min)
		}
		if p.Max != nil {
			prop["maxLength"] = int(*p.Max)
		}
		if p.Regex != "" {
			if _, err := regexp.Compile(p.Regex); err != nil {
				return nil, &InvalidDescriptorError{Field: name, Reason: "invalid regex: " + err.Error()}
			}
			prop["pattern"] = p.Regex
		}
		if len(p.Enum) > 0 {
			values := make([]any, len(p.Enum))
			for i, v := range p.Enum {
				values[i] = v
			}
			prop["enum"] = values
		}
	case "number":
		prop = map[string]any{"type": "number"}
		if p.Int {
			prop["type"] = "integer"
		}
		if p.Min != nil {
			prop["minimum"] = *p.Min
		}
		if p.Max != nil {
			prop["maximum"] = *p.Max
		}
	case "boolean":
		prop = map[string]any{"type": "boolean"}
	case "array":
		elem := p.Array
		if elem == "" {
			elem = "string"
		}
		if !scalarTypes[elem] {
			return nil, &UnknownTypeError{Field: name + "[]", Type: elem}
		}
		prop = map[string]any{"type": "array", "items": map[string]any{"type": elem}}
		if p.Min != nil {
			prop["minItems"] = int(*p.Min)
		}
		if p.Max != nil {
			prop["maxItems"] = int(*p.Max)
		}
	default:
		return nil, &UnknownTypeError{Field: name, Type: typ}
	}

	if p.Description != "" {
		prop["description"] = p.Description
	}
	return prop, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
