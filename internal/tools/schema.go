package tools

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
)

type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Enum        []string
}

// Schema is the ordered parameter list of a tool.
type Schema []Param

// Args holds validated, type-normalized arguments: strings are string,
// integers are int64, booleans are bool.
type Args map[string]any

func (a Args) String(name string) (string, bool) {
	v, ok := a[name].(string)
	return v, ok
}

func (a Args) Int(name string) (int64, bool) {
	v, ok := a[name].(int64)
	return v, ok
}

func (a Args) Bool(name string) (bool, bool) {
	v, ok := a[name].(bool)
	return v, ok
}

// Validate checks raw against the schema and returns normalized Args.
// Unknown keys are dropped. JSON decoding yields float64 for numbers, so
// integers accept integral floats as well as decimal strings.
func (s Schema) Validate(raw map[string]any) (Args, error) {
	out := make(Args, len(s))
	for _, p := range s {
		v, present := raw[p.Name]
		if !present || v == nil {
			if p.Required {
				return nil, fmt.Errorf("missing required argument %q", p.Name)
			}
			continue
		}
		norm, err := coerce(p, v)
		if err != nil {
			return nil, err
		}
		out[p.Name] = norm
	}
	return out, nil
}

func coerce(p Param, v any) (any, error) {
	switch p.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("argument %q must be a string", p.Name)
		}
		if len(p.Enum) > 0 && !slices.Contains(p.Enum, s) {
			return nil, fmt.Errorf("argument %q must be one of %s", p.Name, strings.Join(p.Enum, ", "))
		}
		return s, nil
	case TypeInteger:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n != math.Trunc(n) || math.IsInf(n, 0) {
				return nil, fmt.Errorf("argument %q must be an integer", p.Name)
			}
			return int64(n), nil
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("argument %q must be an integer", p.Name)
			}
			return i, nil
		}
		return nil, fmt.Errorf("argument %q must be an integer", p.Name)
	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, fmt.Errorf("argument %q must be a boolean", p.Name)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("argument %q must be a boolean", p.Name)
	}
	return nil, fmt.Errorf("argument %q has unsupported type %q", p.Name, p.Type)
}

// JSONSchema renders the schema as a JSON Schema object, the form used by
// function-calling APIs and MCP.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s))
	required := []string{}
	for _, p := range s {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}
