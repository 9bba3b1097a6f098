// Copyright 2025 the db2i-toolbox authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tools

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

const (
	typeString = "string"
	typeInt    = "integer"
	typeFloat  = "float"
	typeBool   = "boolean"
	typeArray  = "array"
)

// paramNameRe is the legal shape of a parameter name.
var paramNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParamValues is an ordered list of ParamValue.
type ParamValues []ParamValue

// ParamValue represents the parameter's name and bind value.
type ParamValue struct {
	Name  string
	Value any
}

// AsSlice returns a slice of the values (in order).
func (p ParamValues) AsSlice() []any {
	params := []any{}
	for _, v := range p {
		params = append(params, v.Value)
	}
	return params
}

// AsMap returns a map of names to values.
func (p ParamValues) AsMap() map[string]any {
	params := make(map[string]any)
	for _, v := range p {
		params[v.Name] = v.Value
	}
	return params
}

// Parameter is the interface all declared parameter types satisfy.
type Parameter interface {
	GetName() string
	GetType() string
	IsRequired() bool
	GetDefault() any
	// Parse coerces v to the bind representation for this type. The
	// returned warnings note lossy coercions; an error is a validation
	// failure.
	Parse(v any) (any, []string, error)
	Manifest() ParameterManifest
	McpManifest() ParameterMcpManifest
}

// Parameters allows unmarshaling a list of parameter declarations.
type Parameters []Parameter

// UnmarshalYAML decodes each list entry by its declared type, the way
// the source and tool registries decode by kind.
func (c *Parameters) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = make(Parameters, 0)
	var raw []map[string]any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	for _, r := range raw {
		p, err := parseParamFromMap(r)
		if err != nil {
			return err
		}
		*c = append(*c, p)
	}
	return nil
}

func parseParamFromMap(r map[string]any) (Parameter, error) {
	typeStr, _ := r["type"].(string)
	dec, err := util.NewStrictDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("error creating decoder: %w", err)
	}
	switch typeStr {
	case typeString:
		a := &StringParameter{}
		if err := dec.Decode(a); err != nil {
			return nil, fmt.Errorf("unable to parse as %q: %w", typeStr, err)
		}
		return a, a.validateDecl()
	case typeInt:
		a := &IntParameter{}
		if err := dec.Decode(a); err != nil {
			return nil, fmt.Errorf("unable to parse as %q: %w", typeStr, err)
		}
		return a, a.validateDecl()
	case typeFloat:
		a := &FloatParameter{}
		if err := dec.Decode(a); err != nil {
			return nil, fmt.Errorf("unable to parse as %q: %w", typeStr, err)
		}
		return a, a.validateDecl()
	case typeBool:
		a := &BooleanParameter{}
		if err := dec.Decode(a); err != nil {
			return nil, fmt.Errorf("unable to parse as %q: %w", typeStr, err)
		}
		return a, a.validateDecl()
	case typeArray:
		a := &ArrayParameter{}
		if err := dec.Decode(a); err != nil {
			return nil, fmt.Errorf("unable to parse as %q: %w", typeStr, err)
		}
		return a, a.validateDecl()
	}
	return nil, fmt.Errorf("%q is not a valid type for a parameter", typeStr)
}

// ValidateDeclarations checks parameter-name uniqueness and shape
// within one tool.
func (c Parameters) ValidateDeclarations() error {
	seen := make(map[string]bool, len(c))
	for _, p := range c {
		name := p.GetName()
		if !paramNameRe.MatchString(name) {
			return fmt.Errorf("invalid parameter name %q", name)
		}
		if seen[name] {
			return fmt.Errorf("duplicate parameter name %q", name)
		}
		seen[name] = true
	}
	return nil
}

// FindParameter returns the declaration with the given name.
func (c Parameters) FindParameter(name string) (Parameter, bool) {
	for _, p := range c {
		if p.GetName() == name {
			return p, true
		}
	}
	return nil, false
}

// Manifest returns the client-SDK representation of the declarations.
func (c Parameters) Manifest() []ParameterManifest {
	rtn := make([]ParameterManifest, 0, len(c))
	for _, p := range c {
		rtn = append(rtn, p.Manifest())
	}
	return rtn
}

// McpManifest returns the JSON-schema object for the tool input.
func (c Parameters) McpManifest() McpToolsSchema {
	properties := make(map[string]ParameterMcpManifest)
	required := make([]string, 0)
	for _, p := range c {
		properties[p.GetName()] = p.McpManifest()
		if p.IsRequired() {
			required = append(required, p.GetName())
		}
	}
	return McpToolsSchema{Type: "object", Properties: properties, Required: required}
}

// ParameterManifest represents a parameter in a tool manifest.
type ParameterManifest struct {
	Name        string             `json:"name"`
	Type        string             `json:"type"`
	Required    bool               `json:"required"`
	Description string             `json:"description"`
	Items       *ParameterManifest `json:"items,omitempty"`
}

// ParameterMcpManifest is a JSON-schema property for a parameter.
type ParameterMcpManifest struct {
	Type        string                `json:"type"`
	Description string                `json:"description,omitempty"`
	Items       *ParameterMcpManifest `json:"items,omitempty"`
	Enum        []any                 `json:"enum,omitempty"`
	Minimum     *float64              `json:"minimum,omitempty"`
	Maximum     *float64              `json:"maximum,omitempty"`
	MinLength   *int                  `json:"minLength,omitempty"`
	MaxLength   *int                  `json:"maxLength,omitempty"`
	Pattern     string                `json:"pattern,omitempty"`
}

// McpToolsSchema is the inputSchema object of an MCP tool definition.
type McpToolsSchema struct {
	Type       string                          `json:"type"`
	Properties map[string]ParameterMcpManifest `json:"properties"`
	Required   []string                        `json:"required"`
}

// CommonParameter holds the fields shared by every parameter type.
type CommonParameter struct {
	Name     string `yaml:"name" validate:"required"`
	Type     string `yaml:"type" validate:"required"`
	Desc     string `yaml:"description"`
	Required bool   `yaml:"required"`
	Enum     []any  `yaml:"enum"`
}

// GetName returns the name specified for the Parameter.
func (p *CommonParameter) GetName() string { return p.Name }

// GetType returns the type specified for the Parameter.
func (p *CommonParameter) GetType() string { return p.Type }

// IsRequired reports whether a value must be supplied.
func (p *CommonParameter) IsRequired() bool { return p.Required }

func (p *CommonParameter) manifest() ParameterManifest {
	return ParameterManifest{
		Name:        p.Name,
		Type:        p.Type,
		Required:    p.Required,
		Description: p.Desc,
	}
}

// checkEnum verifies v against the declared allowed scalars, comparing
// through the string rendering so YAML and JSON scalar types agree.
func (p *CommonParameter) checkEnum(v any) error {
	if len(p.Enum) == 0 {
		return nil
	}
	for _, allowed := range p.Enum {
		if fmt.Sprintf("%v", allowed) == fmt.Sprintf("%v", v) {
			return nil
		}
	}
	return fmt.Errorf("value %v is not one of the allowed values", v)
}

// ParseTypeError is a typed error for incorrectly typed values.
type ParseTypeError struct {
	Name  string
	Type  string
	Value any
}

func (e ParseTypeError) Error() string {
	return fmt.Sprintf("%q not type %q", e.Value, e.Type)
}

var _ Parameter = &StringParameter{}

// StringParameter is a parameter representing the "string" type.
type StringParameter struct {
	CommonParameter `yaml:",inline"`
	Default         *string `yaml:"default"`
	MinLength       *int    `yaml:"minLength"`
	MaxLength       *int    `yaml:"maxLength"`
	Pattern         string  `yaml:"pattern"`
}

func (p *StringParameter) validateDecl() error { return nil }

func (p *StringParameter) GetDefault() any {
	if p.Default == nil {
		return nil
	}
	return *p.Default
}

func (p *StringParameter) Parse(v any) (any, []string, error) {
	var warnings []string
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case int, int32, int64, float32, float64, bool:
		s = fmt.Sprintf("%v", val)
		warnings = append(warnings, fmt.Sprintf("parameter %q: coerced %T to string", p.Name, v))
	default:
		return nil, nil, &ParseTypeError{p.Name, p.Type, v}
	}
	if p.MinLength != nil && len(s) < *p.MinLength {
		return nil, warnings, fmt.Errorf("parameter %q: length %d below minimum %d", p.Name, len(s), *p.MinLength)
	}
	if p.MaxLength != nil && len(s) > *p.MaxLength {
		return nil, warnings, fmt.Errorf("parameter %q: length %d above maximum %d", p.Name, len(s), *p.MaxLength)
	}
	if p.Pattern != "" {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("parameter %q: malformed pattern %q ignored", p.Name, p.Pattern))
		} else if !re.MatchString(s) {
			return nil, warnings, fmt.Errorf("parameter %q: value does not match pattern %q", p.Name, p.Pattern)
		}
	}
	if err := p.checkEnum(s); err != nil {
		return nil, warnings, fmt.Errorf("parameter %q: %w", p.Name, err)
	}
	return s, warnings, nil
}

func (p *StringParameter) Manifest() ParameterManifest { return p.manifest() }

func (p *StringParameter) McpManifest() ParameterMcpManifest {
	return ParameterMcpManifest{
		Type:        "string",
		Description: p.Desc,
		Enum:        p.Enum,
		MinLength:   p.MinLength,
		MaxLength:   p.MaxLength,
		Pattern:     p.Pattern,
	}
}

var _ Parameter = &IntParameter{}

// IntParameter is a parameter representing the "integer" type.
type IntParameter struct {
	CommonParameter `yaml:",inline"`
	Default         *int64   `yaml:"default"`
	Min             *float64 `yaml:"min"`
	Max             *float64 `yaml:"max"`
}

func (p *IntParameter) validateDecl() error { return nil }

func (p *IntParameter) GetDefault() any {
	if p.Default == nil {
		return nil
	}
	return *p.Default
}

func (p *IntParameter) Parse(v any) (any, []string, error) {
	var warnings []string
	var n int64
	switch val := v.(type) {
	case int:
		n = int64(val)
	case int32:
		n = int64(val)
	case int64:
		n = val
	case float32:
		n, warnings = floorToInt(float64(val), p.Name, warnings)
	case float64:
		n, warnings = floorToInt(val, p.Name, warnings)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if ferr != nil {
				return nil, nil, &ParseTypeError{p.Name, p.Type, v}
			}
			n, warnings = floorToInt(f, p.Name, warnings)
		} else {
			n = parsed
		}
	case bool:
		if val {
			n = 1
		}
	default:
		return nil, nil, &ParseTypeError{p.Name, p.Type, v}
	}
	if p.Min != nil && float64(n) < *p.Min {
		return nil, warnings, fmt.Errorf("parameter %q: value %d below minimum %v", p.Name, n, *p.Min)
	}
	if p.Max != nil && float64(n) > *p.Max {
		return nil, warnings, fmt.Errorf("parameter %q: value %d above maximum %v", p.Name, n, *p.Max)
	}
	if err := p.checkEnum(n); err != nil {
		return nil, warnings, fmt.Errorf("parameter %q: %w", p.Name, err)
	}
	return n, warnings, nil
}

func floorToInt(f float64, name string, warnings []string) (int64, []string) {
	floored := int64(math.Floor(f))
	if f != math.Floor(f) {
		warnings = append(warnings, fmt.Sprintf("parameter %q: float %v floored to %d", name, f, floored))
	}
	return floored, warnings
}

func (p *IntParameter) Manifest() ParameterManifest { return p.manifest() }

func (p *IntParameter) McpManifest() ParameterMcpManifest {
	return ParameterMcpManifest{
		Type:        "integer",
		Description: p.Desc,
		Enum:        p.Enum,
		Minimum:     p.Min,
		Maximum:     p.Max,
	}
}

var _ Parameter = &FloatParameter{}

// FloatParameter is a parameter representing the "float" type.
type FloatParameter struct {
	CommonParameter `yaml:",inline"`
	Default         *float64 `yaml:"default"`
	Min             *float64 `yaml:"min"`
	Max             *float64 `yaml:"max"`
}

func (p *FloatParameter) validateDecl() error { return nil }

func (p *FloatParameter) GetDefault() any {
	if p.Default == nil {
		return nil
	}
	return *p.Default
}

func (p *FloatParameter) Parse(v any) (any, []string, error) {
	var f float64
	switch val := v.(type) {
	case float32:
		f = float64(val)
	case float64:
		f = val
	case int:
		f = float64(val)
	case int32:
		f = float64(val)
	case int64:
		f = float64(val)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, nil, &ParseTypeError{p.Name, p.Type, v}
		}
		f = parsed
	case bool:
		if val {
			f = 1.0
		}
	default:
		return nil, nil, &ParseTypeError{p.Name, p.Type, v}
	}
	if p.Min != nil && f < *p.Min {
		return nil, nil, fmt.Errorf("parameter %q: value %v below minimum %v", p.Name, f, *p.Min)
	}
	if p.Max != nil && f > *p.Max {
		return nil, nil, fmt.Errorf("parameter %q: value %v above maximum %v", p.Name, f, *p.Max)
	}
	if err := p.checkEnum(f); err != nil {
		return nil, nil, fmt.Errorf("parameter %q: %w", p.Name, err)
	}
	return f, nil, nil
}

func (p *FloatParameter) Manifest() ParameterManifest { return p.manifest() }

func (p *FloatParameter) McpManifest() ParameterMcpManifest {
	return ParameterMcpManifest{
		Type:        "number",
		Description: p.Desc,
		Enum:        p.Enum,
		Minimum:     p.Min,
		Maximum:     p.Max,
	}
}

var _ Parameter = &BooleanParameter{}

// BooleanParameter is a parameter representing the "boolean" type. The
// bind value is 0 or 1, the representation Db2 for i accepts.
type BooleanParameter struct {
	CommonParameter `yaml:",inline"`
	Default         *bool `yaml:"default"`
}

func (p *BooleanParameter) validateDecl() error { return nil }

func (p *BooleanParameter) GetDefault() any {
	if p.Default == nil {
		return nil
	}
	return *p.Default
}

var truthyStrings = map[string]int64{
	"true": 1, "1": 1, "yes": 1, "on": 1,
	"false": 0, "0": 0, "no": 0, "off": 0,
}

func (p *BooleanParameter) Parse(v any) (any, []string, error) {
	switch val := v.(type) {
	case bool:
		if val {
			return int64(1), nil, nil
		}
		return int64(0), nil, nil
	case string:
		if n, ok := truthyStrings[strings.ToLower(strings.TrimSpace(val))]; ok {
			return n, nil, nil
		}
		return nil, nil, &ParseTypeError{p.Name, p.Type, v}
	case int, int32, int64, float32, float64:
		if fmt.Sprintf("%v", val) == "0" {
			return int64(0), nil, nil
		}
		return int64(1), nil, nil
	default:
		return nil, nil, &ParseTypeError{p.Name, p.Type, v}
	}
}

func (p *BooleanParameter) Manifest() ParameterManifest { return p.manifest() }

func (p *BooleanParameter) McpManifest() ParameterMcpManifest {
	return ParameterMcpManifest{Type: "boolean", Description: p.Desc}
}

var _ Parameter = &ArrayParameter{}

// ArrayParameter is a parameter representing the "array" type. Each
// item is validated as ItemType; the rewriter expands the bound array
// into one placeholder per item.
type ArrayParameter struct {
	CommonParameter `yaml:",inline"`
	ItemType        string `yaml:"itemType" validate:"required"`
	MinLength       *int   `yaml:"minLength"`
	MaxLength       *int   `yaml:"maxLength"`

	item Parameter
}

func (p *ArrayParameter) validateDecl() error {
	switch p.ItemType {
	case typeString:
		p.item = &StringParameter{CommonParameter: CommonParameter{Name: p.Name, Type: typeString}}
	case typeInt:
		p.item = &IntParameter{CommonParameter: CommonParameter{Name: p.Name, Type: typeInt}}
	case typeFloat:
		p.item = &FloatParameter{CommonParameter: CommonParameter{Name: p.Name, Type: typeFloat}}
	default:
		return fmt.Errorf("array parameter %q: invalid itemType %q", p.Name, p.ItemType)
	}
	return nil
}

func (p *ArrayParameter) GetDefault() any { return nil }

func (p *ArrayParameter) Parse(v any) (any, []string, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, nil, &ParseTypeError{p.Name, p.Type, v}
	}
	if p.MinLength != nil && len(arr) < *p.MinLength {
		return nil, nil, fmt.Errorf("parameter %q: array length %d below minimum %d", p.Name, len(arr), *p.MinLength)
	}
	if p.MaxLength != nil && len(arr) > *p.MaxLength {
		return nil, nil, fmt.Errorf("parameter %q: array length %d above maximum %d", p.Name, len(arr), *p.MaxLength)
	}
	if p.item == nil {
		if err := p.validateDecl(); err != nil {
			return nil, nil, err
		}
	}
	var warnings []string
	out := make([]any, 0, len(arr))
	for idx, item := range arr {
		parsed, w, err := p.item.Parse(item)
		warnings = append(warnings, w...)
		if err != nil {
			return nil, warnings, fmt.Errorf("parameter %q: element #%d: %w", p.Name, idx, err)
		}
		out = append(out, parsed)
	}
	if err := p.checkEnumItems(out); err != nil {
		return nil, warnings, err
	}
	return out, warnings, nil
}

func (p *ArrayParameter) checkEnumItems(items []any) error {
	if len(p.Enum) == 0 {
		return nil
	}
	for _, item := range items {
		if err := p.checkEnum(item); err != nil {
			return fmt.Errorf("parameter %q: %w", p.Name, err)
		}
	}
	return nil
}

func (p *ArrayParameter) Manifest() ParameterManifest {
	m := p.manifest()
	if p.item != nil {
		im := p.item.Manifest()
		m.Items = &im
	}
	return m
}

func (p *ArrayParameter) McpManifest() ParameterMcpManifest {
	itemType := p.ItemType
	if itemType == typeInt {
		itemType = "integer"
	} else if itemType == typeFloat {
		itemType = "number"
	}
	return ParameterMcpManifest{
		Type:        "array",
		Description: p.Desc,
		Items:       &ParameterMcpManifest{Type: itemType},
	}
}
