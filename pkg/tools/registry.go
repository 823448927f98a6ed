// Package tools implements the device-side JSON-RPC tool server: a
// registry of named, typed-parameter tools plus the request handler the
// remote orchestrator drives over the protocol's message relay.
package tools

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

type PropertyType int

const (
	PropertyBoolean PropertyType = iota
	PropertyInteger
	PropertyString
)

func (t PropertyType) String() string {
	switch t {
	case PropertyBoolean:
		return "boolean"
	case PropertyInteger:
		return "integer"
	case PropertyString:
		return "string"
	}
	return "unknown"
}

// Property is one declared tool parameter. A property without a default
// is required; integer properties may carry an inclusive range.
type Property struct {
	name       string
	typ        PropertyType
	value      any
	hasDefault bool
	hasRange   bool
	min, max   int
}

func Bool(name string) Property {
	return Property{name: name, typ: PropertyBoolean}
}

func BoolWithDefault(name string, def bool) Property {
	return Property{name: name, typ: PropertyBoolean, value: def, hasDefault: true}
}

func Int(name string) Property {
	return Property{name: name, typ: PropertyInteger}
}

func IntWithDefault(name string, def int) Property {
	return Property{name: name, typ: PropertyInteger, value: def, hasDefault: true}
}

func IntRange(name string, min, max int) Property {
	return Property{name: name, typ: PropertyInteger, hasRange: true, min: min, max: max}
}

func IntRangeWithDefault(name string, def, min, max int) Property {
	return Property{name: name, typ: PropertyInteger, value: def, hasDefault: true, hasRange: true, min: min, max: max}
}

func String(name string) Property {
	return Property{name: name, typ: PropertyString}
}

func StringWithDefault(name string, def string) Property {
	return Property{name: name, typ: PropertyString, value: def, hasDefault: true}
}

func (p Property) Name() string       { return p.name }
func (p Property) Type() PropertyType { return p.typ }
func (p Property) HasDefault() bool   { return p.hasDefault }

func (p Property) BoolValue() bool {
	v, _ := p.value.(bool)
	return v
}

func (p Property) IntValue() int {
	v, _ := p.value.(int)
	return v
}

func (p Property) StringValue() string {
	v, _ := p.value.(string)
	return v
}

func (p *Property) setValue(v any) error {
	if p.typ == PropertyInteger && p.hasRange {
		n, _ := v.(int)
		if n < p.min || n > p.max {
			return fmt.Errorf("value %d out of range [%d, %d] for %s", n, p.min, p.max, p.name)
		}
	}
	p.value = v
	return nil
}

// Properties is an ordered parameter list; declaration order is the
// order arguments are validated and serialized in.
type Properties []Property

func (ps Properties) Get(name string) (Property, bool) {
	for _, p := range ps {
		if p.name == name {
			return p, true
		}
	}
	return Property{}, false
}

// Handler is a tool body. It receives the validated argument list and
// returns the JSON-RPC result value; return a json.RawMessage to embed
// pre-serialized JSON unchanged.
type Handler func(args Properties) (any, error)

type Tool struct {
	Name        string
	Description string
	Props       Properties
	Handler     Handler
}

type propertySchema struct {
	Type    string `json:"type"`
	Minimum *int   `json:"minimum,omitempty"`
	Maximum *int   `json:"maximum,omitempty"`
	Default any    `json:"default,omitempty"`
}

type inputSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]propertySchema `json:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty"`
}

type descriptor struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema inputSchema `json:"inputSchema"`
}

// descriptorJSON serializes the tool to the schema contract the remote
// orchestrator consumes.
func (t *Tool) descriptorJSON() ([]byte, error) {
	schema := inputSchema{Type: "object"}
	if len(t.Props) > 0 {
		schema.Properties = make(map[string]propertySchema, len(t.Props))
	}
	for _, p := range t.Props {
		ps := propertySchema{Type: p.typ.String()}
		if p.hasRange {
			min, max := p.min, p.max
			ps.Minimum, ps.Maximum = &min, &max
		}
		if p.hasDefault {
			ps.Default = p.value
		} else {
			schema.Required = append(schema.Required, p.name)
		}
		schema.Properties[p.name] = ps
	}
	return codec.Marshal(descriptor{Name: t.Name, Description: t.Description, InputSchema: schema})
}
