// Package rules is the boundary to the rule evaluator that may filter or
// annotate canonical messages before they are published.
package rules

import (
	"context"
	"fmt"

	"github.com/c360/protogate/message"
)

// Engine evaluates rules over a batch of messages and returns the messages
// that should continue downstream.
type Engine interface {
	Evaluate(ctx context.Context, msgs []message.Message) ([]message.Message, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, msgs []message.Message) ([]message.Message, error)

// Evaluate implements Engine
func (f EngineFunc) Evaluate(ctx context.Context, msgs []message.Message) ([]message.Message, error) {
	return f(ctx, msgs)
}

// Noop passes every message through.
type Noop struct{}

// Evaluate implements Engine
func (Noop) Evaluate(_ context.Context, msgs []message.Message) ([]message.Message, error) {
	return msgs, nil
}

// Op is a comparison operator used by FieldFilter conditions.
type Op string

// Supported operators.
const (
	OpExists Op = "exists"
	OpEq     Op = "eq"
	OpNe     Op = "ne"
	OpGt     Op = "gt"
	OpGte    Op = "gte"
	OpLt     Op = "lt"
	OpLte    Op = "lte"
)

// Condition tests one property.
type Condition struct {
	Property string `json:"property" yaml:"property"`
	Op       Op     `json:"op" yaml:"op"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Rule drops messages of a product that fail any of its conditions. An
// empty ProductKey applies to every product; an empty Kinds list applies to
// every kind.
type Rule struct {
	Name       string         `json:"name" yaml:"name"`
	ProductKey string         `json:"product_key,omitempty" yaml:"product_key,omitempty"`
	Kinds      []message.Kind `json:"kinds,omitempty" yaml:"kinds,omitempty"`
	Conditions []Condition    `json:"conditions" yaml:"conditions"`
}

func (r Rule) applies(m *message.Message) bool {
	if r.ProductKey != "" && r.ProductKey != m.ProductKey {
		return false
	}
	if len(r.Kinds) == 0 {
		return true
	}
	for _, k := range r.Kinds {
		if k == m.Kind {
			return true
		}
	}
	return false
}

// FieldFilter keeps messages whose properties satisfy every applicable rule.
type FieldFilter struct {
	rules []Rule
}

// NewFieldFilter validates rules and builds a filter.
func NewFieldFilter(rules ...Rule) (*FieldFilter, error) {
	for _, r := range rules {
		for _, c := range r.Conditions {
			switch c.Op {
			case OpExists, OpEq, OpNe:
			case OpGt, OpGte, OpLt, OpLte:
				if _, ok := toFloat(c.Value); !ok {
					return nil, fmt.Errorf("rule %s: %s needs a numeric value", r.Name, c.Op)
				}
			default:
				return nil, fmt.Errorf("rule %s: unknown operator %q", r.Name, c.Op)
			}
		}
	}
	return &FieldFilter{rules: rules}, nil
}

// Evaluate implements Engine
func (f *FieldFilter) Evaluate(ctx context.Context, msgs []message.Message) ([]message.Message, error) {
	out := msgs[:0:0]
	for i := range msgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.keep(&msgs[i]) {
			out = append(out, msgs[i])
		}
	}
	return out, nil
}

func (f *FieldFilter) keep(m *message.Message) bool {
	for _, r := range f.rules {
		if !r.applies(m) {
			continue
		}
		for _, c := range r.Conditions {
			if !c.holds(m) {
				return false
			}
		}
	}
	return true
}

func (c Condition) holds(m *message.Message) bool {
	v, ok := m.Properties[c.Property]
	if c.Op == OpExists {
		return ok
	}
	if !ok {
		return false
	}

	switch c.Op {
	case OpEq:
		return equal(v, c.Value)
	case OpNe:
		return !equal(v, c.Value)
	}

	a, ok1 := toFloat(v)
	b, ok2 := toFloat(c.Value)
	if !ok1 || !ok2 {
		return false
	}
	switch c.Op {
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	}
	return false
}

func equal(a, b any) bool {
	fa, ok1 := toFloat(a)
	fb, ok2 := toFloat(b)
	if ok1 && ok2 {
		return fa == fb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
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
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}
