package engine

import (
	"encoding/json"
	"fmt"
)

// Condition is a typed predicate over an instance's metadata bag. Either a
// leaf (Field/Op/Value) or a composite (All/Any) is set, not both.
type Condition struct {
	All   []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any   []Condition `json:"any,omitempty" yaml:"any,omitempty"`
	Field string      `json:"field,omitempty" yaml:"field,omitempty"`
	Op    string      `json:"op,omitempty" yaml:"op,omitempty"`
	Value any         `json:"value,omitempty" yaml:"value,omitempty"`
}

const (
	OpEq     = "eq"
	OpNe     = "ne"
	OpGt     = "gt"
	OpGte    = "gte"
	OpLt     = "lt"
	OpLte    = "lte"
	OpIn     = "in"
	OpExists = "exists"
)

// ParseCondition decodes a serialized condition and validates its shape.
func ParseCondition(raw string) (*Condition, error) {
	var c Condition
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("condition: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c Condition) Validate() error {
	composite := len(c.All) > 0 || len(c.Any) > 0
	leaf := c.Field != "" || c.Op != ""
	if composite && leaf {
		return fmt.Errorf("condition mixes composite and leaf forms")
	}
	if composite {
		if len(c.All) > 0 && len(c.Any) > 0 {
			return fmt.Errorf("condition sets both all and any")
		}
		for _, sub := range append(c.All, c.Any...) {
			if err := sub.Validate(); err != nil {
				return err
			}
		}
		return nil
	}
	if c.Field == "" {
		return fmt.Errorf("condition leaf requires field")
	}
	switch c.Op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpExists:
	default:
		return fmt.Errorf("unknown condition op %q", c.Op)
	}
	if c.Op == OpIn {
		if _, ok := c.Value.([]any); !ok {
			return fmt.Errorf("op in requires a list value")
		}
	}
	return nil
}

// Eval evaluates the condition against a metadata bag. A missing field makes
// every leaf but exists evaluate false.
func (c Condition) Eval(meta map[string]any) (bool, error) {
	if len(c.All) > 0 {
		for _, sub := range c.All {
			ok, err := sub.Eval(meta)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	if len(c.Any) > 0 {
		for _, sub := range c.Any {
			ok, err := sub.Eval(meta)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	val, present := meta[c.Field]
	if c.Op == OpExists {
		return present, nil
	}
	if !present {
		return false, nil
	}
	switch c.Op {
	case OpEq:
		return equalValues(val, c.Value), nil
	case OpNe:
		return !equalValues(val, c.Value), nil
	case OpIn:
		list, _ := c.Value.([]any)
		for _, item := range list {
			if equalValues(val, item) {
				return true, nil
			}
		}
		return false, nil
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := toFloat(val)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false, fmt.Errorf("op %s requires numeric operands for field %s", c.Op, c.Field)
		}
		switch c.Op {
		case OpGt:
			return a > b, nil
		case OpGte:
			return a >= b, nil
		case OpLt:
			return a < b, nil
		default:
			return a <= b, nil
		}
	}
	return false, fmt.Errorf("unknown condition op %q", c.Op)
}

func equalValues(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return ok && as == bs
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	return false
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
