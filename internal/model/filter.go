package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Operator is a comparison applied to a payload field.
type Operator string

const (
	OpEq     Operator = "eq"
	OpNe     Operator = "ne"
	OpIn     Operator = "in"
	OpGt     Operator = "gt"
	OpGte    Operator = "gte"
	OpLt     Operator = "lt"
	OpLte    Operator = "lte"
	OpExists Operator = "exists"
)

// IsValid checks whether the operator is supported.
func (o Operator) IsValid() bool {
	switch o {
	case OpEq, OpNe, OpIn, OpGt, OpGte, OpLt, OpLte, OpExists:
		return true
	}
	return false
}

// Condition constrains one payload field. A literal condition ({"region": "us"})
// is an equality test with Literal set; an operator condition
// ({"amount": {"gt": 10}}) carries the named operator.
type Condition struct {
	Field   string
	Op      Operator
	Literal bool
	Value   any // decoded JSON: string, float64, bool, nil, []any
}

// Filter is a decoded filter expression. Every condition must hold for an
// event to match. Conditions are ordered by field name.
type Filter struct {
	Conditions []Condition
}

// IsEmptyFilter reports whether raw encodes no filter at all.
func IsEmptyFilter(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// ParseFilter decodes a filter expression. An empty or null expression yields
// (nil, nil): no filter. Any structural problem is reported as
// ErrInvalidFilter.
func ParseFilter(raw json.RawMessage) (*Filter, error) {
	if IsEmptyFilter(raw) {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: expression must be a JSON object: %v", ErrInvalidFilter, err)
	}

	f := &Filter{Conditions: make([]Condition, 0, len(fields))}
	for field, value := range fields {
		if field == "" {
			return nil, fmt.Errorf("%w: empty field name", ErrInvalidFilter)
		}
		c, err := parseCondition(field, value)
		if err != nil {
			return nil, err
		}
		f.Conditions = append(f.Conditions, c)
	}
	sort.Slice(f.Conditions, func(i, j int) bool {
		return f.Conditions[i].Field < f.Conditions[j].Field
	})
	return f, nil
}

func parseCondition(field string, raw json.RawMessage) (Condition, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		var v any
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return Condition{}, fmt.Errorf("%w: field %q: %v", ErrInvalidFilter, field, err)
		}
		return Condition{Field: field, Op: OpEq, Literal: true, Value: v}, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return Condition{}, fmt.Errorf("%w: field %q: %v", ErrInvalidFilter, field, err)
	}
	if len(obj) != 1 {
		return Condition{}, fmt.Errorf("%w: field %q: operator object must have exactly one key", ErrInvalidFilter, field)
	}

	var (
		name    string
		operand json.RawMessage
	)
	for k, v := range obj {
		name, operand = k, v
	}

	op := Operator(name)
	if !op.IsValid() {
		return Condition{}, fmt.Errorf("%w: field %q: unknown operator %q", ErrInvalidFilter, field, name)
	}
	var v any
	if err := json.Unmarshal(operand, &v); err != nil {
		return Condition{}, fmt.Errorf("%w: field %q: %v", ErrInvalidFilter, field, err)
	}
	if err := checkOperand(op, v); err != nil {
		return Condition{}, fmt.Errorf("%w: field %q: %v", ErrInvalidFilter, field, err)
	}
	return Condition{Field: field, Op: op, Value: v}, nil
}

func checkOperand(op Operator, v any) error {
	switch op {
	case OpIn:
		if _, ok := v.([]any); !ok {
			return fmt.Errorf("operator %q requires an array", op)
		}
	case OpGt, OpGte, OpLt, OpLte:
		switch v.(type) {
		case float64, string:
		default:
			return fmt.Errorf("operator %q requires a number or string", op)
		}
	case OpExists:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("operator %q requires a boolean", op)
		}
	}
	return nil
}
