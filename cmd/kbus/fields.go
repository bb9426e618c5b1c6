package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// parseFields turns "key=value" pairs into a JSON object. Values that look
// like JSON literals are embedded as is; everything else becomes a string.
// Keys may use dots ("customer.region=eu") to build nested objects. Returns
// nil for no pairs.
func parseFields(pairs []string) (json.RawMessage, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	obj := map[string]any{}
	for _, p := range pairs {
		k, v, ok := splitField(p)
		if !ok {
			return nil, fmt.Errorf("invalid field %q (want key=value)", p)
		}
		if err := setPath(obj, strings.Split(k, "."), rawOrString(v)); err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
	}
	return json.Marshal(obj)
}

func setPath(obj map[string]any, path []string, v any) error {
	for _, seg := range path[:len(path)-1] {
		if seg == "" {
			return fmt.Errorf("empty path segment")
		}
		next, ok := obj[seg]
		if !ok {
			child := map[string]any{}
			obj[seg] = child
			obj = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%q is already set to a value", seg)
		}
		obj = child
	}
	last := path[len(path)-1]
	if last == "" {
		return fmt.Errorf("empty path segment")
	}
	obj[last] = v
	return nil
}

// splitField splits "key=value" into (key, value, true).
// Returns ("", "", false) if there is no '=' or key is empty.
func splitField(s string) (string, string, bool) {
	i := strings.IndexByte(s, '=')
	if i <= 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// rawOrString returns a json.RawMessage if v looks like a JSON literal
// (object, array, quoted string, boolean, null, or number). Otherwise it
// returns v as a plain Go string so json.Marshal will quote it.
func rawOrString(v string) any {
	if len(v) == 0 {
		return v
	}
	switch v[0] {
	case '{', '[', '"':
		if json.Valid([]byte(v)) {
			return json.RawMessage(v)
		}
	default:
		if v == "true" || v == "false" || v == "null" {
			return json.RawMessage(v)
		}
		if v[0] == '-' || unicode.IsDigit(rune(v[0])) {
			if json.Valid([]byte(v)) {
				return json.RawMessage(v)
			}
		}
	}
	return v
}

// jsonInput returns raw when set, otherwise the object built from pairs.
// raw must be valid JSON.
func jsonInput(raw string, pairs []string) (json.RawMessage, error) {
	if raw != "" {
		if len(pairs) > 0 {
			return nil, fmt.Errorf("use either a JSON document or key=value fields, not both")
		}
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("invalid JSON: %s", raw)
		}
		return json.RawMessage(raw), nil
	}
	return parseFields(pairs)
}
