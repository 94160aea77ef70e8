// Package template renders Go template strings in step parameters.
// Steps refer to earlier outputs with {{ .vars.name.field }} syntax.
package template

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// Render executes the Go template string s with data as the data object.
func Render(s string, data map[string]any) (string, error) {
	t, err := template.New("").Option("missingkey=zero").Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse template %q: %w", s, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template %q: %w", s, err)
	}
	return buf.String(), nil
}

// RenderParams returns a copy of params with every string that contains a
// template action rendered against data. Nested maps and lists are walked;
// other values are copied as they are. Map keys are never rendered.
func RenderParams(params map[string]any, data map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	out, err := renderValue(params, data)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func renderValue(v any, data map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.Contains(val, "{{") {
			return val, nil
		}
		rendered, err := Render(val, data)
		if err != nil {
			return nil, err
		}
		// missingkey=zero prints "<no value>" for absent keys in maps.
		return strings.ReplaceAll(rendered, "<no value>", ""), nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			r, err := renderValue(e, data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			r, err := renderValue(e, data)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}
