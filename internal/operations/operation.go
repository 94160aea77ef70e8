// Package operations defines the contract every action implementation
// follows and a registry of named operations, including the built-ins.
//
// An operation takes a parameter map and returns a result map that always
// carries a boolean "changed" key. Failure is reported with an error; a
// *Failure lets the operation attach structured fields and partial output.
package operations

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Operation is one pluggable unit of work. When checkMode is true the
// operation reports whether it would change anything without applying it.
type Operation interface {
	Run(ctx context.Context, params map[string]any, checkMode bool) (map[string]any, error)
}

// Func adapts a plain function to Operation.
type Func func(ctx context.Context, params map[string]any, checkMode bool) (map[string]any, error)

func (f Func) Run(ctx context.Context, params map[string]any, checkMode bool) (map[string]any, error) {
	return f(ctx, params, checkMode)
}

// Failure is the error an operation returns when it ran but did not succeed.
type Failure struct {
	Msg    string
	Fields map[string]any
	// Output is whatever the operation produced before failing.
	Output map[string]any
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil && f.Msg == "" {
		return f.Err.Error()
	}
	if f.Err != nil {
		return f.Msg + ": " + f.Err.Error()
	}
	return f.Msg
}

func (f *Failure) Unwrap() error { return f.Err }

// Failf builds a *Failure with a formatted message.
func Failf(format string, args ...any) *Failure {
	return &Failure{Msg: fmt.Sprintf(format, args...)}
}

// Result builds a result map with the changed flag set.
func Result(changed bool, kv ...any) map[string]any {
	out := map[string]any{"changed": changed}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out[k] = kv[i+1]
		}
	}
	return out
}

// Changed reads the changed flag from a result map.
func Changed(result map[string]any) bool {
	b, _ := result["changed"].(bool)
	return b
}

// --- parameter helpers ------------------------------------------------------

func stringParam(params map[string]any, key, def string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func boolParam(params map[string]any, key string, def bool) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// stringsParam accepts either a list or a single whitespace-free string.
func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

func stringMapParam(params map[string]any, key string) map[string]string {
	switch v := params[key].(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, e := range v {
			out[k] = fmt.Sprint(e)
		}
		return out
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

func lines(s string) []any {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return []any{}
	}
	parts := strings.Split(s, "\n")
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out
}
