package secrets

import (
	"fmt"
	"strings"
)

// Marker replaces secret values in persisted records.
const Marker = "<<REDACTED>>"

// fallbackMarkers are used, in order, when a loaded secret is a substring
// of Marker. The empty string contains no secret.
var fallbackMarkers = []string{"********", "#", ""}

// Redactor scrubs loaded secret values out of arbitrary data.
type Redactor struct {
	values   []string // longest first
	marker   string
	replacer *strings.Replacer
}

// NewRedactor snapshots the values currently loaded in store.
func NewRedactor(store *Store) *Redactor {
	r := &Redactor{values: store.values(), marker: Marker}
	for _, m := range fallbackMarkers {
		if !r.Contains(r.marker) {
			break
		}
		r.marker = m
	}
	pairs := make([]string, 0, 2*len(r.values))
	for _, v := range r.values {
		pairs = append(pairs, v, r.marker)
	}
	r.replacer = strings.NewReplacer(pairs...)
	return r
}

// Marker returns the text this redactor puts in place of a secret. It is
// Marker unless a loaded secret occurs inside Marker itself.
func (r *Redactor) Marker() string {
	if r == nil {
		return Marker
	}
	return r.marker
}

// String replaces every occurrence of a secret value in s with the marker
// in a single pass over s. At each position the longest secret wins, so a
// secret containing another secret is never partially exposed. If secrets
// can still be read across the seams of the result, the whole string is
// replaced.
func (r *Redactor) String(s string) string {
	if r == nil || len(r.values) == 0 {
		return s
	}
	out := r.replacer.Replace(s)
	if r.Contains(out) {
		return r.marker
	}
	return out
}

// Contains reports whether s holds any secret value.
func (r *Redactor) Contains(s string) bool {
	if r == nil {
		return false
	}
	for _, v := range r.values {
		if strings.Contains(s, v) {
			return true
		}
	}
	return false
}

// Map returns a deep copy of m with secret values redacted.
func (r *Redactor) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = r.Value(v)
	}
	return out
}

// Value redacts a single decoded value. Strings are scrubbed in place;
// non-string scalars whose printed form contains a secret are replaced by
// the marker as a whole.
func (r *Redactor) Value(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return r.String(val)
	case map[string]any:
		return r.Map(val)
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, s := range val {
			out[k] = r.String(s)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = r.Value(e)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = r.String(s)
		}
		return out
	case []byte:
		return r.String(string(val))
	default:
		if r.Contains(fmt.Sprint(val)) {
			return r.marker
		}
		return v
	}
}
