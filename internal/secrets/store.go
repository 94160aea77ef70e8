// Package secrets resolves declared secret names from the environment, age
// encrypted files and Vault, injects them into action parameters through
// bindings, and redacts them from anything that gets persisted.
//
// A Store only ever exposes names it was asked to declare. Values never
// appear in its string, JSON, YAML or slog representations.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Source looks up a single secret by name. found is false when the source
// simply does not know the name; err is reserved for backend failures.
type Source interface {
	Name() string
	Lookup(ctx context.Context, name string) (value string, found bool, err error)
}

// Store holds the requested secret names and the subset that resolved.
type Store struct {
	sources    []Source
	requested  map[string]bool
	loaded     map[string]string
	unresolved map[string]string // name -> reason, never a value
}

// NewStore creates an empty store that consults sources in order.
func NewStore(sources ...Source) *Store {
	return &Store{
		sources:    sources,
		requested:  make(map[string]bool),
		loaded:     make(map[string]string),
		unresolved: make(map[string]string),
	}
}

// Declare records names as requested and tries to resolve each one from the
// configured sources, first hit wins. Names that cannot be resolved are left
// out of the loaded set silently; the failure surfaces on first access.
func (s *Store) Declare(ctx context.Context, names ...string) {
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		s.requested[name] = true
		if _, ok := s.loaded[name]; ok {
			continue
		}
		s.resolve(ctx, name)
	}
}

func (s *Store) resolve(ctx context.Context, name string) {
	var reasons []string
	for _, src := range s.sources {
		value, found, err := src.Lookup(ctx, name)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", src.Name(), err))
			continue
		}
		if found {
			s.loaded[name] = value
			delete(s.unresolved, name)
			return
		}
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "not found in any source")
	}
	s.unresolved[name] = strings.Join(reasons, "; ")
}

// Get returns the value of a loaded secret. It fails with *NotDeclaredError
// for names that were never declared, even if they exist in the environment,
// and with *NotLoadedError for declared names that did not resolve.
func (s *Store) Get(name string) (string, error) {
	if !s.requested[name] {
		return "", &NotDeclaredError{Name: name}
	}
	v, ok := s.loaded[name]
	if !ok {
		return "", &NotLoadedError{Name: name, Reason: s.unresolved[name]}
	}
	return v, nil
}

// GetDefault returns the secret value, or def when it is not loaded for any
// reason.
func (s *Store) GetDefault(name, def string) string {
	if v, ok := s.loaded[name]; ok {
		return v
	}
	return def
}

// Contains reports whether name is loaded.
func (s *Store) Contains(name string) bool {
	_, ok := s.loaded[name]
	return ok
}

// Keys returns the requested names, sorted.
func (s *Store) Keys() []string {
	return sortedKeys(s.requested)
}

// LoadedKeys returns the resolved names, sorted.
func (s *Store) LoadedKeys() []string {
	return sortedKeys(s.loaded)
}

// Unresolved returns the declared names that failed to resolve, with the
// reason reported by the sources.
func (s *Store) Unresolved() map[string]string {
	out := make(map[string]string, len(s.unresolved))
	for k, v := range s.unresolved {
		out[k] = v
	}
	return out
}

// values returns loaded secret values, longest first, skipping empties.
func (s *Store) values() []string {
	if s == nil {
		return nil
	}
	seen := make(map[string]bool, len(s.loaded))
	vals := make([]string, 0, len(s.loaded))
	for _, v := range s.loaded {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		vals = append(vals, v)
	}
	sort.Slice(vals, func(i, j int) bool {
		if len(vals[i]) != len(vals[j]) {
			return len(vals[i]) > len(vals[j])
		}
		return vals[i] < vals[j]
	})
	return vals
}

// String implements fmt.Stringer with names and counts only.
func (s *Store) String() string {
	return fmt.Sprintf("secrets.Store(declared=%d, loaded=%d, names=%v)",
		len(s.requested), len(s.loaded), s.Keys())
}

// GoString keeps %#v from dumping the loaded map.
func (s *Store) GoString() string {
	return s.String()
}

// Format routes every verb through String so no fmt path reaches the fields.
func (s *Store) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, s.String())
}

type storeSummary struct {
	Declared []string `json:"declared" yaml:"declared"`
	Loaded   []string `json:"loaded" yaml:"loaded"`
}

func (s *Store) summary() storeSummary {
	return storeSummary{Declared: s.Keys(), Loaded: s.LoadedKeys()}
}

// MarshalJSON renders the declared and loaded names.
func (s *Store) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.summary())
}

// MarshalYAML renders the declared and loaded names.
func (s *Store) MarshalYAML() (any, error) {
	return s.summary(), nil
}

// LogValue implements slog.LogValuer.
func (s *Store) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("declared", len(s.requested)),
		slog.Int("loaded", len(s.loaded)),
		slog.Any("names", s.Keys()),
	)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NotDeclaredError is returned when a secret is requested by a name that was
// never declared for the run.
type NotDeclaredError struct {
	Name string
}

func (e *NotDeclaredError) Error() string {
	return fmt.Sprintf("secret %q was not declared", e.Name)
}

// NotLoadedError is returned when a declared secret could not be resolved
// from any source.
type NotLoadedError struct {
	Name   string
	Reason string
}

func (e *NotLoadedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("secret %q is not loaded: %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("secret %q is not loaded", e.Name)
}
