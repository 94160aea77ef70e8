package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// BuiltinNamespace prefixes the fully qualified names of built-in operations.
const BuiltinNamespace = "builtin."

// Spec describes a registered operation.
type Spec struct {
	// Name is the fully qualified name, e.g. "builtin.file" or
	// "amazon.aws.ec2_instance".
	Name    string
	Aliases []string
	Summary string
	// Schema is an optional JSON schema the parameters are validated against
	// before every run.
	Schema map[string]any
	Op     Operation

	schema *gojsonschema.Schema
}

// Registry maps operation names to implementations. Lookups accept either
// the fully qualified name or an alias.
type Registry struct {
	mu     sync.RWMutex
	specs  map[string]*Spec // by fully qualified name
	byName map[string]*Spec // names and aliases
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		specs:  make(map[string]*Spec),
		byName: make(map[string]*Spec),
	}
}

// Register adds spec. Names and aliases must be unique across the registry.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("register operation: empty name")
	}
	if spec.Op == nil {
		return fmt.Errorf("register operation %s: nil implementation", spec.Name)
	}
	for _, seg := range strings.Split(spec.Name, ".") {
		if seg == "" || strings.HasPrefix(seg, "_") {
			return fmt.Errorf("register operation %s: invalid name segment %q", spec.Name, seg)
		}
	}
	if spec.Schema != nil {
		s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(spec.Schema))
		if err != nil {
			return fmt.Errorf("register operation %s: schema: %w", spec.Name, err)
		}
		spec.schema = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	names := append([]string{spec.Name}, spec.Aliases...)
	for _, n := range names {
		if _, dup := r.byName[n]; dup {
			return fmt.Errorf("register operation %s: name %q already registered", spec.Name, n)
		}
	}
	s := &spec
	r.specs[spec.Name] = s
	for _, n := range names {
		r.byName[n] = s
	}
	return nil
}

// MustRegister is Register that panics on error, for static tables.
func (r *Registry) MustRegister(spec Spec) {
	if err := r.Register(spec); err != nil {
		panic(err)
	}
}

// Lookup resolves a name or alias.
func (r *Registry) Lookup(name string) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// Names returns the fully qualified names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.specs))
	for n := range r.specs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Specs returns every registered spec sorted by name.
func (r *Registry) Specs() []*Spec {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Spec, 0, len(names))
	for _, n := range names {
		out = append(out, r.specs[n])
	}
	return out
}

// Validate checks params against the operation's schema, if it has one.
func (s *Spec) Validate(params map[string]any) error {
	if s.schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	// Round-trip through JSON so typed maps and slices validate like the
	// documents the schema was written for.
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("schema validation error: failed to serialize params: %w", err)
	}
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return &Failure{
		Msg:    "parameter validation failed: " + strings.Join(msgs, "; "),
		Fields: map[string]any{"validation_errors": msgs},
	}
}

// Run validates params and invokes the operation. A result without a
// "changed" key gets changed=false.
func (s *Spec) Run(ctx context.Context, params map[string]any, checkMode bool) (map[string]any, error) {
	if err := s.Validate(params); err != nil {
		return nil, err
	}
	out, err := s.Op.Run(ctx, params, checkMode)
	if out == nil && err == nil {
		out = map[string]any{}
	}
	if out != nil {
		if _, ok := out["changed"].(bool); !ok {
			out["changed"] = false
		}
	}
	return out, err
}
