package secrets

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/atomikpanda/autorun/internal/glob"
)

// Binding injects secrets into the parameters of every action whose name
// matches Pattern. Params maps parameter name to secret name. Pattern is
// matched against the qualified name and every registered alias, so "uri"
// and "builtin.uri" both bind calls to builtin.uri.
type Binding struct {
	Pattern string            `yaml:"pattern" json:"pattern"`
	Params  map[string]string `yaml:"params" json:"params"`
}

// Bindings is an ordered binding table. Order matters: when several
// patterns match the same action, later entries win per parameter.
type Bindings []Binding

// UnmarshalYAML accepts both the compact mapping form, which keeps document
// order,
//
//	secret_bindings:
//	  "amazon.aws.*": {aws_secret_key: aws_secret}
//	  "community.postgresql.*": {login_password: pg_password}
//
// and an explicit list of {pattern, params} entries.
func (b *Bindings) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		out := make(Bindings, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var params map[string]string
			if err := node.Content[i+1].Decode(&params); err != nil {
				return fmt.Errorf("secret binding %q: %w", node.Content[i].Value, err)
			}
			out = append(out, Binding{Pattern: node.Content[i].Value, Params: params})
		}
		*b = out
		return nil
	case yaml.SequenceNode:
		var list []Binding
		if err := node.Decode(&list); err != nil {
			return err
		}
		*b = list
		return nil
	default:
		return fmt.Errorf("secret_bindings: expected a mapping or a list, got %s", node.Tag)
	}
}

// Validate reports malformed patterns.
func (b Bindings) Validate() error {
	for _, binding := range b {
		if err := glob.Valid(binding.Pattern); err != nil {
			return fmt.Errorf("secret binding pattern %q: %w", binding.Pattern, err)
		}
	}
	return nil
}

// Injector fills action parameters from bound secrets.
type Injector struct {
	Bindings Bindings
	Store    *Store
	// BindingWins lets a bound secret replace a parameter the caller supplied.
	// By default the caller's explicit value is kept.
	BindingWins bool
}

// Resolve returns the parameter -> secret name mapping for action, merging
// every matching binding in order with later matches overriding earlier ones.
func (in *Injector) Resolve(action string, aliases ...string) map[string]string {
	out := make(map[string]string)
	for _, binding := range in.Bindings {
		if !matchesAny(binding.Pattern, action, aliases) {
			continue
		}
		for param, secret := range binding.Params {
			out[param] = secret
		}
	}
	return out
}

// Inject returns a copy of params with bound secrets filled in. The input map
// is never modified. It fails with *NotLoadedError when a binding refers to a
// secret that did not resolve.
func (in *Injector) Inject(action string, params map[string]any, aliases ...string) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	for param, secret := range in.Resolve(action, aliases...) {
		if _, supplied := params[param]; supplied && !in.BindingWins {
			continue
		}
		if in.Store == nil {
			return nil, &NotLoadedError{Name: secret, Reason: "no secret store configured"}
		}
		value, err := in.Store.Get(secret)
		if err != nil {
			var nd *NotDeclaredError
			if errors.As(err, &nd) {
				return nil, &NotLoadedError{Name: nd.Name, Reason: "bound but never declared"}
			}
			return nil, err
		}
		out[param] = value
	}
	return out, nil
}

func matchesAny(pattern, action string, aliases []string) bool {
	if glob.Match(pattern, action) {
		return true
	}
	for _, a := range aliases {
		if glob.Match(pattern, a) {
			return true
		}
	}
	return false
}
