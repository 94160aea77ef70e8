// Package policy decides whether an action may run. Rules are evaluated in
// declaration order and the first matching deny wins; when no deny matches
// the action is permitted.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/atomikpanda/autorun/internal/glob"
)

// Decision is the verdict a rule hands out when it matches.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// Recognized match criteria. Keys of the form "parameter.<name>" match the
// named action parameter.
const (
	KeyAction      = "action"
	KeyName        = "name" // alias of action
	KeyHost        = "host"
	KeyEnvironment = "environment"
	KeyWhen        = "when" // CEL expression
	paramPrefix    = "parameter."
)

// Rule is one policy entry. Every criterion present in Match must match for
// the rule to apply; a rule with an unrecognized criterion never matches.
type Rule struct {
	Decision Decision          `yaml:"decision" json:"decision"`
	Match    map[string]string `yaml:"match" json:"match"`
	Reason   string            `yaml:"reason" json:"reason"`
}

// Describe renders the rule's criteria in a stable order for messages.
func (r Rule) Describe() string {
	keys := make([]string, 0, len(r.Match))
	for k := range r.Match {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, r.Match[k]))
	}
	if len(parts) == 0 {
		return string(r.Decision) + "(*)"
	}
	return fmt.Sprintf("%s(%s)", r.Decision, strings.Join(parts, ", "))
}

// Request is what the engine evaluates. Action is the qualified name;
// Aliases are the other names it is registered under, such as the short
// name a script calls it by. An action criterion matches any of them.
type Request struct {
	Action      string
	Aliases     []string
	Params      map[string]any
	Host        string
	Environment string
}

func (req Request) actionMatches(pattern string) bool {
	if glob.Match(pattern, req.Action) {
		return true
	}
	for _, a := range req.Aliases {
		if glob.Match(pattern, a) {
			return true
		}
	}
	return false
}

// Result is the outcome of an evaluation. Rule and Index refer to the deny
// that fired, or to the first matching allow for a permitted call. Index is
// -1 when no rule matched.
type Result struct {
	Denied bool
	Reason string
	Rule   *Rule
	Index  int
}

// Permitted reports whether the action may run.
func (r Result) Permitted() bool { return !r.Denied }

func (r Result) String() string {
	if r.Denied {
		return "denied: " + r.Reason
	}
	return "permitted"
}

type compiledRule struct {
	rule    Rule
	valid   bool
	program *celProgram
}

// Engine evaluates an immutable rule set. It holds no per-call state and is
// safe for concurrent use.
type Engine struct {
	rules []compiledRule
}

// NewEngine validates rules and compiles their CEL conditions. Malformed
// globs, unknown decisions and CEL compile errors are reported here.
// Unrecognized criteria are not an error: such a rule just never matches.
func NewEngine(rules []Rule) (*Engine, error) {
	e := &Engine{rules: make([]compiledRule, 0, len(rules))}
	var env *celEnv
	for i, r := range rules {
		switch r.Decision {
		case Allow, Deny:
		default:
			return nil, fmt.Errorf("policy rule %d: unknown decision %q (want allow or deny)", i, r.Decision)
		}
		cr := compiledRule{rule: r, valid: true}
		for key, pattern := range r.Match {
			switch {
			case key == KeyWhen:
				if env == nil {
					var err error
					if env, err = newCELEnv(); err != nil {
						return nil, err
					}
				}
				prog, err := env.compile(pattern)
				if err != nil {
					return nil, fmt.Errorf("policy rule %d: when: %w", i, err)
				}
				cr.program = prog
			case isKnownGlobKey(key):
				if err := glob.Valid(pattern); err != nil {
					return nil, fmt.Errorf("policy rule %d: %s pattern %q: %w", i, key, pattern, err)
				}
			default:
				cr.valid = false
			}
		}
		e.rules = append(e.rules, cr)
	}
	return e, nil
}

// Rules returns a copy of the configured rules.
func (e *Engine) Rules() []Rule {
	if e == nil {
		return nil
	}
	out := make([]Rule, len(e.rules))
	for i, cr := range e.rules {
		out[i] = cr.rule
	}
	return out
}

// Evaluate checks one call. A nil engine permits everything.
func (e *Engine) Evaluate(action string, params map[string]any, host, environment string) Result {
	return e.EvaluateRequest(Request{Action: action, Params: params, Host: host, Environment: environment})
}

// EvaluateRequest is Evaluate with the arguments bundled.
func (e *Engine) EvaluateRequest(req Request) Result {
	res := Result{Index: -1}
	if e == nil {
		return res
	}
	for i := range e.rules {
		cr := &e.rules[i]
		if !cr.matches(req) {
			continue
		}
		if cr.rule.Decision == Deny {
			reason := cr.rule.Reason
			if reason == "" {
				reason = "denied by policy rule " + cr.rule.Describe()
			}
			return Result{Denied: true, Reason: reason, Rule: &cr.rule, Index: i}
		}
		if res.Rule == nil {
			res.Rule = &cr.rule
			res.Index = i
			res.Reason = cr.rule.Reason
		}
	}
	return res
}

func (cr *compiledRule) matches(req Request) bool {
	if !cr.valid {
		return false
	}
	for key, pattern := range cr.rule.Match {
		switch {
		case key == KeyAction || key == KeyName:
			if !req.actionMatches(pattern) {
				return false
			}
		case key == KeyHost:
			if !glob.Match(pattern, req.Host) {
				return false
			}
		case key == KeyEnvironment:
			if !glob.Match(pattern, req.Environment) {
				return false
			}
		case strings.HasPrefix(key, paramPrefix):
			v, ok := req.Params[strings.TrimPrefix(key, paramPrefix)]
			if !ok || !glob.Match(pattern, paramString(v)) {
				return false
			}
		case key == KeyWhen:
			if cr.program == nil || !cr.program.eval(req) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func isKnownGlobKey(key string) bool {
	switch key {
	case KeyAction, KeyName, KeyHost, KeyEnvironment:
		return true
	}
	return strings.HasPrefix(key, paramPrefix) && len(key) > len(paramPrefix)
}

func paramString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}
