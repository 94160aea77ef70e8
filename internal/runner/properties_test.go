package runner

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/atomikpanda/autorun/internal/operations"
	"github.com/atomikpanda/autorun/internal/policy"
	"github.com/atomikpanda/autorun/internal/secrets"
)

// Calls drawn from a mix of succeeding, failing, denied and unknown actions.
var callKinds = []string{"test.ok", "test.fail", "test.denied", "nope"}

func propertyRunner(opts Options) *Runner {
	reg := operations.NewRegistry()
	reg.MustRegister(operations.Spec{Name: "test.ok", Op: echo})
	reg.MustRegister(operations.Spec{Name: "test.denied", Op: echo})
	reg.MustRegister(operations.Spec{Name: "test.fail", Op: operations.Func(
		func(context.Context, map[string]any, bool) (map[string]any, error) {
			return nil, operations.Failf("always fails")
		})})
	engine, _ := policy.NewEngine([]policy.Rule{{Decision: policy.Deny, Match: map[string]string{"action": "test.denied"}}})
	r := New(opts, reg)
	r.Policy = engine
	r.Out = &bytes.Buffer{}
	r.Now = fixedClock()
	return r
}

func TestSequenceMonotonicity(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("one record per call, numbered 0..n-1", prop.ForAll(
		func(kinds []int) bool {
			r := propertyRunner(Options{})
			if r.Start(context.Background()) != nil {
				return false
			}
			for _, k := range kinds {
				r.Execute(context.Background(), callKinds[k], nil, "")
			}
			acts := r.Log().Actions
			if len(acts) != len(kinds) || r.Next() != len(kinds) {
				return false
			}
			for i, a := range acts {
				if a.Sequence != i {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(callKinds)-1)),
	))

	properties.Property("success is the conjunction of record outcomes", prop.ForAll(
		func(kinds []int) bool {
			r := propertyRunner(Options{})
			r.Start(context.Background())
			want := true
			for _, k := range kinds {
				r.Execute(context.Background(), callKinds[k], nil, "")
				want = want && callKinds[k] == "test.ok"
			}
			r.Close(context.Background())
			return r.Log().Success == want
		},
		gen.SliceOf(gen.IntRange(0, len(callKinds)-1)),
	))

	properties.TestingRun(t)
}

func TestRedactionCompleteness(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("no loaded secret reaches a record", prop.ForAll(
		func(secret, prefix, suffix string) bool {
			r := propertyRunner(Options{Secrets: []string{"s"}})
			r.Store = secrets.NewStore(secrets.MapSource{"s": secret})
			r.Start(context.Background())
			r.Execute(context.Background(), "test.ok", map[string]any{
				"plain":  secret,
				"embed":  prefix + secret + suffix,
				"nested": map[string]any{"list": []any{secret}},
			}, "")
			data, err := r.Log().Marshal()
			if err != nil {
				return false
			}
			return !strings.Contains(string(data), secret)
		},
		gen.RegexMatch(`[A-Za-z0-9]{12,24}`),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
