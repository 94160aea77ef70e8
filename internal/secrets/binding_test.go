package secrets

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestBindingsUnmarshalMappingKeepsOrder(t *testing.T) {
	doc := `
"amazon.aws.*": {aws_secret_key: aws_secret, region: aws_region}
"amazon.aws.ec2_*": {aws_secret_key: ec2_secret}
"*": {token: global_token}
`
	var b Bindings
	require.NoError(t, yaml.Unmarshal([]byte(doc), &b))
	require.Len(t, b, 3)
	assert.Equal(t, "amazon.aws.*", b[0].Pattern)
	assert.Equal(t, "amazon.aws.ec2_*", b[1].Pattern)
	assert.Equal(t, "*", b[2].Pattern)
	assert.Equal(t, "ec2_secret", b[1].Params["aws_secret_key"])
}

func TestBindingsUnmarshalList(t *testing.T) {
	doc := `
- pattern: "uri"
  params: {password: http_pw}
- pattern: "u*"
  params: {password: other_pw}
`
	var b Bindings
	require.NoError(t, yaml.Unmarshal([]byte(doc), &b))
	require.Len(t, b, 2)
	assert.Equal(t, "u*", b[1].Pattern)
	assert.NoError(t, b.Validate())
}

func TestBindingsValidate(t *testing.T) {
	b := Bindings{{Pattern: "[broken", Params: map[string]string{"a": "b"}}}
	assert.Error(t, b.Validate())
}

func newInjector(t *testing.T) *Injector {
	t.Helper()
	store := NewStore(MapSource{
		"aws_secret": "generic-aws",
		"ec2_secret": "ec2-specific",
		"aws_region": "eu-west-1",
	})
	store.Declare(context.Background(), "aws_secret", "ec2_secret", "aws_region", "unresolved")
	return &Injector{
		Store: store,
		Bindings: Bindings{
			{Pattern: "amazon.aws.*", Params: map[string]string{"aws_secret_key": "aws_secret", "region": "aws_region"}},
			{Pattern: "amazon.aws.ec2_*", Params: map[string]string{"aws_secret_key": "ec2_secret"}},
			{Pattern: "community.*", Params: map[string]string{"password": "unresolved"}},
			{Pattern: "other.*", Params: map[string]string{"password": "never_declared"}},
		},
	}
}

func TestInjectorResolveLastMatchWins(t *testing.T) {
	in := newInjector(t)

	got := in.Resolve("amazon.aws.ec2_instance")
	assert.Equal(t, map[string]string{"aws_secret_key": "ec2_secret", "region": "aws_region"}, got)

	got = in.Resolve("amazon.aws.s3_bucket")
	assert.Equal(t, "aws_secret", got["aws_secret_key"])

	assert.Empty(t, in.Resolve("file"))
}

func TestInjectorInject(t *testing.T) {
	in := newInjector(t)
	params := map[string]any{"instance_type": "t3.micro"}

	out, err := in.Inject("amazon.aws.ec2_instance", params)
	require.NoError(t, err)
	assert.Equal(t, "ec2-specific", out["aws_secret_key"])
	assert.Equal(t, "eu-west-1", out["region"])
	assert.Equal(t, "t3.micro", out["instance_type"])
	assert.NotContains(t, params, "aws_secret_key", "input must not be mutated")
}

func TestInjectorExplicitParameterWins(t *testing.T) {
	in := newInjector(t)
	out, err := in.Inject("amazon.aws.ec2_instance", map[string]any{"region": "us-east-1"})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", out["region"])

	in.BindingWins = true
	out, err = in.Inject("amazon.aws.ec2_instance", map[string]any{"region": "us-east-1"})
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", out["region"])
}

func TestInjectorUnresolvedSecret(t *testing.T) {
	in := newInjector(t)

	_, err := in.Inject("community.postgresql.user", nil)
	var notLoaded *NotLoadedError
	require.ErrorAs(t, err, &notLoaded)
	assert.Equal(t, "unresolved", notLoaded.Name)

	_, err = in.Inject("other.thing", nil)
	require.ErrorAs(t, err, &notLoaded)
	assert.Equal(t, "never_declared", notLoaded.Name)

	// The caller supplied the parameter, so the missing secret is never needed.
	_, err = in.Inject("community.postgresql.user", map[string]any{"password": "explicit"})
	assert.NoError(t, err)
}

func TestRedactorNested(t *testing.T) {
	store := NewStore(MapSource{"pw": "hunter2", "long": "hunter2-extended"})
	store.Declare(context.Background(), "pw", "long")
	r := NewRedactor(store)

	in := map[string]any{
		"url":       "postgres://app:hunter2@db:5432/app",
		"both":      "hunter2-extended",
		"nested":    map[string]any{"list": []any{"x", "hunter2"}},
		"port":      5432,
		"argv":      []string{"--password", "hunter2"},
		"untouched": "plain",
	}
	out := r.Map(in)

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.Equal(t, "postgres://app:"+Marker+"@db:5432/app", out["url"])
	assert.Equal(t, Marker, out["both"], "longest secret is replaced first")
	assert.Equal(t, 5432, out["port"])
	assert.Equal(t, "plain", out["untouched"])
	assert.Equal(t, "postgres://app:hunter2@db:5432/app", in["url"], "input must not be mutated")
}

func TestRedactorNumericSecret(t *testing.T) {
	store := NewStore(MapSource{"pin": "987654"})
	store.Declare(context.Background(), "pin")
	out := NewRedactor(store).Map(map[string]any{"pin": 987654, "other": 12})
	assert.Equal(t, Marker, out["pin"])
	assert.Equal(t, 12, out["other"])
}

func TestRedactorSecretInsideMarker(t *testing.T) {
	for _, secret := range []string{"RED", "DAC", "E", "<", "<<REDACTED>>"} {
		store := NewStore(MapSource{"s": secret})
		store.Declare(context.Background(), "s")
		r := NewRedactor(store)

		assert.NotContains(t, r.Marker(), secret)
		got := r.String("x" + secret + "x")
		assert.NotContains(t, got, secret)
		assert.Equal(t, "x"+r.Marker()+"x", got)
	}
}

func TestRedactorFallsBackToWholeString(t *testing.T) {
	// Replacing "ab" in "xab" leaves "x<<REDACTED>>", which spells the other secret.
	store := NewStore(MapSource{"a": "ab", "b": "x<<"})
	store.Declare(context.Background(), "a", "b")
	r := NewRedactor(store)
	require.Equal(t, Marker, r.Marker())
	assert.Equal(t, Marker, r.String("xab"))
	assert.Equal(t, "q"+Marker, r.String("qab"))
}

func TestRedactionCompletenessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	secretGen := gen.RegexMatch(`[A-Z<>]{1,6}`)

	properties.Property("persisted params never contain a loaded secret", prop.ForAll(
		func(secret, prefix, suffix string) bool {
			store := NewStore(MapSource{"s": secret})
			store.Declare(context.Background(), "s")
			in := &Injector{
				Store:    store,
				Bindings: Bindings{{Pattern: "*", Params: map[string]string{"injected": "s"}}},
			}
			params, err := in.Inject("any.action", map[string]any{
				"direct":   secret,
				"embedded": prefix + secret + suffix,
				"list":     []any{suffix, secret},
			})
			if err != nil {
				return false
			}
			var buf strings.Builder
			enc := json.NewEncoder(&buf)
			enc.SetEscapeHTML(false)
			if err := enc.Encode(NewRedactor(store).Map(params)); err != nil {
				return false
			}
			return !strings.Contains(buf.String(), secret)
		},
		secretGen,
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
