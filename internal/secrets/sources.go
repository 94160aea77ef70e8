package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/atomikpanda/autorun/internal/ageutil"
)

// EnvSource resolves secrets from the process environment. A name is tried
// verbatim first, then in its environment-variable form ("db.password" ->
// "DB_PASSWORD").
type EnvSource struct {
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

func (EnvSource) Name() string { return "env" }

func (e EnvSource) Lookup(_ context.Context, name string) (string, bool, error) {
	lookup := e.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(name); ok {
		return v, true, nil
	}
	if alt := EnvVarName(name); alt != name {
		if v, ok := lookup(alt); ok {
			return v, true, nil
		}
	}
	return "", false, nil
}

// EnvVarName converts a dotted or dashed secret name to an environment
// variable name, e.g. "db.password" -> "DB_PASSWORD".
func EnvVarName(name string) string {
	if name == "" {
		return ""
	}
	r := strings.NewReplacer(".", "_", "-", "_", "/", "_")
	return strings.ToUpper(r.Replace(name))
}

// AgeFileSource resolves secrets from an age-encrypted YAML document of
// name: value pairs. The file is decrypted once, on first lookup.
type AgeFileSource struct {
	Path string
	Key  *ageutil.Key

	once   sync.Once
	values map[string]string
	err    error
}

func (a *AgeFileSource) Name() string { return "age:" + a.Path }

func (a *AgeFileSource) Lookup(_ context.Context, name string) (string, bool, error) {
	a.once.Do(a.load)
	if a.err != nil {
		return "", false, a.err
	}
	v, ok := a.values[name]
	return v, ok, nil
}

func (a *AgeFileSource) load() {
	if a.Key == nil {
		a.err = fmt.Errorf("no age key configured for %s", a.Path)
		return
	}
	ciphertext, err := os.ReadFile(a.Path)
	if err != nil {
		a.err = fmt.Errorf("read secrets file: %w", err)
		return
	}
	plaintext, err := a.Key.Decrypt(ciphertext)
	if err != nil {
		a.err = err
		return
	}
	var raw map[string]any
	if err := yaml.Unmarshal(plaintext, &raw); err != nil {
		a.err = fmt.Errorf("parse secrets file %s: %w", a.Path, err)
		return
	}
	a.values = make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		a.values[k] = fmt.Sprint(v)
	}
}

// MapSource serves secrets from a fixed map. Useful in tests and for values
// handed over by a parent process.
type MapSource map[string]string

func (MapSource) Name() string { return "map" }

func (m MapSource) Lookup(_ context.Context, name string) (string, bool, error) {
	v, ok := m[name]
	return v, ok, nil
}
