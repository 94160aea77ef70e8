// Package config loads autorun.yaml, which holds both the run options and
// the script itself.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/atomikpanda/autorun/internal/ageutil"
	"github.com/atomikpanda/autorun/internal/audit"
	"github.com/atomikpanda/autorun/internal/platform"
	"github.com/atomikpanda/autorun/internal/policy"
	"github.com/atomikpanda/autorun/internal/secrets"
)

// Defaults for paths that are not set in the file. Relative paths resolve
// against the directory holding the config file.
const (
	DefaultRecordDir   = ".autorun/runs"
	DefaultHistoryPath = ".autorun/history.db"

	// ReplayLatest selects the newest log in the record directory.
	ReplayLatest = "latest"
	// RecordNone disables writing the audit log.
	RecordNone = "none"
)

// Config is the parsed autorun.yaml.
type Config struct {
	Modules   []string `yaml:"modules,omitempty"`
	CheckMode bool     `yaml:"check_mode,omitempty"`
	Verbose   bool     `yaml:"verbose,omitempty"`
	Quiet     bool     `yaml:"quiet,omitempty"`
	// FailFast stops the script at the first failed action. Unset means
	// true; see StopOnFailure.
	FailFast    *bool  `yaml:"fail_fast,omitempty"`
	Environment string `yaml:"environment,omitempty"`

	// Record is a directory that receives one log per run, a .json file
	// path, or "none".
	Record string `yaml:"record,omitempty"`
	// Replay is "latest", a log path, or empty to run without replay.
	Replay string `yaml:"replay,omitempty"`

	Secrets        []string          `yaml:"secrets,omitempty"`
	SecretBindings secrets.Bindings  `yaml:"secret_bindings,omitempty"`
	BindingWins    bool              `yaml:"binding_wins,omitempty"`
	Vault          map[string]string `yaml:"vault,omitempty"`
	SecretFiles    []string          `yaml:"secret_files,omitempty"`
	Age            AgeConfig         `yaml:"age,omitempty"`

	Policy      []policy.Rule `yaml:"policy,omitempty"`
	PolicyFiles []string      `yaml:"policy_files,omitempty"`

	Telemetry bool   `yaml:"telemetry,omitempty"`
	History   string `yaml:"history,omitempty"`

	Steps []Step `yaml:"steps"`

	// Dir is the directory of the loaded file.
	Dir string `yaml:"-"`
}

// AgeConfig names the key used for age-encrypted secret files and file
// operations.
type AgeConfig struct {
	Identity   string `yaml:"identity,omitempty"`
	Passphrase string `yaml:"passphrase,omitempty"`
}

// Step is one action call in the script.
type Step struct {
	Name   string         `yaml:"name,omitempty"`
	Action string         `yaml:"action"`
	Host   string         `yaml:"host,omitempty"`
	Params map[string]any `yaml:"params,omitempty"`
	// Register stores the step's output under this name for later steps'
	// templates.
	Register     string `yaml:"register,omitempty"`
	IgnoreErrors bool   `yaml:"ignore_errors,omitempty"`
	// Tags select the step with --tags and --skip-tags.
	Tags []string `yaml:"tags,omitempty"`
}

// Label returns the step name, or the action when the step is unnamed.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Action
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return Config{}, err
	}
	cfg.Dir = abs
	return cfg, nil
}

// Parse decodes a config document and checks it.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports structural problems that would otherwise surface only
// mid-run.
func (c Config) Validate() error {
	for i, s := range c.Steps {
		if strings.TrimSpace(s.Action) == "" {
			return fmt.Errorf("step %d (%s): action is required", i+1, s.Name)
		}
	}
	if err := c.SecretBindings.Validate(); err != nil {
		return err
	}
	for name, ref := range c.Vault {
		if _, _, err := secrets.ParseVaultRef(ref); err != nil {
			return fmt.Errorf("vault reference for %s: %w", name, err)
		}
	}
	return nil
}

// StopOnFailure reports whether the script runs fail-fast. Scripted
// deployments stop at the first failure unless fail_fast is set to false.
func (c Config) StopOnFailure() bool {
	return c.FailFast == nil || *c.FailFast
}

// Path resolves p against the config directory, expanding ~ and
// environment variables first.
func (c Config) Path(p string) string {
	if p == "" {
		return ""
	}
	p = platform.ExpandPath(p)
	if filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// RecordTarget returns where the run's log goes: a file path, or a
// directory in which a per-run file name is chosen. Both are empty when
// recording is disabled.
func (c Config) RecordTarget() (file, dir string) {
	switch {
	case c.Record == RecordNone:
		return "", ""
	case strings.HasSuffix(c.Record, ".json"):
		return c.Path(c.Record), ""
	case c.Record == "":
		return "", c.Path(DefaultRecordDir)
	default:
		return "", c.Path(c.Record)
	}
}

// ReplayPath resolves the replay setting to a log file, or "" when there is
// nothing to replay.
func (c Config) ReplayPath() (string, error) {
	if c.Replay != ReplayLatest {
		return c.Path(c.Replay), nil
	}
	file, dir := c.RecordTarget()
	if file != "" {
		return file, nil
	}
	if dir == "" {
		return "", fmt.Errorf("replay: latest needs recording enabled")
	}
	latest, err := audit.Latest(dir)
	if err != nil {
		return "", err
	}
	return latest, nil
}

// HistoryPath returns the run history database path.
func (c Config) HistoryPath() string {
	if c.History == "" {
		return c.Path(DefaultHistoryPath)
	}
	return c.Path(c.History)
}

// AgeKey resolves the configured age key, letting AUTORUN_AGE_IDENTITY and
// AUTORUN_AGE_PASSPHRASE override the file. It returns nil when no key is
// available.
func (c Config) AgeKey() *ageutil.Key {
	identity := c.Age.Identity
	if identity != "" {
		identity = c.Path(identity)
	}
	return ageutil.Resolve(identity, c.Age.Passphrase)
}

// SecretSources builds the lookup chain: environment, age secret files,
// then vault.
func (c Config) SecretSources() []secrets.Source {
	sources := []secrets.Source{secrets.EnvSource{}}
	if len(c.SecretFiles) > 0 {
		key := c.AgeKey()
		for _, f := range c.SecretFiles {
			sources = append(sources, &secrets.AgeFileSource{Path: c.Path(f), Key: key})
		}
	}
	if v := secrets.NewVaultSourceFromEnv(c.Vault); v != nil {
		sources = append(sources, v)
	}
	return sources
}

// PolicyEngine compiles the inline rules and policy files.
func (c Config) PolicyEngine() (*policy.Engine, error) {
	files := make([]string, len(c.PolicyFiles))
	for i, f := range c.PolicyFiles {
		files[i] = c.Path(f)
	}
	return policy.LoadEngine(c.Policy, files...)
}
