package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/atomikpanda/autorun/internal/ageutil"
	"github.com/atomikpanda/autorun/internal/audit"
	"github.com/atomikpanda/autorun/internal/color"
	"github.com/atomikpanda/autorun/internal/config"
	"github.com/atomikpanda/autorun/internal/history"
	"github.com/atomikpanda/autorun/internal/operations"
	"github.com/atomikpanda/autorun/internal/platform"
	"github.com/atomikpanda/autorun/internal/policy"
	"github.com/atomikpanda/autorun/internal/remote"
	"github.com/atomikpanda/autorun/internal/runner"
	"github.com/atomikpanda/autorun/internal/secrets"
	"github.com/atomikpanda/autorun/internal/tags"
)

var (
	configFile string
	checkMode  bool
	verbose    bool
	quiet      bool
)

// errDenied makes `policy check` exit non-zero without cobra printing a
// second message.
var errDenied = errors.New("denied")

func main() {
	color.Init()
	root := buildRoot()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "autorun",
		Short: "Run idempotent infrastructure actions with replay and an audit log",
		Long: `autorun executes the steps of a YAML script one action at a time. Every
action is checked against policy, can be replayed from a previous run's
audit log, gets its bound secrets injected and is recorded with secrets
redacted.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "autorun.yaml", "path to config file")
	root.PersistentFlags().BoolVar(&checkMode, "check", false, "report what would change without changing anything")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show durations, parameters and debug logs")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress output")

	root.AddCommand(
		runCmd(),
		watchCmd(),
		showCmd(),
		logCmd(),
		policyCmd(),
		secretsCmd(),
		modulesCmd(),
		gateCmd(),
		platformCmd(),
	)

	return root
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config %q: %w", configFile, err)
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newRunner wires a runner from cfg. The returned cleanup closes the
// history database, if one was opened.
func newRunner(cfg config.Config) (*runner.Runner, func(), error) {
	engine, err := cfg.PolicyEngine()
	if err != nil {
		return nil, nil, err
	}
	replay, err := cfg.ReplayPath()
	if err != nil {
		return nil, nil, err
	}
	record, recordDir := cfg.RecordTarget()

	opts := runner.Options{
		Modules:        cfg.Modules,
		CheckMode:      cfg.CheckMode || checkMode,
		Verbose:        cfg.Verbose || verbose,
		Quiet:          cfg.Quiet || quiet,
		FailFast:       cfg.StopOnFailure(),
		Record:         record,
		RecordDir:      recordDir,
		Replay:         replay,
		Secrets:        cfg.Secrets,
		SecretBindings: cfg.SecretBindings,
		BindingWins:    cfg.BindingWins,
		Environment:    cfg.Environment,
		Telemetry:      cfg.Telemetry,
	}

	r := runner.New(opts, operations.Builtins(operations.Options{AgeKey: cfg.AgeKey()}))
	r.Store = secrets.NewStore(cfg.SecretSources()...)
	r.Policy = engine
	r.Hosts = &remote.SSH{}
	r.Logger = newLogger()
	r.ConfigPath, _ = filepath.Abs(configFile)

	cleanup := func() {}
	if opts.Telemetry {
		hist, err := history.Open(cfg.HistoryPath())
		if err != nil {
			return nil, nil, err
		}
		r.History = hist
		cleanup = func() { hist.Close() }
	}
	return r, cleanup, nil
}

// signalContext cancels the returned context on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// --- run ---------------------------------------------------------------------

type runFlags struct {
	replay   string
	record   string
	env      string
	failFast bool
	tags     string
	skipTags string
}

func (f runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("replay") {
		cfg.Replay = f.replay
	}
	if cmd.Flags().Changed("record") {
		cfg.Record = f.record
	}
	if cmd.Flags().Changed("env") {
		cfg.Environment = f.env
	}
	if cmd.Flags().Changed("fail-fast") {
		failFast := f.failFast
		cfg.FailFast = &failFast
	}
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.replay, "replay", "", `audit log to resume from, or "latest"`)
	cmd.Flags().StringVar(&f.record, "record", "", `directory or .json file for the audit log, or "none"`)
	cmd.Flags().StringVar(&f.env, "env", "", "deployment environment seen by policy and templates")
	cmd.Flags().BoolVar(&f.failFast, "fail-fast", true, "stop the run at the first failed action (--fail-fast=false to keep going)")
	cmd.Flags().StringVar(&f.tags, "tags", "", "only run steps with one of these comma-separated tags")
	cmd.Flags().StringVar(&f.skipTags, "skip-tags", "", "skip steps with any of these comma-separated tags")
}

func runOnce(ctx context.Context, cfg config.Config, flags runFlags) error {
	r, cleanup, err := newRunner(cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	r.Tags = tags.Split(flags.tags)
	r.SkipTags = tags.Split(flags.skipTags)

	err = r.Run(ctx, func(ctx context.Context) error {
		return r.RunSteps(ctx, cfg.Steps)
	})
	if r.Record != "" && !r.Quiet {
		fmt.Printf("log: %s\n", r.Record)
	}
	return err
}

func runCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the steps in the config file",
		Example: `  autorun run
  autorun run --replay latest
  autorun run --check --env staging
  autorun run --tags db --skip-tags slow
  autorun run --record none`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags.apply(cmd, &cfg)

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runOnce(ctx, cfg, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

// --- watch -------------------------------------------------------------------

const watchDebounce = 300 * time.Millisecond

func watchCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the steps now and again whenever the config file changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			abs, err := filepath.Abs(configFile)
			if err != nil {
				return err
			}
			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return err
			}
			defer watcher.Close()
			// Editors replace files on save, so watch the directory.
			if err := watcher.Add(filepath.Dir(abs)); err != nil {
				return err
			}

			runFromDisk := func() {
				cfg, err := loadConfig()
				if err != nil {
					fmt.Fprintln(os.Stderr, color.BoldRed(err.Error()))
					return
				}
				flags.apply(cmd, &cfg)
				if err := runOnce(ctx, cfg, flags); err != nil && ctx.Err() == nil {
					fmt.Fprintln(os.Stderr, color.BoldRed(err.Error()))
				}
			}
			runFromDisk()

			debounce := time.NewTimer(watchDebounce)
			debounce.Stop()
			defer debounce.Stop()

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-debounce.C:
					fmt.Println(color.Cyan("\nconfig changed, running again"))
					runFromDisk()
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if filepath.Clean(event.Name) != abs || !event.Has(fsnotify.Write|fsnotify.Create) {
						continue
					}
					debounce.Reset(watchDebounce)
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					fmt.Fprintln(os.Stderr, color.Yellow("watch: "+err.Error()))
				}
			}
		},
	}
	flags.register(cmd)
	return cmd
}

// --- show --------------------------------------------------------------------

func showCmd() *cobra.Command {
	var moduleFilter string
	var limit int

	cmd := &cobra.Command{
		Use:   "show [log.json]",
		Short: "Print the actions recorded in an audit log (default: the latest run)",
		Example: `  autorun show
  autorun show .autorun/runs/20260101T120000Z-0190a1b2.json
  autorun show --module builtin.command`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				cfg.Replay = config.ReplayLatest
				if path, err = cfg.ReplayPath(); err != nil {
					return err
				}
				if path == "" {
					fmt.Println("(no recorded runs)")
					return nil
				}
			}

			l, err := audit.Load(path)
			if err != nil {
				return fmt.Errorf("read audit log: %w", err)
			}
			printLog(l, moduleFilter, limit)
			fmt.Printf("\nlog: %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&moduleFilter, "module", "", "only show actions of this module")
	cmd.Flags().IntVar(&limit, "limit", 0, "show at most this many actions")
	return cmd
}

func printLog(l *audit.Log, moduleFilter string, limit int) {
	status := color.BoldGreen("success")
	if !l.Success {
		status = color.BoldRed("failure")
	}
	mode := ""
	if l.CheckMode {
		mode = color.Dim(" (check mode)")
	}
	fmt.Printf("run %s  %s  %s%s\n\n", l.RunID, l.Started.Local().Format(time.DateTime), status, mode)

	fmt.Println(color.Bold(fmt.Sprintf("%-4s  %-30s  %-12s  %-8s  %8s", "SEQ", "MODULE", "HOST", "OUTCOME", "DURATION")))
	fmt.Println(color.Dim(repeatStr("-", 72)))
	for _, a := range l.Filter(moduleFilter, limit) {
		outcome := color.Outcome(a.Outcome())
		fmt.Printf("%-4d  %-30s  %-12s  %s  %7.2fs\n", a.Sequence, a.Module, a.Host, outcome, a.Duration)
	}

	if len(l.Errors) > 0 {
		fmt.Println(color.Bold("\nerrors:"))
		for _, e := range l.Errors {
			where := ""
			if e.Sequence >= 0 {
				where = fmt.Sprintf(" #%d %s@%s", e.Sequence, e.Module, e.Host)
			}
			fmt.Printf("  %s%s: %s\n", color.Red(e.Kind), where, e.Message)
		}
	}
}

// --- log ---------------------------------------------------------------------

func logCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the run history (requires telemetry: true)",
		Example: `  autorun log
  autorun log --limit 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := cfg.HistoryPath()
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				fmt.Println("(no run history)")
				return nil
			}
			store, err := history.Open(path)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.List(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("read run history: %w", err)
			}
			if len(runs) == 0 {
				fmt.Println("(no run history)")
				return nil
			}

			fmt.Println(color.Bold(fmt.Sprintf("%-20s  %-8s  %7s  %8s  %6s  %s",
				"STARTED", "OUTCOME", "ACTIONS", "REPLAYED", "FAILED", "LOG")))
			fmt.Println(color.Dim(repeatStr("-", 90)))
			for _, run := range runs {
				outcome := color.Outcome("ok")
				if !run.Success {
					outcome = color.Outcome("failed")
				}
				fmt.Printf("%-20s  %s  %7d  %8d  %6d  %s\n",
					run.Started.Local().Format(time.DateTime), outcome,
					run.Actions, run.Replayed, run.Failed, run.AuditPath)
			}
			fmt.Printf("\nhistory: %s\n", path)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to show")
	return cmd
}

// --- policy ------------------------------------------------------------------

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the policy rules",
	}

	var host, env string
	var params []string
	check := &cobra.Command{
		Use:   "check <action>",
		Short: "Evaluate the policy for one action without running it",
		Example: `  autorun policy check builtin.command --host web01
  autorun policy check community.postgresql.postgresql_db --env production --param name=app`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			engine, err := cfg.PolicyEngine()
			if err != nil {
				return err
			}
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			if env == "" {
				env = cfg.Environment
			}

			reg := operations.Builtins(operations.Options{AgeKey: cfg.AgeKey()})
			res := engine.EvaluateRequest(policyRequest(reg, args[0], p, host, env))
			if !res.Denied {
				fmt.Println(color.BoldGreen("permitted"))
				return nil
			}
			fmt.Printf("%s by rule %d (%s): %s\n", color.BoldRed("denied"), res.Index, res.Rule.Describe(), res.Reason)
			cmd.SilenceErrors = true
			return errDenied
		},
	}
	check.Flags().StringVar(&host, "host", audit.DefaultHost, "target host")
	check.Flags().StringVar(&env, "env", "", "deployment environment (default: the config's)")
	check.Flags().StringArrayVar(&params, "param", nil, "parameter as key=value (repeatable)")

	list := &cobra.Command{
		Use:   "list",
		Short: "Print the rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			engine, err := cfg.PolicyEngine()
			if err != nil {
				return err
			}
			rules := engine.Rules()
			if len(rules) == 0 {
				fmt.Println("(no rules)")
				return nil
			}
			for i, r := range rules {
				decision := fmt.Sprintf("%-5s", r.Decision)
				if r.Decision == policy.Deny {
					decision = color.Red(decision)
				}
				fmt.Printf("%3d  %s  %s", i, decision, r.Describe())
				if r.Reason != "" {
					fmt.Printf("  %s", color.Dim(r.Reason))
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.AddCommand(check, list)
	return cmd
}

// policyRequest names the action the way the runner does: the qualified
// name plus its aliases when reg knows it, the raw name otherwise.
func policyRequest(reg *operations.Registry, name string, params map[string]any, host, env string) policy.Request {
	req := policy.Request{Action: name, Params: params, Host: host, Environment: env}
	if spec, ok := reg.Lookup(name); ok {
		req.Action = spec.Name
		req.Aliases = spec.Aliases
	}
	return req
}

// parseParams turns key=value pairs into a parameter map.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q: want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

// --- secrets -----------------------------------------------------------------

func secretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Encrypt and decrypt age secret files",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "encrypt <file>",
			Short: "Encrypt a file with the configured age key (writes <file>.age)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := keyFromConfig()
				if err != nil {
					return err
				}
				src := args[0]
				dst := ageutil.EncryptedPath(src)
				fmt.Printf("encrypting %s -> %s\n", src, dst)
				return key.EncryptFile(src, dst)
			},
		},
		&cobra.Command{
			Use:   "decrypt <file.age>",
			Short: "Decrypt an age-encrypted file (writes without the .age extension)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := keyFromConfig()
				if err != nil {
					return err
				}
				src := args[0]
				dst := strings.TrimSuffix(src, ".age")
				if dst == src {
					return fmt.Errorf("%s: expected a .age file", src)
				}
				fmt.Printf("decrypting %s -> %s\n", src, dst)
				return key.DecryptFile(src, dst)
			},
		},
	)
	return cmd
}

// keyFromConfig returns the configured age key, asking for a passphrase
// when neither the config nor the environment provides one.
func keyFromConfig() (*ageutil.Key, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if key := cfg.AgeKey(); key != nil {
		return key, nil
	}

	var passphrase string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("age passphrase").
			Description(fmt.Sprintf("no key in %s or %s", configFile, ageutil.EnvPassphrase)).
			EchoMode(huh.EchoModePassword).
			Value(&passphrase),
	))
	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	if passphrase == "" {
		return nil, fmt.Errorf("no age key configured; set age.identity or age.passphrase in %s, or set %s / %s",
			configFile, ageutil.EnvIdentity, ageutil.EnvPassphrase)
	}
	return ageutil.Resolve("", passphrase), nil
}

// --- modules -----------------------------------------------------------------

func modulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List the operations this binary can run",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := operations.Builtins(operations.Options{})
			fmt.Println(color.Bold(fmt.Sprintf("%-24s  %-12s  %s", "NAME", "ALIASES", "SUMMARY")))
			fmt.Println(color.Dim(repeatStr("-", 72)))
			for _, s := range reg.Specs() {
				fmt.Printf("%-24s  %-12s  %s\n", s.Name, strings.Join(s.Aliases, ","), s.Summary)
			}
			return nil
		},
	}
}

// --- gate --------------------------------------------------------------------

func gateCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "gate",
		Short:  "Serve operations over stdin/stdout for a remote controller",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			// stdout carries frames, so logs go to stderr.
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			if verbose {
				logger = newLogger()
			}
			key := ageutil.Resolve("", "")
			gate := &remote.Gate{
				Registry: operations.Builtins(operations.Options{AgeKey: key}),
				Logger:   logger,
			}
			return gate.Serve(ctx, os.Stdin, os.Stdout)
		},
	}
}

// --- platform ----------------------------------------------------------------

func platformCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "platform",
		Short: "Print the detected OS, architecture and hostname",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(platform.Detect())
		},
	}
}

// repeatStr returns s repeated n times.
func repeatStr(s string, n int) string {
	return strings.Repeat(s, n)
}
