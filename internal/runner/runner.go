// Package runner is the execution context for an autorun script. Every
// action the script issues goes through Execute, which numbers it, checks
// policy, replays it from a previous run's log when possible, injects bound
// secrets, runs the operation and appends a redacted record to the audit
// log. The log is written to disk once, when the run ends.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/atomikpanda/autorun/internal/audit"
	"github.com/atomikpanda/autorun/internal/color"
	"github.com/atomikpanda/autorun/internal/glob"
	"github.com/atomikpanda/autorun/internal/history"
	"github.com/atomikpanda/autorun/internal/operations"
	"github.com/atomikpanda/autorun/internal/platform"
	"github.com/atomikpanda/autorun/internal/policy"
	"github.com/atomikpanda/autorun/internal/secrets"
)

// HostRunner executes an operation on a host other than localhost.
type HostRunner interface {
	Run(ctx context.Context, host, action string, params map[string]any, checkMode bool) (map[string]any, error)
}

// Options are the per-run settings.
type Options struct {
	// Modules, when non-empty, is the allow-list of action names. Entries
	// are globs matched against both the called and the qualified name.
	Modules   []string
	CheckMode bool
	Verbose   bool
	Quiet     bool
	FailFast  bool
	// Record is where the audit log is written at the end of the run. When
	// it is empty and RecordDir is set, a per-run file in RecordDir is used.
	// With both empty the log stays in memory.
	Record    string
	RecordDir string
	// Replay is a previous run's audit log to resume from. A missing file
	// means there is nothing to replay.
	Replay         string
	Secrets        []string
	SecretBindings secrets.Bindings
	BindingWins    bool
	Environment    string
	// Telemetry adds a row to History when the run ends.
	Telemetry bool
	// Tags and SkipTags select the script steps RunSteps executes.
	Tags     []string
	SkipTags []string
}

// Runner is the execution context of one run. It is not safe for
// concurrent use: actions run strictly one after another.
type Runner struct {
	Options

	Registry *operations.Registry
	Store    *secrets.Store
	Policy   *policy.Engine
	Hosts    HostRunner
	History  *history.Store
	// ConfigPath is stored in history rows.
	ConfigPath string
	Logger     *slog.Logger
	Out        io.Writer
	Now        func() time.Time

	runID    string
	log      *audit.Log
	seq      int
	matcher  *audit.Matcher
	injector *secrets.Injector
	redactor *secrets.Redactor
	started  bool
	closed   bool
}

// New creates a Runner with the built-in defaults: output to stdout, a
// discarding logger, the wall clock and an empty secret store.
func New(opts Options, reg *operations.Registry) *Runner {
	return &Runner{
		Options:  opts,
		Registry: reg,
		Store:    secrets.NewStore(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Out:      os.Stdout,
		Now:      time.Now,
	}
}

// Start declares the run's secrets, loads the replay source and opens a new
// audit log.
func (r *Runner) Start(ctx context.Context) error {
	if r.started {
		return nil
	}
	if r.Registry == nil {
		return errors.New("runner: no operation registry")
	}
	if err := r.SecretBindings.Validate(); err != nil {
		return err
	}
	for _, m := range r.Modules {
		if err := glob.Valid(m); err != nil {
			return fmt.Errorf("modules entry %q: %w", m, err)
		}
	}
	if r.Store == nil {
		r.Store = secrets.NewStore()
	}
	r.Store.Declare(ctx, r.Secrets...)
	for name, reason := range r.Store.Unresolved() {
		r.Logger.Debug("secret not loaded", "name", name, "reason", reason)
	}
	r.redactor = secrets.NewRedactor(r.Store)
	r.injector = &secrets.Injector{Bindings: r.SecretBindings, Store: r.Store, BindingWins: r.BindingWins}

	if r.Replay != "" {
		source, err := audit.Load(r.Replay)
		switch {
		case errors.Is(err, os.ErrNotExist):
			r.Logger.Info("no log to replay", "path", r.Replay)
		case err != nil:
			return fmt.Errorf("load replay log: %w", err)
		default:
			r.matcher = audit.NewMatcher(source)
			r.Logger.Info("replay enabled", "path", r.Replay, "replayable", r.matcher.Len())
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	r.runID = id.String()
	r.log = audit.New(r.runID, r.Now(), r.CheckMode)
	if r.Record == "" && r.RecordDir != "" {
		r.Record = audit.RunPath(r.RecordDir, r.runID, r.log.Started)
	}
	r.started = true
	r.Logger.Debug("run started", "run_id", r.runID, "check_mode", r.CheckMode, "secrets", r.Store)
	return nil
}

// RunID returns the identifier of the current run.
func (r *Runner) RunID() string { return r.runID }

// Log returns the in-memory audit log.
func (r *Runner) Log() *audit.Log { return r.log }

// Next returns the sequence number the next action will get.
func (r *Runner) Next() int { return r.seq }

// Execute runs one action. name may be the qualified or the short name; host
// defaults to localhost. Policy rules and secret bindings see every name the
// operation is registered under. Whatever the outcome, the call takes exactly one
// sequence number and appends exactly one record.
//
// With FailFast set, a failed call persists the log before the error is
// returned and every later call fails with ErrClosed.
func (r *Runner) Execute(ctx context.Context, name string, params map[string]any, host string) (map[string]any, error) {
	if !r.started {
		return nil, ErrNotStarted
	}
	if r.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if host == "" {
		host = audit.DefaultHost
	}
	if params == nil {
		params = map[string]any{}
	}

	seq := r.seq
	r.seq++
	start := r.Now()
	rec := audit.ActionRecord{
		Sequence:  seq,
		Module:    name,
		Host:      host,
		Params:    r.redactor.Map(params),
		Timestamp: start,
	}
	if digest, err := audit.Digest(rec.Params); err == nil {
		rec.ParamsDigest = digest
	}

	spec, err := r.resolve(name)
	if err != nil {
		return nil, r.fail(ctx, rec, err, nil)
	}
	rec.Module = spec.Name
	aliases := spec.Aliases

	decision := r.Policy.EvaluateRequest(policy.Request{
		Action:      spec.Name,
		Aliases:     aliases,
		Params:      params,
		Host:        host,
		Environment: r.Environment,
	})
	if decision.Denied {
		err := &PolicyDeniedError{Action: spec.Name, Host: host, Sequence: seq, Reason: decision.Reason, Rule: decision.Rule}
		return nil, r.fail(ctx, rec, err, map[string]any{"msg": decision.Reason, "denied": true})
	}

	if prior, ok := r.matcher.Match(seq, spec.Name); ok {
		if prior.ParamsDigest != "" && rec.ParamsDigest != "" && prior.ParamsDigest != rec.ParamsDigest {
			r.Logger.Warn("replayed action was called with different parameters",
				"sequence", seq, "action", spec.Name, "recorded", prior.ParamsDigest, "current", rec.ParamsDigest)
		}
		out := cachedOutput(prior)
		rec.Success = true
		rec.Changed = prior.Changed
		rec.Replayed = true
		rec.Output = prior.Output
		r.append(rec)
		return out, nil
	}

	injected, err := r.injector.Inject(spec.Name, params, aliases...)
	if err != nil {
		var nl *secrets.NotLoadedError
		if errors.As(err, &nl) {
			err = &SecretNotLoadedError{Action: spec.Name, Secret: nl.Name, Err: nl}
		}
		return nil, r.fail(ctx, rec, err, nil)
	}
	rec.Params = r.redactor.Map(injected)

	out, runErr := r.invoke(ctx, spec, host, injected)
	rec.Duration = r.Now().Sub(start).Seconds()
	if runErr != nil {
		execErr := &ActionExecutionError{Action: spec.Name, Host: host, Sequence: seq, Message: r.redactor.String(runErr.Error()), Err: runErr}
		var f *operations.Failure
		if errors.As(runErr, &f) {
			execErr.Fields = f.Fields
			execErr.Output = f.Output
		}
		if execErr.Output == nil && out != nil {
			execErr.Output = out
		}
		recorded := map[string]any{"msg": execErr.Message, "failed": true}
		for k, v := range execErr.Output {
			recorded[k] = v
		}
		if len(execErr.Fields) > 0 {
			recorded["fields"] = execErr.Fields
		}
		return execErr.Output, r.fail(ctx, rec, execErr, recorded)
	}

	rec.Success = true
	rec.Changed = operations.Changed(out)
	rec.Output = r.redactor.Map(out)
	r.append(rec)
	return out, nil
}

func (r *Runner) resolve(name string) (*operations.Spec, error) {
	spec, ok := r.Registry.Lookup(name)
	if !ok {
		return nil, &UnknownActionError{Name: name}
	}
	if len(r.Modules) == 0 {
		return spec, nil
	}
	for _, pattern := range r.Modules {
		if glob.Match(pattern, name) || glob.Match(pattern, spec.Name) {
			return spec, nil
		}
	}
	return nil, &UnknownActionError{Name: name, Reason: "not in the modules allow-list"}
}

func (r *Runner) invoke(ctx context.Context, spec *operations.Spec, host string, params map[string]any) (map[string]any, error) {
	if platform.IsLocal(host) {
		return spec.Run(ctx, params, r.CheckMode)
	}
	if r.Hosts == nil {
		return nil, fmt.Errorf("no transport configured for host %s", host)
	}
	if err := spec.Validate(params); err != nil {
		return nil, err
	}
	out, err := r.Hosts.Run(ctx, host, spec.Name, params, r.CheckMode)
	if err == nil && out != nil {
		if _, ok := out["changed"].(bool); !ok {
			out["changed"] = false
		}
	}
	return out, err
}

// fail records a failed call and applies fail-fast.
func (r *Runner) fail(ctx context.Context, rec audit.ActionRecord, err error, output map[string]any) error {
	msg := r.redactor.String(err.Error())
	if output == nil {
		output = map[string]any{"msg": msg}
	}
	rec.Success = false
	rec.Changed = false
	rec.Output = r.redactor.Map(output)
	r.append(rec)
	r.log.AddError(audit.ErrorSummary{
		Sequence: rec.Sequence,
		Module:   rec.Module,
		Host:     rec.Host,
		Kind:     errorKind(err),
		Message:  msg,
	})
	r.Logger.Debug("action failed", "sequence", rec.Sequence, "action", rec.Module, "err", msg)

	if r.FailFast {
		if cerr := r.Close(context.WithoutCancel(ctx)); cerr != nil {
			return errors.Join(err, cerr)
		}
	}
	return err
}

func (r *Runner) append(rec audit.ActionRecord) {
	// Sequence numbers come from r.seq, so Append cannot reject them.
	if err := r.log.Append(rec); err != nil {
		panic(err)
	}
	r.report(rec)
}

func (r *Runner) report(rec audit.ActionRecord) {
	if r.Quiet {
		return
	}
	status := rec.Outcome()
	if out, ok := rec.Output.(map[string]any); ok && out["denied"] == true {
		status = "denied"
	}
	line := fmt.Sprintf("  -> %s %s", color.Outcome(status), rec.Module)
	if rec.Host != audit.DefaultHost {
		line += " @" + rec.Host
	}
	if r.Verbose {
		params, _ := json.Marshal(rec.Params)
		line += color.Dim(fmt.Sprintf(" (%.2fs) %s", rec.Duration, params))
	}
	fmt.Fprintln(r.Out, line)
	if !rec.Success {
		if out, ok := rec.Output.(map[string]any); ok {
			fmt.Fprintf(r.Out, "     %s\n", color.Red(fmt.Sprint(out["msg"])))
		}
	}
}

// AddError records a failure that is not tied to a single action.
func (r *Runner) AddError(kind string, err error) {
	if r.log == nil || r.closed {
		return
	}
	r.log.AddError(audit.ErrorSummary{Sequence: -1, Kind: kind, Message: r.redactor.String(err.Error())})
}

// Close finishes the log and writes it to Record. Only the first call
// writes; later calls return nil.
func (r *Runner) Close(ctx context.Context) error {
	if !r.started || r.closed {
		return nil
	}
	r.closed = true
	r.log.Finish(r.Now())

	var errs []error
	if r.Record != "" {
		if err := audit.Save(r.Record, r.log); err != nil {
			errs = append(errs, fmt.Errorf("persist audit log: %w", err))
		} else {
			r.Logger.Info("audit log written", "path", r.Record, "actions", len(r.log.Actions))
		}
	}
	if r.Telemetry && r.History != nil {
		if err := r.History.Record(ctx, history.FromLog(r.log, r.ConfigPath, r.Record)); err != nil {
			errs = append(errs, fmt.Errorf("record run history: %w", err))
		}
	}
	if c, ok := r.Hosts.(io.Closer); ok {
		if err := c.Close(); err != nil {
			r.Logger.Warn("closing host connections", "err", err)
		}
	}
	if !r.Quiet {
		total, replayed, failed := r.log.Counts()
		summary := fmt.Sprintf("\n%d actions, %d replayed, %d failed", total, replayed, failed)
		if failed > 0 {
			summary = color.BoldRed(summary)
		} else {
			summary = color.BoldGreen(summary)
		}
		fmt.Fprintln(r.Out, summary)
	}
	return errors.Join(errs...)
}

// Run starts the runner, calls fn and persists the log on every exit path:
// normal return, error, cancellation and panic. A panic is recorded and
// then re-raised after the log is written.
func (r *Runner) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := r.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			r.AddError(KindPanic, fmt.Errorf("panic: %v", p))
			r.Close(context.WithoutCancel(ctx))
			panic(p)
		}
		if cerr := ctx.Err(); cerr != nil {
			r.AddError(KindInterrupted, cerr)
		}
		if cerr := r.Close(context.WithoutCancel(ctx)); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(ctx)
}

func cachedOutput(rec audit.ActionRecord) map[string]any {
	if m, ok := rec.Output.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	return map[string]any{"changed": rec.Changed, "value": rec.Output}
}
