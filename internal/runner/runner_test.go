package runner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/atomikpanda/autorun/internal/audit"
	"github.com/atomikpanda/autorun/internal/history"
	"github.com/atomikpanda/autorun/internal/operations"
	"github.com/atomikpanda/autorun/internal/policy"
	"github.com/atomikpanda/autorun/internal/secrets"
)

type mockOp struct {
	mock.Mock
}

func (m *mockOp) Run(_ context.Context, params map[string]any, checkMode bool) (map[string]any, error) {
	args := m.Called(params, checkMode)
	out, _ := args.Get(0).(map[string]any)
	return out, args.Error(1)
}

type mockHosts struct {
	mock.Mock
}

func (m *mockHosts) Run(_ context.Context, host, action string, params map[string]any, checkMode bool) (map[string]any, error) {
	args := m.Called(host, action, params, checkMode)
	out, _ := args.Get(0).(map[string]any)
	return out, args.Error(1)
}

// echo returns its parameters as output and reports changed.
var echo = operations.Func(func(_ context.Context, params map[string]any, _ bool) (map[string]any, error) {
	out := map[string]any{"changed": true}
	for k, v := range params {
		out[k] = v
	}
	return out, nil
})

func fixedClock() func() time.Time {
	t := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time {
		t = t.Add(500 * time.Millisecond)
		return t
	}
}

func newTestRunner(t *testing.T, opts Options, reg *operations.Registry) *Runner {
	t.Helper()
	r := New(opts, reg)
	r.Out = &bytes.Buffer{}
	r.Now = fixedClock()
	return r
}

func started(t *testing.T, r *Runner) *Runner {
	t.Helper()
	require.NoError(t, r.Start(context.Background()))
	return r
}

func registryWith(specs ...operations.Spec) *operations.Registry {
	reg := operations.NewRegistry()
	for _, s := range specs {
		reg.MustRegister(s)
	}
	return reg
}

func TestExecuteRecordsSuccess(t *testing.T) {
	reg := registryWith(operations.Spec{Name: "builtin.file", Aliases: []string{"file"}, Op: echo})
	r := started(t, newTestRunner(t, Options{}, reg))

	out, err := r.Execute(context.Background(), "file", map[string]any{"path": "/etc/motd"}, "")
	require.NoError(t, err)
	assert.Equal(t, "/etc/motd", out["path"])

	require.Len(t, r.Log().Actions, 1)
	rec := r.Log().Actions[0]
	assert.Equal(t, 0, rec.Sequence)
	assert.Equal(t, "builtin.file", rec.Module)
	assert.Equal(t, audit.DefaultHost, rec.Host)
	assert.True(t, rec.Success)
	assert.True(t, rec.Changed)
	assert.False(t, rec.Replayed)
	assert.InDelta(t, 0.5, rec.Duration, 1e-9)
	assert.NotEmpty(t, rec.ParamsDigest)
	assert.Equal(t, 1, r.Next())
}

func TestExecuteBeforeStart(t *testing.T) {
	r := newTestRunner(t, Options{}, registryWith())
	_, err := r.Execute(context.Background(), "x", nil, "")
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestUnknownActionConsumesSequence(t *testing.T) {
	reg := registryWith(
		operations.Spec{Name: "builtin.file", Aliases: []string{"file"}, Op: echo},
		operations.Spec{Name: "builtin.command", Aliases: []string{"command"}, Op: echo},
	)
	r := started(t, newTestRunner(t, Options{Modules: []string{"builtin.file"}}, reg))

	_, err := r.Execute(context.Background(), "nope", nil, "")
	assert.True(t, IsUnknownAction(err))

	_, err = r.Execute(context.Background(), "command", nil, "")
	var ua *UnknownActionError
	require.True(t, errors.As(err, &ua))
	assert.Contains(t, ua.Reason, "allow-list")

	_, err = r.Execute(context.Background(), "file", nil, "")
	require.NoError(t, err)

	l := r.Log()
	require.Len(t, l.Actions, 3)
	assert.False(t, l.Actions[0].Success)
	assert.False(t, l.Actions[1].Success)
	assert.True(t, l.Actions[2].Success)
	require.Len(t, l.Errors, 2)
	assert.Equal(t, KindUnknownAction, l.Errors[0].Kind)
	assert.False(t, l.Success)
}

func TestPolicyPrecedence(t *testing.T) {
	engine, err := policy.NewEngine([]policy.Rule{
		{Decision: policy.Deny, Match: map[string]string{"host": "web*"}, Reason: "no changes on web tier"},
		{Decision: policy.Allow, Match: map[string]string{"action": "*"}},
	})
	require.NoError(t, err)

	op := &mockOp{}
	hosts := &mockHosts{}
	hosts.On("Run", "db01", "builtin.file", map[string]any{}, false).Return(map[string]any{"changed": false}, nil)
	reg := registryWith(operations.Spec{Name: "builtin.file", Aliases: []string{"file"}, Op: op})
	r := newTestRunner(t, Options{}, reg)
	r.Policy = engine
	r.Hosts = hosts
	started(t, r)

	_, err = r.Execute(context.Background(), "file", map[string]any{}, "web01")
	var denied *PolicyDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "no changes on web tier", denied.Reason)
	assert.Equal(t, 0, denied.Sequence)

	_, err = r.Execute(context.Background(), "file", map[string]any{}, "db01")
	require.NoError(t, err)

	op.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
	hosts.AssertExpectations(t)
	l := r.Log()
	require.Len(t, l.Actions, 2)
	assert.Equal(t, "no changes on web tier", l.Actions[0].Output.(map[string]any)["msg"])
	assert.Equal(t, KindPolicyDenied, l.Errors[0].Kind)
	assert.Equal(t, "db01", l.Actions[1].Host)
}

func TestPolicyMatchesCalledName(t *testing.T) {
	engine, err := policy.NewEngine([]policy.Rule{
		{Decision: policy.Deny, Match: map[string]string{"action": "command"}, Reason: "no shell"},
	})
	require.NoError(t, err)

	op := &mockOp{}
	reg := registryWith(operations.Spec{Name: "builtin.command", Aliases: []string{"command"}, Op: op})
	r := newTestRunner(t, Options{}, reg)
	r.Policy = engine
	started(t, r)

	for _, name := range []string{"command", "builtin.command"} {
		_, err := r.Execute(context.Background(), name, map[string]any{"cmd": "id"}, "")
		var denied *PolicyDeniedError
		require.True(t, errors.As(err, &denied), "called as %q", name)
		assert.Equal(t, "builtin.command", denied.Action)
	}
	op.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestExecutionFailureContinues(t *testing.T) {
	op := &mockOp{}
	op.On("Run", map[string]any{"n": 1}, false).Return(nil, &operations.Failure{
		Msg: "exit 3", Fields: map[string]any{"rc": 3}, Output: map[string]any{"stdout": "half"},
	})
	op.On("Run", map[string]any{"n": 2}, false).Return(map[string]any{"changed": false}, nil)
	reg := registryWith(operations.Spec{Name: "test.op", Op: op})
	r := started(t, newTestRunner(t, Options{}, reg))

	out, err := r.Execute(context.Background(), "test.op", map[string]any{"n": 1}, "")
	var ee *ActionExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "exit 3", ee.Message)
	assert.Equal(t, "half", out["stdout"])
	assert.Equal(t, 3, ee.Fields["rc"])

	_, err = r.Execute(context.Background(), "test.op", map[string]any{"n": 2}, "")
	require.NoError(t, err)

	l := r.Log()
	require.Len(t, l.Actions, 2)
	failed := l.Actions[0].Output.(map[string]any)
	assert.Equal(t, true, failed["failed"])
	assert.Equal(t, "half", failed["stdout"])
	assert.False(t, l.Success)
	op.AssertExpectations(t)
}

func TestFailFastThenReplay(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.json")
	ctx := context.Background()

	var calls []string
	bFails := true
	mk := func(name string) operations.Spec {
		return operations.Spec{Name: "test." + name, Aliases: []string{name}, Op: operations.Func(
			func(_ context.Context, params map[string]any, _ bool) (map[string]any, error) {
				calls = append(calls, name)
				if name == "b" && bFails {
					return nil, operations.Failf("b is broken")
				}
				return map[string]any{"changed": true, "step": name}, nil
			})}
	}
	reg := registryWith(mk("a"), mk("b"), mk("c"))

	script := func(r *Runner) error {
		return r.Run(ctx, func(ctx context.Context) error {
			for _, name := range []string{"a", "b", "c"} {
				if _, err := r.Execute(ctx, name, map[string]any{"x": name}, ""); err != nil {
					return err
				}
			}
			return nil
		})
	}

	r1 := newTestRunner(t, Options{FailFast: true, Record: first}, reg)
	err := script(r1)
	require.True(t, IsExecutionFailure(err))
	assert.Equal(t, []string{"a", "b"}, calls)

	saved, err := audit.Load(first)
	require.NoError(t, err)
	require.Len(t, saved.Actions, 2)
	assert.False(t, saved.Success)
	assert.True(t, saved.Actions[0].Success)
	assert.False(t, saved.Actions[1].Success)

	_, err = r1.Execute(ctx, "c", nil, "")
	assert.ErrorIs(t, err, ErrClosed)

	calls = nil
	bFails = false
	second := filepath.Join(dir, "second.json")
	r2 := newTestRunner(t, Options{FailFast: true, Record: second, Replay: first}, reg)
	require.NoError(t, script(r2))
	assert.Equal(t, []string{"b", "c"}, calls)

	saved, err = audit.Load(second)
	require.NoError(t, err)
	require.Len(t, saved.Actions, 3)
	assert.True(t, saved.Actions[0].Replayed)
	assert.Equal(t, 0.0, saved.Actions[0].Duration)
	assert.Equal(t, map[string]any{"changed": true, "step": "a"}, saved.Actions[0].Output)
	assert.False(t, saved.Actions[1].Replayed)
	assert.False(t, saved.Actions[2].Replayed)
	assert.True(t, saved.Success)
}

func TestReplayIgnoresParameters(t *testing.T) {
	dir := t.TempDir()
	prior := audit.New("prior", time.Now(), false)
	digest, _ := audit.Digest(map[string]any{"path": "/old"})
	require.NoError(t, prior.Append(audit.ActionRecord{
		Sequence: 0, Module: "builtin.file", Params: map[string]any{"path": "/old"},
		Success: true, Changed: true, Output: map[string]any{"changed": true, "path": "/old"}, ParamsDigest: digest,
	}))
	require.NoError(t, audit.Save(filepath.Join(dir, "prior.json"), prior))

	op := &mockOp{}
	reg := registryWith(operations.Spec{Name: "builtin.file", Aliases: []string{"file"}, Op: op})
	var logs bytes.Buffer
	r := newTestRunner(t, Options{Replay: filepath.Join(dir, "prior.json")}, reg)
	r.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	started(t, r)

	out, err := r.Execute(context.Background(), "file", map[string]any{"path": "/new"}, "")
	require.NoError(t, err)
	assert.Equal(t, "/old", out["path"])
	assert.True(t, r.Log().Actions[0].Replayed)
	assert.Equal(t, "/new", r.Log().Actions[0].Params["path"])
	assert.Contains(t, logs.String(), "different parameters")
	op.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestReplayMissDisablesReplay(t *testing.T) {
	dir := t.TempDir()
	prior := audit.New("prior", time.Now(), false)
	for i, name := range []string{"test.a", "test.b", "test.a"} {
		require.NoError(t, prior.Append(audit.ActionRecord{Sequence: i, Module: name, Success: true, Output: map[string]any{"changed": false}}))
	}
	path := filepath.Join(dir, "prior.json")
	require.NoError(t, audit.Save(path, prior))

	reg := registryWith(
		operations.Spec{Name: "test.a", Op: echo},
		operations.Spec{Name: "test.b", Op: echo},
		operations.Spec{Name: "test.c", Op: echo},
	)
	r := started(t, newTestRunner(t, Options{Replay: path}, reg))
	for _, name := range []string{"test.a", "test.c", "test.a"} {
		_, err := r.Execute(context.Background(), name, nil, "")
		require.NoError(t, err)
	}
	acts := r.Log().Actions
	assert.True(t, acts[0].Replayed)
	assert.False(t, acts[1].Replayed)
	assert.False(t, acts[2].Replayed, "replay must stay off after the first miss")
}

func TestReplayMissingFileRunsFresh(t *testing.T) {
	reg := registryWith(operations.Spec{Name: "test.a", Op: echo})
	r := started(t, newTestRunner(t, Options{Replay: filepath.Join(t.TempDir(), "absent.json")}, reg))
	_, err := r.Execute(context.Background(), "test.a", nil, "")
	require.NoError(t, err)
	assert.False(t, r.Log().Actions[0].Replayed)
}

func TestSecretInjectionAndRedaction(t *testing.T) {
	const secret = "hunter2-very-secret"
	reg := registryWith(operations.Spec{Name: "community.postgresql.user", Op: echo})
	r := newTestRunner(t, Options{
		Secrets: []string{"pg_password"},
		SecretBindings: secrets.Bindings{
			{Pattern: "community.postgresql.*", Params: map[string]string{"login_password": "pg_password"}},
		},
		Record: filepath.Join(t.TempDir(), "run.json"),
	}, reg)
	r.Store = secrets.NewStore(secrets.MapSource{"pg_password": secret})

	err := r.Run(context.Background(), func(ctx context.Context) error {
		out, err := r.Execute(ctx, "community.postgresql.user", map[string]any{
			"name": "app",
			"dsn":  "postgres://app:" + secret + "@db/app",
		}, "")
		if err != nil {
			return err
		}
		assert.Equal(t, secret, out["login_password"], "the operation sees the real value")
		return nil
	})
	require.NoError(t, err)

	rec := r.Log().Actions[0]
	assert.Equal(t, secrets.Marker, rec.Params["login_password"])
	assert.Equal(t, "postgres://app:"+secrets.Marker+"@db/app", rec.Params["dsn"])

	data, err := os.ReadFile(r.Record)
	require.NoError(t, err)
	assert.NotContains(t, string(data), secret)
	assert.Contains(t, string(data), secrets.Marker)
}

func TestSecretBindingMatchesCalledName(t *testing.T) {
	reg := registryWith(operations.Spec{Name: "builtin.uri", Aliases: []string{"uri"}, Op: echo})
	r := newTestRunner(t, Options{
		Secrets:        []string{"api_token"},
		SecretBindings: secrets.Bindings{{Pattern: "uri", Params: map[string]string{"token": "api_token"}}},
	}, reg)
	r.Store = secrets.NewStore(secrets.MapSource{"api_token": "t0ken"})
	started(t, r)

	out, err := r.Execute(context.Background(), "uri", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "t0ken", out["token"])
	assert.Equal(t, secrets.Marker, r.Log().Actions[0].Params["token"])
}

func TestSecretNotLoaded(t *testing.T) {
	reg := registryWith(operations.Spec{Name: "amazon.aws.ec2_instance", Op: echo})
	r := newTestRunner(t, Options{
		Secrets:        []string{"aws_secret"},
		SecretBindings: secrets.Bindings{{Pattern: "amazon.aws.*", Params: map[string]string{"aws_secret_key": "aws_secret"}}},
	}, reg)
	r.Store = secrets.NewStore(secrets.MapSource{})
	started(t, r)

	_, err := r.Execute(context.Background(), "amazon.aws.ec2_instance", nil, "")
	var snl *SecretNotLoadedError
	require.True(t, errors.As(err, &snl))
	assert.Equal(t, "aws_secret", snl.Secret)
	assert.Equal(t, KindSecretNotLoaded, r.Log().Errors[0].Kind)

	out, err := r.Execute(context.Background(), "amazon.aws.ec2_instance", map[string]any{"aws_secret_key": "explicit"}, "")
	require.NoError(t, err, "an explicit parameter needs no binding")
	assert.Equal(t, "explicit", out["aws_secret_key"])
}

func TestCheckModePassedThrough(t *testing.T) {
	op := &mockOp{}
	op.On("Run", map[string]any{}, true).Return(map[string]any{"changed": true}, nil)
	reg := registryWith(operations.Spec{Name: "test.op", Op: op})
	r := started(t, newTestRunner(t, Options{CheckMode: true}, reg))
	_, err := r.Execute(context.Background(), "test.op", nil, "")
	require.NoError(t, err)
	assert.True(t, r.Log().CheckMode)
	op.AssertExpectations(t)
}

func TestRemoteHostWithoutTransport(t *testing.T) {
	reg := registryWith(operations.Spec{Name: "test.op", Op: echo})
	r := started(t, newTestRunner(t, Options{}, reg))
	_, err := r.Execute(context.Background(), "test.op", nil, "web01")
	assert.True(t, IsExecutionFailure(err))
}

func TestRunPersistsOnPanic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	reg := registryWith(operations.Spec{Name: "test.op", Op: echo})
	r := newTestRunner(t, Options{Record: path}, reg)

	assert.PanicsWithValue(t, "script bug", func() {
		r.Run(context.Background(), func(ctx context.Context) error {
			r.Execute(ctx, "test.op", nil, "")
			panic("script bug")
		})
	})

	saved, err := audit.Load(path)
	require.NoError(t, err)
	assert.Len(t, saved.Actions, 1)
	require.Len(t, saved.Errors, 1)
	assert.Equal(t, KindPanic, saved.Errors[0].Kind)
	assert.Equal(t, -1, saved.Errors[0].Sequence)
}

func TestRunPersistsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	reg := registryWith(operations.Spec{Name: "test.op", Op: echo})
	r := newTestRunner(t, Options{Record: path}, reg)

	ctx, cancel := context.WithCancel(context.Background())
	err := r.Run(ctx, func(ctx context.Context) error {
		if _, err := r.Execute(ctx, "test.op", nil, ""); err != nil {
			return err
		}
		cancel()
		_, err := r.Execute(ctx, "test.op", nil, "")
		return err
	})
	assert.ErrorIs(t, err, context.Canceled)

	saved, lerr := audit.Load(path)
	require.NoError(t, lerr)
	assert.Len(t, saved.Actions, 1)
	assert.Equal(t, KindInterrupted, saved.Errors[0].Kind)
}

func TestCloseWritesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	r := started(t, newTestRunner(t, Options{Record: path}, registryWith()))
	require.NoError(t, r.Close(context.Background()))
	require.NoError(t, os.Remove(path))
	require.NoError(t, r.Close(context.Background()))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "second Close must not write")
}

func TestRecordDir(t *testing.T) {
	dir := t.TempDir()
	r := started(t, newTestRunner(t, Options{RecordDir: dir}, registryWith()))
	require.NoError(t, r.Close(context.Background()))
	latest, err := audit.Latest(dir)
	require.NoError(t, err)
	assert.Equal(t, r.Record, latest)
	assert.True(t, strings.HasPrefix(filepath.Base(latest), "20260102T"))
}

func TestTelemetryRecordsHistory(t *testing.T) {
	dir := t.TempDir()
	store, err := history.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	defer store.Close()

	reg := registryWith(operations.Spec{Name: "test.op", Op: echo})
	r := newTestRunner(t, Options{Telemetry: true, Record: filepath.Join(dir, "run.json")}, reg)
	r.History = store
	r.ConfigPath = "autorun.yaml"
	require.NoError(t, r.Run(context.Background(), func(ctx context.Context) error {
		_, err := r.Execute(ctx, "test.op", nil, "")
		return err
	}))

	runs, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, r.RunID(), runs[0].RunID)
	assert.Equal(t, 1, runs[0].Actions)
	assert.True(t, runs[0].Success)
}

func TestProgressOutput(t *testing.T) {
	reg := registryWith(operations.Spec{Name: "test.op", Op: echo})
	r := started(t, newTestRunner(t, Options{Verbose: true}, reg))
	r.Execute(context.Background(), "test.op", map[string]any{"k": "v"}, "")
	out := r.Out.(*bytes.Buffer).String()
	assert.Contains(t, out, "changed")
	assert.Contains(t, out, "test.op")
	assert.Contains(t, out, `{"k":"v"}`)

	q := started(t, newTestRunner(t, Options{Quiet: true}, reg))
	q.Execute(context.Background(), "test.op", nil, "")
	assert.Empty(t, q.Out.(*bytes.Buffer).String())
}
