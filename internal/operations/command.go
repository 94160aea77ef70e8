package operations

import (
	"context"
	"os"

	"github.com/atomikpanda/autorun/internal/platform"
	"github.com/atomikpanda/autorun/internal/shell"
)

var commandSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"cmd":     map[string]any{"type": "string"},
		"argv":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "minItems": 1},
		"chdir":   map[string]any{"type": "string"},
		"creates": map[string]any{"type": "string"},
		"removes": map[string]any{"type": "string"},
		"unless":  map[string]any{"type": "string"},
		"stdin":   map[string]any{"type": "string"},
		"env":     map[string]any{"type": "object"},
	},
	"oneOf": []any{
		map[string]any{"required": []string{"cmd"}},
		map[string]any{"required": []string{"argv"}},
	},
}

// CommandOp runs a command, either as a shell string (cmd) or an argument
// vector (argv). The guards make it idempotent:
//
//	creates  skip when this path exists
//	removes  skip when this path does not exist
//	unless   skip when this shell command exits 0
//
// A command that runs always reports changed. A non-zero exit is a failure
// carrying the captured output.
type CommandOp struct{}

func (CommandOp) Run(ctx context.Context, params map[string]any, checkMode bool) (map[string]any, error) {
	if skip, reason, err := commandGuards(ctx, params); err != nil {
		return nil, &Failure{Msg: "evaluate guard", Err: err}
	} else if skip {
		return Result(false, "skipped", true, "reason", reason), nil
	}
	if checkMode {
		return Result(true), nil
	}

	spec := shell.Spec{
		Command: stringParam(params, "cmd", ""),
		Argv:    stringsParam(params, "argv"),
		Dir:     platform.ExpandPath(stringParam(params, "chdir", "")),
		Env:     stringMapParam(params, "env"),
	}
	if s, ok := params["stdin"].(string); ok {
		spec.Stdin = []byte(s)
	}
	res, err := shell.Capture(ctx, spec)
	out := Result(true,
		"rc", res.RC,
		"stdout", truncate(res.Stdout, 64<<10),
		"stderr", truncate(res.Stderr, 64<<10),
		"stdout_lines", lines(res.Stdout),
	)
	if err != nil {
		return nil, &Failure{
			Msg:    "command failed",
			Err:    err,
			Fields: map[string]any{"rc": res.RC},
			Output: out,
		}
	}
	return out, nil
}

func commandGuards(ctx context.Context, params map[string]any) (skip bool, reason string, err error) {
	if p := stringParam(params, "creates", ""); p != "" {
		if _, err := os.Stat(platform.ExpandPath(p)); err == nil {
			return true, p + " exists", nil
		}
	}
	if p := stringParam(params, "removes", ""); p != "" {
		if _, err := os.Stat(platform.ExpandPath(p)); os.IsNotExist(err) {
			return true, p + " does not exist", nil
		}
	}
	if c := stringParam(params, "unless", ""); c != "" {
		ok, err := shell.Eval(ctx, c)
		if err != nil {
			return false, "", err
		}
		if ok {
			return true, "unless condition met", nil
		}
	}
	return false, "", nil
}
