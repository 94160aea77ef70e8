package operations

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/atomikpanda/autorun/internal/shell"
)

var scriptSchema = map[string]any{
	"type":     "object",
	"required": []string{"script"},
	"properties": map[string]any{
		"script":  map[string]any{"type": "string", "minLength": 1},
		"via":     map[string]any{"enum": []string{"local", "remote"}},
		"args":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"creates": map[string]any{"type": "string"},
		"unless":  map[string]any{"type": "string"},
	},
}

// ScriptOp runs a shell script from a local path or, with via=remote, from
// a URL that is downloaded first. It shares CommandOp's guards.
type ScriptOp struct {
	Client *http.Client
}

func (o *ScriptOp) Run(ctx context.Context, params map[string]any, checkMode bool) (map[string]any, error) {
	script := stringParam(params, "script", "")
	via := stringParam(params, "via", "")
	if via == "" && (strings.HasPrefix(script, "https://") || strings.HasPrefix(script, "http://")) {
		via = "remote"
	}
	if skip, reason, err := commandGuards(ctx, params); err != nil {
		return nil, &Failure{Msg: "evaluate guard", Err: err}
	} else if skip {
		return Result(false, "skipped", true, "reason", reason), nil
	}
	if checkMode {
		return Result(true, "script", script), nil
	}

	path := script
	switch via {
	case "remote":
		tmp, err := o.download(ctx, script)
		if err != nil {
			return nil, &Failure{Msg: "download script", Err: err, Fields: map[string]any{"url": script}}
		}
		defer os.Remove(tmp)
		path = tmp
	case "local", "":
	default:
		return nil, Failf("unknown script source %q; expected \"remote\" or \"local\"", via)
	}

	argv := append([]string{shell.Interpreter(), path}, stringsParam(params, "args")...)
	res, err := shell.Capture(ctx, shell.Spec{Argv: argv})
	out := Result(true,
		"script", script,
		"rc", res.RC,
		"stdout", truncate(res.Stdout, 64<<10),
		"stderr", truncate(res.Stderr, 64<<10),
	)
	if err != nil {
		return nil, &Failure{Msg: "script failed", Err: err, Fields: map[string]any{"rc": res.RC}, Output: out}
	}
	return out, nil
}

func (o *ScriptOp) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "autorun-*.sh")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}
