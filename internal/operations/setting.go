package operations

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/atomikpanda/autorun/internal/platform"
	"github.com/atomikpanda/autorun/internal/shell"
)

var settingSchema = map[string]any{
	"type":     "object",
	"required": []string{"domain", "key", "value"},
	"properties": map[string]any{
		"domain": map[string]any{"type": "string", "minLength": 1},
		"key":    map[string]any{"type": "string", "minLength": 1},
	},
}

// SettingOp writes a system preference. On macOS it calls `defaults write`
// after reading the current value so unchanged settings are not rewritten.
type SettingOp struct {
	// GOOS defaults to platform.Current().
	GOOS    string
	Capture func(ctx context.Context, spec shell.Spec) (shell.Result, error)
}

func (o *SettingOp) Run(ctx context.Context, params map[string]any, checkMode bool) (map[string]any, error) {
	domain := stringParam(params, "domain", "")
	key := stringParam(params, "key", "")
	value := params["value"]

	goos := o.GOOS
	if goos == "" {
		goos = platform.Current()
	}
	if goos != "darwin" {
		return nil, Failf("system settings are not supported on %s", goos)
	}
	capture := o.Capture
	if capture == nil {
		capture = shell.Capture
	}

	typeFlag, val := macOSValueArgs(value)
	if cur, err := capture(ctx, shell.Spec{Argv: []string{"defaults", "read", domain, key}}); err == nil {
		if normalizeDefault(strings.TrimSpace(cur.Stdout)) == normalizeDefault(val) {
			return Result(false, "domain", domain, "key", key), nil
		}
	}
	if checkMode {
		return Result(true, "domain", domain, "key", key), nil
	}
	res, err := capture(ctx, shell.Spec{Argv: []string{"defaults", "write", domain, key, typeFlag, val}})
	if err != nil {
		return nil, &Failure{
			Msg:    fmt.Sprintf("set %s %s", domain, key),
			Err:    err,
			Output: Result(false, "stderr", res.Stderr),
		}
	}
	return Result(true, "domain", domain, "key", key), nil
}

func macOSValueArgs(value any) (typeFlag, val string) {
	switch v := value.(type) {
	case bool:
		return "-bool", strconv.FormatBool(v)
	case int:
		return "-int", strconv.Itoa(v)
	case float64:
		return "-float", strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		return "-string", v
	default:
		return "-string", fmt.Sprintf("%v", v)
	}
}

// normalizeDefault maps the way `defaults read` prints booleans onto the
// way they are written.
func normalizeDefault(s string) string {
	switch s {
	case "1", "true", "YES":
		return "true"
	case "0", "false", "NO":
		return "false"
	}
	return s
}
