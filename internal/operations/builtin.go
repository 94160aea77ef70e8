package operations

import (
	"context"
	"net/http"

	"github.com/atomikpanda/autorun/internal/ageutil"
	"github.com/atomikpanda/autorun/internal/platform"
)

// Options configures the built-in operations.
type Options struct {
	AgeKey     *ageutil.Key
	HTTPClient *http.Client
}

// RegisterBuiltins adds the built-in operations to r. Each one is reachable
// as "builtin.<name>" and by its short name.
func RegisterBuiltins(r *Registry, opts Options) error {
	builtins := []Spec{
		{Name: "file", Summary: "manage a file, directory or symlink", Schema: fileSchema, Op: &FileOp{Key: opts.AgeKey}},
		{Name: "command", Summary: "run a command with creates/removes/unless guards", Schema: commandSchema, Op: CommandOp{}},
		{Name: "script", Summary: "run a local or downloaded shell script", Schema: scriptSchema, Op: &ScriptOp{Client: opts.HTTPClient}},
		{Name: "package", Summary: "install a package with a package manager", Schema: packageSchema, Op: &PackageOp{}},
		{Name: "uri", Summary: "perform an HTTP request and check the status", Schema: uriSchema, Op: &URIOp{Client: opts.HTTPClient}},
		{Name: "binary", Summary: "download and install a pre-built binary", Schema: binarySchema, Op: &BinaryOp{Client: opts.HTTPClient}},
		{Name: "setting", Summary: "write a system preference (macOS defaults)", Schema: settingSchema, Op: &SettingOp{}},
		{Name: "ping", Summary: "report host facts without changing anything", Op: Func(ping)},
	}
	for _, s := range builtins {
		short := s.Name
		s.Name = BuiltinNamespace + short
		s.Aliases = []string{short}
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}

// Builtins returns a registry holding only the built-in operations.
func Builtins(opts Options) *Registry {
	r := NewRegistry()
	if err := RegisterBuiltins(r, opts); err != nil {
		// The built-in table is static; a failure here is a programming error.
		panic(err)
	}
	return r
}

func ping(_ context.Context, _ map[string]any, _ bool) (map[string]any, error) {
	f := platform.Detect()
	return Result(false, "ping", "pong", "hostname", f.Hostname, "os", f.OS, "arch", f.Arch), nil
}
