package operations

import (
	"context"
	"fmt"
	"strings"

	"github.com/atomikpanda/autorun/internal/platform"
	"github.com/atomikpanda/autorun/internal/shell"
)

var packageSchema = map[string]any{
	"type":     "object",
	"required": []string{"name", "manager"},
	"properties": map[string]any{
		"name":    map[string]any{"type": "string", "minLength": 1},
		"manager": map[string]any{"type": "string"},
		"state":   map[string]any{"enum": []string{"present"}},
	},
}

// PackageOp installs a package with the named package manager. When the
// manager supports a query the operation is idempotent and reports
// changed=false for installed packages.
type PackageOp struct {
	// Capture runs commands; tests replace it.
	Capture func(ctx context.Context, spec shell.Spec) (shell.Result, error)
}

func (o *PackageOp) Run(ctx context.Context, params map[string]any, checkMode bool) (map[string]any, error) {
	pkg := stringParam(params, "name", "")
	manager := stringParam(params, "manager", "")
	install, err := installArgs(manager, pkg)
	if err != nil {
		return nil, &Failure{Msg: err.Error(), Fields: map[string]any{"manager": manager}}
	}
	if want := platform.PackageManagerOS(manager); want != "" && want != platform.Current() {
		return nil, Failf("package manager %s is not available on %s", manager, platform.Current())
	}
	capture := o.Capture
	if capture == nil {
		capture = shell.Capture
	}

	if check := checkArgs(manager, pkg); check != nil {
		if _, err := capture(ctx, shell.Spec{Argv: check}); err == nil {
			return Result(false, "name", pkg, "manager", manager), nil
		}
	}
	if checkMode {
		return Result(true, "name", pkg, "manager", manager), nil
	}

	res, err := capture(ctx, shell.Spec{Argv: install})
	out := Result(true, "name", pkg, "manager", manager, "command", strings.Join(install, " "), "rc", res.RC)
	if err != nil {
		out["stderr"] = truncate(res.Stderr, 16<<10)
		return nil, &Failure{Msg: fmt.Sprintf("install %s via %s", pkg, manager), Err: err, Output: out}
	}
	return out, nil
}

// installArgs returns the command + arguments needed to install pkg with the given manager.
func installArgs(manager, pkg string) ([]string, error) {
	switch manager {
	case "brew":
		return []string{"brew", "install", pkg}, nil
	case "brew-cask":
		return []string{"brew", "install", "--cask", pkg}, nil
	case "mas":
		return []string{"mas", "install", pkg}, nil
	case "winget":
		return []string{"winget", "install", "--id", pkg, "-e", "--accept-source-agreements"}, nil
	case "choco":
		return []string{"choco", "install", pkg, "-y"}, nil
	case "scoop":
		return []string{"scoop", "install", pkg}, nil
	case "apt", "apt-get":
		return []string{"sudo", "apt-get", "install", "-y", pkg}, nil
	case "dnf":
		return []string{"sudo", "dnf", "install", "-y", pkg}, nil
	case "yum":
		return []string{"sudo", "yum", "install", "-y", pkg}, nil
	case "pacman":
		return []string{"sudo", "pacman", "-S", "--noconfirm", pkg}, nil
	case "snap":
		return []string{"sudo", "snap", "install", pkg}, nil
	case "flatpak":
		return []string{"flatpak", "install", "-y", pkg}, nil
	case "nix":
		return []string{"nix-env", "-iA", pkg}, nil
	default:
		return nil, fmt.Errorf("unknown package manager: %q", manager)
	}
}

// checkArgs returns a command that exits 0 when pkg is already installed, or
// nil when the manager has no cheap query.
func checkArgs(manager, pkg string) []string {
	switch manager {
	case "brew":
		return []string{"brew", "list", "--formula", pkg}
	case "brew-cask":
		return []string{"brew", "list", "--cask", pkg}
	case "mas":
		return []string{"sh", "-c", "mas list | grep -q '^" + pkg + " '"}
	case "winget":
		return []string{"winget", "list", "--id", pkg, "-e"}
	case "choco":
		return []string{"choco", "list", "--exact", pkg}
	case "scoop":
		return []string{"scoop", "prefix", pkg}
	case "apt", "apt-get":
		return []string{"dpkg", "-s", pkg}
	case "dnf", "yum":
		return []string{"rpm", "-q", pkg}
	case "pacman":
		return []string{"pacman", "-Q", pkg}
	case "snap":
		return []string{"snap", "list", pkg}
	case "flatpak":
		return []string{"flatpak", "info", pkg}
	default:
		return nil
	}
}
