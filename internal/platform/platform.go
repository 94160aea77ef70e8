// Package platform answers questions about the machine an operation runs
// on: its OS, whether a host name refers to it, and where "~" points.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Current returns the runtime.GOOS value ("darwin", "windows", "linux").
func Current() string {
	return runtime.GOOS
}

// IsLocal reports whether host names this machine. Operations for any other
// host are handed to a remote transport.
func IsLocal(host string) bool {
	switch strings.ToLower(host) {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Facts describes the machine; the gate reports them in its hello and the
// ping operation returns them.
type Facts struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Hostname string `json:"hostname"`
}

// Detect gathers Facts for the running process.
func Detect() Facts {
	host, _ := os.Hostname()
	return Facts{OS: runtime.GOOS, Arch: runtime.GOARCH, Hostname: host}
}

func (f Facts) String() string {
	s := f.OS + "/" + f.Arch
	if f.Hostname != "" {
		s += " (" + f.Hostname + ")"
	}
	return s
}

// ExpandPath expands a leading "~/" and environment variables in path.
func ExpandPath(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// PackageManagerOS maps a package manager name to the OS it runs on.
// Returns "" when the manager is not OS-specific (always available).
func PackageManagerOS(manager string) string {
	switch manager {
	case "brew", "brew-cask", "mas":
		return "darwin"
	case "winget", "choco", "scoop":
		return "windows"
	case "apt", "apt-get", "dnf", "yum", "pacman", "snap":
		return "linux"
	default:
		return "" // cross-platform (nix, flatpak)
	}
}
