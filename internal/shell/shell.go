// Package shell runs commands for the command and script operations and
// evaluates creates/removes style guards.
package shell

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
)

// Run executes command in a shell and returns an error if the exit code is non-zero.
func Run(ctx context.Context, command string) error {
	cmd := shellCmd(ctx, command)
	return cmd.Run()
}

// Eval executes command and returns true when it exits 0 (success).
// A non-zero exit is not treated as a Go error; only execution failures are.
func Eval(ctx context.Context, command string) (exitsZero bool, err error) {
	cmd := shellCmd(ctx, command)
	runErr := cmd.Run()
	if runErr == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return false, nil // non-zero exit is expected and not an error
	}
	return false, runErr // real execution failure (binary not found, etc.)
}

// Spec describes one process to start. Either Command (run through the
// platform shell) or Argv (executed directly) must be set.
type Spec struct {
	Command string
	Argv    []string
	Dir     string
	Env     map[string]string
	Stdin   []byte
}

// Result captures a finished process.
type Result struct {
	Stdout string
	Stderr string
	RC     int
}

// Capture runs spec and collects its output. A non-zero exit is returned as
// an *exec.ExitError together with the populated Result.
func Capture(ctx context.Context, spec Spec) (Result, error) {
	var cmd *exec.Cmd
	if len(spec.Argv) > 0 {
		cmd = exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	} else {
		cmd = shellCmd(ctx, spec.Command)
	}
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if spec.Stdin != nil {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.RC = cmd.ProcessState.ExitCode()
	}
	return res, err
}

// Interpreter returns the program used to run script files.
func Interpreter() string {
	if runtime.GOOS == "windows" {
		return "powershell"
	}
	return "bash"
}

func shellCmd(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "powershell", "-Command", command)
	}
	return exec.CommandContext(ctx, "sh", "-c", command)
}
