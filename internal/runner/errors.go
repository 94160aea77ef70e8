package runner

import (
	"errors"
	"fmt"

	"github.com/atomikpanda/autorun/internal/policy"
)

// ErrClosed is returned by Execute once the run has been persisted, either
// by Close or by a fail-fast abort.
var ErrClosed = errors.New("runner: run already finished")

// ErrNotStarted is returned by Execute before Start.
var ErrNotStarted = errors.New("runner: not started")

// Error kinds recorded in the audit log's errors list.
const (
	KindUnknownAction   = "UnknownActionError"
	KindPolicyDenied    = "PolicyDeniedError"
	KindActionExecution = "ActionExecutionError"
	KindSecretNotLoaded = "SecretNotLoadedError"
	KindInterrupted     = "Interrupted"
	KindPanic           = "Panic"
	KindScript          = "ScriptError"
)

// UnknownActionError means the name does not resolve to a registered
// operation, or the operation is not in the run's allow-list.
type UnknownActionError struct {
	Name   string
	Reason string
}

func (e *UnknownActionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unknown action %q: %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("unknown action %q", e.Name)
}

// PolicyDeniedError is returned when a deny rule matched the call.
type PolicyDeniedError struct {
	Action   string
	Host     string
	Sequence int
	Reason   string
	Rule     *policy.Rule
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("action %s on %s denied: %s", e.Action, e.Host, e.Reason)
}

// ActionExecutionError wraps an operation failure. Output holds whatever the
// operation produced before failing.
type ActionExecutionError struct {
	Action   string
	Host     string
	Sequence int
	Message  string
	Fields   map[string]any
	Output   map[string]any
	Err      error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("action %s on %s failed: %s", e.Action, e.Host, e.Message)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }

// SecretNotLoadedError is returned when a binding needs a secret that did
// not resolve.
type SecretNotLoadedError struct {
	Action string
	Secret string
	Err    error
}

func (e *SecretNotLoadedError) Error() string {
	return fmt.Sprintf("action %s: %v", e.Action, e.Err)
}

func (e *SecretNotLoadedError) Unwrap() error { return e.Err }

// IsUnknownAction reports whether err is or wraps *UnknownActionError.
func IsUnknownAction(err error) bool {
	var e *UnknownActionError
	return errors.As(err, &e)
}

// IsPolicyDenied reports whether err is or wraps *PolicyDeniedError.
func IsPolicyDenied(err error) bool {
	var e *PolicyDeniedError
	return errors.As(err, &e)
}

// IsExecutionFailure reports whether err is or wraps *ActionExecutionError.
func IsExecutionFailure(err error) bool {
	var e *ActionExecutionError
	return errors.As(err, &e)
}

// IsSecretNotLoaded reports whether err is or wraps *SecretNotLoadedError.
func IsSecretNotLoaded(err error) bool {
	var e *SecretNotLoadedError
	return errors.As(err, &e)
}

func errorKind(err error) string {
	switch {
	case IsUnknownAction(err):
		return KindUnknownAction
	case IsPolicyDenied(err):
		return KindPolicyDenied
	case IsSecretNotLoaded(err):
		return KindSecretNotLoaded
	default:
		return KindActionExecution
	}
}
