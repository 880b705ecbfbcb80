package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Result holds the output streams captured from one execution.
type Result struct {
	Stdout string
	Stderr string
}

// Runner executes untrusted script code in an isolated environment.
type Runner interface {
	Execute(ctx context.Context, code string, timeout time.Duration) (Result, error)
}

// ErrNotConfigured means no execution backend is available. This is a fatal
// precondition: callers must not attempt a run, let alone retry one.
var ErrNotConfigured = errors.New("sandbox: no interpreter configured")

// ErrTimeout means the wall-clock limit was exceeded and the interpreter was
// forcibly terminated.
var ErrTimeout = errors.New("sandbox: execution exceeded the time limit")

// ScriptError reports that the user's code raised. It is an expected outcome,
// not a host fault; stderr carries the interpreter traceback.
type ScriptError struct {
	ExitCode int
	Stderr   string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script exited with code %d", e.ExitCode)
}

// ProviderError reports that the sandbox infrastructure itself failed before
// or during execution (spawn failure, workdir setup, and so on).
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("sandbox provider: %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
