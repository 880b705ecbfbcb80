package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds settings for the subprocess provider.
type Config struct {
	// Python is the interpreter binary. Empty means the provider is
	// unconfigured and every Execute call fails with ErrNotConfigured.
	Python string

	// Workdir is the parent directory for per-execution session dirs.
	// Empty means the system temp dir.
	Workdir string
}

// Subprocess runs scripts with a local python interpreter, one private
// session directory per execution. The session dir is the whole filesystem
// the script gets to see as its working directory and is removed
// unconditionally when the call returns.
type Subprocess struct {
	python  string
	workdir string
	logger  *logrus.Logger
}

func NewSubprocess(cfg Config, logger *logrus.Logger) *Subprocess {
	if logger == nil {
		logger = logrus.New()
	}
	return &Subprocess{python: cfg.Python, workdir: cfg.Workdir, logger: logger}
}

// Execute runs code and returns captured output. The timeout is a hard
// wall-clock limit; when it fires the interpreter is killed and ErrTimeout
// is returned along with whatever output was captured up to that point.
func (s *Subprocess) Execute(ctx context.Context, code string, timeout time.Duration) (Result, error) {
	if s.python == "" {
		return Result{}, ErrNotConfigured
	}
	if _, err := exec.LookPath(s.python); err != nil {
		return Result{}, ErrNotConfigured
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// Session setup. Each execution gets a throwaway directory.
	dir, err := os.MkdirTemp(s.workdir, "forma-run-")
	if err != nil {
		return Result{}, &ProviderError{Op: "create session dir", Err: err}
	}
	defer func() {
		// Teardown failures cannot affect an already-finalized run.
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			s.logger.Warnf("sandbox: session teardown: %v", rmErr)
		}
	}()

	script := filepath.Join(dir, "main.py")
	if err := os.WriteFile(script, []byte(code), 0o600); err != nil {
		return Result{}, &ProviderError{Op: "write script", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.python, "-I", script)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// The script sees only a minimal environment.
	cmd.Env = []string{"PYTHONDONTWRITEBYTECODE=1", "HOME=" + dir}
	// The interpreter runs in its own process group and the whole group is
	// killed at the deadline. Killing only the interpreter would leave any
	// spawned child holding the stdout pipe, and Wait would block draining it
	// long past the limit.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	err = cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctx.Err() == context.DeadlineExceeded {
		return res, ErrTimeout
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, &ScriptError{ExitCode: exitErr.ExitCode(), Stderr: res.Stderr}
		}
		return res, &ProviderError{Op: "run interpreter", Err: err}
	}
	return res, nil
}
