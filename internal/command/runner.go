// Package command runs external tools (docker, nvidia-smi, iftop, lsof)
// and turns their failures into typed errors.
package command

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Runner executes an external command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Kind of command failure.
type Kind string

// Failure kinds.
const (
	KindExit    Kind = "exit"
	KindTimeout Kind = "timeout"
	KindStart   Kind = "start"
)

// Error describes a failed command invocation.
type Error struct {
	Command  string
	ExitCode int
	Stderr   string
	Timeout  bool
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch e.Kind() {
	case KindTimeout:
		return fmt.Sprintf("%s: timed out", e.Command)
	case KindExit:
		if e.Stderr != "" {
			return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, e.Stderr)
		}
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	default:
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Kind classifies the failure.
func (e *Error) Kind() Kind {
	if e.Timeout {
		return KindTimeout
	}
	var exitErr *exec.ExitError
	if stderrors.As(e.Err, &exitErr) {
		return KindExit
	}
	return KindStart
}

// KindOf returns the failure kind of err, or "" if err is not a command error.
func KindOf(err error) Kind {
	var ce *Error
	if stderrors.As(err, &ce) {
		return ce.Kind()
	}
	return ""
}

const (
	// maxStderr bounds how much stderr is kept in an Error.
	maxStderr = 512
	// waitDelay bounds how long a killed command's output pipes are drained.
	waitDelay = time.Second
)

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// Timeout bounds each invocation. Zero means no timeout beyond ctx.
	Timeout time.Duration
	// Env is appended to the parent environment.
	Env []string

	binDir string
}

// Option configures an ExecRunner.
type Option func(*ExecRunner)

// WithTimeout sets the per-invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *ExecRunner) { r.Timeout = d }
}

// WithDriverPath makes the GPU driver installed under dir visible to the
// child: dir/bin is prepended to PATH and dir/lib, dir/lib64 to
// LD_LIBRARY_PATH.
func WithDriverPath(dir string) Option {
	return func(r *ExecRunner) {
		if dir == "" {
			return
		}
		r.binDir = filepath.Join(dir, "bin")
		r.Env = append(r.Env,
			"PATH="+joinPath(filepath.Join(dir, "bin"), os.Getenv("PATH")),
			"LD_LIBRARY_PATH="+joinPath(filepath.Join(dir, "lib")+":"+filepath.Join(dir, "lib64"), os.Getenv("LD_LIBRARY_PATH")),
		)
	}
}

func joinPath(prefix, rest string) string {
	if rest == "" {
		return prefix
	}
	return prefix + ":" + rest
}

// NewExecRunner creates an ExecRunner.
func NewExecRunner(opts ...Option) *ExecRunner {
	r := &ExecRunner{}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes name with args and returns stdout. Any failure is an *Error.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.resolve(name), args...)
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	ce := &Error{
		Command:  strings.TrimSpace(name + " " + strings.Join(args, " ")),
		ExitCode: -1,
		Stderr:   truncate(strings.TrimSpace(stderr.String()), maxStderr),
		Timeout:  stderrors.Is(ctx.Err(), context.DeadlineExceeded),
		Err:      err,
	}
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		ce.ExitCode = exitErr.ExitCode()
	}
	return stdout.Bytes(), ce
}

// resolve prefers a binary from the driver directory, since exec looks
// names up in the parent PATH rather than the child's.
func (r *ExecRunner) resolve(name string) string {
	if r.binDir == "" || strings.ContainsRune(name, '/') {
		return name
	}
	p := filepath.Join(r.binDir, name)
	if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
		return p
	}
	return name
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
