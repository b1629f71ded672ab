// Package system runs host commands on behalf of the sandbox provisioner.
// Commands are always executed with an explicit argument vector; nothing is
// ever handed to a shell.
package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"ex10-server/internal/logging"
	"ex10-server/internal/metrics"
)

// maxCapture bounds how much stdout/stderr is kept per command.
const maxCapture = 64 * 1024

// Runner executes privileged host commands and commands as a sandbox user.
type Runner interface {
	// Run executes name with args using the server's privileges.
	Run(ctx context.Context, name string, args ...string) (string, error)
	// RunAs executes name with args as user. stdin may be nil.
	RunAs(ctx context.Context, user string, stdin io.Reader, name string, args ...string) (string, error)
}

// CommandError describes a command that could not be started or exited non-zero.
type CommandError struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %s %s failed", e.Name, strings.Join(e.Args, " "))
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExitCodeOf returns the exit status carried by err, or -1.
func ExitCodeOf(err error) int {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.ExitCode
	}
	return -1
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// UseSudo prefixes privileged commands with "sudo -n".
	UseSudo bool
	logger  *zap.Logger
}

// NewExecRunner creates an ExecRunner.
func NewExecRunner(useSudo bool, logger *zap.Logger) *ExecRunner {
	return &ExecRunner{
		UseSudo: useSudo,
		logger:  logging.OrGlobal(logger).Named("system"),
	}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	if r.UseSudo {
		return r.exec(ctx, nil, name, "sudo", append([]string{"-n", "--", name}, args...)...)
	}
	return r.exec(ctx, nil, name, name, args...)
}

// RunAs implements Runner via sudo -u.
func (r *ExecRunner) RunAs(ctx context.Context, user string, stdin io.Reader, name string, args ...string) (string, error) {
	full := append([]string{"-n", "-u", user, "-H", "--", name}, args...)
	return r.exec(ctx, stdin, name, "sudo", full...)
}

func (r *ExecRunner) exec(ctx context.Context, stdin io.Reader, label, name string, args ...string) (string, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: maxCapture}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: maxCapture}
	if stdin != nil {
		cmd.Stdin = stdin
	}

	err := cmd.Run()
	duration := time.Since(start)

	if err != nil {
		cerr := &CommandError{
			Name:     name,
			Args:     args,
			ExitCode: -1,
			Stderr:   stderr.String(),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cerr.ExitCode = exitErr.ExitCode()
		}
		err = cerr
	}

	metrics.Get().RecordCommand(label, err, duration)
	r.logger.Debug("command finished",
		zap.String("command", name),
		zap.Strings("args", args),
		zap.Duration("duration", duration),
		zap.Error(err),
	)

	return stdout.String(), err
}

// limitedWriter drops output beyond limit while reporting full writes.
type limitedWriter struct {
	w     io.Writer
	limit int
	n     int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	remaining := lw.limit - lw.n
	if remaining > 0 {
		chunk := p
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		written, err := lw.w.Write(chunk)
		lw.n += written
		if err != nil {
			return written, err
		}
	}
	return len(p), nil
}
