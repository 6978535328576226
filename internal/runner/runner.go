// Package runner wraps external command execution so callers can stub it in tests.
package runner

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// maxLoggedStderr caps the stderr excerpt attached to a failure log.
const maxLoggedStderr = 8 << 10

// Runner runs one external command to completion and returns what it printed.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// Exec runs commands with os/exec. The capture tool and the OCR command both go through it.
type Exec struct {
	Logger *slog.Logger
}

func (r Exec) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "runner"), slog.String("cmd", name))
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	elapsed := time.Since(start)
	if err != nil {
		logger.Warn("runner.exec.failed",
			"args", strings.Join(args, " "),
			"elapsed_ms", elapsed.Milliseconds(),
			"exit_code", exitCode(err),
			"error", err,
			"stderr", Truncate(errb.String(), maxLoggedStderr),
		)
		return out.Bytes(), errb.Bytes(), err
	}
	logger.Debug("runner.exec.ok",
		"elapsed_ms", elapsed.Milliseconds(),
		"stdout_bytes", out.Len(),
		"stderr_bytes", errb.Len(),
	)
	return out.Bytes(), errb.Bytes(), nil
}

// exitCode is the process exit status, or -1 when the command did not run to exit.
func exitCode(err error) int {
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, name string, args ...string) ([]byte, []byte, error)

func (f Func) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	return f(ctx, name, args...)
}

// Truncate cuts s to max bytes, marking the cut.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
