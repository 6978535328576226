package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/receipts-reconcile/internal/runner"
)

// CommandExtractor runs an external OCR command on a temporary copy of the file. The
// command gets the file path as its last argument and prints JSON on stdout.
type CommandExtractor struct {
	command string
	args    []string
	runner  runner.Runner
	logger  *slog.Logger
}

// NewCommandExtractor splits commandLine on whitespace; the first word is the program.
func NewCommandExtractor(commandLine string, r runner.Runner, logger *slog.Logger) *CommandExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	if r == nil {
		r = runner.Exec{Logger: logger}
	}
	fields := strings.Fields(commandLine)
	e := &CommandExtractor{runner: r, logger: logger.With(slog.String("component", "extract_command"))}
	if len(fields) > 0 {
		e.command, e.args = fields[0], fields[1:]
	}
	return e
}

func (e *CommandExtractor) Extract(ctx context.Context, in Input) (Result, error) {
	if e.command == "" {
		return Result{}, fmt.Errorf("extract: no OCR command configured")
	}
	dir, err := os.MkdirTemp("", "receipt-ocr-*")
	if err != nil {
		return Result{}, fmt.Errorf("extract: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	name := filepath.Base(in.Filename)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "receipt"
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, in.Data, 0o600); err != nil {
		return Result{}, fmt.Errorf("extract: write temp file: %w", err)
	}

	args := append(append([]string(nil), e.args...), path)
	stdout, stderr, err := e.runner.Run(ctx, e.command, args...)
	if err != nil {
		return Result{}, fmt.Errorf("extract: %s failed: %w: %s", e.command, err, runner.Truncate(strings.TrimSpace(string(stderr)), 512))
	}
	return Decode(stdout, e.logger)
}
