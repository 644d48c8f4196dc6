// Package coverage runs the project's test runner for the coverage gate.
package coverage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"deploygate/internal/gate"
)

// DefaultTimeout bounds a single test run.
const DefaultTimeout = 300 * time.Second

// CommandRunner runs an argv template in the workspace root. The
// placeholders {test_file}, {module}, {managed_file} and {json_report} are
// substituted in every argument.
type CommandRunner struct {
	command []string
	timeout time.Duration
	pool    *gate.Pool
	logger  gate.Logger
}

// NewCommandRunner creates a CommandRunner. A timeout <= 0 uses
// DefaultTimeout.
func NewCommandRunner(command []string, timeout time.Duration, pool *gate.Pool, logger gate.Logger) *CommandRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if pool == nil {
		pool = gate.NewPool(0)
	}
	return &CommandRunner{command: command, timeout: timeout, pool: pool, logger: logger}
}

// Run executes the runner. A non-zero exit is not an error: failing tests
// still produce output and, usually, a report.
func (r *CommandRunner) Run(ctx context.Context, req gate.CoverageRequest) (gate.CoverageRun, error) {
	if len(r.command) == 0 {
		return gate.CoverageRun{}, errors.New("no coverage command configured")
	}

	report, err := os.CreateTemp("", "deploygate-coverage-*.json")
	if err != nil {
		return gate.CoverageRun{}, fmt.Errorf("create coverage report file: %w", err)
	}
	reportPath := report.Name()
	report.Close()
	os.Remove(reportPath)
	defer os.Remove(reportPath)

	replacer := strings.NewReplacer(
		"{test_file}", req.TestFile,
		"{module}", req.Module,
		"{managed_file}", req.ManagedFile,
		"{json_report}", reportPath,
	)
	argv := make([]string, len(r.command))
	for i, a := range r.command {
		argv[i] = replacer.Replace(a)
	}

	var output bytes.Buffer
	start := time.Now()
	runErr := r.pool.Do(ctx, r.timeout, func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = req.WorkspaceRoot
		cmd.Stdout = &output
		cmd.Stderr = &output
		err := cmd.Run()
		if ctx.Err() != nil {
			return fmt.Errorf("coverage run timed out after %s: %w", r.timeout, ctx.Err())
		}
		return err
	})

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		r.logger.Info("test runner exited non-zero", "exit_code", exitErr.ExitCode(), "test_file", req.TestFile)
	default:
		return gate.CoverageRun{Output: output.String()}, fmt.Errorf("%s failed: %w: %s", argv[0], runErr, strings.TrimSpace(output.String()))
	}

	r.logger.Debug("test runner finished", "test_file", req.TestFile, "duration", time.Since(start))

	run := gate.CoverageRun{Output: output.String()}
	if data, err := os.ReadFile(reportPath); err == nil && len(data) > 0 {
		run.JSONReport = data
	}
	return run, nil
}

// Compile-time check that CommandRunner implements gate.CoverageRunner interface
var _ gate.CoverageRunner = (*CommandRunner)(nil)
