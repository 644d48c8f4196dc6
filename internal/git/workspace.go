// Package git implements gate.Workspace on the git CLI. Every command
// targets the workspace root via -C and runs through the shared subprocess
// pool with a deadline.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"deploygate/internal/gate"
)

// DefaultTimeout bounds a single git invocation.
const DefaultTimeout = 120 * time.Second

// Options configures a Workspace.
type Options struct {
	// Binary is the git executable; empty means "git" on PATH.
	Binary  string
	Timeout time.Duration
}

// Workspace is a git working tree rooted at a single directory.
type Workspace struct {
	root    string
	binary  string
	timeout time.Duration
	pool    *gate.Pool
	logger  gate.Logger
}

// NewWorkspace returns a Workspace for the working tree at root.
func NewWorkspace(root string, pool *gate.Pool, opts Options, logger gate.Logger) *Workspace {
	if opts.Binary == "" {
		opts.Binary = "git"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if pool == nil {
		pool = gate.NewPool(0)
	}
	return &Workspace{
		root:    root,
		binary:  opts.Binary,
		timeout: opts.Timeout,
		pool:    pool,
		logger:  logger,
	}
}

func (w *Workspace) Root() string {
	return w.root
}

// run executes git with args and returns stdout. Stderr is captured
// separately and carried in the *gate.GitCommandError on failure.
func (w *Workspace) run(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	err := w.pool.Do(ctx, w.timeout, func(ctx context.Context) error {
		fullArgs := append([]string{"-C", w.root}, args...)
		cmd := exec.CommandContext(ctx, w.binary, fullArgs...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
		return cmd.Run()
	})
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		gitErr := &gate.GitCommandError{
			Args:     args,
			ExitCode: exitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
		w.logger.Debug("git command failed", "args", strings.Join(args, " "), "exit_code", exitCode, "stderr", gitErr.Stderr)
		return "", gitErr
	}
	return stdout.String(), nil
}

func (w *Workspace) IsRepository(ctx context.Context) bool {
	out, err := w.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

func (w *Workspace) Status(ctx context.Context, file string) (string, error) {
	args := []string{"status", "--porcelain"}
	if file != "" {
		args = append(args, "--", file)
	}
	return w.run(ctx, args...)
}

func (w *Workspace) Diff(ctx context.Context, file string, staged bool) (string, error) {
	if !w.tracked(ctx, file) {
		return w.synthesizeDiff(file)
	}

	args := []string{"diff"}
	if staged {
		args = append(args, "--cached")
	}
	args = append(args, "--", file)
	return w.run(ctx, args...)
}

func (w *Workspace) tracked(ctx context.Context, file string) bool {
	_, err := w.run(ctx, "ls-files", "--error-unmatch", "--", file)
	return err == nil
}

// synthesizeDiff lists an untracked file's whole content as additions.
func (w *Workspace) synthesizeDiff(file string) (string, error) {
	data, err := os.ReadFile(filepath.Join(w.root, file))
	if err != nil {
		return "", fmt.Errorf("reading untracked file %s: %w", file, err)
	}
	return NewFileDiff(filepath.ToSlash(file), string(data)), nil
}

// NewFileDiff renders content as a unified diff that creates path.
func NewFileDiff(path, content string) string {
	lines := strings.SplitAfter(content, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", path, path)
	b.WriteString("new file mode 100644\n")
	b.WriteString("--- /dev/null\n")
	fmt.Fprintf(&b, "+++ b/%s\n", path)
	if len(lines) == 0 {
		return b.String()
	}
	fmt.Fprintf(&b, "@@ -0,0 +1,%d @@\n", len(lines))
	for _, line := range lines {
		b.WriteString("+")
		b.WriteString(line)
		if !strings.HasSuffix(line, "\n") {
			b.WriteString("\n\\ No newline at end of file\n")
		}
	}
	return b.String()
}

// Add stages file, including its deletion.
func (w *Workspace) Add(ctx context.Context, file string) error {
	_, err := w.run(ctx, "add", "-A", "--", file)
	return err
}

// Commit commits only file, whatever else is staged.
func (w *Workspace) Commit(ctx context.Context, file, message, authorName, authorEmail string) (string, error) {
	author := fmt.Sprintf("%s <%s>", authorName, authorEmail)
	_, err := w.run(ctx,
		"-c", "user.name="+authorName,
		"-c", "user.email="+authorEmail,
		"commit", "-m", message, "--author", author, "--", file,
	)
	if err != nil {
		return "", err
	}

	out, err := w.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (w *Workspace) HasRemote(ctx context.Context) bool {
	return w.firstRemote(ctx) != ""
}

func (w *Workspace) firstRemote(ctx context.Context) string {
	out, err := w.run(ctx, "remote")
	if err != nil {
		return ""
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Push pushes HEAD to the first configured remote. Failures are logged and
// reported as false.
func (w *Workspace) Push(ctx context.Context) bool {
	remote := w.firstRemote(ctx)
	if remote == "" {
		w.logger.Info("no git remote configured, skipping push")
		return false
	}
	if _, err := w.run(ctx, "push", remote, "HEAD"); err != nil {
		w.logger.Warn("git push failed", "remote", remote, "error", err)
		return false
	}
	return true
}

// CheckoutPrevious restores file from the parent of ref. If the file did
// not exist there, or ref has no parent, it is deleted from the working tree
// so a following Add stages the removal.
func (w *Workspace) CheckoutPrevious(ctx context.Context, file, ref string) error {
	if ref == "" {
		ref = "HEAD"
	}
	if _, err := w.run(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}"); err != nil {
		return err
	}

	// "<commit> [<parent>...]"
	out, err := w.run(ctx, "rev-list", "--parents", "-n", "1", ref)
	if err != nil {
		return err
	}
	fields := strings.Fields(out)
	if len(fields) < 2 {
		w.logger.Info("deployment is a root commit, removing file", "file", file, "ref", ref)
		return w.remove(file)
	}
	parent := fields[1]

	listed, err := w.run(ctx, "ls-tree", "--name-only", parent, "--", filepath.ToSlash(file))
	if err != nil {
		return err
	}
	if strings.TrimSpace(listed) == "" {
		w.logger.Info("file absent before deployment, removing", "file", file, "ref", parent)
		return w.remove(file)
	}

	_, err = w.run(ctx, "checkout", parent, "--", file)
	return err
}

func (w *Workspace) remove(file string) error {
	if err := os.Remove(filepath.Join(w.root, file)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", file, err)
	}
	return nil
}

// Restore discards index and working tree changes to file.
func (w *Workspace) Restore(ctx context.Context, file string) error {
	_, err := w.run(ctx, "checkout", "HEAD", "--", file)
	return err
}

// Compile-time check that Workspace implements gate.Workspace interface
var _ gate.Workspace = (*Workspace)(nil)
