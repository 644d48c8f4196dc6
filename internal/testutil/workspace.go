package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"deploygate/internal/gate"
)

// FakeWorkspace records git verbs instead of running them. Each method
// returns the matching *Err field when set.
type FakeWorkspace struct {
	mu sync.Mutex

	RootDir    string
	Repository bool
	Remote     bool
	StatusOut  string
	DiffOut    string

	StatusErr   error
	DiffErr     error
	AddErr      error
	CommitErr   error
	CheckoutErr error
	RestoreErr  error
	PushFails   bool

	calls   []string
	commits int
}

// NewFakeWorkspace returns a FakeWorkspace rooted at root that reports one
// modified file.
func NewFakeWorkspace(root string) *FakeWorkspace {
	return &FakeWorkspace{
		RootDir:    root,
		Repository: true,
		Remote:     true,
		StatusOut:  " M app.py\n",
		DiffOut:    "diff --git a/app.py b/app.py\n+print('hi')\n",
	}
}

func (w *FakeWorkspace) record(call string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, call)
}

// Calls returns the verbs invoked so far, in order, formatted as
// "verb arg".
func (w *FakeWorkspace) Calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

// MutatingCalls returns only the calls that change repository state.
func (w *FakeWorkspace) MutatingCalls() []string {
	var out []string
	for _, c := range w.Calls() {
		verb, _, _ := strings.Cut(c, " ")
		switch verb {
		case "add", "commit", "push", "checkout", "restore":
			out = append(out, c)
		}
	}
	return out
}

func (w *FakeWorkspace) Root() string { return w.RootDir }

func (w *FakeWorkspace) IsRepository(ctx context.Context) bool { return w.Repository }

func (w *FakeWorkspace) Status(ctx context.Context, file string) (string, error) {
	w.record("status " + file)
	if w.StatusErr != nil {
		return "", w.StatusErr
	}
	return w.StatusOut, nil
}

func (w *FakeWorkspace) Diff(ctx context.Context, file string, staged bool) (string, error) {
	w.record("diff " + file)
	if w.DiffErr != nil {
		return "", w.DiffErr
	}
	return w.DiffOut, nil
}

func (w *FakeWorkspace) Add(ctx context.Context, file string) error {
	w.record("add " + file)
	return w.AddErr
}

// Commit returns deterministic 40-character hashes: the first commit is
// "c000...001".
func (w *FakeWorkspace) Commit(ctx context.Context, file, message, authorName, authorEmail string) (string, error) {
	w.record("commit " + file + " " + message)
	if w.CommitErr != nil {
		return "", w.CommitErr
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.commits++
	return fmt.Sprintf("c%039d", w.commits), nil
}

func (w *FakeWorkspace) Push(ctx context.Context) bool {
	w.record("push")
	return w.Remote && !w.PushFails
}

func (w *FakeWorkspace) HasRemote(ctx context.Context) bool { return w.Remote }

func (w *FakeWorkspace) CheckoutPrevious(ctx context.Context, file, ref string) error {
	w.record("checkout " + file + " " + ref)
	return w.CheckoutErr
}

func (w *FakeWorkspace) Restore(ctx context.Context, file string) error {
	w.record("restore " + file)
	return w.RestoreErr
}

// Compile-time check that FakeWorkspace implements gate.Workspace interface
var _ gate.Workspace = (*FakeWorkspace)(nil)
