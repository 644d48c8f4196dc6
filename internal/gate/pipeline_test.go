package gate_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"deploygate/internal/audit"
	"deploygate/internal/gate"
	"deploygate/internal/git"
	"deploygate/internal/history"
	"deploygate/internal/keystore"
	"deploygate/internal/testutil"

	fsmgr "deploygate/internal/fs"
)

func TestPipeline_Stage(t *testing.T) {
	t.Run("full coverage stages the change", func(t *testing.T) {
		h := testutil.NewHarness(t)
		token, _ := h.Login(t, "alice")

		rec, err := h.Pipeline.Stage(context.Background(), h.Agent, token)
		if err != nil {
			t.Fatalf("Stage() error = %v", err)
		}
		if rec.Status != gate.StatusStaged || !rec.CoverageOK || rec.CoveragePercent != 100 {
			t.Errorf("record = %+v", rec)
		}
		if rec.DeploymentID != "git_a1_"+itoa(h.Clock.Now().Unix()) {
			t.Errorf("DeploymentID = %q", rec.DeploymentID)
		}
		if rec.ManagedFile != "app.py" || !rec.HasChanges || rec.StagedBy != "alice" {
			t.Errorf("record = %+v", rec)
		}
		if rec.CommitMessage != "Deploy app.py for agent Planner (a1)" {
			t.Errorf("CommitMessage = %q", rec.CommitMessage)
		}
		if n, _ := h.History.Count(); n != 0 {
			t.Errorf("history count = %d, want 0 before execution", n)
		}
		if len(h.Pipeline.Pending()) != 1 {
			t.Errorf("pending = %d, want 1", len(h.Pipeline.Pending()))
		}
		if len(h.Workspace.MutatingCalls()) != 0 {
			t.Errorf("Stage() mutated the repository: %v", h.Workspace.MutatingCalls())
		}
	})

	t.Run("partial coverage stages as failed", func(t *testing.T) {
		h := testutil.NewHarness(t)
		h.Runner.SetPercent(99.9)
		token, _ := h.Login(t, "alice")

		rec, err := h.Pipeline.Stage(context.Background(), h.Agent, token)
		if err != nil {
			t.Fatalf("Stage() error = %v", err)
		}
		if rec.Status != gate.StatusFailedCoverage || rec.CoverageOK {
			t.Errorf("record = %+v", rec)
		}
	})

	t.Run("no changes", func(t *testing.T) {
		h := testutil.NewHarness(t)
		h.Workspace.StatusOut = ""
		token, _ := h.Login(t, "alice")

		rec, err := h.Pipeline.Stage(context.Background(), h.Agent, token)
		if err != nil {
			t.Fatalf("Stage() error = %v", err)
		}
		if rec.HasChanges {
			t.Error("HasChanges = true for clean file")
		}
	})

	t.Run("requires a session", func(t *testing.T) {
		h := testutil.NewHarness(t)

		_, err := h.Pipeline.Stage(context.Background(), h.Agent, "bogus")
		if !errors.Is(err, gate.ErrUnauthorized) {
			t.Fatalf("Stage() error = %v, want Unauthorized", err)
		}
		if len(h.Runner.Requests()) != 0 {
			t.Error("coverage ran without a session")
		}
		entries := h.Audit.Entries()
		if len(entries) != 1 || entries[0].Authorized || entries[0].Source != gate.SourceStage {
			t.Errorf("audit entries = %+v", entries)
		}
	})

	t.Run("missing test file", func(t *testing.T) {
		h := testutil.NewHarness(t)
		h.FS.RemoveFile("/work/tests/test_app.py")
		token, _ := h.Login(t, "alice")

		if _, err := h.Pipeline.Stage(context.Background(), h.Agent, token); !errors.Is(err, gate.ErrTestFileMissing) {
			t.Errorf("Stage() error = %v, want TestFileMissing", err)
		}
		if len(h.Pipeline.Pending()) != 0 {
			t.Error("failed stage left a pending record")
		}
	})

	t.Run("git failure", func(t *testing.T) {
		h := testutil.NewHarness(t)
		h.Workspace.StatusErr = &gate.GitCommandError{Args: []string{"status"}, ExitCode: 128, Stderr: "not a git repository"}
		token, _ := h.Login(t, "alice")

		if _, err := h.Pipeline.Stage(context.Background(), h.Agent, token); !errors.Is(err, gate.ErrGitCommand) {
			t.Errorf("Stage() error = %v, want GitCommandError", err)
		}
	})
}

func TestPipeline_Execute(t *testing.T) {
	t.Run("deploys a staged record", func(t *testing.T) {
		h := testutil.NewHarness(t)
		token, priv := h.Login(t, "Alice Smith")
		rec, _ := h.Pipeline.Stage(context.Background(), h.Agent, token)
		h.Clock.Advance(time.Minute)

		msg, err := h.Pipeline.Execute(context.Background(), rec.DeploymentID, token)
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if !strings.Contains(msg, "c00000000000") || strings.Contains(msg, "not pushed") {
			t.Errorf("message = %q", msg)
		}

		wantCalls := []string{"add app.py", "commit app.py " + rec.CommitMessage, "push"}
		if got := h.Workspace.MutatingCalls(); strings.Join(got, "|") != strings.Join(wantCalls, "|") {
			t.Errorf("git calls = %v, want %v", got, wantCalls)
		}

		stored, _ := h.History.Get(rec.DeploymentID)
		if stored == nil {
			t.Fatal("deployed record not in history")
		}
		if stored.Status != gate.StatusDeployed || stored.DeployedBy != "Alice Smith" || !stored.Pushed {
			t.Errorf("stored = %+v", stored)
		}
		if stored.DeployedAt == nil || !stored.DeployedAt.Equal(h.Clock.Now()) {
			t.Errorf("DeployedAt = %v", stored.DeployedAt)
		}
		if len(h.Pipeline.Pending()) != 0 {
			t.Error("executed record still pending")
		}

		key, _ := gate.ParsePrivateKey(priv)
		pub, _ := gate.EncodePublicKey(&key.PublicKey)
		entry, _ := h.Keys.Lookup(gate.Fingerprint(pub))
		if entry.DeploymentCount != 1 {
			t.Errorf("DeploymentCount = %d, want 1", entry.DeploymentCount)
		}
	})

	t.Run("push failure is reported in the message", func(t *testing.T) {
		h := testutil.NewHarness(t)
		h.Workspace.PushFails = true
		token, _ := h.Login(t, "alice")
		rec, _ := h.Pipeline.Stage(context.Background(), h.Agent, token)

		msg, err := h.Pipeline.Execute(context.Background(), rec.DeploymentID, token)
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if !strings.Contains(msg, "(not pushed)") {
			t.Errorf("message = %q", msg)
		}
	})

	t.Run("insufficient coverage never touches git", func(t *testing.T) {
		h := testutil.NewHarness(t)
		h.Runner.SetPercent(87)
		token, _ := h.Login(t, "alice")
		rec, _ := h.Pipeline.Stage(context.Background(), h.Agent, token)

		_, err := h.Pipeline.Execute(context.Background(), rec.DeploymentID, token)
		if !errors.Is(err, gate.ErrCoverageNotMet) {
			t.Fatalf("Execute() error = %v, want CoverageNotMet", err)
		}
		if !strings.Contains(err.Error(), "87") {
			t.Errorf("error %q does not mention the measured coverage", err)
		}
		if calls := h.Workspace.MutatingCalls(); len(calls) != 0 {
			t.Errorf("git was invoked: %v", calls)
		}
	})

	t.Run("second execute is rejected", func(t *testing.T) {
		h := testutil.NewHarness(t)
		token, _ := h.Login(t, "alice")
		rec, _ := h.Pipeline.Stage(context.Background(), h.Agent, token)
		if _, err := h.Pipeline.Execute(context.Background(), rec.DeploymentID, token); err != nil {
			t.Fatal(err)
		}

		_, err := h.Pipeline.Execute(context.Background(), rec.DeploymentID, token)
		if !errors.Is(err, gate.ErrInvalidState) {
			t.Errorf("Execute() error = %v, want InvalidState", err)
		}
	})

	t.Run("unknown deployment", func(t *testing.T) {
		h := testutil.NewHarness(t)
		token, _ := h.Login(t, "alice")

		_, err := h.Pipeline.Execute(context.Background(), "git_a1_1", token)
		if !errors.Is(err, gate.ErrDeploymentNotFound) {
			t.Errorf("Execute() error = %v, want DeploymentNotFound", err)
		}
	})

	t.Run("revoked key loses its session", func(t *testing.T) {
		h := testutil.NewHarness(t)
		token, priv := h.Login(t, "alice")
		rec, _ := h.Pipeline.Stage(context.Background(), h.Agent, token)

		key, _ := gate.ParsePrivateKey(priv)
		pub, _ := gate.EncodePublicKey(&key.PublicKey)
		if _, err := h.Keys.Revoke(gate.Fingerprint(pub)); err != nil {
			t.Fatal(err)
		}

		_, err := h.Pipeline.Execute(context.Background(), rec.DeploymentID, token)
		if !errors.Is(err, gate.ErrUnauthorized) {
			t.Errorf("Execute() error = %v, want Unauthorized", err)
		}
		if calls := h.Workspace.MutatingCalls(); len(calls) != 0 {
			t.Errorf("git was invoked: %v", calls)
		}
	})

	t.Run("commit failure keeps the record staged", func(t *testing.T) {
		h := testutil.NewHarness(t)
		h.Workspace.CommitErr = &gate.GitCommandError{Args: []string{"commit"}, ExitCode: 1, Stderr: "nothing to commit"}
		token, _ := h.Login(t, "alice")
		rec, _ := h.Pipeline.Stage(context.Background(), h.Agent, token)

		_, err := h.Pipeline.Execute(context.Background(), rec.DeploymentID, token)
		if !errors.Is(err, gate.ErrGitCommand) {
			t.Fatalf("Execute() error = %v, want GitCommandError", err)
		}
		got, _ := h.Pipeline.Lookup(rec.DeploymentID)
		if got.Status != gate.StatusStaged {
			t.Errorf("Status = %q, want staged", got.Status)
		}
	})

	t.Run("history failure after commit is retried", func(t *testing.T) {
		h := testutil.NewHarness(t)
		token, _ := h.Login(t, "alice")
		rec, _ := h.Pipeline.Stage(context.Background(), h.Agent, token)
		h.History.SetFailSaves(true)

		_, err := h.Pipeline.Execute(context.Background(), rec.DeploymentID, token)
		if !errors.Is(err, gate.ErrStoreUnavailable) {
			t.Fatalf("Execute() error = %v, want StoreUnavailable", err)
		}
		pending, _ := h.Pipeline.Lookup(rec.DeploymentID)
		if pending.Status != gate.StatusDeployed || pending.CommitHash == "" {
			t.Fatalf("pending record = %+v, want deployed with a commit", pending)
		}

		h.History.SetFailSaves(false)
		msg, err := h.Pipeline.Execute(context.Background(), rec.DeploymentID, token)
		if err != nil {
			t.Fatalf("retry Execute() error = %v", err)
		}
		if !strings.Contains(msg, shortHash(pending.CommitHash)) {
			t.Errorf("retry message = %q, want commit %s", msg, pending.CommitHash)
		}
		if n := len(h.Workspace.MutatingCalls()); n != 3 {
			t.Errorf("git mutating calls = %d, want 3 (no second commit)", n)
		}
		stored, _ := h.History.Get(rec.DeploymentID)
		if stored == nil || stored.CommitHash != pending.CommitHash {
			t.Fatalf("stored = %+v, want the original commit", stored)
		}
		if len(h.Pipeline.Pending()) != 0 {
			t.Error("record still pending after a successful retry")
		}

		if _, err := h.Pipeline.Rollback(context.Background(), rec.DeploymentID, token); err != nil {
			t.Errorf("Rollback() after retry error = %v", err)
		}
	})

	t.Run("concurrent executes commit once", func(t *testing.T) {
		h := testutil.NewHarness(t)
		token, _ := h.Login(t, "alice")
		rec, _ := h.Pipeline.Stage(context.Background(), h.Agent, token)

		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded := 0
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := h.Pipeline.Execute(context.Background(), rec.DeploymentID, token); err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if succeeded != 1 {
			t.Errorf("successful executes = %d, want 1", succeeded)
		}
		commits := 0
		for _, c := range h.Workspace.Calls() {
			if strings.HasPrefix(c, "commit ") {
				commits++
			}
		}
		if commits != 1 {
			t.Errorf("commits = %d, want 1", commits)
		}
	})
}

func TestPipeline_Rollback(t *testing.T) {
	deploy := func(t *testing.T, h *testutil.Harness, token string) gate.DeploymentRecord {
		t.Helper()
		rec, err := h.Pipeline.Stage(context.Background(), h.Agent, token)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := h.Pipeline.Execute(context.Background(), rec.DeploymentID, token); err != nil {
			t.Fatal(err)
		}
		stored, _ := h.History.Get(rec.DeploymentID)
		return *stored
	}

	t.Run("reverts a deployment", func(t *testing.T) {
		h := testutil.NewHarness(t)
		token, _ := h.Login(t, "alice")
		rec := deploy(t, h, token)

		msg, err := h.Pipeline.Rollback(context.Background(), rec.DeploymentID, token)
		if err != nil {
			t.Fatalf("Rollback() error = %v", err)
		}
		if !strings.HasPrefix(msg, "Rolled back app.py") {
			t.Errorf("message = %q", msg)
		}

		calls := h.Workspace.MutatingCalls()
		want := "checkout app.py " + rec.CommitHash
		if calls[3] != want || calls[5] != "commit app.py Revert: "+rec.CommitMessage {
			t.Errorf("git calls = %v", calls)
		}

		stored, _ := h.History.Get(rec.DeploymentID)
		if stored.Status != gate.StatusRolledBack || stored.RolledBackBy != "alice" || stored.RevertCommitHash == "" {
			t.Errorf("stored = %+v", stored)
		}
		if n, _ := h.History.Count(); n != 1 {
			t.Errorf("history count = %d, want 1 (merged by id)", n)
		}
	})

	t.Run("cannot roll back twice", func(t *testing.T) {
		h := testutil.NewHarness(t)
		token, _ := h.Login(t, "alice")
		rec := deploy(t, h, token)
		if _, err := h.Pipeline.Rollback(context.Background(), rec.DeploymentID, token); err != nil {
			t.Fatal(err)
		}

		_, err := h.Pipeline.Rollback(context.Background(), rec.DeploymentID, token)
		if !errors.Is(err, gate.ErrInvalidState) {
			t.Errorf("Rollback() error = %v, want InvalidState", err)
		}
	})

	t.Run("staged record cannot be rolled back", func(t *testing.T) {
		h := testutil.NewHarness(t)
		token, _ := h.Login(t, "alice")
		rec, _ := h.Pipeline.Stage(context.Background(), h.Agent, token)

		_, err := h.Pipeline.Rollback(context.Background(), rec.DeploymentID, token)
		if !errors.Is(err, gate.ErrDeploymentNotFound) {
			t.Errorf("Rollback() error = %v, want DeploymentNotFound", err)
		}
	})

	t.Run("commit failure restores the file", func(t *testing.T) {
		h := testutil.NewHarness(t)
		token, _ := h.Login(t, "alice")
		rec := deploy(t, h, token)
		h.Workspace.CommitErr = &gate.GitCommandError{Args: []string{"commit"}, ExitCode: 1, Stderr: "hook rejected"}

		_, err := h.Pipeline.Rollback(context.Background(), rec.DeploymentID, token)
		if !errors.Is(err, gate.ErrGitCommand) {
			t.Fatalf("Rollback() error = %v, want GitCommandError", err)
		}
		calls := h.Workspace.MutatingCalls()
		if last := calls[len(calls)-1]; last != "restore app.py" {
			t.Errorf("git calls = %v, want a final restore of app.py", calls)
		}
		stored, _ := h.History.Get(rec.DeploymentID)
		if stored.Status != gate.StatusDeployed {
			t.Errorf("Status = %q, want deployed", stored.Status)
		}
	})

	t.Run("add failure restores the file", func(t *testing.T) {
		h := testutil.NewHarness(t)
		token, _ := h.Login(t, "alice")
		rec := deploy(t, h, token)
		h.Workspace.AddErr = &gate.GitCommandError{Args: []string{"add"}, ExitCode: 128, Stderr: "index.lock exists"}

		if _, err := h.Pipeline.Rollback(context.Background(), rec.DeploymentID, token); !errors.Is(err, gate.ErrGitCommand) {
			t.Fatalf("Rollback() error = %v, want GitCommandError", err)
		}
		calls := h.Workspace.MutatingCalls()
		if last := calls[len(calls)-1]; last != "restore app.py" {
			t.Errorf("git calls = %v, want a final restore of app.py", calls)
		}
	})

	t.Run("requires a session", func(t *testing.T) {
		h := testutil.NewHarness(t)
		token, _ := h.Login(t, "alice")
		rec := deploy(t, h, token)
		h.Auth.Logout(token)

		if _, err := h.Pipeline.Rollback(context.Background(), rec.DeploymentID, token); !errors.Is(err, gate.ErrUnauthorized) {
			t.Errorf("Rollback() error = %v, want Unauthorized", err)
		}
	})
}

func TestPipeline_StageAgent(t *testing.T) {
	t.Run("stages a configured agent", func(t *testing.T) {
		h := testutil.NewHarness(t)
		token, _ := h.Login(t, "alice")

		rec, err := h.Pipeline.StageAgent(context.Background(), h.Agents, "a1", token)
		if err != nil {
			t.Fatalf("StageAgent() error = %v", err)
		}
		if rec.AgentID != "a1" || rec.Status != gate.StatusStaged {
			t.Errorf("record = %+v", rec)
		}
	})

	t.Run("unknown agent is audited", func(t *testing.T) {
		h := testutil.NewHarness(t)
		before := len(h.Audit.Entries())

		_, err := h.Pipeline.StageAgent(context.Background(), h.Agents, "nope", "bogus")
		if !errors.Is(err, gate.ErrUnauthorized) {
			t.Errorf("StageAgent() without session error = %v, want Unauthorized", err)
		}

		token, _ := h.Login(t, "alice")
		_, err = h.Pipeline.StageAgent(context.Background(), h.Agents, "nope", token)
		if !errors.Is(err, gate.ErrAgentNotFound) {
			t.Errorf("StageAgent() error = %v, want AgentNotFound", err)
		}

		// One authenticate entry from Login, one per stage call.
		entries := h.Audit.Entries()[before:]
		if len(entries) != 3 {
			t.Fatalf("audit entries = %+v, want 3", entries)
		}
		unauth, notFound := entries[0], entries[2]
		if unauth.Source != gate.SourceStage || unauth.Authorized || unauth.AgentID != "nope" || unauth.Error == nil {
			t.Errorf("unauthorized stage entry = %+v", unauth)
		}
		if notFound.Source != gate.SourceStage || !notFound.Authorized || notFound.Client != "alice" || notFound.Error == nil {
			t.Errorf("unknown agent stage entry = %+v", notFound)
		}
		if len(h.Runner.Requests()) != 0 {
			t.Error("coverage ran for an unknown agent")
		}
	})
}

func TestPipeline_StageWorkspaceBounds(t *testing.T) {
	t.Run("dot-dot file name inside the workspace", func(t *testing.T) {
		h := testutil.NewHarness(t)
		h.FS.AddFile("/work/..env.py", []byte("X = 1\n"))
		h.FS.AddFile("/work/tests/test_..env.py", []byte("def test_x(): pass\n"))
		token, _ := h.Login(t, "alice")

		agent := gate.Agent{ID: "a2", Name: "Env", ManagedFile: "/work/..env.py"}
		rec, err := h.Pipeline.Stage(context.Background(), agent, token)
		if err != nil {
			t.Fatalf("Stage() error = %v", err)
		}
		if rec.ManagedFile != "..env.py" {
			t.Errorf("ManagedFile = %q, want ..env.py", rec.ManagedFile)
		}
	})

	t.Run("file outside the workspace", func(t *testing.T) {
		h := testutil.NewHarness(t)
		token, _ := h.Login(t, "alice")

		agent := gate.Agent{ID: "a2", Name: "Escape", ManagedFile: "/etc/passwd"}
		_, err := h.Pipeline.Stage(context.Background(), agent, token)
		if !errors.Is(err, gate.ErrInvalidState) {
			t.Errorf("Stage() error = %v, want InvalidState", err)
		}
		if len(h.Runner.Requests()) != 0 {
			t.Error("coverage ran for a file outside the workspace")
		}
	})
}

func TestPipeline_AuditsEachCall(t *testing.T) {
	h := testutil.NewHarness(t)
	token, _ := h.Login(t, "alice")
	before := len(h.Audit.Entries())

	rec, _ := h.Pipeline.Stage(context.Background(), h.Agent, token)
	h.Pipeline.Execute(context.Background(), rec.DeploymentID, token)
	h.Pipeline.Rollback(context.Background(), rec.DeploymentID, token)
	h.Pipeline.Execute(context.Background(), "missing", token)

	entries := h.Audit.Entries()[before:]
	want := []string{gate.SourceStage, gate.SourceExecute, gate.SourceRollback, gate.SourceExecute}
	if len(entries) != len(want) {
		t.Fatalf("audit entries = %d, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if e.Source != want[i] {
			t.Errorf("entry %d source = %q, want %q", i, e.Source, want[i])
		}
		if !e.Authorized || e.Client != "alice" {
			t.Errorf("entry %d = %+v", i, e)
		}
	}
	if entries[0].AgentID != "a1" || entries[0].Target != "app.py" {
		t.Errorf("stage entry = %+v", entries[0])
	}
	if entries[3].Error == nil {
		t.Error("failed execute has no error in audit entry")
	}
}

func TestPipeline_StatusSummary(t *testing.T) {
	h := testutil.NewHarness(t)
	token, _ := h.Login(t, "alice")

	for range 3 {
		rec, _ := h.Pipeline.Stage(context.Background(), h.Agent, token)
		h.Pipeline.Execute(context.Background(), rec.DeploymentID, token)
		h.Clock.Advance(time.Second)
	}
	last, _ := h.History.List(1)
	h.Pipeline.Rollback(context.Background(), last[0].DeploymentID, token)
	h.Pipeline.Stage(context.Background(), h.Agent, token)

	summary, err := h.Pipeline.StatusSummary(context.Background(), 2)
	if err != nil {
		t.Fatalf("StatusSummary() error = %v", err)
	}
	if summary.PendingDeployments != 1 || summary.TotalDeployments != 3 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.ByStatus[gate.StatusDeployed] != 2 || summary.ByStatus[gate.StatusRolledBack] != 1 {
		t.Errorf("ByStatus = %v", summary.ByStatus)
	}
	if len(summary.Recent) != 2 || summary.Recent[0].DeploymentID != last[0].DeploymentID {
		t.Errorf("Recent = %+v", summary.Recent)
	}
	if !summary.IsRepository {
		t.Error("IsRepository = false")
	}
}

func TestAuthorEmail(t *testing.T) {
	tests := map[string]string{
		"Alice Smith": "alice-smith@deploygate.local",
		"  bob  ":     "bob@deploygate.local",
		"ops/CI #3":   "ops-ci-3@deploygate.local",
		"":            "client@deploygate.local",
		"!!!":         "client@deploygate.local",
	}
	for in, want := range tests {
		if got := gate.AuthorEmail(in); got != want {
			t.Errorf("AuthorEmail(%q) = %q, want %q", in, got, want)
		}
	}
}

// TestPipeline_RealRepository runs stage, execute and rollback against a
// real git repository and a stub test runner.
func TestPipeline_RealRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	root := t.TempDir()
	runGit := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", root}, args...)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	write := func(rel, content string) {
		t.Helper()
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	runGit("init", "-q")
	runGit("config", "user.name", "test")
	runGit("config", "user.email", "test@example.com")
	write("app.py", "VERSION = 1\n")
	write("tests/test_app.py", "def test_version(): pass\n")
	runGit("add", "-A")
	runGit("commit", "-q", "-m", "initial")
	write("app.py", "VERSION = 2\n")

	logger := gate.NewNopLogger()
	clock := testutil.FixedClock()
	ids := testutil.NewStubIDGenerator()
	files := fsmgr.NewOSFilesystemManager(nil)
	pool := gate.NewPool(2)
	ws := git.NewWorkspace(root, pool, git.Options{}, logger)
	runner := testutil.NewFakeCoverageRunner(100)

	sessions := gate.NewSessionManager(clock, logger)
	keys, err := gate.NewKeyStore(keystore.NewMemoryRegistry(), sessions, gate.KeyStoreOptions{}, logger, clock)
	if err != nil {
		t.Fatal(err)
	}
	auditLog := audit.NewMemoryLog()
	auth := gate.NewAuthService(keys, sessions, auditLog, gate.AuthServiceOptions{}, logger, clock, ids)
	pipeline := gate.NewPipeline(ws, gate.NewCoverageGate(root, files, runner, logger), sessions, keys, history.NewMemoryHistory(0), auditLog, logger, clock, ids)

	agents, err := gate.NewAgentDirectory(root, files, []gate.AgentDefinition{{ID: "a1", Name: "Planner", File: "app.py"}})
	if err != nil {
		t.Fatal(err)
	}
	agent, _ := agents.Get("a1")

	priv, _, _, err := keys.GenerateClientKeypair("alice")
	if err != nil {
		t.Fatal(err)
	}
	session, err := auth.Authenticate(context.Background(), priv)
	if err != nil {
		t.Fatal(err)
	}

	rec, err := pipeline.Stage(context.Background(), agent, session.Token)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if !rec.HasChanges || !strings.Contains(rec.Diff, "+VERSION = 2") {
		t.Errorf("staged record = %+v", rec)
	}

	msg, err := pipeline.Execute(context.Background(), rec.DeploymentID, session.Token)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(msg, "(not pushed)") {
		t.Errorf("message = %q, want not pushed without a remote", msg)
	}

	if _, err := pipeline.Rollback(context.Background(), rec.DeploymentID, session.Token); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	got, _ := os.ReadFile(filepath.Join(root, "app.py"))
	if string(got) != "VERSION = 1\n" {
		t.Errorf("app.py after rollback = %q, want original content", got)
	}
}

func shortHash(hash string) string {
	return hash[:12]
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
