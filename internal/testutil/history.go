package testutil

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"deploygate/internal/gate"
)

// NewDeploymentRecord returns a deployed record for agent staged at t.
func NewDeploymentRecord(id, agentID string, t time.Time) gate.DeploymentRecord {
	deployed := t.Add(time.Minute)
	return gate.DeploymentRecord{
		DeploymentID:    id,
		AgentID:         agentID,
		AgentName:       "Agent " + agentID,
		ManagedFile:     "app.py",
		HasChanges:      true,
		GitStatus:       " M app.py\n",
		Diff:            "diff --git a/app.py b/app.py\n",
		CoveragePercent: 100,
		CoverageOK:      true,
		CoverageReport:  "Coverage: 100.00%\n",
		CommitMessage:   "Deploy app.py for agent " + agentID,
		Status:          gate.StatusDeployed,
		StagedBy:        "alice",
		StagedAt:        t,
		DeployedBy:      "alice",
		DeployedAt:      &deployed,
		CommitHash:      "0123456789abcdef0123456789abcdef01234567",
		Pushed:          false,
	}
}

// RunHistoryTests exercises the gate.History contract. newHistory must
// return an empty history capped at maxEntries.
func RunHistoryTests(t *testing.T, newHistory func(t *testing.T, maxEntries int) gate.History) {
	t.Helper()
	base := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	t.Run("get missing returns nil", func(t *testing.T) {
		h := newHistory(t, 10)
		got, err := h.Get("git_a1_1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got != nil {
			t.Errorf("Get() = %+v, want nil", got)
		}
	})

	t.Run("round trip", func(t *testing.T) {
		h := newHistory(t, 10)
		rec := NewDeploymentRecord("git_a1_1", "a1", base)
		if err := h.Save(rec); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		got, err := h.Get(rec.DeploymentID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got == nil {
			t.Fatal("Get() = nil after Save()")
		}
		if !reflect.DeepEqual(*got, rec) {
			t.Errorf("Get() = %+v\nwant %+v", *got, rec)
		}
	})

	t.Run("save merges by id", func(t *testing.T) {
		h := newHistory(t, 10)
		first := NewDeploymentRecord("git_a1_1", "a1", base)
		second := NewDeploymentRecord("git_a2_2", "a2", base.Add(time.Second))
		for _, r := range []gate.DeploymentRecord{first, second} {
			if err := h.Save(r); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
		}

		rolled := base.Add(time.Hour)
		first.Status = gate.StatusRolledBack
		first.RolledBackBy = "bob"
		first.RolledBackAt = &rolled
		if err := h.Save(first); err != nil {
			t.Fatalf("Save() update error = %v", err)
		}

		n, err := h.Count()
		if err != nil {
			t.Fatalf("Count() error = %v", err)
		}
		if n != 2 {
			t.Fatalf("Count() = %d, want 2", n)
		}

		list, err := h.List(0)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("List() returned %d records, want 2", len(list))
		}
		// The update keeps the record's original position.
		if list[0].DeploymentID != "git_a2_2" || list[1].DeploymentID != "git_a1_1" {
			t.Errorf("List() order = [%s %s], want [git_a2_2 git_a1_1]", list[0].DeploymentID, list[1].DeploymentID)
		}
		if list[1].Status != gate.StatusRolledBack || list[1].RolledBackBy != "bob" {
			t.Errorf("updated record = %+v", list[1])
		}
	})

	t.Run("list is newest first and honors limit", func(t *testing.T) {
		h := newHistory(t, 10)
		for i := range 5 {
			rec := NewDeploymentRecord(fmt.Sprintf("git_a1_%d", i), "a1", base.Add(time.Duration(i)*time.Second))
			if err := h.Save(rec); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
		}

		list, err := h.List(2)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("List(2) returned %d records", len(list))
		}
		if list[0].DeploymentID != "git_a1_4" || list[1].DeploymentID != "git_a1_3" {
			t.Errorf("List(2) = [%s %s], want [git_a1_4 git_a1_3]", list[0].DeploymentID, list[1].DeploymentID)
		}
	})

	t.Run("cap drops oldest", func(t *testing.T) {
		h := newHistory(t, 3)
		for i := range 5 {
			rec := NewDeploymentRecord(fmt.Sprintf("git_a1_%d", i), "a1", base.Add(time.Duration(i)*time.Second))
			if err := h.Save(rec); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
		}

		n, err := h.Count()
		if err != nil {
			t.Fatalf("Count() error = %v", err)
		}
		if n != 3 {
			t.Fatalf("Count() = %d, want 3", n)
		}
		for _, id := range []string{"git_a1_0", "git_a1_1"} {
			got, err := h.Get(id)
			if err != nil {
				t.Fatalf("Get(%s) error = %v", id, err)
			}
			if got != nil {
				t.Errorf("Get(%s) found a record that should have been dropped", id)
			}
		}
	})
}
