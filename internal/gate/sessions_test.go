package gate_test

import (
	"errors"
	"testing"
	"time"

	"deploygate/internal/gate"
	"deploygate/internal/testutil"
)

func TestSessionManager_Validate(t *testing.T) {
	t.Run("valid until expiry", func(t *testing.T) {
		clock := testutil.FixedClock()
		m := gate.NewSessionManager(clock, gate.NewNopLogger())

		s, err := m.Create("fp", "alice", time.Hour)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if s.ExpiresAt != clock.Now().Add(time.Hour) {
			t.Errorf("ExpiresAt = %v, want %v", s.ExpiresAt, clock.Now().Add(time.Hour))
		}

		clock.Advance(time.Hour - time.Second)
		got, err := m.Validate(s.Token)
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if got.ClientName != "alice" || got.Fingerprint != "fp" {
			t.Errorf("Validate() = %+v", got)
		}
	})

	t.Run("expired at the boundary", func(t *testing.T) {
		clock := testutil.FixedClock()
		m := gate.NewSessionManager(clock, gate.NewNopLogger())
		s, _ := m.Create("fp", "alice", time.Hour)

		clock.Advance(time.Hour)
		_, err := m.Validate(s.Token)
		if !errors.Is(err, gate.ErrUnauthorized) {
			t.Fatalf("Validate() error = %v, want Unauthorized", err)
		}
		if m.ActiveCount() != 0 {
			t.Errorf("ActiveCount() = %d, want 0", m.ActiveCount())
		}
	})

	t.Run("unknown and empty tokens", func(t *testing.T) {
		m := gate.NewSessionManager(testutil.FixedClock(), gate.NewNopLogger())
		for _, token := range []string{"", "nope"} {
			if _, err := m.Validate(token); !errors.Is(err, gate.ErrUnauthorized) {
				t.Errorf("Validate(%q) error = %v, want Unauthorized", token, err)
			}
		}
	})

	t.Run("tokens are unique", func(t *testing.T) {
		m := gate.NewSessionManager(testutil.FixedClock(), gate.NewNopLogger())
		seen := make(map[string]bool)
		for range 50 {
			s, err := m.Create("fp", "alice", 0)
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if seen[s.Token] {
				t.Fatalf("duplicate token %q", s.Token)
			}
			seen[s.Token] = true
		}
	})
}

func TestSessionManager_Revoke(t *testing.T) {
	m := gate.NewSessionManager(testutil.FixedClock(), gate.NewNopLogger())
	a1, _ := m.Create("fp-a", "alice", time.Hour)
	a2, _ := m.Create("fp-a", "alice", time.Hour)
	b, _ := m.Create("fp-b", "bob", time.Hour)

	if !m.Revoke(a1.Token) {
		t.Error("Revoke() = false, want true")
	}
	if m.Revoke(a1.Token) {
		t.Error("second Revoke() = true, want false")
	}

	if n := m.RevokeAllFor("fp-a"); n != 1 {
		t.Errorf("RevokeAllFor() = %d, want 1", n)
	}
	if _, err := m.Validate(a2.Token); err == nil {
		t.Error("Validate() succeeded for revoked session")
	}
	if _, err := m.Validate(b.Token); err != nil {
		t.Errorf("Validate() error = %v for unrelated session", err)
	}
}

func TestSessionManager_Cleanup(t *testing.T) {
	clock := testutil.FixedClock()
	m := gate.NewSessionManager(clock, gate.NewNopLogger())
	m.Create("fp", "short", time.Minute)
	m.Create("fp", "long", time.Hour)

	clock.Advance(2 * time.Minute)
	if n := m.Cleanup(); n != 1 {
		t.Errorf("Cleanup() = %d, want 1", n)
	}
	if m.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", m.ActiveCount())
	}
}
