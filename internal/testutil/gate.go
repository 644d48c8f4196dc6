package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"deploygate/internal/audit"
	"deploygate/internal/gate"
	"deploygate/internal/history"
	"deploygate/internal/keystore"
)

// GateRoot is the workspace root used by Harness.
const GateRoot = "/work"

// Harness wires the gate services to in-memory collaborators. The agent
// "a1" manages /work/app.py, tested by /work/tests/test_app.py.
type Harness struct {
	Clock     *StubClock
	IDs       *StubIDGenerator
	FS        *MockFilesystemManager
	Registry  *keystore.MemoryRegistry
	History   *history.MemoryHistory
	Audit     *audit.MemoryLog
	Workspace *FakeWorkspace
	Runner    *FakeCoverageRunner

	Sessions *gate.SessionManager
	Keys     *gate.KeyStore
	Auth     *gate.AuthService
	Coverage *gate.CoverageGate
	Pipeline *gate.Pipeline
	Agents   *gate.AgentDirectory
	Agent    gate.Agent
}

// NewHarness builds a Harness with full coverage and a modified app.py.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	logger := gate.NewNopLogger()
	h := &Harness{
		Clock:     FixedClock(),
		IDs:       NewStubIDGenerator(),
		FS:        NewMockFilesystemManager(),
		Registry:  keystore.NewMemoryRegistry(),
		History:   history.NewMemoryHistory(0),
		Audit:     audit.NewMemoryLog(),
		Workspace: NewFakeWorkspace(GateRoot),
		Runner:    NewFakeCoverageRunner(100),
	}
	h.FS.AddFile(filepath.Join(GateRoot, "app.py"), []byte("print('hi')\n"))
	h.FS.AddFile(filepath.Join(GateRoot, "tests", "test_app.py"), []byte("def test_app(): pass\n"))

	keyDir := t.TempDir()
	h.Sessions = gate.NewSessionManager(h.Clock, logger)
	keys, err := gate.NewKeyStore(h.Registry, h.Sessions, gate.KeyStoreOptions{
		ServerKeyPath:       filepath.Join(keyDir, "server.pem"),
		ServerPublicKeyPath: filepath.Join(keyDir, "server.pub.pem"),
	}, logger, h.Clock)
	if err != nil {
		t.Fatalf("NewKeyStore() error = %v", err)
	}
	h.Keys = keys

	h.Auth = gate.NewAuthService(h.Keys, h.Sessions, h.Audit, gate.AuthServiceOptions{SessionTTL: time.Hour}, logger, h.Clock, h.IDs)
	h.Coverage = gate.NewCoverageGate(GateRoot, h.FS, h.Runner, logger)
	h.Pipeline = gate.NewPipeline(h.Workspace, h.Coverage, h.Sessions, h.Keys, h.History, h.Audit, logger, h.Clock, h.IDs)

	agents, err := gate.NewAgentDirectory(GateRoot, h.FS, []gate.AgentDefinition{{ID: "a1", Name: "Planner", File: "app.py"}})
	if err != nil {
		t.Fatalf("NewAgentDirectory() error = %v", err)
	}
	h.Agents = agents
	h.Agent, _ = agents.Get("a1")
	return h
}

// Login authorizes a fresh key for owner and returns the session token and
// the key's private PEM.
func (h *Harness) Login(t *testing.T, owner string) (token, privatePEM string) {
	t.Helper()

	privatePEM, _, _, err := h.Keys.GenerateClientKeypair(owner)
	if err != nil {
		t.Fatalf("GenerateClientKeypair() error = %v", err)
	}
	session, err := h.Auth.Authenticate(context.Background(), privatePEM)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	return session.Token, privatePEM
}
