package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"deploygate/internal/audit"
	"deploygate/internal/config"
	"deploygate/internal/coverage"
	"deploygate/internal/database"
	"deploygate/internal/fs"
	"deploygate/internal/gate"
	"deploygate/internal/git"
	"deploygate/internal/history"
	"deploygate/internal/keystore"
	"deploygate/internal/vault"
)

// ProtectFileName is the per-workspace pattern file listing paths no agent
// may manage, one pattern per line.
const ProtectFileName = ".deploygateprotect"

// App is the application layer between the transports (CLI, MCP) and the
// gate. It constructs all dependencies from config, owns the process-lifetime
// state (sessions, pending deployments), and tears it down on Close.
type App struct {
	cfg       *config.Config
	logger    gate.Logger
	logFile   *os.File
	runID     string
	clock     gate.Clock
	registry  gate.KeyRegistry
	history   gate.History
	auditLog  gate.AuditLog
	workspace *git.Workspace
	sessions  *gate.SessionManager
	keys      *gate.KeyStore
	auth      *gate.AuthService
	agents    *gate.AgentDirectory
	pipeline  *gate.Pipeline

	stopCleanup context.CancelFunc
	cleanupDone chan struct{}
}

// New creates a fully wired App from the given config. The caller must call
// Close when done.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	runID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, runID, parseLevel(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	a := &App{cfg: cfg, logger: logger, logFile: logFile, runID: runID, clock: gate.RealClock{}}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg := a.cfg
	ids := gate.UUIDGenerator{}

	patterns, err := fs.ParsePatternFile(filepath.Join(cfg.WorkspaceRoot, ProtectFileName))
	if err != nil {
		return fmt.Errorf("reading protect patterns: %w", err)
	}
	fsmgr := fs.NewOSFilesystemManager(append(patterns, cfg.Filesystem.Protected...))

	agents, err := gate.NewAgentDirectory(cfg.WorkspaceRoot, fsmgr, agentDefinitions(cfg.Agents))
	if err != nil {
		return fmt.Errorf("loading agents: %w", err)
	}
	a.agents = agents

	a.registry, err = keystore.NewRegistryFromConfig(cfg.Keys)
	if err != nil {
		return fmt.Errorf("creating key registry: %w", err)
	}

	a.history, err = history.NewHistoryFromConfig(cfg.History)
	if err != nil {
		return fmt.Errorf("creating deployment history: %w", err)
	}
	if db, ok := a.history.(*database.SQLiteHistory); ok {
		if err := db.CheckMigrations(); err != nil {
			return fmt.Errorf("history schema out of date (run 'deploygate db migrate'): %w", err)
		}
	}

	a.auditLog, err = audit.NewAuditLogFromConfig(cfg.Audit)
	if err != nil {
		return fmt.Errorf("creating audit log: %w", err)
	}

	a.sessions = gate.NewSessionManager(a.clock, a.logger)
	a.keys, err = gate.NewKeyStore(a.registry, a.sessions, gate.KeyStoreOptions{
		ServerKeyPath:       cfg.Keys.ServerKeyPath,
		ServerPublicKeyPath: cfg.Keys.ServerPublicKeyPath,
		KeyBits:             cfg.Keys.KeyBits,
	}, a.logger, a.clock)
	if err != nil {
		return fmt.Errorf("loading key store: %w", err)
	}

	a.auth = gate.NewAuthService(a.keys, a.sessions, a.auditLog, gate.AuthServiceOptions{
		SessionTTL: cfg.Session.TTL.Duration,
	}, a.logger, a.clock, ids)

	pool := gate.NewPool(cfg.Workers.MaxSubprocesses)
	a.workspace = git.NewWorkspace(agents.Root(), pool, git.Options{
		Binary:  cfg.Git.Binary,
		Timeout: cfg.Git.Timeout.Duration,
	}, a.logger)
	runner := coverage.NewCommandRunner(cfg.Coverage.Command, cfg.Coverage.Timeout.Duration, pool, a.logger)
	gateCoverage := gate.NewCoverageGate(agents.Root(), fsmgr, runner, a.logger)

	a.pipeline = gate.NewPipeline(a.workspace, gateCoverage, a.sessions, a.keys, a.history, a.auditLog, a.logger, a.clock, ids)

	if interval := cfg.Session.CleanupInterval.Duration; interval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		a.stopCleanup = cancel
		a.cleanupDone = make(chan struct{})
		go func() {
			defer close(a.cleanupDone)
			a.sessions.StartCleanup(ctx, interval)
		}()
	}

	a.logger.Debug("app wired", "workspace", agents.Root(), "agents", len(cfg.Agents))
	return nil
}

func agentDefinitions(agents []config.AgentConfig) []gate.AgentDefinition {
	defs := make([]gate.AgentDefinition, 0, len(agents))
	for _, a := range agents {
		defs = append(defs, gate.AgentDefinition{ID: a.ID, Name: a.Name, File: a.File})
	}
	return defs
}

// Config returns the configuration the App was built from.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Logger returns the App's logger.
func (a *App) Logger() gate.Logger {
	return a.logger
}

// RunID identifies this process in the log file.
func (a *App) RunID() string {
	return a.runID
}

// Agents returns the configured agents.
func (a *App) Agents() []gate.Agent {
	return a.agents.List()
}

// EnsureServerKeys creates the server keypair when it does not exist yet.
// It reports whether a keypair was generated.
func (a *App) EnsureServerKeys() (bool, error) {
	return a.keys.EnsureServerKeypair()
}

// GenerateKey creates a client keypair for owner and authorizes its public
// half. The private key is returned once and never stored.
func (a *App) GenerateKey(owner string) (string, gate.KeyEntry, error) {
	privatePEM, _, entry, err := a.keys.GenerateClientKeypair(owner)
	if err != nil {
		return "", gate.KeyEntry{}, err
	}
	a.logger.Info("client key generated", "owner", entry.Name, "fingerprint", entry.Fingerprint)
	return privatePEM, entry, nil
}

// AuthorizeKey adds an existing public key for owner.
func (a *App) AuthorizeKey(owner, publicPEM string) (gate.KeyEntry, error) {
	entry, err := a.keys.Authorize(owner, publicPEM)
	if err != nil {
		return gate.KeyEntry{}, err
	}
	a.logger.Info("client key authorized", "owner", entry.Name, "fingerprint", entry.Fingerprint)
	return entry, nil
}

// AuthorizedKeys lists every authorized key. This is the administrative
// view and needs no session.
func (a *App) AuthorizedKeys() []gate.KeyEntry {
	return a.keys.List()
}

// RevokeFingerprint revokes a key from the administrative CLI.
func (a *App) RevokeFingerprint(fingerprint string) (bool, error) {
	found, err := a.keys.Revoke(fingerprint)
	if err != nil {
		return false, err
	}
	if found {
		a.logger.Info("client key revoked", "fingerprint", fingerprint)
	}
	return found, nil
}

// Authenticate logs in with a PEM private key and returns a session.
func (a *App) Authenticate(ctx context.Context, privateKeyPEM string) (gate.Session, error) {
	return a.auth.Authenticate(ctx, privateKeyPEM)
}

// Logout ends the session for token.
func (a *App) Logout(token string) bool {
	return a.auth.Logout(token)
}

// Stage stages the managed file of agentID.
func (a *App) Stage(ctx context.Context, agentID, token string) (gate.DeploymentRecord, error) {
	return a.pipeline.StageAgent(ctx, a.agents, agentID, token)
}

// Execute commits and pushes a staged deployment.
func (a *App) Execute(ctx context.Context, deploymentID, token string) (string, error) {
	return a.pipeline.Execute(ctx, deploymentID, token)
}

// Rollback reverts a deployed change.
func (a *App) Rollback(ctx context.Context, deploymentID, token string) (string, error) {
	return a.pipeline.Rollback(ctx, deploymentID, token)
}

// Status summarizes pending and historical deployments.
func (a *App) Status(ctx context.Context, recent int) (gate.StatusSummary, error) {
	return a.pipeline.StatusSummary(ctx, recent)
}

// Deployment returns one record from pending deployments or history.
func (a *App) Deployment(deploymentID string) (gate.DeploymentRecord, error) {
	return a.pipeline.Lookup(deploymentID)
}

// SecurityStatus summarizes the authentication subsystem.
func (a *App) SecurityStatus() gate.SecurityStatus {
	return a.auth.SecurityStatus()
}

// ListKeys lists authorized keys for a session holder.
func (a *App) ListKeys(token string) ([]gate.KeyEntry, error) {
	if _, err := a.sessions.Validate(token); err != nil {
		return nil, err
	}
	return a.keys.List(), nil
}

// RevokeKey revokes fingerprint on behalf of the session holder.
func (a *App) RevokeKey(ctx context.Context, token, fingerprint string) (bool, error) {
	return a.auth.RevokeKey(ctx, token, fingerprint)
}

// MigrateHistory applies pending schema migrations to the configured history
// backend. It is a no-op for backends without a schema. It runs outside New
// because New refuses to start on an out-of-date schema.
func MigrateHistory(cfg config.HistoryConfig) error {
	h, err := history.NewHistoryFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("creating deployment history: %w", err)
	}
	defer h.Close()

	db, ok := h.(*database.SQLiteHistory)
	if !ok {
		return nil
	}
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrating history database: %w", err)
	}
	return nil
}

// CheckVaults verifies every configured vault is reachable and writable.
func (a *App) CheckVaults(ctx context.Context) error {
	if len(a.cfg.Vaults) == 0 {
		return fmt.Errorf("no vaults configured")
	}
	for _, vc := range a.cfg.Vaults {
		v, err := vault.NewVaultFromConfig(ctx, vc)
		if err != nil {
			return fmt.Errorf("creating vault %q: %w", vc.Name, err)
		}
		if err := v.ValidateSetup(ctx); err != nil {
			return fmt.Errorf("vault %q: %w", vc.Name, err)
		}
	}
	return nil
}

// snapshotSource is one state file that Backup uploads.
type snapshotSource struct {
	name string
	path string
}

// snapshotSources lists the file-backed state. In-memory backends have
// nothing to snapshot. The returned cleanup removes temporary copies.
func (a *App) snapshotSources() ([]snapshotSource, func(), error) {
	var sources []snapshotSource
	cleanup := func() {}

	if r, ok := a.registry.(*keystore.FileRegistry); ok {
		sources = append(sources, snapshotSource{name: "authorized_keys.json", path: r.Path()})
	}

	switch h := a.history.(type) {
	case *history.JSONHistory:
		sources = append(sources, snapshotSource{name: "deployment_history.json", path: h.Path()})
	case *database.SQLiteHistory:
		dir, err := os.MkdirTemp("", "deploygate-backup-*")
		if err != nil {
			return nil, cleanup, fmt.Errorf("creating backup directory: %w", err)
		}
		cleanup = func() { os.RemoveAll(dir) }
		tmp := filepath.Join(dir, "history.db")
		if err := h.BackupTo(tmp); err != nil {
			return nil, cleanup, err
		}
		sources = append(sources, snapshotSource{name: "history.db", path: tmp})
	}

	if l, ok := a.auditLog.(*audit.FileLog); ok {
		sources = append(sources, snapshotSource{name: "audit.log", path: l.Path()})
	}
	return sources, cleanup, nil
}

// Backup uploads the key registry, deployment history, and audit log to
// every configured vault. The snapshot version is the current unix time.
// It returns the snapshot names uploaded.
func (a *App) Backup(ctx context.Context) ([]string, error) {
	if len(a.cfg.Vaults) == 0 {
		return nil, fmt.Errorf("no vaults configured")
	}

	sources, cleanup, err := a.snapshotSources()
	defer cleanup()
	if err != nil {
		return nil, err
	}

	version := a.clock.Now().Unix()
	var uploaded []string
	for _, vc := range a.cfg.Vaults {
		v, err := vault.NewVaultFromConfig(ctx, vc)
		if err != nil {
			return uploaded, fmt.Errorf("creating vault %q: %w", vc.Name, err)
		}
		for _, src := range sources {
			if err := uploadSnapshot(ctx, v, src, version); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					a.logger.Debug("skipping missing state file", "snapshot", src.name)
					continue
				}
				return uploaded, fmt.Errorf("uploading %s to vault %q: %w", src.name, vc.Name, err)
			}
			a.logger.Info("snapshot uploaded", "vault", vc.Name, "snapshot", src.name, "version", version)
			uploaded = append(uploaded, src.name)
		}
	}
	return uploaded, nil
}

func uploadSnapshot(ctx context.Context, v gate.Vault, src snapshotSource, version int64) error {
	f, err := os.Open(src.path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src.path, err)
	}
	// The audit log may grow while it is read; upload the prefix we sized.
	return v.PutSnapshot(ctx, src.name, io.LimitReader(f, info.Size()), info.Size(), version)
}

// Restore downloads snapshot name from the vault holding its newest version
// and writes it atomically to dest.
func (a *App) Restore(ctx context.Context, name, dest string) (int64, error) {
	var (
		best        gate.Vault
		bestVersion int64
		bestName    string
	)
	for _, vc := range a.cfg.Vaults {
		v, err := vault.NewVaultFromConfig(ctx, vc)
		if err != nil {
			return 0, fmt.Errorf("creating vault %q: %w", vc.Name, err)
		}
		version, err := v.SnapshotVersion(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("checking %s in vault %q: %w", name, vc.Name, err)
		}
		if version > bestVersion {
			best, bestVersion, bestName = v, version, vc.Name
		}
	}
	if best == nil {
		return 0, fmt.Errorf("%w: %s", vault.ErrSnapshotNotFound, name)
	}

	var buf bytes.Buffer
	if err := best.GetSnapshot(ctx, name, &buf); err != nil {
		return 0, fmt.Errorf("downloading %s from vault %q: %w", name, bestName, err)
	}
	if err := fs.WriteFileAtomic(dest, buf.Bytes(), 0600); err != nil {
		return 0, fmt.Errorf("writing %s: %w", dest, err)
	}
	a.logger.Info("snapshot restored", "vault", bestName, "snapshot", name, "version", bestVersion, "dest", dest)
	return bestVersion, nil
}

// Close stops background work and closes all resources.
func (a *App) Close() error {
	var firstErr error

	if a.stopCleanup != nil {
		a.stopCleanup()
		<-a.cleanupDone
	}

	if a.history != nil {
		if err := a.history.Close(); err != nil {
			firstErr = fmt.Errorf("closing deployment history: %w", err)
		}
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
