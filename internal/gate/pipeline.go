package gate

import (
	"cmp"
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultRecentDeployments is how many records StatusSummary returns when
// the caller does not ask for a specific number.
const DefaultRecentDeployments = 10

// Pipeline stages, executes, and rolls back single-file deployments.
//
// Staged records live only in memory until they are executed; durable
// history holds deployed and rolled back records. Execute and Rollback for
// the same agent are serialized.
type Pipeline struct {
	ws       Workspace
	coverage *CoverageGate
	sessions *SessionManager
	keys     *KeyStore
	history  History
	audit    *auditor
	logger   Logger
	clock    Clock

	mu      sync.Mutex
	pending map[string]DeploymentRecord

	agentLocks keyedMutex
}

// NewPipeline creates a Pipeline. auditLog may be nil.
func NewPipeline(ws Workspace, coverage *CoverageGate, sessions *SessionManager, keys *KeyStore, history History, auditLog AuditLog, logger Logger, clock Clock, ids IDGenerator) *Pipeline {
	return &Pipeline{
		ws:       ws,
		coverage: coverage,
		sessions: sessions,
		keys:     keys,
		history:  history,
		audit:    &auditor{log: auditLog, ids: ids, clock: clock, logger: logger},
		logger:   logger,
		clock:    clock,
		pending:  make(map[string]DeploymentRecord),
	}
}

// AgentResolver looks agents up by ID. *AgentDirectory implements it.
type AgentResolver interface {
	Get(id string) (Agent, error)
}

// Stage measures coverage and captures the git state of the agent's file.
// The resulting record is held as pending; nothing is written to history.
func (p *Pipeline) Stage(ctx context.Context, agent Agent, token string) (DeploymentRecord, error) {
	return p.stage(ctx, agent.ID, token, func() (Agent, error) { return agent, nil })
}

// StageAgent resolves agentID through agents and stages it. An unknown
// agent is audited like any other failed stage, and an invalid session is
// reported ahead of it.
func (p *Pipeline) StageAgent(ctx context.Context, agents AgentResolver, agentID, token string) (DeploymentRecord, error) {
	return p.stage(ctx, agentID, token, func() (Agent, error) { return agents.Get(agentID) })
}

func (p *Pipeline) stage(ctx context.Context, agentID, token string, resolve func() (Agent, error)) (rec DeploymentRecord, err error) {
	ev := auditEvent{source: SourceStage, agentID: agentID}
	defer func() {
		ev.err = err
		p.audit.record(ev)
	}()

	agent, agentErr := resolve()
	if agentErr == nil {
		ev.target = agent.ManagedFile
	}

	session, err := p.sessions.Validate(token)
	if err != nil {
		return DeploymentRecord{}, err
	}
	ev.client = session.ClientName
	ev.authorized = true

	if agentErr != nil {
		return DeploymentRecord{}, agentErr
	}

	rel, err := filepath.Rel(p.ws.Root(), agent.ManagedFile)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return DeploymentRecord{}, newError(KindInvalidState, "managed file %s is outside the workspace", agent.ManagedFile)
	}
	ev.target = rel

	var (
		cov          CoverageResult
		covErr       error
		status, diff string
		gitErr       error
	)
	var g errgroup.Group
	g.Go(func() error {
		cov, covErr = p.coverage.Validate(ctx, agent)
		return covErr
	})
	g.Go(func() error {
		status, gitErr = p.ws.Status(ctx, rel)
		if gitErr != nil {
			return gitErr
		}
		diff, gitErr = p.ws.Diff(ctx, rel, false)
		return gitErr
	})
	_ = g.Wait()

	// Coverage errors name the missing file; report them ahead of git noise.
	if covErr != nil {
		return DeploymentRecord{}, covErr
	}
	if gitErr != nil {
		p.logger.Error("git inspection failed", "agent", agent.ID, "file", rel, "error", gitErr)
		return DeploymentRecord{}, gitErr
	}

	now := p.clock.Now()
	rec = DeploymentRecord{
		DeploymentID:    fmt.Sprintf("git_%s_%d", agent.ID, now.Unix()),
		AgentID:         agent.ID,
		AgentName:       agent.Name,
		ManagedFile:     rel,
		HasChanges:      strings.TrimSpace(status) != "",
		GitStatus:       status,
		Diff:            diff,
		CoveragePercent: cov.Percent,
		CoverageOK:      cov.OK,
		CoverageReport:  cov.Report,
		CommitMessage:   fmt.Sprintf("Deploy %s for agent %s (%s)", rel, agent.Name, agent.ID),
		Status:          StatusStaged,
		StagedBy:        session.ClientName,
		StagedAt:        now,
	}
	if !cov.OK {
		rec.Status = StatusFailedCoverage
	}

	p.mu.Lock()
	p.pending[rec.DeploymentID] = rec
	p.mu.Unlock()

	p.logger.Info("deployment staged", "deployment_id", rec.DeploymentID, "status", rec.Status, "coverage", rec.CoveragePercent)
	return rec, nil
}

// Execute commits a staged deployment. Only a staged record with full
// coverage can be executed; anything else fails without touching git. A
// record whose commit landed but whose history save failed is saved again
// instead of committed.
func (p *Pipeline) Execute(ctx context.Context, deploymentID, token string) (msg string, err error) {
	ev := auditEvent{source: SourceExecute, target: deploymentID}
	defer func() {
		ev.err = err
		p.audit.record(ev)
	}()

	session, err := p.sessions.Validate(token)
	if err != nil {
		return "", err
	}
	ev.client = session.ClientName
	ev.authorized = true

	rec, err := p.pendingRecord(deploymentID)
	if err != nil {
		return "", err
	}
	ev.agentID = rec.AgentID
	if err := checkExecutable(rec); err != nil {
		return "", err
	}

	unlock := p.agentLocks.lock(rec.AgentID)
	defer unlock()

	// Another Execute may have won the race for this record.
	rec, err = p.pendingRecord(deploymentID)
	if err != nil {
		return "", err
	}
	if err := checkExecutable(rec); err != nil {
		return "", err
	}

	if committed(rec) {
		p.logger.Info("retrying history save for committed deployment", "deployment_id", deploymentID, "commit", rec.CommitHash)
		return p.recordDeployed(rec, session)
	}

	if err := p.ws.Add(ctx, rec.ManagedFile); err != nil {
		p.logger.Error("git add failed", "deployment_id", deploymentID, "error", err)
		return "", err
	}
	hash, err := p.ws.Commit(ctx, rec.ManagedFile, rec.CommitMessage, session.ClientName, AuthorEmail(session.ClientName))
	if err != nil {
		p.logger.Error("git commit failed", "deployment_id", deploymentID, "error", err)
		return "", err
	}
	pushed := p.ws.Push(ctx)
	if !pushed {
		p.logger.Warn("deployment not pushed", "deployment_id", deploymentID)
	}

	now := p.clock.Now()
	rec.Status = StatusDeployed
	rec.DeployedBy = session.ClientName
	rec.DeployedAt = &now
	rec.CommitHash = hash
	rec.Pushed = pushed

	return p.recordDeployed(rec, session)
}

// recordDeployed persists a committed record and drops it from pending. On
// failure the record stays pending as deployed, so a later Execute of the
// same ID retries the save without committing again.
func (p *Pipeline) recordDeployed(rec DeploymentRecord, session Session) (string, error) {
	if err := p.history.Save(rec); err != nil {
		p.mu.Lock()
		p.pending[rec.DeploymentID] = rec
		p.mu.Unlock()
		p.logger.Error("failed to save deployment history", "deployment_id", rec.DeploymentID, "commit", rec.CommitHash, "error", err)
		return "", wrapError(KindStoreUnavailable, err, "deployment %s committed as %s but history could not be saved", rec.DeploymentID, rec.CommitHash)
	}

	p.mu.Lock()
	delete(p.pending, rec.DeploymentID)
	p.mu.Unlock()

	if err := p.keys.RecordDeployment(session.Fingerprint); err != nil {
		p.logger.Warn("failed to record deployment on key", "fingerprint", session.Fingerprint, "error", err)
	}

	p.logger.Info("deployment executed", "deployment_id", rec.DeploymentID, "commit", rec.CommitHash, "pushed", rec.Pushed)
	msg := fmt.Sprintf("Deployed %s in commit %s", rec.ManagedFile, shortHash(rec.CommitHash))
	if !rec.Pushed {
		msg += " (not pushed)"
	}
	return msg, nil
}

// Rollback reverts a deployed record with a new commit that restores the
// file's content from before the deployment.
func (p *Pipeline) Rollback(ctx context.Context, deploymentID, token string) (msg string, err error) {
	ev := auditEvent{source: SourceRollback, target: deploymentID}
	defer func() {
		ev.err = err
		p.audit.record(ev)
	}()

	session, err := p.sessions.Validate(token)
	if err != nil {
		return "", err
	}
	ev.client = session.ClientName
	ev.authorized = true

	rec, err := p.deployedRecord(deploymentID)
	if err != nil {
		return "", err
	}
	ev.agentID = rec.AgentID

	unlock := p.agentLocks.lock(rec.AgentID)
	defer unlock()

	rec, err = p.deployedRecord(deploymentID)
	if err != nil {
		return "", err
	}

	if err := p.ws.CheckoutPrevious(ctx, rec.ManagedFile, rec.CommitHash); err != nil {
		p.logger.Error("git checkout failed", "deployment_id", deploymentID, "error", err)
		return "", err
	}
	if err := p.ws.Add(ctx, rec.ManagedFile); err != nil {
		p.logger.Error("git add failed", "deployment_id", deploymentID, "error", err)
		p.restore(ctx, rec.ManagedFile)
		return "", err
	}
	hash, err := p.ws.Commit(ctx, rec.ManagedFile, "Revert: "+rec.CommitMessage, session.ClientName, AuthorEmail(session.ClientName))
	if err != nil {
		p.logger.Error("git commit failed", "deployment_id", deploymentID, "error", err)
		p.restore(ctx, rec.ManagedFile)
		return "", err
	}
	if !p.ws.Push(ctx) {
		p.logger.Warn("rollback not pushed", "deployment_id", deploymentID)
	}

	now := p.clock.Now()
	rec.Status = StatusRolledBack
	rec.RolledBackBy = session.ClientName
	rec.RolledBackAt = &now
	rec.RevertCommitHash = hash

	if err := p.history.Save(rec); err != nil {
		p.logger.Error("failed to save deployment history", "deployment_id", deploymentID, "commit", hash, "error", err)
		return "", wrapError(KindStoreUnavailable, err, "deployment %s reverted in %s but history could not be saved", deploymentID, hash)
	}

	p.logger.Info("deployment rolled back", "deployment_id", deploymentID, "commit", hash)
	return fmt.Sprintf("Rolled back %s in commit %s", rec.ManagedFile, shortHash(hash)), nil
}

// restore puts file back to HEAD after a rollback that could not be
// committed.
func (p *Pipeline) restore(ctx context.Context, file string) {
	if err := p.ws.Restore(ctx, file); err != nil {
		p.logger.Error("failed to restore file after aborted rollback", "file", file, "error", err)
	}
}

// Lookup returns a record from the pending set or, failing that, history.
func (p *Pipeline) Lookup(deploymentID string) (DeploymentRecord, error) {
	p.mu.Lock()
	rec, ok := p.pending[deploymentID]
	p.mu.Unlock()
	if ok {
		return rec, nil
	}

	stored, err := p.history.Get(deploymentID)
	if err != nil {
		return DeploymentRecord{}, wrapError(KindStoreUnavailable, err, "reading deployment history")
	}
	if stored == nil {
		return DeploymentRecord{}, newError(KindDeploymentNotFound, "deployment %s not found", deploymentID)
	}
	return *stored, nil
}

// Pending returns the pending records, oldest first.
func (p *Pipeline) Pending() []DeploymentRecord {
	p.mu.Lock()
	out := make([]DeploymentRecord, 0, len(p.pending))
	for _, rec := range p.pending {
		out = append(out, rec)
	}
	p.mu.Unlock()

	slices.SortFunc(out, func(a, b DeploymentRecord) int {
		if c := a.StagedAt.Compare(b.StagedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.DeploymentID, b.DeploymentID)
	})
	return out
}

// StatusSummary reports pending and historical deployment counts and the
// most recent history records. recent <= 0 uses DefaultRecentDeployments.
func (p *Pipeline) StatusSummary(ctx context.Context, recent int) (StatusSummary, error) {
	if recent <= 0 {
		recent = DefaultRecentDeployments
	}

	all, err := p.history.List(0)
	if err != nil {
		return StatusSummary{}, wrapError(KindStoreUnavailable, err, "reading deployment history")
	}

	p.mu.Lock()
	pending := len(p.pending)
	p.mu.Unlock()

	summary := StatusSummary{
		PendingDeployments: pending,
		TotalDeployments:   len(all),
		ByStatus:           make(map[DeploymentStatus]int),
		Recent:             all[:min(recent, len(all))],
		IsRepository:       p.ws.IsRepository(ctx),
	}
	for _, rec := range all {
		summary.ByStatus[rec.Status]++
	}
	return summary, nil
}

func (p *Pipeline) pendingRecord(deploymentID string) (DeploymentRecord, error) {
	p.mu.Lock()
	rec, ok := p.pending[deploymentID]
	p.mu.Unlock()
	if ok {
		return rec, nil
	}

	stored, err := p.history.Get(deploymentID)
	if err != nil {
		return DeploymentRecord{}, wrapError(KindStoreUnavailable, err, "reading deployment history")
	}
	if stored != nil {
		return DeploymentRecord{}, newError(KindInvalidState, "deployment %s is %s, not staged", deploymentID, stored.Status)
	}
	return DeploymentRecord{}, newError(KindDeploymentNotFound, "deployment %s not found", deploymentID)
}

func (p *Pipeline) deployedRecord(deploymentID string) (DeploymentRecord, error) {
	stored, err := p.history.Get(deploymentID)
	if err != nil {
		return DeploymentRecord{}, wrapError(KindStoreUnavailable, err, "reading deployment history")
	}
	if stored == nil {
		return DeploymentRecord{}, newError(KindDeploymentNotFound, "deployment %s not found", deploymentID)
	}
	if stored.Status != StatusDeployed {
		return DeploymentRecord{}, newError(KindInvalidState, "deployment %s is %s, not deployed", deploymentID, stored.Status)
	}
	return *stored, nil
}

// committed reports whether rec was committed but its history save failed.
func committed(rec DeploymentRecord) bool {
	return rec.Status == StatusDeployed && rec.CommitHash != ""
}

func checkExecutable(rec DeploymentRecord) error {
	if committed(rec) {
		return nil
	}
	if !rec.CoverageOK {
		return newError(KindCoverageNotMet, "coverage for %s is %.2f%%, 100%% is required", rec.ManagedFile, rec.CoveragePercent)
	}
	if rec.Status != StatusStaged {
		return newError(KindInvalidState, "deployment %s is %s, not staged", rec.DeploymentID, rec.Status)
	}
	return nil
}

// AuthorEmail derives a commit author email from a client name.
func AuthorEmail(clientName string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(clientName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	local := strings.Trim(b.String(), "-")
	if local == "" {
		local = "client"
	}
	return local + "@deploygate.local"
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
