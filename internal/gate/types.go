package gate

import "time"

// Agent is the slice of the agent abstraction the gate needs: a stable ID,
// a display name, and the single file it owns.
type Agent struct {
	ID   string
	Name string
	// ManagedFile is absolute and inside the workspace root.
	ManagedFile string
}

// KeyEntry is an authorized public key, keyed by its fingerprint.
type KeyEntry struct {
	Fingerprint     string     `json:"-"`
	Name            string     `json:"name"`
	PublicKey       string     `json:"public_key"`
	AddedAt         time.Time  `json:"added_at"`
	LastUsed        *time.Time `json:"last_used"`
	DeploymentCount int        `json:"deployment_count"`
}

// Session is an authenticated, time-limited bearer credential.
type Session struct {
	Token           string    `json:"token"`
	Fingerprint     string    `json:"fingerprint"`
	ClientName      string    `json:"client_name"`
	AuthenticatedAt time.Time `json:"authenticated_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Valid reports whether the session is still usable at now.
func (s Session) Valid(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// DeploymentStatus is the state of a DeploymentRecord.
type DeploymentStatus string

const (
	StatusStaged         DeploymentStatus = "staged"
	StatusFailedCoverage DeploymentStatus = "failed_coverage"
	StatusDeployed       DeploymentStatus = "deployed"
	StatusRolledBack     DeploymentStatus = "rolled_back"
)

// DeploymentRecord tracks one change to one managed file from staging
// through deployment and, optionally, rollback.
type DeploymentRecord struct {
	DeploymentID     string           `json:"deployment_id"`
	AgentID          string           `json:"agent_id"`
	AgentName        string           `json:"agent_name"`
	ManagedFile      string           `json:"managed_file"`
	HasChanges       bool             `json:"has_changes"`
	GitStatus        string           `json:"git_status"`
	Diff             string           `json:"diff"`
	CoveragePercent  float64          `json:"coverage_percent"`
	CoverageOK       bool             `json:"coverage_ok"`
	CoverageReport   string           `json:"coverage_report"`
	CommitMessage    string           `json:"commit_message"`
	Status           DeploymentStatus `json:"status"`
	StagedBy         string           `json:"staged_by"`
	StagedAt         time.Time        `json:"staged_at"`
	DeployedBy       string           `json:"deployed_by,omitempty"`
	DeployedAt       *time.Time       `json:"deployed_at"`
	RolledBackBy     string           `json:"rolled_back_by,omitempty"`
	RolledBackAt     *time.Time       `json:"rolled_back_at"`
	CommitHash       string           `json:"commit_hash,omitempty"`
	RevertCommitHash string           `json:"revert_commit_hash,omitempty"`
	Pushed           bool             `json:"pushed"`
}

// AuditEntry records one authentication-gated action.
type AuditEntry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Client     string    `json:"client"`
	AgentID    string    `json:"agent_id"`
	Source     string    `json:"source"`
	Target     string    `json:"target"`
	Authorized bool      `json:"authorized"`
	Error      *string   `json:"error"`
}

// CoverageResult is the reduced outcome of a coverage run.
type CoverageResult struct {
	OK      bool
	Percent float64
	Report  string
}

// SecurityStatus summarizes the authentication subsystem.
type SecurityStatus struct {
	ServerKeysPresent  bool `json:"server_keys_present"`
	AuthorizedKeys     int  `json:"authorized_keys"`
	ActiveSessions     int  `json:"active_sessions"`
	RecentAuditEntries int  `json:"recent_audit_entries"`
}

// StatusSummary summarizes the deployment pipeline.
type StatusSummary struct {
	PendingDeployments int                      `json:"pending_deployments"`
	TotalDeployments   int                      `json:"total_deployments"`
	ByStatus           map[DeploymentStatus]int `json:"by_status"`
	Recent             []DeploymentRecord       `json:"recent"`
	IsRepository       bool                     `json:"is_repository"`
}
