package gate

// Audit sources.
const (
	SourceAuthenticate = "authenticate"
	SourceLogout       = "logout"
	SourceRevokeKey    = "revoke_key"
	SourceStage        = "stage_deployment"
	SourceExecute      = "execute_deployment"
	SourceRollback     = "rollback_deployment"
)

// auditor writes AuditEntries. A failed write is logged and otherwise
// ignored so auditing never blocks the operation being audited.
type auditor struct {
	log    AuditLog
	ids    IDGenerator
	clock  Clock
	logger Logger
}

type auditEvent struct {
	source     string
	client     string
	agentID    string
	target     string
	authorized bool
	err        error
}

func (a *auditor) record(ev auditEvent) {
	if a == nil || a.log == nil {
		return
	}

	entry := AuditEntry{
		ID:         a.ids.New(),
		Timestamp:  a.clock.Now(),
		Client:     ev.client,
		AgentID:    ev.agentID,
		Source:     ev.source,
		Target:     ev.target,
		Authorized: ev.authorized,
	}
	if ev.err != nil {
		msg := PublicMessage(ev.err)
		entry.Error = &msg
	}

	if err := a.log.Append(entry); err != nil {
		a.logger.Error("failed to write audit entry", "source", ev.source, "target", ev.target, "error", err)
	}
}
