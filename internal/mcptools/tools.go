// Package mcptools exposes the gate's closed operation set as MCP tools.
// Every tool returns a JSON document: {"ok":true,...} on success, or a tool
// error {"ok":false,"kind":...,"message":...} carrying the gate error kind.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"deploygate/internal/gate"
)

// DefaultRecent is the number of history records deployment_status returns
// when the caller does not ask for a count.
const DefaultRecent = 10

// Gate is the set of operations the tools call.
type Gate interface {
	Authenticate(ctx context.Context, privateKeyPEM string) (gate.Session, error)
	Logout(token string) bool
	Stage(ctx context.Context, agentID, token string) (gate.DeploymentRecord, error)
	Execute(ctx context.Context, deploymentID, token string) (string, error)
	Rollback(ctx context.Context, deploymentID, token string) (string, error)
	Status(ctx context.Context, recent int) (gate.StatusSummary, error)
	Deployment(deploymentID string) (gate.DeploymentRecord, error)
	SecurityStatus() gate.SecurityStatus
	ListKeys(token string) ([]gate.KeyEntry, error)
	RevokeKey(ctx context.Context, token, fingerprint string) (bool, error)
}

// Tools holds one handler per MCP tool.
type Tools struct {
	gate   Gate
	logger gate.Logger
}

// NewTools creates the tool handlers over g.
func NewTools(g Gate, logger gate.Logger) *Tools {
	return &Tools{gate: g, logger: logger}
}

func sessionParam() mcp.ToolOption {
	return mcp.WithString("session_token",
		mcp.Required(),
		mcp.Description("Session token returned by authenticate"),
	)
}

// ServerTools returns the tool definitions bound to their handlers.
func (t *Tools) ServerTools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("authenticate",
				mcp.WithDescription("Log in with an authorized PEM private key and receive a session token."),
				mcp.WithString("private_key", mcp.Required(), mcp.Description("PEM-encoded RSA private key")),
				mcp.WithDestructiveHintAnnotation(false),
			),
			Handler: t.Authenticate,
		},
		{
			Tool: mcp.NewTool("logout",
				mcp.WithDescription("End a session."),
				sessionParam(),
				mcp.WithIdempotentHintAnnotation(true),
			),
			Handler: t.Logout,
		},
		{
			Tool: mcp.NewTool("stage_deployment",
				mcp.WithDescription("Run the coverage gate on an agent's managed file and stage its change for deployment."),
				mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent whose managed file is staged")),
				sessionParam(),
				mcp.WithDestructiveHintAnnotation(false),
			),
			Handler: t.Stage,
		},
		{
			Tool: mcp.NewTool("execute_deployment",
				mcp.WithDescription("Commit and push a staged deployment that passed the coverage gate."),
				mcp.WithString("deployment_id", mcp.Required(), mcp.Description("ID returned by stage_deployment")),
				sessionParam(),
				mcp.WithDestructiveHintAnnotation(true),
			),
			Handler: t.Execute,
		},
		{
			Tool: mcp.NewTool("rollback_deployment",
				mcp.WithDescription("Revert a deployed change to the file's previous committed content."),
				mcp.WithString("deployment_id", mcp.Required(), mcp.Description("ID of a deployed deployment")),
				sessionParam(),
				mcp.WithDestructiveHintAnnotation(true),
			),
			Handler: t.Rollback,
		},
		{
			Tool: mcp.NewTool("deployment_status",
				mcp.WithDescription("Summarize pending and historical deployments, or show one deployment."),
				mcp.WithString("deployment_id", mcp.Description("Return only this deployment")),
				mcp.WithNumber("recent", mcp.Description("Number of recent history records to include (default 10)")),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			Handler: t.DeploymentStatus,
		},
		{
			Tool: mcp.NewTool("security_status",
				mcp.WithDescription("Report server key presence and counts of keys, sessions, and recent audit entries."),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			Handler: t.SecurityStatus,
		},
		{
			Tool: mcp.NewTool("list_keys",
				mcp.WithDescription("List authorized client keys."),
				sessionParam(),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			Handler: t.ListKeys,
		},
		{
			Tool: mcp.NewTool("revoke_key",
				mcp.WithDescription("Revoke an authorized key and end every session bound to it."),
				mcp.WithString("fingerprint", mcp.Required(), mcp.Description("SHA-256 fingerprint of the key")),
				sessionParam(),
				mcp.WithDestructiveHintAnnotation(true),
			),
			Handler: t.RevokeKey,
		},
	}
}

type errorBody struct {
	OK      bool   `json:"ok"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// errorResult renders err as a tool error. Unclassified errors are logged
// with their cause and shown to the caller without it.
func (t *Tools) errorResult(tool string, err error) *mcp.CallToolResult {
	kind := gate.KindOf(err)
	if kind == gate.KindInternal || kind == gate.KindStoreUnavailable {
		t.logger.Error("tool call failed", "tool", tool, "kind", kind.String(), "error", err)
	} else {
		t.logger.Debug("tool call rejected", "tool", tool, "kind", kind.String(), "error", err)
	}

	body, _ := json.Marshal(errorBody{Kind: kind.String(), Message: gate.PublicMessage(err)})
	return mcp.NewToolResultError(string(body))
}

// jsonResult renders a success payload. payload must encode to a JSON object.
func (t *Tools) jsonResult(tool string, payload any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return t.errorResult(tool, fmt.Errorf("encoding %s result: %w", tool, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

type sessionView struct {
	OK           bool      `json:"ok"`
	SessionToken string    `json:"session_token"`
	ClientName   string    `json:"client_name"`
	Fingerprint  string    `json:"fingerprint"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (t *Tools) Authenticate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := t.gate.Authenticate(ctx, req.GetString("private_key", ""))
	if err != nil {
		return t.errorResult("authenticate", err), nil
	}
	return t.jsonResult("authenticate", sessionView{
		OK:           true,
		SessionToken: session.Token,
		ClientName:   session.ClientName,
		Fingerprint:  session.Fingerprint,
		ExpiresAt:    session.ExpiresAt,
	})
}

type messageView struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func (t *Tools) Logout(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !t.gate.Logout(req.GetString("session_token", "")) {
		return t.jsonResult("logout", messageView{OK: true, Message: "no active session"})
	}
	return t.jsonResult("logout", messageView{OK: true, Message: "logged out"})
}

type deploymentView struct {
	OK         bool                  `json:"ok"`
	Deployment gate.DeploymentRecord `json:"deployment"`
}

func (t *Tools) Stage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rec, err := t.gate.Stage(ctx, req.GetString("agent_id", ""), req.GetString("session_token", ""))
	if err != nil {
		return t.errorResult("stage_deployment", err), nil
	}
	return t.jsonResult("stage_deployment", deploymentView{OK: true, Deployment: rec})
}

func (t *Tools) Execute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	msg, err := t.gate.Execute(ctx, req.GetString("deployment_id", ""), req.GetString("session_token", ""))
	if err != nil {
		return t.errorResult("execute_deployment", err), nil
	}
	return t.jsonResult("execute_deployment", messageView{OK: true, Message: msg})
}

func (t *Tools) Rollback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	msg, err := t.gate.Rollback(ctx, req.GetString("deployment_id", ""), req.GetString("session_token", ""))
	if err != nil {
		return t.errorResult("rollback_deployment", err), nil
	}
	return t.jsonResult("rollback_deployment", messageView{OK: true, Message: msg})
}

type statusView struct {
	OK bool `json:"ok"`
	gate.StatusSummary
}

func (t *Tools) DeploymentStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if id := req.GetString("deployment_id", ""); id != "" {
		rec, err := t.gate.Deployment(id)
		if err != nil {
			return t.errorResult("deployment_status", err), nil
		}
		return t.jsonResult("deployment_status", deploymentView{OK: true, Deployment: rec})
	}

	recent := req.GetInt("recent", DefaultRecent)
	if recent <= 0 {
		recent = DefaultRecent
	}
	summary, err := t.gate.Status(ctx, recent)
	if err != nil {
		return t.errorResult("deployment_status", err), nil
	}
	return t.jsonResult("deployment_status", statusView{OK: true, StatusSummary: summary})
}

type securityView struct {
	OK bool `json:"ok"`
	gate.SecurityStatus
}

func (t *Tools) SecurityStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return t.jsonResult("security_status", securityView{OK: true, SecurityStatus: t.gate.SecurityStatus()})
}

type keyView struct {
	Fingerprint     string     `json:"fingerprint"`
	Name            string     `json:"name"`
	AddedAt         time.Time  `json:"added_at"`
	LastUsed        *time.Time `json:"last_used"`
	DeploymentCount int        `json:"deployment_count"`
}

type keysView struct {
	OK   bool      `json:"ok"`
	Keys []keyView `json:"keys"`
}

func (t *Tools) ListKeys(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := t.gate.ListKeys(req.GetString("session_token", ""))
	if err != nil {
		return t.errorResult("list_keys", err), nil
	}
	view := keysView{OK: true, Keys: make([]keyView, 0, len(entries))}
	for _, e := range entries {
		view.Keys = append(view.Keys, keyView{
			Fingerprint:     e.Fingerprint,
			Name:            e.Name,
			AddedAt:         e.AddedAt,
			LastUsed:        e.LastUsed,
			DeploymentCount: e.DeploymentCount,
		})
	}
	return t.jsonResult("list_keys", view)
}

func (t *Tools) RevokeKey(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fingerprint := req.GetString("fingerprint", "")
	if _, err := t.gate.RevokeKey(ctx, req.GetString("session_token", ""), fingerprint); err != nil {
		return t.errorResult("revoke_key", err), nil
	}
	return t.jsonResult("revoke_key", messageView{OK: true, Message: "revoked " + fingerprint})
}
