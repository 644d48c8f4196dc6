package gate

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"time"
)

const (
	challengeBytes = 32

	// recentAuditWindow bounds the "recent" audit count in SecurityStatus.
	recentAuditWindow = 24 * time.Hour
	recentAuditScan   = 10000
)

// AuthService runs the login protocol and owns the session-gated
// administrative operations.
//
// The caller authenticates by submitting the private key itself. The
// challenge is signed and verified locally, so the submitted key acts as a
// bearer secret: anyone holding an authorized private key gets a session.
type AuthService struct {
	keys       *KeyStore
	sessions   *SessionManager
	audit      *auditor
	sessionTTL time.Duration
	logger     Logger
	clock      Clock
}

// AuthServiceOptions configures an AuthService.
type AuthServiceOptions struct {
	SessionTTL time.Duration
}

// NewAuthService creates an AuthService. auditLog may be nil.
func NewAuthService(keys *KeyStore, sessions *SessionManager, auditLog AuditLog, opts AuthServiceOptions, logger Logger, clock Clock, ids IDGenerator) *AuthService {
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &AuthService{
		keys:       keys,
		sessions:   sessions,
		audit:      &auditor{log: auditLog, ids: ids, clock: clock, logger: logger},
		sessionTTL: ttl,
		logger:     logger,
		clock:      clock,
	}
}

// Authenticate exchanges an authorized private key for a session.
func (s *AuthService) Authenticate(ctx context.Context, privateKeyPEM string) (Session, error) {
	session, client, fingerprint, err := s.authenticate(privateKeyPEM)
	s.audit.record(auditEvent{
		source:     SourceAuthenticate,
		client:     client,
		target:     fingerprint,
		authorized: err == nil,
		err:        err,
	})
	if err != nil {
		s.logger.Warn("authentication failed", "fingerprint", fingerprint, "error", err)
		return Session{}, err
	}
	return session, nil
}

func (s *AuthService) authenticate(privateKeyPEM string) (Session, string, string, error) {
	key, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return Session{}, "", "", err
	}

	publicPEM, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		return Session{}, "", "", err
	}
	fingerprint := Fingerprint(publicPEM)

	entry, ok := s.keys.Lookup(fingerprint)
	if !ok {
		return Session{}, "", fingerprint, newError(KindKeyNotAuthorized, "key %s is not authorized", shortFingerprint(fingerprint))
	}

	if err := proveKey(key); err != nil {
		return Session{}, entry.Name, fingerprint, err
	}

	session, err := s.sessions.Create(fingerprint, entry.Name, s.sessionTTL)
	if err != nil {
		return Session{}, entry.Name, fingerprint, err
	}
	// A Revoke between Lookup and Create has already swept this
	// fingerprint's sessions, so the new one must be dropped here.
	if _, ok := s.keys.Lookup(fingerprint); !ok {
		s.sessions.Revoke(session.Token)
		return Session{}, entry.Name, fingerprint, newError(KindKeyNotAuthorized, "key %s is not authorized", shortFingerprint(fingerprint))
	}

	if err := s.keys.RecordUsage(fingerprint); err != nil {
		s.logger.Warn("failed to record key usage", "fingerprint", fingerprint, "error", err)
	}

	s.logger.Info("client authenticated", "client", entry.Name, "fingerprint", fingerprint)
	return session, entry.Name, fingerprint, nil
}

// proveKey signs a random challenge with key and verifies it against the
// derived public key.
func proveKey(key *rsa.PrivateKey) error {
	challenge := make([]byte, challengeBytes)
	if _, err := rand.Read(challenge); err != nil {
		return fmt.Errorf("generating challenge: %w", err)
	}
	digest := sha256.Sum256(challenge)

	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], opts)
	if err != nil {
		return wrapError(KindInvalidSignature, err, "signing challenge")
	}
	if err := rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, digest[:], sig, opts); err != nil {
		return wrapError(KindInvalidSignature, err, "challenge signature did not verify")
	}
	return nil
}

// Logout drops the session for token.
func (s *AuthService) Logout(token string) bool {
	session, err := s.sessions.Validate(token)
	ok := s.sessions.Revoke(token)
	s.audit.record(auditEvent{
		source:     SourceLogout,
		client:     session.ClientName,
		target:     session.Fingerprint,
		authorized: err == nil,
		err:        err,
	})
	return ok
}

// RevokeKey revokes fingerprint on behalf of the session holder. Revoking
// the caller's own key also ends the caller's session.
func (s *AuthService) RevokeKey(ctx context.Context, token, fingerprint string) (bool, error) {
	session, err := s.sessions.Validate(token)
	if err != nil {
		s.audit.record(auditEvent{source: SourceRevokeKey, target: fingerprint, err: err})
		return false, err
	}

	found, err := s.keys.Revoke(fingerprint)
	if err == nil && !found {
		err = newError(KindKeyNotAuthorized, "key %s is not authorized", shortFingerprint(fingerprint))
	}
	s.audit.record(auditEvent{
		source:     SourceRevokeKey,
		client:     session.ClientName,
		target:     fingerprint,
		authorized: true,
		err:        err,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// SecurityStatus summarizes keys, sessions, and the last day of audit
// activity.
func (s *AuthService) SecurityStatus() SecurityStatus {
	status := SecurityStatus{
		ServerKeysPresent: s.keys.HasServerKeys(),
		AuthorizedKeys:    s.keys.Count(),
		ActiveSessions:    s.sessions.ActiveCount(),
	}

	if s.audit.log == nil {
		return status
	}
	entries, err := s.audit.log.Recent(recentAuditScan)
	if err != nil {
		s.logger.Warn("failed to read audit log", "error", err)
		return status
	}
	cutoff := s.clock.Now().Add(-recentAuditWindow)
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			break
		}
		status.RecentAuditEntries++
	}
	return status
}

// Sessions returns the session manager used by the service.
func (s *AuthService) Sessions() *SessionManager {
	return s.sessions
}

func shortFingerprint(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}
