package gate

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// DefaultKeyBits is the RSA modulus size for generated keys.
const DefaultKeyBits = 2048

// KeyStoreOptions configures where the server keypair lives.
type KeyStoreOptions struct {
	ServerKeyPath       string
	ServerPublicKeyPath string
	KeyBits             int
}

// KeyStore is the registry of authorized public keys. Every mutation is
// persisted through the KeyRegistry before it becomes visible in memory.
type KeyStore struct {
	mu        sync.Mutex
	registry  KeyRegistry
	entries   map[string]KeyEntry
	sessions  *SessionManager
	opts      KeyStoreOptions
	serverKey *rsa.PrivateKey
	logger    Logger
	clock     Clock
}

// NewKeyStore loads the registry and returns a KeyStore. Revocations cascade
// into sessions.
func NewKeyStore(registry KeyRegistry, sessions *SessionManager, opts KeyStoreOptions, logger Logger, clock Clock) (*KeyStore, error) {
	if opts.KeyBits == 0 {
		opts.KeyBits = DefaultKeyBits
	}

	entries, err := registry.Load()
	if err != nil {
		logger.Error("failed to load key registry", "error", err)
		return nil, wrapError(KindStoreUnavailable, err, "loading key registry")
	}
	if entries == nil {
		entries = make(map[string]KeyEntry)
	}
	for fp, e := range entries {
		e.Fingerprint = fp
		entries[fp] = e
	}

	return &KeyStore{
		registry: registry,
		entries:  entries,
		sessions: sessions,
		opts:     opts,
		logger:   logger,
		clock:    clock,
	}, nil
}

// Fingerprint returns the hex SHA-256 digest of a PEM-encoded public key.
func Fingerprint(publicPEM string) string {
	sum := sha256.Sum256([]byte(publicPEM))
	return hex.EncodeToString(sum[:])
}

// EnsureServerKeypair loads the server keypair, generating and saving it on
// first use. It reports whether a new keypair was generated. An existing
// keypair is never replaced.
func (ks *KeyStore) EnsureServerKeypair() (bool, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.serverKey != nil {
		return false, nil
	}
	if ks.opts.ServerKeyPath == "" {
		return false, newError(KindStoreUnavailable, "server key path not configured")
	}

	data, err := os.ReadFile(ks.opts.ServerKeyPath)
	if err == nil {
		key, err := ParsePrivateKey(string(data))
		if err != nil {
			return false, err
		}
		ks.serverKey = key
		ks.logger.Debug("using existing server keypair", "path", ks.opts.ServerKeyPath)
		return false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return false, wrapError(KindStoreUnavailable, err, "reading server key")
	}

	key, err := rsa.GenerateKey(rand.Reader, ks.opts.KeyBits)
	if err != nil {
		return false, fmt.Errorf("generating server key: %w", err)
	}
	privPEM, err := EncodePrivateKey(key)
	if err != nil {
		return false, err
	}
	pubPEM, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(ks.opts.ServerKeyPath), 0700); err != nil {
		return false, wrapError(KindStoreUnavailable, err, "creating server key directory")
	}
	if err := os.WriteFile(ks.opts.ServerKeyPath, []byte(privPEM), 0600); err != nil {
		return false, wrapError(KindStoreUnavailable, err, "writing server key")
	}
	if ks.opts.ServerPublicKeyPath != "" {
		if err := os.WriteFile(ks.opts.ServerPublicKeyPath, []byte(pubPEM), 0644); err != nil {
			return false, wrapError(KindStoreUnavailable, err, "writing server public key")
		}
	}

	ks.serverKey = key
	ks.logger.Info("generated server keypair", "path", ks.opts.ServerKeyPath, "fingerprint", Fingerprint(pubPEM))
	return true, nil
}

// HasServerKeys reports whether a server keypair is loaded or on disk.
func (ks *KeyStore) HasServerKeys() bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.serverKey != nil {
		return true
	}
	if ks.opts.ServerKeyPath == "" {
		return false
	}
	_, err := os.Stat(ks.opts.ServerKeyPath)
	return err == nil
}

// GenerateClientKeypair creates a keypair for owner, authorizes its public
// key, and returns both PEM encodings. This is the only place a private key
// is handed out.
func (ks *KeyStore) GenerateClientKeypair(owner string) (privatePEM, publicPEM string, entry KeyEntry, err error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "", "", KeyEntry{}, newError(KindKeyFormat, "owner name is required")
	}

	key, err := rsa.GenerateKey(rand.Reader, ks.opts.KeyBits)
	if err != nil {
		return "", "", KeyEntry{}, fmt.Errorf("generating client key: %w", err)
	}
	privatePEM, err = EncodePrivateKey(key)
	if err != nil {
		return "", "", KeyEntry{}, err
	}
	publicPEM, err = EncodePublicKey(&key.PublicKey)
	if err != nil {
		return "", "", KeyEntry{}, err
	}

	entry, err = ks.insert(owner, publicPEM)
	if err != nil {
		return "", "", KeyEntry{}, err
	}
	return privatePEM, publicPEM, entry, nil
}

// Authorize registers an existing public key for owner.
func (ks *KeyStore) Authorize(owner, publicPEM string) (KeyEntry, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return KeyEntry{}, newError(KindKeyFormat, "owner name is required")
	}
	pub, err := ParsePublicKey(publicPEM)
	if err != nil {
		return KeyEntry{}, err
	}
	canonical, err := EncodePublicKey(pub)
	if err != nil {
		return KeyEntry{}, err
	}
	return ks.insert(owner, canonical)
}

func (ks *KeyStore) insert(owner, publicPEM string) (KeyEntry, error) {
	entry := KeyEntry{
		Fingerprint: Fingerprint(publicPEM),
		Name:        owner,
		PublicKey:   publicPEM,
		AddedAt:     ks.clock.Now(),
	}

	err := ks.mutate(func(entries map[string]KeyEntry) bool {
		if existing, ok := entries[entry.Fingerprint]; ok {
			entry = existing
			return false
		}
		entries[entry.Fingerprint] = entry
		return true
	})
	if err != nil {
		return KeyEntry{}, err
	}

	ks.logger.Info("key authorized", "owner", entry.Name, "fingerprint", entry.Fingerprint)
	return entry, nil
}

// Lookup returns the entry for fingerprint.
func (ks *KeyStore) Lookup(fingerprint string) (KeyEntry, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	e, ok := ks.entries[fingerprint]
	return e, ok
}

// List returns all entries, oldest first.
func (ks *KeyStore) List() []KeyEntry {
	ks.mu.Lock()
	entries := slices.Collect(maps.Values(ks.entries))
	ks.mu.Unlock()

	slices.SortFunc(entries, func(a, b KeyEntry) int {
		if c := a.AddedAt.Compare(b.AddedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Fingerprint, b.Fingerprint)
	})
	return entries
}

// Count returns the number of authorized keys.
func (ks *KeyStore) Count() int {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return len(ks.entries)
}

// Revoke removes fingerprint from the registry and drops every session bound
// to it. It returns false if the fingerprint was not authorized.
func (ks *KeyStore) Revoke(fingerprint string) (bool, error) {
	found := false
	err := ks.mutate(func(entries map[string]KeyEntry) bool {
		if _, ok := entries[fingerprint]; !ok {
			return false
		}
		delete(entries, fingerprint)
		found = true
		return true
	})
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	n := 0
	if ks.sessions != nil {
		n = ks.sessions.RevokeAllFor(fingerprint)
	}
	ks.logger.Info("key revoked", "fingerprint", fingerprint, "sessions_revoked", n)
	return true, nil
}

// RecordUsage stamps the entry's last-used time.
func (ks *KeyStore) RecordUsage(fingerprint string) error {
	now := ks.clock.Now()
	return ks.mutate(func(entries map[string]KeyEntry) bool {
		e, ok := entries[fingerprint]
		if !ok {
			return false
		}
		e.LastUsed = &now
		entries[fingerprint] = e
		return true
	})
}

// RecordDeployment increments the entry's deployment count.
func (ks *KeyStore) RecordDeployment(fingerprint string) error {
	return ks.mutate(func(entries map[string]KeyEntry) bool {
		e, ok := entries[fingerprint]
		if !ok {
			return false
		}
		e.DeploymentCount++
		entries[fingerprint] = e
		return true
	})
}

// mutate applies fn to a copy of the registry, persists the copy when fn
// reports a change, and only then swaps it in.
func (ks *KeyStore) mutate(fn func(entries map[string]KeyEntry) bool) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	next := maps.Clone(ks.entries)
	if next == nil {
		next = make(map[string]KeyEntry)
	}
	if !fn(next) {
		return nil
	}
	if err := ks.registry.Save(next); err != nil {
		ks.logger.Error("failed to persist key registry", "error", err)
		return wrapError(KindStoreUnavailable, err, "persisting key registry")
	}
	ks.entries = next
	return nil
}

// EncodePrivateKey returns the PKCS#8 PEM encoding of key.
func EncodePrivateKey(key *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", wrapError(KindKeyFormat, err, "encoding private key")
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// EncodePublicKey returns the PKIX PEM encoding of pub.
func EncodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", wrapError(KindKeyFormat, err, "encoding public key")
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePrivateKey decodes a PKCS#8 or PKCS#1 PEM RSA private key.
func ParsePrivateKey(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemText)))
	if block == nil {
		return nil, newError(KindKeyFormat, "private key is not valid PEM")
	}

	switch block.Type {
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, wrapError(KindKeyFormat, err, "parsing PKCS#8 private key")
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, newError(KindKeyFormat, "private key is not an RSA key")
		}
		return key, nil
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, wrapError(KindKeyFormat, err, "parsing PKCS#1 private key")
		}
		return key, nil
	default:
		return nil, newError(KindKeyFormat, "unsupported PEM block type %q", block.Type)
	}
}

// ParsePublicKey decodes a PKIX or PKCS#1 PEM RSA public key.
func ParsePublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemText)))
	if block == nil {
		return nil, newError(KindKeyFormat, "public key is not valid PEM")
	}

	switch block.Type {
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, wrapError(KindKeyFormat, err, "parsing public key")
		}
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, newError(KindKeyFormat, "public key is not an RSA key")
		}
		return key, nil
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, wrapError(KindKeyFormat, err, "parsing PKCS#1 public key")
		}
		return key, nil
	default:
		return nil, newError(KindKeyFormat, "unsupported PEM block type %q", block.Type)
	}
}
