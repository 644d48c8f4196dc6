package gate_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"deploygate/internal/gate"
	"deploygate/internal/keystore"
	"deploygate/internal/testutil"
)

func newKeyStore(t *testing.T, registry gate.KeyRegistry, sessions *gate.SessionManager) *gate.KeyStore {
	t.Helper()
	dir := t.TempDir()
	ks, err := gate.NewKeyStore(registry, sessions, gate.KeyStoreOptions{
		ServerKeyPath:       filepath.Join(dir, "keys", "server.pem"),
		ServerPublicKeyPath: filepath.Join(dir, "keys", "server.pub.pem"),
	}, gate.NewNopLogger(), testutil.FixedClock())
	if err != nil {
		t.Fatalf("NewKeyStore() error = %v", err)
	}
	return ks
}

func TestFingerprint(t *testing.T) {
	a := gate.Fingerprint("-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n")
	b := gate.Fingerprint("-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n")
	c := gate.Fingerprint("-----BEGIN PUBLIC KEY-----\nAAAB\n-----END PUBLIC KEY-----\n")

	if a != b {
		t.Error("Fingerprint() is not deterministic")
	}
	if a == c {
		t.Error("Fingerprint() collides for different keys")
	}
	if len(a) != 64 {
		t.Errorf("len(Fingerprint()) = %d, want 64", len(a))
	}
}

func TestKeyStore_GenerateClientKeypair(t *testing.T) {
	registry := keystore.NewMemoryRegistry()
	ks := newKeyStore(t, registry, nil)

	priv, pub, entry, err := ks.GenerateClientKeypair("  alice ")
	if err != nil {
		t.Fatalf("GenerateClientKeypair() error = %v", err)
	}
	if entry.Name != "alice" {
		t.Errorf("Name = %q, want alice", entry.Name)
	}
	if entry.Fingerprint != gate.Fingerprint(pub) {
		t.Errorf("Fingerprint = %q, want fingerprint of public PEM", entry.Fingerprint)
	}

	key, err := gate.ParsePrivateKey(priv)
	if err != nil {
		t.Fatalf("ParsePrivateKey() error = %v", err)
	}
	derived, _ := gate.EncodePublicKey(&key.PublicKey)
	if derived != pub {
		t.Error("public PEM does not match the private key")
	}

	if _, ok := ks.Lookup(entry.Fingerprint); !ok {
		t.Error("Lookup() did not find the new key")
	}
	if registry.Saves() != 1 {
		t.Errorf("registry saves = %d, want 1", registry.Saves())
	}

	if _, _, _, err := ks.GenerateClientKeypair(" "); !errors.Is(err, gate.ErrKeyFormat) {
		t.Errorf("GenerateClientKeypair(blank) error = %v, want KeyFormat", err)
	}
}

func TestKeyStore_Authorize(t *testing.T) {
	ks := newKeyStore(t, keystore.NewMemoryRegistry(), nil)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pkcs1 := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)}))

	entry, err := ks.Authorize("bob", pkcs1)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	canonical, _ := gate.EncodePublicKey(&key.PublicKey)
	if entry.Fingerprint != gate.Fingerprint(canonical) {
		t.Error("Authorize() did not fingerprint the canonical PKIX encoding")
	}

	again, err := ks.Authorize("someone-else", canonical)
	if err != nil {
		t.Fatalf("second Authorize() error = %v", err)
	}
	if again.Name != "bob" || ks.Count() != 1 {
		t.Errorf("re-authorizing replaced the entry: %+v, count %d", again, ks.Count())
	}

	if _, err := ks.Authorize("bob", "not a key"); !errors.Is(err, gate.ErrKeyFormat) {
		t.Errorf("Authorize(garbage) error = %v, want KeyFormat", err)
	}
}

func TestKeyStore_FailedSaveLeavesStateUnchanged(t *testing.T) {
	registry := keystore.NewMemoryRegistry()
	ks := newKeyStore(t, registry, nil)
	_, _, entry, err := ks.GenerateClientKeypair("alice")
	if err != nil {
		t.Fatal(err)
	}

	registry.SetFailSaves(true)

	if _, _, _, err := ks.GenerateClientKeypair("bob"); !errors.Is(err, gate.ErrStoreUnavailable) {
		t.Errorf("GenerateClientKeypair() error = %v, want StoreUnavailable", err)
	}
	if ks.Count() != 1 {
		t.Errorf("Count() = %d after failed insert, want 1", ks.Count())
	}

	if _, err := ks.Revoke(entry.Fingerprint); !errors.Is(err, gate.ErrStoreUnavailable) {
		t.Errorf("Revoke() error = %v, want StoreUnavailable", err)
	}
	if _, ok := ks.Lookup(entry.Fingerprint); !ok {
		t.Error("key disappeared after failed revoke")
	}
}

func TestKeyStore_RevokeCascadesToSessions(t *testing.T) {
	sessions := gate.NewSessionManager(testutil.FixedClock(), gate.NewNopLogger())
	ks := newKeyStore(t, keystore.NewMemoryRegistry(), sessions)
	_, _, entry, _ := ks.GenerateClientKeypair("alice")
	s, _ := sessions.Create(entry.Fingerprint, "alice", time.Hour)

	found, err := ks.Revoke(entry.Fingerprint)
	if err != nil || !found {
		t.Fatalf("Revoke() = %v, %v", found, err)
	}
	if _, err := sessions.Validate(s.Token); !errors.Is(err, gate.ErrUnauthorized) {
		t.Errorf("session survived revocation: %v", err)
	}

	found, err = ks.Revoke(entry.Fingerprint)
	if err != nil || found {
		t.Errorf("second Revoke() = %v, %v, want false, nil", found, err)
	}
}

func TestKeyStore_LoadsRegistry(t *testing.T) {
	registry := keystore.NewMemoryRegistry()
	first := newKeyStore(t, registry, nil)
	_, _, entry, _ := first.GenerateClientKeypair("alice")
	if err := first.RecordDeployment(entry.Fingerprint); err != nil {
		t.Fatal(err)
	}

	second := newKeyStore(t, registry, nil)
	got, ok := second.Lookup(entry.Fingerprint)
	if !ok {
		t.Fatal("reloaded store is missing the key")
	}
	if got.Fingerprint != entry.Fingerprint || got.DeploymentCount != 1 {
		t.Errorf("reloaded entry = %+v", got)
	}
}

func TestKeyStore_EnsureServerKeypair(t *testing.T) {
	dir := t.TempDir()
	opts := gate.KeyStoreOptions{
		ServerKeyPath:       filepath.Join(dir, "keys", "server.pem"),
		ServerPublicKeyPath: filepath.Join(dir, "keys", "server.pub.pem"),
	}
	ks, err := gate.NewKeyStore(keystore.NewMemoryRegistry(), nil, opts, gate.NewNopLogger(), testutil.FixedClock())
	if err != nil {
		t.Fatal(err)
	}
	if ks.HasServerKeys() {
		t.Error("HasServerKeys() = true before generation")
	}

	created, err := ks.EnsureServerKeypair()
	if err != nil || !created {
		t.Fatalf("EnsureServerKeypair() = %v, %v, want true, nil", created, err)
	}
	info, err := os.Stat(opts.ServerKeyPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("server key mode = %o, want 0600", info.Mode().Perm())
	}
	original, _ := os.ReadFile(opts.ServerKeyPath)

	// A fresh store must reuse the key on disk.
	other, _ := gate.NewKeyStore(keystore.NewMemoryRegistry(), nil, opts, gate.NewNopLogger(), testutil.FixedClock())
	created, err = other.EnsureServerKeypair()
	if err != nil || created {
		t.Fatalf("second EnsureServerKeypair() = %v, %v, want false, nil", created, err)
	}
	after, _ := os.ReadFile(opts.ServerKeyPath)
	if string(after) != string(original) {
		t.Error("server key was regenerated")
	}
	if !other.HasServerKeys() {
		t.Error("HasServerKeys() = false after load")
	}
}

func TestParsePrivateKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pkcs8, _ := gate.EncodePrivateKey(key)
	pkcs1 := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))

	for name, text := range map[string]string{"pkcs8": pkcs8, "pkcs1": pkcs1} {
		t.Run(name, func(t *testing.T) {
			got, err := gate.ParsePrivateKey(text)
			if err != nil {
				t.Fatalf("ParsePrivateKey() error = %v", err)
			}
			if !got.Equal(key) {
				t.Error("parsed key differs")
			}
		})
	}

	bad := []string{"", "garbage", "-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"}
	for _, text := range bad {
		if _, err := gate.ParsePrivateKey(text); !errors.Is(err, gate.ErrKeyFormat) {
			t.Errorf("ParsePrivateKey(%q) error = %v, want KeyFormat", text, err)
		}
	}
}
