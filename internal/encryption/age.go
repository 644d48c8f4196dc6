// Package encryption seals exported client private keys with an age
// passphrase (scrypt) so they can be written to disk or handed to an agent
// operator without exposing the PEM.
package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
)

// ageHeader starts every binary age file.
const ageHeader = "age-encryption.org/v1\n"

// scryptWorkFactor is the log2 scrypt cost used when sealing.
var scryptWorkFactor = 18

// ErrPassphraseRequired is returned when a sealed key is read without a
// passphrase.
var ErrPassphraseRequired = errors.New("key file is sealed: passphrase required")

// Seal encrypts plaintext to w with passphrase.
func Seal(w io.Writer, plaintext []byte, passphrase string) error {
	if passphrase == "" {
		return errors.New("passphrase must not be empty")
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(scryptWorkFactor)

	enc, err := age.Encrypt(w, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := enc.Write(plaintext); err != nil {
		return fmt.Errorf("writing sealed data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalizing sealed data: %w", err)
	}
	return nil
}

// Open decrypts an age file sealed by Seal.
func Open(r io.Reader, passphrase string) ([]byte, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}

	dec, err := age.Decrypt(r, identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted data: %w", err)
	}
	return plaintext, nil
}

// IsSealed reports whether data is an age file.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, []byte(ageHeader))
}

// WritePrivateKey writes a PEM private key to path with mode 0600, sealed
// when passphrase is non-empty. An existing file is never overwritten.
func WritePrivateKey(path, privatePEM, passphrase string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating key file: %w", err)
	}

	if passphrase == "" {
		_, err = io.WriteString(f, privatePEM)
	} else {
		err = Seal(f, []byte(privatePEM), passphrase)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("writing key file %s: %w", path, err)
	}
	return nil
}

// ReadPrivateKey reads a PEM private key written by WritePrivateKey.
// passphrase is only called when the file is sealed.
func ReadPrivateKey(path string, passphrase func() (string, error)) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading key file: %w", err)
	}
	if !IsSealed(data) {
		return string(data), nil
	}

	if passphrase == nil {
		return "", ErrPassphraseRequired
	}
	pass, err := passphrase()
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if pass == "" {
		return "", ErrPassphraseRequired
	}

	plaintext, err := Open(bytes.NewReader(data), pass)
	if err != nil {
		return "", fmt.Errorf("opening key file %s: %w", path, err)
	}
	return string(plaintext), nil
}
