package credentials

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"rsched/internal/config"
	"rsched/internal/sched"
)

// AgeStore keeps the repository password encrypted at rest with an X25519
// age identity. The identity file is created on first use with mode 0600,
// so the daemon can decrypt without prompting.
type AgeStore struct {
	identityPath string
	passwordPath string
}

var _ sched.Credentials = (*AgeStore)(nil)

// NewAgeStore creates an AgeStore from configuration.
func NewAgeStore(cfg config.CredentialsConfig) *AgeStore {
	return &AgeStore{
		identityPath: cfg.IdentityPath,
		passwordPath: cfg.PasswordPath,
	}
}

// SetPassword encrypts password to the store's identity, generating the
// identity if it does not exist yet.
func (s *AgeStore) SetPassword(password string) error {
	if password == "" {
		return fmt.Errorf("empty password")
	}
	identity, err := s.loadOrCreateIdentity()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.passwordPath), 0o700); err != nil {
		return fmt.Errorf("creating password directory: %w", err)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, identity.Recipient())
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, password); err != nil {
		return fmt.Errorf("encrypting password: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted password: %w", err)
	}

	tmp := s.passwordPath + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing password file: %w", err)
	}
	if err := os.Rename(tmp, s.passwordPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing password file: %w", err)
	}
	return nil
}

// Password decrypts the stored password. ok is false when none has been set.
func (s *AgeStore) Password() (string, bool, error) {
	data, err := os.ReadFile(s.passwordPath)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading password file: %w", err)
	}

	identity, err := s.loadIdentity()
	if err != nil {
		return "", false, err
	}
	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return "", false, fmt.Errorf("decrypting password: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", false, fmt.Errorf("reading decrypted password: %w", err)
	}
	return string(plain), true, nil
}

// Clear removes the stored password. The identity is kept.
func (s *AgeStore) Clear() error {
	if err := os.Remove(s.passwordPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing password file: %w", err)
	}
	return nil
}

// IsConfigured returns true if both the identity and the password file exist.
func (s *AgeStore) IsConfigured() bool {
	if _, err := os.Stat(s.identityPath); err != nil {
		return false
	}
	if _, err := os.Stat(s.passwordPath); err != nil {
		return false
	}
	return true
}

func (s *AgeStore) loadOrCreateIdentity() (*age.X25519Identity, error) {
	identity, err := s.loadIdentity()
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	identity, err = age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.identityPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating identity directory: %w", err)
	}
	if err := os.WriteFile(s.identityPath, []byte(identity.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("writing identity: %w", err)
	}
	return identity, nil
}

func (s *AgeStore) loadIdentity() (*age.X25519Identity, error) {
	data, err := os.ReadFile(s.identityPath)
	if err != nil {
		return nil, fmt.Errorf("reading identity: %w", err)
	}
	identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	return identity, nil
}
