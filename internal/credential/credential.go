// Package credential resolves the usernames and decrypted passwords used for
// remote hosts and the inventory database.
//
// Passwords are stored as Fernet tokens next to the plain usernames; the
// symmetric key lives in a separate key file (config/secret.key by default),
// which keeps existing key files and tokens usable unchanged.
package credential

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
)

// Kind selects which credential pair to resolve.
type Kind int

const (
	RemoteHost Kind = iota
	Database
)

func (k Kind) String() string {
	switch k {
	case RemoteHost:
		return "remote-host"
	case Database:
		return "database"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// CredentialError reports a missing or corrupt key file or token. It is
// fatal at startup.
type CredentialError struct {
	Kind Kind
	Err  error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential %s: %v", e.Kind, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Tokens never expire; a negative TTL skips the timestamp check.
const noExpiry = -1 * time.Second

// ErrNoCredential is returned for a kind that has no configured username.
var ErrNoCredential = errors.New("no credential configured")

// Entry is one configured username and its encrypted password.
type Entry struct {
	Username          string
	EncryptedPassword string
}

// Store decrypts configured credentials with the key from KeyFile. The key
// is read once on first use.
type Store struct {
	keyFile string
	entries map[Kind]Entry

	once sync.Once
	key  *fernet.Key
	err  error
}

// NewStore returns a store for the given entries. Nothing is read until the
// first Resolve or Check.
func NewStore(keyFile string, entries map[Kind]Entry) *Store {
	return &Store{keyFile: keyFile, entries: entries}
}

// Resolve returns the username and decrypted password for kind.
func (s *Store) Resolve(kind Kind) (string, string, error) {
	entry, ok := s.entries[kind]
	if !ok {
		return "", "", &CredentialError{Kind: kind, Err: ErrNoCredential}
	}

	// An empty token means no password (sqlite needs none).
	if entry.EncryptedPassword == "" {
		return entry.Username, "", nil
	}

	key, err := s.loadKey()
	if err != nil {
		return "", "", &CredentialError{Kind: kind, Err: err}
	}

	plain := fernet.VerifyAndDecrypt([]byte(entry.EncryptedPassword), noExpiry, []*fernet.Key{key})
	if plain == nil {
		return "", "", &CredentialError{Kind: kind, Err: errors.New("password decryption failed")}
	}
	return entry.Username, string(plain), nil
}

// Check resolves every configured kind so that a broken key or token is
// reported at startup rather than on the first run.
func (s *Store) Check() error {
	for kind := range s.entries {
		if _, _, err := s.Resolve(kind); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadKey() (*fernet.Key, error) {
	s.once.Do(func() {
		s.key, s.err = ReadKey(s.keyFile)
	})
	return s.key, s.err
}

// ReadKey reads and decodes a base64 Fernet key file.
func ReadKey(path string) (*fernet.Key, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	key, err := fernet.DecodeKey(string(bytes.TrimSpace(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode key file %s: %w", path, err)
	}
	return key, nil
}

// LoadOrCreateKey returns the key stored at path, generating and writing a
// new one when the file does not exist. The bool reports whether a key was
// created.
func LoadOrCreateKey(path string) (*fernet.Key, bool, error) {
	key, err := ReadKey(path)
	if err == nil {
		return key, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	key = new(fernet.Key)
	if err := key.Generate(); err != nil {
		return nil, false, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(key.Encode()), 0o600); err != nil {
		return nil, false, fmt.Errorf("write key file: %w", err)
	}
	return key, true, nil
}

// Encrypt returns the Fernet token for password.
func Encrypt(key *fernet.Key, password string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(password), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}
