// Package credentials implements the encrypted key-value store backing
// adapter secrets. The whole store is one authenticated blob under
// .credentials, sealed with XChaCha20-Poly1305 under a key derived from
// the master secret via Argon2id. Plaintext secrets never touch disk
// and never appear in logs; every read is audited.
package credentials

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/vaultflow/vaultflow/audit"
	"github.com/vaultflow/vaultflow/vault"
)

// StoreFilename is the encrypted blob inside .credentials.
const StoreFilename = "credentials.enc"

// Argon2id parameters. Memory-hard by construction; tuned for an
// interactive unlock on commodity hardware.
const (
	kdfTime    = 3
	kdfMemory  = 64 * 1024 // KiB
	kdfThreads = 4
	kdfKeyLen  = chacha20poly1305.KeySize
	saltLen    = 16
)

// Lookup errors.
var (
	ErrNotFound  = errors.New("credential not found")
	ErrExpired   = errors.New("credential expired")
	ErrBadMaster = errors.New("master secret does not open the store")
)

type entry struct {
	Value     string     `json:"value"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Info describes a stored credential without exposing its value.
type Info struct {
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Store is the encrypted credential store. All operations serialize
// under one lock; the blob is rewritten atomically on every mutation.
type Store struct {
	path   string
	aud    *audit.Log
	logger *slog.Logger

	mu      sync.Mutex
	key     []byte
	salt    []byte
	entries map[string]entry
}

// Open unlocks (or creates) the store in dir with the master secret.
// A wrong master fails authentication on the existing blob.
func Open(dir string, master []byte, aud *audit.Log, logger *slog.Logger) (*Store, error) {
	if len(master) == 0 {
		return nil, &vault.ValidationError{Field: "master", Message: "master secret required"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:    filepath.Join(dir, StoreFilename),
		aud:     aud,
		logger:  logger,
		entries: make(map[string]entry),
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.salt = make([]byte, saltLen)
		if _, err := rand.Read(s.salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		s.key = deriveKey(master, s.salt)
		if err := s.save(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential store: %w", err)
	}
	if err := s.unseal(master, data); err != nil {
		return nil, err
	}
	return s, nil
}

func deriveKey(master, salt []byte) []byte {
	return argon2.IDKey(master, salt, kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
}

// unseal parses salt ∥ nonce ∥ ciphertext and decrypts the entry map.
func (s *Store) unseal(master, data []byte) error {
	if len(data) < saltLen+chacha20poly1305.NonceSizeX {
		return fmt.Errorf("credential store truncated")
	}
	salt := data[:saltLen]
	nonce := data[saltLen : saltLen+chacha20poly1305.NonceSizeX]
	ciphertext := data[saltLen+chacha20poly1305.NonceSizeX:]

	key := deriveKey(master, salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ErrBadMaster
	}
	var entries map[string]entry
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return fmt.Errorf("parse credential store: %w", err)
	}
	s.salt = salt
	s.key = key
	s.entries = entries
	return nil
}

// save seals the entry map and rewrites the blob atomically, owner-only.
func (s *Store) save() error {
	plaintext, err := json.Marshal(s.entries)
	if err != nil {
		return fmt.Errorf("marshal credential store: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	blob := make([]byte, 0, saltLen+len(nonce)+len(plaintext)+aead.Overhead())
	blob = append(blob, s.salt...)
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, plaintext, nil)
	return vault.WriteAtomicFile(s.path, blob, 0o600)
}

// Get returns a credential's value. Expired credentials read as
// expired, never as their stale value. Every lookup is audited.
func (s *Store) Get(name string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()

	found := ok
	var err error
	if !ok {
		err = fmt.Errorf("%w: %s", ErrNotFound, name)
	} else if e.ExpiresAt != nil && time.Now().After(*e.ExpiresAt) {
		found = false
		err = fmt.Errorf("%w: %s", ErrExpired, name)
	}
	if s.aud != nil {
		s.aud.RecordCredentialAccess("credential-store", name, found)
	}
	if err != nil {
		return "", err
	}
	return e.Value, nil
}

// Set stores a credential, optionally with an expiry.
func (s *Store) Set(name, value string, expiresAt *time.Time) error {
	if name == "" {
		return &vault.ValidationError{Field: "name", Message: "required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	e, ok := s.entries[name]
	if !ok {
		e = entry{CreatedAt: now}
	}
	e.Value = value
	e.UpdatedAt = now
	e.ExpiresAt = expiresAt
	s.entries[name] = e
	return s.save()
}

// Delete removes a credential.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(s.entries, name)
	return s.save()
}

// List returns metadata for every credential, sorted by name. Values
// are never listed.
func (s *Store) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.entries))
	for name, e := range s.entries {
		out = append(out, Info{
			Name:      name,
			CreatedAt: e.CreatedAt,
			UpdatedAt: e.UpdatedAt,
			ExpiresAt: e.ExpiresAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Rotate re-encrypts the store under a key derived from a new master
// secret with a fresh salt.
func (s *Store) Rotate(newMaster []byte) error {
	if len(newMaster) == 0 {
		return &vault.ValidationError{Field: "master", Message: "new master secret required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	oldSalt, oldKey := s.salt, s.key
	s.salt = salt
	s.key = deriveKey(newMaster, salt)
	if err := s.save(); err != nil {
		s.salt, s.key = oldSalt, oldKey
		return err
	}
	s.logger.Info("credential store master rotated")
	return nil
}
