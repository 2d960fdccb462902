// Package credstore persists the session credentials (access token,
// refresh token, user profile, last activity timestamp) in a single
// file that survives process restarts.
//
// Reads never fail: a missing, corrupted, or partially-written record
// is treated as absent. Writes go through a temp file and rename so a
// reader can never observe a half-cleared record.
package credstore

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lendkit/sessionkit/pkg/domain"
)

// Record is the persisted credential layout.
type Record struct {
	AccessToken    string          `json:"accessToken,omitempty"`
	RefreshToken   string          `json:"refreshToken,omitempty"`
	User           json.RawMessage `json:"user,omitempty"`
	LastActivityAt string          `json:"lastActivityAt,omitempty"` // epoch millis, string-encoded
}

// Store is a file-backed credential store.
type Store struct {
	mu   sync.Mutex
	path string
	key  []byte // optional 32-byte at-rest encryption key
}

// Option configures a Store.
type Option func(*Store) error

// WithEncryptionKey enables at-rest encryption of the record with
// ChaCha20-Poly1305. The key must be 32 bytes.
func WithEncryptionKey(key []byte) Option {
	return func(s *Store) error {
		if len(key) != chacha20poly1305.KeySize {
			return fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
		}
		s.key = key
		return nil
	}
}

// New creates a store backed by the given file path. The file does not
// need to exist yet.
func New(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Save persists the token pair, preserving the user and activity fields.
func (s *Store) Save(accessToken, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.read()
	rec.AccessToken = accessToken
	rec.RefreshToken = refreshToken
	return s.write(rec)
}

// SaveUser persists the user profile, preserving the other fields.
func (s *Store) SaveUser(user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(user)
	if err != nil {
		return err
	}
	rec := s.read()
	rec.User = raw
	return s.write(rec)
}

// SaveLastActivity persists the last activity timestamp as epoch millis.
func (s *Store) SaveLastActivity(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.read()
	rec.LastActivityAt = strconv.FormatInt(t.UnixMilli(), 10)
	return s.write(rec)
}

// Get returns the current record. A corrupted or missing file reads as
// an empty record.
func (s *Store) Get() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// GetUser decodes the persisted user profile.
func (s *Store) GetUser() (domain.User, bool) {
	rec := s.Get()
	if len(rec.User) == 0 {
		return domain.User{}, false
	}
	var user domain.User
	if err := json.Unmarshal(rec.User, &user); err != nil {
		return domain.User{}, false
	}
	return user, true
}

// LastActivity returns the persisted activity timestamp, if any.
func (s *Store) LastActivity() (time.Time, bool) {
	rec := s.Get()
	if rec.LastActivityAt == "" {
		return time.Time{}, false
	}
	millis, err := strconv.ParseInt(rec.LastActivityAt, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(millis), true
}

// AccessToken returns the current access token. Satisfies the request
// wrapper's token source so every attempt reads the store fresh.
func (s *Store) AccessToken() (string, bool) {
	rec := s.Get()
	return rec.AccessToken, rec.AccessToken != ""
}

// IsPresent reports whether a token pair is stored.
func (s *Store) IsPresent() bool {
	rec := s.Get()
	return rec.AccessToken != "" && rec.RefreshToken != ""
}

// Clear removes all persisted fields. Idempotent: clearing an already
// empty store is a no-op.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// read loads and decodes the record, treating any failure as absent.
func (s *Store) read() Record {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Record{}
	}

	if s.key != nil {
		data, err = s.decrypt(data)
		if err != nil {
			return Record{}
		}
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}
	}
	return rec
}

// write encodes and atomically replaces the record file.
func (s *Store) write(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if s.key != nil {
		data, err = s.encrypt(data)
		if err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".credstore-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return nil, err
	}
	if len(data) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}
