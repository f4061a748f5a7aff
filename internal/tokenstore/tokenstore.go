// Package tokenstore persists OAuth2 token material keyed by client ID.
//
// The persisted format is a mapping from client ID to token blob and must
// round-trip exactly. A missing or unreadable cache is treated as an empty
// mapping, never an error: a corrupt cache simply means the client has to
// authorize again.
package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"

	"circlecam/internal/crypto"
)

// Store loads and saves the client ID -> token mapping.
type Store interface {
	Load() (map[string]*oauth2.Token, error)
	Save(tokens map[string]*oauth2.Token) error
}

// FileStore keeps the token mapping in a single JSON file.
type FileStore struct {
	path      string
	encryptor *crypto.Encryptor
}

type FileOption func(*FileStore)

// WithEncryptor encrypts the serialized mapping at rest.
func WithEncryptor(e *crypto.Encryptor) FileOption {
	return func(s *FileStore) { s.encryptor = e }
}

func NewFileStore(path string, opts ...FileOption) *FileStore {
	s := &FileStore{path: path}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *FileStore) Load() (map[string]*oauth2.Token, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]*oauth2.Token{}, nil
	}
	if err != nil {
		slog.Warn("token cache unreadable, starting empty", "path", s.path, "error", err)
		return map[string]*oauth2.Token{}, nil
	}
	if len(raw) == 0 {
		return map[string]*oauth2.Token{}, nil
	}

	if s.encryptor != nil {
		raw, err = s.encryptor.Open(raw)
		if err != nil {
			slog.Warn("token cache cannot be decrypted, starting empty", "path", s.path, "error", err)
			return map[string]*oauth2.Token{}, nil
		}
	}

	var tokens map[string]*oauth2.Token
	if err := json.Unmarshal(raw, &tokens); err != nil {
		slog.Warn("token cache is malformed, starting empty", "path", s.path, "error", err)
		return map[string]*oauth2.Token{}, nil
	}
	if tokens == nil {
		tokens = map[string]*oauth2.Token{}
	}
	return tokens, nil
}

func (s *FileStore) Save(tokens map[string]*oauth2.Token) error {
	raw, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("encoding token cache: %w", err)
	}
	if s.encryptor != nil {
		raw, err = s.encryptor.Seal(raw)
		if err != nil {
			return fmt.Errorf("encrypting token cache: %w", err)
		}
	}

	// Write-then-rename so a crash mid-save never truncates the cache.
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tokens-*")
	if err != nil {
		return fmt.Errorf("creating token cache: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting token cache permissions: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("writing token cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing token cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing token cache: %w", err)
	}
	return nil
}
