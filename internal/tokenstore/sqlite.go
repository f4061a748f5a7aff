package tokenstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	_ "modernc.org/sqlite"

	"circlecam/internal/crypto"
)

// SQLiteStore keeps the token mapping in a SQLite database, for callers that
// already manage application state in one.
type SQLiteStore struct {
	db        *sql.DB
	encryptor *crypto.Encryptor
}

type SQLiteOption func(*SQLiteStore)

// WithSQLiteEncryptor encrypts each token blob at rest.
func WithSQLiteEncryptor(e *crypto.Encryptor) SQLiteOption {
	return func(s *SQLiteStore) { s.encryptor = e }
}

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS tokens (
		client_id TEXT PRIMARY KEY,
		token BLOB NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tokens table: %w", err)
	}

	s := &SQLiteStore{db: db}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load() (map[string]*oauth2.Token, error) {
	rows, err := s.db.Query(`SELECT client_id, token FROM tokens`)
	if err != nil {
		return nil, fmt.Errorf("loading tokens: %w", err)
	}
	defer rows.Close()

	tokens := map[string]*oauth2.Token{}
	for rows.Next() {
		var clientID string
		var blob []byte
		if err := rows.Scan(&clientID, &blob); err != nil {
			return nil, fmt.Errorf("scanning token row: %w", err)
		}
		if s.encryptor != nil {
			blob, err = s.encryptor.Open(blob)
			if err != nil {
				// Undecryptable entry, e.g. key rotation. Treat as absent.
				continue
			}
		}
		var tok oauth2.Token
		if err := json.Unmarshal(blob, &tok); err != nil {
			continue
		}
		tokens[clientID] = &tok
	}
	return tokens, rows.Err()
}

// Save replaces the persisted mapping with tokens. Rows absent from the map
// are removed, so a cleared authorization stays cleared across restarts.
func (s *SQLiteStore) Save(tokens map[string]*oauth2.Token) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tokens`); err != nil {
		return fmt.Errorf("clearing tokens: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for clientID, tok := range tokens {
		blob, err := json.Marshal(tok)
		if err != nil {
			return fmt.Errorf("encoding token for %s: %w", clientID, err)
		}
		if s.encryptor != nil {
			blob, err = s.encryptor.Seal(blob)
			if err != nil {
				return fmt.Errorf("encrypting token for %s: %w", clientID, err)
			}
		}
		_, err = tx.Exec(
			`INSERT INTO tokens (client_id, token, updated_at) VALUES (?, ?, ?)`,
			clientID, blob, now,
		)
		if err != nil {
			return fmt.Errorf("storing token for %s: %w", clientID, err)
		}
	}
	return tx.Commit()
}
