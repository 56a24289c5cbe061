package auth

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoToken is returned by a TokenStore holding no usable credential.
var ErrNoToken = errors.New("no stored token")

// TokenStore persists the access token across restarts
type TokenStore interface {
	// Load returns the stored token, or ErrNoToken if there is none or it expired
	Load() (string, error)

	// Save replaces the stored token
	Save(token string, expiresAt time.Time) error

	// Clear removes the stored token; clearing an empty store is not an error
	Clear() error
}

// MemoryStore keeps the token for the lifetime of the process
type MemoryStore struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == "" {
		return "", ErrNoToken
	}
	if !s.expiresAt.IsZero() && !s.now().Before(s.expiresAt) {
		s.token = ""
		return "", ErrNoToken
	}
	return s.token, nil
}

func (s *MemoryStore) Save(token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.expiresAt = expiresAt
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
	return nil
}

// SQLiteStore keeps a single credential row in the client database
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates the credentials table if needed and returns a store on db
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	createCredentialsTable := `
	CREATE TABLE IF NOT EXISTS credentials (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		token TEXT NOT NULL,
		expires_at DATETIME NOT NULL
	);`

	if _, err := db.Exec(createCredentialsTable); err != nil {
		return nil, fmt.Errorf("failed to create credentials table: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Load() (string, error) {
	var token string
	var expiresAt time.Time

	err := s.db.QueryRow("SELECT token, expires_at FROM credentials WHERE id = 1").Scan(&token, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("failed to load token: %w", err)
	}

	if !s.now().Before(expiresAt) {
		if err := s.Clear(); err != nil {
			return "", err
		}
		return "", ErrNoToken
	}
	return token, nil
}

func (s *SQLiteStore) Save(token string, expiresAt time.Time) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO credentials (id, token, expires_at) VALUES (1, ?, ?)",
		token, expiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear() error {
	if _, err := s.db.Exec("DELETE FROM credentials WHERE id = 1"); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}
	return nil
}
