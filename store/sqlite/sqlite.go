/*
Package sqlite provides a SQLite-backed ProfileStore and CredentialStore.

PURPOSE:
  Durable copy of every registered profile. The ledger writes to it through
  the asynchronous Writer; sessions read from it once at login.

INTERFACES IMPLEMENTED:
  ledger.ProfileStore:    Fetch / Initialize / Update
  ledger.CredentialStore: SaveCredential / PasswordHash

KEY TABLES:
  profiles:    One row per identity. Collections (owned titles, entries,
               stats) are JSON columns; the balance is a decimal string.
  credentials: bcrypt hashes keyed by email.

PARTIAL UPDATES:
  Update writes only the columns named by the patch. A patch for an
  identity that has no row returns ledger.ErrProfileNotFound, which the
  Writer treats as permanent.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the write-through worker
  - Single writer at a time

USAGE:
  store, err := sqlite.New("./data/nexus.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/supabase: Hosted PostgREST implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/chat997709/nexus/ledger"
)

// Store implements the ledger storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store, err := NewWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an already opened database and migrates it.
func NewWithDB(db *sql.DB) (*Store, error) {
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		identity TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		surname TEXT NOT NULL DEFAULT '',
		dob TEXT NOT NULL DEFAULT '',
		avatar TEXT NOT NULL DEFAULT '',
		owned_titles_json TEXT NOT NULL DEFAULT '[]',
		entries_json TEXT NOT NULL DEFAULT '[]',
		stats_json TEXT NOT NULL DEFAULT '{}',
		balance TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credentials (
		email TEXT PRIMARY KEY,
		password_hash BLOB NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// PROFILE STORE (ledger.ProfileStore interface)
// =============================================================================

const profileColumns = `identity, display_name, surname, dob, avatar,
	owned_titles_json, entries_json, stats_json, balance`

// Fetch loads the profile for id.
func (s *Store) Fetch(ctx context.Context, id ledger.ProfileID) (*ledger.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + profileColumns + ` FROM profiles WHERE identity = ?`

	var (
		p                             ledger.Profile
		ownedJSON, entriesJSON, stats string
		balance                       string
	)
	err := s.db.QueryRowContext(ctx, query, string(id)).Scan(
		&p.Identity, &p.DisplayName, &p.Surname, &p.DateOfBirth, &p.Avatar,
		&ownedJSON, &entriesJSON, &stats, &balance,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(ownedJSON), &p.Library); err != nil {
		return nil, fmt.Errorf("profile %s: owned titles: %w", id, err)
	}
	if err := json.Unmarshal([]byte(entriesJSON), &p.Entries); err != nil {
		return nil, fmt.Errorf("profile %s: entries: %w", id, err)
	}
	if p.Entries == nil {
		p.Entries = []ledger.Transaction{}
	}
	if err := json.Unmarshal([]byte(stats), &p.Stats); err != nil {
		return nil, fmt.Errorf("profile %s: stats: %w", id, err)
	}
	if p.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("profile %s: balance %q: %w", id, balance, err)
	}
	return &p, nil
}

// Initialize inserts p unless a row for its identity already exists.
func (s *Store) Initialize(ctx context.Context, p ledger.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ownedJSON, err := json.Marshal(p.Library)
	if err != nil {
		return err
	}
	entries := p.Entries
	if entries == nil {
		entries = []ledger.Transaction{}
	}
	entriesJSON, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	statsJSON, err := json.Marshal(p.Stats)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		INSERT INTO profiles (` + profileColumns + `, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		string(p.Identity), p.DisplayName, p.Surname, p.DateOfBirth, p.Avatar,
		string(ownedJSON), string(entriesJSON), string(statsJSON), p.Balance.String(),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize profile %s: %w", p.Identity, err)
	}
	return nil
}

// Update writes the populated fields of patch.
func (s *Store) Update(ctx context.Context, id ledger.ProfileID, patch ledger.ProfilePatch) error {
	sets, args, err := patchColumns(patch)
	if err != nil {
		return err
	}
	if len(sets) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC().Format(time.RFC3339), string(id))
	query := `UPDATE profiles SET ` + strings.Join(sets, ", ") + ` WHERE identity = ?`

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update profile %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrProfileNotFound
	}
	return sqlTx.Commit()
}

// patchColumns maps patch fields to SET clauses in Fields() order.
func patchColumns(patch ledger.ProfilePatch) ([]string, []any, error) {
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	setJSON := func(col string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", col, err)
		}
		set(col, string(data))
		return nil
	}

	if patch.DisplayName != nil {
		set("display_name", *patch.DisplayName)
	}
	if patch.Surname != nil {
		set("surname", *patch.Surname)
	}
	if patch.DateOfBirth != nil {
		set("dob", *patch.DateOfBirth)
	}
	if patch.Avatar != nil {
		set("avatar", *patch.Avatar)
	}
	if patch.OwnedTitles != nil {
		if err := setJSON("owned_titles_json", patch.OwnedTitles); err != nil {
			return nil, nil, err
		}
	}
	if patch.Entries != nil {
		if err := setJSON("entries_json", patch.Entries); err != nil {
			return nil, nil, err
		}
	}
	if patch.Balance != nil {
		set("balance", patch.Balance.String())
	}
	if patch.Stats != nil {
		if err := setJSON("stats_json", patch.Stats); err != nil {
			return nil, nil, err
		}
	}
	return sets, args, nil
}

// =============================================================================
// CREDENTIAL STORE (ledger.CredentialStore interface)
// =============================================================================

func (s *Store) SaveCredential(ctx context.Context, email string, hash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT INTO credentials (email, password_hash, created_at) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, email, hash, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrAccountExists
		}
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

func (s *Store) PasswordHash(ctx context.Context, email string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hash []byte
	err := s.db.QueryRowContext(ctx, `SELECT password_hash FROM credentials WHERE email = ?`, email).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return hash, nil
}

// Helper functions

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
