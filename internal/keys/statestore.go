package keys

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hengadev/phisafe/internal/keys/migrations"
	"github.com/hengadev/phisafe/internal/security"
	"github.com/hengadev/phisafe/internal/sqlitedb"
)

// StoredKey is a key version as persisted: material is always wrapped by
// the KeySource.
type StoredKey struct {
	Version   int
	Wrapped   []byte
	CreatedAt time.Time
}

// State is the persisted keyring.
type State struct {
	Source   string
	Current  StoredKey
	Previous *StoredKey
	Purposes []string
}

func (s State) clone() State {
	out := State{
		Source:   s.Source,
		Current:  StoredKey{Version: s.Current.Version, Wrapped: security.CopyKey(s.Current.Wrapped), CreatedAt: s.Current.CreatedAt},
		Purposes: append([]string(nil), s.Purposes...),
	}
	if s.Previous != nil {
		out.Previous = &StoredKey{Version: s.Previous.Version, Wrapped: security.CopyKey(s.Previous.Wrapped), CreatedAt: s.Previous.CreatedAt}
	}
	return out
}

// StateStore persists the keyring between restarts.
type StateStore interface {
	// Load returns nil, nil when nothing has been stored yet.
	Load(ctx context.Context) (*State, error)
	// Save replaces the stored keyring atomically.
	Save(ctx context.Context, state State) error
}

// MemoryStateStore keeps state in process memory.
type MemoryStateStore struct {
	mu    sync.Mutex
	state *State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

func (m *MemoryStateStore) Load(ctx context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	s := m.state.clone()
	return &s, nil
}

func (m *MemoryStateStore) Save(ctx context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := state.clone()
	m.state = &s
	return nil
}

// SQLiteStateStore persists the keyring in the key_versions table.
type SQLiteStateStore struct {
	db *sql.DB
}

// NewSQLiteStateStore applies the key schema migrations to db and returns a
// store backed by it.
func NewSQLiteStateStore(db *sql.DB) (*SQLiteStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if err := sqlitedb.ApplyMigrations(db, migrations.Migrations, "key_schema_migrations"); err != nil {
		return nil, err
	}
	return &SQLiteStateStore{db: db}, nil
}

func (s *SQLiteStateStore) Load(ctx context.Context) (*State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT slot, version, material, key_source, created_at FROM key_versions`)
	if err != nil {
		return nil, fmt.Errorf("failed to load key versions: %w", err)
	}
	defer rows.Close()

	var (
		state    State
		found    bool
		previous *StoredKey
	)
	for rows.Next() {
		var (
			slot, source string
			key          StoredKey
		)
		if err := rows.Scan(&slot, &key.Version, &key.Wrapped, &source, &key.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan key version: %w", err)
		}
		key.CreatedAt = key.CreatedAt.UTC()
		switch slot {
		case "current":
			state.Current = key
			state.Source = source
			found = true
		case "previous":
			k := key
			previous = &k
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read key versions: %w", err)
	}
	if !found {
		return nil, nil
	}
	state.Previous = previous

	purposes, err := s.db.QueryContext(ctx, `SELECT purpose FROM key_purposes ORDER BY purpose`)
	if err != nil {
		return nil, fmt.Errorf("failed to load key purposes: %w", err)
	}
	defer purposes.Close()
	for purposes.Next() {
		var p string
		if err := purposes.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan key purpose: %w", err)
		}
		state.Purposes = append(state.Purposes, p)
	}
	return &state, purposes.Err()
}

func (s *SQLiteStateStore) Save(ctx context.Context, state State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin key state transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{`DELETE FROM key_versions`, `DELETE FROM key_purposes`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to clear key state: %w", err)
		}
	}

	insert := `INSERT INTO key_versions (slot, version, material, key_source, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert, "current", state.Current.Version, state.Current.Wrapped, state.Source, state.Current.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to store current key: %w", err)
	}
	if state.Previous != nil {
		if _, err := tx.ExecContext(ctx, insert, "previous", state.Previous.Version, state.Previous.Wrapped, state.Source, state.Previous.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to store previous key: %w", err)
		}
	}

	purposes := append([]string(nil), state.Purposes...)
	sort.Strings(purposes)
	now := time.Now().UTC()
	for _, p := range purposes {
		if _, err := tx.ExecContext(ctx, `INSERT INTO key_purposes (purpose, recorded_at) VALUES (?, ?)`, p, now); err != nil {
			return fmt.Errorf("failed to record key purpose: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit key state: %w", err)
	}
	return nil
}
