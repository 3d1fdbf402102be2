package fsm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_router/internal/cache"
)

// SessionStore persists gate snapshots per session for stateless
// transports.
type SessionStore interface {
	// Load returns the snapshot of a session; ok is false when none exists.
	Load(ctx context.Context, sessionID string) (snap Snapshot, ok bool, err error)
	Save(ctx context.Context, sessionID string, snap Snapshot) error
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: map[string]Snapshot{}}
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snaps[sessionID]
	return s, ok, nil
}

func (m *MemoryStore) Save(_ context.Context, sessionID string, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[sessionID] = snap
	return nil
}

// Dialect selects SQL placeholders and DDL.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// snapshotDB abstracts the queries for testability.
type snapshotDB interface {
	load(ctx context.Context, sessionID string) (Snapshot, error)
	save(ctx context.Context, sessionID string, snap Snapshot) error
}

type sqlSnapshotDB struct {
	db      *sql.DB
	dialect Dialect
}

func (s *sqlSnapshotDB) load(ctx context.Context, sessionID string) (Snapshot, error) {
	q := `SELECT state, updated_at FROM fsm_sessions WHERE session_id = $1`
	if s.dialect == DialectSQLite {
		q = `SELECT state, updated_at FROM fsm_sessions WHERE session_id = ?`
	}
	var snap Snapshot
	err := s.db.QueryRowContext(ctx, q, sessionID).Scan(&snap.State, &snap.UpdatedAt)
	return snap, err
}

func (s *sqlSnapshotDB) save(ctx context.Context, sessionID string, snap Snapshot) error {
	q := `
		INSERT INTO fsm_sessions (session_id, state, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET
		  state = excluded.state,
		  updated_at = excluded.updated_at`
	if s.dialect == DialectSQLite {
		q = `
		INSERT INTO fsm_sessions (session_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
		  state = excluded.state,
		  updated_at = excluded.updated_at`
	}
	_, err := s.db.ExecContext(ctx, q, sessionID, snap.State, snap.UpdatedAt)
	return err
}

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS fsm_sessions (
  session_id TEXT PRIMARY KEY,
  state TEXT NOT NULL,
  updated_at BIGINT NOT NULL
)`

// SQLStore persists snapshots in an fsm_sessions table, fronted by a TTL
// cache. Saves write through.
type SQLStore struct {
	store  snapshotDB
	cache  *cache.TTL[Snapshot]
	logger *zap.Logger
}

// SQLStoreConfig configures SQLStore.
type SQLStoreConfig struct {
	DB       *sql.DB
	Dialect  Dialect
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewSQLStore creates the table if needed and returns the store. Open the
// DB with the "pgx" driver for Postgres or "sqlite" for SQLite.
func NewSQLStore(ctx context.Context, cfg SQLStoreConfig) (*SQLStore, error) {
	if _, err := cfg.DB.ExecContext(ctx, createSessionsTable); err != nil {
		return nil, fmt.Errorf("NewSQLStore: create table: %w", err)
	}
	return newSQLStoreWithDB(&sqlSnapshotDB{db: cfg.DB, dialect: cfg.Dialect}, cfg.CacheTTL, cfg.Logger), nil
}

// newSQLStoreWithDB creates a store over a custom snapshotDB (for testing).
func newSQLStoreWithDB(db snapshotDB, ttl time.Duration, logger *zap.Logger) *SQLStore {
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{store: db, cache: cache.New[Snapshot](ttl), logger: logger}
}

func (s *SQLStore) Load(ctx context.Context, sessionID string) (Snapshot, bool, error) {
	cached := s.cache.Get(sessionID)
	if cached.Hit {
		if cached.NeedsRefresh {
			go s.refreshInBackground(sessionID)
		}
		return cached.Value, cached.Present, nil
	}

	snap, err := s.store.load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.cache.SetMissing(sessionID)
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("SQLStore.Load: %w", err)
	}
	s.cache.Set(sessionID, snap)
	return snap, true, nil
}

func (s *SQLStore) Save(ctx context.Context, sessionID string, snap Snapshot) error {
	if err := s.store.save(ctx, sessionID, snap); err != nil {
		return fmt.Errorf("SQLStore.Save: %w", err)
	}
	s.cache.Set(sessionID, snap)
	return nil
}

func (s *SQLStore) refreshInBackground(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := s.store.load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.cache.SetMissing(sessionID)
			return
		}
		s.logger.Warn("background session refresh failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return
	}
	s.cache.Set(sessionID, snap)
}
