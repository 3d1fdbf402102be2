package fsm

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// OpenPostgresStore opens a pgx-backed session store.
func OpenPostgresStore(ctx context.Context, dsn string, cacheTTL time.Duration, logger *zap.Logger) (*SQLStore, *sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("OpenPostgresStore: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("OpenPostgresStore: ping: %w", err)
	}
	st, err := NewSQLStore(ctx, SQLStoreConfig{DB: db, Dialect: DialectPostgres, CacheTTL: cacheTTL, Logger: logger})
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return st, db, nil
}

// OpenSQLiteStore opens a SQLite-backed session store at path.
func OpenSQLiteStore(ctx context.Context, path string, cacheTTL time.Duration, logger *zap.Logger) (*SQLStore, *sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("OpenSQLiteStore: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("OpenSQLiteStore: %w", err)
	}
	st, err := NewSQLStore(ctx, SQLStoreConfig{DB: db, Dialect: DialectSQLite, CacheTTL: cacheTTL, Logger: logger})
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return st, db, nil
}
