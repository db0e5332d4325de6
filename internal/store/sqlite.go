// Package store provides the durable processed-file ledger and the metadata
// lookup cache, both backed by single-file SQLite databases.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver
)

// PoolConfig defines SQLite operational parameters.
type PoolConfig struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultPoolConfig returns the standard pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 10,
	}
}

// Open initializes a SQLite connection pool with mandatory PRAGMAs.
// The PRAGMAs ride in the DSN so they apply to every connection in the pool:
// WAL journaling, busy timeout, foreign keys, and a 64 MiB page cache.
func Open(dbPath string, cfg PoolConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)&_pragma=cache_size(-65536)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	return db, nil
}
