package store

import (
	"database/sql"
	"fmt"
	"time"

	xlog "github.com/mediasort/mediasort/internal/log"
	"github.com/rs/zerolog"
)

// Entry is one publication record in the processed-file ledger.
type Entry struct {
	Path        string
	Digest      string // empty means no digest was computed
	Size        int64
	ProcessedAt time.Time
	ExternalID  int64
	MediaKind   string
	TargetPath  string
}

// Ledger is the durable record of already-published files, keyed by path.
type Ledger struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewLedger creates the schema if needed and runs the digest-nullability
// migration for legacy databases.
func NewLedger(db *sql.DB) (*Ledger, error) {
	l := &Ledger{db: db, logger: xlog.WithComponent("ledger")}
	if err := l.createSchema(); err != nil {
		return nil, fmt.Errorf("ledger schema: %w", err)
	}
	if err := l.migrateDigestNullability(); err != nil {
		return nil, fmt.Errorf("ledger migration: %w", err)
	}
	return l, nil
}

var ledgerIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_file_path ON processed_files(file_path)",
	"CREATE INDEX IF NOT EXISTS idx_file_digest ON processed_files(file_digest)",
	"CREATE INDEX IF NOT EXISTS idx_processed_time ON processed_files(processed_time)",
	"CREATE INDEX IF NOT EXISTS idx_external_id ON processed_files(external_id)",
}

func (l *Ledger) createSchema() error {
	const table = `
	CREATE TABLE IF NOT EXISTS processed_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_path TEXT UNIQUE NOT NULL,
		file_digest TEXT,
		file_size INTEGER NOT NULL,
		processed_time INTEGER NOT NULL,
		external_id INTEGER,
		media_kind TEXT,
		target_path TEXT
	)`
	if _, err := l.db.Exec(table); err != nil {
		return err
	}
	for _, idx := range ledgerIndexes {
		if _, err := l.db.Exec(idx); err != nil {
			return err
		}
	}
	return nil
}

// migrateDigestNullability rebuilds the table when a legacy deployment
// carries a NOT NULL constraint on file_digest. The rebuild (copy into a
// temporary table, drop, rename, reindex) runs inside one transaction so a
// crash mid-migration leaves the original table intact.
func (l *Ledger) migrateDigestNullability() error {
	rows, err := l.db.Query("PRAGMA table_info(processed_files)")
	if err != nil {
		return err
	}
	defer rows.Close()

	needsRebuild := false
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if name == "file_digest" && notNull == 1 {
			needsRebuild = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if !needsRebuild {
		return nil
	}

	l.logger.Info().Str("event", "ledger.migrate_start").Msg("file_digest column is NOT NULL, rebuilding table")

	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE processed_files_new (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file_path TEXT UNIQUE NOT NULL,
			file_digest TEXT,
			file_size INTEGER NOT NULL,
			processed_time INTEGER NOT NULL,
			external_id INTEGER,
			media_kind TEXT,
			target_path TEXT
		)`,
		`INSERT INTO processed_files_new
			SELECT id, file_path, file_digest, file_size, processed_time, external_id, media_kind, target_path
			FROM processed_files`,
		`DROP TABLE processed_files`,
		`ALTER TABLE processed_files_new RENAME TO processed_files`,
	}
	for _, stmt := range append(stmts, ledgerIndexes...) {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	l.logger.Info().Str("event", "ledger.migrate_done").Msg("ledger table rebuilt")
	return nil
}

// IsProcessed reports whether path was already published. With useDigest and a
// non-empty digest the check requires both path and digest to match, which is
// the stronger idempotence guarantee used after hashing.
func (l *Ledger) IsProcessed(path, digest string, useDigest bool) (bool, error) {
	var (
		query string
		args  []any
	)
	if useDigest && digest != "" {
		query = "SELECT 1 FROM processed_files WHERE file_path = ? AND file_digest = ?"
		args = []any{path, digest}
	} else {
		query = "SELECT 1 FROM processed_files WHERE file_path = ?"
		args = []any{path}
	}

	var one int
	err := l.db.QueryRow(query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Add appends a publication record, replacing any previous record for the
// same path.
func (l *Ledger) Add(e Entry) error {
	digest := sql.NullString{String: e.Digest, Valid: e.Digest != ""}
	processedAt := e.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now()
	}
	_, err := l.db.Exec(`
		INSERT OR REPLACE INTO processed_files
		(file_path, file_digest, file_size, processed_time, external_id, media_kind, target_path)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Path, digest, e.Size, processedAt.Unix(), e.ExternalID, e.MediaKind, e.TargetPath)
	if err != nil {
		return fmt.Errorf("ledger add %s: %w", e.Path, err)
	}
	return nil
}

// Count returns the number of ledger entries.
func (l *Ledger) Count() (int64, error) {
	var n int64
	err := l.db.QueryRow("SELECT COUNT(*) FROM processed_files").Scan(&n)
	return n, err
}

// Recent returns the n most recently processed entries.
func (l *Ledger) Recent(n int) ([]Entry, error) {
	rows, err := l.db.Query(`
		SELECT file_path, COALESCE(file_digest, ''), file_size, processed_time,
		       COALESCE(external_id, 0), COALESCE(media_kind, ''), COALESCE(target_path, '')
		FROM processed_files
		ORDER BY processed_time DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var unix int64
		if err := rows.Scan(&e.Path, &e.Digest, &e.Size, &unix, &e.ExternalID, &e.MediaKind, &e.TargetPath); err != nil {
			return nil, err
		}
		e.ProcessedAt = time.Unix(unix, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeOlderThan removes entries processed more than the given number of days
// ago and returns the number of rows deleted.
func (l *Ledger) PurgeOlderThan(days int) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour).Unix()
	res, err := l.db.Exec("DELETE FROM processed_files WHERE processed_time < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LedgerStats summarizes the ledger for status logs.
type LedgerStats struct {
	Total   int64
	Last24h int64
	ByKind  map[string]int64
}

// Stats returns ledger summary counters.
func (l *Ledger) Stats() (LedgerStats, error) {
	s := LedgerStats{ByKind: make(map[string]int64)}

	var err error
	if s.Total, err = l.Count(); err != nil {
		return s, err
	}

	dayAgo := time.Now().Add(-24 * time.Hour).Unix()
	if err := l.db.QueryRow("SELECT COUNT(*) FROM processed_files WHERE processed_time > ?", dayAgo).Scan(&s.Last24h); err != nil {
		return s, err
	}

	rows, err := l.db.Query("SELECT COALESCE(media_kind, ''), COUNT(*) FROM processed_files GROUP BY media_kind")
	if err != nil {
		return s, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return s, err
		}
		s.ByKind[kind] = n
	}
	return s, rows.Err()
}
