package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	xlog "github.com/mediasort/mediasort/internal/log"
	"github.com/rs/zerolog"
)

// animationGenreID is TMDB's genre id for animation.
const animationGenreID = 16

// Record is one cached metadata lookup result.
type Record struct {
	ExternalID int64
	MediaKind  string
	Title      string
	Year       int
	Genres     []string
	GenreIDs   []int64
	Payload    json.RawMessage
}

// IsAnimation reports whether the record carries the animation genre.
func (r Record) IsAnimation() bool {
	for _, id := range r.GenreIDs {
		if id == animationGenreID {
			return true
		}
	}
	return false
}

// Cache stores metadata lookup results keyed by (kind, query text, query year).
type Cache struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewCache creates the schema if needed.
func NewCache(db *sql.DB) (*Cache, error) {
	c := &Cache{db: db, logger: xlog.WithComponent("cache")}
	if err := c.createSchema(); err != nil {
		return nil, fmt.Errorf("cache schema: %w", err)
	}
	return c, nil
}

func (c *Cache) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			query_kind TEXT NOT NULL,
			query_text TEXT NOT NULL,
			query_year INTEGER,
			external_id INTEGER NOT NULL,
			media_kind TEXT NOT NULL,
			canonical_title TEXT NOT NULL,
			release_year INTEGER,
			genres TEXT,
			genre_ids TEXT,
			payload TEXT,
			created_time INTEGER NOT NULL,
			last_accessed_time INTEGER NOT NULL,
			UNIQUE(query_kind, query_text, query_year)
		)`,
		"CREATE INDEX IF NOT EXISTS idx_cache_lookup ON cache(query_kind, query_text, query_year)",
		"CREATE INDEX IF NOT EXISTS idx_cache_accessed ON cache(last_accessed_time)",
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func nullYear(year int) sql.NullInt64 {
	if year == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(year), Valid: true}
}

// Get returns the cached record for the query, or nil when absent. A hit
// updates the entry's last-accessed time so the expiry sweep keeps hot
// entries alive.
func (c *Cache) Get(kind, text string, year int) (*Record, error) {
	// IS matches NULL against NULL, which plain = never does.
	row := c.db.QueryRow(`
		SELECT id, external_id, media_kind, canonical_title, COALESCE(release_year, 0),
		       COALESCE(genres, '[]'), COALESCE(genre_ids, '[]'), COALESCE(payload, '')
		FROM cache
		WHERE query_kind = ? AND query_text = ? AND query_year IS ?`,
		kind, text, nullYear(year))

	var (
		id        int64
		rec       Record
		genresRaw string
		idsRaw    string
		payload   string
	)
	err := row.Scan(&id, &rec.ExternalID, &rec.MediaKind, &rec.Title, &rec.Year, &genresRaw, &idsRaw, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(genresRaw), &rec.Genres); err != nil {
		return nil, fmt.Errorf("cache genres: %w", err)
	}
	if err := json.Unmarshal([]byte(idsRaw), &rec.GenreIDs); err != nil {
		return nil, fmt.Errorf("cache genre ids: %w", err)
	}
	if payload != "" {
		rec.Payload = json.RawMessage(payload)
	}

	if _, err := c.db.Exec("UPDATE cache SET last_accessed_time = ? WHERE id = ?", time.Now().Unix(), id); err != nil {
		c.logger.Warn().Err(err).Msg("failed to touch cache entry")
	}
	return &rec, nil
}

// Set upserts a record for the query key.
func (c *Cache) Set(kind, text string, year int, rec Record) error {
	genres, err := json.Marshal(rec.Genres)
	if err != nil {
		return fmt.Errorf("cache genres: %w", err)
	}
	ids, err := json.Marshal(rec.GenreIDs)
	if err != nil {
		return fmt.Errorf("cache genre ids: %w", err)
	}

	now := time.Now().Unix()
	_, err = c.db.Exec(`
		INSERT INTO cache
		(query_kind, query_text, query_year, external_id, media_kind, canonical_title,
		 release_year, genres, genre_ids, payload, created_time, last_accessed_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(query_kind, query_text, query_year) DO UPDATE SET
			external_id = excluded.external_id,
			media_kind = excluded.media_kind,
			canonical_title = excluded.canonical_title,
			release_year = excluded.release_year,
			genres = excluded.genres,
			genre_ids = excluded.genre_ids,
			payload = excluded.payload,
			last_accessed_time = excluded.last_accessed_time`,
		kind, text, nullYear(year), rec.ExternalID, rec.MediaKind, rec.Title,
		nullYear(rec.Year), string(genres), string(ids), string(rec.Payload), now, now)
	if err != nil {
		return fmt.Errorf("cache set %s/%s: %w", kind, text, err)
	}
	return nil
}

// PurgeExpired removes entries not accessed within the given number of days
// and returns the number of rows deleted.
func (c *Cache) PurgeExpired(days int) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour).Unix()
	res, err := c.db.Exec("DELETE FROM cache WHERE last_accessed_time < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CacheStats summarizes the cache for status logs.
type CacheStats struct {
	Total  int64
	ByKind map[string]int64
	Oldest time.Time
}

// Stats returns cache summary counters.
func (c *Cache) Stats() (CacheStats, error) {
	s := CacheStats{ByKind: make(map[string]int64)}

	if err := c.db.QueryRow("SELECT COUNT(*) FROM cache").Scan(&s.Total); err != nil {
		return s, err
	}

	rows, err := c.db.Query("SELECT media_kind, COUNT(*) FROM cache GROUP BY media_kind")
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
	if err := rows.Err(); err != nil {
		return s, err
	}

	var oldest sql.NullInt64
	if err := c.db.QueryRow("SELECT MIN(created_time) FROM cache").Scan(&oldest); err != nil {
		return s, err
	}
	if oldest.Valid {
		s.Oldest = time.Unix(oldest.Int64, 0)
	}
	return s, nil
}
