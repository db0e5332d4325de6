package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetGetRoundTrip(t *testing.T) {
	cache, err := NewCache(openTestDB(t))
	require.NoError(t, err)

	rec := Record{
		ExternalID: 27205,
		MediaKind:  "movie",
		Title:      "盗梦空间",
		Year:       2010,
		Genres:     []string{"动作", "科幻"},
		GenreIDs:   []int64{28, 878},
	}
	require.NoError(t, cache.Set("movie", "inception", 2010, rec))

	got, err := cache.Get("movie", "inception", 2010)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(27205), got.ExternalID)
	assert.Equal(t, "盗梦空间", got.Title)
	assert.Equal(t, []string{"动作", "科幻"}, got.Genres)
	assert.False(t, got.IsAnimation())
}

func TestCache_MissReturnsNil(t *testing.T) {
	cache, err := NewCache(openTestDB(t))
	require.NoError(t, err)

	got, err := cache.Get("movie", "unknown", 0)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCache_NullYearKeysMatch(t *testing.T) {
	cache, err := NewCache(openTestDB(t))
	require.NoError(t, err)

	require.NoError(t, cache.Set("tv", "some show", 0, Record{ExternalID: 1, MediaKind: "tv", Title: "Some Show"}))

	got, err := cache.Get("tv", "some show", 0)
	require.NoError(t, err)
	require.NotNil(t, got, "year 0 stores and matches as NULL")

	withYear, err := cache.Get("tv", "some show", 2020)
	require.NoError(t, err)
	assert.Nil(t, withYear, "a year-qualified query is a distinct key")
}

func TestCache_UpsertOverwrites(t *testing.T) {
	cache, err := NewCache(openTestDB(t))
	require.NoError(t, err)

	require.NoError(t, cache.Set("movie", "dup", 2000, Record{ExternalID: 1, MediaKind: "movie", Title: "First"}))
	require.NoError(t, cache.Set("movie", "dup", 2000, Record{ExternalID: 2, MediaKind: "movie", Title: "Second"}))

	got, err := cache.Get("movie", "dup", 2000)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.ExternalID)
	assert.Equal(t, "Second", got.Title)

	stats, err := cache.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
}

func TestCache_IsAnimation(t *testing.T) {
	rec := Record{GenreIDs: []int64{16, 35}}
	assert.True(t, rec.IsAnimation())
	assert.False(t, Record{GenreIDs: []int64{28}}.IsAnimation())
}

func TestCache_PurgeExpiredKeepsTouchedEntries(t *testing.T) {
	db := openTestDB(t)
	cache, err := NewCache(db)
	require.NoError(t, err)

	require.NoError(t, cache.Set("movie", "stale", 0, Record{ExternalID: 1, MediaKind: "movie", Title: "Stale"}))
	require.NoError(t, cache.Set("movie", "hot", 0, Record{ExternalID: 2, MediaKind: "movie", Title: "Hot"}))

	// Age both entries past the TTL, then touch one via Get.
	old := time.Now().Add(-40 * 24 * time.Hour).Unix()
	_, err = db.Exec("UPDATE cache SET last_accessed_time = ?", old)
	require.NoError(t, err)

	got, err := cache.Get("movie", "hot", 0)
	require.NoError(t, err)
	require.NotNil(t, got)

	removed, err := cache.PurgeExpired(30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	kept, err := cache.Get("movie", "hot", 0)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}
