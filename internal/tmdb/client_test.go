package tmdb

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/mediasort/mediasort/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCache(t *testing.T) *store.Cache {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"), store.DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	cache, err := store.NewCache(db)
	require.NoError(t, err)
	return cache
}

func newTestServer(t *testing.T, hits *int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/search/movie", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(hits, 1)
		assert.Equal(t, "zh-CN", r.URL.Query().Get("language"))
		fmt.Fprint(w, `{"results":[{"id":27205,"title":"盗梦空间","release_date":"2010-07-15"},{"id":99,"title":"Other"}]}`)
	})
	mux.HandleFunc("/movie/27205", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(hits, 1)
		fmt.Fprint(w, `{"id":27205,"title":"盗梦空间","release_date":"2010-07-15","genres":[{"id":28,"name":"动作"},{"id":878,"name":"科幻"}]}`)
	})
	mux.HandleFunc("/search/tv", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(hits, 1)
		fmt.Fprint(w, `{"results":[{"id":456,"name":"某动画","first_air_date":"2019-04-01"}]}`)
	})
	mux.HandleFunc("/tv/456", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(hits, 1)
		fmt.Fprint(w, `{"id":456,"name":"某动画","first_air_date":"2019-04-01","genres":[{"id":16,"name":"动画"}]}`)
	})
	mux.HandleFunc("/search/empty", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/configuration", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"images":{}}`)
	})
	return httptest.NewServer(mux)
}

func TestSearchMovie_ResolvesTopHit(t *testing.T) {
	var hits int64
	srv := newTestServer(t, &hits)
	defer srv.Close()

	client, err := NewClient("key", "", testCache(t), WithBaseURL(srv.URL))
	require.NoError(t, err)

	meta, err := client.SearchMovie(context.Background(), "inception", 2010)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, int64(27205), meta.ID)
	assert.Equal(t, "盗梦空间", meta.Title)
	assert.Equal(t, 2010, meta.Year)
	assert.Equal(t, []int64{28, 878}, meta.GenreIDs)
	assert.False(t, meta.IsAnimation())
}

func TestSearchMovie_SecondLookupHitsCache(t *testing.T) {
	var hits int64
	srv := newTestServer(t, &hits)
	defer srv.Close()

	client, err := NewClient("key", "", testCache(t), WithBaseURL(srv.URL))
	require.NoError(t, err)

	first, err := client.SearchMovie(context.Background(), "inception", 2010)
	require.NoError(t, err)
	require.NotNil(t, first)
	networkCalls := atomic.LoadInt64(&hits)
	assert.Equal(t, int64(2), networkCalls, "search plus details")

	second, err := client.SearchMovie(context.Background(), "inception", 2010)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first, second)
	assert.Equal(t, networkCalls, atomic.LoadInt64(&hits), "no additional network traffic")
}

func TestSearchTV_Animation(t *testing.T) {
	var hits int64
	srv := newTestServer(t, &hits)
	defer srv.Close()

	client, err := NewClient("key", "", testCache(t), WithBaseURL(srv.URL))
	require.NoError(t, err)

	meta, err := client.SearchTV(context.Background(), "某动画")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "tv", meta.Kind)
	assert.Equal(t, 2019, meta.Year)
	assert.True(t, meta.IsAnimation())
}

func TestSearchMovie_NoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[]}`)
	}))
	defer srv.Close()

	client, err := NewClient("key", "", testCache(t), WithBaseURL(srv.URL))
	require.NoError(t, err)

	meta, err := client.SearchMovie(context.Background(), "does not exist", 0)
	assert.NoError(t, err)
	assert.Nil(t, meta)
}

func TestSearchMovie_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status_message":"Invalid API key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, err := NewClient("bad-key", "", testCache(t), WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = client.SearchMovie(context.Background(), "anything", 0)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestPing(t *testing.T) {
	var hits int64
	srv := newTestServer(t, &hits)
	defer srv.Close()

	client, err := NewClient("key", "", nil, WithBaseURL(srv.URL))
	require.NoError(t, err)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestYearOf(t *testing.T) {
	assert.Equal(t, 2010, yearOf("2010-07-15"))
	assert.Equal(t, 0, yearOf(""))
	assert.Equal(t, 0, yearOf("bad"))
}
