// Package tmdb enriches identified media with canonical metadata from The
// Movie Database, with a persistent lookup cache in front of the network.
package tmdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	xlog "github.com/mediasort/mediasort/internal/log"
	"github.com/mediasort/mediasort/internal/store"
	"github.com/rs/zerolog"
)

const defaultBaseURL = "https://api.themoviedb.org/3"

// ErrUnauthorized marks an invalid API key. It is permanent and must not be
// retried.
var ErrUnauthorized = errors.New("tmdb: invalid API key")

// Metadata is the canonical identity of a film or series.
type Metadata struct {
	ID       int64
	Kind     string // "movie" or "tv"
	Title    string
	Year     int
	Genres   []string
	GenreIDs []int64
}

// IsAnimation reports whether the title carries TMDB's animation genre.
func (m Metadata) IsAnimation() bool {
	for _, id := range m.GenreIDs {
		if id == 16 {
			return true
		}
	}
	return false
}

// Enricher resolves an identified title to canonical metadata. A (nil, nil)
// return means no match was found.
type Enricher interface {
	SearchMovie(ctx context.Context, title string, year int) (*Metadata, error)
	SearchTV(ctx context.Context, title string) (*Metadata, error)
}

// Client queries the TMDB v3 API. Lookups check the cache first; network
// results are written back so repeated files resolve without traffic.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	cache   *store.Cache
	logger  zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint, for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient substitutes the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient builds a TMDB client. proxyURL, when non-empty, routes all
// requests through the given HTTP proxy.
func NewClient(apiKey, proxyURL string, cache *store.Cache, opts ...Option) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		proxy, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("tmdb: invalid proxy %q: %w", proxyURL, err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 10 * time.Second, Transport: transport},
		cache:   cache,
		logger:  xlog.WithComponent("tmdb"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Ping verifies connectivity and key validity against /configuration.
func (c *Client) Ping(ctx context.Context) error {
	var out json.RawMessage
	return c.get(ctx, "/configuration", nil, &out)
}

type searchResponse struct {
	Results []struct {
		ID           int64  `json:"id"`
		Title        string `json:"title"`
		Name         string `json:"name"`
		ReleaseDate  string `json:"release_date"`
		FirstAirDate string `json:"first_air_date"`
	} `json:"results"`
}

type detailsResponse struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	Name         string `json:"name"`
	ReleaseDate  string `json:"release_date"`
	FirstAirDate string `json:"first_air_date"`
	Genres       []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"genres"`
}

// SearchMovie resolves a film title. year of 0 searches without a year filter.
func (c *Client) SearchMovie(ctx context.Context, title string, year int) (*Metadata, error) {
	return c.search(ctx, "movie", title, year)
}

// SearchTV resolves a series title.
func (c *Client) SearchTV(ctx context.Context, title string) (*Metadata, error) {
	return c.search(ctx, "tv", title, 0)
}

func (c *Client) search(ctx context.Context, kind, title string, year int) (*Metadata, error) {
	if c.cache != nil {
		rec, err := c.cache.Get(kind, title, year)
		if err != nil {
			c.logger.Warn().Err(err).Str("title", title).Msg("cache read failed")
		} else if rec != nil {
			c.logger.Debug().Str("title", title).Str("kind", kind).Msg("cache hit")
			return recordToMetadata(rec), nil
		}
	}

	params := url.Values{"query": {title}, "language": {"zh-CN"}}
	if kind == "movie" && year > 0 {
		params.Set("year", strconv.Itoa(year))
	}

	var sr searchResponse
	if err := c.get(ctx, "/search/"+kind, params, &sr); err != nil {
		return nil, err
	}
	if len(sr.Results) == 0 {
		c.logger.Info().Str("title", title).Str("kind", kind).Int("year", year).
			Str("event", "tmdb.no_match").Msg("no search results")
		return nil, nil
	}
	top := sr.Results[0]

	var dr detailsResponse
	path := fmt.Sprintf("/%s/%d", kind, top.ID)
	if err := c.get(ctx, path, url.Values{"language": {"zh-CN"}}, &dr); err != nil {
		return nil, err
	}

	meta := &Metadata{ID: dr.ID, Kind: kind}
	if kind == "movie" {
		meta.Title = dr.Title
		meta.Year = yearOf(dr.ReleaseDate)
	} else {
		meta.Title = dr.Name
		meta.Year = yearOf(dr.FirstAirDate)
	}
	for _, g := range dr.Genres {
		meta.Genres = append(meta.Genres, g.Name)
		meta.GenreIDs = append(meta.GenreIDs, g.ID)
	}

	if c.cache != nil {
		rec := store.Record{
			ExternalID: meta.ID,
			MediaKind:  meta.Kind,
			Title:      meta.Title,
			Year:       meta.Year,
			Genres:     meta.Genres,
			GenreIDs:   meta.GenreIDs,
		}
		if err := c.cache.Set(kind, title, year, rec); err != nil {
			c.logger.Warn().Err(err).Str("title", title).Msg("cache write failed")
		}
	}

	c.logger.Debug().Str("title", title).Str("canonical", meta.Title).Int64("id", meta.ID).
		Msg("resolved")
	return meta, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("tmdb: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tmdb: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("tmdb: %s returned status %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("tmdb: decode %s: %w", path, err)
	}
	return nil
}

func yearOf(date string) int {
	if len(date) < 4 {
		return 0
	}
	y, err := strconv.Atoi(date[:4])
	if err != nil {
		return 0
	}
	return y
}

func recordToMetadata(rec *store.Record) *Metadata {
	return &Metadata{
		ID:       rec.ExternalID,
		Kind:     rec.MediaKind,
		Title:    rec.Title,
		Year:     rec.Year,
		Genres:   rec.Genres,
		GenreIDs: rec.GenreIDs,
	}
}
