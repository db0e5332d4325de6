package identify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mediasort/mediasort/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(url string) config.Config {
	return config.Config{
		AIType:          "deepseek",
		AIMaxConcurrent: 2,
		AIMaxTokens:     200,
		DeepseekAPIKey:  "test-key",
		DeepseekURL:     url,
	}
}

func chatReply(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	})
	return string(b)
}

func TestNewClient_ExternalRequestTimeout(t *testing.T) {
	client := NewClient(func() config.Config { return testConfig("http://unused") })
	assert.Equal(t, 10*time.Second, client.http.Timeout)
}

func TestIdentify_Movie(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, chatReply(`{"type":"movie","title":"盗梦空间","year":2010}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	client := NewClient(func() config.Config { return cfg })

	ident, err := client.Identify(context.Background(), "Inception.2010.1080p.BluRay.mkv")
	require.NoError(t, err)
	require.NotNil(t, ident)
	assert.Equal(t, "movie", ident.Kind)
	assert.Equal(t, "盗梦空间", ident.Title)
	assert.Equal(t, 2010, ident.Year)
}

func TestIdentify_JSONWrappedInProse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply("Here is the result:\n```json\n{\"type\":\"tv\",\"title\":\"Show\",\"season\":2,\"episode\":5}\n```"))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	client := NewClient(func() config.Config { return cfg })

	ident, err := client.Identify(context.Background(), "show.s02e05.mkv")
	require.NoError(t, err)
	require.NotNil(t, ident)
	assert.Equal(t, "tv", ident.Kind)
	assert.Equal(t, 2, ident.Season)
	assert.Equal(t, 5, ident.Episode)
}

func TestIdentify_UnparseableIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply("I cannot determine what this file is."))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	client := NewClient(func() config.Config { return cfg })

	ident, err := client.Identify(context.Background(), "garbage_XYZ.mkv")
	assert.NoError(t, err)
	assert.Nil(t, ident)
}

func TestIdentify_ServerErrorIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	client := NewClient(func() config.Config { return cfg })

	_, err := client.Identify(context.Background(), "a.mkv")
	assert.Error(t, err)
}

func TestIdentify_BusyWhenSlotsExhausted(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		fmt.Fprint(w, chatReply(`{"type":"movie","title":"X"}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.AIMaxConcurrent = 1
	client := NewClient(func() config.Config { return cfg })

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = client.Identify(context.Background(), "slow.mkv")
	}()
	<-started

	_, err := client.Identify(context.Background(), "second.mkv")
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	<-done
}

func TestIdentify_ZhipuExtraParameters(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fmt.Fprint(w, chatReply(`{"type":"movie","title":"X","year":2000}`))
	}))
	defer srv.Close()

	cfg := config.Config{
		AIType:          "zhipu",
		AIMaxConcurrent: 1,
		ZhipuAPIKey:     "zk",
		ZhipuURL:        srv.URL,
		ZhipuModel:      "GLM-4.5-Flash",
	}
	client := NewClient(func() config.Config { return cfg })

	_, err := client.Identify(context.Background(), "x.mkv")
	require.NoError(t, err)
	assert.Equal(t, false, body["do_sample"])
	assert.Equal(t, map[string]any{"type": "disabled"}, body["thinking"])
	assert.Equal(t, "GLM-4.5-Flash", body["model"])
}

func TestIdentify_NoKeyConfigured(t *testing.T) {
	cfg := config.Config{AIType: "deepseek", AIMaxConcurrent: 1}
	client := NewClient(func() config.Config { return cfg })

	_, err := client.Identify(context.Background(), "a.mkv")
	assert.Error(t, err)
}

func TestExtract_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    *Identification
	}{
		{"no json", "nothing here", nil},
		{"bad kind", `{"type":"song","title":"X"}`, nil},
		{"empty title", `{"type":"movie","title":"  "}`, nil},
		{"tv without episode", `{"type":"tv","title":"Show","season":1}`, nil},
		{
			"tv season defaults to 1",
			`{"type":"tv","title":"Show","episode":3}`,
			&Identification{Kind: "tv", Title: "Show", Season: 1, Episode: 3},
		},
		{
			"kind case folded",
			`{"type":"Movie","title":"X","year":1999}`,
			&Identification{Kind: "movie", Title: "X", Year: 1999},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extract(tt.content))
		})
	}
}
