// Package identify extracts media identity (title, year, kind, episode
// numbering) from raw file names using an OpenAI-compatible chat completion
// backend.
package identify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mediasort/mediasort/internal/config"
	xlog "github.com/mediasort/mediasort/internal/log"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ErrBusy is returned when all identification slots are taken. Callers treat
// it as transient and retry the file later.
var ErrBusy = errors.New("identify: all slots busy")

// Identification is the parsed identity of one media file.
type Identification struct {
	Kind    string `json:"type"` // "movie" or "tv"
	Title   string `json:"title"`
	Year    int    `json:"year,omitempty"`
	Season  int    `json:"season,omitempty"`
	Episode int    `json:"episode,omitempty"`
}

// Identifier names one media file. A (nil, nil) return means the name could
// not be identified at all and the file should be skipped, not retried.
type Identifier interface {
	Identify(ctx context.Context, filename string) (*Identification, error)
}

// Client calls the configured chat completion backend. Concurrency is bounded
// by a weighted semaphore sized from the configuration; acquisition is
// non-blocking so a saturated backend surfaces as ErrBusy instead of queueing.
type Client struct {
	cfg    func() config.Config
	http   *http.Client
	slots  *semaphore.Weighted
	logger zerolog.Logger
}

// NewClient builds a client reading live configuration through cfg.
func NewClient(cfg func() config.Config) *Client {
	c := cfg()
	limit := int64(c.AIMaxConcurrent)
	if limit < 1 {
		limit = 1
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 10 * time.Second},
		slots:  semaphore.NewWeighted(limit),
		logger: xlog.WithComponent("identify"),
	}
}

const systemPrompt = `You are a media file name parser. Given a video file name, respond with a single JSON object:
{"type":"movie"|"tv","title":"<original-language title>","year":<4-digit year or 0>,"season":<number or 0>,"episode":<number or 0>}
Rules: strip release tags, resolutions, codecs and group names. For tv, season defaults to 1 when only an episode number is present. Respond with JSON only.`

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
	DoSample       *bool          `json:"do_sample,omitempty"`
	Thinking       map[string]any `json:"thinking,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Identify names one file. It returns ErrBusy without blocking when the
// concurrency limit is reached.
func (c *Client) Identify(ctx context.Context, filename string) (*Identification, error) {
	if !c.slots.TryAcquire(1) {
		return nil, ErrBusy
	}
	defer c.slots.Release(1)

	cfg := c.cfg()
	endpoint, model, key, err := backendFor(cfg)
	if err != nil {
		return nil, err
	}

	req := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: filename},
		},
		MaxTokens:      cfg.AIMaxTokens,
		Temperature:    0.1,
		ResponseFormat: map[string]any{"type": "json_object"},
	}
	if cfg.AIType == "zhipu" {
		f := false
		req.DoSample = &f
		req.Thinking = map[string]any{"type": "disabled"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("identify: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("identify: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("identify: %s request: %w", cfg.AIType, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("identify: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identify: %s returned status %d: %s", cfg.AIType, resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("identify: decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("identify: %s error: %s", cfg.AIType, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("identify: %s returned no choices", cfg.AIType)
	}

	ident := extract(parsed.Choices[0].Message.Content)
	if ident == nil {
		// Model answered but not with usable identity. The file name itself
		// is the problem, so retrying the same request is pointless.
		c.logger.Warn().Str("file", filename).Str("event", "identify.unparseable").
			Msg("backend response did not contain a valid identification")
		return nil, nil
	}

	c.logger.Debug().Str("file", filename).Str("kind", ident.Kind).Str("title", ident.Title).
		Int("year", ident.Year).Msg("identified")
	return ident, nil
}

func backendFor(cfg config.Config) (endpoint, model, key string, err error) {
	key = cfg.BackendKey()
	if key == "" {
		return "", "", "", fmt.Errorf("identify: no API key configured for backend %q", cfg.AIType)
	}
	switch cfg.AIType {
	case "deepseek":
		return cfg.DeepseekURL, "deepseek-chat", key, nil
	case "spark":
		return cfg.SparkURL, cfg.SparkModel, key, nil
	case "model_scope":
		return cfg.ModelScopeURL, cfg.ModelScopeModel, key, nil
	case "zhipu":
		return cfg.ZhipuURL, cfg.ZhipuModel, key, nil
	default:
		return "", "", "", fmt.Errorf("identify: unsupported backend %q", cfg.AIType)
	}
}

// extract pulls the JSON object out of the model reply, tolerating prose or
// markdown fences around it, and validates the result. It returns nil when
// nothing usable is present.
func extract(content string) *Identification {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil
	}

	var ident Identification
	if err := json.Unmarshal([]byte(content[start:end+1]), &ident); err != nil {
		return nil
	}

	ident.Kind = strings.ToLower(strings.TrimSpace(ident.Kind))
	ident.Title = strings.TrimSpace(ident.Title)
	if ident.Title == "" {
		return nil
	}
	switch ident.Kind {
	case "movie":
	case "tv":
		if ident.Season <= 0 {
			ident.Season = 1
		}
		if ident.Episode <= 0 {
			return nil
		}
	default:
		return nil
	}
	return &ident
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
