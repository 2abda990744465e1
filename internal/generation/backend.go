package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/traumfunke/storyflow/internal/models"
)

// Backend starts generation of a stored request. Progress is reported back
// asynchronously through the status callback.
type Backend interface {
	CreateStory(ctx context.Context, req CreateStoryRequest) error
	GenerateEpisode(ctx context.Context, req EpisodeRequest) error
}

// CreateStoryRequest is the body of POST {base}/create-story.
type CreateStoryRequest struct {
	RequestID string `json:"request_id"`
}

// EpisodeRequest is the body of POST {base}/generate-series-episode.
type EpisodeRequest struct {
	RequestID        string             `json:"request_id"`
	SeriesID         string             `json:"series_id"`
	EpisodeNumber    int                `json:"episode_number"`
	MoralID          *string            `json:"moral_id"`
	LengthSetting    models.StoryLength `json:"length_setting"`
	MakeFinal        bool               `json:"make_final"`
	GenerateImages   bool               `json:"generate_images"`
	NotifyOnComplete bool               `json:"notify_on_complete"`
}

// PermanentError is a rejection that retrying will not fix.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("generation backend rejected request with status %d", e.StatusCode)
	}
	return fmt.Sprintf("generation backend rejected request with status %d: %s", e.StatusCode, e.Body)
}

const maxErrorBody = 512

// HTTPBackend calls the generation functions over HTTP with a bearer key.
type HTTPBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// HTTPOption configures an HTTPBackend.
type HTTPOption func(*HTTPBackend)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(b *HTTPBackend) {
		b.client = c
	}
}

// WithAPIKey sets the bearer key sent on every call.
func WithAPIKey(key string) HTTPOption {
	return func(b *HTTPBackend) {
		b.apiKey = key
	}
}

// NewHTTPBackend creates a backend rooted at baseURL.
func NewHTTPBackend(baseURL string, opts ...HTTPOption) (*HTTPBackend, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("generation backend URL is required")
	}
	b := &HTTPBackend{
		baseURL: trimmed,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *HTTPBackend) CreateStory(ctx context.Context, req CreateStoryRequest) error {
	return b.post(ctx, "/create-story", req)
}

func (b *HTTPBackend) GenerateEpisode(ctx context.Context, req EpisodeRequest) error {
	return b.post(ctx, "/generate-series-episode", req)
}

func (b *HTTPBackend) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		slog.Debug("HTTPBackend.post: accepted", "path", path, "status", resp.StatusCode)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("call %s: status %d", path, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &PermanentError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	default:
		return fmt.Errorf("call %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
}

// NoopBackend accepts every request without contacting anything. It is used when no
// backend URL is configured; requests stay queued until a status callback arrives.
type NoopBackend struct{}

func (NoopBackend) CreateStory(_ context.Context, req CreateStoryRequest) error {
	slog.Info("NoopBackend.CreateStory: no generation backend configured", "requestID", req.RequestID)
	return nil
}

func (NoopBackend) GenerateEpisode(_ context.Context, req EpisodeRequest) error {
	slog.Info("NoopBackend.GenerateEpisode: no generation backend configured", "requestID", req.RequestID,
		"seriesID", req.SeriesID, "episode", req.EpisodeNumber)
	return nil
}
