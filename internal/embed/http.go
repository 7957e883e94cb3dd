package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kbfuse/kbfuse/internal/errors"
)

// HTTPConfig configures the remote embedding provider.
type HTTPConfig struct {
	// BaseURL of an OpenAI-compatible embeddings API, without trailing slash.
	BaseURL string

	// Model identifier sent with each request.
	Model string

	// Dimensions expected from the API. When zero, detected from the first
	// embedding returned.
	Dimensions int

	// BatchSize is the maximum texts per request.
	BatchSize int

	// Timeout applies per HTTP request via context deadline.
	Timeout time.Duration

	// APIKey, when set, is sent as a bearer token.
	APIKey string
}

// HTTPProvider generates embeddings through an OpenAI-compatible
// POST /v1/embeddings endpoint.
type HTTPProvider struct {
	client *http.Client
	cfg    HTTPConfig

	mu     sync.RWMutex
	dims   int
	closed bool
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider creates a remote provider. No network call is made here;
// availability is checked lazily so construction works offline.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.BaseURL == "" {
		return nil, errors.ValidationError("embeddings base URL is required", nil)
	}
	if cfg.Model == "" {
		return nil, errors.ValidationError("embeddings model is required", nil)
	}
	if cfg.BatchSize < MinBatchSize {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	// Per-request deadlines come from context, not a static client timeout,
	// so callers can shorten them without rebuilding the client.
	return &HTTPProvider{
		client: &http.Client{Transport: &http.Transport{
			MaxIdleConns:    8,
			IdleConnTimeout: 10 * time.Second,
		}},
		cfg:  cfg,
		dims: cfg.Dimensions,
	}, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed generates an embedding for a single text.
func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts, splitting the input
// into API-sized batches.
func (p *HTTPProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, errors.ProviderError("provider is closed", nil)
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := p.request(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, vecs...)
	}
	return results, nil
}

func (p *HTTPProvider) request(ctx context.Context, batch []string) ([][]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(embeddingRequest{Model: p.cfg.Model, Input: batch})
	if err != nil {
		return nil, errors.InternalError("failed to encode embedding request", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		p.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.InternalError("failed to create embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, errors.New(errors.ErrCodeProviderTimeout, "embedding request timed out", err)
		}
		return nil, errors.ProviderError("embedding provider unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.New(errors.ErrCodeEmbeddingFailed, "embedding request failed",
			nil).WithDetail("status", resp.Status).WithDetail("body", string(body))
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errors.New(errors.ErrCodeEmbeddingFailed, "failed to decode embedding response", err)
	}
	if len(decoded.Data) != len(batch) {
		return nil, errors.New(errors.ErrCodeEmbeddingFailed, "embedding count mismatch", nil)
	}

	// The API may return entries out of order; index is authoritative.
	vecs := make([][]float32, len(batch))
	for _, d := range decoded.Data {
		if d.Index < 0 || d.Index >= len(batch) {
			return nil, errors.New(errors.ErrCodeEmbeddingFailed, "embedding index out of range", nil)
		}
		vecs[d.Index] = normalizeVector(d.Embedding)
	}

	p.mu.Lock()
	if p.dims == 0 && len(vecs) > 0 {
		p.dims = len(vecs[0])
	}
	dims := p.dims
	p.mu.Unlock()

	for _, v := range vecs {
		if len(v) != dims {
			return nil, errors.New(errors.ErrCodeDimensionMismatch, "embedding dimension mismatch", nil).
				WithDetail("expected", strconv.Itoa(dims)).WithDetail("got", strconv.Itoa(len(v)))
		}
	}
	return vecs, nil
}

// Dimensions returns the configured or detected embedding dimension.
func (p *HTTPProvider) Dimensions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dims
}

// ModelName returns the model identifier.
func (p *HTTPProvider) ModelName() string { return p.cfg.Model }

// Available checks the endpoint with a one-item request.
func (p *HTTPProvider) Available(ctx context.Context) bool {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return false
	}
	_, err := p.Embed(ctx, "ping")
	return err == nil
}

// Close releases idle connections.
func (p *HTTPProvider) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	if t, ok := p.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}
