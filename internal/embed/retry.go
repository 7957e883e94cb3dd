package embed

import (
	"context"
	"time"

	"github.com/kbfuse/kbfuse/internal/errors"
)

// RetryConfig controls exponential backoff for transient provider failures.
type RetryConfig struct {
	MaxRetries   int           // retry attempts beyond the initial one
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // backoff ceiling
	Multiplier   float64       // backoff growth factor
}

// DefaultRetryConfig returns the default backoff schedule.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   DefaultMaxRetries,
		InitialDelay: 1 * time.Second,
		MaxDelay:     16 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryProvider wraps a Provider, retrying retryable failures (timeouts,
// unavailability) with exponential backoff. Non-retryable errors such as
// dimension mismatches surface immediately.
type RetryProvider struct {
	inner Provider
	cfg   RetryConfig
}

var _ Provider = (*RetryProvider)(nil)

// NewRetryProvider creates a retrying wrapper.
func NewRetryProvider(inner Provider, cfg RetryConfig) *RetryProvider {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = 16 * cfg.InitialDelay
	}
	return &RetryProvider{inner: inner, cfg: cfg}
}

func (r *RetryProvider) withRetry(ctx context.Context, fn func() error) error {
	delay := r.cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errors.IsRetryable(lastErr) || attempt >= r.cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * r.cfg.Multiplier)
		if delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
	}
	return lastErr
}

// Embed generates an embedding, retrying transient failures.
func (r *RetryProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := r.withRetry(ctx, func() error {
		var embedErr error
		vec, embedErr = r.inner.Embed(ctx, text)
		return embedErr
	})
	return vec, err
}

// EmbedBatch generates embeddings, retrying transient failures.
func (r *RetryProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := r.withRetry(ctx, func() error {
		var embedErr error
		vecs, embedErr = r.inner.EmbedBatch(ctx, texts)
		return embedErr
	})
	return vecs, err
}

// Dimensions passes through to the inner provider.
func (r *RetryProvider) Dimensions() int { return r.inner.Dimensions() }

// ModelName passes through to the inner provider.
func (r *RetryProvider) ModelName() string { return r.inner.ModelName() }

// Available passes through to the inner provider.
func (r *RetryProvider) Available(ctx context.Context) bool { return r.inner.Available(ctx) }

// Close closes the inner provider.
func (r *RetryProvider) Close() error { return r.inner.Close() }
