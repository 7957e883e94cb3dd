package embed

import (
	"fmt"

	"github.com/kbfuse/kbfuse/internal/config"
	"github.com/kbfuse/kbfuse/internal/errors"
)

// Provider names accepted by EmbeddingsConfig.Provider.
const (
	ProviderStatic = "static"
	ProviderHTTP   = "http"
)

// NewFromConfig builds the configured provider stack. Remote providers get
// retry and, when a cache size is configured, LRU caching; the static
// provider is cheap enough to run bare.
func NewFromConfig(cfg config.EmbeddingsConfig) (Provider, error) {
	switch cfg.Provider {
	case ProviderStatic, "":
		return NewStaticProvider(), nil

	case ProviderHTTP:
		inner, err := NewHTTPProvider(HTTPConfig{
			BaseURL:    cfg.Endpoint,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
		})
		if err != nil {
			return nil, err
		}

		var p Provider = NewRetryProvider(inner, DefaultRetryConfig())
		if cfg.CacheSize > 0 {
			p = NewCachedProvider(p, cfg.CacheSize)
		}
		return p, nil

	default:
		return nil, errors.New(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown embeddings provider %q", cfg.Provider), nil)
	}
}
