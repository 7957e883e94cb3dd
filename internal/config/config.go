// Package config loads and validates kbfuse configuration.
//
// Every precondition the engine relies on is checked here, at configuration
// time, so violations never surface mid-query: chunk overlap must be smaller
// than the chunk size, fusion weights must be positive, thresholds must stay
// in range.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	kberr "github.com/kbfuse/kbfuse/internal/errors"
)

// Full-text backend names accepted by LexicalConfig.Backend.
const (
	BackendFTS5  = "fts5"
	BackendBleve = "bleve"
)

// Config is the complete kbfuse configuration.
type Config struct {
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Lexical    LexicalConfig    `yaml:"lexical"`
	Fusion     FusionConfig     `yaml:"fusion"`
	Rerank     RerankConfig     `yaml:"rerank"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ChunkingConfig controls the structural chunker.
type ChunkingConfig struct {
	// TargetSize is the target chunk size in characters.
	TargetSize int `yaml:"target_size"`

	// Overlap is the backward slide between consecutive generic chunks.
	// Must be strictly smaller than TargetSize or the window never advances.
	Overlap int `yaml:"overlap"`
}

// LexicalConfig controls the keyword index.
type LexicalConfig struct {
	// Backend selects the full-text structure: "fts5" (default, SQLite
	// FTS5 with WAL) or "bleve" (separate index directory).
	Backend string `yaml:"backend"`
}

// FusionConfig controls weighted reciprocal rank fusion.
//
// Thresholds and bonuses are empirical tuning knobs; tests exercise their
// boundary behavior rather than the specific numbers.
type FusionConfig struct {
	// LexicalWeight is the RRF weight for keyword results. Exact-term hits
	// (file names, error codes) are higher-precision for this domain, so
	// the default favors them 2:1.
	LexicalWeight float64 `yaml:"lexical_weight"`

	// SemanticWeight is the RRF weight for embedding results.
	SemanticWeight float64 `yaml:"semantic_weight"`

	// RRFConstant is the smoothing constant k in w/(k+rank+1).
	RRFConstant int `yaml:"rrf_constant"`

	// TopRankBonus is added when a chunk is rank 0 in any source list.
	TopRankBonus float64 `yaml:"top_rank_bonus"`

	// Top3Bonus is added when a chunk is top-3 (but never rank 0) in any
	// source list. Mutually exclusive with TopRankBonus.
	Top3Bonus float64 `yaml:"top3_bonus"`

	// StrongSignalThreshold is the minimum top-1 lexical score for the
	// strong-signal short-circuit.
	StrongSignalThreshold float64 `yaml:"strong_signal_threshold"`

	// StrongSignalGap is the minimum top1-top2 lexical score gap for the
	// strong-signal short-circuit.
	StrongSignalGap float64 `yaml:"strong_signal_gap"`
}

// RerankConfig controls the oracle-assisted rerank pass.
type RerankConfig struct {
	// Enabled turns reranking on when an oracle is configured.
	Enabled bool `yaml:"enabled"`

	// MaxPassageChars truncates passages sent to the oracle.
	MaxPassageChars int `yaml:"max_passage_chars"`

	// Concurrency caps parallel oracle calls.
	Concurrency int `yaml:"concurrency"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider selects the implementation: "static" (offline, hash-based)
	// or "http" (OpenAI-compatible endpoint).
	Provider string `yaml:"provider"`

	// Model is the model identifier passed to HTTP providers.
	Model string `yaml:"model"`

	// Dimensions is the caller-declared vector dimensionality.
	Dimensions int `yaml:"dimensions"`

	// BatchSize bounds texts per embedding request.
	BatchSize int `yaml:"batch_size"`

	// Endpoint is the base URL for HTTP providers.
	Endpoint string `yaml:"endpoint"`

	// CacheSize is the LRU query-embedding cache size (0 disables caching).
	CacheSize int `yaml:"cache_size"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Chunking: ChunkingConfig{
			TargetSize: 500,
			Overlap:    100,
		},
		Lexical: LexicalConfig{
			Backend: BackendFTS5,
		},
		Fusion: FusionConfig{
			LexicalWeight:         2.0,
			SemanticWeight:        1.0,
			RRFConstant:           60,
			TopRankBonus:          0.05,
			Top3Bonus:             0.02,
			StrongSignalThreshold: 0.85,
			StrongSignalGap:       0.15,
		},
		Rerank: RerankConfig{
			Enabled:         false,
			MaxPassageChars: 1000,
			Concurrency:     4,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "static",
			Dimensions: 256,
			BatchSize:  32,
			CacheSize:  1000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file, layering it over defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, kberr.New(kberr.ErrCodeConfigNotFound,
				fmt.Sprintf("config file not found: %s", path), err)
		}
		return cfg, kberr.Wrap(kberr.ErrCodeConfigInvalid, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, kberr.ConfigError(fmt.Sprintf("parse %s: %v", path, err), err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks every engine precondition. Violations fail fast here and
// never mid-query.
func (c *Config) Validate() error {
	if c.Chunking.TargetSize <= 0 {
		return kberr.ConfigError(
			fmt.Sprintf("chunking.target_size must be positive, got %d", c.Chunking.TargetSize), nil)
	}
	if c.Chunking.Overlap < 0 {
		return kberr.ConfigError(
			fmt.Sprintf("chunking.overlap must be non-negative, got %d", c.Chunking.Overlap), nil)
	}
	if c.Chunking.Overlap >= c.Chunking.TargetSize {
		// The sliding window slides back by Overlap after each cut; an
		// overlap >= target size means it never advances.
		return kberr.New(kberr.ErrCodeInvalidChunking,
			fmt.Sprintf("chunking.overlap (%d) must be smaller than chunking.target_size (%d)",
				c.Chunking.Overlap, c.Chunking.TargetSize), nil)
	}

	switch c.Lexical.Backend {
	case BackendFTS5, BackendBleve:
	default:
		return kberr.ConfigError(
			fmt.Sprintf("lexical.backend must be %q or %q, got %q",
				BackendFTS5, BackendBleve, c.Lexical.Backend), nil)
	}

	if c.Fusion.LexicalWeight <= 0 || c.Fusion.SemanticWeight <= 0 {
		return kberr.New(kberr.ErrCodeWeightsMismatch,
			fmt.Sprintf("fusion weights must be positive, got lexical=%g semantic=%g",
				c.Fusion.LexicalWeight, c.Fusion.SemanticWeight), nil)
	}
	if c.Fusion.RRFConstant <= 0 {
		return kberr.ConfigError(
			fmt.Sprintf("fusion.rrf_constant must be positive, got %d", c.Fusion.RRFConstant), nil)
	}
	if c.Fusion.TopRankBonus < 0 || c.Fusion.Top3Bonus < 0 {
		return kberr.ConfigError("fusion bonuses must be non-negative", nil)
	}
	if c.Fusion.StrongSignalThreshold < 0 || c.Fusion.StrongSignalThreshold > 1 {
		return kberr.ConfigError(
			fmt.Sprintf("fusion.strong_signal_threshold must be in [0,1], got %g",
				c.Fusion.StrongSignalThreshold), nil)
	}
	if c.Fusion.StrongSignalGap < 0 || c.Fusion.StrongSignalGap > 1 {
		return kberr.ConfigError(
			fmt.Sprintf("fusion.strong_signal_gap must be in [0,1], got %g",
				c.Fusion.StrongSignalGap), nil)
	}

	if c.Rerank.Concurrency < 1 {
		return kberr.ConfigError(
			fmt.Sprintf("rerank.concurrency must be at least 1, got %d", c.Rerank.Concurrency), nil)
	}
	if c.Rerank.MaxPassageChars <= 0 {
		return kberr.ConfigError(
			fmt.Sprintf("rerank.max_passage_chars must be positive, got %d", c.Rerank.MaxPassageChars), nil)
	}

	if c.Embeddings.Dimensions <= 0 {
		return kberr.ConfigError(
			fmt.Sprintf("embeddings.dimensions must be positive, got %d", c.Embeddings.Dimensions), nil)
	}
	if c.Embeddings.BatchSize <= 0 {
		return kberr.ConfigError(
			fmt.Sprintf("embeddings.batch_size must be positive, got %d", c.Embeddings.BatchSize), nil)
	}

	return nil
}
