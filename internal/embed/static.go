package embed

import (
	"context"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/kbfuse/kbfuse/internal/errors"
)

// StaticProvider generates deterministic hash-based embeddings with no
// network or model dependency. Semantic quality is reduced compared to a
// learned model, but identical text always maps to the identical vector,
// which is what index tests and offline deployments need.
type StaticProvider struct {
	mu     sync.RWMutex
	closed bool
}

var _ Provider = (*StaticProvider)(nil)

// Feature weights for vector construction. Word-level tokens carry most of
// the signal; character trigrams add tolerance for morphology and typos.
const (
	wordFeatureWeight  = 0.7
	ngramFeatureWeight = 0.3
	ngramSize          = 3
)

// Keywords common across programming languages, filtered out so code chunks
// cluster by identifier content rather than syntax.
var codeStopWords = map[string]bool{
	"func": true, "function": true, "def": true, "class": true,
	"return": true, "import": true, "const": true, "var": true,
	"let": true, "int": true, "string": true, "bool": true,
	"void": true, "true": true, "false": true, "nil": true,
	"null": true, "this": true, "self": true, "new": true,
}

var wordPattern = regexp.MustCompile(`[a-zA-Z0-9]+`)

// NewStaticProvider creates a static provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{}
}

// Embed generates an embedding for a single text. Whitespace-only input
// yields the zero vector.
func (p *StaticProvider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, errors.ProviderError("provider is closed", nil)
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, StaticDimensions), nil
	}

	return normalizeVector(p.buildVector(trimmed)), nil
}

// EmbedBatch generates embeddings for multiple texts.
func (p *StaticProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.Embed(ctx, text)
		if err != nil {
			return nil, errors.New(errors.ErrCodeEmbeddingFailed, "batch embedding failed", err)
		}
		results[i] = vec
	}
	return results, nil
}

// buildVector accumulates hashed word and trigram features into a fixed-size
// vector.
func (p *StaticProvider) buildVector(text string) []float32 {
	vector := make([]float32, StaticDimensions)

	for _, token := range splitWords(text) {
		if codeStopWords[token] {
			continue
		}
		vector[hashToIndex(token, StaticDimensions)] += wordFeatureWeight
	}

	compact := stripNonAlnum(text)
	for i := 0; i+ngramSize <= len(compact); i++ {
		vector[hashToIndex(compact[i:i+ngramSize], StaticDimensions)] += ngramFeatureWeight
	}

	return vector
}

// splitWords tokenizes text into lowercase words, splitting camelCase and
// snake_case identifiers so code and prose share a vocabulary.
func splitWords(text string) []string {
	var tokens []string
	for _, word := range wordPattern.FindAllString(text, -1) {
		for _, part := range strings.Split(word, "_") {
			for _, sub := range splitCamelCase(part) {
				tokens = append(tokens, strings.ToLower(sub))
			}
		}
	}
	return tokens
}

// splitCamelCase cuts before an uppercase rune when it starts a new word,
// keeping acronym runs intact ("HTTPServer" -> "HTTP", "Server").
func splitCamelCase(s string) []string {
	if s == "" {
		return nil
	}

	var result []string
	var current strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if (prevLower || nextLower) && current.Len() > 0 {
				result = append(result, current.String())
				current.Reset()
			}
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}

func stripNonAlnum(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}

// Dimensions returns the embedding dimension.
func (p *StaticProvider) Dimensions() int { return StaticDimensions }

// ModelName returns the model identifier.
func (p *StaticProvider) ModelName() string { return "static" }

// Available reports readiness; always true until closed.
func (p *StaticProvider) Available(_ context.Context) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed
}

// Close releases resources.
func (p *StaticProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
