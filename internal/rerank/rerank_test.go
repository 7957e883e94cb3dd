package rerank

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbfuse/kbfuse/internal/config"
	"github.com/kbfuse/kbfuse/internal/kb"
)

func cand(id, content string) kb.SearchResult {
	return kb.SearchResult{Chunk: kb.Chunk{ID: id, Content: content}, Score: 0.5}
}

func TestParseScore(t *testing.T) {
	cases := []struct {
		reply string
		want  float64
	}{
		{"0.85", 0.85},
		{"Relevance: 0.3 out of 1", 0.3},
		{"I'd say 0.72 because the passage matches", 0.72},
		{"score is 1", 1.0},
		{"definitely a 7", 1.0}, // clamped
		{"0", 0.0},
		{"no number here", 0.5}, // neutral fallback
		{"", 0.5},
	}

	for _, tc := range cases {
		assert.InDelta(t, tc.want, ParseScore(tc.reply), 1e-9, "reply %q", tc.reply)
	}
}

func TestScores_JudgesEveryCandidate(t *testing.T) {
	oracle := OracleFunc(func(_ context.Context, _, passage string) (string, error) {
		if strings.Contains(passage, "relevant") {
			return "0.9", nil
		}
		return "0.1", nil
	})
	r := New(oracle, config.Default().Rerank, nil)

	scores := r.Scores(context.Background(), "query", []kb.SearchResult{
		cand("a", "highly relevant passage"),
		cand("b", "unrelated passage"),
	})

	require.Len(t, scores, 2)
	assert.InDelta(t, 0.9, scores["a"], 1e-9)
	assert.InDelta(t, 0.1, scores["b"], 1e-9)
}

func TestScores_FailedJudgmentOmitsCandidate(t *testing.T) {
	oracle := OracleFunc(func(_ context.Context, _, passage string) (string, error) {
		if strings.Contains(passage, "poison") {
			return "", errors.New("oracle exploded")
		}
		return "0.6", nil
	})
	r := New(oracle, config.Default().Rerank, nil)

	scores := r.Scores(context.Background(), "query", []kb.SearchResult{
		cand("good", "fine passage"),
		cand("bad", "poison passage"),
	})

	assert.Contains(t, scores, "good")
	assert.NotContains(t, scores, "bad")
}

func TestScores_UnparseableReplyIsNeutral(t *testing.T) {
	oracle := OracleFunc(func(context.Context, string, string) (string, error) {
		return "hmm, hard to say", nil
	})
	r := New(oracle, config.Default().Rerank, nil)

	scores := r.Scores(context.Background(), "query", []kb.SearchResult{cand("a", "text")})
	assert.InDelta(t, 0.5, scores["a"], 1e-9)
}

func TestScores_PassageTruncation(t *testing.T) {
	var gotLen int64
	oracle := OracleFunc(func(_ context.Context, _, passage string) (string, error) {
		atomic.StoreInt64(&gotLen, int64(len(passage)))
		return "0.5", nil
	})

	cfg := config.Default().Rerank
	cfg.MaxPassageChars = 100
	r := New(oracle, cfg, nil)

	r.Scores(context.Background(), "query", []kb.SearchResult{
		cand("a", strings.Repeat("x", 5000)),
	})

	assert.Equal(t, int64(100), atomic.LoadInt64(&gotLen))
}

func TestScores_ConcurrencyCapHolds(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0

	oracle := OracleFunc(func(context.Context, string, string) (string, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		mu.Lock()
		inFlight--
		mu.Unlock()
		return "0.5", nil
	})

	cfg := config.Default().Rerank
	cfg.Concurrency = 2
	r := New(oracle, cfg, nil)

	candidates := make([]kb.SearchResult, 20)
	for i := range candidates {
		candidates[i] = cand(strings.Repeat("x", i+1), "passage")
	}
	scores := r.Scores(context.Background(), "query", candidates)

	assert.Len(t, scores, 20)
	assert.LessOrEqual(t, peak, 2)
}

func scored(id string, score float64, content string) kb.SearchResult {
	return kb.SearchResult{Chunk: kb.Chunk{ID: id, Content: content}, Score: score}
}

func TestOracleReranker_RerankBlendsJudgmentsByPosition(t *testing.T) {
	judgments := map[string]string{"a": "0.0", "b": "0.2", "c": "1.0"}
	oracle := OracleFunc(func(_ context.Context, _, passage string) (string, error) {
		return judgments[passage], nil
	})
	r := New(oracle, config.Default().Rerank, nil)

	// Top band blends 75% incoming / 25% judgment:
	// a: 0.75*1.0 + 0.25*0.0 = 0.75
	// b: 0.75*0.9 + 0.25*0.2 = 0.725
	// c: 0.75*0.8 + 0.25*1.0 = 0.85
	got := r.Rerank(context.Background(), "query", []kb.SearchResult{
		scored("a", 0.50, "a"),
		scored("b", 0.45, "b"),
		scored("c", 0.40, "c"),
	}, 3)

	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].Chunk.ID)
	assert.Equal(t, "a", got[1].Chunk.ID)
	assert.Equal(t, "b", got[2].Chunk.ID)
	assert.InDelta(t, 0.85, got[0].Score, 1e-9)
}

func TestOracleReranker_RerankFailedJudgmentKeepsScore(t *testing.T) {
	oracle := OracleFunc(func(_ context.Context, _, passage string) (string, error) {
		if strings.Contains(passage, "poison") {
			return "", errors.New("oracle exploded")
		}
		return "0.0", nil
	})
	r := New(oracle, config.Default().Rerank, nil)

	got := r.Rerank(context.Background(), "query", []kb.SearchResult{
		scored("a", 0.50, "fine"),
		scored("b", 0.45, "poison"),
	}, 2)

	require.Len(t, got, 2)
	byID := map[string]float64{}
	for _, res := range got {
		byID[res.Chunk.ID] = res.Score
	}
	assert.InDelta(t, 0.45, byID["b"], 1e-9)
}

func TestOracleReranker_RerankEmptyAndTruncation(t *testing.T) {
	oracle := OracleFunc(func(context.Context, string, string) (string, error) {
		return "0.5", nil
	})
	r := New(oracle, config.Default().Rerank, nil)

	assert.Empty(t, r.Rerank(context.Background(), "query", nil, 5))

	results := make([]kb.SearchResult, 8)
	for i := range results {
		results[i] = scored(strings.Repeat("x", i+1), 0.8-float64(i)*0.05, "passage")
	}
	got := r.Rerank(context.Background(), "query", results, 3)
	assert.Len(t, got, 3)
}

func TestNoOpReranker_PreservesOrder(t *testing.T) {
	results := []kb.SearchResult{
		scored("doc1", 0.9, "first"),
		scored("doc2", 0.8, "second"),
		scored("doc3", 0.7, "third"),
	}

	got := NoOpReranker{}.Rerank(context.Background(), "test query", results, 0)

	require.Len(t, got, 3)
	assert.Equal(t, "doc1", got[0].Chunk.ID)
	assert.Equal(t, "doc2", got[1].Chunk.ID)
	assert.Equal(t, "doc3", got[2].Chunk.ID)
}

func TestNoOpReranker_RespectsTopK(t *testing.T) {
	results := make([]kb.SearchResult, 10)
	for i := range results {
		results[i] = scored(strings.Repeat("d", i+1), 0.9-float64(i)*0.1, "content")
	}

	got := NoOpReranker{}.Rerank(context.Background(), "query", results, 5)
	assert.Len(t, got, 5)
}

func TestHeuristicReranker_TermDensityBoost(t *testing.T) {
	results := []kb.SearchResult{
		scored("doc1", 0.5, "unrelated content here"),
		scored("doc2", 0.5, "python programming is fun python code"),
	}

	got := HeuristicReranker{}.Rerank(context.Background(), "python programming", results, 0)

	require.Len(t, got, 2)
	assert.Equal(t, "doc2", got[0].Chunk.ID)
}

func TestHeuristicReranker_ShortPassagePenalty(t *testing.T) {
	results := []kb.SearchResult{
		scored("doc1", 0.7, "short"),
		scored("doc2", 0.7, strings.Repeat("This is a longer document with more content ", 5)),
	}

	got := HeuristicReranker{}.Rerank(context.Background(), "test", results, 0)

	require.Len(t, got, 2)
	assert.Equal(t, "doc2", got[0].Chunk.ID)
	assert.InDelta(t, 0.6, got[1].Score, 1e-9)
}

func TestHeuristicReranker_ClampsScores(t *testing.T) {
	results := []kb.SearchResult{
		scored("hot", 0.98, strings.Repeat("alpha beta gamma delta padding text ", 5)),
	}

	got := HeuristicReranker{}.Rerank(context.Background(), "alpha beta gamma", results, 0)

	require.Len(t, got, 1)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
}

func TestTermOverlapOracle(t *testing.T) {
	o := TermOverlapOracle{}

	full, err := o.Judge(context.Background(), "reset password", "how to reset your password")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, ParseScore(full), 1e-9)

	half, err := o.Judge(context.Background(), "reset password", "the reset button")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, ParseScore(half), 1e-9)

	none, err := o.Judge(context.Background(), "reset password", "billing invoices")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, ParseScore(none), 1e-9)
}
