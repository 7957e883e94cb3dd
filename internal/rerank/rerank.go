// Package rerank rescores fused candidates with a costlier relevance judge.
//
// The oracle-backed reranker answers with free text; a numeric relevance
// judgment is parsed out of whatever it says. Oracle calls fan out under a
// concurrency cap, and any single failure keeps that candidate's original
// score rather than failing the query. NoOpReranker and HeuristicReranker
// cover deployments with no oracle at all.
package rerank

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kbfuse/kbfuse/internal/config"
	"github.com/kbfuse/kbfuse/internal/fusion"
	"github.com/kbfuse/kbfuse/internal/kb"
)

// fallbackScore is used when the oracle answers but no number can be parsed
// out of the answer: a neutral judgment, neither promoting nor burying.
const fallbackScore = 0.5

// Reranker reorders a ranked candidate list against the query and returns
// up to topK results, best first. Implementations absorb per-candidate
// judgment failures; reranking never fails a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []kb.SearchResult, topK int) []kb.SearchResult
}

// Oracle judges query-passage relevance. The reply is free text expected to
// contain a relevance score between 0 and 1.
type Oracle interface {
	Judge(ctx context.Context, query, passage string) (string, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, query, passage string) (string, error)

// Judge implements Oracle.
func (f OracleFunc) Judge(ctx context.Context, query, passage string) (string, error) {
	return f(ctx, query, passage)
}

// OracleReranker scores candidates against a query through an oracle and
// blends the judgments back into the fused ranking by rank position.
type OracleReranker struct {
	oracle Oracle
	cfg    config.RerankConfig
	logger *slog.Logger
}

var _ Reranker = (*OracleReranker)(nil)

// New creates an oracle-backed reranker. A nil logger uses slog.Default.
func New(oracle Oracle, cfg config.RerankConfig, logger *slog.Logger) *OracleReranker {
	if logger == nil {
		logger = slog.Default()
	}
	return &OracleReranker{oracle: oracle, cfg: cfg, logger: logger}
}

// Rerank judges the top 2*topK candidates and position-blends the judgments
// with the incoming scores: top ranks trust the fused order, deep ranks
// trust the oracle. Candidates whose oracle call failed keep their incoming
// score. Candidates beyond the judging window are dropped; topK always fits
// inside it.
func (r *OracleReranker) Rerank(ctx context.Context, query string, results []kb.SearchResult, topK int) []kb.SearchResult {
	if len(results) == 0 {
		return []kb.SearchResult{}
	}
	if topK <= 0 {
		topK = len(results)
	}

	window := topK * 2
	if window > len(results) {
		window = len(results)
	}
	candidates := results[:window]

	blended := fusion.PositionAwareBlend(candidates, r.Scores(ctx, query, candidates))
	if len(blended) > topK {
		blended = blended[:topK]
	}
	return blended
}

// Scores judges every candidate in parallel and returns external scores
// keyed by fusion key, in [0,1]. Candidates whose oracle call fails are
// absent from the map, so the blend keeps their fused score.
func (r *OracleReranker) Scores(ctx context.Context, query string, candidates []kb.SearchResult) map[string]float64 {
	scores := make(map[string]float64, len(candidates))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for _, cand := range candidates {
		key := cand.Chunk.FusionKey()
		passage := truncate(cand.Chunk.Content, r.cfg.MaxPassageChars)

		g.Go(func() error {
			reply, err := r.oracle.Judge(gctx, query, passage)
			if err != nil {
				r.logger.Warn("rerank_judgment_failed",
					slog.String("chunk", key),
					slog.String("error", err.Error()))
				return nil // keep the candidate's fused score
			}

			mu.Lock()
			scores[key] = ParseScore(reply)
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return scores
}

var scorePattern = regexp.MustCompile(`\d+(?:\.\d+)?`)

// ParseScore extracts the first decimal number from an oracle reply and
// clamps it to [0,1]. A reply with no number yields the neutral score.
func ParseScore(reply string) float64 {
	match := scorePattern.FindString(reply)
	if match == "" {
		return fallbackScore
	}
	score, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return fallbackScore
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}

// NoOpReranker returns candidates in their incoming order, truncated to
// topK. The choice when rank quality is already sufficient and no judge is
// worth the latency.
type NoOpReranker struct{}

var _ Reranker = NoOpReranker{}

// Rerank implements Reranker.
func (NoOpReranker) Rerank(_ context.Context, _ string, results []kb.SearchResult, topK int) []kb.SearchResult {
	out := make([]kb.SearchResult, len(results))
	copy(out, results)
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

// HeuristicReranker tuning. Each distinct query term found in a passage
// adds a small bonus; passages too short to carry context or long enough
// to dilute it are penalized.
const (
	termDensityBonus  = 0.05
	shortPassageChars = 100
	longPassageChars  = 2000
	shortPassageMalus = 0.10
	longPassageMalus  = 0.05
)

// HeuristicReranker rescores candidates from passage features alone, a
// term-density bonus and a length penalty, no oracle. Scores stay clamped
// to [0,1].
type HeuristicReranker struct{}

var _ Reranker = HeuristicReranker{}

// Rerank implements Reranker.
func (HeuristicReranker) Rerank(_ context.Context, query string, results []kb.SearchResult, topK int) []kb.SearchResult {
	terms := strings.Fields(strings.ToLower(query))

	out := make([]kb.SearchResult, len(results))
	copy(out, results)

	for i := range out {
		content := strings.ToLower(out[i].Chunk.Content)

		matched := 0
		for _, term := range terms {
			if strings.Contains(content, term) {
				matched++
			}
		}
		score := out[i].Score + float64(matched)*termDensityBonus

		switch length := len(out[i].Chunk.Content); {
		case length < shortPassageChars:
			score -= shortPassageMalus
		case length > longPassageChars:
			score -= longPassageMalus
		}

		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		out[i].Score = score
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

// TermOverlapOracle is an offline oracle judging relevance by query-term
// coverage of the passage. A cheap standin where no model-backed oracle is
// configured; also the workhorse of the reranker tests.
type TermOverlapOracle struct{}

// Judge reports the fraction of distinct query terms present in the passage.
func (TermOverlapOracle) Judge(_ context.Context, query, passage string) (string, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return "0", nil
	}

	seen := make(map[string]bool, len(terms))
	for _, t := range terms {
		seen[t] = false
	}
	for _, w := range strings.Fields(strings.ToLower(passage)) {
		if _, ok := seen[w]; ok {
			seen[w] = true
		}
	}

	hits := 0
	for _, found := range seen {
		if found {
			hits++
		}
	}
	return strconv.FormatFloat(float64(hits)/float64(len(seen)), 'f', 3, 64), nil
}
