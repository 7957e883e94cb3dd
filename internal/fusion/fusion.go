// Package fusion merges ranked result lists from heterogeneous indexes into
// a single ranking.
//
// The core is weighted Reciprocal Rank Fusion: each list contributes
// weight/(k+rank+1) per result, so fusion depends on ranks rather than the
// incomparable raw scores of BM25 and cosine similarity. On top of RRF sit
// rank bonuses, a strong-signal short-circuit test, and a position-aware
// blend for folding in external (reranker) scores.
package fusion

import (
	"sort"

	"github.com/kbfuse/kbfuse/internal/config"
	"github.com/kbfuse/kbfuse/internal/kb"
)

// RankedList is one index's contribution to fusion: results in rank order,
// best first, with the list's RRF weight.
type RankedList struct {
	Source  string
	Weight  float64
	Results []kb.SearchResult
}

// Position-aware blend weights. Top ranks trust the fused ordering, deep
// ranks trust the external signal, since RRF precision decays with rank.
const (
	topRankCutoff = 3
	midRankCutoff = 10

	topRRFWeight  = 0.75
	midRRFWeight  = 0.60
	deepRRFWeight = 0.40

	// rrfScaleFactor stretches small RRF sums toward [0,1] before blending
	// with external scores that already live there.
	rrfScaleFactor = 2.0
)

// Engine fuses ranked lists under a fixed configuration.
type Engine struct {
	cfg config.FusionConfig
}

// NewEngine creates a fusion engine.
func NewEngine(cfg config.FusionConfig) *Engine {
	return &Engine{cfg: cfg}
}

// fusedEntry accumulates one chunk's fusion state across lists.
type fusedEntry struct {
	result   kb.SearchResult
	score    float64
	bestRank int
	sources  []string
	order    int // first-seen position, the deterministic tie-break
}

// Fuse merges the lists with weighted RRF and returns up to topK results,
// best first. Duplicate chunks (same identity across lists) accumulate
// contributions from every list they appear in. A non-positive topK returns
// the full fused ranking.
func (e *Engine) Fuse(lists []RankedList, topK int) []kb.SearchResult {
	entries := make(map[string]*fusedEntry)
	var order []*fusedEntry

	for _, list := range lists {
		for rank, r := range list.Results {
			key := r.Chunk.FusionKey()
			contribution := list.Weight / float64(e.cfg.RRFConstant+rank+1)

			entry, seen := entries[key]
			if !seen {
				entry = &fusedEntry{
					result:   r,
					bestRank: rank,
					order:    len(order),
				}
				entries[key] = entry
				order = append(order, entry)
			}
			entry.score += contribution
			if rank < entry.bestRank {
				entry.bestRank = rank
			}
			entry.sources = appendUnique(entry.sources, list.Source)
		}
	}

	// Rank bonuses reward chunks that some index was confident about. The
	// two bonuses are mutually exclusive and applied once per chunk, not
	// per list.
	for _, entry := range order {
		switch {
		case entry.bestRank == 0:
			entry.score += e.cfg.TopRankBonus
		case entry.bestRank < topRankCutoff:
			entry.score += e.cfg.Top3Bonus
		}
	}

	// Stable sort over insertion order makes equal scores deterministic.
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].score > order[j].score
	})

	results := make([]kb.SearchResult, 0, len(order))
	for _, entry := range order {
		r := entry.result
		r.Score = entry.score
		r.Chunk.Meta.FusionScore = entry.score
		r.Chunk.Meta.FusionSources = entry.sources
		r.Chunk.Meta.TopRanked = entry.bestRank == 0
		results = append(results, r)
	}
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

// DetectStrongSignal reports whether the top result of a single ranked list
// is decisive enough to skip fusion entirely: top score at or above the
// threshold, with a clear gap to the runner-up. A single result needs only
// the threshold; an empty list is never strong.
func (e *Engine) DetectStrongSignal(results []kb.SearchResult) bool {
	switch {
	case len(results) == 0:
		return false
	case results[0].Score < e.cfg.StrongSignalThreshold:
		return false
	case len(results) == 1:
		return true
	default:
		return results[0].Score-results[1].Score >= e.cfg.StrongSignalGap
	}
}

// PositionAwareBlend folds external scores (keyed by fusion key, in [0,1])
// into a fused ranking and re-sorts. The blend ratio shifts with the fused
// rank; results without an external score keep their fused score. The input
// slice is not modified.
func PositionAwareBlend(fused []kb.SearchResult, external map[string]float64) []kb.SearchResult {
	blended := make([]kb.SearchResult, len(fused))
	copy(blended, fused)

	for rank := range blended {
		key := blended[rank].Chunk.FusionKey()
		ext, ok := external[key]
		if !ok {
			continue
		}

		rrfWeight := deepRRFWeight
		switch {
		case rank < topRankCutoff:
			rrfWeight = topRRFWeight
		case rank < midRankCutoff:
			rrfWeight = midRRFWeight
		}

		normalized := blended[rank].Score * rrfScaleFactor
		if normalized > 1.0 {
			normalized = 1.0
		}

		score := rrfWeight*normalized + (1.0-rrfWeight)*ext
		blended[rank].Score = score
		blended[rank].Chunk.Meta.FusionScore = score
	}

	sort.SliceStable(blended, func(i, j int) bool {
		return blended[i].Score > blended[j].Score
	})
	return blended
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
