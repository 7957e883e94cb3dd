package fusion

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbfuse/kbfuse/internal/config"
	"github.com/kbfuse/kbfuse/internal/kb"
)

func testEngine() *Engine {
	return NewEngine(config.Default().Fusion)
}

func res(id string, score float64) kb.SearchResult {
	return kb.SearchResult{
		Chunk: kb.Chunk{ID: id, DocID: "doc-" + id},
		Score: score,
	}
}

func list(source string, weight float64, ids ...string) RankedList {
	rl := RankedList{Source: source, Weight: weight}
	for i, id := range ids {
		rl.Results = append(rl.Results, res(id, 1.0-float64(i)*0.1))
	}
	return rl
}

func ids(results []kb.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Chunk.ID
	}
	return out
}

func TestFuse_ChunkInBothListsAccumulates(t *testing.T) {
	e := testEngine()

	// "shared" is rank 1 in both lists; "solo" is rank 0 in one.
	fused := e.Fuse([]RankedList{
		list("lexical", 2.0, "lex-top", "shared"),
		list("semantic", 1.0, "sem-top", "shared"),
	}, 0)

	require.Len(t, fused, 3)
	byID := map[string]kb.SearchResult{}
	for _, r := range fused {
		byID[r.Chunk.ID] = r
	}

	// shared: 2/(60+2) + 1/(60+2) + top3 bonus
	expected := 2.0/62.0 + 1.0/62.0 + 0.02
	assert.InDelta(t, expected, byID["shared"].Score, 1e-9)
	assert.ElementsMatch(t, []string{"lexical", "semantic"}, byID["shared"].Chunk.Meta.FusionSources)

	// lex-top: 2/(60+1) + rank-0 bonus
	assert.InDelta(t, 2.0/61.0+0.05, byID["lex-top"].Score, 1e-9)
	assert.Equal(t, []string{"lexical"}, byID["lex-top"].Chunk.Meta.FusionSources)
}

func TestFuse_LexicalWeightDominatesAtEqualRank(t *testing.T) {
	e := testEngine()

	fused := e.Fuse([]RankedList{
		list("lexical", 2.0, "lex-only"),
		list("semantic", 1.0, "sem-only"),
	}, 0)

	require.Len(t, fused, 2)
	assert.Equal(t, "lex-only", fused[0].Chunk.ID)
	assert.Equal(t, "sem-only", fused[1].Chunk.ID)
}

func TestFuse_BonusesAreMutuallyExclusive(t *testing.T) {
	e := testEngine()

	// "top" is rank 0 in semantic and rank 2 in lexical: it gets the rank-0
	// bonus only, never both.
	fused := e.Fuse([]RankedList{
		list("lexical", 2.0, "a", "b", "top"),
		list("semantic", 1.0, "top"),
	}, 0)

	byID := map[string]kb.SearchResult{}
	for _, r := range fused {
		byID[r.Chunk.ID] = r
	}

	expected := 2.0/63.0 + 1.0/61.0 + 0.05
	assert.InDelta(t, expected, byID["top"].Score, 1e-9)
}

func TestFuse_MarksTopRankedChunks(t *testing.T) {
	e := testEngine()

	// "shared" is rank 1 lexically but rank 0 semantically, so it is top
	// ranked in at least one source; "deep" never reaches rank 0.
	fused := e.Fuse([]RankedList{
		list("lexical", 2.0, "lex-top", "shared", "deep"),
		list("semantic", 1.0, "shared", "deep"),
	}, 0)

	byID := map[string]kb.SearchResult{}
	for _, r := range fused {
		byID[r.Chunk.ID] = r
	}
	assert.True(t, byID["lex-top"].Chunk.Meta.TopRanked)
	assert.True(t, byID["shared"].Chunk.Meta.TopRanked)
	assert.False(t, byID["deep"].Chunk.Meta.TopRanked)
}

func TestFuse_RanksBeyondTopThreeGetNoBonus(t *testing.T) {
	e := testEngine()

	fused := e.Fuse([]RankedList{
		list("lexical", 2.0, "a", "b", "c", "d"),
	}, 0)

	byID := map[string]kb.SearchResult{}
	for _, r := range fused {
		byID[r.Chunk.ID] = r
	}

	assert.InDelta(t, 2.0/61.0+0.05, byID["a"].Score, 1e-9)
	assert.InDelta(t, 2.0/62.0+0.02, byID["b"].Score, 1e-9)
	assert.InDelta(t, 2.0/63.0+0.02, byID["c"].Score, 1e-9)
	assert.InDelta(t, 2.0/64.0, byID["d"].Score, 1e-9)
}

func TestFuse_TieBreakIsInsertionOrder(t *testing.T) {
	cfg := config.Default().Fusion
	cfg.TopRankBonus = 0
	cfg.Top3Bonus = 0
	e := NewEngine(cfg)

	// Same weight, same ranks: every pairwise score ties; order of first
	// appearance must hold.
	fused := e.Fuse([]RankedList{
		{Source: "a", Weight: 1.0, Results: []kb.SearchResult{res("first", 0.9)}},
		{Source: "b", Weight: 1.0, Results: []kb.SearchResult{res("second", 0.9)}},
	}, 0)

	assert.Equal(t, []string{"first", "second"}, ids(fused))
}

func TestFuse_Deterministic(t *testing.T) {
	e := testEngine()
	lists := []RankedList{
		list("lexical", 2.0, "a", "b", "c"),
		list("semantic", 1.0, "c", "d", "a"),
	}

	first := ids(e.Fuse(lists, 0))
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ids(e.Fuse(lists, 0)))
	}
}

func TestFuse_TopKTruncates(t *testing.T) {
	e := testEngine()

	fused := e.Fuse([]RankedList{
		list("lexical", 2.0, "a", "b", "c", "d", "e"),
	}, 2)

	assert.Equal(t, []string{"a", "b"}, ids(fused))
}

func TestFuse_EmptyListsYieldEmpty(t *testing.T) {
	e := testEngine()

	assert.Empty(t, e.Fuse(nil, 10))
	assert.Empty(t, e.Fuse([]RankedList{{Source: "lexical", Weight: 2.0}}, 10))
}

func TestFuse_DedupFallsBackToPosition(t *testing.T) {
	e := testEngine()

	// No chunk IDs: identity is docID plus start offset.
	mk := func(doc string, start int) kb.SearchResult {
		return kb.SearchResult{
			Chunk: kb.Chunk{DocID: doc, StartOffset: start},
			Score: 0.5,
		}
	}

	fused := e.Fuse([]RankedList{
		{Source: "lexical", Weight: 2.0, Results: []kb.SearchResult{mk("d1", 0)}},
		{Source: "semantic", Weight: 1.0, Results: []kb.SearchResult{mk("d1", 0), mk("d1", 100)}},
	}, 0)

	assert.Len(t, fused, 2)
}

func TestDetectStrongSignal(t *testing.T) {
	e := testEngine()

	cases := []struct {
		name   string
		scores []float64
		want   bool
	}{
		{"clear winner", []float64{0.95, 0.70}, true},
		{"high but crowded", []float64{0.90, 0.85}, false},
		{"big gap below threshold", []float64{0.70, 0.40}, false},
		{"exact threshold and gap", []float64{0.85, 0.70}, true},
		{"single strong result", []float64{0.85}, true},
		{"single weak result", []float64{0.80}, false},
		{"empty", nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			results := make([]kb.SearchResult, len(tc.scores))
			for i, s := range tc.scores {
				results[i] = res(fmt.Sprintf("c%d", i), s)
			}
			assert.Equal(t, tc.want, e.DetectStrongSignal(results))
		})
	}
}

func TestPositionAwareBlend_TopRankSurvivesWeakExternalScore(t *testing.T) {
	fused := make([]kb.SearchResult, 11)
	fused[0] = res("leader", 0.5)
	for i := 1; i < 11; i++ {
		fused[i] = res(fmt.Sprintf("f%d", i), 0.5-float64(i)*0.03)
	}

	external := map[string]float64{
		"leader": 0.3,
		"f10":    0.9,
	}

	blended := PositionAwareBlend(fused, external)

	// leader: 0.75*min(0.5*2,1) + 0.25*0.3 = 0.825
	// f10:    0.40*min(0.2*2,1) + 0.60*0.9 = 0.70
	byID := map[string]float64{}
	for _, r := range blended {
		byID[r.Chunk.ID] = r.Score
	}
	assert.InDelta(t, 0.825, byID["leader"], 1e-9)
	assert.InDelta(t, 0.70, byID["f10"], 1e-9)
	assert.Equal(t, "leader", blended[0].Chunk.ID)
}

func TestPositionAwareBlend_DeepRankOvertakesWeakLeader(t *testing.T) {
	fused := make([]kb.SearchResult, 16)
	fused[0] = res("leader", 0.30)
	for i := 1; i < 16; i++ {
		fused[i] = res(fmt.Sprintf("f%d", i), 0.30-float64(i)*0.01)
	}

	external := map[string]float64{
		"leader": 0.1,
		"f15":    0.9,
	}

	blended := PositionAwareBlend(fused, external)

	// leader: 0.75*0.6 + 0.25*0.1 = 0.475
	// f15:    0.40*0.3 + 0.60*0.9 = 0.66
	assert.Equal(t, "f15", blended[0].Chunk.ID)
}

func TestPositionAwareBlend_MissingExternalKeepsFusedScore(t *testing.T) {
	fused := []kb.SearchResult{res("a", 0.4), res("b", 0.3)}
	blended := PositionAwareBlend(fused, map[string]float64{})

	require.Len(t, blended, 2)
	assert.InDelta(t, 0.4, blended[0].Score, 1e-9)
	assert.InDelta(t, 0.3, blended[1].Score, 1e-9)

	// Input untouched.
	assert.InDelta(t, 0.4, fused[0].Score, 1e-9)
}

func TestPositionAwareBlend_MidBandWeights(t *testing.T) {
	fused := make([]kb.SearchResult, 5)
	for i := range fused {
		fused[i] = res(fmt.Sprintf("f%d", i), 0.5-float64(i)*0.05)
	}

	external := map[string]float64{"f4": 0.8}
	blended := PositionAwareBlend(fused, external)

	// f4 sits at rank 4 (mid band): 0.60*min(0.3*2,1) + 0.40*0.8 = 0.68
	byID := map[string]float64{}
	for _, r := range blended {
		byID[r.Chunk.ID] = r.Score
	}
	assert.InDelta(t, 0.68, byID["f4"], 1e-9)
}
