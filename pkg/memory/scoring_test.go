package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"both empty", nil, nil, 0},
		{"one empty", []string{"a"}, nil, 0},
		{"identical", []string{"a", "b"}, []string{"b", "a"}, 1},
		{"half", []string{"a", "b"}, []string{"a"}, 0.5},
		{"disjoint", []string{"a"}, []string{"b"}, 0},
		{"duplicates ignored", []string{"a", "a", "b"}, []string{"a", "c"}, 1.0 / 3.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Jaccard(tt.a, tt.b), 1e-9)
		})
	}
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-6)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 0}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
}

func TestHeuristicScore(t *testing.T) {
	w := DefaultWeights()
	f := &Fact{Weight: 0.6, Scene: "tavern", Intent: "ask_favor", Tags: []string{"debt", "gift_help"}}

	b := HeuristicScore(f, ScoreContext{}, w)
	assert.InDelta(t, 0.54, b.Heuristic, 1e-9)

	b = HeuristicScore(f, ScoreContext{Scene: "tavern"}, w)
	assert.InDelta(t, 0.64, b.Heuristic, 1e-9)

	b = HeuristicScore(f, ScoreContext{Intent: "ask_favor"}, w)
	assert.InDelta(t, 0.2, b.IntentBonus, 1e-9)

	// Intent may also match a tag.
	b = HeuristicScore(f, ScoreContext{Intent: "gift_help"}, w)
	assert.InDelta(t, 0.2, b.IntentBonus, 1e-9)

	b = HeuristicScore(f, ScoreContext{ConvTags: []string{"debt"}}, w)
	assert.InDelta(t, 0.075, b.AssocBonus, 1e-9)
}

func TestHeuristicScore_EmptySceneNeverMatches(t *testing.T) {
	f := &Fact{Weight: 0.5}
	b := HeuristicScore(f, ScoreContext{Scene: ""}, DefaultWeights())
	assert.InDelta(t, 0.45, b.Base, 1e-9)
}

func TestScore_VectorOnlyWithQuery(t *testing.T) {
	w := DefaultWeights()
	f := &Fact{Weight: 1, Embedding: []float32{0, 1}}

	s := Score(f, ScoreContext{}, w)
	assert.Nil(t, s.Breakdown.Vector)
	assert.Equal(t, 0.9, s.Score)

	s = Score(f, ScoreContext{QueryVector: []float32{0, 1}}, w)
	require.NotNil(t, s.Breakdown.Vector)
	assert.Equal(t, 1.0, *s.Breakdown.Vector)
	assert.Equal(t, 0.97, s.Score)

	noEmb := &Fact{Weight: 1}
	s = Score(noEmb, ScoreContext{QueryVector: []float32{0, 1}}, w)
	require.NotNil(t, s.Breakdown.Vector)
	assert.Equal(t, 0.0, *s.Breakdown.Vector)
	assert.Equal(t, 0.27, s.Score)
}

func TestScore_RoundsToFourDecimals(t *testing.T) {
	f := &Fact{Weight: 0.123456}
	s := Score(f, ScoreContext{}, DefaultWeights())
	assert.Equal(t, 0.1111, s.Score)
}

func TestRank(t *testing.T) {
	mk := func(id string, score float64, pinned bool) ScoredFact {
		return ScoredFact{Fact: &Fact{ID: id, Pinned: pinned}, Score: score}
	}
	in := []ScoredFact{
		mk("a", 0.5, false),
		mk("b", 0.9, false),
		mk("c", 0.1, true),
		mk("d", 0.5, false),
		mk("e", 0.2, true),
	}

	got := Rank(in, 10)
	ids := make([]string, 0, len(got))
	for _, s := range got {
		ids = append(ids, s.Fact.ID)
	}
	assert.Equal(t, []string{"e", "c", "b", "a", "d"}, ids)

	assert.Len(t, Rank(in, 2), 2)
	assert.Empty(t, Rank(in, 0))
	// input untouched
	assert.Equal(t, "a", in[0].Fact.ID)
}

func TestUnionTags(t *testing.T) {
	got := UnionTags([]*Fact{
		{Tags: []string{"tavern", "debt"}},
		{Tags: []string{"debt", "gift"}},
		{},
	})
	assert.Equal(t, []string{"debt", "gift", "tavern"}, got)
	assert.Empty(t, UnionTags(nil))
}

func TestEntityKindAndName(t *testing.T) {
	assert.Equal(t, "npc", EntityKind("npc:bartender"))
	assert.Equal(t, "bartender", EntityName("npc:bartender"))
	assert.Equal(t, "", EntityKind("loner"))
	assert.Equal(t, "loner", EntityName("loner"))
	assert.Equal(t, "a:b", EntityName("npc:a:b"))
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.1))
	assert.Equal(t, 1.0, Clamp01(1.1))
	assert.Equal(t, 0.3, Clamp01(0.3))
}
