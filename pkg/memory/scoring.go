package memory

import (
	"math"
	"sort"
)

const (
	// CandidateLimit caps how many recent facts are scored per retrieval.
	CandidateLimit = 100
	// DefaultK is the number of ranked facts returned when the caller does not say.
	DefaultK = 6
	// DefaultWeight is the weight of a new fact when none is supplied.
	DefaultWeight = 0.5
)

// Weights holds the blend weights, bonuses and feedback rate.
type Weights struct {
	Importance   float64 `json:"importance"`    // share of fact.weight in base
	SceneMatch   float64 `json:"scene_match"`   // share of scene match in base
	IntentBonus  float64 `json:"intent_bonus"`  // additive bonus on intent match
	AssocBonus   float64 `json:"assoc_bonus"`   // multiplier of tag jaccard with the conversation
	Semantic     float64 `json:"semantic"`      // share of vector score when a query is given
	Heuristic    float64 `json:"heuristic"`     // share of heuristic score when a query is given
	FeedbackRate float64 `json:"feedback_rate"` // alpha in weight += alpha*reward
}

// DefaultWeights returns the stock ranking constants.
func DefaultWeights() Weights {
	return Weights{
		Importance:   0.9,
		SceneMatch:   0.1,
		IntentBonus:  0.2,
		AssocBonus:   0.15,
		Semantic:     0.7,
		Heuristic:    0.3,
		FeedbackRate: 0.1,
	}
}

// Breakdown exposes the sub-scores behind a final score.
type Breakdown struct {
	Base        float64  `json:"base"`
	IntentBonus float64  `json:"intent_bonus"`
	AssocBonus  float64  `json:"assoc_bonus"`
	Heuristic   float64  `json:"heuristic"`
	Vector      *float64 `json:"vector,omitempty"`
}

// ScoredFact is a candidate with its final ranking score.
type ScoredFact struct {
	Fact      *Fact
	Score     float64
	Breakdown Breakdown
}

// ScoreContext carries the request-level inputs shared by every candidate.
type ScoreContext struct {
	Scene    string
	Intent   string
	ConvTags []string
	// QueryVector is nil when no query was given or the embedding could not be computed.
	QueryVector []float32
}

// Jaccard is |A∩B| / |A∪B|, and 0 when either set is empty.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}
	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

// CosineSimilarity returns 0 for mismatched lengths or a zero-norm vector.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// HeuristicScore scores a fact from its structured fields only.
func HeuristicScore(f *Fact, sc ScoreContext, w Weights) Breakdown {
	sceneMatch := 0.0
	if sc.Scene != "" && f.Scene == sc.Scene {
		sceneMatch = 1.0
	}
	base := w.Importance*f.Weight + w.SceneMatch*sceneMatch

	intent := 0.0
	if sc.Intent != "" && (sc.Intent == f.Intent || containsTag(f.Tags, sc.Intent)) {
		intent = w.IntentBonus
	}
	assoc := w.AssocBonus * Jaccard(f.Tags, sc.ConvTags)

	return Breakdown{
		Base:        base,
		IntentBonus: intent,
		AssocBonus:  assoc,
		Heuristic:   base + intent + assoc,
	}
}

// VectorScore is the cosine similarity of the fact's stored embedding with the query vector.
// Facts without an embedding score 0.
func VectorScore(f *Fact, queryVector []float32) float64 {
	if len(f.Embedding) == 0 {
		return 0
	}
	return CosineSimilarity(queryVector, f.Embedding)
}

// Score computes the final blended score of one candidate.
func Score(f *Fact, sc ScoreContext, w Weights) ScoredFact {
	b := HeuristicScore(f, sc, w)
	final := b.Heuristic
	if sc.QueryVector != nil {
		v := VectorScore(f, sc.QueryVector)
		final = w.Semantic*v + w.Heuristic*b.Heuristic
		rv := round4(v)
		b.Vector = &rv
	}
	b.Base = round4(b.Base)
	b.IntentBonus = round4(b.IntentBonus)
	b.AssocBonus = round4(b.AssocBonus)
	b.Heuristic = round4(b.Heuristic)
	return ScoredFact{Fact: f, Score: round4(final), Breakdown: b}
}

// Rank orders pinned facts first, then by descending score, keeping the incoming
// order for ties, and truncates to k.
func Rank(scored []ScoredFact, k int) []ScoredFact {
	out := make([]ScoredFact, len(scored))
	copy(out, scored)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Fact.Pinned != out[j].Fact.Pinned {
			return out[i].Fact.Pinned
		}
		return out[i].Score > out[j].Score
	})
	if k >= 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// ScoreAll scores candidates in order and ranks them.
func ScoreAll(candidates []*Fact, sc ScoreContext, w Weights, k int) []ScoredFact {
	scored := make([]ScoredFact, 0, len(candidates))
	for _, f := range candidates {
		scored = append(scored, Score(f, sc, w))
	}
	return Rank(scored, k)
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
