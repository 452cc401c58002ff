package memory

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Fact is a single observation an agent (Who) holds about a subject (About).
type Fact struct {
	ID          string    `json:"id"`
	Who         string    `json:"who"`
	About       string    `json:"about"`
	Scene       string    `json:"scene,omitempty"`
	Type        string    `json:"type,omitempty"`
	Intent      string    `json:"intent,omitempty"`
	Text        string    `json:"text"`
	Tags        []string  `json:"tags"`
	Weight      float64   `json:"weight"`
	Pinned      bool      `json:"pinned"`
	RewardSum   float64   `json:"reward_sum"`
	RewardCount int       `json:"reward_count"`
	Embedding   []float32 `json:"embedding,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// UnmarshalJSON decodes a fact, defaulting an absent weight to DefaultWeight.
func (f *Fact) UnmarshalJSON(data []byte) error {
	type plain Fact
	aux := struct {
		*plain
		Weight *float64 `json:"weight"`
	}{plain: (*plain)(f)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	f.Weight = DefaultWeight
	if aux.Weight != nil {
		f.Weight = *aux.Weight
	}
	return nil
}

// Conversation is a session between one agent and one subject.
type Conversation struct {
	ID        string    `json:"id"`
	NPC       string    `json:"npc"`
	Player    string    `json:"player"`
	Scene     string    `json:"scene,omitempty"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

// Entity is an agent or subject referenced by facts and conversations.
type Entity struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// SnapshotVersion is the export format version written by Export.
const SnapshotVersion = 1

// Snapshot is the export/import payload.
type Snapshot struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Entities   []Entity  `json:"entities"`
	Facts      []Fact    `json:"facts"`
}

// ImportResult reports what an import inserted.
type ImportResult struct {
	EntitiesImported int `json:"entities_imported"`
	FactsImported    int `json:"facts_imported"`
	Skipped          int `json:"skipped"`
}

// EntityKind returns the "<kind>" prefix of a "<kind>:<name>" id, or "" when the id has no prefix.
func EntityKind(id string) string {
	kind, _, ok := strings.Cut(id, ":")
	if !ok {
		return ""
	}
	return kind
}

// EntityName returns the "<name>" part of a "<kind>:<name>" id.
func EntityName(id string) string {
	_, name, ok := strings.Cut(id, ":")
	if !ok {
		return id
	}
	return name
}

// NormalizeTags trims, drops empties and deduplicates tags, keeping first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// UnionTags returns the sorted distinct union of the tags of every fact.
func UnionTags(facts []*Fact) []string {
	set := make(map[string]struct{})
	for _, f := range facts {
		for _, t := range f.Tags {
			set[t] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// isFinite reports whether v is neither NaN nor infinite.
func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Clamp01 bounds v to [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
