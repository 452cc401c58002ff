package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestEngine(t *testing.T, embedder Embedder) (*Engine, *fakeStore, *recordingPublisher) {
	t.Helper()

	store := newFakeStore()
	pub := &recordingPublisher{}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var (
		mu   sync.Mutex
		tick int
		seq  int
	)
	cfg := EngineConfig{
		Store:     store,
		Publisher: pub,
		Logger:    zerolog.Nop(),
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		},
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("id-%03d", seq)
		},
	}
	if embedder != nil {
		cfg.Embedder = embedder
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	return engine, store, pub
}

func weightPtr(v float64) *float64 { return &v }

func TestNewEngine_RequiresStore(t *testing.T) {
	_, err := NewEngine(EngineConfig{})
	assert.Error(t, err)
}

func TestEngine_AddFact_Validation(t *testing.T) {
	engine, _, _ := createTestEngine(t, nil)
	ctx := context.Background()

	_, err := engine.AddFact(ctx, AddFactRequest{Who: "npc:a", Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Contains(t, err.Error(), "about")

	_, err = engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "   "})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestEngine_AddFact_DefaultsAndEntities(t *testing.T) {
	engine, store, pub := createTestEngine(t, nil)
	ctx := context.Background()

	id, err := engine.AddFact(ctx, AddFactRequest{
		Who:   "npc:bartender",
		About: "player:demo",
		Text:  "Ordered ale.",
		Tags:  []string{"tavern", " tavern ", ""},
	})
	require.NoError(t, err)

	f, err := store.GetFact(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, DefaultWeight, f.Weight)
	assert.False(t, f.Pinned)
	assert.Equal(t, []string{"tavern"}, f.Tags)
	assert.Nil(t, f.Embedding)
	assert.Zero(t, f.RewardCount)

	entities, err := engine.ListEntities(ctx, "")
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "npc:bartender", entities[0].ID)
	assert.Equal(t, "npc", entities[0].Kind)
	assert.Equal(t, "player:demo", entities[1].ID)

	npcs, err := engine.ListEntities(ctx, "player")
	require.NoError(t, err)
	require.Len(t, npcs, 1)

	assert.Equal(t, []string{"fact.added"}, pub.names())
}

func TestEngine_AddFact_ClampsWeight(t *testing.T) {
	engine, store, _ := createTestEngine(t, nil)
	ctx := context.Background()

	id, err := engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "x", Weight: weightPtr(1.7)})
	require.NoError(t, err)
	f, _ := store.GetFact(ctx, id)
	assert.Equal(t, 1.0, f.Weight)

	id, err = engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "y", Weight: weightPtr(-3)})
	require.NoError(t, err)
	f, _ = store.GetFact(ctx, id)
	assert.Equal(t, 0.0, f.Weight)
}

func TestEngine_AddFact_RejectsNonFiniteWeight(t *testing.T) {
	engine, store, _ := createTestEngine(t, nil)
	ctx := context.Background()

	for _, w := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "x", Weight: weightPtr(w)})
		require.Error(t, err)
		assert.Equal(t, KindValidation, KindOf(err))
	}
	assert.Empty(t, store.facts)
}

func TestEngine_AddFact_EmbedderFailureIsCollaborator(t *testing.T) {
	engine, store, _ := createTestEngine(t, &stubEmbedder{dim: 2, err: errors.New("boom")})

	_, err := engine.AddFact(context.Background(), AddFactRequest{Who: "npc:a", About: "player:b", Text: "x"})
	require.Error(t, err)
	assert.Equal(t, KindCollaborator, KindOf(err))
	assert.Empty(t, store.facts)
}

func TestEngine_Retrieve_BartenderScenario(t *testing.T) {
	engine, _, _ := createTestEngine(t, nil)
	ctx := context.Background()

	id, err := engine.AddFact(ctx, AddFactRequest{
		Who:    "npc:bartender",
		About:  "player:demo",
		Text:   "You paid off my tab.",
		Tags:   []string{"debt", "tavern"},
		Weight: weightPtr(0.6),
	})
	require.NoError(t, err)

	got, err := engine.Retrieve(ctx, RetrieveRequest{NPCID: "npc:bartender", PlayerID: "player:demo", K: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].Fact.ID)
	assert.Equal(t, 0.54, got[0].Score)
	assert.Nil(t, got[0].Breakdown.Vector)
}

func TestEngine_Retrieve_RequiresIDs(t *testing.T) {
	engine, _, _ := createTestEngine(t, nil)

	_, err := engine.Retrieve(context.Background(), RetrieveRequest{NPCID: "npc:a"})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestEngine_Retrieve_PinnedFirstAndDefaultK(t *testing.T) {
	engine, _, _ := createTestEngine(t, nil)
	ctx := context.Background()

	pinnedID, err := engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "pinned", Weight: weightPtr(0), Pinned: true})
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		_, err := engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: fmt.Sprintf("fact %d", i), Weight: weightPtr(1)})
		require.NoError(t, err)
	}

	got, err := engine.Retrieve(ctx, RetrieveRequest{NPCID: "npc:a", PlayerID: "player:b"})
	require.NoError(t, err)
	require.Len(t, got, DefaultK)
	assert.Equal(t, pinnedID, got[0].Fact.ID)
	assert.Equal(t, 0.0, got[0].Score)
}

func TestEngine_Retrieve_TiesKeepRecencyOrder(t *testing.T) {
	engine, _, _ := createTestEngine(t, nil)
	ctx := context.Background()

	older, _ := engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "old"})
	newer, _ := engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "new"})

	got, err := engine.Retrieve(ctx, RetrieveRequest{NPCID: "npc:a", PlayerID: "player:b"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer, got[0].Fact.ID)
	assert.Equal(t, older, got[1].Fact.ID)
}

func TestEngine_Retrieve_OnlyOwnRelationship(t *testing.T) {
	engine, _, _ := createTestEngine(t, nil)
	ctx := context.Background()

	_, _ = engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "mine"})
	_, _ = engine.AddFact(ctx, AddFactRequest{Who: "npc:other", About: "player:b", Text: "theirs"})

	got, err := engine.Retrieve(ctx, RetrieveRequest{NPCID: "npc:a", PlayerID: "player:b"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mine", got[0].Fact.Text)
}

func TestEngine_Retrieve_IntentAndAssociation(t *testing.T) {
	engine, _, _ := createTestEngine(t, nil)
	ctx := context.Background()

	debtID, _ := engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "owes", Intent: "threaten", Tags: []string{"debt", "tavern"}})
	giftID, _ := engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "gift", Tags: []string{"gift"}})

	conv, err := engine.StartConversation(ctx, "npc:a", "player:b", "tavern")
	require.NoError(t, err)
	_, err = engine.AttachFacts(ctx, conv.ID, []string{debtID})
	require.NoError(t, err)

	got, err := engine.Retrieve(ctx, RetrieveRequest{
		NPCID:          "npc:a",
		PlayerID:       "player:b",
		Intent:         "threaten",
		ConversationID: conv.ID,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, debtID, got[0].Fact.ID)
	// 0.9*0.5 + 0.2 + 0.15*1
	assert.Equal(t, 0.8, got[0].Score)
	assert.Equal(t, 0.2, got[0].Breakdown.IntentBonus)
	assert.Equal(t, 0.15, got[0].Breakdown.AssocBonus)

	assert.Equal(t, giftID, got[1].Fact.ID)
	assert.Equal(t, 0.45, got[1].Score)
}

func TestEngine_Retrieve_UnknownConversationIsIgnored(t *testing.T) {
	engine, _, _ := createTestEngine(t, nil)
	ctx := context.Background()
	_, _ = engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "x", Tags: []string{"t"}})

	got, err := engine.Retrieve(ctx, RetrieveRequest{NPCID: "npc:a", PlayerID: "player:b", ConversationID: "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.0, got[0].Breakdown.AssocBonus)
}

func TestEngine_Retrieve_SemanticBlend(t *testing.T) {
	emb := &stubEmbedder{dim: 2, vectors: map[string][]float32{
		"about the tab": {1, 0},
		"paid the tab":  {1, 0},
		"likes fish":    {0, 1},
	}}
	engine, _, _ := createTestEngine(t, emb)
	ctx := context.Background()

	fishID, _ := engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "likes fish"})
	tabID, _ := engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "paid the tab"})

	got, err := engine.Retrieve(ctx, RetrieveRequest{NPCID: "npc:a", PlayerID: "player:b", Query: "about the tab"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, tabID, got[0].Fact.ID)
	assert.Equal(t, 0.835, got[0].Score)
	require.NotNil(t, got[0].Breakdown.Vector)
	assert.Equal(t, 1.0, *got[0].Breakdown.Vector)

	assert.Equal(t, fishID, got[1].Fact.ID)
	assert.Equal(t, 0.135, got[1].Score)
}

func TestEngine_Retrieve_EmbeddingFailureFallsBackToHeuristic(t *testing.T) {
	emb := &stubEmbedder{dim: 2}
	engine, _, _ := createTestEngine(t, emb)
	ctx := context.Background()
	_, err := engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "x", Weight: weightPtr(0.6)})
	require.NoError(t, err)

	emb.err = errors.New("provider down")
	got, err := engine.Retrieve(ctx, RetrieveRequest{NPCID: "npc:a", PlayerID: "player:b", Query: "anything"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.54, got[0].Score)
	assert.Nil(t, got[0].Breakdown.Vector)
}

func TestEngine_Retrieve_StoreError(t *testing.T) {
	engine, store, _ := createTestEngine(t, nil)
	store.listErr = errors.New("disk gone")

	_, err := engine.Retrieve(context.Background(), RetrieveRequest{NPCID: "npc:a", PlayerID: "player:b"})
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
}

func TestEngine_Feedback(t *testing.T) {
	engine, store, pub := createTestEngine(t, nil)
	ctx := context.Background()
	id, _ := engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "x"})

	res, err := engine.Feedback(ctx, id, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.OldWeight, 1e-9)
	assert.InDelta(t, 0.6, res.NewWeight, 1e-9)

	res, err = engine.Feedback(ctx, id, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, res.NewWeight, 1e-9)
	assert.Equal(t, 2, res.RewardCount)
	assert.InDelta(t, 2.0, res.RewardSum, 1e-9)

	f, _ := store.GetFact(ctx, id)
	assert.InDelta(t, 0.7, f.Weight, 1e-9)
	assert.Contains(t, pub.names(), "feedback.applied")
}

func TestEngine_Feedback_Clamps(t *testing.T) {
	engine, _, _ := createTestEngine(t, nil)
	ctx := context.Background()
	id, _ := engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "x", Weight: weightPtr(0.95)})

	res, err := engine.Feedback(ctx, id, 5)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.NewWeight)

	res, err = engine.Feedback(ctx, id, -50)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.NewWeight)
	assert.InDelta(t, -45.0, res.RewardSum, 1e-9)
}

func TestEngine_Feedback_RejectsNonFiniteReward(t *testing.T) {
	engine, store, _ := createTestEngine(t, nil)
	ctx := context.Background()
	id, _ := engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "x"})

	for _, r := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := engine.Feedback(ctx, id, r)
		require.Error(t, err)
		assert.Equal(t, KindValidation, KindOf(err))
	}

	f, err := store.GetFact(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, DefaultWeight, f.Weight)
	assert.Zero(t, f.RewardCount)

	ranked, err := engine.Retrieve(ctx, RetrieveRequest{NPCID: "npc:a", PlayerID: "player:b"})
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.False(t, math.IsNaN(ranked[0].Score))
}

func TestEngine_Feedback_UnknownFact(t *testing.T) {
	engine, _, _ := createTestEngine(t, nil)

	_, err := engine.Feedback(context.Background(), "nope", 1)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestEngine_Feedback_ConcurrentUpdatesAreNotLost(t *testing.T) {
	engine, store, _ := createTestEngine(t, nil)
	ctx := context.Background()
	id, _ := engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "x", Weight: weightPtr(0)})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Feedback(ctx, id, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	f, _ := store.GetFact(ctx, id)
	assert.InDelta(t, 0.5, f.Weight, 1e-9)
	assert.Equal(t, 5, f.RewardCount)
}

func TestEngine_SetPinned(t *testing.T) {
	engine, store, pub := createTestEngine(t, nil)
	ctx := context.Background()
	id, _ := engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "x"})

	require.NoError(t, engine.SetPinned(ctx, id, true))
	f, _ := store.GetFact(ctx, id)
	assert.True(t, f.Pinned)

	require.NoError(t, engine.SetPinned(ctx, id, false))
	f, _ = store.GetFact(ctx, id)
	assert.False(t, f.Pinned)

	err := engine.SetPinned(ctx, "missing", true)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Contains(t, pub.names(), "fact.pinned")
}

func TestEngine_AttachFacts(t *testing.T) {
	engine, _, pub := createTestEngine(t, nil)
	ctx := context.Background()

	a, _ := engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "a", Tags: []string{"tavern", "debt"}})
	b, _ := engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "b", Tags: []string{"gift"}})
	conv, err := engine.StartConversation(ctx, "npc:a", "player:b", "")
	require.NoError(t, err)
	assert.Empty(t, conv.Tags)

	got, err := engine.AttachFacts(ctx, conv.ID, []string{a, "", a})
	require.NoError(t, err)
	assert.Equal(t, []string{"debt", "tavern"}, got.Tags)

	got, err = engine.AttachFacts(ctx, conv.ID, []string{b})
	require.NoError(t, err)
	assert.Equal(t, []string{"debt", "gift", "tavern"}, got.Tags)

	again, err := engine.AttachFacts(ctx, conv.ID, []string{a, b})
	require.NoError(t, err)
	assert.Equal(t, got.Tags, again.Tags)

	assert.Contains(t, pub.names(), "conversation.started")
	assert.Contains(t, pub.names(), "conversation.attached")
}

func TestEngine_AttachFacts_Errors(t *testing.T) {
	engine, _, _ := createTestEngine(t, nil)
	ctx := context.Background()

	a, _ := engine.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "a", Tags: []string{"x"}})
	conv, _ := engine.StartConversation(ctx, "npc:a", "player:b", "")

	_, err := engine.AttachFacts(ctx, conv.ID, []string{"", " "})
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = engine.AttachFacts(ctx, "missing", []string{a})
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = engine.AttachFacts(ctx, conv.ID, []string{a, "ghost"})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Contains(t, Message(err), "found 1 of 2")

	_, err = engine.AttachFacts(ctx, conv.ID, []string{a, a, "ghost"})
	require.Error(t, err)
	assert.Contains(t, Message(err), "found 1 of 2 distinct ids")

	current, err := engine.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, current.Tags)
}

func TestEngine_StartConversation_Validation(t *testing.T) {
	engine, _, _ := createTestEngine(t, nil)

	_, err := engine.StartConversation(context.Background(), "", "player:b", "")
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestEngine_ExportImport(t *testing.T) {
	src, _, _ := createTestEngine(t, &stubEmbedder{dim: 2, vectors: map[string][]float32{"x": {0.6, 0.8}}})
	ctx := context.Background()
	_, err := src.AddFact(ctx, AddFactRequest{Who: "npc:a", About: "player:b", Text: "x", Tags: []string{"t"}})
	require.NoError(t, err)

	snap, err := src.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, SnapshotVersion, snap.Version)
	assert.False(t, snap.ExportedAt.IsZero())
	require.Len(t, snap.Facts, 1)
	assert.Len(t, snap.Entities, 2)

	dst, dstStore, pub := createTestEngine(t, &stubEmbedder{dim: 3})
	res, err := dst.Import(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, 2, res.EntitiesImported)
	assert.Equal(t, 1, res.FactsImported)
	assert.Equal(t, 0, res.Skipped)

	// Dimension 2 does not fit the destination's embedder.
	f, err := dstStore.GetFact(ctx, snap.Facts[0].ID)
	require.NoError(t, err)
	assert.Empty(t, f.Embedding)

	res, err = dst.Import(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, 0, res.FactsImported)
	assert.Equal(t, 3, res.Skipped)
	assert.Contains(t, pub.names(), "import.completed")
}

func TestEngine_Import_Validation(t *testing.T) {
	engine, _, _ := createTestEngine(t, nil)

	_, err := engine.Import(context.Background(), nil)
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = engine.Import(context.Background(), &Snapshot{Facts: []Fact{{ID: "f1", Who: "npc:a"}}})
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestEngine_Import_RejectsEmptyEntityID(t *testing.T) {
	engine, store, _ := createTestEngine(t, nil)

	_, err := engine.Import(context.Background(), &Snapshot{Entities: []Entity{{ID: ""}}})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Contains(t, Message(err), "entity 0")
	assert.Empty(t, store.entities)
}

func TestEngine_Import_RejectsNonFiniteWeight(t *testing.T) {
	engine, _, _ := createTestEngine(t, nil)

	_, err := engine.Import(context.Background(), &Snapshot{Facts: []Fact{
		{ID: "f1", Who: "npc:a", About: "player:b", Text: "x", Weight: math.NaN()},
	}})
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestEngine_Import_AbsentWeightDefaults(t *testing.T) {
	engine, store, _ := createTestEngine(t, nil)
	ctx := context.Background()

	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(`{"facts": [
		{"id": "f1", "who": "npc:a", "about": "player:b", "text": "no weight"},
		{"id": "f2", "who": "npc:a", "about": "player:b", "text": "zero weight", "weight": 0}
	]}`), &snap))

	_, err := engine.Import(ctx, &snap)
	require.NoError(t, err)

	f1, err := store.GetFact(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, DefaultWeight, f1.Weight)

	f2, err := store.GetFact(ctx, "f2")
	require.NoError(t, err)
	assert.Equal(t, 0.0, f2.Weight)
}
