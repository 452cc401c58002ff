package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harun/memorygraph/internal/observability"
	"github.com/harun/memorygraph/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "memorygraph.memory"

// EngineConfig holds Engine dependencies.
type EngineConfig struct {
	Store Store
	// Embedder is optional. Without it facts are stored without embeddings and
	// queries are ranked on the heuristic score alone.
	Embedder     Embedder
	Weights      *Weights
	EmbedTimeout time.Duration
	Publisher    Publisher
	Logger       zerolog.Logger
	Now          func() time.Time
	NewID        func() string
}

// Engine implements candidate selection, scoring, ranking, feedback and
// conversation tag aggregation on top of a Store.
type Engine struct {
	store        Store
	embedder     Embedder
	weights      Weights
	embedTimeout time.Duration
	publisher    Publisher
	logger       zerolog.Logger
	now          func() time.Time
	newID        func() string
}

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	w := DefaultWeights()
	if cfg.Weights != nil {
		w = *cfg.Weights
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	return &Engine{
		store:        cfg.Store,
		embedder:     cfg.Embedder,
		weights:      w,
		embedTimeout: cfg.EmbedTimeout,
		publisher:    cfg.Publisher,
		logger:       cfg.Logger.With().Str("component", "memory-engine").Logger(),
		now:          cfg.Now,
		newID:        cfg.NewID,
	}, nil
}

// Weights returns the ranking constants in use.
func (e *Engine) Weights() Weights {
	return e.weights
}

// AddFactRequest holds the fields of a new fact.
type AddFactRequest struct {
	Who    string
	About  string
	Text   string
	Scene  string
	Type   string
	Intent string
	Tags   []string
	// Weight defaults to DefaultWeight when nil.
	Weight *float64
	Pinned bool
}

// AddFact validates, embeds and stores a new fact, returning its id.
func (e *Engine) AddFact(ctx context.Context, req AddFactRequest) (string, error) {
	const op = "add fact"
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.add_fact",
		attribute.String("who", req.Who), attribute.String("about", req.About))
	defer span.End()

	var missing []string
	if strings.TrimSpace(req.Who) == "" {
		missing = append(missing, "who")
	}
	if strings.TrimSpace(req.About) == "" {
		missing = append(missing, "about")
	}
	if strings.TrimSpace(req.Text) == "" {
		missing = append(missing, "text")
	}
	if len(missing) > 0 {
		return "", ValidationError(op, "missing required field(s): %s", strings.Join(missing, ", "))
	}

	weight := DefaultWeight
	if req.Weight != nil {
		if !isFinite(*req.Weight) {
			return "", ValidationError(op, "weight must be a finite number")
		}
		weight = Clamp01(*req.Weight)
	}

	f := &Fact{
		ID:        e.newID(),
		Who:       req.Who,
		About:     req.About,
		Scene:     req.Scene,
		Type:      req.Type,
		Intent:    req.Intent,
		Text:      req.Text,
		Tags:      NormalizeTags(req.Tags),
		Weight:    weight,
		Pinned:    req.Pinned,
		CreatedAt: e.now(),
	}

	if e.embedder != nil {
		vec, err := e.embed(ctx, req.Text)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "embedding failed")
			return "", CollaboratorFailure(op, err)
		}
		f.Embedding = vec
	}

	if err := e.store.UpsertEntities(ctx, entitiesFor(e.now(), f.Who, f.About)); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := e.store.InsertFact(ctx, f); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%s: %w", op, err)
	}

	observability.RecordFactAdded()
	e.publish("fact.added", map[string]interface{}{"fact_id": f.ID, "who": f.Who, "about": f.About})
	logger := tracing.LoggerFromContext(ctx, e.logger)
	logger.Debug().
		Str("fact_id", f.ID).
		Str("who", f.Who).
		Str("about", f.About).
		Msg("Fact added")
	return f.ID, nil
}

// RetrieveRequest holds retrieval inputs. NPCID and PlayerID are required.
type RetrieveRequest struct {
	NPCID          string
	PlayerID       string
	Scene          string
	Intent         string
	K              int
	ConversationID string
	Query          string
}

// Retrieve returns the top-k ranked facts NPCID holds about PlayerID.
func (e *Engine) Retrieve(ctx context.Context, req RetrieveRequest) ([]ScoredFact, error) {
	const op = "retrieve"
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.retrieve",
		attribute.String("npc_id", req.NPCID), attribute.String("player_id", req.PlayerID))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger)
	start := time.Now()

	if req.NPCID == "" || req.PlayerID == "" {
		return nil, ValidationError(op, "npc_id and player_id are required")
	}
	k := req.K
	if k <= 0 {
		k = DefaultK
	}

	candidates, err := e.store.ListFacts(ctx, req.NPCID, req.PlayerID, CandidateLimit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sc := ScoreContext{Scene: req.Scene, Intent: req.Intent}

	if req.ConversationID != "" {
		conv, err := e.store.GetConversation(ctx, req.ConversationID)
		switch {
		case err == nil:
			sc.ConvTags = conv.Tags
		case errors.Is(err, ErrNotFound):
			logger.Debug().Str("conversation_id", req.ConversationID).Msg("Unknown conversation, no association bonus")
		default:
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	semantic := false
	if req.Query != "" && e.embedder != nil {
		vec, err := e.embed(ctx, req.Query)
		if err != nil {
			logger.Warn().Err(err).Msg("Query embedding failed, ranking on heuristic score only")
			span.RecordError(err)
		} else {
			sc.QueryVector = vec
			semantic = true
		}
	}

	ranked := ScoreAll(candidates, sc, e.weights, k)

	observability.RecordRetrieval(time.Since(start), len(candidates), len(ranked), semantic)
	span.SetAttributes(attribute.Int("candidates", len(candidates)), attribute.Int("returned", len(ranked)))
	logger.Debug().
		Str("npc_id", req.NPCID).
		Str("player_id", req.PlayerID).
		Int("candidates", len(candidates)).
		Int("returned", len(ranked)).
		Bool("semantic", semantic).
		Msg("Retrieve completed")

	return ranked, nil
}

// SetPinned sets or clears a fact's pinned flag.
func (e *Engine) SetPinned(ctx context.Context, factID string, pinned bool) error {
	const op = "set pinned"
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.set_pinned", attribute.String("fact_id", factID))
	defer span.End()

	if factID == "" {
		return ValidationError(op, "fact_id is required")
	}
	_, err := e.store.UpdateFact(ctx, factID, func(f *Fact) error {
		f.Pinned = pinned
		return nil
	})
	if err != nil {
		return e.wrapNotFound(op, "fact", factID, err)
	}

	observability.RecordFactAudit(ctx, "fact_pinned", map[string]interface{}{"fact_id": factID, "pinned": pinned})
	e.publish("fact.pinned", map[string]interface{}{"fact_id": factID, "pinned": pinned})
	return nil
}

// FeedbackResult reports the weight change caused by one reward.
type FeedbackResult struct {
	FactID      string  `json:"fact_id"`
	OldWeight   float64 `json:"old_weight"`
	NewWeight   float64 `json:"new_weight"`
	RewardSum   float64 `json:"reward_sum"`
	RewardCount int     `json:"reward_count"`
}

// ApplyReward moves weight by FeedbackRate*reward, clamped to [0, 1].
func ApplyReward(f *Fact, reward, rate float64) (oldWeight, newWeight float64) {
	oldWeight = f.Weight
	f.Weight = Clamp01(oldWeight + rate*reward)
	f.RewardSum += reward
	f.RewardCount++
	return oldWeight, f.Weight
}

// Feedback applies a reward to a fact. It is not idempotent: each call moves the weight again.
func (e *Engine) Feedback(ctx context.Context, factID string, reward float64) (*FeedbackResult, error) {
	const op = "feedback"
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.feedback",
		attribute.String("fact_id", factID), attribute.Float64("reward", reward))
	defer span.End()

	if factID == "" {
		return nil, ValidationError(op, "fact_id is required")
	}
	if !isFinite(reward) {
		return nil, ValidationError(op, "reward must be a finite number")
	}

	var oldWeight, newWeight float64
	f, err := e.store.UpdateFact(ctx, factID, func(f *Fact) error {
		oldWeight, newWeight = ApplyReward(f, reward, e.weights.FeedbackRate)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, e.wrapNotFound(op, "fact", factID, err)
	}

	res := &FeedbackResult{
		FactID:      factID,
		OldWeight:   oldWeight,
		NewWeight:   newWeight,
		RewardSum:   f.RewardSum,
		RewardCount: f.RewardCount,
	}

	observability.RecordFeedback(reward)
	observability.RecordFactAudit(ctx, "feedback_applied", map[string]interface{}{
		"fact_id":    factID,
		"reward":     reward,
		"old_weight": oldWeight,
		"new_weight": newWeight,
	})
	e.publish("feedback.applied", res)
	return res, nil
}

// StartConversation creates a conversation between npcID and playerID.
func (e *Engine) StartConversation(ctx context.Context, npcID, playerID, scene string) (*Conversation, error) {
	const op = "start conversation"
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.start_conversation")
	defer span.End()

	if npcID == "" || playerID == "" {
		return nil, ValidationError(op, "npc_id and player_id are required")
	}

	now := e.now()
	c := &Conversation{
		ID:        e.newID(),
		NPC:       npcID,
		Player:    playerID,
		Scene:     scene,
		Tags:      []string{},
		CreatedAt: now,
	}
	if err := e.store.UpsertEntities(ctx, entitiesFor(now, npcID, playerID)); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := e.store.CreateConversation(ctx, c); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	e.publish("conversation.started", map[string]interface{}{"conversation_id": c.ID, "npc": npcID, "player": playerID})
	return c, nil
}

// AttachFacts attaches facts to a conversation and recomputes its tags.
// Empty ids are ignored; nothing is attached unless every id resolves.
func (e *Engine) AttachFacts(ctx context.Context, conversationID string, factIDs []string) (*Conversation, error) {
	const op = "attach facts"
	ctx = tracing.WithConversationID(ctx, conversationID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.attach_facts",
		attribute.String("conversation_id", conversationID))
	defer span.End()
	start := time.Now()

	if conversationID == "" {
		return nil, ValidationError(op, "conversation_id is required")
	}
	ids := dedupeIDs(factIDs)
	if len(ids) == 0 {
		return nil, ValidationError(op, "fact_ids must contain at least one id")
	}

	conv, err := e.store.AttachFacts(ctx, conversationID, ids)
	observability.RecordAttach(time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if KindOf(err) != KindInternal {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	e.publish("conversation.attached", map[string]interface{}{
		"conversation_id": conv.ID,
		"fact_ids":        ids,
		"tags":            conv.Tags,
	})
	return conv, nil
}

// ListEntities lists entities, optionally filtered by kind.
func (e *Engine) ListEntities(ctx context.Context, kind string) ([]Entity, error) {
	entities, err := e.store.ListEntities(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return entities, nil
}

// GetConversation returns a conversation by id.
func (e *Engine) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c, err := e.store.GetConversation(ctx, id)
	if err != nil {
		return nil, e.wrapNotFound("get conversation", "conversation", id, err)
	}
	return c, nil
}

// Export returns every entity and fact, embeddings included.
func (e *Engine) Export(ctx context.Context) (*Snapshot, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.export")
	defer span.End()

	s, err := e.store.Export(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("export: %w", err)
	}
	s.Version = SnapshotVersion
	s.ExportedAt = e.now()
	return s, nil
}

// Import inserts the snapshot's entities and facts, skipping ids that already exist.
func (e *Engine) Import(ctx context.Context, s *Snapshot) (*ImportResult, error) {
	const op = "import"
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.import")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger)

	if s == nil {
		return nil, ValidationError(op, "snapshot is required")
	}
	for i := range s.Facts {
		f := &s.Facts[i]
		if f.ID == "" || f.Who == "" || f.About == "" || f.Text == "" {
			return nil, ValidationError(op, "fact %d: id, who, about and text are required", i)
		}
		if !isFinite(f.Weight) {
			return nil, ValidationError(op, "fact %d: weight must be a finite number", i)
		}
		f.Weight = Clamp01(f.Weight)
		f.Tags = NormalizeTags(f.Tags)
		if f.CreatedAt.IsZero() {
			f.CreatedAt = e.now()
		}
		if e.embedder != nil && len(f.Embedding) > 0 && len(f.Embedding) != e.embedder.Dimension() {
			logger.Warn().
				Str("fact_id", f.ID).
				Int("dimension", len(f.Embedding)).
				Int("expected", e.embedder.Dimension()).
				Msg("Dropping embedding with mismatched dimension")
			f.Embedding = nil
		}
	}
	for i := range s.Entities {
		if strings.TrimSpace(s.Entities[i].ID) == "" {
			return nil, ValidationError(op, "entity %d: id is required", i)
		}
		if s.Entities[i].Kind == "" {
			s.Entities[i].Kind = EntityKind(s.Entities[i].ID)
		}
		if s.Entities[i].CreatedAt.IsZero() {
			s.Entities[i].CreatedAt = e.now()
		}
	}

	res, err := e.store.Import(ctx, s)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	observability.RecordImport(res.EntitiesImported, res.FactsImported, res.Skipped)
	e.publish("import.completed", res)
	logger.Info().
		Int("entities_imported", res.EntitiesImported).
		Int("facts_imported", res.FactsImported).
		Int("skipped", res.Skipped).
		Msg("Import completed")
	return res, nil
}

func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.embedTimeout)
	defer cancel()

	start := time.Now()
	vec, err := e.embedder.GenerateEmbedding(ctx, text)
	observability.RecordEmbedding(time.Since(start), err == nil)
	return vec, err
}

func (e *Engine) publish(event string, data interface{}) {
	if e.publisher != nil {
		e.publisher.Publish(event, data)
	}
}

func (e *Engine) wrapNotFound(op, what, id string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return NotFound(op, what, id)
	}
	if KindOf(err) != KindInternal {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func entitiesFor(now time.Time, ids ...string) []Entity {
	out := make([]Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, Entity{ID: id, Kind: EntityKind(id), CreatedAt: now})
	}
	return out
}

func dedupeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
