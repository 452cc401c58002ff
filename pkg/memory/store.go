package memory

import "context"

// Store is the durable fact store. Implementations provide per-row atomicity;
// UpdateFact and AttachFacts must each run as a single transaction.
type Store interface {
	UpsertEntities(ctx context.Context, entities []Entity) error
	ListEntities(ctx context.Context, kind string) ([]Entity, error)

	InsertFact(ctx context.Context, f *Fact) error
	GetFact(ctx context.Context, id string) (*Fact, error)
	// ListFacts returns facts for (who, about), newest first, at most limit rows.
	ListFacts(ctx context.Context, who, about string, limit int) ([]*Fact, error)
	// UpdateFact loads the fact under a row lock, applies fn and persists the
	// mutable fields (weight, pinned, reward_sum, reward_count). Concurrent
	// updates of the same fact are serialized.
	UpdateFact(ctx context.Context, id string, fn func(f *Fact) error) (*Fact, error)

	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// AttachFacts validates the conversation and every fact id, inserts the
	// associations idempotently and recomputes the conversation's tags from all
	// attached facts, all in one transaction.
	AttachFacts(ctx context.Context, conversationID string, factIDs []string) (*Conversation, error)

	Export(ctx context.Context) (*Snapshot, error)
	// Import inserts entities and facts whose ids are not present yet.
	Import(ctx context.Context, s *Snapshot) (*ImportResult, error)

	Close() error
}

// Embedder turns text into a fixed-length vector. Implementations must be safe
// for concurrent use.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Publisher receives an event after every successful mutation.
type Publisher interface {
	Publish(event string, data interface{})
}
