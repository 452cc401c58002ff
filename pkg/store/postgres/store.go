// Package postgres implements memory.Store on PostgreSQL with pgvector embeddings.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/memorygraph/internal/tracing"
	"github.com/harun/memorygraph/pkg/memory"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "memorygraph.store.postgres"

// Store is a PostgreSQL-backed memory.Store. Fact updates and attaches lock
// their rows with SELECT ... FOR UPDATE.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

var _ memory.Store = (*Store)(nil)

// Open connects to databaseURL and applies the schema. A positive dimension
// constrains the embedding column.
func Open(ctx context.Context, databaseURL string, dimension int, logger zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}

	// The vector extension must exist before its types can be registered.
	bootstrap, err := pgx.ConnectConfig(ctx, cfg.ConnConfig.Copy())
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	_, err = bootstrap.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	bootstrap.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector extension: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	s := &Store{
		pool:   pool,
		logger: logger.With().Str("component", "postgres-store").Logger(),
	}
	if err := s.ensureSchema(ctx, dimension); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Int("dimension", dimension).Msg("PostgreSQL store opened")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context, dimension int) error {
	vectorType := "VECTOR"
	if dimension > 0 {
		vectorType = fmt.Sprintf("VECTOR(%d)", dimension)
	}

	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS entities (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind, id);

CREATE TABLE IF NOT EXISTS facts (
  seq BIGSERIAL,
  id TEXT PRIMARY KEY,
  who TEXT NOT NULL,
  about TEXT NOT NULL,
  scene TEXT NOT NULL DEFAULT '',
  type TEXT NOT NULL DEFAULT '',
  intent TEXT NOT NULL DEFAULT '',
  text TEXT NOT NULL,
  tags TEXT[] NOT NULL DEFAULT '{}',
  weight DOUBLE PRECISION NOT NULL DEFAULT 0.5,
  pinned BOOLEAN NOT NULL DEFAULT false,
  reward_sum DOUBLE PRECISION NOT NULL DEFAULT 0,
  reward_count INT NOT NULL DEFAULT 0,
  embedding %s,
  created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_facts_pair ON facts(who, about, created_at DESC, seq DESC);

CREATE TABLE IF NOT EXISTS conversations (
  id TEXT PRIMARY KEY,
  npc TEXT NOT NULL,
  player TEXT NOT NULL,
  scene TEXT NOT NULL DEFAULT '',
  tags TEXT[] NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_facts (
  conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
  fact_id TEXT NOT NULL REFERENCES facts(id) ON DELETE CASCADE,
  PRIMARY KEY (conversation_id, fact_id)
);
`, vectorType)

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) UpsertEntities(ctx context.Context, entities []memory.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, e := range entities {
			if _, err := insertEntity(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertEntity(ctx context.Context, tx pgx.Tx, e memory.Entity) (bool, error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO entities (id, kind, created_at) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Kind, e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert entity %s: %w", e.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) ListEntities(ctx context.Context, kind string) ([]memory.Entity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, created_at FROM entities WHERE ($1 = '' OR kind = $1) ORDER BY kind, id`, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	entities := []memory.Entity{}
	for rows.Next() {
		var e memory.Entity
		if err := rows.Scan(&e.ID, &e.Kind, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func (s *Store) InsertFact(ctx context.Context, f *memory.Fact) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "postgres.insert_fact", attribute.String("fact_id", f.ID))
	defer span.End()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := insertFact(ctx, tx, f)
		return err
	})
}

func insertFact(ctx context.Context, tx pgx.Tx, f *memory.Fact) (bool, error) {
	var emb interface{}
	if len(f.Embedding) > 0 {
		emb = pgvector.NewVector(f.Embedding)
	}
	tags := f.Tags
	if tags == nil {
		tags = []string{}
	}

	tag, err := tx.Exec(ctx, `
INSERT INTO facts (id, who, about, scene, type, intent, text, tags, weight, pinned, reward_sum, reward_count, embedding, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO NOTHING`,
		f.ID, f.Who, f.About, f.Scene, f.Type, f.Intent, f.Text, tags,
		f.Weight, f.Pinned, f.RewardSum, f.RewardCount, emb, f.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert fact: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const factColumns = `id, who, about, scene, type, intent, text, tags, weight, pinned, reward_sum, reward_count, embedding, created_at`

func scanFact(row pgx.Row) (*memory.Fact, error) {
	var (
		f   memory.Fact
		emb *pgvector.Vector
	)
	if err := row.Scan(&f.ID, &f.Who, &f.About, &f.Scene, &f.Type, &f.Intent, &f.Text,
		&f.Tags, &f.Weight, &f.Pinned, &f.RewardSum, &f.RewardCount, &emb, &f.CreatedAt); err != nil {
		return nil, err
	}
	if f.Tags == nil {
		f.Tags = []string{}
	}
	if emb != nil {
		f.Embedding = emb.Slice()
	}
	f.CreatedAt = f.CreatedAt.UTC()
	return &f, nil
}

func (s *Store) GetFact(ctx context.Context, id string) (*memory.Fact, error) {
	f, err := scanFact(s.pool.QueryRow(ctx, `SELECT `+factColumns+` FROM facts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.NotFound("get fact", "fact", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fact: %w", err)
	}
	return f, nil
}

func (s *Store) ListFacts(ctx context.Context, who, about string, limit int) ([]*memory.Fact, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "postgres.list_facts")
	defer span.End()

	rows, err := s.pool.Query(ctx, `
SELECT `+factColumns+` FROM facts
WHERE who = $1 AND about = $2
ORDER BY created_at DESC, seq DESC
LIMIT $3`, who, about, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	defer rows.Close()

	facts := []*memory.Fact{}
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	span.SetAttributes(attribute.Int("rows", len(facts)))
	return facts, rows.Err()
}

func (s *Store) UpdateFact(ctx context.Context, id string, fn func(*memory.Fact) error) (*memory.Fact, error) {
	var out *memory.Fact
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		f, err := scanFact(tx.QueryRow(ctx, `SELECT `+factColumns+` FROM facts WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return memory.NotFound("update fact", "fact", id)
		}
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE facts SET weight = $1, pinned = $2, reward_sum = $3, reward_count = $4 WHERE id = $5`,
			f.Weight, f.Pinned, f.RewardSum, f.RewardCount, id); err != nil {
			return fmt.Errorf("failed to update fact: %w", err)
		}
		out = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateConversation(ctx context.Context, c *memory.Conversation) error {
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, npc, player, scene, tags, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.NPC, c.Player, c.Scene, tags, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func scanConversation(row pgx.Row, id string) (*memory.Conversation, error) {
	var c memory.Conversation
	err := row.Scan(&c.ID, &c.NPC, &c.Player, &c.Scene, &c.Tags, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.NotFound("get conversation", "conversation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*memory.Conversation, error) {
	return scanConversation(s.pool.QueryRow(ctx,
		`SELECT id, npc, player, scene, tags, created_at FROM conversations WHERE id = $1`, id), id)
}

func (s *Store) AttachFacts(ctx context.Context, conversationID string, factIDs []string) (*memory.Conversation, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "postgres.attach_facts",
		attribute.String("conversation_id", conversationID), attribute.Int("fact_ids", len(factIDs)))
	defer span.End()

	var out *memory.Conversation
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		conv, err := scanConversation(tx.QueryRow(ctx,
			`SELECT id, npc, player, scene, tags, created_at FROM conversations WHERE id = $1 FOR UPDATE`,
			conversationID), conversationID)
		if err != nil {
			return err
		}

		var found int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM facts WHERE id = ANY($1)`, factIDs).Scan(&found); err != nil {
			return fmt.Errorf("failed to resolve fact ids: %w", err)
		}
		if found != len(factIDs) {
			return memory.ValidationError("attach facts",
				"some fact_ids not found (found %d of %d distinct ids)", found, len(factIDs))
		}

		if _, err := tx.Exec(ctx, `
INSERT INTO conversation_facts (conversation_id, fact_id)
SELECT $1, unnest($2::text[])
ON CONFLICT DO NOTHING`, conversationID, factIDs); err != nil {
			return fmt.Errorf("failed to attach facts: %w", err)
		}

		rows, err := tx.Query(ctx, `
SELECT f.tags FROM facts f
JOIN conversation_facts cf ON cf.fact_id = f.id
WHERE cf.conversation_id = $1`, conversationID)
		if err != nil {
			return fmt.Errorf("failed to load attached facts: %w", err)
		}
		var attached []*memory.Fact
		for rows.Next() {
			f := &memory.Fact{}
			if err := rows.Scan(&f.Tags); err != nil {
				rows.Close()
				return err
			}
			attached = append(attached, f)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		conv.Tags = memory.UnionTags(attached)
		if _, err := tx.Exec(ctx, `UPDATE conversations SET tags = $1 WHERE id = $2`, conv.Tags, conversationID); err != nil {
			return fmt.Errorf("failed to update conversation tags: %w", err)
		}
		out = conv
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

func (s *Store) Export(ctx context.Context) (*memory.Snapshot, error) {
	entities, err := s.ListEntities(ctx, "")
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `SELECT `+factColumns+` FROM facts ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to export facts: %w", err)
	}
	defer rows.Close()

	facts := []memory.Fact{}
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &memory.Snapshot{Entities: entities, Facts: facts}, nil
}

func (s *Store) Import(ctx context.Context, snap *memory.Snapshot) (*memory.ImportResult, error) {
	res := &memory.ImportResult{}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		*res = memory.ImportResult{}
		for _, e := range snap.Entities {
			ok, err := insertEntity(ctx, tx, e)
			if err != nil {
				return err
			}
			if ok {
				res.EntitiesImported++
			} else {
				res.Skipped++
			}
		}
		for i := range snap.Facts {
			f := &snap.Facts[i]
			for _, id := range []string{f.Who, f.About} {
				if _, err := insertEntity(ctx, tx, memory.Entity{ID: id, Kind: memory.EntityKind(id), CreatedAt: f.CreatedAt}); err != nil {
					return err
				}
			}
			ok, err := insertFact(ctx, tx, f)
			if err != nil {
				return err
			}
			if ok {
				res.FactsImported++
			} else {
				res.Skipped++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
