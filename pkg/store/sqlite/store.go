// Package sqlite implements memory.Store on SQLite with sqlite-vec encoded embeddings.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/harun/memorygraph/internal/tracing"
	"github.com/harun/memorygraph/pkg/memory"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

const tracerName = "memorygraph.store.sqlite"

// Store is a SQLite-backed memory.Store. Every write transaction starts with
// BEGIN IMMEDIATE, so read-modify-write cycles are serialized across connections.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

var _ memory.Store = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "sqlite-store").Logger(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite-vec extension not available: %w", err)
	}

	s.logger.Info().Str("path", path).Str("vec_version", vecVersion).Msg("SQLite store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind, id);

		CREATE TABLE IF NOT EXISTS facts (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			who TEXT NOT NULL,
			about TEXT NOT NULL,
			scene TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			intent TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			weight REAL NOT NULL DEFAULT 0.5,
			pinned INTEGER NOT NULL DEFAULT 0,
			reward_sum REAL NOT NULL DEFAULT 0,
			reward_count INTEGER NOT NULL DEFAULT 0,
			embedding BLOB,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_facts_pair ON facts(who, about, created_at DESC, seq DESC);

		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			npc TEXT NOT NULL,
			player TEXT NOT NULL,
			scene TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversation_facts (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			fact_id TEXT NOT NULL REFERENCES facts(id) ON DELETE CASCADE,
			PRIMARY KEY (conversation_id, fact_id)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) UpsertEntities(ctx context.Context, entities []memory.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entities {
			if _, err := insertEntity(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertEntity(ctx context.Context, tx *sql.Tx, e memory.Entity) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO entities (id, kind, created_at) VALUES (?, ?, ?)`,
		e.ID, e.Kind, e.CreatedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to insert entity %s: %w", e.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) ListEntities(ctx context.Context, kind string) ([]memory.Entity, error) {
	query := `SELECT id, kind, created_at FROM entities`
	var args []interface{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY kind, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	entities := []memory.Entity{}
	for rows.Next() {
		var (
			e  memory.Entity
			ts int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &ts); err != nil {
			return nil, err
		}
		e.CreatedAt = fromNanos(ts)
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func (s *Store) InsertFact(ctx context.Context, f *memory.Fact) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "sqlite.insert_fact", attribute.String("fact_id", f.ID))
	defer span.End()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := insertFact(ctx, tx, f)
		return err
	})
}

func insertFact(ctx context.Context, tx *sql.Tx, f *memory.Fact) (bool, error) {
	tags, err := json.Marshal(nonNil(f.Tags))
	if err != nil {
		return false, fmt.Errorf("failed to encode tags: %w", err)
	}
	var emb []byte
	if len(f.Embedding) > 0 {
		emb, err = sqlite_vec.SerializeFloat32(f.Embedding)
		if err != nil {
			return false, fmt.Errorf("failed to serialize embedding: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO facts
			(id, who, about, scene, type, intent, text, tags, weight, pinned, reward_sum, reward_count, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Who, f.About, f.Scene, f.Type, f.Intent, f.Text, string(tags),
		f.Weight, boolToInt(f.Pinned), f.RewardSum, f.RewardCount, emb, f.CreatedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to insert fact: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const factColumns = `id, who, about, scene, type, intent, text, tags, weight, pinned, reward_sum, reward_count, embedding, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFact(row rowScanner) (*memory.Fact, error) {
	var (
		f      memory.Fact
		tags   string
		pinned int
		emb    []byte
		ts     int64
	)
	if err := row.Scan(&f.ID, &f.Who, &f.About, &f.Scene, &f.Type, &f.Intent, &f.Text,
		&tags, &f.Weight, &pinned, &f.RewardSum, &f.RewardCount, &emb, &ts); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &f.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags of fact %s: %w", f.ID, err)
	}
	f.Pinned = pinned != 0
	f.CreatedAt = fromNanos(ts)
	if len(emb) > 0 {
		vec, err := deserializeFloat32(emb)
		if err != nil {
			return nil, fmt.Errorf("fact %s: %w", f.ID, err)
		}
		f.Embedding = vec
	}
	return &f, nil
}

func (s *Store) GetFact(ctx context.Context, id string) (*memory.Fact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+factColumns+` FROM facts WHERE id = ?`, id)
	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memory.NotFound("get fact", "fact", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fact: %w", err)
	}
	return f, nil
}

func (s *Store) ListFacts(ctx context.Context, who, about string, limit int) ([]*memory.Fact, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "sqlite.list_facts")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+factColumns+` FROM facts
		WHERE who = ? AND about = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?`, who, about, limit)
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
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		f, err := scanFact(tx.QueryRowContext(ctx, `SELECT `+factColumns+` FROM facts WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return memory.NotFound("update fact", "fact", id)
		}
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE facts SET weight = ?, pinned = ?, reward_sum = ?, reward_count = ? WHERE id = ?`,
			f.Weight, boolToInt(f.Pinned), f.RewardSum, f.RewardCount, id); err != nil {
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
	tags, err := json.Marshal(nonNil(c.Tags))
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, npc, player, scene, tags, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, c.NPC, c.Player, c.Scene, string(tags), c.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		return nil
	})
}

func getConversation(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}, id string) (*memory.Conversation, error) {
	var (
		c    memory.Conversation
		tags string
		ts   int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, npc, player, scene, tags, created_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.NPC, &c.Player, &c.Scene, &tags, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memory.NotFound("get conversation", "conversation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode conversation tags: %w", err)
	}
	c.CreatedAt = fromNanos(ts)
	return &c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*memory.Conversation, error) {
	return getConversation(ctx, s.db, id)
}

func (s *Store) AttachFacts(ctx context.Context, conversationID string, factIDs []string) (*memory.Conversation, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "sqlite.attach_facts",
		attribute.String("conversation_id", conversationID), attribute.Int("fact_ids", len(factIDs)))
	defer span.End()

	var out *memory.Conversation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		conv, err := getConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(factIDs)), ",")
		args := make([]interface{}, len(factIDs))
		for i, id := range factIDs {
			args[i] = id
		}
		var found int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM facts WHERE id IN (`+placeholders+`)`, args...).Scan(&found); err != nil {
			return fmt.Errorf("failed to resolve fact ids: %w", err)
		}
		if found != len(factIDs) {
			return memory.ValidationError("attach facts",
				"some fact_ids not found (found %d of %d distinct ids)", found, len(factIDs))
		}

		for _, id := range factIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO conversation_facts (conversation_id, fact_id) VALUES (?, ?)`,
				conversationID, id); err != nil {
				return fmt.Errorf("failed to attach fact: %w", err)
			}
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT f.tags FROM facts f
			JOIN conversation_facts cf ON cf.fact_id = f.id
			WHERE cf.conversation_id = ?`, conversationID)
		if err != nil {
			return fmt.Errorf("failed to load attached facts: %w", err)
		}
		var attached []*memory.Fact
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				rows.Close()
				return err
			}
			f := &memory.Fact{}
			if err := json.Unmarshal([]byte(raw), &f.Tags); err != nil {
				rows.Close()
				return fmt.Errorf("failed to decode tags: %w", err)
			}
			attached = append(attached, f)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		conv.Tags = memory.UnionTags(attached)
		encoded, err := json.Marshal(conv.Tags)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET tags = ? WHERE id = ?`, string(encoded), conversationID); err != nil {
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

	rows, err := s.db.QueryContext(ctx, `SELECT `+factColumns+` FROM facts ORDER BY seq`)
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
	err := s.withTx(ctx, func(tx *sql.Tx) error {
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
			now := f.CreatedAt
			for _, id := range []string{f.Who, f.About} {
				if _, err := insertEntity(ctx, tx, memory.Entity{ID: id, Kind: memory.EntityKind(id), CreatedAt: now}); err != nil {
					return err
				}
			}
			if len(f.Embedding) > 0 {
				if err := checkVector(ctx, tx, f); err != nil {
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

// checkVector round-trips the embedding through sqlite-vec to confirm it decodes to the expected length.
func checkVector(ctx context.Context, tx *sql.Tx, f *memory.Fact) error {
	blob, err := sqlite_vec.SerializeFloat32(f.Embedding)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding of fact %s: %w", f.ID, err)
	}
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT vec_length(?)`, blob).Scan(&n); err != nil {
		return fmt.Errorf("invalid embedding for fact %s: %w", f.ID, err)
	}
	if n != len(f.Embedding) {
		return fmt.Errorf("embedding of fact %s decodes to %d values, want %d", f.ID, n, len(f.Embedding))
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// deserializeFloat32 decodes the little-endian float32 layout written by sqlite_vec.SerializeFloat32.
func deserializeFloat32(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding blob length %d", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
