package api

import (
	"context"
	"time"

	"github.com/harun/memorygraph/pkg/memory"
	"github.com/harun/memorygraph/pkg/reply"
)

// Memory is the set of Engine operations exposed over HTTP.
type Memory interface {
	ListEntities(ctx context.Context, kind string) ([]memory.Entity, error)
	AddFact(ctx context.Context, req memory.AddFactRequest) (string, error)
	Retrieve(ctx context.Context, req memory.RetrieveRequest) ([]memory.ScoredFact, error)
	SetPinned(ctx context.Context, factID string, pinned bool) error
	Feedback(ctx context.Context, factID string, reward float64) (*memory.FeedbackResult, error)
	StartConversation(ctx context.Context, npcID, playerID, scene string) (*memory.Conversation, error)
	GetConversation(ctx context.Context, id string) (*memory.Conversation, error)
	AttachFacts(ctx context.Context, conversationID string, factIDs []string) (*memory.Conversation, error)
	Export(ctx context.Context) (*memory.Snapshot, error)
	Import(ctx context.Context, s *memory.Snapshot) (*memory.ImportResult, error)
}

// Replier generates agent replies.
type Replier interface {
	Templated(ctx context.Context, req reply.Request) (*reply.Result, error)
	Grounded(ctx context.Context, req reply.Request) (*reply.Result, error)
}

// ServerOptions configures the HTTP listener and its middleware.
type ServerOptions struct {
	Host               string
	Port               int
	AllowedOrigins     []string
	RateLimitPerMinute int
	RequestTimeout     time.Duration
	MaxBodyBytes       int64
}

type addFactRequest struct {
	Who    string   `json:"who"`
	About  string   `json:"about"`
	Text   string   `json:"text"`
	Scene  string   `json:"scene"`
	Type   string   `json:"type"`
	Intent string   `json:"intent"`
	Tags   []string `json:"tags"`
	Weight *float64 `json:"weight"`
	Pinned bool     `json:"pinned"`
}

type addFactResponse struct {
	FactID string `json:"fact_id"`
}

type scoredFactResponse struct {
	FactID    string           `json:"fact_id"`
	Text      string           `json:"text"`
	Tags      []string         `json:"tags"`
	Weight    float64          `json:"weight"`
	Pinned    bool             `json:"pinned"`
	Scene     string           `json:"scene,omitempty"`
	Intent    string           `json:"intent,omitempty"`
	Score     float64          `json:"score"`
	Breakdown memory.Breakdown `json:"breakdown"`
}

type pinRequest struct {
	FactID string `json:"fact_id"`
	Pinned bool   `json:"pinned"`
}

type pinResponse struct {
	OK     bool   `json:"ok"`
	FactID string `json:"fact_id"`
}

type feedbackRequest struct {
	FactID string  `json:"fact_id"`
	Reward float64 `json:"reward"`
}

type feedbackResponse struct {
	OK bool `json:"ok"`
	*memory.FeedbackResult
	// Weight repeats NewWeight for clients that read the current weight directly.
	Weight float64 `json:"weight"`
}

type startConversationRequest struct {
	NPCID    string `json:"npc_id"`
	PlayerID string `json:"player_id"`
	Scene    string `json:"scene"`
}

type startConversationResponse struct {
	ConversationID string `json:"conversation_id"`
}

type attachRequest struct {
	ConversationID string   `json:"conversation_id"`
	FactIDs        []string `json:"fact_ids"`
}

type attachResponse struct {
	OK   bool     `json:"ok"`
	Tags []string `json:"tags"`
}

type importResponse struct {
	OK bool `json:"ok"`
	*memory.ImportResult
}

type errorResponse struct {
	Detail string `json:"detail"`
	Kind   string `json:"kind"`
}
