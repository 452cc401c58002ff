// Package reply voices an agent's answer to a subject, grounded on the agent's ranked memories.
package reply

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/memorygraph/internal/observability"
	"github.com/harun/memorygraph/internal/tracing"
	"github.com/harun/memorygraph/pkg/agent"
	"github.com/harun/memorygraph/pkg/memory"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// TemplateK is how many memories the templated reply retrieves.
	TemplateK = 3
	// GroundedK is how many memories are listed in the LLM prompt.
	GroundedK = 5

	attachTimeout = 5 * time.Second
)

// Memory is the slice of the Engine that reply generation composes.
type Memory interface {
	Retrieve(ctx context.Context, req memory.RetrieveRequest) ([]memory.ScoredFact, error)
	AttachFacts(ctx context.Context, conversationID string, factIDs []string) (*memory.Conversation, error)
}

// Request holds reply inputs.
type Request struct {
	NPCID          string `json:"npc_id"`
	PlayerID       string `json:"player_id"`
	Scene          string `json:"scene,omitempty"`
	UserText       string `json:"user_text,omitempty"`
	Intent         string `json:"intent,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Model          string `json:"model,omitempty"`
}

// Result is a generated reply and the memories it used.
type Result struct {
	Reply          string   `json:"reply"`
	UsedFactIDs    []string `json:"used_fact_ids"`
	ConversationID string   `json:"conversation_id,omitempty"`
}

// Config holds Generator dependencies. LLM may be nil, in which case only
// templated replies are available.
type Config struct {
	Memory      Memory
	LLM         agent.LLMProvider
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	Logger      zerolog.Logger
}

// Generator produces templated and LLM-grounded replies.
type Generator struct {
	memory      Memory
	llm         agent.LLMProvider
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	logger      zerolog.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.Memory == nil {
		return nil, errors.New("memory is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Generator{
		memory:      cfg.Memory,
		llm:         cfg.LLM,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		logger:      cfg.Logger.With().Str("component", "reply").Logger(),
	}, nil
}

// Templated builds a deterministic reply from the top memories without calling an LLM.
func (g *Generator) Templated(ctx context.Context, req Request) (*Result, error) {
	const op = "templated reply"
	start := time.Now()
	ctx = tracing.WithNPCID(ctx, req.NPCID)

	ranked, err := g.retrieve(ctx, op, req, TemplateK, "")
	if err != nil {
		observability.RecordReply("template", time.Since(start), false)
		return nil, err
	}

	top := ""
	if len(ranked) > 0 {
		top = ranked[0].Fact.Text
	}
	text := RenderTemplate(memory.EntityName(req.NPCID), memory.EntityName(req.PlayerID), req.Scene, req.Intent, top)

	res := g.finish(ctx, req, text, ranked)
	observability.RecordReply("template", time.Since(start), true)
	return res, nil
}

// Grounded asks the configured LLM for an in-character reply to UserText,
// listing the memories most relevant to it in the prompt.
func (g *Generator) Grounded(ctx context.Context, req Request) (*Result, error) {
	const op = "reply"
	start := time.Now()
	ctx = tracing.WithNPCID(ctx, req.NPCID)

	if strings.TrimSpace(req.UserText) == "" {
		return nil, memory.ValidationError(op, "user_text is required")
	}
	if g.llm == nil {
		return nil, memory.CollaboratorFailure(op, errors.New("no LLM provider configured"))
	}

	ranked, err := g.retrieve(ctx, op, req, GroundedK, req.UserText)
	if err != nil {
		observability.RecordReply("llm", time.Since(start), false)
		return nil, err
	}

	model := g.model
	if req.Model != "" {
		model = req.Model
	}

	llmCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	llmCtx, span := tracing.StartSpan(llmCtx, "memorygraph.reply", "reply.llm_call",
		attribute.String("provider", g.llm.Provider()), attribute.String("model", model))
	resp, err := g.llm.Call(llmCtx, agent.LLMRequest{
		Model:        model,
		SystemPrompt: BuildSystemPrompt(req, ranked),
		Messages:     []agent.Message{{Role: "user", Content: req.UserText}},
		MaxTokens:    g.maxTokens,
		Temperature:  g.temperature,
	})
	tracing.EndSpan(span, err)
	if err != nil {
		observability.RecordReply("llm", time.Since(start), false)
		logger := tracing.LoggerFromContext(ctx, g.logger)
		logger.Error().Err(err).
			Str("provider", g.llm.Provider()).
			Str("model", model).
			Msg("LLM call failed")
		return nil, memory.CollaboratorFailure(op, err)
	}

	res := g.finish(ctx, req, resp.Content, ranked)
	observability.RecordReply("llm", time.Since(start), true)
	return res, nil
}

func (g *Generator) retrieve(ctx context.Context, op string, req Request, k int, query string) ([]memory.ScoredFact, error) {
	ranked, err := g.memory.Retrieve(ctx, memory.RetrieveRequest{
		NPCID:          req.NPCID,
		PlayerID:       req.PlayerID,
		Scene:          req.Scene,
		Intent:         req.Intent,
		ConversationID: req.ConversationID,
		Query:          query,
		K:              k,
	})
	if err != nil {
		if memory.KindOf(err) == memory.KindValidation {
			return nil, err
		}
		return nil, memory.CollaboratorFailure(op, err)
	}
	return ranked, nil
}

func (g *Generator) finish(ctx context.Context, req Request, text string, ranked []memory.ScoredFact) *Result {
	ids := make([]string, 0, len(ranked))
	for _, s := range ranked {
		ids = append(ids, s.Fact.ID)
	}
	g.attachBestEffort(ctx, req.ConversationID, ids)
	return &Result{Reply: text, UsedFactIDs: ids, ConversationID: req.ConversationID}
}

// attachBestEffort records which memories a reply used. Failure is logged and
// counted but never fails the reply. The attach runs detached from the request
// deadline, which a slow LLM call may already have consumed.
func (g *Generator) attachBestEffort(ctx context.Context, conversationID string, factIDs []string) {
	if conversationID == "" || len(factIDs) == 0 {
		return
	}
	ctx = tracing.WithConversationID(ctx, conversationID)
	attachCtx, cancel := context.WithTimeout(tracing.Detach(ctx), attachTimeout)
	defer cancel()
	if _, err := g.memory.AttachFacts(attachCtx, conversationID, factIDs); err != nil {
		observability.RecordBestEffortAttachFailure()
		logger := tracing.LoggerFromContext(ctx, g.logger)
		logger.Warn().
			Err(err).
			Str("conversation_id", conversationID).
			Strs("fact_ids", factIDs).
			Msg("Best-effort attach failed, continuing with reply")
	}
}

// BuildSystemPrompt renders the persona and memory list given to the LLM.
func BuildSystemPrompt(req Request, ranked []memory.ScoredFact) string {
	name := memory.EntityName(req.NPCID)
	player := memory.EntityName(req.PlayerID)

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a character in a game, talking to %s.", name, player)
	if req.Scene != "" {
		fmt.Fprintf(&b, " The scene is: %s.", req.Scene)
	}
	if req.Intent != "" {
		fmt.Fprintf(&b, " %s is trying to %s.", player, strings.ReplaceAll(req.Intent, "_", " "))
	}
	b.WriteString(" Stay in character and answer in one or two sentences.")

	if len(ranked) == 0 {
		fmt.Fprintf(&b, "\nYou have never met %s before.", player)
		return b.String()
	}
	fmt.Fprintf(&b, "\nWhat you remember about %s, most relevant first:", player)
	for _, s := range ranked {
		b.WriteString("\n- ")
		b.WriteString(s.Fact.Text)
		if len(s.Fact.Tags) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(s.Fact.Tags, ", "))
		}
		if s.Fact.Pinned {
			b.WriteString(" (never forget this)")
		}
	}
	return b.String()
}
