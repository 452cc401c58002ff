package reply

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/harun/memorygraph/pkg/agent"
	"github.com/harun/memorygraph/pkg/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockMemory is a mock implementation of Memory
type MockMemory struct {
	mock.Mock
}

func (m *MockMemory) Retrieve(ctx context.Context, req memory.RetrieveRequest) ([]memory.ScoredFact, error) {
	args := m.Called(ctx, req)
	if v := args.Get(0); v != nil {
		return v.([]memory.ScoredFact), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockMemory) AttachFacts(ctx context.Context, conversationID string, factIDs []string) (*memory.Conversation, error) {
	args := m.Called(ctx, conversationID, factIDs)
	if v := args.Get(0); v != nil {
		return v.(*memory.Conversation), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockLLM is a mock implementation of agent.LLMProvider
type MockLLM struct {
	mock.Mock
}

func (m *MockLLM) Provider() string { return "mock" }

func (m *MockLLM) Call(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
	args := m.Called(ctx, req)
	if v := args.Get(0); v != nil {
		return v.(*agent.LLMResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func scored(id, text string, tags ...string) memory.ScoredFact {
	return memory.ScoredFact{Fact: &memory.Fact{ID: id, Text: text, Tags: tags}, Score: 0.5}
}

func newGenerator(t *testing.T, mem Memory, llm agent.LLMProvider) *Generator {
	t.Helper()
	g, err := NewGenerator(Config{Memory: mem, LLM: llm, Model: "default-model", Logger: zerolog.Nop()})
	require.NoError(t, err)
	return g
}

func TestNewGenerator_RequiresMemory(t *testing.T) {
	_, err := NewGenerator(Config{})
	assert.Error(t, err)
}

func TestTemplated_UsesTopMemoryAndAttaches(t *testing.T) {
	mem := &MockMemory{}
	mem.On("Retrieve", mock.Anything, memory.RetrieveRequest{
		NPCID: "npc:bartender", PlayerID: "player:demo", Scene: "tavern", Intent: "threaten",
		ConversationID: "c1", K: TemplateK,
	}).Return([]memory.ScoredFact{scored("f1", "You paid off my tab."), scored("f2", "Broke a chair.")}, nil)
	mem.On("AttachFacts", mock.Anything, "c1", []string{"f1", "f2"}).Return(&memory.Conversation{ID: "c1"}, nil)

	g := newGenerator(t, mem, nil)
	res, err := g.Templated(context.Background(), Request{
		NPCID: "npc:bartender", PlayerID: "player:demo", Scene: "tavern", Intent: "threaten", ConversationID: "c1",
	})
	require.NoError(t, err)

	assert.Contains(t, res.Reply, "You paid off my tab.")
	assert.Equal(t, []string{"f1", "f2"}, res.UsedFactIDs)
	assert.Equal(t, "c1", res.ConversationID)
	mem.AssertExpectations(t)
}

func TestTemplated_Deterministic(t *testing.T) {
	mem := &MockMemory{}
	mem.On("Retrieve", mock.Anything, mock.Anything).Return([]memory.ScoredFact{scored("f1", "You paid off my tab.")}, nil)

	g := newGenerator(t, mem, nil)
	req := Request{NPCID: "npc:bartender", PlayerID: "player:demo", Intent: "ask_favor"}

	first, err := g.Templated(context.Background(), req)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := g.Templated(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first.Reply, again.Reply)
	}
	// no conversation, no attach
	mem.AssertNotCalled(t, "AttachFacts", mock.Anything, mock.Anything, mock.Anything)
}

func TestTemplated_StrangerWhenNoMemory(t *testing.T) {
	mem := &MockMemory{}
	mem.On("Retrieve", mock.Anything, mock.Anything).Return([]memory.ScoredFact{}, nil)

	g := newGenerator(t, mem, nil)
	res, err := g.Templated(context.Background(), Request{NPCID: "npc:guard", PlayerID: "player:new", ConversationID: "c1"})
	require.NoError(t, err)
	assert.Contains(t, strangerTemplates, res.Reply)
	assert.Empty(t, res.UsedFactIDs)
	mem.AssertNotCalled(t, "AttachFacts", mock.Anything, mock.Anything, mock.Anything)
}

func TestTemplated_AttachFailureIsSwallowed(t *testing.T) {
	mem := &MockMemory{}
	mem.On("Retrieve", mock.Anything, mock.Anything).Return([]memory.ScoredFact{scored("f1", "x")}, nil)
	mem.On("AttachFacts", mock.Anything, "gone", []string{"f1"}).
		Return(nil, memory.NotFound("attach facts", "conversation", "gone"))

	g := newGenerator(t, mem, nil)
	res, err := g.Templated(context.Background(), Request{NPCID: "npc:a", PlayerID: "player:b", ConversationID: "gone"})
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, res.UsedFactIDs)
	mem.AssertExpectations(t)
}

func TestTemplated_RetrievalErrors(t *testing.T) {
	mem := &MockMemory{}
	mem.On("Retrieve", mock.Anything, mock.MatchedBy(func(r memory.RetrieveRequest) bool { return r.NPCID == "" })).
		Return(nil, memory.ValidationError("retrieve", "npc_id and player_id are required"))
	mem.On("Retrieve", mock.Anything, mock.MatchedBy(func(r memory.RetrieveRequest) bool { return r.NPCID != "" })).
		Return(nil, errors.New("database is locked"))

	g := newGenerator(t, mem, nil)

	_, err := g.Templated(context.Background(), Request{PlayerID: "player:b"})
	assert.Equal(t, memory.KindValidation, memory.KindOf(err))

	_, err = g.Templated(context.Background(), Request{NPCID: "npc:a", PlayerID: "player:b"})
	assert.Equal(t, memory.KindCollaborator, memory.KindOf(err))
}

func TestGrounded_RequiresUserText(t *testing.T) {
	g := newGenerator(t, &MockMemory{}, &MockLLM{})
	_, err := g.Grounded(context.Background(), Request{NPCID: "npc:a", PlayerID: "player:b", UserText: "  "})
	assert.Equal(t, memory.KindValidation, memory.KindOf(err))
}

func TestGrounded_NoProvider(t *testing.T) {
	g := newGenerator(t, &MockMemory{}, nil)
	_, err := g.Grounded(context.Background(), Request{NPCID: "npc:a", PlayerID: "player:b", UserText: "hi"})
	assert.Equal(t, memory.KindCollaborator, memory.KindOf(err))
}

func TestGrounded_CallsLLMWithMemories(t *testing.T) {
	mem := &MockMemory{}
	mem.On("Retrieve", mock.Anything, mock.MatchedBy(func(r memory.RetrieveRequest) bool {
		return r.Query == "Remember me?" && r.K == GroundedK
	})).Return([]memory.ScoredFact{scored("f1", "You paid off my tab.", "debt")}, nil)
	mem.On("AttachFacts", mock.Anything, "c1", []string{"f1"}).Return(&memory.Conversation{ID: "c1"}, nil)

	llm := &MockLLM{}
	llm.On("Call", mock.Anything, mock.MatchedBy(func(r agent.LLMRequest) bool {
		return r.Model == "override" &&
			len(r.Messages) == 1 && r.Messages[0].Content == "Remember me?" &&
			r.MaxTokens == 300
	})).Return(&agent.LLMResponse{Content: "Of course. You settled your tab."}, nil)

	g := newGenerator(t, mem, llm)
	res, err := g.Grounded(context.Background(), Request{
		NPCID: "npc:bartender", PlayerID: "player:demo", UserText: "Remember me?", ConversationID: "c1", Model: "override",
	})
	require.NoError(t, err)
	assert.Equal(t, "Of course. You settled your tab.", res.Reply)
	assert.Equal(t, []string{"f1"}, res.UsedFactIDs)

	call := llm.Calls[0].Arguments.Get(1).(agent.LLMRequest)
	assert.Contains(t, call.SystemPrompt, "You paid off my tab. [debt]")
	assert.Contains(t, call.SystemPrompt, "You are bartender")
	mem.AssertExpectations(t)
	llm.AssertExpectations(t)
}

func TestGrounded_LLMFailureIsCollaborator(t *testing.T) {
	mem := &MockMemory{}
	mem.On("Retrieve", mock.Anything, mock.Anything).Return([]memory.ScoredFact{}, nil)
	llm := &MockLLM{}
	llm.On("Call", mock.Anything, mock.Anything).Return(nil, context.DeadlineExceeded)

	g := newGenerator(t, mem, llm)
	_, err := g.Grounded(context.Background(), Request{NPCID: "npc:a", PlayerID: "player:b", UserText: "hi"})
	require.Error(t, err)
	assert.Equal(t, memory.KindCollaborator, memory.KindOf(err))
	assert.Contains(t, memory.Message(err), "timed out")
}

func TestBuildSystemPrompt(t *testing.T) {
	p := BuildSystemPrompt(Request{NPCID: "npc:smith", PlayerID: "player:ana", Scene: "forge", Intent: "ask_favor"}, nil)
	assert.Contains(t, p, "You are smith")
	assert.Contains(t, p, "The scene is: forge.")
	assert.Contains(t, p, "ana is trying to ask favor.")
	assert.Contains(t, p, "never met ana")

	pinned := scored("f1", "Saved my daughter.")
	pinned.Fact.Pinned = true
	p = BuildSystemPrompt(Request{NPCID: "npc:smith", PlayerID: "player:ana"}, []memory.ScoredFact{pinned})
	assert.Contains(t, p, "- Saved my daughter. (never forget this)")
}

func TestRenderTemplate(t *testing.T) {
	a := RenderTemplate("bartender", "demo", "tavern", "gift_help", "You fixed my sign.")
	b := RenderTemplate("bartender", "demo", "tavern", "gift_help", "You fixed my sign.")
	assert.Equal(t, a, b)
	assert.Contains(t, a, "You fixed my sign.")

	unknown := RenderTemplate("bartender", "demo", "", "juggle", "x")
	var defaults []string
	for _, tpl := range templates["default"] {
		defaults = append(defaults, strings.NewReplacer("{player}", "demo", "{memory}", "x").Replace(tpl))
	}
	assert.Contains(t, defaults, unknown)
	assert.NotContains(t, unknown, "{")

	stranger := RenderTemplate("bartender", "demo", "", "threaten", "")
	assert.Contains(t, strangerTemplates, stranger)
}
