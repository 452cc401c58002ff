package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	openaioption "github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(ProviderConfig{Provider: "anthropic", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Provider())

	p, err = NewProvider(ProviderConfig{Provider: "openai", APIKey: "k", MaxRetries: 3})
	require.NoError(t, err)
	assert.IsType(t, &RetryingProvider{}, p)
	assert.Equal(t, "openai", p.Provider())

	_, err = NewProvider(ProviderConfig{Provider: "gemini", APIKey: "k"})
	assert.Error(t, err)

	_, err = NewProvider(ProviderConfig{Provider: "anthropic"})
	assert.Error(t, err)
}

func TestAnthropicProvider_Call(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-5-haiku-latest",
			"content": [{"type": "text", "text": "  Welcome back, friend.  "}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 5}
		}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k", srv.URL+"/", anthropicoption.WithMaxRetries(0))
	resp, err := p.Call(context.Background(), LLMRequest{
		Model:        "claude-3-5-haiku-latest",
		SystemPrompt: "You are the bartender.",
		Messages:     []Message{{Role: "user", Content: "Hi"}},
		MaxTokens:    300,
		Temperature:  0.8,
	})
	require.NoError(t, err)
	assert.Equal(t, "Welcome back, friend.", resp.Content)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 5, resp.Usage.OutputTokens)

	assert.Equal(t, float64(300), body["max_tokens"])
	assert.Equal(t, 0.8, body["temperature"])
	assert.NotNil(t, body["system"])
}

func TestOpenAIProvider_Call(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Hello there."}}],
			"usage": {"prompt_tokens": 7, "completion_tokens": 3, "total_tokens": 10}
		}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("k", srv.URL+"/v1/", openaioption.WithMaxRetries(0))
	resp, err := p.Call(context.Background(), LLMRequest{
		Model:        "gpt-4o-mini",
		SystemPrompt: "sys",
		Messages:     []Message{{Role: "user", Content: "Hi"}},
		MaxTokens:    50,
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello there.", resp.Content)
	assert.Equal(t, 7, resp.Usage.InputTokens)

	msgs, ok := body["messages"].([]interface{})
	require.True(t, ok)
	assert.Len(t, msgs, 2)
}

func TestOpenAIProvider_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("k", srv.URL+"/v1/", openaioption.WithMaxRetries(0))
	_, err := p.Call(context.Background(), LLMRequest{Model: "m", Messages: []Message{{Role: "user", Content: "x"}}})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(errors.New("POST: 429 Too Many Requests")))
	assert.True(t, IsRetryableError(errors.New("503 Service Unavailable")))
	assert.True(t, IsRetryableError(errors.New("read: connection reset by peer")))
	assert.False(t, IsRetryableError(errors.New("401 Unauthorized")))
}

type scriptedProvider struct {
	errs  []error
	calls atomic.Int32
}

func (s *scriptedProvider) Provider() string { return "scripted" }
func (s *scriptedProvider) Call(ctx context.Context, _ LLMRequest) (*LLMResponse, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.errs) && s.errs[n] != nil {
		return nil, s.errs[n]
	}
	return &LLMResponse{Content: "ok"}, nil
}

func TestRetryingProvider_RetriesTransient(t *testing.T) {
	inner := &scriptedProvider{errs: []error{errors.New("503"), errors.New("429")}}
	p := NewRetryingProvider(inner, 3, time.Millisecond)

	resp, err := p.Call(context.Background(), LLMRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(3), inner.calls.Load())
	assert.Equal(t, "scripted", p.Provider())
}

func TestRetryingProvider_StopsOnPermanent(t *testing.T) {
	inner := &scriptedProvider{errs: []error{errors.New("400 bad request")}}
	p := NewRetryingProvider(inner, 3, time.Millisecond)

	_, err := p.Call(context.Background(), LLMRequest{})
	require.Error(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestRetryingProvider_GivesUp(t *testing.T) {
	inner := &scriptedProvider{errs: []error{errors.New("500"), errors.New("500")}}
	p := NewRetryingProvider(inner, 2, time.Millisecond)

	_, err := p.Call(context.Background(), LLMRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries (2) exceeded")
}

func TestRetryingProvider_HonoursContext(t *testing.T) {
	inner := &scriptedProvider{errs: []error{errors.New("503"), errors.New("503"), errors.New("503")}}
	p := NewRetryingProvider(inner, 3, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Call(ctx, LLMRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
