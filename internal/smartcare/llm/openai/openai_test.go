package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blueplan/smartcare-go/internal/smartcare/config"
	"github.com/blueplan/smartcare-go/internal/smartcare/llm"
)

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []llm.Message `json:"messages"`
}

func newServer(t *testing.T, handler func(w http.ResponseWriter, req chatRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization header = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		handler(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(srv *httptest.Server) *Client {
	return New(config.LLMConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1"}, srv.Client())
}

func TestComplete(t *testing.T) {
	var seen chatRequest
	srv := newServer(t, func(w http.ResponseWriter, req chatRequest) {
		seen = req
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "請問您需要行動輔具嗎？"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 15, "total_tokens": 135}
		}`))
	})

	got, err := newClient(srv).Complete(context.Background(), llm.Request{
		Model: config.DefaultModel,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "grounding"},
			{Role: llm.RoleUser, Content: "你好"},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.Content != "請問您需要行動輔具嗎？" || got.PromptTokens != 120 || got.CompletionTokens != 15 {
		t.Fatalf("completion = %+v", got)
	}
	if seen.Model != config.DefaultModel || len(seen.Messages) != 2 || seen.Messages[0].Role != "system" {
		t.Fatalf("request = %+v", seen)
	}
}

func TestCompleteNoChoices(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ chatRequest) {
		_, _ = w.Write([]byte(`{"id": "x", "choices": []}`))
	})
	_, err := newClient(srv).Complete(context.Background(), llm.Request{Model: "m"})
	if !errors.Is(err, llm.ErrEmptyResponse) {
		t.Fatalf("err = %v", err)
	}
}

func TestCompleteAPIError(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ chatRequest) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limited", "type": "rate_limit"}}`))
	})
	if _, err := newClient(srv).Complete(context.Background(), llm.Request{Model: "m"}); err == nil {
		t.Fatal("expected error")
	}
}
