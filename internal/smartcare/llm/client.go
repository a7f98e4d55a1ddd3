// Package llm defines the chat completion boundary the engine talks to.
package llm

import (
	"context"
	"errors"
)

// 消息角色
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one chat completion call over the full conversation.
type Request struct {
	Model    string
	Messages []Message
}

// Completion 模型回复以及服务端报告的用量，用量未知时为0
type Completion struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// Provider is a blocking, non-streaming completion backend.
type Provider interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// ErrEmptyResponse is returned when the backend answers without any choice.
var ErrEmptyResponse = errors.New("llm: empty response")
