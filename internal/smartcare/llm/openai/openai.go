// Package openai adapts the OpenAI chat completion API to llm.Provider.
package openai

import (
	"context"
	"fmt"
	"net/http"

	goOpenAI "github.com/sashabaranov/go-openai"

	"github.com/blueplan/smartcare-go/internal/smartcare/config"
	"github.com/blueplan/smartcare-go/internal/smartcare/llm"
)

type Client struct {
	client      *goOpenAI.Client
	temperature float32
	maxTokens   int
}

// New builds a client from LLM settings. httpClient may be nil.
func New(cfg config.LLMConfig, httpClient *http.Client) *Client {
	oc := goOpenAI.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if httpClient != nil {
		oc.HTTPClient = httpClient
	}
	return &Client{
		client:      goOpenAI.NewClientWithConfig(oc),
		temperature: float32(cfg.Temperature),
		maxTokens:   cfg.MaxTokens,
	}
}

func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	msgs := make([]goOpenAI.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, goOpenAI.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := c.client.CreateChatCompletion(ctx, goOpenAI.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return llm.Completion{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return llm.Completion{}, llm.ErrEmptyResponse
	}
	return llm.Completion{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}
