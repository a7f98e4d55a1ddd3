// Package session holds per-conversation state and the stores that keep it between requests.
package session

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// State is one user's consultation. History holds at most one system message, at index 0.
// A State is not safe for concurrent use; callers serialize access per ID.
type State struct {
	ID                 string    `json:"id"`
	History            []Message `json:"history"`
	ActiveCategory     string    `json:"active_category,omitempty"`
	ContextInjected    bool      `json:"context_injected"`
	LastRecommendation string    `json:"last_recommendation,omitempty"`

	// 累计值跨越重置保留
	CumulativeCost   float64 `json:"cumulative_cost"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState returns an empty state with a fresh ID.
func NewState() *State {
	now := time.Now()
	return &State{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}
}

// Clone deep-copies the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.History = append([]Message(nil), s.History...)
	return &c
}

// HasSystem reports whether History starts with a system message.
func (s *State) HasSystem() bool {
	return len(s.History) > 0 && s.History[0].Role == RoleSystem
}

// Turn is one user message and the reply it got.
type Turn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Turns pairs each user message with the assistant message directly after it.
// System messages and unanswered user messages are skipped.
func Turns(history []Message) []Turn {
	var out []Turn
	for i := 0; i < len(history); i++ {
		if history[i].Role != RoleUser {
			continue
		}
		if i+1 < len(history) && history[i+1].Role == RoleAssistant {
			out = append(out, Turn{User: history[i].Content, Assistant: history[i+1].Content})
			i++
		}
	}
	return out
}
