package tokens

import (
	"context"
	"errors"
)

// Usage is the token and cost footprint of one or more completion calls.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

// TotalTokens 输入加输出
func (u Usage) TotalTokens() int { return u.PromptTokens + u.CompletionTokens }

// Plus returns the element-wise sum.
func (u Usage) Plus(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		Cost:             u.Cost + o.Cost,
	}
}

// Summary 单个会话的累计用量
type Summary struct {
	SessionID string `json:"session_id"`
	Calls     int64  `json:"calls"`
	Usage
}

// ErrNoLedger is returned by a Redis accumulator built without a client.
var ErrNoLedger = errors.New("tokens: ledger not configured")

// Accumulator is the process-wide usage ledger. Implementations are safe for concurrent use.
type Accumulator interface {
	Add(ctx context.Context, sessionID string, u Usage) error
	Summary(ctx context.Context, sessionID string) (Summary, error)
	Total(ctx context.Context) (Summary, error)
	Cleanup(ctx context.Context, sessionID string) error
}
