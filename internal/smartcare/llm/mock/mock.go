package mock

import (
	"context"
	"sync"

	"github.com/blueplan/smartcare-go/internal/smartcare/llm"
)

// Mock replays scripted replies in order and records every request.
// When the script runs out the last reply is repeated.
type Mock struct {
	mu       sync.Mutex
	replies  []llm.Completion
	next     int
	requests []llm.Request

	// Err, when set, is returned instead of a reply.
	Err error
}

func New(replies ...string) *Mock {
	m := &Mock{}
	for _, r := range replies {
		m.replies = append(m.replies, llm.Completion{Content: r})
	}
	return m
}

// NewWithUsage scripts replies that report usage.
func NewWithUsage(replies ...llm.Completion) *Mock {
	return &Mock{replies: append([]llm.Completion(nil), replies...)}
}

func (m *Mock) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := make([]llm.Message, len(req.Messages))
	copy(msgs, req.Messages)
	m.requests = append(m.requests, llm.Request{Model: req.Model, Messages: msgs})

	if err := ctx.Err(); err != nil {
		return llm.Completion{}, err
	}
	if m.Err != nil {
		return llm.Completion{}, m.Err
	}
	if len(m.replies) == 0 {
		return llm.Completion{Content: "好的，請問您需要哪一類的智慧照顧產品？"}, nil
	}
	c := m.replies[m.next]
	if m.next < len(m.replies)-1 {
		m.next++
	}
	return c, nil
}

// SetErr 切换失败模式
func (m *Mock) SetErr(err error) {
	m.mu.Lock()
	m.Err = err
	m.mu.Unlock()
}

// Requests returns a copy of every request seen so far.
func (m *Mock) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}

// Last returns the most recent request.
func (m *Mock) Last() (llm.Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return llm.Request{}, false
	}
	return m.requests[len(m.requests)-1], true
}
