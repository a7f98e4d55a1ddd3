// Package engine runs one consultation turn: reset detection, grounding injection,
// history bounding, the completion call and usage metering.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blueplan/smartcare-go/internal/smartcare/catalog"
	"github.com/blueplan/smartcare-go/internal/smartcare/config"
	contextx "github.com/blueplan/smartcare-go/internal/smartcare/context"
	"github.com/blueplan/smartcare-go/internal/smartcare/llm"
	logx "github.com/blueplan/smartcare-go/internal/smartcare/log"
	"github.com/blueplan/smartcare-go/internal/smartcare/prompt"
	"github.com/blueplan/smartcare-go/internal/smartcare/session"
	"github.com/blueplan/smartcare-go/internal/smartcare/tokens"
)

// ApologyText replaces the assistant reply when the provider fails.
const ApologyText = "抱歉，系統暫時無法處理您的請求，請稍後再試。"

var (
	// ErrProvider wraps every completion failure.
	ErrProvider   = errors.New("completion provider failed")
	ErrEmptyInput = errors.New("empty input")
	ErrNilState   = errors.New("nil session state")
)

// Config 引擎参数
type Config struct {
	Model string
	// MaxMessages bounds History after every Submit. Must be at least 3.
	MaxMessages     int
	ResetKeywords   []string
	ProviderTimeout time.Duration
}

// ConfigFrom maps application configuration onto engine parameters.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Model:           c.LLM.Model,
		MaxMessages:     c.Session.MaxMessages,
		ResetKeywords:   c.Session.ResetKeywords,
		ProviderTimeout: c.LLM.ProviderTimeout(),
	}
}

// Result is what a front end renders after Submit.
type Result struct {
	Turns      []session.Turn `json:"turns"`
	Usage      tokens.Usage   `json:"usage"`
	Failed     bool           `json:"failed"`
	NewSession bool           `json:"new_session"`
}

// Engine is stateless between calls and may be shared by any number of sessions.
// Calls for the same State must be serialized by the caller.
type Engine struct {
	cfg      Config
	catalog  *catalog.Catalog
	provider llm.Provider
	meter    *tokens.Meter
	builder  prompt.Builder
	matcher  CategoryMatcher
	logger   *logx.Logger
	keywords keywordSet
}

type Option func(*Engine)

func WithBuilder(b prompt.Builder) Option { return func(e *Engine) { e.builder = b } }

func WithMatcher(m CategoryMatcher) Option { return func(e *Engine) { e.matcher = m } }

func WithLogger(l *logx.Logger) Option { return func(e *Engine) { e.logger = l } }

// New 创建引擎
func New(cfg Config, cat *catalog.Catalog, provider llm.Provider, meter *tokens.Meter, opts ...Option) *Engine {
	if cfg.MaxMessages < 3 {
		cfg.MaxMessages = 3
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 60 * time.Second
	}
	if cfg.ResetKeywords == nil {
		cfg.ResetKeywords = config.DefaultResetKeywords
	}
	e := &Engine{
		cfg:      cfg,
		catalog:  cat,
		provider: provider,
		meter:    meter,
		matcher:  SubstringMatcher{},
		logger:   logx.Nop(),
		keywords: newKeywordSet(cfg.ResetKeywords),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog returns the catalog grounding every turn.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// IsNewSession reports whether text opens a new consultation on st.
func (e *Engine) IsNewSession(text string, st *session.State) bool {
	return len(st.History) == 0 || e.keywords.match(strings.TrimSpace(text))
}

// Submit runs one turn and mutates st in place. On provider failure it returns the apology
// turn together with an error wrapping ErrProvider; st then ends with the unanswered user
// message and its category, recommendation and cost are untouched.
func (e *Engine) Submit(ctx context.Context, userText string, st *session.State) (Result, error) {
	if st == nil {
		return Result{}, ErrNilState
	}
	text := strings.TrimSpace(userText)
	if text == "" {
		return Result{}, ErrEmptyInput
	}
	if _, ok := contextx.GetSessionID(ctx); !ok {
		ctx = contextx.WithSessionID(ctx, st.ID)
	}

	res := Result{NewSession: e.IsNewSession(text, st)}
	if res.NewSession {
		clearConversation(st)
		e.logger.Info(ctx, "开始新的推荐会话")
	}

	e.ensureContext(ctx, st)
	e.boundHistory(st)
	st.History = append(st.History, session.Message{Role: session.RoleUser, Content: text})

	req := llm.Request{Model: e.cfg.Model, Messages: toLLMMessages(st.History)}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	comp, err := e.provider.Complete(callCtx, req)
	if err != nil {
		e.logger.Error(ctx, "生成推薦時發生錯誤",
			logx.KV("error", err), logx.KV("duration_ms", time.Since(start).Milliseconds()))
		res.Failed = true
		res.Turns = []session.Turn{{User: userText, Assistant: ApologyText}}
		return res, fmt.Errorf("%w: %w", ErrProvider, err)
	}

	reply := comp.Content
	st.History = append(st.History, session.Message{Role: session.RoleAssistant, Content: reply})
	st.LastRecommendation = reply

	if name, ok := e.matcher.Match(reply, e.catalog); ok && name != st.ActiveCategory {
		e.logger.Info(ctx, "確認需求分類", logx.KV("from", st.ActiveCategory), logx.KV("to", name))
		st.ActiveCategory = name
		// 下一轮按新分类重建系统消息
		st.ContextInjected = false
	}

	res.Usage = e.usage(req, comp)
	st.CumulativeCost += res.Usage.Cost
	st.PromptTokens += res.Usage.PromptTokens
	st.CompletionTokens += res.Usage.CompletionTokens

	res.Turns = session.Turns(st.History)
	e.logger.Info(ctx, "成功生成推薦回應",
		logx.KV("category", st.ActiveCategory),
		logx.KV("prompt_tokens", res.Usage.PromptTokens),
		logx.KV("completion_tokens", res.Usage.CompletionTokens),
		logx.KV("cost", res.Usage.Cost),
		logx.KV("cumulative_cost", st.CumulativeCost),
		logx.KV("history_len", len(st.History)),
		logx.KV("duration_ms", time.Since(start).Milliseconds()))
	return res, nil
}

// Reset clears the conversation and the last recommendation. ID and cumulative usage survive.
// st is modified in place and returned.
func (e *Engine) Reset(st *session.State) *session.State {
	if st == nil {
		return session.NewState()
	}
	clearConversation(st)
	st.LastRecommendation = ""
	return st
}

func clearConversation(st *session.State) {
	st.History = nil
	st.ActiveCategory = ""
	st.ContextInjected = false
}

// ensureContext places the grounding system message at index 0 when it is missing or stale.
func (e *Engine) ensureContext(ctx context.Context, st *session.State) {
	if st.ContextInjected && st.HasSystem() {
		return
	}
	sys := session.Message{Role: session.RoleSystem, Content: e.builder.Build(st.ActiveCategory, e.catalog)}
	if st.HasSystem() {
		st.History[0] = sys
	} else {
		st.History = append([]session.Message{sys}, st.History...)
	}
	st.ContextInjected = true
	e.logger.Debug(ctx, "注入产品上下文",
		logx.KV("category", st.ActiveCategory), logx.KV("bytes", len(sys.Content)))
}

// boundHistory trims before the user message is appended, leaving room for it and the reply.
func (e *Engine) boundHistory(st *session.State) {
	limit := e.cfg.MaxMessages - 2
	st.History = trimHistory(st.History, limit)
}

// trimHistory keeps at most limit messages, preserving a leading system message and never
// starting the conversation part with an assistant reply.
func trimHistory(h []session.Message, limit int) []session.Message {
	var sys *session.Message
	rest := h
	if len(h) > 0 && h[0].Role == session.RoleSystem {
		m := h[0]
		sys = &m
		rest = h[1:]
	}

	keep := limit
	if sys != nil {
		keep--
	}
	if keep < 0 {
		keep = 0
	}
	if len(rest) > keep {
		rest = rest[len(rest)-keep:]
		for len(rest) > 0 && rest[0].Role == session.RoleAssistant {
			rest = rest[1:]
		}
	}

	out := make([]session.Message, 0, len(rest)+1)
	if sys != nil {
		out = append(out, *sys)
	}
	return append(out, rest...)
}

// usage prices the call, counting locally when the provider reports nothing.
func (e *Engine) usage(req llm.Request, comp llm.Completion) tokens.Usage {
	if e.meter == nil {
		return tokens.Usage{PromptTokens: comp.PromptTokens, CompletionTokens: comp.CompletionTokens}
	}
	p, c := comp.PromptTokens, comp.CompletionTokens
	if p == 0 && c == 0 {
		for _, m := range req.Messages {
			p += e.meter.Count(m.Content)
		}
		c = e.meter.Count(comp.Content)
	}
	return e.meter.Usage(p, c)
}

func toLLMMessages(h []session.Message) []llm.Message {
	out := make([]llm.Message, len(h))
	for i, m := range h {
		out[i] = llm.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}
