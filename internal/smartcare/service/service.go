// Package service serializes engine calls per session and persists the result.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	contextx "github.com/blueplan/smartcare-go/internal/smartcare/context"
	"github.com/blueplan/smartcare-go/internal/smartcare/engine"
	logx "github.com/blueplan/smartcare-go/internal/smartcare/log"
	"github.com/blueplan/smartcare-go/internal/smartcare/mail"
	"github.com/blueplan/smartcare-go/internal/smartcare/session"
	"github.com/blueplan/smartcare-go/internal/smartcare/tokens"
)

// MsgNoRecommendation is shown when mail is requested before any reply.
const MsgNoRecommendation = "無法獲取推薦內容，請先進行推薦。"

// View is a session as the front end sees it.
type View struct {
	ID                 string         `json:"id"`
	Turns              []session.Turn `json:"turns"`
	ActiveCategory     string         `json:"active_category,omitempty"`
	Phase              string         `json:"phase"`
	LastRecommendation string         `json:"last_recommendation,omitempty"`
	CumulativeCost     float64        `json:"cumulative_cost"`
	PromptTokens       int            `json:"prompt_tokens"`
	CompletionTokens   int            `json:"completion_tokens"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Reply is the outcome of one submitted message.
type Reply struct {
	engine.Result
	Session View `json:"session"`
}

// CategoryInfo 分类及其产品数
type CategoryInfo struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type Service struct {
	engine  *engine.Engine
	store   session.Store
	mailer  mail.Sender
	ledger  tokens.Accumulator
	subject string
	logger  *logx.Logger
}

// New ledger may be nil.
func New(e *engine.Engine, store session.Store, mailer mail.Sender, ledger tokens.Accumulator, subject string, logger *logx.Logger) *Service {
	return &Service{engine: e, store: store, mailer: mailer, ledger: ledger, subject: subject, logger: logger}
}

func viewOf(st *session.State) View {
	return View{
		ID:                 st.ID,
		Turns:              session.Turns(st.History),
		ActiveCategory:     st.ActiveCategory,
		Phase:              engine.PhaseOf(st).String(),
		LastRecommendation: st.LastRecommendation,
		CumulativeCost:     st.CumulativeCost,
		PromptTokens:       st.PromptTokens,
		CompletionTokens:   st.CompletionTokens,
		UpdatedAt:          st.UpdatedAt,
	}
}

// Create starts an empty session.
func (s *Service) Create(ctx context.Context) (View, error) {
	st := session.NewState()
	if err := s.store.Save(ctx, st); err != nil {
		return View{}, err
	}
	s.logger.Info(contextx.WithSessionID(ctx, st.ID), "创建会话")
	return viewOf(st), nil
}

func (s *Service) Get(ctx context.Context, id string) (View, error) {
	st, err := s.store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	return viewOf(st), nil
}

// Submit runs one turn. A provider failure is not an error here: the reply carries the
// apology turn with Failed set and the state is still saved. Successful calls reach the
// ledger only once the state is saved.
func (s *Service) Submit(ctx context.Context, id, text string) (Reply, error) {
	ctx = contextx.WithSessionID(ctx, id)
	unlock := s.store.Lock(id)
	defer unlock()

	st, err := s.store.Get(ctx, id)
	if err != nil {
		return Reply{}, err
	}

	res, err := s.engine.Submit(ctx, text, st)
	if err != nil && !errors.Is(err, engine.ErrProvider) {
		return Reply{}, err
	}
	if err := s.store.Save(ctx, st); err != nil {
		return Reply{}, err
	}
	// 持久化成功后才计入账本，账本与会话累计值保持一致
	if s.ledger != nil && !res.Failed {
		if err := s.ledger.Add(ctx, st.ID, res.Usage); err != nil {
			s.logger.Warn(ctx, "记录token用量失败", logx.KV("error", err))
		}
	}
	return Reply{Result: res, Session: viewOf(st)}, nil
}

// Reset clears the conversation, keeping cumulative usage.
func (s *Service) Reset(ctx context.Context, id string) (View, error) {
	ctx = contextx.WithSessionID(ctx, id)
	unlock := s.store.Lock(id)
	defer unlock()

	st, err := s.store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	s.engine.Reset(st)
	if err := s.store.Save(ctx, st); err != nil {
		return View{}, err
	}
	s.logger.Info(ctx, "清除聊天")
	return viewOf(st), nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	unlock := s.store.Lock(id)
	defer unlock()
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	if s.ledger != nil {
		if err := s.ledger.Cleanup(ctx, id); err != nil {
			s.logger.Warn(ctx, "清理token用量失败", logx.KV("error", err))
		}
	}
	return s.store.Delete(ctx, id)
}

// Email mails the last recommendation. Validation problems come back as a Status, not an error.
func (s *Service) Email(ctx context.Context, id, to string) (mail.Status, error) {
	ctx = contextx.WithSessionID(ctx, id)
	st, err := s.store.Get(ctx, id)
	if err != nil {
		return mail.Status{}, err
	}
	if strings.TrimSpace(to) == "" {
		return mail.Status{Message: mail.MsgInvalidAddress, Err: mail.ErrAddress}, nil
	}
	if st.LastRecommendation == "" {
		return mail.Status{Message: MsgNoRecommendation}, nil
	}
	return s.mailer.Send(ctx, to, s.subject, st.LastRecommendation), nil
}

func (s *Service) Categories() []CategoryInfo {
	cat := s.engine.Catalog()
	counts := cat.Counts()
	out := make([]CategoryInfo, 0, len(counts))
	for _, name := range cat.Categories() {
		out = append(out, CategoryInfo{Name: name, Count: counts[name]})
	}
	return out
}

// Usage reports the process-wide ledger. Without a ledger it is empty.
func (s *Service) Usage(ctx context.Context) (tokens.Summary, error) {
	if s.ledger == nil {
		return tokens.Summary{}, nil
	}
	return s.ledger.Total(ctx)
}
