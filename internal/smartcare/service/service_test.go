package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blueplan/smartcare-go/internal/smartcare/catalog"
	"github.com/blueplan/smartcare-go/internal/smartcare/engine"
	"github.com/blueplan/smartcare-go/internal/smartcare/llm/mock"
	logx "github.com/blueplan/smartcare-go/internal/smartcare/log"
	"github.com/blueplan/smartcare-go/internal/smartcare/mail"
	"github.com/blueplan/smartcare-go/internal/smartcare/session"
	"github.com/blueplan/smartcare-go/internal/smartcare/tokens"
)

type fakeMailer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeMailer) Send(_ context.Context, to, subject, body string) mail.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, to+"|"+subject+"|"+body)
	return mail.Status{OK: true, Message: mail.MsgSent}
}

type fixture struct {
	svc      *Service
	provider *mock.Mock
	mailer   *fakeMailer
	ledger   *tokens.InmemAccumulator
}

// failingStore refuses every Save after the first n.
type failingStore struct {
	*session.MemoryStore
	mu    sync.Mutex
	saves int
	allow int
}

func (s *failingStore) Save(ctx context.Context, st *session.State) error {
	s.mu.Lock()
	s.saves++
	n := s.saves
	s.mu.Unlock()
	if n > s.allow {
		return errors.New("disk full")
	}
	return s.MemoryStore.Save(ctx, st)
}

func newFixture(replies ...string) fixture {
	return newFixtureWithStore(session.NewMemoryStore(time.Hour), replies...)
}

func newFixtureWithStore(store session.Store, replies ...string) fixture {
	cat := catalog.New([]catalog.Product{
		{Name: "智慧拐杖", Category: "行動輔具"},
		{Name: "血壓計", Category: "健康監測"},
		{Name: "血氧機", Category: "健康監測"},
	})
	p := mock.New(replies...)
	ledger := tokens.NewInmem()
	meter := tokens.NewMeterWithEncoder(nil, 0.001, 0.002)
	e := engine.New(engine.Config{Model: "m", MaxMessages: 20, ProviderTimeout: time.Second}, cat, p, meter)
	m := &fakeMailer{}
	return fixture{
		svc:      New(e, store, m, ledger, "主旨", logx.Nop()),
		provider: p,
		mailer:   m,
		ledger:   ledger,
	}
}

func TestSubmitPersistsState(t *testing.T) {
	f := newFixture("建議您看看健康監測產品")
	ctx := context.Background()

	v, err := f.svc.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v.Phase != engine.PhaseIdle.String() {
		t.Fatalf("phase = %s", v.Phase)
	}

	reply, err := f.svc.Submit(ctx, v.ID, "你好")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if reply.Failed || len(reply.Turns) != 1 || reply.Session.ActiveCategory != "健康監測" {
		t.Fatalf("reply = %+v", reply)
	}

	got, err := f.svc.Get(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ActiveCategory != "健康監測" || got.Phase != engine.PhaseCategoryConfirmed.String() || len(got.Turns) != 1 {
		t.Fatalf("stored view = %+v", got)
	}
}

func TestSubmitUnknownSession(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.Submit(context.Background(), "nope", "你好"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestSubmitProviderFailureIsNotAnError(t *testing.T) {
	f := newFixture("ok")
	ctx := context.Background()
	v, _ := f.svc.Create(ctx)
	f.provider.SetErr(errors.New("down"))

	reply, err := f.svc.Submit(ctx, v.ID, "你好")
	if err != nil {
		t.Fatalf("provider failure should not surface as error: %v", err)
	}
	if !reply.Failed || reply.Turns[0].Assistant != engine.ApologyText {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestSubmitEmptyInput(t *testing.T) {
	f := newFixture()
	v, _ := f.svc.Create(context.Background())
	if _, err := f.svc.Submit(context.Background(), v.ID, " "); !errors.Is(err, engine.ErrEmptyInput) {
		t.Fatalf("err = %v", err)
	}
}

func TestResetKeepsCost(t *testing.T) {
	f := newFixture("好的")
	ctx := context.Background()
	v, _ := f.svc.Create(ctx)
	reply, _ := f.svc.Submit(ctx, v.ID, "你好")

	after, err := f.svc.Reset(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(after.Turns) != 0 || after.CumulativeCost != reply.Session.CumulativeCost || after.Phase != "idle" {
		t.Fatalf("after reset = %+v", after)
	}
}

func TestEmail(t *testing.T) {
	f := newFixture("推薦：血壓計")
	ctx := context.Background()
	v, _ := f.svc.Create(ctx)

	st, err := f.svc.Email(ctx, v.ID, "user@example.com")
	if err != nil || st.Message != MsgNoRecommendation || st.OK {
		t.Fatalf("before recommendation: %+v, %v", st, err)
	}
	st, _ = f.svc.Email(ctx, v.ID, "  ")
	if st.Message != mail.MsgInvalidAddress {
		t.Fatalf("blank address: %+v", st)
	}

	_, _ = f.svc.Submit(ctx, v.ID, "我想量血壓")
	st, err = f.svc.Email(ctx, v.ID, "user@example.com")
	if err != nil || !st.OK {
		t.Fatalf("send: %+v, %v", st, err)
	}
	if len(f.mailer.calls) != 1 || f.mailer.calls[0] != "user@example.com|主旨|推薦：血壓計" {
		t.Fatalf("mailer calls = %v", f.mailer.calls)
	}
}

func TestCategoriesAndUsage(t *testing.T) {
	f := newFixture("ok")
	cats := f.svc.Categories()
	if len(cats) != 2 || cats[0] != (CategoryInfo{"行動輔具", 1}) || cats[1] != (CategoryInfo{"健康監測", 2}) {
		t.Fatalf("categories = %+v", cats)
	}

	ctx := context.Background()
	v, _ := f.svc.Create(ctx)
	_, _ = f.svc.Submit(ctx, v.ID, "a")
	_, _ = f.svc.Submit(ctx, v.ID, "b")
	total, err := f.svc.Usage(ctx)
	if err != nil || total.Calls != 2 {
		t.Fatalf("usage = %+v, %v", total, err)
	}

	if err := f.svc.Delete(ctx, v.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Get(ctx, v.ID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("after delete: %v", err)
	}
	if s, _ := f.ledger.Summary(ctx, v.ID); s.Calls != 0 {
		t.Fatal("delete should clean the session ledger")
	}
}

func TestConcurrentSubmitsOnOneSession(t *testing.T) {
	f := newFixture("好的")
	ctx := context.Background()
	v, _ := f.svc.Create(ctx)
	_, _ = f.svc.Submit(ctx, v.ID, "開始")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Submit(ctx, v.ID, "繼續")
		}()
	}
	wg.Wait()

	got, _ := f.svc.Get(ctx, v.ID)
	if len(got.Turns) != 9 {
		t.Fatalf("turns = %d, want 9 (lost updates)", len(got.Turns))
	}
}

func TestLedgerCountsSavedSuccessfulCalls(t *testing.T) {
	f := newFixture("好的")
	ctx := context.Background()
	v, _ := f.svc.Create(ctx)

	if _, err := f.svc.Submit(ctx, v.ID, "你好"); err != nil {
		t.Fatal(err)
	}
	f.provider.SetErr(errors.New("upstream down"))
	if _, err := f.svc.Submit(ctx, v.ID, "輪椅"); err != nil {
		t.Fatal(err)
	}

	s, _ := f.ledger.Summary(ctx, v.ID)
	if s.Calls != 1 {
		t.Fatalf("ledger calls = %d, want 1", s.Calls)
	}
}

func TestLedgerUntouchedWhenSaveFails(t *testing.T) {
	// Create 成功，之后的保存全部失败
	store := &failingStore{MemoryStore: session.NewMemoryStore(time.Hour), allow: 1}
	f := newFixtureWithStore(store, "好的")
	ctx := context.Background()
	v, err := f.svc.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Submit(ctx, v.ID, "你好"); err == nil {
		t.Fatal("expected save error")
	}
	if total, _ := f.ledger.Total(ctx); total.Calls != 0 {
		t.Fatalf("ledger recorded an unsaved call: %+v", total)
	}
	got, _ := f.svc.Get(ctx, v.ID)
	if got.CumulativeCost != 0 || len(got.Turns) != 0 {
		t.Fatalf("persisted state = %+v", got)
	}
}
