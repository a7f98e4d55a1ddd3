package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/blueplan/smartcare-go/internal/smartcare/catalog"
	"github.com/blueplan/smartcare-go/internal/smartcare/config"
	"github.com/blueplan/smartcare-go/internal/smartcare/engine"
	"github.com/blueplan/smartcare-go/internal/smartcare/llm"
	"github.com/blueplan/smartcare-go/internal/smartcare/llm/mock"
	logx "github.com/blueplan/smartcare-go/internal/smartcare/log"
	"github.com/blueplan/smartcare-go/internal/smartcare/mail"
	"github.com/blueplan/smartcare-go/internal/smartcare/service"
	"github.com/blueplan/smartcare-go/internal/smartcare/session"
	"github.com/blueplan/smartcare-go/internal/smartcare/tokens"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type runeEncoder struct{}

func (runeEncoder) Encode(text string, _ []string, _ []string) []int {
	return make([]int, len([]rune(text)))
}

type okMailer struct{}

func (okMailer) Send(context.Context, string, string, string) mail.Status {
	return mail.Status{OK: true, Message: mail.MsgSent}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newTestRouter(t *testing.T, p *mock.Mock) *Router {
	t.Helper()
	return newRouterWithProvider(t, p, time.Second)
}

func newRouterWithProvider(t *testing.T, p llm.Provider, timeout time.Duration) *Router {
	t.Helper()
	cfg := &config.Config{
		App: config.AppConfig{Name: "smartcare", Version: "test"},
		API: config.APIConfig{CORSOrigins: []string{"https://care.example.com"}},
	}
	cat := catalog.New([]catalog.Product{
		{Name: "智慧拐杖", Category: "行動輔具"},
		{Name: "血壓計", Category: "健康監測"},
	})
	ledger := tokens.NewInmem()
	e := engine.New(engine.Config{Model: "m", MaxMessages: 20, ProviderTimeout: timeout},
		cat, p, tokens.NewMeterWithEncoder(runeEncoder{}, 0.001, 0.002))
	svc := service.New(e, session.NewMemoryStore(time.Hour), okMailer{}, ledger, config.DefaultSubject, logx.Nop())
	return NewRouter(cfg, logx.Nop(), svc, nil)
}

func do(t *testing.T, r *Router, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s: %v", w.Body.String(), err)
		}
	}
	return w, env
}

func createSession(t *testing.T, r *Router) string {
	t.Helper()
	w, env := do(t, r, http.MethodPost, "/api/v1/sessions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var v service.View
	if err := json.Unmarshal(env.Data, &v); err != nil || v.ID == "" {
		t.Fatalf("create view: %s %v", env.Data, err)
	}
	return v.ID
}

func TestHealthAndPing(t *testing.T) {
	r := newTestRouter(t, mock.New())

	w, env := do(t, r, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || env.Code != 200 || !strings.Contains(string(env.Data), `"healthy"`) {
		t.Fatalf("health: %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get(headerRequestID) == "" {
		t.Error("request id header missing")
	}

	w, _ = do(t, r, http.MethodGet, "/ping", nil)
	if w.Body.String() != "pong" {
		t.Fatalf("ping = %q", w.Body.String())
	}
}

func TestConversationFlow(t *testing.T) {
	r := newTestRouter(t, mock.New("您好，請問需要哪一類？", "推薦您健康監測的血壓計"))
	id := createSession(t, r)

	w, env := do(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/messages", SubmitRequest{Message: "你好"})
	if w.Code != http.StatusOK {
		t.Fatalf("submit: %d %s", w.Code, w.Body.String())
	}
	var reply service.Reply
	if err := json.Unmarshal(env.Data, &reply); err != nil {
		t.Fatal(err)
	}
	if len(reply.Turns) != 1 || reply.Turns[0].Assistant != "您好，請問需要哪一類？" || !reply.NewSession {
		t.Fatalf("reply = %+v", reply)
	}

	_, env = do(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/messages", SubmitRequest{Message: "想量血壓"})
	_ = json.Unmarshal(env.Data, &reply)
	if reply.Session.ActiveCategory != "健康監測" || reply.Session.Phase != "category_confirmed" {
		t.Fatalf("session = %+v", reply.Session)
	}

	_, env = do(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/email", EmailRequest{Email: "user@example.com"})
	var er EmailResult
	_ = json.Unmarshal(env.Data, &er)
	if !er.OK || er.Message != mail.MsgSent {
		t.Fatalf("email = %+v", er)
	}

	_, env = do(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/reset", nil)
	var v service.View
	_ = json.Unmarshal(env.Data, &v)
	if len(v.Turns) != 0 || v.Phase != "idle" || v.CumulativeCost <= 0 {
		t.Fatalf("after reset = %+v", v)
	}

	_, env = do(t, r, http.MethodGet, "/api/v1/usage", nil)
	var total tokens.Summary
	_ = json.Unmarshal(env.Data, &total)
	if total.Calls != 2 {
		t.Fatalf("usage = %+v", total)
	}
}

func TestSubmitErrors(t *testing.T) {
	r := newTestRouter(t, mock.New("ok"))
	id := createSession(t, r)

	w, _ := do(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/messages", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing message: %d", w.Code)
	}
	w, _ = do(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/messages", SubmitRequest{Message: "   "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("blank message: %d", w.Code)
	}
	w, env := do(t, r, http.MethodPost, "/api/v1/sessions/unknown/messages", SubmitRequest{Message: "hi"})
	if w.Code != http.StatusNotFound || env.Code != http.StatusNotFound {
		t.Fatalf("unknown session: %d", w.Code)
	}
	w, _ = do(t, r, http.MethodGet, "/api/v1/sessions/unknown", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get unknown: %d", w.Code)
	}
}

func TestProviderFailureReturnsApology(t *testing.T) {
	p := mock.New("ok")
	p.SetErr(errors.New("upstream down"))
	r := newTestRouter(t, p)
	id := createSession(t, r)

	w, env := do(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/messages", SubmitRequest{Message: "你好"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var reply service.Reply
	_ = json.Unmarshal(env.Data, &reply)
	if !reply.Failed || reply.Turns[0].Assistant != engine.ApologyText {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestEmailWithoutRecommendation(t *testing.T) {
	r := newTestRouter(t, mock.New())
	id := createSession(t, r)
	_, env := do(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/email", EmailRequest{Email: "user@example.com"})
	var er EmailResult
	_ = json.Unmarshal(env.Data, &er)
	if er.OK || er.Message != service.MsgNoRecommendation {
		t.Fatalf("email = %+v", er)
	}
}

func TestCategoriesAndDelete(t *testing.T) {
	r := newTestRouter(t, mock.New())
	_, env := do(t, r, http.MethodGet, "/api/v1/categories", nil)
	var cats []service.CategoryInfo
	_ = json.Unmarshal(env.Data, &cats)
	if len(cats) != 2 || cats[0].Name != "行動輔具" {
		t.Fatalf("categories = %+v", cats)
	}

	id := createSession(t, r)
	w, _ := do(t, r, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: %d", w.Code)
	}
	w, _ = do(t, r, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", w.Code)
	}
}

func TestCORS(t *testing.T) {
	r := newTestRouter(t, mock.New())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/categories", nil)
	req.Header.Set("Origin", "https://care.example.com")
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "https://care.example.com" {
		t.Fatalf("preflight: %d %v", w.Code, w.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/categories", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("disallowed origin got %q", got)
	}
}

func TestWebSocketChat(t *testing.T) {
	r := newTestRouter(t, mock.New("您好", "推薦您行動輔具"))
	id := createSession(t, r)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() ServerFrame {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var f ServerFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		return f
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("你好")); err != nil {
		t.Fatal(err)
	}
	if f := read(); f.Type != FrameReply {
		t.Fatalf("frame = %+v", f)
	}

	if err := conn.WriteJSON(ClientFrame{Type: FrameMessage, Message: "走路不穩"}); err != nil {
		t.Fatal(err)
	}
	f := read()
	b, _ := json.Marshal(f.Data)
	var reply service.Reply
	_ = json.Unmarshal(b, &reply)
	if f.Type != FrameReply || reply.Session.ActiveCategory != "行動輔具" || len(reply.Turns) != 2 {
		t.Fatalf("second frame = %s", b)
	}

	if err := conn.WriteJSON(ClientFrame{Type: FrameReset}); err != nil {
		t.Fatal(err)
	}
	if f := read(); f.Type != FrameReset {
		t.Fatalf("reset frame = %+v", f)
	}

	if err := conn.WriteJSON(ClientFrame{Type: "bogus"}); err != nil {
		t.Fatal(err)
	}
	if f := read(); f.Type != FrameError {
		t.Fatalf("bogus frame = %+v", f)
	}
}

// slowFirstProvider stalls its first call, then answers at once.
type slowFirstProvider struct {
	delay time.Duration
	calls atomic.Int32
}

func (p *slowFirstProvider) Complete(ctx context.Context, _ llm.Request) (llm.Completion, error) {
	if p.calls.Add(1) == 1 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return llm.Completion{}, ctx.Err()
		}
	}
	return llm.Completion{Content: "請問您需要哪一類產品？"}, nil
}

func TestWebSocketSurvivesSlowCompletion(t *testing.T) {
	// 模型调用时间超过 pongWait，连接不能因读超时断开
	r := newRouterWithProvider(t, &slowFirstProvider{delay: 500 * time.Millisecond}, 5*time.Second)
	r.pongWait = 150 * time.Millisecond
	id := createSession(t, r)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i, msg := range []string{"你好", "走路不穩"} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var f ServerFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if f.Type != FrameReply {
			t.Fatalf("frame %d = %+v", i, f)
		}
	}
}

func TestWebSocketUnknownSession(t *testing.T) {
	r := newTestRouter(t, mock.New())
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/nope/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("resp = %v", resp)
	}
}
