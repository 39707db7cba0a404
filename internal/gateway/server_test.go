package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/wabridge/internal/chatstore"
	"github.com/danmuck/wabridge/internal/session"
	"github.com/danmuck/wabridge/internal/testutil/testlog"
)

type sendCall struct {
	to   string
	text string
}

type fakeSession struct {
	mu         sync.Mutex
	has        bool
	ready      bool
	sendErr    error
	calls      []sendCall
	reconnects int
}

func (f *fakeSession) Send(ctx context.Context, to string, text string) (session.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.has {
		return session.Receipt{}, session.ErrNoSession
	}
	if !f.ready {
		return session.Receipt{}, session.ErrNotReady
	}
	f.calls = append(f.calls, sendCall{to: to, text: text})
	if f.sendErr != nil {
		return session.Receipt{}, f.sendErr
	}
	return session.Receipt{ID: "3EB0ABC", To: to, Timestamp: time.Unix(1_700_000_000, 0)}, nil
}

func (f *fakeSession) HasSession() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.has
}

func (f *fakeSession) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeSession) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := session.StateDisconnected
	if f.ready {
		state = session.StateReady
	}
	return session.Status{State: state, Ready: f.ready, HasSession: f.has}
}

func (f *fakeSession) Reconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
}

func (f *fakeSession) setReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = ready
}

func (f *fakeSession) sendCalls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.calls...)
}

func newTestServer(opts Options, sess Session, history History) *Server {
	gin.SetMode(gin.TestMode)
	if opts.CORSOrigins == nil {
		opts.CORSOrigins = []string{"*"}
	}
	return New(opts, sess, history)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	out := map[string]any{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, out
}

func TestSendMessageSuccessNormalizesNumber(t *testing.T) {
	testlog.Start(t)
	sess := &fakeSession{has: true, ready: true}
	srv := newTestServer(Options{}, sess, nil)

	rec, body := doJSON(t, srv.Handler(), http.MethodPost, "/send-message", `{"number":"15551234567","message":"hi"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body["success"] != true || body["message"] != "Message sent successfully" {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["id"] != "3EB0ABC" {
		t.Fatalf("expected message id in body: %v", body)
	}
	if body["to"] != "15551234567@s.whatsapp.net" {
		t.Fatalf("expected normalized recipient in body: %v", body)
	}
	calls := sess.sendCalls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one send, got %d", len(calls))
	}
	if calls[0].to != "15551234567@s.whatsapp.net" || calls[0].text != "hi" {
		t.Fatalf("unexpected send: %+v", calls[0])
	}
}

func TestSendMessageKeepsExistingSuffix(t *testing.T) {
	testlog.Start(t)
	sess := &fakeSession{has: true, ready: true}
	srv := newTestServer(Options{}, sess, nil)

	rec, _ := doJSON(t, srv.Handler(), http.MethodPost, "/send-message", `{"number":"15551234567@s.whatsapp.net","message":"hi"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := sess.sendCalls()[0].to; got != "15551234567@s.whatsapp.net" {
		t.Fatalf("suffix duplicated: %q", got)
	}
}

func TestSendMessageAcceptsForm(t *testing.T) {
	testlog.Start(t)
	sess := &fakeSession{has: true, ready: true}
	srv := newTestServer(Options{}, sess, nil)

	form := url.Values{"number": {"+44 7700 900123"}, "message": {"from a form"}}
	req := httptest.NewRequest(http.MethodPost, "/send-message", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := sess.sendCalls()[0].to; got != "447700900123@s.whatsapp.net" {
		t.Fatalf("unexpected recipient: %q", got)
	}
}

func TestSendMessageMissingFields(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name string
		body string
	}{
		{name: "missing number", body: `{"message":"hi"}`},
		{name: "missing message", body: `{"number":"15551234567"}`},
		{name: "empty message", body: `{"number":"15551234567","message":""}`},
		{name: "empty body", body: `{}`},
		{name: "malformed json", body: `{"number":`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sess := &fakeSession{has: true, ready: true}
			srv := newTestServer(Options{}, sess, nil)
			rec, body := doJSON(t, srv.Handler(), http.MethodPost, "/send-message", tc.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if body["success"] != false || body["message"] != "field is required!" {
				t.Fatalf("unexpected body: %v", body)
			}
			if n := len(sess.sendCalls()); n != 0 {
				t.Fatalf("expected no send, got %d", n)
			}
		})
	}
}

func TestSendMessageWithoutSession(t *testing.T) {
	testlog.Start(t)
	sess := &fakeSession{}
	srv := newTestServer(Options{}, sess, nil)

	rec, body := doJSON(t, srv.Handler(), http.MethodPost, "/send-message", `{"number":"1","message":"hi"}`, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if body["message"] != "WhatsApp connection not initialized" {
		t.Fatalf("unexpected body: %v", body)
	}
	if n := len(sess.sendCalls()); n != 0 {
		t.Fatalf("expected no send, got %d", n)
	}
}

func TestSendMessageNotReady(t *testing.T) {
	testlog.Start(t)
	sess := &fakeSession{has: true}
	srv := newTestServer(Options{}, sess, nil)

	rec, body := doJSON(t, srv.Handler(), http.MethodPost, "/send-message", `{"number":"1","message":"hi"}`, nil)
	if rec.Code != http.StatusInternalServerError || body["message"] != "WhatsApp connection not ready" {
		t.Fatalf("unexpected response %d: %v", rec.Code, body)
	}
}

func TestSendMessageFailureEchoesError(t *testing.T) {
	testlog.Start(t)
	cause := errors.New("session: send failed: recipient unknown")

	sess := &fakeSession{has: true, ready: true, sendErr: cause}
	srv := newTestServer(Options{ExposeSendErrors: true}, sess, nil)
	rec, body := doJSON(t, srv.Handler(), http.MethodPost, "/send-message", `{"number":"1","message":"hi"}`, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if body["message"] != "Failed to send message" || body["error"] != cause.Error() {
		t.Fatalf("unexpected body: %v", body)
	}

	hidden := newTestServer(Options{ExposeSendErrors: false}, &fakeSession{has: true, ready: true, sendErr: cause}, nil)
	_, body = doJSON(t, hidden.Handler(), http.MethodPost, "/send-message", `{"number":"1","message":"hi"}`, nil)
	if _, ok := body["error"]; ok {
		t.Fatalf("error detail should be hidden: %v", body)
	}
}

func TestReadyFollowsSession(t *testing.T) {
	testlog.Start(t)
	sess := &fakeSession{has: true, ready: true}
	srv := newTestServer(Options{}, sess, nil)

	rec, body := doJSON(t, srv.Handler(), http.MethodGet, "/ready", "", nil)
	if rec.Code != http.StatusOK || body["ready"] != true {
		t.Fatalf("expected ready, got %d %v", rec.Code, body)
	}

	sess.setReady(false)
	rec, body = doJSON(t, srv.Handler(), http.MethodGet, "/ready", "", nil)
	if rec.Code != http.StatusServiceUnavailable || body["ready"] != false {
		t.Fatalf("expected not ready, got %d %v", rec.Code, body)
	}

	sess.setReady(true)
	rec, _ = doJSON(t, srv.Handler(), http.MethodGet, "/ready", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready again, got %d", rec.Code)
	}
}

func TestStatusAndHealth(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(Options{}, &fakeSession{has: true, ready: true}, nil)

	rec, body := doJSON(t, srv.Handler(), http.MethodGet, "/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code=%d", rec.Code)
	}
	st, ok := body["session"].(map[string]any)
	if !ok || st["state"] != "ready" || st["ready"] != true {
		t.Fatalf("unexpected status body: %v", body)
	}

	rec, body = doJSON(t, srv.Handler(), http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health: %d %v", rec.Code, body)
	}
}

func TestCORSPreflight(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(Options{}, &fakeSession{}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/send-message", nil)
	req.Header.Set("Origin", "https://example.org")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected any origin, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Fatalf("expected POST allowed, got %q", got)
	}
}

func TestOptionsWithoutOriginSucceeds(t *testing.T) {
	testlog.Start(t)
	for _, origins := range [][]string{{"*"}, {"https://ops.example.org"}} {
		srv := newTestServer(Options{CORSOrigins: origins}, &fakeSession{}, nil)
		for _, path := range []string{"/send-message", "/status"} {
			req := httptest.NewRequest(http.MethodOptions, path, nil)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("origins=%v path=%s: expected 200, got %d", origins, path, rec.Code)
			}
		}
	}
}

func TestTrustedProxies(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	log.Logger = zerolog.New(&buf)
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	defer func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	}()

	srv := newTestServer(Options{TrustedProxies: []string{"not-an-ip"}}, &fakeSession{}, nil)
	if !strings.Contains(buf.String(), "trusted proxies rejected") {
		t.Fatalf("expected warning for invalid proxy, got %q", buf.String())
	}

	var seen string
	srv.router.GET("/whoami", func(c *gin.Context) { seen = c.ClientIP() })
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.RemoteAddr = "127.0.0.1:4000"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	srv.Handler().ServeHTTP(httptest.NewRecorder(), req)
	if seen != "127.0.0.1" {
		t.Fatalf("forwarded header should be ignored after rejection, got %q", seen)
	}

	trusting := newTestServer(Options{}, &fakeSession{}, nil)
	trusting.router.GET("/whoami", func(c *gin.Context) { seen = c.ClientIP() })
	trusting.Handler().ServeHTTP(httptest.NewRecorder(), req)
	if seen != "203.0.113.9" {
		t.Fatalf("loopback proxy should be trusted by default, got %q", seen)
	}
}

func TestAPITokenGuardsSend(t *testing.T) {
	testlog.Start(t)
	sess := &fakeSession{has: true, ready: true}
	srv := newTestServer(Options{APIToken: "k"}, sess, nil)

	rec, _ := doJSON(t, srv.Handler(), http.MethodPost, "/send-message", `{"number":"1","message":"hi"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec, _ = doJSON(t, srv.Handler(), http.MethodPost, "/send-message", `{"number":"1","message":"hi"}`,
		map[string]string{"Authorization": "Bearer k"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	if n := len(sess.sendCalls()); n != 1 {
		t.Fatalf("expected one send, got %d", n)
	}
}

func TestRateLimit(t *testing.T) {
	testlog.Start(t)
	sess := &fakeSession{has: true, ready: true}
	srv := newTestServer(Options{RateLimit: 0.001, RateBurst: 1}, sess, nil)

	rec, _ := doJSON(t, srv.Handler(), http.MethodPost, "/send-message", `{"number":"1","message":"a"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first send should pass, got %d", rec.Code)
	}
	rec, _ = doJSON(t, srv.Handler(), http.MethodPost, "/send-message", `{"number":"1","message":"b"}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if n := len(sess.sendCalls()); n != 1 {
		t.Fatalf("expected one send, got %d", n)
	}
}

func TestOperatorRoutes(t *testing.T) {
	testlog.Start(t)
	store := chatstore.New(10)
	chat := "15551234567@s.whatsapp.net"
	for i, id := range []string{"a", "b", "c"} {
		if err := store.AddMessage(chatstore.Message{ID: id, Chat: chat, Timestamp: time.Unix(int64(100+i), 0)}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	sess := &fakeSession{has: true, ready: true}

	closed := newTestServer(Options{}, sess, store)
	rec, _ := doJSON(t, closed.Handler(), http.MethodPost, "/session/reconnect", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("operator routes should be absent without admin token, got %d", rec.Code)
	}

	srv := newTestServer(Options{AdminToken: "admin"}, sess, store)
	auth := map[string]string{"X-API-Key": "admin"}

	rec, _ = doJSON(t, srv.Handler(), http.MethodPost, "/session/reconnect", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec, _ = doJSON(t, srv.Handler(), http.MethodPost, "/session/reconnect", "", auth)
	sess.mu.Lock()
	reconnects := sess.reconnects
	sess.mu.Unlock()
	if rec.Code != http.StatusAccepted || reconnects != 1 {
		t.Fatalf("expected reconnect accepted, got %d reconnects=%d", rec.Code, reconnects)
	}

	rec, body := doJSON(t, srv.Handler(), http.MethodGet, "/chats", "", auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("chats code=%d", rec.Code)
	}
	if chats, _ := body["chats"].([]any); len(chats) != 1 {
		t.Fatalf("unexpected chats: %v", body)
	}

	rec, body = doJSON(t, srv.Handler(), http.MethodGet, "/chats/15551234567/messages?limit=2", "", auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("messages code=%d", rec.Code)
	}
	msgs, _ := body["messages"].([]any)
	if body["chat"] != chat || len(msgs) != 2 {
		t.Fatalf("unexpected messages: %v", body)
	}

	rec, _ = doJSON(t, srv.Handler(), http.MethodGet, "/chats/15551234567/messages?limit=x", "", auth)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}
