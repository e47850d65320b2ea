package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"callsig/internal/auth"
	"callsig/internal/config"
	"callsig/internal/profile"
	"callsig/internal/ratelimit"
	"callsig/internal/signal"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type failingBus struct{ signal.Bus }

func (failingBus) Publish(context.Context, signal.Signal) error {
	return errors.New("redis down")
}

type testAPI struct {
	engine  *gin.Engine
	auth    *auth.Manager
	repo    *signal.MemoryRepo
	metrics *Metrics
}

type apiOptions struct {
	bus       signal.Bus
	limiter   ratelimit.Limiter
	slots     ratelimit.Slots
	noLogin   bool
	profiles  map[string]string
}

func newTestAPI(t *testing.T, opts apiOptions) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	am, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}
	log := slog.New(slog.DiscardHandler)
	bus := opts.bus
	if bus == nil {
		bus = signal.NewMemoryBus(log)
	}
	repo := signal.NewMemoryRepo()
	metrics := NewMetrics()
	svc := signal.NewService(repo, bus, signal.Options{Limiter: opts.limiter, Recorder: metrics, Logger: log})

	h := Handlers{
		Auth:       am,
		Signals:    svc,
		Profiles:   profile.NewMemoryDirectory(opts.profiles),
		Streams:    opts.slots,
		Metrics:    metrics,
		Call:       config.CallConfig{STUNURLs: []string{"stun:stun.example.org:3478"}, RingTimeout: 45 * time.Second},
		AllowLogin: !opts.noLogin,
	}
	r := gin.New()
	Register(r, h, auth.RequireAccessToken(am))
	return &testAPI{engine: r, auth: am, repo: repo, metrics: metrics}
}

func (a *testAPI) token(t *testing.T, userID string) string {
	t.Helper()
	pair, err := a.auth.IssuePair(time.Now(), userID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return pair.AccessToken
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	return w
}

const (
	s1 = "b2c4e6f8-1a3b-4c5d-8e9f-0a1b2c3d4e01"
	s2 = "b2c4e6f8-1a3b-4c5d-8e9f-0a1b2c3d4e02"
)

func offerBody(callee, session string) gin.H {
	return gin.H{
		"callee_id":   callee,
		"session_id":  session,
		"signal_type": "offer",
		"signal_data": `{"type":"offer","sdp":"v=0"}`,
	}
}

func TestLoginAndRefresh(t *testing.T) {
	api := newTestAPI(t, apiOptions{})

	w := api.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"user_id": "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(w.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = api.do(t, http.MethodGet, "/v1/me", pair.AccessToken, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"alice"`) {
		t.Fatalf("me: %d %s", w.Code, w.Body.String())
	}

	w = api.do(t, http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": pair.RefreshToken})
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", w.Code, w.Body.String())
	}
	w = api.do(t, http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": pair.AccessToken})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("access token must not refresh, got %d", w.Code)
	}
	w = api.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"user_id": "  "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("blank user: %d", w.Code)
	}
}

func TestLogin_DisabledIsNotRouted(t *testing.T) {
	api := newTestAPI(t, apiOptions{noLogin: true})
	w := api.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"user_id": "alice"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSendSignal(t *testing.T) {
	api := newTestAPI(t, apiOptions{})
	tok := api.token(t, "alice")

	tests := []struct {
		name   string
		token  string
		body   any
		status int
	}{
		{"no token", "", offerBody("bob", s1), http.StatusUnauthorized},
		{"offer", tok, offerBody("bob", s1), http.StatusCreated},
		{"to self", tok, offerBody("alice", s2), http.StatusBadRequest},
		{"unknown type", tok, gin.H{"callee_id": "bob", "session_id": s1, "signal_type": "hello"}, http.StatusBadRequest},
		{"answer without data", tok, gin.H{"callee_id": "bob", "session_id": s1, "signal_type": "answer"}, http.StatusBadRequest},
		{"session not a uuid", tok, offerBody("bob", "session-1"), http.StatusBadRequest},
		{"call end", tok, gin.H{"callee_id": "bob", "session_id": s1, "signal_type": "call-end"}, http.StatusCreated},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := api.do(t, http.MethodPost, "/v1/signals", tc.token, tc.body)
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d %s", tc.status, w.Code, w.Body.String())
			}
		})
	}

	rows := api.repo.Signals()
	if len(rows) != 2 {
		t.Fatalf("expected 2 stored rows, got %d", len(rows))
	}
	if rows[0].CallerID != "alice" || rows[0].ID == "" {
		t.Fatalf("caller must come from the token: %+v", rows[0])
	}
}

func TestSendSignal_RateLimited(t *testing.T) {
	api := newTestAPI(t, apiOptions{limiter: ratelimit.NewMemoryLimiter(1, time.Minute)})
	tok := api.token(t, "alice")

	if w := api.do(t, http.MethodPost, "/v1/signals", tok, offerBody("bob", s1)); w.Code != http.StatusCreated {
		t.Fatalf("first: %d", w.Code)
	}
	if w := api.do(t, http.MethodPost, "/v1/signals", tok, offerBody("bob", s2)); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second: %d", w.Code)
	}
}

func TestSendSignal_BroadcastFailureReturnsStoredRow(t *testing.T) {
	api := newTestAPI(t, apiOptions{bus: failingBus{}})
	tok := api.token(t, "alice")

	w := api.do(t, http.MethodPost, "/v1/signals", tok, offerBody("bob", s1))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	var body struct {
		Signal signal.Signal `json:"signal"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Signal.ID == "" || body.Signal.SessionID != s1 {
		t.Fatalf("expected stored row in response, got %+v", body.Signal)
	}

	// Still discoverable by polling.
	w = api.do(t, http.MethodGet, "/v1/signals/offers/latest?caller_id=alice", api.token(t, "bob"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("latest offer: %d", w.Code)
	}
}

func TestLatestOffer(t *testing.T) {
	api := newTestAPI(t, apiOptions{})
	alice := api.token(t, "alice")
	bob := api.token(t, "bob")

	if w := api.do(t, http.MethodGet, "/v1/signals/offers/latest?caller_id=alice", bob, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any offer, got %d", w.Code)
	}
	if w := api.do(t, http.MethodGet, "/v1/signals/offers/latest", bob, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without caller_id, got %d", w.Code)
	}

	api.do(t, http.MethodPost, "/v1/signals", alice, offerBody("bob", s1))
	w := api.do(t, http.MethodGet, "/v1/signals/offers/latest?caller_id=alice", bob, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("latest: %d", w.Code)
	}
	var got signal.Signal
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got.SessionID != s1 || got.Type != signal.TypeOffer {
		t.Fatalf("unexpected offer %+v", got)
	}

	// The offer is addressed to bob, not to alice.
	if w := api.do(t, http.MethodGet, "/v1/signals/offers/latest?caller_id=bob", alice, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for the reverse direction, got %d", w.Code)
	}

	api.do(t, http.MethodPost, "/v1/signals", bob, gin.H{"callee_id": "alice", "session_id": s1, "signal_type": "call-reject"})
	if w := api.do(t, http.MethodGet, "/v1/signals/offers/latest?caller_id=alice", bob, nil); w.Code != http.StatusNotFound {
		t.Fatalf("rejected offer must not be returned, got %d", w.Code)
	}
}

func TestProfile(t *testing.T) {
	api := newTestAPI(t, apiOptions{profiles: map[string]string{"alice": "Alice Liddell"}})
	tok := api.token(t, "bob")

	w := api.do(t, http.MethodGet, "/v1/profiles/alice", tok, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"display_name":"Alice Liddell"`) {
		t.Fatalf("profile: %d %s", w.Code, w.Body.String())
	}
	if w := api.do(t, http.MethodGet, "/v1/profiles/nobody", tok, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCallSettings(t *testing.T) {
	api := newTestAPI(t, apiOptions{})
	w := api.do(t, http.MethodGet, "/v1/call/config", api.token(t, "alice"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("call config: %d", w.Code)
	}
	var body struct {
		STUNURLs      []string `json:"stun_urls"`
		RingTimeoutMS int64    `json:"ring_timeout_ms"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.STUNURLs) != 1 || body.RingTimeoutMS != 45000 {
		t.Fatalf("unexpected settings %+v", body)
	}
}

func TestMetrics_CountSignals(t *testing.T) {
	api := newTestAPI(t, apiOptions{})
	api.do(t, http.MethodPost, "/v1/signals", api.token(t, "alice"), offerBody("bob", s1))

	w := httptest.NewRecorder()
	api.metrics.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), `callsig_signals_sent_total{signal_type="offer"} 1`) {
		t.Fatalf("missing signal counter in:\n%s", w.Body.String())
	}
}

func dialStream(t *testing.T, srv *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/signals/stream?access_token=" + token
	return websocket.DefaultDialer.Dial(u, nil)
}

func TestStream_DeliversSignals(t *testing.T) {
	api := newTestAPI(t, apiOptions{})
	srv := httptest.NewServer(api.engine)
	defer srv.Close()

	conn, _, err := dialStream(t, srv, api.token(t, "bob"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if w := api.do(t, http.MethodPost, "/v1/signals", api.token(t, "alice"), offerBody("bob", s1)); w.Code != http.StatusCreated {
		t.Fatalf("send: %d", w.Code)
	}
	// Not for bob.
	api.do(t, http.MethodPost, "/v1/signals", api.token(t, "bob"), offerBody("carol", s2))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got signal.Signal
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.CallerID != "alice" || got.SessionID != s1 || got.Type != signal.TypeOffer {
		t.Fatalf("unexpected signal %+v", got)
	}
}

func TestStream_RequiresToken(t *testing.T) {
	api := newTestAPI(t, apiOptions{})
	srv := httptest.NewServer(api.engine)
	defer srv.Close()

	_, resp, err := dialStream(t, srv, "garbage")
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestStream_SlotCap(t *testing.T) {
	api := newTestAPI(t, apiOptions{slots: ratelimit.NewMemorySlots(1)})
	srv := httptest.NewServer(api.engine)
	defer srv.Close()
	tok := api.token(t, "bob")

	first, _, err := dialStream(t, srv, tok)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_, resp, err := dialStream(t, srv, tok)
	if err == nil || resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for a second stream, got %v", resp)
	}

	// Closing the first stream frees the slot.
	_ = first.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, _, err := dialStream(t, srv, tok)
		if err == nil {
			_ = conn.Close()
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot never released: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
