package apiclient_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"callsig/internal/apiclient"
	"callsig/internal/auth"
	"callsig/internal/call"
	"callsig/internal/config"
	"callsig/internal/httpapi"
	"callsig/internal/peer"
	"callsig/internal/profile"
	"callsig/internal/signal"

	"github.com/gin-gonic/gin"
)

type failingBus struct{ *signal.MemoryBus }

func (failingBus) Publish(context.Context, signal.Signal) error {
	return errors.New("redis down")
}

const s1 = "c7d8e9f0-1a2b-4c3d-9e4f-5a6b7c8d9e01"

func quiet() *slog.Logger { return slog.New(slog.DiscardHandler) }

func newServer(t *testing.T, bus signal.Bus) *httptest.Server {
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
	if bus == nil {
		bus = signal.NewMemoryBus(quiet())
	}
	h := httpapi.Handlers{
		Auth:       am,
		Signals:    signal.NewService(signal.NewMemoryRepo(), bus, signal.Options{Logger: quiet()}),
		Profiles:   profile.NewMemoryDirectory(map[string]string{"alice": "Alice", "bob": "Bob"}),
		Call:       config.CallConfig{STUNURLs: []string{}, RingTimeout: 30 * time.Second},
		AllowLogin: true,
	}
	r := gin.New()
	httpapi.Register(r, h, auth.RequireAccessToken(am))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func login(t *testing.T, srv *httptest.Server, userID string) *apiclient.Client {
	t.Helper()
	c := apiclient.New(srv.URL, apiclient.WithLogger(quiet()))
	if err := c.Login(context.Background(), userID); err != nil {
		t.Fatalf("login %s: %v", userID, err)
	}
	return c
}

func TestClient_RequiresLogin(t *testing.T) {
	srv := newServer(t, nil)
	c := apiclient.New(srv.URL)
	err := c.Publish(context.Background(), signal.Signal{CalleeID: "bob", SessionID: s1, Type: signal.TypeCallEnd})
	if !errors.Is(err, apiclient.ErrNotLoggedIn) {
		t.Fatalf("expected ErrNotLoggedIn, got %v", err)
	}
	if _, _, err := c.Subscribe(context.Background(), "bob"); !errors.Is(err, apiclient.ErrNotLoggedIn) {
		t.Fatalf("expected ErrNotLoggedIn, got %v", err)
	}
}

func TestClient_PublishAndSubscribe(t *testing.T) {
	srv := newServer(t, nil)
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	ctx := context.Background()

	signals, cancel, err := bob.Subscribe(ctx, "bob")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	offer := signal.Signal{CalleeID: "bob", SessionID: s1, Type: signal.TypeOffer, Data: `{"type":"offer","sdp":"v=0"}`}
	if err := alice.Publish(ctx, offer); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-signals:
		if got.CallerID != "alice" || got.SessionID != s1 || got.Data != offer.Data {
			t.Fatalf("unexpected signal %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("signal not delivered")
	}

	latest, err := bob.LatestOffer(ctx, "alice", "bob")
	if err != nil || latest.SessionID != s1 {
		t.Fatalf("latest offer: %+v %v", latest, err)
	}
	if _, err := alice.LatestOffer(ctx, "bob", "alice"); !errors.Is(err, signal.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	cancel()
	select {
	case _, ok := <-signals:
		if ok {
			t.Fatalf("unexpected signal after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}

func TestClient_ErrorMapping(t *testing.T) {
	srv := newServer(t, failingBus{signal.NewMemoryBus(quiet())})
	alice := login(t, srv, "alice")
	ctx := context.Background()

	err := alice.Publish(ctx, signal.Signal{CalleeID: "bob", SessionID: s1, Type: signal.TypeCallEnd})
	if !errors.Is(err, signal.ErrPublishFailed) {
		t.Fatalf("expected ErrPublishFailed, got %v", err)
	}
	err = alice.Publish(ctx, signal.Signal{CalleeID: "alice", SessionID: s1, Type: signal.TypeCallEnd})
	if !errors.Is(err, signal.ErrInvalidSignal) {
		t.Fatalf("expected ErrInvalidSignal, got %v", err)
	}
}

func TestClient_ProfilesAndSettings(t *testing.T) {
	srv := newServer(t, nil)
	alice := login(t, srv, "alice")
	ctx := context.Background()

	if name, err := alice.DisplayName(ctx, "bob"); err != nil || name != "Bob" {
		t.Fatalf("display name: %q %v", name, err)
	}
	if _, err := alice.DisplayName(ctx, "mallory"); !errors.Is(err, profile.ErrNotFound) {
		t.Fatalf("expected profile.ErrNotFound, got %v", err)
	}

	s, err := alice.CallSettings(ctx)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if len(s.STUNURLs) != 0 || s.RingTimeout != 30*time.Second {
		t.Fatalf("unexpected settings %+v", s)
	}
}

func TestClient_RefreshKeepsSession(t *testing.T) {
	srv := newServer(t, nil)
	alice := login(t, srv, "alice")
	if err := alice.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := alice.CallSettings(context.Background()); err != nil {
		t.Fatalf("refreshed token rejected: %v", err)
	}
}

type participant struct {
	m      *call.Machine
	states chan call.State
}

// readyChannel reports when the machine's subscription is live.
type readyChannel struct {
	*apiclient.Client
	ready chan struct{}
}

func (c readyChannel) Subscribe(ctx context.Context, calleeID string) (<-chan signal.Signal, func(), error) {
	ch, cancel, err := c.Client.Subscribe(ctx, calleeID)
	if err == nil {
		close(c.ready)
	}
	return ch, cancel, err
}

func join(t *testing.T, srv *httptest.Server, userID string) *participant {
	t.Helper()
	client := login(t, srv, userID)
	factory, err := peer.NewFactory(peer.Config{ICEServers: []string{}}, quiet())
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	ch := readyChannel{Client: client, ready: make(chan struct{})}
	m := call.New(call.Config{SelfID: userID, RingTimeout: 30 * time.Second}, call.Deps{
		Channel:   ch,
		Media:     peer.Devices{Logger: quiet()},
		Connector: factory,
		Directory: client,
		Logger:    quiet(),
	})
	p := &participant{m: m, states: make(chan call.State, 32)}
	m.OnChange(func(s call.Snapshot) {
		select {
		case p.states <- s.State:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		m.Close()
		cancel()
		<-done
	})
	select {
	case <-ch.ready:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s never subscribed", userID)
	}
	return p
}

func (p *participant) await(t *testing.T, want call.State) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-p.states:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("state %s never reached (now %s)", want, p.m.State())
		}
	}
}

func TestEndToEnd_CallOverAPI(t *testing.T) {
	srv := newServer(t, nil)
	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")
	ctx := context.Background()

	if err := alice.m.StartCall(ctx, "bob"); err != nil {
		t.Fatalf("start call: %v", err)
	}
	alice.await(t, call.StateCalling)
	bob.await(t, call.StateRinging)

	snap := bob.m.Snapshot()
	if snap.Incoming == nil || snap.Incoming.DisplayName != "Alice" {
		t.Fatalf("expected incoming call from Alice, got %+v", snap.Incoming)
	}

	if err := bob.m.AnswerCall(ctx); err != nil {
		t.Fatalf("answer: %v", err)
	}
	bob.await(t, call.StateConnected)
	alice.await(t, call.StateConnected)

	if err := alice.m.EndCall(ctx); err != nil {
		t.Fatalf("end call: %v", err)
	}
	alice.await(t, call.StateIdle)
	bob.await(t, call.StateIdle)
}
