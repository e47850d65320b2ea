// Package apiclient talks to the signaling API on behalf of one user. It
// provides the signal channel and profile directory a call.Machine needs.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"callsig/internal/auth"
	"callsig/internal/profile"
	"callsig/internal/signal"

	"github.com/carlmjohnson/requests"
	"github.com/gorilla/websocket"
)

const (
	minRedial = 500 * time.Millisecond
	maxRedial = 30 * time.Second
)

var ErrNotLoggedIn = errors.New("apiclient: not logged in")

// Client is safe for concurrent use.
type Client struct {
	base   string
	http   *http.Client
	dialer *websocket.Dialer
	log    *slog.Logger

	mu     sync.RWMutex
	tokens auth.TokenPair
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 15 * time.Second},
		dialer: websocket.DefaultDialer,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetTokens installs a token pair obtained elsewhere.
func (c *Client) SetTokens(p auth.TokenPair) {
	c.mu.Lock()
	c.tokens = p
	c.mu.Unlock()
}

func (c *Client) accessToken() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tokens.AccessToken == "" {
		return "", ErrNotLoggedIn
	}
	return c.tokens.AccessToken, nil
}

func (c *Client) request(path string) *requests.Builder {
	return requests.URL(c.base).Path(path).Client(c.http)
}

func (c *Client) authed(path string) (*requests.Builder, error) {
	tok, err := c.accessToken()
	if err != nil {
		return nil, err
	}
	return c.request(path).Bearer(tok), nil
}

// Login obtains tokens for userID from a server that allows password-less
// login.
func (c *Client) Login(ctx context.Context, userID string) error {
	var pair auth.TokenPair
	err := c.request("/v1/auth/login").
		BodyJSON(map[string]string{"user_id": userID}).
		ToJSON(&pair).
		Fetch(ctx)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.SetTokens(pair)
	return nil
}

// Refresh exchanges the refresh token for a new pair.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.RLock()
	refresh := c.tokens.RefreshToken
	c.mu.RUnlock()
	if refresh == "" {
		return ErrNotLoggedIn
	}

	var pair auth.TokenPair
	err := c.request("/v1/auth/refresh").
		BodyJSON(map[string]string{"refresh_token": refresh}).
		ToJSON(&pair).
		Fetch(ctx)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	c.SetTokens(pair)
	return nil
}

type sendRequest struct {
	CalleeID   string      `json:"callee_id"`
	SessionID  string      `json:"session_id"`
	SignalType signal.Type `json:"signal_type"`
	SignalData string      `json:"signal_data,omitempty"`
}

// Publish sends s as the logged-in user; s.CallerID is ignored by the server.
func (c *Client) Publish(ctx context.Context, s signal.Signal) error {
	b, err := c.authed("/v1/signals")
	if err != nil {
		return err
	}
	err = b.BodyJSON(sendRequest{
		CalleeID:   s.CalleeID,
		SessionID:  s.SessionID,
		SignalType: s.Type,
		SignalData: s.Data,
	}).Fetch(ctx)
	switch {
	case err == nil:
		return nil
	case requests.HasStatusErr(err, http.StatusBadGateway):
		return fmt.Errorf("%w: %v", signal.ErrPublishFailed, err)
	case requests.HasStatusErr(err, http.StatusTooManyRequests):
		return fmt.Errorf("%w: %v", signal.ErrRateLimited, err)
	case requests.HasStatusErr(err, http.StatusBadRequest):
		return fmt.Errorf("%w: %v", signal.ErrInvalidSignal, err)
	default:
		return fmt.Errorf("publish %s: %w", s.Type, err)
	}
}

// LatestOffer fetches the newest open offer from callerID. The server always
// answers for the logged-in user, so calleeID is informational.
func (c *Client) LatestOffer(ctx context.Context, callerID, calleeID string) (signal.Signal, error) {
	b, err := c.authed("/v1/signals/offers/latest")
	if err != nil {
		return signal.Signal{}, err
	}
	var out signal.Signal
	err = b.Param("caller_id", callerID).ToJSON(&out).Fetch(ctx)
	switch {
	case err == nil:
		return out, nil
	case requests.HasStatusErr(err, http.StatusNotFound):
		return signal.Signal{}, signal.ErrNotFound
	default:
		return signal.Signal{}, fmt.Errorf("latest offer from %s to %s: %w", callerID, calleeID, err)
	}
}

// DisplayName implements call.Directory.
func (c *Client) DisplayName(ctx context.Context, userID string) (string, error) {
	b, err := c.authed("/v1/profiles/" + url.PathEscape(userID))
	if err != nil {
		return "", err
	}
	var out struct {
		DisplayName string `json:"display_name"`
	}
	err = b.ToJSON(&out).Fetch(ctx)
	switch {
	case err == nil:
		return out.DisplayName, nil
	case requests.HasStatusErr(err, http.StatusNotFound):
		return "", profile.ErrNotFound
	default:
		return "", fmt.Errorf("profile %s: %w", userID, err)
	}
}

// Settings are the call parameters the server hands out.
type Settings struct {
	STUNURLs    []string
	RingTimeout time.Duration
}

func (c *Client) CallSettings(ctx context.Context) (Settings, error) {
	b, err := c.authed("/v1/call/config")
	if err != nil {
		return Settings{}, err
	}
	var out struct {
		STUNURLs      []string `json:"stun_urls"`
		RingTimeoutMS int64    `json:"ring_timeout_ms"`
	}
	if err := b.ToJSON(&out).Fetch(ctx); err != nil {
		return Settings{}, fmt.Errorf("call settings: %w", err)
	}
	return Settings{
		STUNURLs:    out.STUNURLs,
		RingTimeout: time.Duration(out.RingTimeoutMS) * time.Millisecond,
	}, nil
}

// Subscribe streams signals addressed to the logged-in user over a WebSocket.
// Dropped connections are redialed with backoff until ctx is done or cancel
// is called; signals sent while disconnected are not replayed.
func (c *Client) Subscribe(ctx context.Context, calleeID string) (<-chan signal.Signal, func(), error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan signal.Signal, 64)
	log := c.log.With("callee_id", calleeID)

	go func() {
		defer close(out)
		delay := minRedial
		for {
			c.readFrames(ctx, conn, out, log)
			if ctx.Err() != nil {
				return
			}
			for {
				log.Warn("signal stream dropped, redialing", "in", delay)
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				conn, err = c.dial(ctx)
				if err == nil {
					delay = minRedial
					break
				}
				delay = min(delay*2, maxRedial)
			}
		}
	}()
	return out, cancel, nil
}

func (c *Client) readFrames(ctx context.Context, conn *websocket.Conn, out chan<- signal.Signal, log *slog.Logger) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var s signal.Signal
		if err := json.Unmarshal(data, &s); err != nil {
			log.Warn("malformed signal frame", "err", err)
			continue
		}
		select {
		case out <- s:
		case <-ctx.Done():
			return
		}
	}
}

// dial opens the stream, refreshing the access token once if it was refused.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, status, err := c.dialOnce(ctx)
	if status == http.StatusUnauthorized {
		if rerr := c.Refresh(ctx); rerr == nil {
			conn, _, err = c.dialOnce(ctx)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("signal stream: %w", err)
	}
	return conn, nil
}

func (c *Client) dialOnce(ctx context.Context) (*websocket.Conn, int, error) {
	tok, err := c.accessToken()
	if err != nil {
		return nil, 0, err
	}
	u, err := url.Parse(c.base + "/v1/signals/stream")
	if err != nil {
		return nil, 0, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"access_token": {tok}}.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		return nil, status, err
	}
	return conn, http.StatusSwitchingProtocols, nil
}
