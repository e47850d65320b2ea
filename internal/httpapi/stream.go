package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"callsig/internal/auth"
	"callsig/internal/signal"
	"callsig/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	writeWait    = 10 * time.Second
	releaseWait  = 3 * time.Second
	maxReadBytes = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Streams are authenticated by token, not by origin.
		return true
	},
}

// Stream upgrades to a WebSocket and pushes every signal addressed to the
// authenticated user as a JSON text frame. Clients never write; inbound frames
// are discarded.
func (h Handlers) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.From(ctx)
	userID, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}

	if h.Streams != nil {
		ok, err := h.Streams.Acquire(ctx, userID)
		if err != nil {
			log.Error("stream slot acquire", "user_id", userID, "err", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "stream unavailable"})
			return
		}
		if !ok {
			if h.Metrics != nil {
				h.Metrics.streamRejected()
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many open streams"})
			return
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.Background(), releaseWait)
			defer cancel()
			if err := h.Streams.Release(rctx, userID); err != nil {
				log.Warn("stream slot release", "user_id", userID, "err", err)
			}
		}()
	}

	// The subscription outlives the request context once the connection is
	// hijacked, so it gets its own.
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	signals, unsubscribe, err := h.Signals.Subscribe(subCtx, userID)
	if err != nil {
		log.Error("signal subscribe", "user_id", userID, "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "stream unavailable"})
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already replied to the client.
		log.Warn("websocket upgrade", "user_id", userID, "err", err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.streamOpened()
		defer h.Metrics.streamClosed()
	}
	log.Info("signal stream opened", "user_id", userID)

	s := &stream{conn: conn, closed: make(chan struct{})}
	go s.readPump()
	s.writePump(signals)
	_ = conn.Close()
	<-s.closed
	log.Info("signal stream closed", "user_id", userID)
}

type stream struct {
	conn   *websocket.Conn
	closed chan struct{}
}

// readPump keeps the read deadline fresh and notices when the client goes
// away.
func (s *stream) readPump() {
	defer close(s.closed)
	s.conn.SetReadLimit(maxReadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *stream) writePump(signals <-chan signal.Signal) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case sig, ok := <-signals:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			b, err := json.Marshal(sig)
			if err != nil {
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
