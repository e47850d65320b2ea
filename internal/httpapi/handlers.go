package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"callsig/internal/auth"
	"callsig/internal/config"
	"callsig/internal/profile"
	"callsig/internal/ratelimit"
	"callsig/internal/signal"
	"callsig/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth     *auth.Manager
	Signals  *signal.Service
	Profiles profile.Directory
	Metrics  *Metrics
	Call     config.CallConfig

	// Streams caps concurrent signal streams per user. Nil means no cap.
	Streams ratelimit.Slots

	// AllowLogin enables password-less token issuance for local testing.
	AllowLogin bool
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
}

// Login issues a JWT token pair.
//
// NOTE: There is no credential check; the route is only registered outside
// production.
func (h Handlers) Login(c *gin.Context) {
	if !h.AllowLogin {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h Handlers) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	pair, err := h.Auth.Refresh(req.RefreshToken, time.Now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Signals ---

type sendSignalRequest struct {
	CalleeID   string      `json:"callee_id"`
	SessionID  string      `json:"session_id"`
	SignalType signal.Type `json:"signal_type"`
	SignalData string      `json:"signal_data"`
}

// SendSignal stores a signal from the authenticated user and broadcasts it to
// the callee.
func (h Handlers) SendSignal(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	var req sendSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	stored, err := h.Signals.Send(c.Request.Context(), signal.Signal{
		SessionID: req.SessionID,
		CallerID:  userID,
		CalleeID:  req.CalleeID,
		Type:      req.SignalType,
		Data:      req.SignalData,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, stored)
	case errors.Is(err, signal.ErrInvalidSignal):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid signal"})
	case errors.Is(err, signal.ErrRateLimited):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
	case errors.Is(err, signal.ErrPublishFailed):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "signal stored but not delivered", "signal": stored})
	default:
		logger.FromGin(c).Error("send signal", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "signal store failed"})
	}
}

// LatestOffer returns the newest open offer from caller_id to the
// authenticated user.
func (h Handlers) LatestOffer(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	callerID := strings.TrimSpace(c.Query("caller_id"))
	if callerID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "caller_id required"})
		return
	}

	offer, err := h.Signals.LatestOffer(c.Request.Context(), callerID, userID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, offer)
	case errors.Is(err, signal.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "offer not found"})
	case errors.Is(err, signal.ErrInvalidSignal):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
	default:
		logger.FromGin(c).Error("latest offer", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "offer lookup failed"})
	}
}

// --- Profiles ---

func (h Handlers) Profile(c *gin.Context) {
	userID := c.Param("user_id")
	name, err := h.Profiles.DisplayName(c.Request.Context(), userID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "display_name": name})
	case errors.Is(err, profile.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "profile not found"})
	default:
		logger.FromGin(c).Error("profile lookup", "user_id", userID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "profile lookup failed"})
	}
}

// --- Call settings ---

// CallSettings tells clients which STUN servers and ring timeout to use.
func (h Handlers) CallSettings(c *gin.Context) {
	urls := h.Call.STUNURLs
	if urls == nil {
		urls = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"stun_urls":       urls,
		"ring_timeout_ms": h.Call.RingTimeout.Milliseconds(),
	})
}
