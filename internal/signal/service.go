package signal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"callsig/internal/ratelimit"
)

// Store is the persistence contract for signals.
//
// It MUST be append-only apart from retention purges.
type Store interface {
	Insert(ctx context.Context, s Signal) (Signal, error)
	LatestOffer(ctx context.Context, callerID, calleeID string) (Signal, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Recorder observes accepted signals; used for metrics.
type Recorder interface {
	SignalSent(t Type)
	SignalBroadcastFailed(t Type)
}

type nopRecorder struct{}

func (nopRecorder) SignalSent(Type)            {}
func (nopRecorder) SignalBroadcastFailed(Type) {}

// Service persists and broadcasts signals. It is the write/subscribe/read
// boundary that call clients talk to.
type Service struct {
	store   Store
	bus     Bus
	limiter ratelimit.Limiter
	rec     Recorder
	log     *slog.Logger
}

type Options struct {
	Limiter  ratelimit.Limiter
	Recorder Recorder
	Logger   *slog.Logger
}

func NewService(store Store, bus Bus, opts Options) *Service {
	s := &Service{store: store, bus: bus, limiter: opts.Limiter, rec: opts.Recorder, log: opts.Logger}
	if s.limiter == nil {
		s.limiter = ratelimit.Unlimited{}
	}
	if s.rec == nil {
		s.rec = nopRecorder{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Send stores sig and fans it out to the recipient's subscribers.
//
// A signal that was stored but could not be broadcast is returned together
// with an error wrapping ErrPublishFailed; the row stays readable through
// LatestOffer.
func (s *Service) Send(ctx context.Context, sig Signal) (Signal, error) {
	if err := sig.Validate(); err != nil {
		return Signal{}, err
	}
	ok, err := s.limiter.Allow(ctx, sig.CallerID)
	if err != nil {
		// Limiter outages must not block calls.
		s.log.Warn("rate limiter unavailable", "caller_id", sig.CallerID, "err", err)
	} else if !ok {
		return Signal{}, ErrRateLimited
	}

	stored, err := s.store.Insert(ctx, sig)
	if err != nil {
		return Signal{}, fmt.Errorf("store signal: %w", err)
	}
	s.rec.SignalSent(stored.Type)

	if err := s.bus.Publish(ctx, stored); err != nil {
		s.rec.SignalBroadcastFailed(stored.Type)
		s.log.Error("signal broadcast failed",
			"signal_id", stored.ID,
			"session_id", stored.SessionID,
			"signal_type", stored.Type,
			"err", err,
		)
		return stored, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	s.log.Debug("signal sent",
		"signal_id", stored.ID,
		"session_id", stored.SessionID,
		"signal_type", stored.Type,
		"caller_id", stored.CallerID,
		"callee_id", stored.CalleeID,
	)
	return stored, nil
}

// Publish satisfies the call package's channel contract.
func (s *Service) Publish(ctx context.Context, sig Signal) error {
	_, err := s.Send(ctx, sig)
	return err
}

func (s *Service) Subscribe(ctx context.Context, calleeID string) (<-chan Signal, func(), error) {
	return s.bus.Subscribe(ctx, calleeID)
}

func (s *Service) LatestOffer(ctx context.Context, callerID, calleeID string) (Signal, error) {
	if callerID == "" || calleeID == "" {
		return Signal{}, ErrInvalidSignal
	}
	return s.store.LatestOffer(ctx, callerID, calleeID)
}

// PurgeOlderThan deletes signals created more than age ago.
func (s *Service) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return s.store.Purge(ctx, time.Now().UTC().Add(-age))
}
