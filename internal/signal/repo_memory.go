package signal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-memory append-only store useful for tests and for
// single-process deployments. Rows are kept in insertion order.
type MemoryRepo struct {
	mu      sync.Mutex
	signals []Signal
	clock   func() time.Time
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{clock: time.Now} }

func (r *MemoryRepo) Insert(ctx context.Context, s Signal) (Signal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = r.clock().UTC()
	r.signals = append(r.signals, s)
	return s, nil
}

func (r *MemoryRepo) LatestOffer(ctx context.Context, callerID, calleeID string) (Signal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	consumed := make(map[string]struct{})
	for _, s := range r.signals {
		if s.Type.Consumes() {
			consumed[s.SessionID] = struct{}{}
		}
	}
	for i := len(r.signals) - 1; i >= 0; i-- {
		s := r.signals[i]
		if s.Type != TypeOffer || s.CallerID != callerID || s.CalleeID != calleeID {
			continue
		}
		if _, ok := consumed[s.SessionID]; ok {
			continue
		}
		return s, nil
	}
	return Signal{}, ErrNotFound
}

func (r *MemoryRepo) Purge(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.signals[:0]
	var n int64
	for _, s := range r.signals {
		if s.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, s)
	}
	r.signals = kept
	return n, nil
}

// Signals returns a copy of every stored row.
func (r *MemoryRepo) Signals() []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Signal, len(r.signals))
	copy(out, r.signals)
	return out
}
