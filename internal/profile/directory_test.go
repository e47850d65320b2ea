package profile

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingDirectory struct {
	calls int
	name  string
	err   error
}

func (c *countingDirectory) DisplayName(context.Context, string) (string, error) {
	c.calls++
	return c.name, c.err
}

func TestMemoryDirectory(t *testing.T) {
	d := NewMemoryDirectory(map[string]string{"u1": "Ada"})
	name, err := d.DisplayName(context.Background(), "u1")
	if err != nil || name != "Ada" {
		t.Fatalf("unexpected lookup %q %v", name, err)
	}
	if _, err := d.DisplayName(context.Background(), "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	d.Set("u2", "Grace")
	if name, _ := d.DisplayName(context.Background(), "u2"); name != "Grace" {
		t.Fatalf("expected Grace, got %q", name)
	}
}

func TestCachedDirectory_CachesHits(t *testing.T) {
	next := &countingDirectory{name: "Ada"}
	d := NewCachedDirectory(next, 8, time.Minute)

	for i := 0; i < 3; i++ {
		if name, err := d.DisplayName(context.Background(), "u1"); err != nil || name != "Ada" {
			t.Fatalf("unexpected lookup %q %v", name, err)
		}
	}
	if next.calls != 1 {
		t.Fatalf("expected a single upstream call, got %d", next.calls)
	}
}

func TestCachedDirectory_DoesNotCacheMisses(t *testing.T) {
	next := &countingDirectory{err: ErrNotFound}
	d := NewCachedDirectory(next, 8, time.Minute)

	_, _ = d.DisplayName(context.Background(), "u1")
	_, _ = d.DisplayName(context.Background(), "u1")
	if next.calls != 2 {
		t.Fatalf("expected misses to reach upstream, got %d calls", next.calls)
	}
}
