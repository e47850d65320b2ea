// Package profile resolves user ids to display names for call prompts.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

var ErrNotFound = errors.New("profile: not found")

// Directory looks up a user's display name.
type Directory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// MemoryDirectory is a fixed map of names, for tests and local runs.
type MemoryDirectory struct {
	mu    sync.RWMutex
	names map[string]string
}

func NewMemoryDirectory(names map[string]string) *MemoryDirectory {
	d := &MemoryDirectory{names: make(map[string]string, len(names))}
	for k, v := range names {
		d.names[k] = v
	}
	return d
}

func (d *MemoryDirectory) Set(userID, name string) {
	d.mu.Lock()
	d.names[userID] = name
	d.mu.Unlock()
}

func (d *MemoryDirectory) DisplayName(_ context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	name, ok := d.names[userID]
	if !ok || name == "" {
		return "", ErrNotFound
	}
	return name, nil
}

// PostgresDirectory reads the profiles table owned by the wider application.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	const q = `
SELECT COALESCE(NULLIF(display_name, ''), username, '')
FROM profiles
WHERE id::text = $1
`
	var name string
	if err := d.db.QueryRowContext(ctx, q, userID).Scan(&name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	if name == "" {
		return "", ErrNotFound
	}
	return name, nil
}

// CachedDirectory memoizes successful lookups for ttl.
type CachedDirectory struct {
	next  Directory
	cache *expirable.LRU[string, string]
}

func NewCachedDirectory(next Directory, size int, ttl time.Duration) *CachedDirectory {
	if size <= 0 {
		size = 1024
	}
	return &CachedDirectory{
		next:  next,
		cache: expirable.NewLRU[string, string](size, nil, ttl),
	}
}

func (d *CachedDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	if name, ok := d.cache.Get(userID); ok {
		return name, nil
	}
	name, err := d.next.DisplayName(ctx, userID)
	if err != nil {
		return "", err
	}
	d.cache.Add(userID, name)
	return name, nil
}
