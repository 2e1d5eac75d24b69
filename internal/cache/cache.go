// Package cache implements the freshness-windowed cache tier in front of
// paid provider fetches. Entries live in the SQLite store with a small
// in-process layer on top. A backend failure degrades to a miss so the
// pipeline never blocks on the cache.
package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/spigell/hh-sourcer/internal/store"

	"go.uber.org/zap"
)

// Outcome describes the result of a lookup against two freshness thresholds.
type Outcome int

const (
	// Miss means no usable entry exists and the caller must fetch fresh.
	Miss Outcome = iota
	// Fresh means the entry is within the primary freshness window.
	Fresh
	// Stale means the entry is past the primary window but still within
	// the acceptable reuse window. The caller decides refetch vs accept.
	Stale
)

func (o Outcome) String() string {
	switch o {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

// Hit carries the payload of a non-miss lookup.
type Hit struct {
	Payload   json.RawMessage
	FetchedAt time.Time
}

// Age returns how old the cached payload is.
func (h *Hit) Age() time.Duration {
	return time.Since(h.FetchedAt)
}

type hotEntry struct {
	payload   json.RawMessage
	fetchedAt time.Time
}

type Cache struct {
	db     *store.DB
	logger *zap.Logger

	mu  sync.RWMutex
	hot map[string]hotEntry
}

func New(db *store.DB, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Cache{
		db:     db,
		logger: logger,
		hot:    make(map[string]hotEntry),
	}
}

// Get looks key up against two freshness thresholds. Entries younger than
// fresh are a Fresh hit, entries younger than stale are a Stale hit, and
// anything older (or absent) is a Miss. Every hit bumps access_count and
// last_accessed_at. Backend errors are logged and reported as a Miss.
func (c *Cache) Get(key string, fresh, stale time.Duration) (*Hit, Outcome) {
	if stale < fresh {
		stale = fresh
	}

	c.mu.RLock()
	entry, ok := c.hot[key]
	c.mu.RUnlock()

	if !ok {
		var payload string
		var fetchedAt time.Time
		row := c.db.Read().QueryRow(
			"SELECT payload, fetched_at FROM cache_entries WHERE key = ?", key,
		)
		if err := row.Scan(&payload, &fetchedAt); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				c.logger.Warn("cache backend unavailable, treating as miss",
					zap.String("key", key),
					zap.Error(err),
				)
			}
			return nil, Miss
		}

		entry = hotEntry{payload: json.RawMessage(payload), fetchedAt: fetchedAt}
		c.mu.Lock()
		c.hot[key] = entry
		c.mu.Unlock()
	}

	age := time.Since(entry.fetchedAt)
	if age > stale {
		return nil, Miss
	}

	c.touch(key)

	hit := &Hit{Payload: entry.payload, FetchedAt: entry.fetchedAt}
	if age > fresh {
		return hit, Stale
	}
	return hit, Fresh
}

// Set stores payload under key with fetched_at = now. Concurrent writers of
// the same key are last-write-wins.
func (c *Cache) Set(key string, payload json.RawMessage) error {
	now := time.Now().UTC()

	_, err := c.db.Write().Exec(`
		INSERT INTO cache_entries (key, payload, fetched_at, access_count, last_accessed_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			fetched_at = excluded.fetched_at
	`, key, string(payload), now, now)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.hot[key] = hotEntry{payload: payload, fetchedAt: now}
	c.mu.Unlock()

	return nil
}

// SetJSON marshals v and stores it under key.
func (c *Cache) SetJSON(key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(key, payload)
}

func (c *Cache) touch(key string) {
	_, err := c.db.Write().Exec(`
		UPDATE cache_entries
		SET access_count = access_count + 1, last_accessed_at = ?
		WHERE key = ?
	`, time.Now().UTC(), key)
	if err != nil {
		c.logger.Debug("updating cache access stats failed", zap.String("key", key), zap.Error(err))
	}
}
