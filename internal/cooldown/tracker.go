package cooldown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/admitgate/internal/domain"
	"github.com/sawpanic/admitgate/internal/symbol"
)

// Key identifies a cooldown entry: one per base asset and direction
type Key struct {
	Base      string      `json:"base"`
	Direction domain.Side `json:"direction"`
}

// KeyFor normalizes a trading pair into its cooldown key.
func KeyFor(pair string, direction domain.Side) Key {
	return Key{Base: symbol.Base(pair), Direction: direction}
}

func (k Key) String() string {
	return k.Base + ":" + string(k.Direction)
}

// Entry is the last admitted trade for a key. Entries never expire on their
// own; staleness is computed at query time.
type Entry struct {
	LastTradeTime time.Time   `json:"last_trade_time"`
	Direction     domain.Side `json:"direction"`
}

// Status is the answer to IsInCooldown
type Status struct {
	InCooldown bool          `json:"in_cooldown"`
	Remaining  time.Duration `json:"remaining"`
	// Elapsed is the time since the last trade; zero with Found=false.
	Elapsed time.Duration `json:"elapsed"`
	Found   bool          `json:"found"`
}

// Store persists cooldown entries
type Store interface {
	Load(ctx context.Context, key Key) (Entry, bool, error)
	Save(ctx context.Context, key Key, entry Entry) error
	Clear(ctx context.Context) error
}

// Tracker answers cooldown questions over a Store. It is constructed per
// session and passed to the admission controller explicitly.
type Tracker struct {
	store Store
}

// NewTracker wraps store; a nil store gets an in-memory one.
func NewTracker(store Store) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{store: store}
}

// RecordTrade overwrites the entry for (base(symbol), direction).
func (t *Tracker) RecordTrade(ctx context.Context, pair string, direction domain.Side, now time.Time) error {
	key := KeyFor(pair, direction)
	if err := t.store.Save(ctx, key, Entry{LastTradeTime: now, Direction: direction}); err != nil {
		return fmt.Errorf("failed to record trade for %s: %w", key, err)
	}

	log.Debug().
		Str("key", key.String()).
		Time("at", now).
		Msg("Cooldown entry recorded")
	return nil
}

// IsInCooldown reports whether a trade in direction is still inside period.
// An absent entry is never in cooldown.
func (t *Tracker) IsInCooldown(ctx context.Context, pair string, direction domain.Side, period time.Duration, now time.Time) (Status, error) {
	entry, found, err := t.Last(ctx, pair, direction)
	if err != nil {
		return Status{}, err
	}
	if !found {
		return Status{}, nil
	}

	elapsed := now.Sub(entry.LastTradeTime)
	remaining := period - elapsed
	if remaining <= 0 {
		return Status{Elapsed: elapsed, Found: true}, nil
	}
	return Status{InCooldown: true, Remaining: remaining, Elapsed: elapsed, Found: true}, nil
}

// Last returns the raw entry for (base(symbol), direction).
func (t *Tracker) Last(ctx context.Context, pair string, direction domain.Side) (Entry, bool, error) {
	key := KeyFor(pair, direction)
	entry, found, err := t.store.Load(ctx, key)
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to load cooldown for %s: %w", key, err)
	}
	return entry, found, nil
}

// Reset clears every entry, typically at session start.
func (t *Tracker) Reset(ctx context.Context) error {
	if err := t.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to reset cooldowns: %w", err)
	}
	log.Info().Msg("Cooldown state reset")
	return nil
}

// MemoryStore is a process-local Store
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[Key]Entry
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[Key]Entry)}
}

func (m *MemoryStore) Load(_ context.Context, key Key) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *MemoryStore) Save(_ context.Context, key Key, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[Key]Entry)
	return nil
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
