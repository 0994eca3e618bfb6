package config

import (
	"context"
	"sync"
	"time"
)

// Source supplies the configuration layers for each evaluation
type Source interface {
	Layers(ctx context.Context) (Layers, error)
}

// StaticSource serves fixed layers plus overrides registered at runtime.
type StaticSource struct {
	mu     sync.RWMutex
	layers Layers
}

// NewStaticSource creates a source serving l.
func NewStaticSource(l Layers) *StaticSource {
	return &StaticSource{layers: l}
}

// Layers returns a copy of the current layers.
func (s *StaticSource) Layers(ctx context.Context) (Layers, error) {
	if err := ctx.Err(); err != nil {
		return Layers{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	l := s.layers
	l.Overrides = append([]Override(nil), s.layers.Overrides...)
	return l, nil
}

// AddOverride appends o. Validity is decided at resolution time, so an
// override that is disallowed today is simply dropped by Resolve.
func (s *StaticSource) AddOverride(o Override) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers.Overrides = append(s.layers.Overrides, o)
}

// PruneOverrides drops overrides that can no longer apply at now and returns
// how many were removed.
func (s *StaticSource) PruneOverrides(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.layers.Policy == nil {
		n := len(s.layers.Overrides)
		s.layers.Overrides = nil
		return n
	}

	kept := s.layers.Overrides[:0]
	for _, o := range s.layers.Overrides {
		if now.Sub(o.IssuedAt) < s.layers.Policy.TTL {
			kept = append(kept, o)
		}
	}
	removed := len(s.layers.Overrides) - len(kept)
	s.layers.Overrides = kept
	return removed
}
