// Package providers supplies prices, positions and market metrics to the
// admission controller from snapshot files, guarded by circuit breakers.
package providers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/admitgate/internal/domain"
	"github.com/sawpanic/admitgate/internal/symbol"
)

// ErrNoMetrics is returned when a snapshot has no market metrics for a
// symbol.
var ErrNoMetrics = errors.New("no market metrics for symbol")

// Snapshot is a point-in-time view of the market and the portfolio. Price
// and metric keys are trading pairs; lookups match on base asset.
type Snapshot struct {
	Prices   map[string]domain.Quote         `yaml:"prices"`
	Holdings []domain.Position               `yaml:"positions"`
	Market   map[string]domain.MarketMetrics `yaml:"market"`

	prices map[string]domain.Quote
	market map[string]domain.MarketMetrics
}

// LoadSnapshot reads a YAML snapshot file.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}
	return ParseSnapshot(data)
}

// ParseSnapshot decodes and indexes a YAML snapshot.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	s.index()
	return &s, nil
}

func (s *Snapshot) index() {
	s.prices = make(map[string]domain.Quote, len(s.Prices))
	for pair, q := range s.Prices {
		s.prices[symbol.Base(pair)] = q
	}
	s.market = make(map[string]domain.MarketMetrics, len(s.Market))
	for pair, m := range s.Market {
		s.market[symbol.Base(pair)] = m
	}
}

func (s *Snapshot) PriceOf(ctx context.Context, pair string) (domain.Quote, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Quote{}, false, err
	}
	q, ok := s.prices[symbol.Base(pair)]
	return q, ok, nil
}

func (s *Snapshot) Positions(ctx context.Context) ([]domain.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]domain.Position(nil), s.Holdings...), nil
}

func (s *Snapshot) Metrics(ctx context.Context, pair string) (domain.MarketMetrics, error) {
	if err := ctx.Err(); err != nil {
		return domain.MarketMetrics{}, err
	}
	m, ok := s.market[symbol.Base(pair)]
	if !ok {
		return domain.MarketMetrics{}, fmt.Errorf("%w: %s", ErrNoMetrics, pair)
	}
	return m, nil
}

// FileSnapshot serves a snapshot file, reloading it when its modification
// time changes. A failed reload surfaces as an error on every call until the
// file is readable again.
type FileSnapshot struct {
	path string

	mu      sync.Mutex
	snap    *Snapshot
	modTime time.Time
}

// NewFileSnapshot loads path once to validate it.
func NewFileSnapshot(path string) (*FileSnapshot, error) {
	f := &FileSnapshot{path: path}
	if _, err := f.current(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileSnapshot) current() (*Snapshot, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot %s: %w", f.path, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snap != nil && info.ModTime().Equal(f.modTime) {
		return f.snap, nil
	}

	snap, err := LoadSnapshot(f.path)
	if err != nil {
		return nil, err
	}
	f.snap, f.modTime = snap, info.ModTime()
	log.Info().
		Str("path", f.path).
		Int("prices", len(snap.Prices)).
		Int("positions", len(snap.Holdings)).
		Int("market", len(snap.Market)).
		Msg("Snapshot loaded")
	return snap, nil
}

func (f *FileSnapshot) PriceOf(ctx context.Context, pair string) (domain.Quote, bool, error) {
	s, err := f.current()
	if err != nil {
		return domain.Quote{}, false, err
	}
	return s.PriceOf(ctx, pair)
}

func (f *FileSnapshot) Positions(ctx context.Context) ([]domain.Position, error) {
	s, err := f.current()
	if err != nil {
		return nil, err
	}
	return s.Positions(ctx)
}

func (f *FileSnapshot) Metrics(ctx context.Context, pair string) (domain.MarketMetrics, error) {
	s, err := f.current()
	if err != nil {
		return domain.MarketMetrics{}, err
	}
	return s.Metrics(ctx, pair)
}
