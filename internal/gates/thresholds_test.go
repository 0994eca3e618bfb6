package gates

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sawpanic/admitgate/internal/domain"
)

func TestLoadContextThresholds(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_thresholds.yaml")

	yamlData := []byte(`
entry:
  spread_max_bps: {value: 45, enforce: true}
  cooldown_ms: {value: 240000, enforce: true}
tp:
  min_hold_ms: {value: 30000, enforce: false}
`)
	if err := os.WriteFile(configPath, yamlData, 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	table, err := LoadContextThresholds(configPath)
	if err != nil {
		t.Fatalf("Failed to load thresholds: %v", err)
	}
	router := NewThresholdRouterFromConfig(*table)

	entry := router.SelectThresholds(domain.ContextEntry)
	if entry.SpreadMaxBps.Value != 45.0 {
		t.Errorf("Expected entry spread 45.0, got %.1f", entry.SpreadMaxBps.Value)
	}
	if entry.CooldownMs.Value != 240000 {
		t.Errorf("Expected entry cooldown 240000, got %.0f", entry.CooldownMs.Value)
	}
	// untouched gates keep defaults
	if entry.LiquidityMinRatio.Value != 1.0 || !entry.LiquidityMinRatio.Enforce {
		t.Errorf("Expected default liquidity threshold, got %+v", entry.LiquidityMinRatio)
	}

	tp := router.SelectThresholds(domain.ContextTP)
	if tp.MinHoldMs.Value != 30000 || tp.MinHoldMs.Enforce {
		t.Errorf("Expected relaxed tp min hold, got %+v", tp.MinHoldMs)
	}
}

func TestThresholdRouter_Defaults(t *testing.T) {
	router := NewThresholdRouterFromConfig(DefaultContextThresholds())

	entry := router.SelectThresholds(domain.ContextEntry)
	if !entry.CooldownMs.Enforce {
		t.Error("Entry cooldown should be enforced by default")
	}

	tp := router.SelectThresholds(domain.ContextTP)
	if tp.CooldownMs.Enforce {
		t.Error("TP cooldown should not be enforced by default")
	}

	sl := router.SelectThresholds(domain.ContextSL)
	for _, g := range AllGates {
		if sl.Get(g).Enforce {
			t.Errorf("SL gate %s should be advisory by default", g)
		}
	}
}

func TestSelectThresholds_UnknownContextUsesEntry(t *testing.T) {
	router := NewThresholdRouterFromConfig(DefaultContextThresholds())

	got := router.SelectThresholds(domain.Context("SWING"))
	want := router.SelectThresholds(domain.ContextEntry)
	if got != want {
		t.Errorf("Unknown context should fall back to entry thresholds")
	}
}

func TestLoadContextThresholds_Invalid(t *testing.T) {
	testCases := []struct {
		name string
		yaml string
	}{
		{"negative spread", "entry:\n  spread_max_bps: {value: -1, enforce: true}\n"},
		{"huge liquidity", "tp:\n  liquidity_min_ratio: {value: 500, enforce: true}\n"},
		{"cooldown beyond a week", "manual:\n  cooldown_ms: {value: 700000000, enforce: true}\n"},
		{"malformed", "entry: [1, 2"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadContextThresholds(path); err == nil {
				t.Errorf("Expected error for %s", tc.name)
			}
		})
	}
}

func TestLoadContextThresholds_MissingFile(t *testing.T) {
	if _, err := LoadContextThresholds("/nonexistent/thresholds.yaml"); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestThresholdsWith(t *testing.T) {
	base := DefaultContextThresholds().Entry
	changed := base.With(GateSpread, Threshold{Value: 10, Enforce: false})

	if changed.SpreadMaxBps.Value != 10 || changed.SpreadMaxBps.Enforce {
		t.Errorf("With did not replace spread: %+v", changed.SpreadMaxBps)
	}
	if base.SpreadMaxBps.Value != 50 {
		t.Error("With must not mutate the receiver")
	}
}

func TestDescribeThresholds(t *testing.T) {
	router := NewThresholdRouterFromConfig(DefaultContextThresholds())
	desc := router.DescribeThresholds(domain.ContextTP)

	for _, want := range []string{"Context: TP", "Spread: ≤150.0 bps (advisory)", "Cooldown: 3m0s (advisory)", "Min hold: 1m0s"} {
		if !strings.Contains(desc, want) {
			t.Errorf("Description missing %q: %s", want, desc)
		}
	}
}
