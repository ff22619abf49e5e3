package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `
broker:
  base_url: "https://broker.test"
  api_key: "k-123"
tracker:
  version: 1
  groups:
    - group_id: g1
      min_price: 0
      max_price: 100
      enabled: true
      initial_stop_price_offset: -0.20
      steps:
        - {pnl: 50, stop: 0.00}
        - {pnl: 100, stop: 0.10}
`

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.StopLimit.PositionWait != 3*time.Second {
		t.Errorf("PositionWait = %v, want 3s", cfg.StopLimit.PositionWait)
	}
	if cfg.StopLimit.ReconnectWindow != 30*time.Second {
		t.Errorf("ReconnectWindow = %v, want 30s", cfg.StopLimit.ReconnectWindow)
	}
	if cfg.StopLimit.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.StopLimit.Workers)
	}
	if cfg.Cache.Debounce != 2*time.Second || cfg.Cache.Flush != 30*time.Second {
		t.Errorf("Cache = %+v, want 2s/30s", cfg.Cache)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BROKER_API_BASE_URL", "https://override.test")
	t.Setenv("STOPLIMIT_POSITION_WAIT_MS", "1500")
	t.Setenv("CACHE_DEBOUNCE_MS", "100")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.BaseURL != "https://override.test" {
		t.Errorf("BaseURL = %q, want env override", cfg.Broker.BaseURL)
	}
	if cfg.StopLimit.PositionWait != 1500*time.Millisecond {
		t.Errorf("PositionWait = %v, want 1.5s", cfg.StopLimit.PositionWait)
	}
	if cfg.Cache.Debounce != 100*time.Millisecond {
		t.Errorf("Debounce = %v, want 100ms", cfg.Cache.Debounce)
	}
}

func TestValidateMissingBroker(t *testing.T) {
	cfg, err := Load(writeConfig(t, "tracker:\n  version: 1\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing broker.base_url")
	}
}

func TestTrackerValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		tc      TrackerConfig
		wantErr bool
	}{
		{
			name: "valid",
			tc: TrackerConfig{Groups: []TrackerGroup{
				{GroupID: "a", MinPrice: 0, MaxPrice: 10, Enabled: true,
					Steps: []TrackerStep{{PnL: 10, Stop: -0.1}, {PnL: 20, Stop: 0}}},
				{GroupID: "b", MinPrice: 10.01, MaxPrice: 100, Enabled: true},
			}},
		},
		{
			name: "steps out of pnl order",
			tc: TrackerConfig{Groups: []TrackerGroup{
				{GroupID: "a", MinPrice: 0, MaxPrice: 10,
					Steps: []TrackerStep{{PnL: 20, Stop: 0}, {PnL: 10, Stop: 0.1}}},
			}},
			wantErr: true,
		},
		{
			name: "stop offset decreases",
			tc: TrackerConfig{Groups: []TrackerGroup{
				{GroupID: "a", MinPrice: 0, MaxPrice: 10,
					Steps: []TrackerStep{{PnL: 10, Stop: 0.2}, {PnL: 20, Stop: 0.1}}},
			}},
			wantErr: true,
		},
		{
			name: "overlapping enabled groups",
			tc: TrackerConfig{Groups: []TrackerGroup{
				{GroupID: "a", MinPrice: 0, MaxPrice: 50, Enabled: true},
				{GroupID: "b", MinPrice: 40, MaxPrice: 100, Enabled: true},
			}},
			wantErr: true,
		},
		{
			name: "overlap with disabled group allowed",
			tc: TrackerConfig{Groups: []TrackerGroup{
				{GroupID: "a", MinPrice: 0, MaxPrice: 50, Enabled: true},
				{GroupID: "b", MinPrice: 40, MaxPrice: 100, Enabled: false},
			}},
		},
		{
			name: "missing group id",
			tc: TrackerConfig{Groups: []TrackerGroup{
				{MinPrice: 0, MaxPrice: 50},
			}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGroupForPrice(t *testing.T) {
	t.Parallel()

	tc := TrackerConfig{Groups: []TrackerGroup{
		{GroupID: "low", MinPrice: 0, MaxPrice: 50, Enabled: true},
		{GroupID: "off", MinPrice: 50.01, MaxPrice: 80, Enabled: false},
		{GroupID: "high", MinPrice: 80.01, MaxPrice: 1000, Enabled: true},
	}}

	if g := tc.GroupForPrice(25); g == nil || g.GroupID != "low" {
		t.Errorf("GroupForPrice(25) = %v, want low", g)
	}
	if g := tc.GroupForPrice(60); g != nil {
		t.Errorf("GroupForPrice(60) = %v, want nil (group disabled)", g)
	}
	if g := tc.GroupForPrice(225.50); g == nil || g.GroupID != "high" {
		t.Errorf("GroupForPrice(225.50) = %v, want high", g)
	}
	if g := tc.GroupForPrice(-1); g != nil {
		t.Errorf("GroupForPrice(-1) = %v, want nil", g)
	}
}
