// Package config defines all configuration for the stop-limit coordinator.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// required and tuning fields overridable via environment variables
// (BROKER_API_BASE_URL, BROKER_API_KEY, DB_URI, STOPLIMIT_*_MS, ...).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	DB        DBConfig        `mapstructure:"db"`
	StopLimit StopLimitConfig `mapstructure:"stoplimit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	API       APIConfig       `mapstructure:"api"`
}

// BrokerConfig holds the upstream broker endpoints and credentials.
// APIKey is sent as a bearer token in both Authorization and X-API-Key.
type BrokerConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	OrdersWSURL    string `mapstructure:"orders_ws_url"`
	PositionsWSURL string `mapstructure:"positions_ws_url"`
	QuotesWSURL    string `mapstructure:"quotes_ws_url"`
}

// DBConfig holds the document store connection. An empty URI is allowed:
// startup proceeds with a volatile in-memory store and a loud warning.
type DBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// StopLimitConfig tunes the lifecycle engine's timing behavior.
//
//   - PositionWait: how long the fill path polls for the position to appear.
//   - FallbackWait: the shorter cap used on the untracked-fill path.
//   - ReconnectWindow: how long after a stream (re)connect in-memory
//     "no active sell" answers remain provisional.
//   - PostCreateCheck: delay before the post-creation duplicate check.
//   - ReconcileCooldown: minimum spacing between snapshot reconciles per symbol.
//   - RehydratePacing: delay between per-symbol reconciles on startup.
//   - Workers: size of the bounded lifecycle worker pool.
type StopLimitConfig struct {
	PositionWait      time.Duration `mapstructure:"position_wait"`
	FallbackWait      time.Duration `mapstructure:"fallback_wait"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ReconnectWindow   time.Duration `mapstructure:"reconnect_window"`
	PostCreateCheck   time.Duration `mapstructure:"post_create_check"`
	ReconcileCooldown time.Duration `mapstructure:"reconcile_cooldown"`
	RehydratePacing   time.Duration `mapstructure:"rehydrate_pacing"`
	Workers           int           `mapstructure:"workers"`
}

// CacheConfig tunes the debounced persistence writer.
type CacheConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
	Flush    time.Duration `mapstructure:"flush"`
}

// TrackerStep is one (pnl threshold, stop offset) rung of the ratchet.
// PnL is an unrealized-profit threshold in USD; Stop is an offset in USD
// added to the position's average price (may be negative).
type TrackerStep struct {
	PnL  float64 `mapstructure:"pnl" json:"pnl"`
	Stop float64 `mapstructure:"stop" json:"stop"`
}

// TrackerGroup selects the step ladder for positions whose buy price falls
// inside [MinPrice, MaxPrice]. InitialStopPriceOffset seeds the stop price
// of a freshly created stop-limit relative to the fill price.
type TrackerGroup struct {
	GroupID                string        `mapstructure:"group_id" json:"groupId"`
	MinPrice               float64       `mapstructure:"min_price" json:"minPrice"`
	MaxPrice               float64       `mapstructure:"max_price" json:"maxPrice"`
	Enabled                bool          `mapstructure:"enabled" json:"enabled"`
	InitialStopPriceOffset float64       `mapstructure:"initial_stop_price_offset" json:"initialStopPriceOffset"`
	Steps                  []TrackerStep `mapstructure:"steps" json:"steps"`
}

// Contains reports whether price falls inside the group's range.
func (g *TrackerGroup) Contains(price float64) bool {
	return price >= g.MinPrice && price <= g.MaxPrice
}

// TrackerConfig is the versioned step configuration. Version increases on
// every accepted update; a rejected update retains the previous version.
type TrackerConfig struct {
	Version int            `mapstructure:"version" json:"version"`
	Groups  []TrackerGroup `mapstructure:"groups" json:"groups"`
}

// GroupForPrice returns the first enabled group whose range contains price,
// or nil when no group matches.
func (tc *TrackerConfig) GroupForPrice(price float64) *TrackerGroup {
	for i := range tc.Groups {
		g := &tc.Groups[i]
		if g.Enabled && g.Contains(price) {
			return g
		}
	}
	return nil
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig controls the operator HTTP surface.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("stoplimit.position_wait", 3*time.Second)
	v.SetDefault("stoplimit.fallback_wait", 2*time.Second)
	v.SetDefault("stoplimit.poll_interval", 500*time.Millisecond)
	v.SetDefault("stoplimit.reconnect_window", 30*time.Second)
	v.SetDefault("stoplimit.post_create_check", 500*time.Millisecond)
	v.SetDefault("stoplimit.reconcile_cooldown", 5*time.Second)
	v.SetDefault("stoplimit.rehydrate_pacing", 200*time.Millisecond)
	v.SetDefault("stoplimit.workers", 8)
	v.SetDefault("cache.debounce", 2*time.Second)
	v.SetDefault("cache.flush", 30*time.Second)
	v.SetDefault("db.database", "stopkeeper")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("api.port", 8090)
}

// applyEnvOverrides maps the documented operator environment variables onto
// the config. Millisecond knobs accept plain integers (e.g. "3000").
func applyEnvOverrides(cfg *Config) {
	if s := os.Getenv("BROKER_API_BASE_URL"); s != "" {
		cfg.Broker.BaseURL = s
	}
	if s := os.Getenv("BROKER_API_KEY"); s != "" {
		cfg.Broker.APIKey = s
	}
	if s := os.Getenv("DB_URI"); s != "" {
		cfg.DB.URI = s
	}
	overrideMs("STOPLIMIT_POSITION_WAIT_MS", &cfg.StopLimit.PositionWait)
	overrideMs("STOPLIMIT_RECONNECT_WINDOW_MS", &cfg.StopLimit.ReconnectWindow)
	overrideMs("STOPLIMIT_POST_CREATE_CHECK_MS", &cfg.StopLimit.PostCreateCheck)
	overrideMs("RECONCILE_COOLDOWN_MS", &cfg.StopLimit.ReconcileCooldown)
	overrideMs("CACHE_DEBOUNCE_MS", &cfg.Cache.Debounce)
	overrideMs("CACHE_FLUSH_MS", &cfg.Cache.Flush)
}

func overrideMs(env string, dst *time.Duration) {
	s := os.Getenv(env)
	if s == "" {
		return
	}
	ms, err := strconv.Atoi(s)
	if err != nil || ms <= 0 {
		return
	}
	*dst = time.Duration(ms) * time.Millisecond
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required (set BROKER_API_BASE_URL)")
	}
	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required (set BROKER_API_KEY)")
	}
	if c.StopLimit.Workers <= 0 {
		return fmt.Errorf("stoplimit.workers must be > 0")
	}
	if c.StopLimit.PositionWait <= 0 {
		return fmt.Errorf("stoplimit.position_wait must be > 0")
	}
	if c.Cache.Debounce <= 0 || c.Cache.Flush <= 0 {
		return fmt.Errorf("cache.debounce and cache.flush must be > 0")
	}
	return c.Tracker.Validate()
}

// Validate rejects tracker configurations that would make the ratchet
// ambiguous: enabled groups with overlapping price ranges, steps out of
// pnl order, or stop offsets that move the stop back down.
func (tc *TrackerConfig) Validate() error {
	for i := range tc.Groups {
		g := &tc.Groups[i]
		if g.GroupID == "" {
			return fmt.Errorf("tracker group %d: group_id is required", i)
		}
		if g.MaxPrice < g.MinPrice {
			return fmt.Errorf("tracker group %q: max_price < min_price", g.GroupID)
		}
		for j := 1; j < len(g.Steps); j++ {
			if g.Steps[j].PnL <= g.Steps[j-1].PnL {
				return fmt.Errorf("tracker group %q: steps must be strictly ascending by pnl", g.GroupID)
			}
			if g.Steps[j].Stop < g.Steps[j-1].Stop {
				return fmt.Errorf("tracker group %q: stop offsets must be non-decreasing", g.GroupID)
			}
		}
		if !g.Enabled {
			continue
		}
		for k := range tc.Groups[:i] {
			o := &tc.Groups[k]
			if o.Enabled && g.MinPrice <= o.MaxPrice && o.MinPrice <= g.MaxPrice {
				return fmt.Errorf("tracker groups %q and %q have overlapping price ranges", o.GroupID, g.GroupID)
			}
		}
	}
	return nil
}
