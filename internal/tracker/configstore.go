package tracker

import (
	"fmt"
	"log/slog"
	"sync"

	"stopkeeper/internal/config"
)

// ConfigStore holds the live trailing-stop group table. The tracker and the
// lifecycle engine read it on every evaluation, so operator updates take
// effect without a restart. Invalid or stale-versioned tables are rejected.
type ConfigStore struct {
	mu     sync.RWMutex
	cfg    config.TrackerConfig
	logger *slog.Logger
}

// NewConfigStore seeds the store with the boot-time table.
func NewConfigStore(cfg config.TrackerConfig, logger *slog.Logger) *ConfigStore {
	return &ConfigStore{cfg: cfg, logger: logger.With("component", "tracker-config")}
}

// Current returns the active table. The returned pointer is a copy; callers
// may hold it across an evaluation without locking.
func (s *ConfigStore) Current() *config.TrackerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := s.cfg
	cp.Groups = append([]config.TrackerGroup(nil), s.cfg.Groups...)
	return &cp
}

// Update swaps in a new table after validation. The version must advance so
// delayed or duplicated operator requests cannot roll the table back.
func (s *ConfigStore) Update(cfg config.TrackerConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("tracker config rejected: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Version <= s.cfg.Version {
		return fmt.Errorf("tracker config version %d not newer than %d", cfg.Version, s.cfg.Version)
	}
	s.cfg = cfg
	s.logger.Info("tracker config updated", "version", cfg.Version, "groups", len(cfg.Groups))
	return nil
}
