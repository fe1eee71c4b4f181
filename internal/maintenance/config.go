package maintenance

import (
	"time"

	"github.com/fluxori/creditcore/internal/config"
)

// Config controls job intervals and batch sizes.
type Config struct {
	SweepInterval         time.Duration
	RefreshInterval       time.Duration
	RefreshBatchSize      int
	ExpireInterval        time.Duration
	ReservationStaleAfter time.Duration
	HealthInterval        time.Duration
	DispatchInterval      time.Duration
	// OrphanResultGrace is how long an unreferenced result is kept.
	OrphanResultGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		SweepInterval:         time.Hour,
		RefreshInterval:       6 * time.Hour,
		RefreshBatchSize:      100,
		ExpireInterval:        10 * time.Minute,
		ReservationStaleAfter: 2 * time.Hour,
		HealthInterval:        30 * time.Second,
		DispatchInterval:      5 * time.Second,
		OrphanResultGrace:     24 * time.Hour,
	}
}

func ProvideConfig(cfg config.Config) Config {
	m := cfg.Maintenance
	return Config{
		SweepInterval:         m.SweepInterval,
		RefreshInterval:       m.RefreshInterval,
		RefreshBatchSize:      m.RefreshBatchSize,
		ExpireInterval:        m.ExpireInterval,
		ReservationStaleAfter: m.ReservationStaleAfter,
		HealthInterval:        m.HealthInterval,
		DispatchInterval:      m.DispatchInterval,
		OrphanResultGrace:     m.OrphanResultGrace,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaults.RefreshInterval
	}
	if c.RefreshBatchSize <= 0 {
		c.RefreshBatchSize = defaults.RefreshBatchSize
	}
	if c.ExpireInterval <= 0 {
		c.ExpireInterval = defaults.ExpireInterval
	}
	if c.ReservationStaleAfter <= 0 {
		c.ReservationStaleAfter = defaults.ReservationStaleAfter
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaults.HealthInterval
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = defaults.DispatchInterval
	}
	if c.OrphanResultGrace <= 0 {
		c.OrphanResultGrace = defaults.OrphanResultGrace
	}
	return c
}
