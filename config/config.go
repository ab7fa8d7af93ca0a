// Package config loads the YAML configuration for a bondcast process and
// maps it onto the per-component tuning structs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/bondcast/core/internal/bonding"
	"github.com/bondcast/core/internal/health"
	"github.com/bondcast/core/internal/reassembly"
	"github.com/bondcast/core/internal/session"
)

// Config is the root of the YAML file.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Links     []LinkConfig    `yaml:"links"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Health    HealthConfig    `yaml:"health"`
	Receiver  ReceiverConfig  `yaml:"receiver"`
	Session   SessionConfig   `yaml:"session"`
}

// ServiceConfig covers process-level concerns.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// LinkConfig describes one bonded link to bring up at start.
type LinkConfig struct {
	Name   string `yaml:"name"`
	Remote string `yaml:"remote"`
	Band   string `yaml:"band"`
}

// SchedulerConfig tunes the sender-side scheduler.
type SchedulerConfig struct {
	MaxRetransmits      int           `yaml:"max_retransmits"`
	ShedFloor           float64       `yaml:"shed_floor"`
	DegradedThreshold   float64       `yaml:"degraded_threshold"`
	RecoveredThreshold  float64       `yaml:"recovered_threshold"`
	HysteresisWindow    time.Duration `yaml:"hysteresis_window"`
	LivenessTimeout     time.Duration `yaml:"liveness_timeout"`
	ResurrectionBackoff time.Duration `yaml:"resurrection_backoff"`
	PingInterval        time.Duration `yaml:"ping_interval"`
	TickInterval        time.Duration `yaml:"tick_interval"`
	PendingAge          time.Duration `yaml:"pending_age"`
	FecDataShards       int           `yaml:"fec_data_shards"`
	FecParityShards     int           `yaml:"fec_parity_shards"`
	PaceRateBytes       float64       `yaml:"pace_rate_bytes"`
	PaceBurstBytes      int           `yaml:"pace_burst_bytes"`
}

// HealthConfig tunes link health scoring and band-lock hysteresis.
type HealthConfig struct {
	DegradedThreshold  float64       `yaml:"degraded_threshold"`
	RecoveredThreshold float64       `yaml:"recovered_threshold"`
	HysteresisWindow   time.Duration `yaml:"hysteresis_window"`
	BandSwitchInterval time.Duration `yaml:"band_switch_interval"`
}

// ReceiverConfig tunes the reorder buffer and gap repair.
type ReceiverConfig struct {
	NackDelay     time.Duration `yaml:"nack_delay"`
	NackInterval  time.Duration `yaml:"nack_interval"`
	MaxWait       time.Duration `yaml:"max_wait"`
	MaxBuffer     int           `yaml:"max_buffer"`
	GroupSweepAge time.Duration `yaml:"group_sweep_age"`
}

// SessionConfig tunes session lifetime handling.
type SessionConfig struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	TombstoneTTL      time.Duration `yaml:"tombstone_ttl"`
}

// Default returns the full default configuration, mirroring each
// component's own defaults.
func Default() Config {
	b := bonding.DefaultConfig()
	h := health.DefaultConfig()
	r := reassembly.DefaultConfig()
	s := session.DefaultConfig()
	return Config{
		Service: ServiceConfig{
			Name:        "bondcast",
			MetricsAddr: ":9501",
		},
		Scheduler: SchedulerConfig{
			MaxRetransmits:      b.MaxRetransmits,
			ShedFloor:           b.ShedFloor,
			DegradedThreshold:   b.DegradedThreshold,
			RecoveredThreshold:  b.RecoveredThreshold,
			HysteresisWindow:    b.HysteresisWindow,
			LivenessTimeout:     b.LivenessTimeout,
			ResurrectionBackoff: b.ResurrectionBackoff,
			PingInterval:        b.PingInterval,
			TickInterval:        b.TickInterval,
			PendingAge:          b.PendingAge,
			FecDataShards:       b.FecK,
			FecParityShards:     b.FecR,
			PaceRateBytes:       b.PaceRate,
			PaceBurstBytes:      b.PaceBurst,
		},
		Health: HealthConfig{
			DegradedThreshold:  h.DegradedThreshold,
			RecoveredThreshold: h.RecoveredThreshold,
			HysteresisWindow:   h.HysteresisWindow,
			BandSwitchInterval: h.BandSwitchInterval,
		},
		Receiver: ReceiverConfig{
			NackDelay:     r.NackDelay,
			NackInterval:  r.NackInterval,
			MaxWait:       r.MaxWait,
			MaxBuffer:     r.MaxBuffer,
			GroupSweepAge: r.GroupSweepAge,
		},
		Session: SessionConfig{
			InactivityTimeout: s.InactivityTimeout,
			TombstoneTTL:      s.TombstoneTTL,
		},
	}
}

// Load reads path and unmarshals it over the defaults, so a partial file
// only overrides what it names.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the components cannot run with.
func (c Config) Validate() error {
	s := c.Scheduler
	if s.FecDataShards < 1 || s.FecDataShards > 128 {
		return fmt.Errorf("config: fec_data_shards %d outside 1..128", s.FecDataShards)
	}
	if s.FecParityShards < 1 || s.FecParityShards > 64 {
		return fmt.Errorf("config: fec_parity_shards %d outside 1..64", s.FecParityShards)
	}
	if s.ShedFloor < 0 || s.ShedFloor > 1 {
		return fmt.Errorf("config: shed_floor %v outside 0..1", s.ShedFloor)
	}
	if s.DegradedThreshold >= s.RecoveredThreshold {
		return fmt.Errorf("config: scheduler degraded_threshold %v must be below recovered_threshold %v",
			s.DegradedThreshold, s.RecoveredThreshold)
	}
	if c.Health.DegradedThreshold >= c.Health.RecoveredThreshold {
		return fmt.Errorf("config: health degraded_threshold %v must be below recovered_threshold %v",
			c.Health.DegradedThreshold, c.Health.RecoveredThreshold)
	}
	if c.Receiver.MaxBuffer < 1 {
		return fmt.Errorf("config: max_buffer %d must be positive", c.Receiver.MaxBuffer)
	}
	for i, l := range c.Links {
		if l.Remote == "" {
			return fmt.Errorf("config: links[%d] (%s) has no remote address", i, l.Name)
		}
		if _, err := ParseBand(l.Band); err != nil {
			return fmt.Errorf("config: links[%d] (%s): %w", i, l.Name, err)
		}
	}
	return nil
}

// Bonding maps the scheduler section onto the scheduler's tuning struct.
func (c Config) Bonding() bonding.Config {
	s := c.Scheduler
	return bonding.Config{
		MaxRetransmits:      s.MaxRetransmits,
		ShedFloor:           s.ShedFloor,
		DegradedThreshold:   s.DegradedThreshold,
		RecoveredThreshold:  s.RecoveredThreshold,
		HysteresisWindow:    s.HysteresisWindow,
		LivenessTimeout:     s.LivenessTimeout,
		ResurrectionBackoff: s.ResurrectionBackoff,
		PingInterval:        s.PingInterval,
		TickInterval:        s.TickInterval,
		PendingAge:          s.PendingAge,
		FecK:                s.FecDataShards,
		FecR:                s.FecParityShards,
		PaceRate:            s.PaceRateBytes,
		PaceBurst:           s.PaceBurstBytes,
	}
}

// Healths maps the health section onto the monitor's tuning struct.
func (c Config) Healths() health.Config {
	h := c.Health
	return health.Config{
		DegradedThreshold:  h.DegradedThreshold,
		RecoveredThreshold: h.RecoveredThreshold,
		HysteresisWindow:   h.HysteresisWindow,
		BandSwitchInterval: h.BandSwitchInterval,
	}
}

// Reassembly maps the receiver section onto the engine's tuning struct.
func (c Config) Reassembly() reassembly.Config {
	r := c.Receiver
	return reassembly.Config{
		NackDelay:     r.NackDelay,
		NackInterval:  r.NackInterval,
		MaxWait:       r.MaxWait,
		MaxBuffer:     r.MaxBuffer,
		GroupSweepAge: r.GroupSweepAge,
	}
}

// Sessions maps the session section onto the manager's tuning struct.
func (c Config) Sessions() session.Config {
	s := c.Session
	return session.Config{
		InactivityTimeout: s.InactivityTimeout,
		TombstoneTTL:      s.TombstoneTTL,
	}
}

// ParseBand maps a band name to the health monitor's band constant. An
// empty string means automatic selection.
func ParseBand(s string) (health.Band, error) {
	switch s {
	case "", "auto":
		return health.BandAuto, nil
	case "low":
		return health.BandLow, nil
	case "mid":
		return health.BandMid, nil
	case "high":
		return health.BandHigh, nil
	default:
		return health.BandAuto, fmt.Errorf("unknown band %q", s)
	}
}
