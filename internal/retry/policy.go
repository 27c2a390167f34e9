package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

type Kind string

const (
	Fixed       Kind = "fixed"
	Exponential Kind = "exponential"
)

const (
	DefaultDelay      = 2 * time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultMultiplier = 2.0
)

// Config describes the reconnect policy. MaxAttempts 0 retries forever.
type Config struct {
	Kind        Kind          `mapstructure:"kind"`
	Delay       time.Duration `mapstructure:"delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	// Immediate skips the wait before the first attempt.
	Immediate bool `mapstructure:"immediate"`
}

func DefaultConfig() Config {
	return Config{
		Kind:       Fixed,
		Delay:      DefaultDelay,
		MaxDelay:   DefaultMaxDelay,
		Multiplier: DefaultMultiplier,
		Immediate:  true,
	}
}

func (c Config) Validate() error {
	switch c.Kind {
	case Fixed, Exponential:
	default:
		return fmt.Errorf("unknown retry kind %q", c.Kind)
	}
	if c.Delay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if c.Kind == Exponential && c.Multiplier < 1 {
		return fmt.Errorf("exponential multiplier must be >= 1, got %v", c.Multiplier)
	}
	return nil
}

// Manager tracks one reconnect sequence. Not safe for concurrent use; the
// session owns one per loss.
type Manager struct {
	cfg          Config
	currentDelay time.Duration
	attempt      int
}

func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, currentDelay: cfg.Delay}
}

func (m *Manager) ShouldRetry() bool {
	if m.cfg.MaxAttempts > 0 && m.attempt >= m.cfg.MaxAttempts {
		log.Info().Str("module", "retry").Int("max_attempts", m.cfg.MaxAttempts).Msg("max reconnection attempts reached")
		return false
	}
	return true
}

// NextDelay reports the wait before the upcoming attempt.
func (m *Manager) NextDelay() time.Duration {
	if m.attempt == 0 && m.cfg.Immediate {
		return 0
	}
	return m.currentDelay
}

// Wait sleeps for NextDelay and advances the attempt counter.
func (m *Manager) Wait(ctx context.Context) error {
	delay := m.NextDelay()
	if delay > 0 {
		log.Debug().Str("module", "retry").Dur("delay", delay).Int("attempt", m.attempt+1).Msg("waiting before reconnection attempt")
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	m.advance(delay)
	return nil
}

func (m *Manager) advance(waited time.Duration) {
	m.attempt++
	if waited == 0 || m.cfg.Kind != Exponential {
		return
	}
	next := float64(m.currentDelay) * m.cfg.Multiplier
	if m.cfg.MaxDelay > 0 {
		next = math.Min(next, float64(m.cfg.MaxDelay))
	}
	m.currentDelay = time.Duration(next)
}

func (m *Manager) Reset() {
	m.attempt = 0
	m.currentDelay = m.cfg.Delay
}

func (m *Manager) Attempt() int {
	return m.attempt
}
