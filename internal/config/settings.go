package config

import (
	"errors"
	"fmt"
	"time"
)

// Settings holds the runtime tunables of the streamer. Every field can be
// overridden through the environment.
type Settings struct {
	TopologyPath string `env:"STREAMER_TOPOLOGY"`
	MetricsAddr  string `env:"STREAMER_METRICS_ADDR"`

	MaxConcurrent     int           `env:"STREAMER_MAX_CONCURRENT" envDefault:"2"`
	FrameBudget       time.Duration `env:"STREAMER_FRAME_BUDGET" envDefault:"4ms"`
	DebounceTicks     int           `env:"STREAMER_DEBOUNCE_TICKS" envDefault:"3"`
	SettleTicks       int           `env:"STREAMER_SETTLE_TICKS" envDefault:"1"`
	ValidationWorkers int           `env:"STREAMER_VALIDATION_WORKERS" envDefault:"2"`

	TransitionSettleTicks int  `env:"STREAMER_TRANSITION_SETTLE_TICKS" envDefault:"2"`
	AutoUnloadScenarios   bool `env:"STREAMER_AUTO_UNLOAD_SCENARIOS" envDefault:"true"`
	// ScenarioPolicy takes precedence over AutoUnloadScenarios when set:
	// auto-unload, manual or stack.
	ScenarioPolicy string `env:"STREAMER_SCENARIO_POLICY"`

	ProximityMaxOpsPerTick        int     `env:"STREAMER_PROXIMITY_MAX_OPS_PER_TICK" envDefault:"4"`
	ProximityHorizontalMultiplier float64 `env:"STREAMER_PROXIMITY_HORIZONTAL_MULTIPLIER" envDefault:"2"`
	ProximityVerticalMultiplier   float64 `env:"STREAMER_PROXIMITY_VERTICAL_MULTIPLIER" envDefault:"1.5"`
	ProximityMinMoveDelta         float64 `env:"STREAMER_PROXIMITY_MIN_MOVE_DELTA" envDefault:"0.5"`
	ProximityParallelThreshold    int     `env:"STREAMER_PROXIMITY_PARALLEL_THRESHOLD" envDefault:"64"`
}

// ErrInvalidSettings wraps every validation failure reported by Validate.
var ErrInvalidSettings = errors.New("invalid settings")

// Load parses Settings from the environment and validates them.
func Load() (Settings, error) {
	var s Settings
	if err := ParseEnv(&s); err != nil {
		return s, err
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Defaults returns the built-in tuning without consulting the environment.
func Defaults() Settings {
	var s Settings
	if err := parseDefaults(&s); err != nil {
		// The tags are static; a failure here is a programming error.
		panic(err)
	}
	return s
}

// Validate checks that every tunable is usable.
func (s Settings) Validate() error {
	switch {
	case s.MaxConcurrent <= 0:
		return fmt.Errorf("%w: max concurrent must be > 0, got %d", ErrInvalidSettings, s.MaxConcurrent)
	case s.FrameBudget <= 0:
		return fmt.Errorf("%w: frame budget must be > 0, got %s", ErrInvalidSettings, s.FrameBudget)
	case s.DebounceTicks <= 0:
		return fmt.Errorf("%w: debounce ticks must be > 0, got %d", ErrInvalidSettings, s.DebounceTicks)
	case s.SettleTicks < 0:
		return fmt.Errorf("%w: settle ticks must be >= 0, got %d", ErrInvalidSettings, s.SettleTicks)
	case s.ValidationWorkers <= 0:
		return fmt.Errorf("%w: validation workers must be > 0, got %d", ErrInvalidSettings, s.ValidationWorkers)
	case s.TransitionSettleTicks < 0:
		return fmt.Errorf("%w: transition settle ticks must be >= 0, got %d", ErrInvalidSettings, s.TransitionSettleTicks)
	case s.ProximityMaxOpsPerTick <= 0:
		return fmt.Errorf("%w: proximity ops per tick must be > 0, got %d", ErrInvalidSettings, s.ProximityMaxOpsPerTick)
	case s.ProximityHorizontalMultiplier < 1 || s.ProximityVerticalMultiplier < 1:
		return fmt.Errorf("%w: proximity multipliers must be >= 1", ErrInvalidSettings)
	case s.ProximityMinMoveDelta < 0:
		return fmt.Errorf("%w: proximity min move delta must be >= 0", ErrInvalidSettings)
	}
	switch s.ScenarioPolicy {
	case "", "auto-unload", "manual", "stack":
	default:
		return fmt.Errorf("%w: unknown scenario policy %q", ErrInvalidSettings, s.ScenarioPolicy)
	}
	return nil
}

// EffectiveScenarioPolicy resolves ScenarioPolicy, falling back to the
// AutoUnloadScenarios switch.
func (s Settings) EffectiveScenarioPolicy() string {
	if s.ScenarioPolicy != "" {
		return s.ScenarioPolicy
	}
	if s.AutoUnloadScenarios {
		return "auto-unload"
	}
	return "manual"
}
