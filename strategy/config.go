// Package strategy converts a tracked trader's order into the operator's
// order size.
package strategy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is wrapped by every validation failure in this package.
var ErrInvalidConfig = errors.New("invalid copy strategy")

// Kind selects how the base amount is derived from the trader's order.
type Kind string

const (
	KindPercentage Kind = "PERCENTAGE"
	KindFixed      Kind = "FIXED"
	KindAdaptive   Kind = "ADAPTIVE"
)

// ParseKind maps a config string onto a Kind. Unknown values fall back to
// PERCENTAGE.
func ParseKind(s string) Kind {
	switch Kind(strings.ToUpper(strings.TrimSpace(s))) {
	case KindFixed:
		return KindFixed
	case KindAdaptive:
		return KindAdaptive
	default:
		return KindPercentage
	}
}

const defaultAdaptiveThreshold = 500.0

// MultiplierTier scales orders whose trader notional falls in [Min, Max).
// A nil Max means the tier is open ended.
type MultiplierTier struct {
	Min        float64  `json:"min" yaml:"min"`
	Max        *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Multiplier float64  `json:"multiplier" yaml:"multiplier"`
}

// Contains reports whether size falls inside the tier.
func (t MultiplierTier) Contains(size float64) bool {
	if size < t.Min {
		return false
	}
	return t.Max == nil || size < *t.Max
}

func (t MultiplierTier) String() string {
	if t.Max == nil {
		return fmt.Sprintf("%g+:%g", t.Min, t.Multiplier)
	}
	return fmt.Sprintf("%g-%g:%g", t.Min, *t.Max, t.Multiplier)
}

// Config is the copy strategy. It is validated once at startup and treated as
// immutable afterwards.
type Config struct {
	Strategy Kind    `json:"strategy" yaml:"strategy"`
	CopySize float64 `json:"copy_size" yaml:"copy_size"`

	AdaptiveMinPercent *float64 `json:"adaptive_min_percent,omitempty" yaml:"adaptive_min_percent,omitempty"`
	AdaptiveMaxPercent *float64 `json:"adaptive_max_percent,omitempty" yaml:"adaptive_max_percent,omitempty"`
	AdaptiveThreshold  *float64 `json:"adaptive_threshold_usd,omitempty" yaml:"adaptive_threshold_usd,omitempty"`

	TieredMultipliers []MultiplierTier `json:"tiered_multipliers,omitempty" yaml:"-"`
	TradeMultiplier   *float64         `json:"trade_multiplier,omitempty" yaml:"trade_multiplier,omitempty"`

	MaxOrderSizeUSD    float64  `json:"max_order_size_usd" yaml:"max_order_size_usd"`
	MinOrderSizeUSD    float64  `json:"min_order_size_usd" yaml:"min_order_size_usd"`
	MaxPositionSizeUSD *float64 `json:"max_position_size_usd,omitempty" yaml:"max_position_size_usd,omitempty"`
	MaxDailyVolumeUSD  *float64 `json:"max_daily_volume_usd,omitempty" yaml:"max_daily_volume_usd,omitempty"`
}

// Default returns a 10% PERCENTAGE strategy with $1-$100 orders.
func Default() Config {
	return Config{
		Strategy:        KindPercentage,
		CopySize:        10.0,
		MaxOrderSizeUSD: 100.0,
		MinOrderSizeUSD: 1.0,
	}
}

// WithCopySize returns a copy of the config with a different copy size.
func (c Config) WithCopySize(size float64) Config {
	c.CopySize = size
	return c
}

// Validate checks the config and returns every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	switch c.Strategy {
	case KindPercentage, KindFixed, KindAdaptive:
	default:
		add("unknown strategy %q", c.Strategy)
	}
	if c.CopySize <= 0 {
		add("copy_size must be positive")
	}
	if c.Strategy == KindPercentage && c.CopySize > 100 {
		add("copy_size for PERCENTAGE strategy should be <= 100")
	}
	if c.MaxOrderSizeUSD <= 0 {
		add("max_order_size_usd must be positive")
	}
	if c.MinOrderSizeUSD <= 0 {
		add("min_order_size_usd must be positive")
	}
	if c.MinOrderSizeUSD > c.MaxOrderSizeUSD {
		add("min_order_size_usd cannot be greater than max_order_size_usd")
	}
	if c.Strategy == KindAdaptive {
		if c.AdaptiveMinPercent == nil || c.AdaptiveMaxPercent == nil {
			add("ADAPTIVE strategy requires adaptive_min_percent and adaptive_max_percent")
		} else if *c.AdaptiveMinPercent > *c.AdaptiveMaxPercent {
			add("adaptive_min_percent cannot be greater than adaptive_max_percent")
		}
		if c.AdaptiveThreshold != nil && *c.AdaptiveThreshold <= 0 {
			add("adaptive_threshold_usd must be positive")
		}
	}
	if c.MaxPositionSizeUSD != nil && *c.MaxPositionSizeUSD <= 0 {
		add("max_position_size_usd must be positive")
	}
	if c.MaxDailyVolumeUSD != nil && *c.MaxDailyVolumeUSD <= 0 {
		add("max_daily_volume_usd must be positive")
	}
	if err := ValidateTiers(c.TieredMultipliers); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Float returns a pointer to v, for optional config fields.
func Float(v float64) *float64 {
	return &v
}
