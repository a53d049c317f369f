package strategy

import (
	"fmt"
	"strings"
)

// Recommended returns a conservative starting config for the given balance.
func Recommended(balanceUSD float64) Config {
	switch {
	case balanceUSD < 500:
		return Config{
			Strategy:           KindPercentage,
			CopySize:           5.0,
			MaxOrderSizeUSD:    20.0,
			MinOrderSizeUSD:    1.0,
			MaxPositionSizeUSD: Float(50.0),
			MaxDailyVolumeUSD:  Float(100.0),
		}
	case balanceUSD < 2000:
		return Config{
			Strategy:           KindPercentage,
			CopySize:           10.0,
			MaxOrderSizeUSD:    50.0,
			MinOrderSizeUSD:    1.0,
			MaxPositionSizeUSD: Float(200.0),
			MaxDailyVolumeUSD:  Float(500.0),
		}
	default:
		return Config{
			Strategy:           KindAdaptive,
			CopySize:           10.0,
			AdaptiveMinPercent: Float(5.0),
			AdaptiveMaxPercent: Float(15.0),
			AdaptiveThreshold:  Float(300.0),
			MaxOrderSizeUSD:    100.0,
			MinOrderSizeUSD:    1.0,
			MaxPositionSizeUSD: Float(1000.0),
			MaxDailyVolumeUSD:  Float(2000.0),
		}
	}
}

// Describe renders the config as a multi-line human readable summary.
func Describe(cfg Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Strategy: %s\n", cfg.Strategy)

	switch cfg.Strategy {
	case KindFixed:
		fmt.Fprintf(&b, "Copy size: $%.2f per trade\n", cfg.CopySize)
	case KindAdaptive:
		fmt.Fprintf(&b, "Base copy size: %g%%\n", cfg.CopySize)
		if cfg.AdaptiveMinPercent != nil && cfg.AdaptiveMaxPercent != nil {
			fmt.Fprintf(&b, "Adaptive range: %g%% - %g%%\n", *cfg.AdaptiveMinPercent, *cfg.AdaptiveMaxPercent)
		}
		threshold := defaultAdaptiveThreshold
		if cfg.AdaptiveThreshold != nil {
			threshold = *cfg.AdaptiveThreshold
		}
		fmt.Fprintf(&b, "Adaptive threshold: $%.2f\n", threshold)
	default:
		fmt.Fprintf(&b, "Copy size: %g%% of trader's order\n", cfg.CopySize)
	}

	if len(cfg.TieredMultipliers) > 0 {
		fmt.Fprintf(&b, "Tiered multipliers: %s\n", FormatTiers(cfg.TieredMultipliers))
	} else if cfg.TradeMultiplier != nil {
		fmt.Fprintf(&b, "Trade multiplier: %gx\n", *cfg.TradeMultiplier)
	}

	fmt.Fprintf(&b, "Order size: $%.2f - $%.2f\n", cfg.MinOrderSizeUSD, cfg.MaxOrderSizeUSD)
	if cfg.MaxPositionSizeUSD != nil {
		fmt.Fprintf(&b, "Max position: $%.2f\n", *cfg.MaxPositionSizeUSD)
	}
	if cfg.MaxDailyVolumeUSD != nil {
		fmt.Fprintf(&b, "Max daily volume: $%.2f\n", *cfg.MaxDailyVolumeUSD)
	}
	return b.String()
}
