package strategy

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseTiers parses "min-max:mult,min+:mult" into a tier table. Tiers must be
// listed in ascending order, must not overlap, and only the last tier may be
// open ended.
func ParseTiers(s string) ([]MultiplierTier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var tiers []MultiplierTier
	for _, def := range strings.Split(s, ",") {
		def = strings.TrimSpace(def)
		if def == "" {
			continue
		}
		tier, err := parseTier(def)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, tier)
	}

	if err := ValidateTiers(tiers); err != nil {
		return nil, err
	}
	return tiers, nil
}

func parseTier(def string) (MultiplierTier, error) {
	parts := strings.Split(def, ":")
	if len(parts) != 2 {
		return MultiplierTier{}, fmt.Errorf("%w: invalid tier format %q, expected 'min-max:multiplier' or 'min+:multiplier'", ErrInvalidConfig, def)
	}
	rangePart, multStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])

	mult, err := strconv.ParseFloat(multStr, 64)
	if err != nil || mult < 0 {
		return MultiplierTier{}, fmt.Errorf("%w: invalid multiplier in tier %q", ErrInvalidConfig, def)
	}

	if strings.HasSuffix(rangePart, "+") {
		min, err := strconv.ParseFloat(strings.TrimSuffix(rangePart, "+"), 64)
		if err != nil || min < 0 {
			return MultiplierTier{}, fmt.Errorf("%w: invalid minimum in tier %q", ErrInvalidConfig, def)
		}
		return MultiplierTier{Min: min, Multiplier: mult}, nil
	}

	minStr, maxStr, ok := strings.Cut(rangePart, "-")
	if !ok {
		return MultiplierTier{}, fmt.Errorf("%w: invalid range format in tier %q, use 'min-max' or 'min+'", ErrInvalidConfig, def)
	}
	min, err1 := strconv.ParseFloat(strings.TrimSpace(minStr), 64)
	max, err2 := strconv.ParseFloat(strings.TrimSpace(maxStr), 64)
	if err1 != nil || err2 != nil || min < 0 || max <= min {
		return MultiplierTier{}, fmt.Errorf("%w: invalid range in tier %q", ErrInvalidConfig, def)
	}
	return MultiplierTier{Min: min, Max: &max, Multiplier: mult}, nil
}

// ValidateTiers checks ordering, overlap and open-tier placement.
func ValidateTiers(tiers []MultiplierTier) error {
	for i := 0; i < len(tiers)-1; i++ {
		cur, next := tiers[i], tiers[i+1]
		if cur.Max == nil {
			return fmt.Errorf("%w: tier with infinite upper bound must be last: %s", ErrInvalidConfig, cur)
		}
		if next.Min < cur.Min {
			return fmt.Errorf("%w: tiers out of order: %s listed before %s", ErrInvalidConfig, cur, next)
		}
		if *cur.Max > next.Min {
			return fmt.Errorf("%w: overlapping tiers: %s and %s", ErrInvalidConfig, cur, next)
		}
	}
	return nil
}

// FormatTiers renders a tier table back into its config syntax.
func FormatTiers(tiers []MultiplierTier) string {
	parts := make([]string, len(tiers))
	for i, t := range tiers {
		parts[i] = t.String()
	}
	return strings.Join(parts, ",")
}

// TradeMultiplier picks the multiplier for a trader order of the given
// notional. When a tier table is configured but no tier matches, the last
// tier's multiplier applies.
func TradeMultiplier(cfg Config, traderOrderSize float64) float64 {
	if len(cfg.TieredMultipliers) > 0 {
		for _, tier := range cfg.TieredMultipliers {
			if tier.Contains(traderOrderSize) {
				return tier.Multiplier
			}
		}
		return cfg.TieredMultipliers[len(cfg.TieredMultipliers)-1].Multiplier
	}
	if cfg.TradeMultiplier != nil {
		return *cfg.TradeMultiplier
	}
	return 1.0
}
