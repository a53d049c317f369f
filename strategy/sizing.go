package strategy

import (
	"fmt"
	"math"
)

// balanceBuffer keeps 1% of the balance for fees and slippage.
const balanceBuffer = 0.99

// OrderSize is the result of sizing one trader order.
type OrderSize struct {
	TraderOrderSize  float64 `json:"trader_order_size"`
	BaseAmount       float64 `json:"base_amount"`
	FinalAmount      float64 `json:"final_amount"`
	Strategy         Kind    `json:"strategy"`
	Multiplier       float64 `json:"multiplier"`
	CappedByMax      bool    `json:"capped_by_max"`
	ReducedByBalance bool    `json:"reduced_by_balance"`
	BelowMinimum     bool    `json:"below_minimum"`
	Reasoning        string  `json:"reasoning"`
}

// CalculateOrderSize converts the trader's order notional into the operator's
// order notional. Caps apply in a fixed order: max order size, position limit,
// available balance, minimum order size.
func CalculateOrderSize(cfg Config, traderOrderSize, availableBalance, currentPositionSize float64) OrderSize {
	res := OrderSize{TraderOrderSize: traderOrderSize, Strategy: cfg.Strategy}

	switch cfg.Strategy {
	case KindFixed:
		res.BaseAmount = cfg.CopySize
		res.Reasoning = fmt.Sprintf("Fixed amount: $%.2f", res.BaseAmount)
	case KindAdaptive:
		pct := adaptivePercent(cfg, traderOrderSize)
		res.BaseAmount = traderOrderSize * pct / 100
		res.Reasoning = fmt.Sprintf("Adaptive %.1f%% of trader's $%.2f = $%.2f", pct, traderOrderSize, res.BaseAmount)
	default:
		res.BaseAmount = traderOrderSize * cfg.CopySize / 100
		res.Reasoning = fmt.Sprintf("%g%% of trader's $%.2f = $%.2f", cfg.CopySize, traderOrderSize, res.BaseAmount)
	}

	res.Multiplier = TradeMultiplier(cfg, traderOrderSize)
	amount := res.BaseAmount * res.Multiplier
	if res.Multiplier != 1.0 {
		res.Reasoning += fmt.Sprintf(" x%g: $%.2f -> $%.2f", res.Multiplier, res.BaseAmount, amount)
	}

	if amount > cfg.MaxOrderSizeUSD {
		amount = cfg.MaxOrderSizeUSD
		res.CappedByMax = true
		res.Reasoning += fmt.Sprintf(" capped at max $%g", cfg.MaxOrderSizeUSD)
	}

	if cfg.MaxPositionSizeUSD != nil && currentPositionSize+amount > *cfg.MaxPositionSizeUSD {
		allowed := math.Max(0, *cfg.MaxPositionSizeUSD-currentPositionSize)
		if allowed < cfg.MinOrderSizeUSD {
			amount = 0
			res.Reasoning += " position limit reached"
		} else {
			amount = allowed
			res.Reasoning += " reduced to fit position limit"
		}
	}

	if maxAffordable := availableBalance * balanceBuffer; amount > maxAffordable {
		amount = math.Max(0, maxAffordable)
		res.ReducedByBalance = true
		res.Reasoning += fmt.Sprintf(" reduced to fit balance ($%.2f)", amount)
	}

	if amount < cfg.MinOrderSizeUSD {
		res.BelowMinimum = true
		res.Reasoning += fmt.Sprintf(" below minimum $%g", cfg.MinOrderSizeUSD)
		amount = 0
	}

	res.FinalAmount = amount
	return res
}

func adaptivePercent(cfg Config, size float64) float64 {
	minPct := cfg.CopySize
	if cfg.AdaptiveMinPercent != nil {
		minPct = *cfg.AdaptiveMinPercent
	}
	maxPct := cfg.CopySize
	if cfg.AdaptiveMaxPercent != nil {
		maxPct = *cfg.AdaptiveMaxPercent
	}
	threshold := defaultAdaptiveThreshold
	if cfg.AdaptiveThreshold != nil && *cfg.AdaptiveThreshold > 0 {
		threshold = *cfg.AdaptiveThreshold
	}

	if size >= threshold {
		return lerp(cfg.CopySize, minPct, size/threshold-1)
	}
	return lerp(maxPct, cfg.CopySize, size/threshold)
}

// lerp interpolates between a and b with t clamped to [0, 1].
func lerp(a, b, t float64) float64 {
	return a + (b-a)*math.Max(0, math.Min(1, t))
}
