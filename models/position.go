package models

import (
	"sort"
	"time"
)

// PositionSnapshot is the last known state of a wallet's holding in one
// market outcome. It is refreshed wholesale on every poll.
type PositionSnapshot struct {
	ProxyWallet        string    `json:"proxy_wallet"`
	Asset              string    `json:"asset"`
	ConditionID        string    `json:"condition_id"`
	Size               float64   `json:"size"`
	AvgPrice           float64   `json:"avg_price"`
	InitialValue       float64   `json:"initial_value"`
	CurrentValue       float64   `json:"current_value"`
	CashPnl            float64   `json:"cash_pnl"`
	PercentPnl         float64   `json:"percent_pnl"`
	TotalBought        float64   `json:"total_bought"`
	RealizedPnl        float64   `json:"realized_pnl"`
	PercentRealizedPnl float64   `json:"percent_realized_pnl"`
	CurPrice           float64   `json:"cur_price"`
	Redeemable         bool      `json:"redeemable"`
	Mergeable          bool      `json:"mergeable"`
	Title              string    `json:"title"`
	Slug               string    `json:"slug"`
	EventSlug          string    `json:"event_slug"`
	Outcome            string    `json:"outcome"`
	OutcomeIndex       int       `json:"outcome_index"`
	OppositeOutcome    string    `json:"opposite_outcome"`
	OppositeAsset      string    `json:"opposite_asset"`
	EndDate            string    `json:"end_date"`
	NegativeRisk       bool      `json:"negative_risk"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Notional is the position's cost basis (size × average price).
func (p PositionSnapshot) Notional() float64 {
	return p.Size * p.AvgPrice
}

// FindByCondition returns the first position in the given market, or nil.
func FindByCondition(positions []PositionSnapshot, conditionID string) *PositionSnapshot {
	for i := range positions {
		if positions[i].ConditionID == conditionID {
			return &positions[i]
		}
	}
	return nil
}

// PositionStats summarises a set of positions.
type PositionStats struct {
	TotalValue   float64 `json:"total_value"`
	InitialValue float64 `json:"initial_value"`
	WeightedPnl  float64 `json:"weighted_pnl"`
	OverallPnl   float64 `json:"overall_pnl"` // value-weighted percent P&L
}

// CalculatePositionStats aggregates value and value-weighted percent P&L.
func CalculatePositionStats(positions []PositionSnapshot) PositionStats {
	var stats PositionStats
	for _, p := range positions {
		stats.TotalValue += p.CurrentValue
		stats.InitialValue += p.InitialValue
		stats.WeightedPnl += p.CurrentValue * p.PercentPnl
	}
	if stats.TotalValue > 0 {
		stats.OverallPnl = stats.WeightedPnl / stats.TotalValue
	}
	return stats
}

// TopByPercentPnl returns up to n positions ordered by percent P&L, best first.
func TopByPercentPnl(positions []PositionSnapshot, n int) []PositionSnapshot {
	sorted := make([]PositionSnapshot, len(positions))
	copy(sorted, positions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PercentPnl > sorted[j].PercentPnl
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// TotalCurrentValue sums current value across positions.
func TotalCurrentValue(positions []PositionSnapshot) float64 {
	total := 0.0
	for _, p := range positions {
		total += p.CurrentValue
	}
	return total
}
