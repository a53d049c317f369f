package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/models"
)

// Numeric handles Polymarket numbers that may arrive as strings or numbers.
type Numeric float64

func (n *Numeric) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || strings.EqualFold(string(data), "null") {
		*n = 0
		return nil
	}

	if data[0] == '"' && data[len(data)-1] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*n = Numeric(f)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = Numeric(f)
	return nil
}

func (n Numeric) Float64() float64 {
	return float64(n)
}

// Activity is one entry of the data API /activity feed.
type Activity struct {
	ProxyWallet     string  `json:"proxyWallet"`
	Timestamp       int64   `json:"timestamp"`
	ConditionID     string  `json:"conditionId"`
	Type            string  `json:"type"` // TRADE, MERGE, REDEEM, SPLIT, ...
	Size            Numeric `json:"size"`
	UsdcSize        Numeric `json:"usdcSize"`
	TransactionHash string  `json:"transactionHash"`
	Price           Numeric `json:"price"`
	Asset           string  `json:"asset"`
	Side            string  `json:"side"`
	OutcomeIndex    int     `json:"outcomeIndex"`
	Title           string  `json:"title"`
	Slug            string  `json:"slug"`
	Icon            string  `json:"icon"`
	EventSlug       string  `json:"eventSlug"`
	Outcome         string  `json:"outcome"`
	Name            string  `json:"name"`
	Pseudonym       string  `json:"pseudonym"`
	Bio             string  `json:"bio"`
	ProfileImage    string  `json:"profileImage"`
}

// ToTradeRecord converts a feed entry into a pending ledger record for the
// given trader. Entries the executor cannot act on are rejected.
func (a Activity) ToTradeRecord(trader string) (models.TradeRecord, error) {
	if a.TransactionHash == "" {
		return models.TradeRecord{}, fmt.Errorf("activity without transaction hash")
	}
	kind := strings.ToUpper(a.Type)
	side := strings.ToUpper(a.Side)

	switch kind {
	case models.ActivityTrade:
		if side != models.SideBuy && side != models.SideSell {
			return models.TradeRecord{}, fmt.Errorf("trade %s has unknown side %q", models.ShortID(a.TransactionHash), a.Side)
		}
		if a.Asset == "" || a.ConditionID == "" {
			return models.TradeRecord{}, fmt.Errorf("trade %s has no asset or condition", models.ShortID(a.TransactionHash))
		}
		if a.Price <= 0 || a.Size <= 0 {
			return models.TradeRecord{}, fmt.Errorf("trade %s has non-positive price or size", models.ShortID(a.TransactionHash))
		}
	case models.ActivityMerge:
		if a.ConditionID == "" {
			return models.TradeRecord{}, fmt.Errorf("merge %s has no condition", models.ShortID(a.TransactionHash))
		}
	default:
		return models.TradeRecord{}, fmt.Errorf("unsupported activity type %q", a.Type)
	}

	return models.TradeRecord{
		TraderAddress:   models.NormalizeAddress(trader),
		Type:            kind,
		Timestamp:       a.Timestamp,
		ConditionID:     a.ConditionID,
		Asset:           a.Asset,
		Side:            side,
		Size:            a.Size.Float64(),
		UsdcSize:        a.UsdcSize.Float64(),
		Price:           a.Price.Float64(),
		TransactionHash: a.TransactionHash,
		Title:           a.Title,
		Slug:            a.Slug,
		EventSlug:       a.EventSlug,
		Outcome:         a.Outcome,
		OutcomeIndex:    a.OutcomeIndex,
		Name:            a.Name,
		Pseudonym:       a.Pseudonym,
		State:           models.StatePending,
	}, nil
}

// Position is one entry of the data API /positions response.
type Position struct {
	ProxyWallet        string  `json:"proxyWallet"`
	Asset              string  `json:"asset"`
	ConditionID        string  `json:"conditionId"`
	Size               Numeric `json:"size"`
	AvgPrice           Numeric `json:"avgPrice"`
	InitialValue       Numeric `json:"initialValue"`
	CurrentValue       Numeric `json:"currentValue"`
	CashPnl            Numeric `json:"cashPnl"`
	PercentPnl         Numeric `json:"percentPnl"`
	TotalBought        Numeric `json:"totalBought"`
	RealizedPnl        Numeric `json:"realizedPnl"`
	PercentRealizedPnl Numeric `json:"percentRealizedPnl"`
	CurPrice           Numeric `json:"curPrice"`
	Redeemable         bool    `json:"redeemable"`
	Mergeable          bool    `json:"mergeable"`
	Title              string  `json:"title"`
	Slug               string  `json:"slug"`
	Icon               string  `json:"icon"`
	EventSlug          string  `json:"eventSlug"`
	Outcome            string  `json:"outcome"`
	OutcomeIndex       int     `json:"outcomeIndex"`
	OppositeOutcome    string  `json:"oppositeOutcome"`
	OppositeAsset      string  `json:"oppositeAsset"`
	EndDate            string  `json:"endDate"`
	NegativeRisk       bool    `json:"negativeRisk"`
}

// ToSnapshot converts the API position into the stored snapshot shape.
func (p Position) ToSnapshot(now time.Time) models.PositionSnapshot {
	return models.PositionSnapshot{
		ProxyWallet:        models.NormalizeAddress(p.ProxyWallet),
		Asset:              p.Asset,
		ConditionID:        p.ConditionID,
		Size:               p.Size.Float64(),
		AvgPrice:           p.AvgPrice.Float64(),
		InitialValue:       p.InitialValue.Float64(),
		CurrentValue:       p.CurrentValue.Float64(),
		CashPnl:            p.CashPnl.Float64(),
		PercentPnl:         p.PercentPnl.Float64(),
		TotalBought:        p.TotalBought.Float64(),
		RealizedPnl:        p.RealizedPnl.Float64(),
		PercentRealizedPnl: p.PercentRealizedPnl.Float64(),
		CurPrice:           p.CurPrice.Float64(),
		Redeemable:         p.Redeemable,
		Mergeable:          p.Mergeable,
		Title:              p.Title,
		Slug:               p.Slug,
		EventSlug:          p.EventSlug,
		Outcome:            p.Outcome,
		OutcomeIndex:       p.OutcomeIndex,
		OppositeOutcome:    p.OppositeOutcome,
		OppositeAsset:      p.OppositeAsset,
		EndDate:            p.EndDate,
		NegativeRisk:       p.NegativeRisk,
		UpdatedAt:          now,
	}
}

// Snapshots converts a positions response, stamping each entry with the
// owning wallet when the API omitted it.
func Snapshots(wallet string, positions []Position, now time.Time) []models.PositionSnapshot {
	out := make([]models.PositionSnapshot, 0, len(positions))
	for _, p := range positions {
		s := p.ToSnapshot(now)
		if s.ProxyWallet == "" {
			s.ProxyWallet = models.NormalizeAddress(wallet)
		}
		out = append(out, s)
	}
	return out
}
