package models

import (
	"strings"
	"time"
)

// Trade sides as reported by the data API
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Activity types the engine mirrors
const (
	ActivityTrade = "TRADE"
	ActivityMerge = "MERGE"
)

// AttemptsTooOld marks a record that was skipped because it predates the cutoff
// (or predates the current process start).
const AttemptsTooOld = 999

// AttemptsInFlight is written when the executor claims a record.
const AttemptsInFlight = 1

// ExecutionState is the lifecycle of a TradeRecord inside the engine.
type ExecutionState string

const (
	StatePending                 ExecutionState = "pending"
	StateInFlight                ExecutionState = "in_flight"
	StateDone                    ExecutionState = "done"
	StateSkipped                 ExecutionState = "skipped"
	StateFailedInsufficientFunds ExecutionState = "failed_insufficient_funds"
)

// Terminal reports whether no further transition is allowed.
func (s ExecutionState) Terminal() bool {
	switch s {
	case StateDone, StateSkipped, StateFailedInsufficientFunds:
		return true
	}
	return false
}

// TradeRecord is one observed trade by a tracked trader plus the execution
// state the engine keeps for it.
type TradeRecord struct {
	ID              int64     `json:"id"`
	TraderAddress   string    `json:"trader_address"`
	Type            string    `json:"type"` // TRADE or MERGE
	Timestamp       int64     `json:"timestamp"`
	ConditionID     string    `json:"condition_id"`
	Asset           string    `json:"asset"`
	Side            string    `json:"side"`
	Size            float64   `json:"size"`      // shares
	UsdcSize        float64   `json:"usdc_size"` // notional
	Price           float64   `json:"price"`
	TransactionHash string    `json:"transaction_hash"`
	Title           string    `json:"title"`
	Slug            string    `json:"slug"`
	EventSlug       string    `json:"event_slug"`
	Outcome         string    `json:"outcome"`
	OutcomeIndex    int       `json:"outcome_index"`
	Name            string    `json:"name"`
	Pseudonym       string    `json:"pseudonym"`
	InsertedAt      time.Time `json:"inserted_at"`

	// Execution state
	Processed    bool           `json:"processed"`
	Attempts     int            `json:"attempts"`
	State        ExecutionState `json:"state"`
	MyBoughtSize float64        `json:"my_bought_size"`
}

// Key identifies the record inside a trader's ledger.
func (t TradeRecord) Key() TradeKey {
	return TradeKey{Trader: NormalizeAddress(t.TraderAddress), TxHash: t.TransactionHash}
}

// IsBuy reports whether the trader bought.
func (t TradeRecord) IsBuy() bool {
	return strings.EqualFold(t.Side, SideBuy)
}

// IsMerge reports whether the record is a MERGE activity.
func (t TradeRecord) IsMerge() bool {
	return strings.EqualFold(t.Type, ActivityMerge)
}

// Label is a short market label for log lines.
func (t TradeRecord) Label() string {
	if t.Slug != "" {
		return t.Slug
	}
	return ShortID(t.Asset)
}

// TradeKey is the natural dedup key of a TradeRecord.
type TradeKey struct {
	Trader string
	TxHash string
}

// TradeOutcome is the terminal write applied to a record.
type TradeOutcome struct {
	State        ExecutionState
	Attempts     int
	MyBoughtSize *float64
}

// NormalizeAddress lowercases and trims a wallet address.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ShortAddress renders 0x1234...abcd for logs.
func ShortAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

// ShortID truncates long token ids for logs.
func ShortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:6] + "..." + id[len(id)-4:]
}
