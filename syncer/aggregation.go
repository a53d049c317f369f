package syncer

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/models"
)

// AggregatedTrade groups small BUY trades of one trader in one outcome so
// they can be mirrored as a single order.
type AggregatedTrade struct {
	Key          string
	Trader       string
	ConditionID  string
	Asset        string
	Side         string
	Trades       []models.TradeRecord
	TotalUSDC    float64
	TotalSize    float64
	AveragePrice float64 // notional weighted
	FirstSeen    time.Time
	LastSeen     time.Time

	// Discarded is set on drain when the group never reached the minimum.
	Discarded bool
}

func aggregationKey(t models.TradeRecord) string {
	return strings.Join([]string{
		models.NormalizeAddress(t.TraderAddress), t.ConditionID, t.Asset, strings.ToUpper(t.Side),
	}, ":")
}

func (g *AggregatedTrade) add(t models.TradeRecord, now time.Time) {
	g.Trades = append(g.Trades, t)
	g.TotalSize += t.Size

	weighted := g.AveragePrice*g.TotalUSDC + t.UsdcSize*t.Price
	g.TotalUSDC += t.UsdcSize
	if g.TotalUSDC > 0 {
		g.AveragePrice = weighted / g.TotalUSDC
	}
	g.LastSeen = now
}

// Keys returns the ledger keys of the constituent trades.
func (g *AggregatedTrade) Keys() []models.TradeKey {
	keys := make([]models.TradeKey, len(g.Trades))
	for i, t := range g.Trades {
		keys[i] = t.Key()
	}
	return keys
}

// Synthetic builds the trade the executor mirrors for the whole group. It
// carries the first constituent's metadata with the summed size and the
// weighted average price.
func (g *AggregatedTrade) Synthetic() models.TradeRecord {
	if len(g.Trades) == 0 {
		return models.TradeRecord{}
	}
	synthetic := g.Trades[0]
	synthetic.Size = g.TotalSize
	synthetic.UsdcSize = g.TotalUSDC
	synthetic.Price = g.AveragePrice
	synthetic.Timestamp = g.Trades[len(g.Trades)-1].Timestamp
	synthetic.TransactionHash = "agg:" + g.Key
	return synthetic
}

// regroup rebuilds an aggregated job's synthetic trade from the constituents
// that were actually claimed, keeping the original synthetic hash.
func regroup(synthetic models.TradeRecord, claimed []models.TradeRecord) models.TradeRecord {
	g := &AggregatedTrade{}
	for _, t := range claimed {
		g.add(t, time.Time{})
	}
	out := g.Synthetic()
	out.TransactionHash = synthetic.TransactionHash
	return out
}

// AggregationBuffer holds sub-minimum BUY trades until their group's window
// elapses. It is shared by the execution loop and status readers.
type AggregationBuffer struct {
	mu       sync.Mutex
	groups   map[string]*AggregatedTrade
	held     map[models.TradeKey]string // trade -> group key
	window   time.Duration
	minTotal float64
	now      func() time.Time
}

func NewAggregationBuffer(window time.Duration, minTotalUSD float64) *AggregationBuffer {
	return &AggregationBuffer{
		groups:   make(map[string]*AggregatedTrade),
		held:     make(map[models.TradeKey]string),
		window:   window,
		minTotal: minTotalUSD,
		now:      time.Now,
	}
}

// Eligible reports whether a trade should wait in the buffer rather than be
// dispatched immediately.
func (b *AggregationBuffer) Eligible(t models.TradeRecord) bool {
	return !t.IsMerge() && t.IsBuy() && t.UsdcSize < b.minTotal
}

// Offer buffers an eligible trade. It returns false when the trade should be
// executed right away. A trade that is already held is reported as buffered
// and not added twice.
func (b *AggregationBuffer) Offer(t models.TradeRecord) bool {
	if !b.Eligible(t) {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tk := t.Key()
	if _, ok := b.held[tk]; ok {
		return true
	}

	now := b.now()
	key := aggregationKey(t)
	g, ok := b.groups[key]
	if !ok {
		g = &AggregatedTrade{
			Key:         key,
			Trader:      models.NormalizeAddress(t.TraderAddress),
			ConditionID: t.ConditionID,
			Asset:       t.Asset,
			Side:        strings.ToUpper(t.Side),
			FirstSeen:   now,
		}
		b.groups[key] = g
	}
	g.add(t, now)
	b.held[tk] = key
	return true
}

// Drain removes and returns every group whose window has elapsed, oldest
// first. Groups below the minimum total come back with Discarded set.
func (b *AggregationBuffer) Drain(now time.Time) []*AggregatedTrade {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ready []*AggregatedTrade
	for key, g := range b.groups {
		if now.Sub(g.FirstSeen) < b.window {
			continue
		}
		g.Discarded = g.TotalUSDC < b.minTotal
		ready = append(ready, g)
		delete(b.groups, key)
		for _, t := range g.Trades {
			delete(b.held, t.Key())
		}
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].FirstSeen.Before(ready[j].FirstSeen) })
	return ready
}

// Len returns the number of open groups.
func (b *AggregationBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.groups)
}

// Snapshot copies the open groups for status reporting.
func (b *AggregationBuffer) Snapshot() []AggregatedTrade {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]AggregatedTrade, 0, len(b.groups))
	for _, g := range b.groups {
		cp := *g
		cp.Trades = append([]models.TradeRecord(nil), g.Trades...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out
}
