package api

import "strconv"

// Level is a parsed order book level.
type Level struct {
	Price float64
	Size  float64
}

// BestAsk returns the lowest priced ask. Levels that fail to parse or carry
// no size are ignored.
func (b *OrderBook) BestAsk() (Level, bool) {
	return bestLevel(b.Asks, func(candidate, best float64) bool { return candidate < best })
}

// BestBid returns the highest priced bid.
func (b *OrderBook) BestBid() (Level, bool) {
	return bestLevel(b.Bids, func(candidate, best float64) bool { return candidate > best })
}

func bestLevel(levels []OrderBookLevel, better func(candidate, best float64) bool) (Level, bool) {
	var best Level
	found := false
	for _, l := range levels {
		lvl, ok := l.parse()
		if !ok {
			continue
		}
		if !found || better(lvl.Price, best.Price) {
			best = lvl
			found = true
		}
	}
	return best, found
}

func (l OrderBookLevel) parse() (Level, bool) {
	price, err := strconv.ParseFloat(l.Price, 64)
	if err != nil || price <= 0 {
		return Level{}, false
	}
	size, err := strconv.ParseFloat(l.Size, 64)
	if err != nil || size <= 0 {
		return Level{}, false
	}
	return Level{Price: price, Size: size}, true
}
