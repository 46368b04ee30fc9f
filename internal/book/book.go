// Package book maintains the two-sided price->size maps for one venue's
// order book and enforces the consistency invariants of spec.md section 3
// before publication.
package book

import "sort"

// Book holds bids and asks keyed by price. It is touched only by the
// single reader goroutine of its owning connection; no internal locking.
type Book struct {
	Bids map[float64]float64
	Asks map[float64]float64
}

// New returns an empty book.
func New() *Book {
	return &Book{Bids: make(map[float64]float64), Asks: make(map[float64]float64)}
}

// Reset clears both sides, as required on every transport restart, on
// snapshot replacement, and on detected inconsistency.
func (b *Book) Reset() {
	b.Bids = make(map[float64]float64)
	b.Asks = make(map[float64]float64)
}

// SetBid sets or updates a bid price level. A non-positive size deletes it.
func (b *Book) SetBid(price, size float64) {
	setLevel(b.Bids, price, size)
}

// SetAsk sets or updates an ask price level. A non-positive size deletes it.
func (b *Book) SetAsk(price, size float64) {
	setLevel(b.Asks, price, size)
}

// DeleteBid removes a bid price level outright.
func (b *Book) DeleteBid(price float64) { delete(b.Bids, price) }

// DeleteAsk removes an ask price level outright.
func (b *Book) DeleteAsk(price float64) { delete(b.Asks, price) }

func setLevel(side map[float64]float64, price, size float64) {
	if size <= 0 {
		delete(side, price)
		return
	}
	side[price] = size
}

// SortedBids returns bids in descending price order.
func (b *Book) SortedBids() []Level {
	return sortLevels(b.Bids, true)
}

// SortedAsks returns asks in ascending price order.
func (b *Book) SortedAsks() []Level {
	return sortLevels(b.Asks, false)
}

// Level is a materialised (price, volume) pair for publication.
type Level struct {
	Price  float64
	Volume float64
}

func sortLevels(side map[float64]float64, descending bool) []Level {
	out := make([]Level, 0, len(side))
	for p, v := range side {
		out = append(out, Level{Price: p, Volume: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

// Consistent reports whether the book satisfies spec.md section 3's
// publish-time invariants: both sides non-empty, all prices/volumes
// strictly positive, and the book is not crossed (max bid <= min ask).
func (b *Book) Consistent() bool {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return false
	}
	var maxBid, minAsk float64
	first := true
	for p, v := range b.Bids {
		if p <= 0 || v <= 0 {
			return false
		}
		if first || p > maxBid {
			maxBid = p
		}
		first = false
	}
	first = true
	for p, v := range b.Asks {
		if p <= 0 || v <= 0 {
			return false
		}
		if first || p < minAsk {
			minAsk = p
		}
		first = false
	}
	return maxBid <= minAsk
}

// TopLevels returns up to depth levels per side, interleaved bid, ask,
// bid, ask, ... starting from best price outward, for the archive's
// price-dump record. The returned slice has length
// 2*min(len(bids), len(asks), depth).
func (b *Book) TopLevels(depth int) []Level {
	bids := b.SortedBids()
	asks := b.SortedAsks()
	n := depth
	if len(bids) < n {
		n = len(bids)
	}
	if len(asks) < n {
		n = len(asks)
	}
	out := make([]Level, 0, 2*n)
	for i := 0; i < n; i++ {
		out = append(out, bids[i], asks[i])
	}
	return out
}
