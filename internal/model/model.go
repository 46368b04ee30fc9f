// Package model defines the primitive and record types shared by every
// venue adapter, the book reconstructor, the market-data provider and the
// archival writer.
package model

// Side is the taker's direction for a trade.
type Side int

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// PriceLevel is a single (price, volume) pair. Both fields are strictly
// positive at publish time; zero is treated as a sentinel meaning "unset".
type PriceLevel struct {
	Price  float64
	Volume float64
}

// TradeRecord is a single normalised taker trade, common to all venues.
type TradeRecord struct {
	Venue        string
	Symbol       string
	Price        float64
	Volume       float64
	TimestampUS  uint64
	Side         Side
}

// SignedVolume returns Volume with a sign encoding Side: positive for buy,
// negative for sell. This is the representation persisted to the trades
// archive (spec.md section 6).
func (t TradeRecord) SignedVolume() float64 {
	if t.Side == SideSell {
		return -t.Volume
	}
	return t.Volume
}

// PriceLevelDump is a top-N snapshot of both sides of a book at a single
// instant, in the interleaved b0,a0,b1,a1,... order the archive writer
// serialises.
type PriceLevelDump struct {
	Venue       string
	Symbol      string
	TimestampUS uint64
	Levels      []PriceLevel // len == 2*N, interleaved bid,ask,bid,ask,...
	Depth       int
}

// GeneralSymbolDescription names one instrument and how it is spelled on
// each configured venue.
type GeneralSymbolDescription struct {
	Symbol  string
	Mapping map[string]string // venue -> venue-specific symbol
	Depth   int
}
