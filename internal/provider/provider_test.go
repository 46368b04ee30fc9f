package provider

import (
	"testing"

	"marketfeed/internal/book"
	"marketfeed/internal/config"
	"marketfeed/internal/model"
	"marketfeed/internal/venue/bitmex"
)

func TestInterleaveClampsToShortestSideAndDepth(t *testing.T) {
	bids := []book.Level{{Price: 100, Volume: 1}, {Price: 99, Volume: 2}}
	asks := []book.Level{{Price: 101, Volume: 3}}

	got := interleave(bids, asks, 10)
	if len(got) != 2 {
		t.Fatalf("expected one interleaved pair (clamped by shorter ask side), got %d entries", len(got))
	}
	if got[0].Price != 100 || got[1].Price != 101 {
		t.Fatalf("unexpected interleave order: %+v", got)
	}
}

func TestInterleaveClampsToDepth(t *testing.T) {
	bids := []book.Level{{Price: 100}, {Price: 99}, {Price: 98}}
	asks := []book.Level{{Price: 101}, {Price: 102}, {Price: 103}}

	got := interleave(bids, asks, 2)
	if len(got) != 4 {
		t.Fatalf("expected depth-clamped 2 pairs (4 entries), got %d", len(got))
	}
}

func TestSetDumpQuotesRejectsEmptyPath(t *testing.T) {
	desc := model.GeneralSymbolDescription{Symbol: "BTCUSD", Mapping: map[string]string{"bitfinex": "tBTCUSD"}, Depth: 10}
	p := New(desc, Subscriber{}, bitmex.Credentials{}, config.Defaults(), nil)
	if err := p.SetDumpQuotes(true, "", 1); err == nil {
		t.Fatal("expected an error for an empty dump path")
	}
}

func TestSetDumpQuotesRejectsNonPositiveBlockMinutes(t *testing.T) {
	desc := model.GeneralSymbolDescription{Symbol: "BTCUSD", Mapping: map[string]string{"bitfinex": "tBTCUSD"}, Depth: 10}
	p := New(desc, Subscriber{}, bitmex.Credentials{}, config.Defaults(), nil)
	if err := p.SetDumpQuotes(true, "/tmp/marketfeed-dump-test", 0); err == nil {
		t.Fatal("expected an error for a non-positive block duration")
	}
}

func TestSetDumpQuotesDisableWithoutEnableIsNoop(t *testing.T) {
	desc := model.GeneralSymbolDescription{Symbol: "BTCUSD", Mapping: map[string]string{"bitfinex": "tBTCUSD"}, Depth: 10}
	p := New(desc, Subscriber{}, bitmex.Credentials{}, config.Defaults(), nil)
	if err := p.SetDumpQuotes(false, "", 0); err != nil {
		t.Fatalf("expected disabling an inactive dump to be a no-op, got %v", err)
	}
}
