package bitmex

import (
	"testing"

	"marketfeed/internal/book"
	"marketfeed/internal/model"
)

func TestOrderBook10FullViewWithNotionalConversion(t *testing.T) {
	var lastBids, lastAsks []book.Level
	calls := 0

	a := New("XBTUSD", 10, Credentials{}, func(symbol string, bids, asks []book.Level) {
		calls++
		lastBids, lastAsks = bids, asks
	}, nil, nil)

	a.ReadHandler([]byte(`{"table":"orderBook10","action":"update","data":[{"symbol":"XBTUSD","bids":[[100.0,500.0]],"asks":[[101.0,202.0]]}]}`))

	if calls != 1 {
		t.Fatalf("expected one publication, got %d", calls)
	}
	if len(lastBids) != 1 || lastBids[0].Price != 100 || lastBids[0].Volume != 5 {
		t.Fatalf("unexpected bid after notional conversion: %+v", lastBids)
	}
	if len(lastAsks) != 1 || lastAsks[0].Price != 101 || lastAsks[0].Volume != 2 {
		t.Fatalf("unexpected ask after notional conversion: %+v", lastAsks)
	}
}

func TestOrderBook10IgnoresNonUpdateActions(t *testing.T) {
	calls := 0
	a := New("XBTUSD", 10, Credentials{}, func(symbol string, bids, asks []book.Level) { calls++ }, nil, nil)

	a.ReadHandler([]byte(`{"table":"orderBook10","action":"partial","data":[{"symbol":"XBTUSD","bids":[[100.0,500.0]],"asks":[[101.0,202.0]]}]}`))

	if calls != 0 {
		t.Fatalf("expected non-update actions to be ignored, got %d publications", calls)
	}
}

func TestTradeInsertNormalisesSideAndTimestamp(t *testing.T) {
	var got model.TradeRecord
	a := New("XBTUSD", 10, Credentials{}, nil, func(tr model.TradeRecord) { got = tr }, nil)

	a.ReadHandler([]byte(`{"table":"trade","action":"insert","data":[{"symbol":"XBTUSD","side":"Buy","price":50000,"homeNotional":0.1,"timestamp":"2022-01-02T03:04:05.678Z"}]}`))

	if got.Symbol != "XBTUSD" || got.Price != 50000 || got.Volume != 0.1 {
		t.Fatalf("unexpected trade fields: %+v", got)
	}
	if got.Side != model.SideBuy {
		t.Fatalf("expected buy side, got %v", got.Side)
	}
	if got.TimestampUS != 1641092645678000 {
		t.Fatalf("unexpected timestamp: %d", got.TimestampUS)
	}
}

func TestTradeInsertOnlyProcessedOnInsertAction(t *testing.T) {
	calls := 0
	a := New("XBTUSD", 10, Credentials{}, nil, func(tr model.TradeRecord) { calls++ }, nil)

	a.ReadHandler([]byte(`{"table":"trade","action":"partial","data":[{"symbol":"XBTUSD","side":"Buy","price":50000,"homeNotional":0.1,"timestamp":"2022-01-02T03:04:05.678Z"}]}`))

	if calls != 0 {
		t.Fatalf("expected partial trade action to be ignored, got %d", calls)
	}
}

func TestAuthenticateNoopWithoutCredentials(t *testing.T) {
	a := New("XBTUSD", 10, Credentials{}, nil, nil, nil)
	if err := a.Authenticate(); err != nil {
		t.Fatalf("expected no-op authenticate without credentials, got %v", err)
	}
}

func TestSignAuthIsDeterministicHexHMAC(t *testing.T) {
	sig1 := signAuth("secret", 1000)
	sig2 := signAuth("secret", 1000)
	if sig1 != sig2 {
		t.Fatal("expected deterministic signature for identical inputs")
	}
	if len(sig1) != 64 {
		t.Fatalf("expected 64 hex chars for sha256 HMAC, got %d", len(sig1))
	}
}

func TestSubscribeAckMarksChannelActive(t *testing.T) {
	a := New("XBTUSD", 10, Credentials{}, nil, nil, nil)
	a.ReadHandler([]byte(`{"subscribe":"orderBook10:XBTUSD","success":true}`))

	a.mu.Lock()
	active := a.active["orderBook10:XBTUSD"]
	a.mu.Unlock()

	if !active {
		t.Fatal("expected successful subscribe ack to mark channel active")
	}
}
