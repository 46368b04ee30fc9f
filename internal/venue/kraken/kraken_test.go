package kraken

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketfeed/internal/book"
	"marketfeed/internal/model"
)

func TestClassifyErrorsOnlyEPrefixIsFatal(t *testing.T) {
	if fatal, _ := classifyErrors(nil); fatal {
		t.Fatal("no errors must not be fatal")
	}
	if fatal, _ := classifyErrors([]string{"WGeneral:Foo"}); fatal {
		t.Fatal("W-prefixed warnings must not be fatal")
	}
	if fatal, msg := classifyErrors([]string{"EGeneral:Invalid arguments"}); !fatal || msg == "" {
		t.Fatal("E-prefixed errors must be fatal")
	}
	if fatal, _ := classifyErrors([]string{"eGeneral:lowercase"}); !fatal {
		t.Fatal("classification must be case-insensitive")
	}
}

func TestFirstTradesPollDiscardsAndOnlyPrimesCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": []string{},
			"result": map[string]interface{}{
				"XXBTZUSD": [][]interface{}{
					{"50000.0", "0.1", 1000.0, "b", "m", ""},
				},
				"last": "1000000000",
			},
		})
	}))
	defer server.Close()

	calls := 0
	a := New("XXBTZUSD", "XBTUSD", 10, 100, time.Second, nil, func(model.TradeRecord) { calls++ }, nil)
	a.client = server.Client()
	a.baseURL = server.URL

	a.pollTrades(context.Background())

	if calls != 0 {
		t.Fatalf("expected the first poll to discard all trades, got %d callbacks", calls)
	}

	a.mu.Lock()
	primed := a.primed
	lastID := a.lastID
	a.mu.Unlock()
	if !primed || lastID != 1000000000 {
		t.Fatalf("expected cursor to be primed to 1000000000, got primed=%v lastID=%d", primed, lastID)
	}
}

func TestSecondTradesPollPublishesMarketOrdersOnly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": []string{},
			"result": map[string]interface{}{
				"XXBTZUSD": [][]interface{}{
					{"50000.0", "0.1", 1000.0, "b", "m", ""},
					{"50001.0", "0.2", 1001.0, "s", "l", ""},
				},
				"last": "1000000001",
			},
		})
	}))
	defer server.Close()

	var got []model.TradeRecord
	a := New("XXBTZUSD", "XBTUSD", 10, 100, time.Second, nil, func(tr model.TradeRecord) { got = append(got, tr) }, nil)
	a.client = server.Client()
	a.baseURL = server.URL
	a.primed = true // simulate a prior poll having already established the cursor

	a.pollTrades(context.Background())

	if len(got) != 1 {
		t.Fatalf("expected only the market order to publish, got %d", len(got))
	}
	if got[0].Side != model.SideBuy || got[0].Price != 50000 || got[0].Volume != 0.1 {
		t.Fatalf("unexpected trade: %+v", got[0])
	}
}

func TestDepthConsistentBookPublishes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": []string{},
			"result": map[string]interface{}{
				"XXBTZUSD": map[string]interface{}{
					"bids": [][]interface{}{{"100.0", "1.0", 1000.0}},
					"asks": [][]interface{}{{"101.0", "2.0", 1000.0}},
				},
			},
		})
	}))
	defer server.Close()

	var bids, asks []book.Level
	calls := 0
	a := New("XXBTZUSD", "XBTUSD", 10, 100, time.Second, func(symbol string, b, ak []book.Level) {
		calls++
		bids, asks = b, ak
	}, nil, nil)
	a.client = server.Client()
	a.baseURL = server.URL

	a.pollBook(context.Background())

	if calls != 1 {
		t.Fatalf("expected one publication, got %d", calls)
	}
	if len(bids) != 1 || bids[0].Price != 100 || len(asks) != 1 || asks[0].Price != 101 {
		t.Fatalf("unexpected book: bids=%+v asks=%+v", bids, asks)
	}
}
