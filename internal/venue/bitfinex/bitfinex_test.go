package bitfinex

import (
	"testing"

	"marketfeed/internal/book"
)

func TestSnapshotThenDeleteRequestsRestart(t *testing.T) {
	var published []book.Level

	a := New("tBTCUSD", 25, func(symbol string, bids, asks []book.Level) {
		published = append(published, bids...)
		published = append(published, asks...)
	}, nil, nil)
	a.sup.RestartRequested() // drain any latch left from construction

	a.ReadHandler([]byte(`{"event":"info","version":2}`))
	a.ReadHandler([]byte(`{"event":"subscribed","channel":"book","chanId":17,"symbol":"tBTCUSD","prec":"P0","freq":"F0","len":25}`))
	a.ReadHandler([]byte(`[17,[[100.0,1,2.0],[101.0,1,-1.5]]]`))

	if len(published) != 2 {
		t.Fatalf("expected one publication (2 levels) after snapshot, got %d levels", len(published))
	}
	if published[0].Price != 100 || published[0].Volume != 2 {
		t.Fatalf("unexpected bid level: %+v", published[0])
	}
	if published[1].Price != 101 || published[1].Volume != 1.5 {
		t.Fatalf("unexpected ask level: %+v", published[1])
	}

	published = nil
	a.ReadHandler([]byte(`[17,[100.0,0,1]]`))

	if len(published) != 0 {
		t.Fatal("expected no publication once the book becomes inconsistent")
	}
	if !a.sup.RestartRequested() {
		t.Fatal("expected a restart to be requested on inconsistency")
	}
}

func TestUnexpectedVersionIsFatal(t *testing.T) {
	a := New("tBTCUSD", 25, nil, nil, nil)
	a.ReadHandler([]byte(`{"event":"info","version":1}`))
	if !a.sup.IsFatal() {
		t.Fatal("expected fatal state after unexpected welcome version")
	}
}

func TestBitfinexLenSelection(t *testing.T) {
	cases := map[int]int{1: 25, 25: 25, 26: 100, 500: 100}
	for depth, want := range cases {
		if got := bitfinexLen(depth); got != want {
			t.Errorf("bitfinexLen(%d) = %d, want %d", depth, got, want)
		}
	}
}
