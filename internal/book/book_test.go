package book

import "testing"

func TestConsistentRequiresBothSides(t *testing.T) {
	b := New()
	if b.Consistent() {
		t.Fatal("empty book must be inconsistent")
	}
	b.SetBid(100, 1)
	if b.Consistent() {
		t.Fatal("one-sided book must be inconsistent")
	}
}

func TestConsistentRejectsCrossedBook(t *testing.T) {
	b := New()
	b.SetBid(101, 1)
	b.SetAsk(100, 1)
	if b.Consistent() {
		t.Fatal("crossed book must be inconsistent")
	}
}

func TestConsistentToleratesTouchingBook(t *testing.T) {
	b := New()
	b.SetBid(100, 1)
	b.SetAsk(100, 1)
	if !b.Consistent() {
		t.Fatal("touching book (max bid == min ask) must be tolerated")
	}
}

func TestSetLevelDeletesOnNonPositiveSize(t *testing.T) {
	b := New()
	b.SetBid(100, 2)
	b.SetBid(100, 0)
	if _, ok := b.Bids[100]; ok {
		t.Fatal("zero size must delete the level")
	}
	b.SetAsk(50, -1)
	if len(b.Asks) != 0 {
		t.Fatal("negative size must not create a level")
	}
}

func TestTopLevelsInterleavesAndClamps(t *testing.T) {
	b := New()
	b.SetBid(100, 1)
	b.SetBid(99, 2)
	b.SetAsk(101, 1)
	levels := b.TopLevels(10)
	if len(levels) != 2 {
		t.Fatalf("expected min(bids,asks,depth)=1 level pair, got %d entries", len(levels))
	}
	if levels[0].Price != 100 || levels[1].Price != 101 {
		t.Fatalf("expected best bid then best ask, got %+v", levels)
	}
}

func TestResetClearsBothSides(t *testing.T) {
	b := New()
	b.SetBid(100, 1)
	b.SetAsk(101, 1)
	b.Reset()
	if len(b.Bids) != 0 || len(b.Asks) != 0 {
		t.Fatal("Reset must clear both sides")
	}
}
