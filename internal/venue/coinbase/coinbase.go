// Package coinbase implements the Coinbase Exchange streaming protocol
// adapter (spec.md section 4.3.2): no welcome handshake, a single grouped
// subscribe frame, level2_batch book reconstruction and maker-perspective
// trade normalisation.
package coinbase

import (
	"encoding/json"
	"fmt"
	"sync"

	"marketfeed/internal/book"
	"marketfeed/internal/logging"
	"marketfeed/internal/model"
	"marketfeed/internal/supervisor"
)

const wsURL = "wss://ws-feed.exchange.coinbase.com/"

type BookSink func(symbol string, bids, asks []book.Level)
type TradeSink func(model.TradeRecord)

// Adapter is the Coinbase Capability.
type Adapter struct {
	productID string
	depth     int

	sup     *supervisor.Supervisor
	log     *logging.Entry
	onBook  BookSink
	onTrade TradeSink

	mu     sync.Mutex
	book   *book.Book
	active map[string]bool // "channel|product_id" -> active
}

func New(productID string, depth int, onBook BookSink, onTrade TradeSink, log *logging.Entry) *Adapter {
	a := &Adapter{
		productID: productID,
		depth:     depth,
		log:       log,
		onBook:    onBook,
		onTrade:   onTrade,
		book:      book.New(),
		active:    make(map[string]bool),
	}
	a.sup = supervisor.New("coinbase", a, log, func(err error) {
		if log != nil {
			log.WithError(err).Warn("coinbase supervisor error")
		}
	})
	return a
}

func (a *Adapter) Supervisor() *supervisor.Supervisor { return a.sup }
func (a *Adapter) WebSocketURL() string               { return wsURL }
func (a *Adapter) ImmediateInit() bool                { return true }
func (a *Adapter) Authenticate() error                { return nil }

// SubscribeEvents sends one grouped subscribe frame covering whichever of
// level2_batch and matches is not yet active for the configured product;
// it sends nothing once both are active.
func (a *Adapter) SubscribeEvents() error {
	a.mu.Lock()
	var channels []map[string]interface{}
	for _, name := range []string{"level2_batch", "matches"} {
		if !a.active[name+"|"+a.productID] {
			channels = append(channels, map[string]interface{}{"name": name, "product_ids": []string{a.productID}})
		}
	}
	a.mu.Unlock()
	if len(channels) == 0 {
		return nil
	}
	frame := map[string]interface{}{
		"type":     "subscribe",
		"channels": channels,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("coinbase: marshal subscribe frame: %w", err)
	}
	return a.sup.Write(payload)
}

func (a *Adapter) ResetActiveChannels() {
	a.mu.Lock()
	a.active = make(map[string]bool)
	a.book.Reset()
	a.mu.Unlock()
}

type coinbaseFrame struct {
	Type      string     `json:"type"`
	ProductID string     `json:"product_id"`
	Channels  []struct {
		Name       string   `json:"name"`
		ProductIDs []string `json:"product_ids"`
	} `json:"channels"`
	Bids    [][2]string `json:"bids"`
	Asks    [][2]string `json:"asks"`
	Changes [][3]string `json:"changes"`
	Side    string      `json:"side"`
	Price   string      `json:"price"`
	Size    string      `json:"size"`
	Time    string      `json:"time"`
}

func (a *Adapter) ReadHandler(raw []byte) {
	var f coinbaseFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		if a.log != nil {
			a.log.WithError(err).Warn("coinbase: malformed frame")
		}
		return
	}

	switch f.Type {
	case "subscriptions":
		a.mu.Lock()
		for _, ch := range f.Channels {
			for _, pid := range ch.ProductIDs {
				a.active[ch.Name+"|"+pid] = true
			}
		}
		a.mu.Unlock()
	case "snapshot":
		if f.ProductID != a.productID {
			a.sup.RequestRestart()
			return
		}
		a.book.Reset()
		for _, b := range f.Bids {
			a.book.SetBid(model.ParseFloatOrZero(b[0]), model.ParseFloatOrZero(b[1]))
		}
		for _, ak := range f.Asks {
			a.book.SetAsk(model.ParseFloatOrZero(ak[0]), model.ParseFloatOrZero(ak[1]))
		}
		a.publishIfConsistent()
	case "l2update":
		if f.ProductID != a.productID {
			a.sup.RequestRestart()
			return
		}
		for _, change := range f.Changes {
			side, price, size := change[0], model.ParseFloatOrZero(change[1]), model.ParseFloatOrZero(change[2])
			switch side {
			case "buy":
				a.book.SetBid(price, size)
			case "sell":
				a.book.SetAsk(price, size)
			}
		}
		a.publishIfConsistent()
	case "match", "last_match":
		if f.ProductID != a.productID {
			return
		}
		a.handleMatch(f)
	}
}

func (a *Adapter) publishIfConsistent() {
	if a.book.Consistent() {
		if a.onBook != nil {
			a.onBook(a.productID, a.book.SortedBids(), a.book.SortedAsks())
		}
		return
	}
	logging.PublishCount("BookInconsistent", 1, logging.Fields{"venue": "coinbase", "symbol": a.productID})
	a.sup.RequestRestart()
}

// handleMatch converts Coinbase's maker-perspective "side" field into the
// taker side spec.md section 4.3.2 requires: the venue's side names the
// resting (maker) order, so the taker crossed from the opposite direction.
func (a *Adapter) handleMatch(f coinbaseFrame) {
	ts, err := model.ParseISO8601Micros(f.Time)
	if err != nil {
		if a.log != nil {
			a.log.WithError(err).Warn("coinbase: malformed match timestamp")
		}
		return
	}

	takerSide := model.SideSell
	if f.Side == "sell" {
		takerSide = model.SideBuy
	}

	if a.onTrade != nil {
		a.onTrade(model.TradeRecord{
			Venue:       "coinbase",
			Symbol:      a.productID,
			Price:       model.ParseFloatOrZero(f.Price),
			Volume:      model.ParseFloatOrZero(f.Size),
			TimestampUS: ts,
			Side:        takerSide,
		})
	}
}
