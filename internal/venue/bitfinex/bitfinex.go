// Package bitfinex implements the Bitfinex v2 streaming protocol adapter
// (spec.md section 4.3.1): welcome-version gate, channel subscribe/ack,
// order-book snapshot/delta reconstruction and trade normalisation.
package bitfinex

import (
	"encoding/json"
	"fmt"
	"sync"

	simplejson "github.com/bitly/go-simplejson"

	"marketfeed/internal/book"
	"marketfeed/internal/logging"
	"marketfeed/internal/model"
	"marketfeed/internal/supervisor"
)

const wsURL = "wss://api-pub.bitfinex.com/ws/2"

const requiredAPIVersion = 2

// BookSink receives a consistent book publication.
type BookSink func(symbol string, bids, asks []book.Level)

// TradeSink receives one normalised trade.
type TradeSink func(model.TradeRecord)

// Adapter is the Bitfinex Capability plus its owned book/channel state.
type Adapter struct {
	symbol string
	depth  int

	sup     *supervisor.Supervisor
	log     *logging.Entry
	onBook  BookSink
	onTrade TradeSink

	mu            sync.Mutex
	book          *book.Book
	pendingByName map[string]bool // channel name -> requested, awaiting ack
	chanIDToName  map[int]string  // active channel id -> local name
}

// New builds a Bitfinex adapter for one symbol. book and trade sinks may be
// nil if the caller does not want that stream.
func New(symbol string, depth int, onBook BookSink, onTrade TradeSink, log *logging.Entry) *Adapter {
	a := &Adapter{
		symbol:        symbol,
		depth:         depth,
		log:           log,
		onBook:        onBook,
		onTrade:       onTrade,
		book:          book.New(),
		pendingByName: map[string]bool{"book": true, "trades": true},
		chanIDToName:  make(map[int]string),
	}
	a.sup = supervisor.New("bitfinex", a, log, func(err error) {
		if log != nil {
			log.WithError(err).Warn("bitfinex supervisor error")
		}
	})
	return a
}

// Supervisor exposes the underlying connection supervisor for lifecycle
// control (Run/Stop) by the market-data provider.
func (a *Adapter) Supervisor() *supervisor.Supervisor { return a.sup }

func (a *Adapter) WebSocketURL() string { return wsURL }
func (a *Adapter) ImmediateInit() bool  { return false }
func (a *Adapter) Authenticate() error  { return nil } // Bitfinex public book/trades need no auth

// bitfinexLen picks the venue's discrete order-book depth bucket: 25 if the
// requested depth is <=25, else 100 (spec.md section 8 boundary table).
func bitfinexLen(depth int) int {
	if depth <= 25 {
		return 25
	}
	return 100
}

// SubscribeEvents (re-)sends a subscribe frame for every wanted channel
// that has no active chanId registration yet. Channels already acknowledged
// are skipped, so repeated calls while subscribed send nothing.
func (a *Adapter) SubscribeEvents() error {
	a.mu.Lock()
	active := make(map[string]bool, len(a.chanIDToName))
	for _, name := range a.chanIDToName {
		active[name] = true
	}
	pending := make([]string, 0, len(a.pendingByName))
	for name, want := range a.pendingByName {
		if want && !active[name] {
			pending = append(pending, name)
		}
	}
	a.mu.Unlock()

	for _, name := range pending {
		var frame map[string]interface{}
		switch name {
		case "book":
			frame = map[string]interface{}{
				"event":   "subscribe",
				"channel": "book",
				"symbol":  a.symbol,
				"prec":    "P0",
				"freq":    "F0",
				"len":     bitfinexLen(a.depth),
			}
		case "trades":
			frame = map[string]interface{}{
				"event":   "subscribe",
				"channel": "trades",
				"symbol":  a.symbol,
			}
		default:
			continue
		}
		payload, err := json.Marshal(frame)
		if err != nil {
			return fmt.Errorf("bitfinex: marshal subscribe frame: %w", err)
		}
		if err := a.sup.Write(payload); err != nil {
			return fmt.Errorf("bitfinex: write subscribe frame: %w", err)
		}
	}
	return nil
}

// ResetActiveChannels clears the chanId->name registry; the pending set
// (still wanting "book"/"trades") survives so the next SubscribeEvents call
// re-requests them.
func (a *Adapter) ResetActiveChannels() {
	a.mu.Lock()
	a.chanIDToName = make(map[int]string)
	a.book.Reset()
	a.mu.Unlock()
}

// ReadHandler dispatches one inbound Bitfinex frame.
func (a *Adapter) ReadHandler(raw []byte) {
	sj, err := simplejson.NewJson(raw)
	if err != nil {
		if a.log != nil {
			a.log.WithError(err).Warn("bitfinex: malformed frame")
		}
		return
	}

	if arr, err := sj.Array(); err == nil {
		a.handleDataArray(arr)
		return
	}

	event, _ := sj.Get("event").String()
	switch event {
	case "info":
		version, ok := sj.CheckGet("version")
		if !ok {
			return
		}
		v, _ := version.Int()
		if v != requiredAPIVersion {
			a.sup.Fatal(fmt.Errorf("bitfinex: unexpected welcome version %d, want %d", v, requiredAPIVersion))
			return
		}
		a.sup.SignalInitReceived()
	case "subscribed":
		channel, _ := sj.Get("channel").String()
		chanID, _ := sj.Get("chanId").Int()
		a.mu.Lock()
		a.chanIDToName[chanID] = channel
		a.mu.Unlock()
	case "unsubscribed":
		status, _ := sj.Get("status").String()
		chanID, _ := sj.Get("chanId").Int()
		if status == "OK" {
			a.mu.Lock()
			delete(a.chanIDToName, chanID)
			a.mu.Unlock()
		}
	}
}

func (a *Adapter) handleDataArray(arr []interface{}) {
	if len(arr) < 2 {
		return
	}
	chanIDF, ok := arr[0].(float64)
	if !ok {
		return
	}
	chanID := int(chanIDF)

	a.mu.Lock()
	name, ok := a.chanIDToName[chanID]
	a.mu.Unlock()
	if !ok {
		return
	}

	payload := arr[1:]

	switch name {
	case "book":
		a.handleBook(payload)
	case "trades":
		a.handleTrade(payload)
	}
}

func (a *Adapter) handleBook(payload []interface{}) {
	if len(payload) == 0 {
		return
	}

	applyTriple := func(triple []interface{}) {
		if len(triple) != 3 {
			return
		}
		price, _ := triple[0].(float64)
		countF, _ := triple[1].(float64)
		amount, _ := triple[2].(float64)
		count := int(countF)

		switch {
		case count > 0 && amount > 0:
			a.book.SetBid(price, amount)
		case count > 0 && amount < 0:
			a.book.SetAsk(price, -amount)
		case count == 0 && amount == 1:
			a.book.DeleteBid(price)
		case count == 0 && amount == -1:
			a.book.DeleteAsk(price)
		}
	}

	data, ok := payload[0].([]interface{})
	if !ok || len(data) == 0 {
		return
	}
	if _, isList := data[0].([]interface{}); isList {
		// Snapshot: a list of triples. Clear both sides then apply in order.
		a.book.Reset()
		for _, item := range data {
			if triple, ok := item.([]interface{}); ok {
				applyTriple(triple)
			}
		}
	} else {
		applyTriple(data)
	}

	a.publishIfConsistent()
}

func (a *Adapter) publishIfConsistent() {
	if a.book.Consistent() {
		if a.onBook != nil {
			a.onBook(a.symbol, a.book.SortedBids(), a.book.SortedAsks())
		}
		return
	}
	logging.PublishCount("BookInconsistent", 1, logging.Fields{"venue": "bitfinex", "symbol": a.symbol})
	a.sup.RequestRestart()
}

func (a *Adapter) handleTrade(payload []interface{}) {
	if len(payload) < 4 {
		return
	}
	kind, ok := payload[0].(string)
	if !ok || kind != "te" {
		return
	}
	tsMS, _ := payload[1].(float64)
	amount, _ := payload[2].(float64)
	price, _ := payload[3].(float64)

	side := model.SideSell
	if amount > 0 {
		side = model.SideBuy
	}
	if amount < 0 {
		amount = -amount
	}

	if a.onTrade != nil {
		a.onTrade(model.TradeRecord{
			Venue:       "bitfinex",
			Symbol:      a.symbol,
			Price:       price,
			Volume:      amount,
			TimestampUS: model.MicrosFromMillis(int64(tsMS)),
			Side:        side,
		})
	}
}
