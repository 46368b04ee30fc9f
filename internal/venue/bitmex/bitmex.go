// Package bitmex implements the BitMEX streaming protocol adapter
// (spec.md section 4.3.3): welcome detection, op-style subscribe/ack,
// orderBook10 top-of-book reconstruction with notional-to-quantity
// conversion, trade normalisation, and optional HMAC-SHA256 authentication.
package bitmex

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"marketfeed/internal/book"
	"marketfeed/internal/logging"
	"marketfeed/internal/model"
	"marketfeed/internal/supervisor"
)

const wsURL = "wss://ws.bitmex.com/realtime"

type BookSink func(symbol string, bids, asks []book.Level)
type TradeSink func(model.TradeRecord)

// Credentials holds optional BitMEX API key/secret. Zero value means
// unauthenticated (public data only).
type Credentials struct {
	Key    string
	Secret string
}

type Adapter struct {
	symbol string
	depth  int
	creds  Credentials

	sup     *supervisor.Supervisor
	log     *logging.Entry
	onBook  BookSink
	onTrade TradeSink

	mu     sync.Mutex
	book   *book.Book
	active map[string]bool // "channel:symbol" -> active
}

func New(symbol string, depth int, creds Credentials, onBook BookSink, onTrade TradeSink, log *logging.Entry) *Adapter {
	a := &Adapter{
		symbol:  symbol,
		depth:   depth,
		creds:   creds,
		log:     log,
		onBook:  onBook,
		onTrade: onTrade,
		book:    book.New(),
		active:  make(map[string]bool),
	}
	a.sup = supervisor.New("bitmex", a, log, func(err error) {
		if log != nil {
			log.WithError(err).Warn("bitmex supervisor error")
		}
	})
	return a
}

func (a *Adapter) Supervisor() *supervisor.Supervisor { return a.sup }
func (a *Adapter) WebSocketURL() string               { return wsURL }
func (a *Adapter) ImmediateInit() bool                { return false }

// Authenticate sends BitMEX's authKeyExpires challenge when credentials are
// configured. Without credentials it is a no-op, per spec.md section 4.3.3.
func (a *Adapter) Authenticate() error {
	if a.creds.Key == "" || a.creds.Secret == "" {
		return nil
	}
	expires := time.Now().Add(10 * time.Second).Unix()
	sig := signAuth(a.creds.Secret, expires)

	frame := map[string]interface{}{
		"op":   "authKeyExpires",
		"args": []interface{}{a.creds.Key, expires, sig},
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("bitmex: marshal auth frame: %w", err)
	}
	return a.sup.Write(payload)
}

// signAuth computes HMAC-SHA256("GET" + "/realtime" + expires) hex-encoded,
// as spec.md section 4.3.3 requires.
func signAuth(secret string, expires int64) string {
	target := "/realtime"
	message := fmt.Sprintf("GET%s%d", target, expires)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// SubscribeEvents requests every topic ("orderBook10:<symbol>",
// "trade:<symbol>") that has not been acknowledged as active; it sends
// nothing once both are active.
func (a *Adapter) SubscribeEvents() error {
	a.mu.Lock()
	var args []string
	for _, topic := range []string{
		fmt.Sprintf("orderBook10:%s", a.symbol),
		fmt.Sprintf("trade:%s", a.symbol),
	} {
		if !a.active[topic] {
			args = append(args, topic)
		}
	}
	a.mu.Unlock()
	if len(args) == 0 {
		return nil
	}
	frame := map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("bitmex: marshal subscribe frame: %w", err)
	}
	return a.sup.Write(payload)
}

func (a *Adapter) ResetActiveChannels() {
	a.mu.Lock()
	a.active = make(map[string]bool)
	a.book.Reset()
	a.mu.Unlock()
}

type bitmexFrame struct {
	Info      string          `json:"info"`
	Subscribe string          `json:"subscribe"`
	Success   bool            `json:"success"`
	Table     string          `json:"table"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
}

type orderBook10Row struct {
	Symbol string      `json:"symbol"`
	Bids   [][2]float64 `json:"bids"`
	Asks   [][2]float64 `json:"asks"`
}

type tradeRow struct {
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Price        float64 `json:"price"`
	HomeNotional float64 `json:"homeNotional"`
	Timestamp    string  `json:"timestamp"`
}

func (a *Adapter) ReadHandler(raw []byte) {
	var f bitmexFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		if a.log != nil {
			a.log.WithError(err).Warn("bitmex: malformed frame")
		}
		return
	}

	if f.Info != "" {
		a.sup.SignalInitReceived()
		return
	}
	if f.Subscribe != "" {
		if f.Success {
			a.mu.Lock()
			a.active[f.Subscribe] = true
			a.mu.Unlock()
		}
		return
	}

	switch f.Table {
	case "orderBook10":
		a.handleBook(f)
	case "trade":
		if f.Action == "insert" {
			a.handleTrades(f)
		}
	}
}

func (a *Adapter) handleBook(f bitmexFrame) {
	if f.Action != "update" {
		return
	}
	var rows []orderBook10Row
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		if a.log != nil {
			a.log.WithError(err).Warn("bitmex: malformed orderBook10 payload")
		}
		return
	}
	for _, row := range rows {
		a.book.Reset()
		for _, lvl := range row.Bids {
			price, notional := lvl[0], lvl[1]
			if price > 0 {
				a.book.SetBid(price, notional/price)
			}
		}
		for _, lvl := range row.Asks {
			price, notional := lvl[0], lvl[1]
			if price > 0 {
				a.book.SetAsk(price, notional/price)
			}
		}
		a.publishIfConsistent(row.Symbol)
	}
}

func (a *Adapter) publishIfConsistent(symbol string) {
	if a.book.Consistent() {
		if a.onBook != nil {
			a.onBook(symbol, a.book.SortedBids(), a.book.SortedAsks())
		}
		return
	}
	logging.PublishCount("BookInconsistent", 1, logging.Fields{"venue": "bitmex", "symbol": symbol})
	a.sup.RequestRestart()
}

func (a *Adapter) handleTrades(f bitmexFrame) {
	var rows []tradeRow
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		if a.log != nil {
			a.log.WithError(err).Warn("bitmex: malformed trade payload")
		}
		return
	}
	for _, row := range rows {
		ts, err := model.ParseISO8601Micros(row.Timestamp)
		if err != nil {
			if a.log != nil {
				a.log.WithError(err).Warn("bitmex: malformed trade timestamp")
			}
			continue
		}
		side := model.SideBuy
		if strings.EqualFold(row.Side, "sell") {
			side = model.SideSell
		}
		if a.onTrade != nil {
			a.onTrade(model.TradeRecord{
				Venue:       "bitmex",
				Symbol:      row.Symbol,
				Price:       row.Price,
				Volume:      row.HomeNotional,
				TimestampUS: ts,
				Side:        side,
			})
		}
	}
}
