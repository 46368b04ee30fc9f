// Package kraken implements the Kraken polled REST protocol adapter
// (spec.md section 4.3.4). Kraken has no streaming socket in this system's
// scope: two independent tickers poll the public Depth and Trades
// endpoints and drive the same Book/TradeRecord model every other venue
// uses, so downstream (provider, archive) code is protocol-agnostic.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"marketfeed/internal/book"
	"marketfeed/internal/logging"
	"marketfeed/internal/model"
)

const defaultBaseURL = "https://api.kraken.com"

// PollPeriod is the fixed interval between successive REST polls, for both
// the order-book and the trades worker.
const PollPeriod = 1 * time.Second

type BookSink func(symbol string, bids, asks []book.Level)
type TradeSink func(model.TradeRecord)

// Adapter drives Kraken's degenerate polled machine: no connection
// lifecycle, no subscribe handshake, just two periodic HTTP pollers.
type Adapter struct {
	pair    string // Kraken's wire pair name, e.g. "XBTUSD"
	symbol  string // canonical instrument name used in published records
	depth   int
	baseURL string

	client  *http.Client
	limiter *rate.Limiter
	log     *logging.Entry

	onBook  BookSink
	onTrade TradeSink

	mu      sync.Mutex
	book    *book.Book
	lastID  int64
	primed  bool // true once the first Trades poll has established lastID

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Kraken adapter. requestsPerSecond configures the shared
// rate limiter across both pollers; httpTimeout bounds each request.
func New(pair, symbol string, depth int, requestsPerSecond float64, httpTimeout time.Duration, onBook BookSink, onTrade TradeSink, log *logging.Entry) *Adapter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &Adapter{
		pair:    pair,
		symbol:  symbol,
		depth:   depth,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: httpTimeout},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		log:     log,
		onBook:  onBook,
		onTrade: onTrade,
		book:    book.New(),
	}
}

// Run starts both pollers in their own goroutines and returns at once; they
// keep polling until ctx is cancelled or Stop is called.
func (a *Adapter) Run(ctx context.Context) {
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.pollLoop(ctx, a.pollBook)
	}()
	go func() {
		defer wg.Done()
		a.pollLoop(ctx, a.pollTrades)
	}()

	go func() {
		wg.Wait()
		close(a.doneCh)
	}()
}

// Stop signals both pollers to exit and joins them.
func (a *Adapter) Stop() {
	if a.stopCh != nil {
		close(a.stopCh)
		<-a.doneCh
	}
}

func (a *Adapter) pollLoop(ctx context.Context, poll func(ctx context.Context)) {
	ticker := time.NewTicker(PollPeriod)
	defer ticker.Stop()

	poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			poll(ctx)
		}
	}
}

// classifyErrors reports whether the errors slice contains a fatal ("E"
// prefixed) entry. Kraken also emits "W"-prefixed warnings (e.g. stale
// data) which spec.md section 4.3.4 says to ignore, per the original
// implementation's filter.
func classifyErrors(errs []string) (fatal bool, fatalMsg string) {
	for _, e := range errs {
		if e == "" {
			continue
		}
		if strings.EqualFold(e[:1], "e") {
			return true, e
		}
	}
	return false, ""
}

type depthResponse struct {
	Error  []string                   `json:"error"`
	Result map[string]depthPairResult `json:"result"`
}

type depthPairResult struct {
	Asks [][3]interface{} `json:"asks"`
	Bids [][3]interface{} `json:"bids"`
}

func (a *Adapter) pollBook(ctx context.Context) {
	if err := a.limiter.Wait(ctx); err != nil {
		return
	}
	url := fmt.Sprintf("%s/0/public/Depth?pair=%s&count=%d", a.baseURL, a.pair, a.depth)
	body, err := a.get(ctx, url)
	if err != nil {
		a.logWarn("kraken: depth request failed", err)
		return
	}

	var resp depthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		a.logWarn("kraken: malformed depth response", err)
		return
	}
	if fatal, msg := classifyErrors(resp.Error); fatal {
		if a.log != nil {
			a.log.WithField("error", msg).Warn("kraken: depth request returned a fatal error, will retry next tick")
		}
		return
	}

	result, ok := resp.Result[a.pair]
	if !ok {
		return
	}

	a.mu.Lock()
	a.book.Reset()
	for _, lvl := range result.Bids {
		price, size := parseLevel(lvl)
		if price > 0 && size > 0 {
			a.book.SetBid(price, size)
		}
	}
	for _, lvl := range result.Asks {
		price, size := parseLevel(lvl)
		if price > 0 && size > 0 {
			a.book.SetAsk(price, size)
		}
	}
	consistent := a.book.Consistent()
	var bids, asks []book.Level
	if consistent {
		bids, asks = a.book.SortedBids(), a.book.SortedAsks()
	}
	a.mu.Unlock()

	if consistent && a.onBook != nil {
		a.onBook(a.symbol, bids, asks)
	} else if !consistent {
		logging.PublishCount("BookInconsistent", 1, logging.Fields{"venue": "kraken", "symbol": a.symbol})
	}
}

// parseLevel decodes one [price, volume, timestamp] triple, where price
// and volume arrive as strings per Kraken's REST schema.
func parseLevel(lvl [3]interface{}) (price, volume float64) {
	price = toFloat(lvl[0])
	volume = toFloat(lvl[1])
	return
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		return model.ParseFloatOrZero(t)
	case float64:
		return t
	default:
		return 0
	}
}

type tradesResponse struct {
	Error  []string                   `json:"error"`
	Result map[string]json.RawMessage `json:"result"`
}

// tradeRow is Kraken's [price, volume, time, side, orderType, misc] tuple.
type tradeRow [6]interface{}

func (a *Adapter) pollTrades(ctx context.Context) {
	if err := a.limiter.Wait(ctx); err != nil {
		return
	}

	a.mu.Lock()
	since := a.lastID
	firstPoll := !a.primed
	a.mu.Unlock()

	url := fmt.Sprintf("%s/0/public/Trades?pair=%s&since=%d", a.baseURL, a.pair, since)
	body, err := a.get(ctx, url)
	if err != nil {
		a.logWarn("kraken: trades request failed", err)
		return
	}

	var resp tradesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		a.logWarn("kraken: malformed trades response", err)
		return
	}
	if fatal, msg := classifyErrors(resp.Error); fatal {
		if a.log != nil {
			a.log.WithField("error", msg).Warn("kraken: trades request returned a fatal error, will retry next tick")
		}
		return
	}

	raw, ok := resp.Result[a.pair]
	if !ok {
		return
	}
	var rows []tradeRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		a.logWarn("kraken: malformed trade rows", err)
		return
	}
	lastRaw, ok := resp.Result["last"]
	var newLastID int64
	if ok {
		var lastStr string
		if err := json.Unmarshal(lastRaw, &lastStr); err == nil {
			newLastID, _ = strconv.ParseInt(lastStr, 10, 64)
		}
	}

	a.mu.Lock()
	if newLastID > 0 {
		a.lastID = newLastID
	}
	a.primed = true
	a.mu.Unlock()

	// spec.md section 4.3.4: the first poll (since=0) only establishes the
	// cursor; its trades predate subscription and must be discarded.
	if firstPoll {
		return
	}

	for _, row := range rows {
		price := toFloat(row[0])
		volume := toFloat(row[1])
		ts := toFloat(row[2])
		side, _ := row[3].(string)
		orderType, _ := row[4].(string)

		if orderType != "m" {
			continue
		}
		var s model.Side
		switch side {
		case "b":
			s = model.SideBuy
		case "s":
			s = model.SideSell
		default:
			continue
		}

		if a.onTrade != nil {
			a.onTrade(model.TradeRecord{
				Venue:       "kraken",
				Symbol:      a.symbol,
				Price:       price,
				Volume:      volume,
				TimestampUS: uint64(ts * 1e6),
				Side:        s,
			})
		}
	}
}

func (a *Adapter) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("kraken: build request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kraken: do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kraken: read response body: %w", err)
	}
	return body, nil
}

func (a *Adapter) logWarn(msg string, err error) {
	if a.log != nil {
		a.log.WithError(err).Warn(msg)
	}
}
