// Package provider implements the market-data provider façade of spec.md
// section 4.5: given a symbol description and a user subscriber, it
// constructs one venue adapter per mapped venue, fans their callbacks into
// the user subscriber and into the two bounded archival queues, and owns
// the dump-session lifecycle (start/stop, block rotation parameters).
package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"marketfeed/internal/archive"
	"marketfeed/internal/book"
	"marketfeed/internal/config"
	"marketfeed/internal/logging"
	"marketfeed/internal/model"
	"marketfeed/internal/venue/bitfinex"
	"marketfeed/internal/venue/bitmex"
	"marketfeed/internal/venue/coinbase"
	"marketfeed/internal/venue/kraken"
)

// archiveQueueCapacity bounds each archival queue. Sized generously above
// any plausible per-venue publish rate; back-pressure drops beyond this
// are a sign the disk (or its mirrors) can't keep up, not a sign the
// buffer is too small.
const archiveQueueCapacity = 4096

// BookCallback delivers one venue's freshly-consistent order book.
type BookCallback func(venue, symbol string, bids, asks []book.Level)

// TradeCallback delivers one normalised trade.
type TradeCallback func(model.TradeRecord)

// Subscriber is the user-facing callback pair; either field may be nil.
type Subscriber struct {
	OnBook  BookCallback
	OnTrade TradeCallback
}

type venueRunner interface {
	Run(ctx context.Context)
	Stop()
}

// Provider owns the set of venue subscribers for one instrument and the
// two archival queues, per spec.md section 4.5's ownership rule.
type Provider struct {
	desc       model.GeneralSymbolDescription
	sub        Subscriber
	bitmexAuth bitmex.Credentials
	runtime    config.RuntimeConfig
	log        *logging.Entry

	mu      sync.Mutex
	runners []venueRunner
	running bool

	dumpEnabled    bool
	dumpPath       string
	dumpStartUS    uint64
	blockMinutes   uint
	sessionID      string
	tradesQueue    *archive.Queue[archive.TradeRecord]
	pricesQueue    *archive.Queue[archive.PriceRecord]
	tradesArchiver *archive.TradesArchiver
	pricesArchiver *archive.PricesArchiver
	s3Mirror       *archive.S3Mirror
}

// New builds a Provider for one instrument description. bitmexAuth is
// optional (zero value disables BitMEX authentication).
func New(desc model.GeneralSymbolDescription, sub Subscriber, bitmexAuth bitmex.Credentials, runtime config.RuntimeConfig, log *logging.Entry) *Provider {
	return &Provider{
		desc:       desc,
		sub:        sub,
		bitmexAuth: bitmexAuth,
		runtime:    runtime,
		log:        log,
	}
}

// Run constructs one adapter per venue in the symbol mapping and starts
// them all. It is not idempotent; call once per Provider.
func (p *Provider) Run(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("provider: already running")
	}

	for venue, venueSymbol := range p.desc.Mapping {
		runner, err := p.buildRunner(venue, venueSymbol)
		if err != nil {
			return err
		}
		p.runners = append(p.runners, runner)
	}
	if len(p.runners) == 0 {
		return fmt.Errorf("provider: no venues to run")
	}

	for _, r := range p.runners {
		r.Run(ctx)
	}
	p.running = true
	return nil
}

func (p *Provider) buildRunner(venue, venueSymbol string) (venueRunner, error) {
	venueLog := p.log
	if venueLog != nil {
		venueLog = venueLog.WithComponent(venue)
	}

	switch strings.ToLower(venue) {
	case "bitfinex":
		a := bitfinex.New(venueSymbol, p.desc.Depth, p.onBook("bitfinex"), p.onTrade("bitfinex"), venueLog)
		return a.Supervisor(), nil
	case "coinbase":
		a := coinbase.New(venueSymbol, p.desc.Depth, p.onBook("coinbase"), p.onTrade("coinbase"), venueLog)
		return a.Supervisor(), nil
	case "bitmex":
		a := bitmex.New(venueSymbol, p.desc.Depth, p.bitmexAuth, p.onBook("bitmex"), p.onTrade("bitmex"), venueLog)
		return a.Supervisor(), nil
	case "kraken":
		a := kraken.New(venueSymbol, p.desc.Symbol, p.desc.Depth,
			p.runtime.RateLimit.KrakenRequestsPerSecond, p.runtime.HTTP.Timeout,
			p.krakenOnBook(), p.onTrade("kraken"), venueLog)
		return a, nil
	default:
		return nil, fmt.Errorf("provider: unknown venue %q", venue)
	}
}

// onBook returns a callback that samples a single timestamp for the
// publication, forwards the book to the user subscriber, then fans it into
// the prices archive queue, stamped with that timestamp, if dumping is
// enabled. BookCallback has no timestamp parameter, so the user subscriber
// does not receive the timestamp_µs written to the archive.
func (p *Provider) onBook(venue string) func(symbol string, bids, asks []book.Level) {
	return func(symbol string, bids, asks []book.Level) {
		p.publishBook(venue, symbol, bids, asks)
	}
}

// krakenOnBook adapts the shared publishBook path to Kraken's BookSink
// signature (identical shape, distinct named type per package).
func (p *Provider) krakenOnBook() func(symbol string, bids, asks []book.Level) {
	return func(symbol string, bids, asks []book.Level) {
		p.publishBook("kraken", symbol, bids, asks)
	}
}

func (p *Provider) publishBook(venue, symbol string, bids, asks []book.Level) {
	ts := model.MicrosNow()

	if p.sub.OnBook != nil {
		p.sub.OnBook(venue, symbol, bids, asks)
	}

	p.mu.Lock()
	enabled := p.dumpEnabled
	queue := p.pricesQueue
	p.mu.Unlock()
	if !enabled || queue == nil {
		return
	}

	queue.Push(archive.PriceRecord{
		Venue:       venue,
		Symbol:      symbol,
		TimestampUS: ts,
		Levels:      interleave(bids, asks, p.desc.Depth),
	})
}

func interleave(bids, asks []book.Level, depth int) []model.PriceLevel {
	n := depth
	if len(bids) < n {
		n = len(bids)
	}
	if len(asks) < n {
		n = len(asks)
	}
	out := make([]model.PriceLevel, 0, 2*n)
	for i := 0; i < n; i++ {
		out = append(out, model.PriceLevel{Price: bids[i].Price, Volume: bids[i].Volume})
		out = append(out, model.PriceLevel{Price: asks[i].Price, Volume: asks[i].Volume})
	}
	return out
}

// onTrade returns a callback forwarding to the user subscriber and, if
// dumping is enabled, onto the trades archive queue.
func (p *Provider) onTrade(venue string) func(model.TradeRecord) {
	return func(tr model.TradeRecord) {
		if p.sub.OnTrade != nil {
			p.sub.OnTrade(tr)
		}

		p.mu.Lock()
		enabled := p.dumpEnabled
		queue := p.tradesQueue
		p.mu.Unlock()
		if !enabled || queue == nil {
			return
		}

		queue.Push(archive.TradeRecord{
			Venue:       tr.Venue,
			Symbol:      tr.Symbol,
			Price:       tr.Price,
			SignedVol:   tr.SignedVolume(),
			TimestampUS: tr.TimestampUS,
		})
	}
}

// SetDumpQuotes toggles the archival fanout, per spec.md section 4.5. It
// is idempotent: enabling while already enabled, or disabling while
// already disabled, is a no-op.
func (p *Provider) SetDumpQuotes(enabled bool, path string, blockMinutes uint) error {
	if enabled {
		return p.startDumping(path, blockMinutes)
	}
	p.stopDumping()
	return nil
}

func (p *Provider) startDumping(path string, blockMinutes uint) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("dump path not defined")
	}
	if blockMinutes == 0 {
		return fmt.Errorf("block_minutes must be positive")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dumpEnabled {
		return nil
	}

	p.dumpPath = path
	p.blockMinutes = blockMinutes
	p.dumpStartUS = model.MicrosNow()
	p.sessionID = uuid.NewString()

	sessionLog := p.log
	if sessionLog != nil {
		sessionLog = sessionLog.WithField("dump_session", p.sessionID)
	}

	var err error
	p.s3Mirror, err = archive.NewS3Mirror(p.runtime.Storage.S3, filepath.Join(p.desc.Symbol), sessionLog)
	if err != nil {
		return fmt.Errorf("provider: init s3 mirror: %w", err)
	}

	var tradeMirror *archive.ParquetTradeMirror
	var priceMirror *archive.ParquetPriceMirror
	if p.runtime.Formats.Parquet.Enabled {
		if err := os.MkdirAll(filepath.Join(path, "trades"), 0o755); err != nil {
			return fmt.Errorf("provider: create trades dir: %w", err)
		}
		if err := os.MkdirAll(filepath.Join(path, "prices"), 0o755); err != nil {
			return fmt.Errorf("provider: create prices dir: %w", err)
		}
		tradeMirror, err = archive.NewParquetTradeMirror(p.runtime.Formats.Parquet, filepath.Join(path, "trades", p.desc.Symbol+"_"+p.sessionID+".parquet"))
		if err != nil {
			return fmt.Errorf("provider: init parquet trade mirror: %w", err)
		}
		priceMirror, err = archive.NewParquetPriceMirror(p.runtime.Formats.Parquet, filepath.Join(path, "prices", p.desc.Symbol+"_"+p.sessionID+".parquet"), p.desc.Depth)
		if err != nil {
			return fmt.Errorf("provider: init parquet price mirror: %w", err)
		}
	}

	p.tradesQueue = archive.NewQueue[archive.TradeRecord](archiveQueueCapacity, sessionLog, "trades")
	p.pricesQueue = archive.NewQueue[archive.PriceRecord](archiveQueueCapacity, sessionLog, "prices")

	var err2 error
	p.tradesArchiver, err2 = archive.NewTradesArchiver(p.tradesQueue, path, p.dumpStartUS, p.blockMinutes, p.s3Mirror, tradeMirror, sessionLog)
	if err2 != nil {
		return fmt.Errorf("provider: init trades archiver: %w", err2)
	}
	p.pricesArchiver, err2 = archive.NewPricesArchiver(p.pricesQueue, path, p.dumpStartUS, p.blockMinutes, p.desc.Depth, p.s3Mirror, priceMirror, sessionLog)
	if err2 != nil {
		return fmt.Errorf("provider: init prices archiver: %w", err2)
	}

	p.tradesArchiver.Run()
	p.pricesArchiver.Run()
	p.dumpEnabled = true

	if sessionLog != nil {
		sessionLog.WithField("path", path).Info("dump session started")
	}
	return nil
}

func (p *Provider) stopDumping() {
	p.mu.Lock()
	if !p.dumpEnabled {
		p.mu.Unlock()
		return
	}
	p.dumpEnabled = false
	ta, pa, s3 := p.tradesArchiver, p.pricesArchiver, p.s3Mirror
	p.mu.Unlock()

	if ta != nil {
		ta.Stop()
	}
	if pa != nil {
		pa.Stop()
	}
	s3.Wait()
}

// Stop tears every venue runner down and stops any active dump session.
// All joins are unconditional, per spec.md section 5's cancellation rule.
func (p *Provider) Stop() {
	p.mu.Lock()
	runners := p.runners
	p.mu.Unlock()

	for _, r := range runners {
		r.Stop()
	}
	p.stopDumping()
}
