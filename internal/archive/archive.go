// Package archive implements the bounded producer/consumer pipeline of
// spec.md section 4.6: trades and price dumps are pushed onto per-kind
// bounded queues by venue callbacks, and two dedicated consumer tasks
// drain them into rotating, append-only CSV files, optionally uploading
// each closed CSV file to S3 and writing every record to a Parquet mirror.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"marketfeed/internal/logging"
	"marketfeed/internal/model"
)

// occupancyReportInterval is the cadence at which each archiver logs its
// queue's length/capacity/sent/dropped counters, mirroring the teacher's
// periodic channel-occupancy reporting.
const occupancyReportInterval = 30 * time.Second

// TradeRecord is one queued trade archive entry.
type TradeRecord struct {
	Venue       string
	Symbol      string
	Price       float64
	SignedVol   float64
	TimestampUS uint64
}

// PriceRecord is one queued top-of-book dump archive entry.
type PriceRecord struct {
	Venue       string
	Symbol      string
	TimestampUS uint64
	Levels      []model.PriceLevel // interleaved bid,ask,bid,ask,... built by the provider
}

// blockIndex computes max(0, (ts - dumpStart) / blockUS), per spec.md
// section 4.6. A timestamp at or before dumpStart maps to block 0.
func blockIndex(tsUS, dumpStartUS, blockUS uint64) int64 {
	if blockUS == 0 || tsUS <= dumpStartUS {
		return 0
	}
	return int64((tsUS - dumpStartUS) / blockUS)
}

// fileRotator owns one append-only, unbuffered CSV file at a time for a
// single kind (trades or prices), rotating whenever the target symbol or
// block index changes. The S3 upload fires on each rotation (and on close),
// once the CSV file that just closed is complete; the Parquet mirror is
// written per record by the archivers, not here.
type fileRotator struct {
	basePath string // <dump-path>/<kind>
	kind     string

	dumpStartUS uint64
	blockUS     uint64

	mu         sync.Mutex
	file       *os.File
	openSymbol string
	openBlock  int64

	s3     *S3Mirror
	log    *logging.Entry
}

func newFileRotator(basePath, kind string, dumpStartUS, blockUS uint64, s3 *S3Mirror, log *logging.Entry) *fileRotator {
	return &fileRotator{
		basePath:    basePath,
		kind:        kind,
		dumpStartUS: dumpStartUS,
		blockUS:     blockUS,
		openBlock:   -1,
		s3:          s3,
		log:         log,
	}
}

// write appends one already-formatted CSV line, rotating the underlying
// file first if the symbol or block index changed.
func (r *fileRotator) write(symbol string, tsUS uint64, line string) error {
	block := blockIndex(tsUS, r.dumpStartUS, r.blockUS)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil || symbol != r.openSymbol || block != r.openBlock {
		if err := r.rotateLocked(symbol, block); err != nil {
			return err
		}
	}
	_, err := r.file.WriteString(line)
	return err
}

func (r *fileRotator) rotateLocked(symbol string, block int64) error {
	closedPath := ""
	if r.file != nil {
		closedPath = r.file.Name()
		_ = r.file.Close()
	}
	if closedPath != "" && r.s3 != nil {
		r.s3.UploadAsync(closedPath)
	}

	path := filepath.Join(r.basePath, fmt.Sprintf("%s_%d.csv", symbol, block))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", path, err)
	}
	r.file = f
	r.openSymbol = symbol
	r.openBlock = block
	if r.log != nil {
		r.log.WithField("path", path).Debug("archive: rotated file")
	}
	return nil
}

func (r *fileRotator) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		path := r.file.Name()
		_ = r.file.Close()
		r.file = nil
		if r.s3 != nil {
			r.s3.UploadAsync(path)
		}
	}
}

// TradesArchiver drains the trades queue into rotating CSV files, per
// spec.md section 4.6, mirroring to Parquet when configured.
type TradesArchiver struct {
	queue    *Queue[TradeRecord]
	rotator  *fileRotator
	parquet  *ParquetTradeMirror
	log      *logging.Entry

	stopCh       chan struct{}
	doneCh       chan struct{}
	reportCancel context.CancelFunc
}

func NewTradesArchiver(queue *Queue[TradeRecord], dumpPath string, dumpStartUS uint64, blockMinutes uint, s3 *S3Mirror, parquet *ParquetTradeMirror, log *logging.Entry) (*TradesArchiver, error) {
	basePath := filepath.Join(dumpPath, "trades")
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create trades dir: %w", err)
	}
	blockUS := uint64(blockMinutes) * 60 * 1_000_000
	return &TradesArchiver{
		queue:   queue,
		rotator: newFileRotator(basePath, "trades", dumpStartUS, blockUS, s3, log),
		parquet: parquet,
		log:     log,
	}, nil
}

// Run drains the queue until Stop is called. Once stopped, no further
// items are consumed even if still queued; the current write completes
// first, satisfying spec.md section 4.6's shutdown contract.
func (a *TradesArchiver) Run() {
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	go func() {
		defer close(a.doneCh)
		for {
			select {
			case <-a.stopCh:
				return
			case rec := <-a.queue.C():
				a.writeOne(rec)
			}
		}
	}()

	reportCtx, cancel := context.WithCancel(context.Background())
	a.reportCancel = cancel
	go a.queue.reportOccupancy(reportCtx, occupancyReportInterval)
}

func (a *TradesArchiver) writeOne(rec TradeRecord) {
	line := fmt.Sprintf("%s,%.2f,%.8f,%d\n", rec.Venue, rec.Price, rec.SignedVol, rec.TimestampUS)
	if err := a.rotator.write(rec.Symbol, rec.TimestampUS, line); err != nil {
		if a.log != nil {
			a.log.WithError(err).Warn("archive: trade write failed, dropping record")
		}
		return
	}
	if a.parquet != nil {
		a.parquet.Write(rec)
	}
}

// Stop signals the drain loop to exit and joins it, then closes the open
// file (and fires its mirror upload).
func (a *TradesArchiver) Stop() {
	if a.stopCh != nil {
		close(a.stopCh)
		<-a.doneCh
	}
	if a.reportCancel != nil {
		a.reportCancel()
	}
	a.rotator.close()
	if a.parquet != nil {
		a.parquet.Close()
	}
}

// PricesArchiver drains the prices queue into rotating CSV files.
type PricesArchiver struct {
	queue   *Queue[PriceRecord]
	rotator *fileRotator
	parquet *ParquetPriceMirror
	depth   int
	log     *logging.Entry

	stopCh       chan struct{}
	doneCh       chan struct{}
	reportCancel context.CancelFunc
}

func NewPricesArchiver(queue *Queue[PriceRecord], dumpPath string, dumpStartUS uint64, blockMinutes uint, depth int, s3 *S3Mirror, parquet *ParquetPriceMirror, log *logging.Entry) (*PricesArchiver, error) {
	basePath := filepath.Join(dumpPath, "prices")
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create prices dir: %w", err)
	}
	blockUS := uint64(blockMinutes) * 60 * 1_000_000
	return &PricesArchiver{
		queue:   queue,
		rotator: newFileRotator(basePath, "prices", dumpStartUS, blockUS, s3, log),
		parquet: parquet,
		depth:   depth,
		log:     log,
	}, nil
}

func (a *PricesArchiver) Run() {
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	go func() {
		defer close(a.doneCh)
		for {
			select {
			case <-a.stopCh:
				return
			case rec := <-a.queue.C():
				a.writeOne(rec)
			}
		}
	}()

	reportCtx, cancel := context.WithCancel(context.Background())
	a.reportCancel = cancel
	go a.queue.reportOccupancy(reportCtx, occupancyReportInterval)
}

func (a *PricesArchiver) writeOne(rec PriceRecord) {
	line := formatPriceLine(rec)
	if err := a.rotator.write(rec.Symbol, rec.TimestampUS, line); err != nil {
		if a.log != nil {
			a.log.WithError(err).Warn("archive: price write failed, dropping record")
		}
		return
	}
	if a.parquet != nil {
		a.parquet.Write(rec)
	}
}

// formatPriceLine renders "<venue>,<ts>,<b0px>,<b0sz>,<a0px>,<a0sz>,…"
// from an interleaved bid,ask,... level slice, per spec.md section 6.
func formatPriceLine(rec PriceRecord) string {
	var b []byte
	b = append(b, rec.Venue...)
	b = append(b, ',')
	b = append(b, fmt.Sprintf("%d", rec.TimestampUS)...)
	for _, lvl := range rec.Levels {
		b = append(b, ',')
		b = append(b, fmt.Sprintf("%.2f,%.8f", lvl.Price, lvl.Volume)...)
	}
	b = append(b, '\n')
	return string(b)
}

func (a *PricesArchiver) Stop() {
	if a.stopCh != nil {
		close(a.stopCh)
		<-a.doneCh
	}
	if a.reportCancel != nil {
		a.reportCancel()
	}
	a.rotator.close()
	if a.parquet != nil {
		a.parquet.Close()
	}
}
