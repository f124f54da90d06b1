// Package batch is the write-behind queue between the in-memory report tier
// and the durable engine.
//
// Every mutation of a report enqueues a full snapshot. Snapshots of the same
// report that are still pending collapse into the newest one, so a burst of
// duplicate occurrences costs one row write per flush rather than one per
// occurrence. A batch is handed to the flush function when it holds
// MaxBatchSize distinct reports, when MaxWaitTime elapses, on Flush and on
// Close. Add never blocks: a snapshot that finds the buffer full is dropped
// and counted.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pipelineerrors "errorpipe/internal/errors"
	"errorpipe/internal/logging"
	"errorpipe/internal/models"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrProcessorClosed = errors.New("batch processor is closed")
	ErrFlushFailed     = errors.New("batch flush failed")
	ErrBufferFull      = errors.New("batch buffer is full")
)

// FlushFunc persists one batch of distinct report snapshots.
type FlushFunc func(ctx context.Context, reports []*models.ErrorReport) error

// Metrics holds processor counters.
type Metrics struct {
	// Enqueued counts Add calls that were accepted.
	Enqueued int64
	// Dropped counts snapshots refused because the buffer was full.
	Dropped int64
	// Coalesced counts snapshots replaced by a newer one before a flush.
	Coalesced int64
	Batches   int64
	Persisted int64
	Failed    int64

	LastFlush     time.Time
	LastBatchSize int
}

// Config holds processor configuration.
type Config struct {
	// MaxBatchSize is the number of distinct pending reports that triggers a flush.
	MaxBatchSize int
	// MaxWaitTime bounds how long a snapshot waits before it is flushed.
	MaxWaitTime time.Duration
	// BufferSize is the capacity of the enqueue channel; Add drops when it is full.
	BufferSize int
	// FlushTimeout bounds one call of the flush function.
	FlushTimeout time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns the default processor configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxBatchSize: 100,
		MaxWaitTime:  2 * time.Second,
		BufferSize:   10000,
		FlushTimeout: 30 * time.Second,
	}
}

// Validate checks that every limit is positive.
func (c *Config) Validate() error {
	switch {
	case c.MaxBatchSize <= 0:
		return pipelineerrors.NewConfigValidationError("storage.batch_size", c.MaxBatchSize, "must be positive")
	case c.MaxWaitTime <= 0:
		return pipelineerrors.NewConfigValidationError("storage.flush_interval", c.MaxWaitTime, "must be positive")
	case c.BufferSize <= 0:
		return pipelineerrors.NewConfigValidationError("storage.buffer_size", c.BufferSize, "must be positive")
	case c.FlushTimeout <= 0:
		return pipelineerrors.NewConfigValidationError("flush_timeout", c.FlushTimeout, "must be positive")
	}
	return nil
}

type flushRequest struct {
	ctx   context.Context
	reply chan error
}

// pending is the batch under construction, keyed by report id in arrival
// order of each id's first snapshot.
type pending struct {
	index   map[string]int
	reports []*models.ErrorReport
}

func newPending(size int) pending {
	return pending{index: make(map[string]int, size), reports: make([]*models.ErrorReport, 0, size)}
}

// put adds r and reports whether it replaced a pending snapshot.
func (p *pending) put(r *models.ErrorReport) bool {
	if i, ok := p.index[r.ID]; ok {
		p.reports[i] = r
		return true
	}
	p.index[r.ID] = len(p.reports)
	p.reports = append(p.reports, r)
	return false
}

// Processor coalesces report snapshots and flushes them in batches. The
// loop goroutine owns the pending batch; callers reach it over channels.
type Processor struct {
	cfg    Config
	flush  FlushFunc
	logger *zap.Logger

	in      chan *models.ErrorReport
	flushCh chan flushRequest
	done    chan struct{}

	// closeMu guards sends on in against Close closing it.
	closeMu  sync.RWMutex
	closed   bool
	closeErr error
	once     sync.Once

	metricsMu sync.Mutex
	metrics   Metrics

	// dropLog samples the buffer_full warning.
	dropLog rate.Sometimes
}

// NewProcessor starts a processor that hands batches to flush.
func NewProcessor(cfg *Config, flush FlushFunc) (*Processor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if flush == nil {
		return nil, pipelineerrors.NewConfigValidationError("flush", nil, "flush function is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.L()
	}

	p := &Processor{
		cfg:     *cfg,
		flush:   flush,
		logger:  logger.With(zap.String("component", "write_behind")),
		in:      make(chan *models.ErrorReport, cfg.BufferSize),
		flushCh: make(chan flushRequest),
		done:    make(chan struct{}),
		dropLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	go p.loop()
	return p, nil
}

// Add enqueues a snapshot. It returns ErrBufferFull without waiting when
// the buffer has no room.
func (p *Processor) Add(r *models.ErrorReport) error {
	if r == nil {
		return nil
	}
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrProcessorClosed
	}
	select {
	case p.in <- r:
		p.count(func(m *Metrics) { m.Enqueued++ })
		return nil
	default:
	}

	var dropped int64
	p.count(func(m *Metrics) {
		m.Dropped++
		dropped = m.Dropped
	})
	p.dropLog.Do(func() {
		p.logger.Warn("write_behind_buffer_full",
			logging.ReportID(r.ID),
			zap.Int("buffer_size", p.cfg.BufferSize),
			zap.Int64("dropped_total", dropped),
		)
	})
	return ErrBufferFull
}

// Flush persists every snapshot added before the call and waits for the
// result.
func (p *Processor) Flush(ctx context.Context) error {
	req := flushRequest{ctx: ctx, reply: make(chan error, 1)}
	select {
	case p.flushCh <- req:
	case <-p.done:
		return ErrProcessorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes what is pending and stops the processor. It returns the
// error of that last flush.
func (p *Processor) Close() error {
	p.once.Do(func() {
		p.closeMu.Lock()
		p.closed = true
		close(p.in)
		p.closeMu.Unlock()
		<-p.done

		m := p.Metrics()
		p.logger.Info("write_behind_stopped",
			zap.Int64("enqueued", m.Enqueued),
			zap.Int64("dropped", m.Dropped),
			zap.Int64("coalesced", m.Coalesced),
			zap.Int64("persisted", m.Persisted),
			zap.Int64("failed", m.Failed),
		)
	})
	return p.closeErr
}

// Metrics returns a copy of the counters.
func (p *Processor) Metrics() Metrics {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	return p.metrics
}

func (p *Processor) count(f func(*Metrics)) {
	p.metricsMu.Lock()
	f(&p.metrics)
	p.metricsMu.Unlock()
}

func (p *Processor) loop() {
	defer close(p.done)

	cur := newPending(p.cfg.MaxBatchSize)
	ticker := time.NewTicker(p.cfg.MaxWaitTime)
	defer ticker.Stop()

	add := func(r *models.ErrorReport) {
		if cur.put(r) {
			p.count(func(m *Metrics) { m.Coalesced++ })
		}
	}
	flush := func(ctx context.Context) error {
		reports := cur.reports
		cur = newPending(p.cfg.MaxBatchSize)
		return p.write(ctx, reports)
	}

	for {
		select {
		case r, ok := <-p.in:
			if !ok {
				p.closeErr = p.withTimeout(context.Background(), flush)
				if p.closeErr != nil {
					p.logger.Warn("final_flush_failed", zap.Error(p.closeErr))
				}
				return
			}
			add(r)
			if len(cur.reports) >= p.cfg.MaxBatchSize {
				if err := p.withTimeout(context.Background(), flush); err != nil {
					p.logger.Warn("batch_flush_failed", zap.Error(err))
				}
			}

		case req := <-p.flushCh:
			// Take everything enqueued before the request.
			for drained := false; !drained; {
				select {
				case r, ok := <-p.in:
					if !ok {
						drained = true
						break
					}
					add(r)
				default:
					drained = true
				}
			}
			req.reply <- p.withTimeout(req.ctx, flush)

		case <-ticker.C:
			if len(cur.reports) > 0 {
				if err := p.withTimeout(context.Background(), flush); err != nil {
					p.logger.Warn("periodic_flush_failed", zap.Error(err))
				}
			}
		}
	}
}

func (p *Processor) withTimeout(ctx context.Context, f func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.FlushTimeout)
	defer cancel()
	return f(ctx)
}

// write hands reports to the flush function in MaxBatchSize chunks and
// returns the first failure.
func (p *Processor) write(ctx context.Context, reports []*models.ErrorReport) error {
	var first error
	for start := 0; start < len(reports); start += p.cfg.MaxBatchSize {
		chunk := reports[start:min(start+p.cfg.MaxBatchSize, len(reports))]

		began := time.Now()
		err := p.flush(ctx, chunk)
		p.count(func(m *Metrics) {
			m.Batches++
			m.LastFlush = time.Now()
			m.LastBatchSize = len(chunk)
			if err != nil {
				m.Failed += int64(len(chunk))
			} else {
				m.Persisted += int64(len(chunk))
			}
		})

		if err != nil {
			p.logger.Warn("batch_persist_failed", logging.BatchSize(len(chunk)), logging.Duration(time.Since(began)), zap.Error(err))
			if first == nil {
				first = fmt.Errorf("%w: %v", ErrFlushFailed, err)
			}
			continue
		}
		p.logger.Debug("batch_persisted", logging.BatchSize(len(chunk)), logging.Duration(time.Since(began)))
	}
	return first
}
