package store

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"errorpipe/internal/batch"
	"errorpipe/internal/logging"
	"errorpipe/internal/models"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Durable is a store that can also absorb write-behind batches.
type Durable interface {
	Store
	ConfigStore

	// PutBatch writes report snapshots keyed by id.
	PutBatch(ctx context.Context, reports []*models.ErrorReport) error
}

// TieredConfig configures a TieredStore.
type TieredConfig struct {
	// Batch configures the write-behind processor.
	Batch *batch.Config

	// MaxRetries bounds retries of a failed durable batch write.
	MaxRetries uint64

	// RetryInitialInterval is the first backoff delay.
	RetryInitialInterval time.Duration

	// OnDurableFailure is called with the number of snapshots lost when a
	// batch still fails after retries or the write buffer is full. Optional.
	OnDurableFailure func(n int)

	Logger *zap.Logger
}

// DefaultTieredConfig returns defaults for write-behind.
func DefaultTieredConfig() *TieredConfig {
	return &TieredConfig{
		Batch:                batch.DefaultConfig(),
		MaxRetries:           3,
		RetryInitialInterval: 100 * time.Millisecond,
	}
}

// TieredStore serves every read from memory and mirrors writes to a durable
// engine in the background. A failing durable engine degrades the process
// to memory-only; ingestion never sees the error.
type TieredStore struct {
	mem     *MemoryStore
	durable Durable
	writer  *batch.Processor
	cfg     *TieredConfig
	logger  *zap.Logger

	durableFailures atomic.Int64
}

// NewTieredStore wraps durable with an in-memory tier.
func NewTieredStore(durable Durable, cfg *TieredConfig) (*TieredStore, error) {
	if cfg == nil {
		cfg = DefaultTieredConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.L()
	}

	t := &TieredStore{
		mem:     NewMemoryStore(),
		durable: durable,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "tiered_store")),
	}

	batchCfg := cfg.Batch
	if batchCfg == nil {
		batchCfg = batch.DefaultConfig()
	}
	if batchCfg.Logger == nil {
		c := *batchCfg
		c.Logger = logger
		batchCfg = &c
	}

	writer, err := batch.NewProcessor(batchCfg, t.persist)
	if err != nil {
		return nil, err
	}
	t.writer = writer
	t.enableMirroring()
	return t, nil
}

// enableMirroring starts forwarding memory writes to the durable tier.
func (t *TieredStore) enableMirroring() {
	t.mem.onWrite = t.mirror
}

// Warm loads the durable corpus into memory.
func (t *TieredStore) Warm(ctx context.Context) (int, error) {
	reports, err := t.durable.Query(ctx, models.ReportFilter{})
	if err != nil {
		return 0, err
	}
	// Warmed rows are already durable.
	t.mem.onWrite = nil
	defer t.enableMirroring()

	loaded := 0
	for _, r := range reports {
		if err := t.mem.Store(ctx, r); err != nil {
			t.logger.Warn("warm_skip_report", logging.ReportID(r.ID), zap.Error(err))
			continue
		}
		loaded++
	}
	t.logger.Info("store_warmed", logging.Count(loaded))
	return loaded, nil
}

// persist writes one batch of distinct snapshots in a single transaction,
// retried with exponential backoff.
func (t *TieredStore) persist(ctx context.Context, reports []*models.ErrorReport) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.cfg.RetryInitialInterval
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, t.cfg.MaxRetries), ctx)

	err := backoff.Retry(func() error {
		return t.durable.PutBatch(ctx, reports)
	}, retry)
	if err != nil {
		t.durableFailures.Add(int64(len(reports)))
		if t.cfg.OnDurableFailure != nil {
			t.cfg.OnDurableFailure(len(reports))
		}
		t.logger.Warn("durable_write_failed", logging.BatchSize(len(reports)), zap.Error(err))
	}
	return err
}

// mirror runs under the memory tier's fingerprint lock and must not block.
func (t *TieredStore) mirror(r *models.ErrorReport) {
	err := t.writer.Add(r)
	switch {
	case err == nil:
	case errors.Is(err, batch.ErrBufferFull):
		t.durableFailures.Add(1)
		if t.cfg.OnDurableFailure != nil {
			t.cfg.OnDurableFailure(1)
		}
	default:
		t.logger.Warn("durable_enqueue_failed", logging.ReportID(r.ID), zap.Error(err))
	}
}

// Store implements Store.
func (t *TieredStore) Store(ctx context.Context, report *models.ErrorReport) error {
	return t.mem.Store(ctx, report)
}

// Update implements Store.
func (t *TieredStore) Update(ctx context.Context, report *models.ErrorReport) error {
	return t.mem.Update(ctx, report)
}

// GetByID implements Store.
func (t *TieredStore) GetByID(ctx context.Context, id string) (*models.ErrorReport, error) {
	return t.mem.GetByID(ctx, id)
}

// FindByFingerprint implements Store.
func (t *TieredStore) FindByFingerprint(ctx context.Context, fingerprint string) (*models.ErrorReport, error) {
	return t.mem.FindByFingerprint(ctx, fingerprint)
}

// Query implements Store.
func (t *TieredStore) Query(ctx context.Context, filter models.ReportFilter) ([]*models.ErrorReport, error) {
	return t.mem.Query(ctx, filter)
}

// Count implements Store.
func (t *TieredStore) Count(ctx context.Context, filter models.ReportFilter) (int, error) {
	return t.mem.Count(ctx, filter)
}

// DeleteBefore implements Store. Pending writes are flushed first so a queued
// snapshot cannot resurrect a deleted row.
func (t *TieredStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := t.mem.DeleteBefore(ctx, cutoff)
	if err != nil {
		return n, err
	}

	if err := t.writer.Flush(ctx); err != nil && !errors.Is(err, batch.ErrProcessorClosed) {
		t.logger.Warn("durable_flush_failed", zap.Error(err))
	}
	if _, err := t.durable.DeleteBefore(ctx, cutoff); err != nil {
		t.durableFailures.Add(1)
		t.logger.Warn("durable_delete_failed", zap.Error(err))
	}
	return n, nil
}

// Upsert implements Store.
func (t *TieredStore) Upsert(ctx context.Context, fingerprint string, create CreateFunc, mutate MutateFunc) (*models.ErrorReport, bool, error) {
	return t.mem.Upsert(ctx, fingerprint, create, mutate)
}

// Flush waits until every write issued so far reached the durable engine.
func (t *TieredStore) Flush(ctx context.Context) error {
	return t.writer.Flush(ctx)
}

// DurableFailures returns how many durable writes were lost.
func (t *TieredStore) DurableFailures() int64 {
	return t.durableFailures.Load()
}

// WriterMetrics exposes the write-behind processor statistics.
func (t *TieredStore) WriterMetrics() batch.Metrics {
	return t.writer.Metrics()
}

// LoadConfig implements ConfigStore.
func (t *TieredStore) LoadConfig(ctx context.Context) ([]byte, error) {
	return t.durable.LoadConfig(ctx)
}

// SaveConfig implements ConfigStore.
func (t *TieredStore) SaveConfig(ctx context.Context, data []byte) error {
	return t.durable.SaveConfig(ctx, data)
}

// Close flushes pending writes and closes both tiers.
func (t *TieredStore) Close() error {
	writerErr := t.writer.Close()
	_ = t.mem.Close()
	return errors.Join(writerErr, t.durable.Close())
}
