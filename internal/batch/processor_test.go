package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"errorpipe/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func snapshot(id string, count int) *models.ErrorReport {
	return &models.ErrorReport{ID: id, Fingerprint: "fp-" + id, OccurrenceCount: count}
}

// sink records every batch handed to it.
type sink struct {
	mu      sync.Mutex
	batches [][]*models.ErrorReport
	err     error
}

func (s *sink) flush(_ context.Context, reports []*models.ErrorReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]*models.ErrorReport(nil), reports...))
	return s.err
}

func (s *sink) all() []*models.ErrorReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ErrorReport
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func (s *sink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

// quietConfig never flushes on its own within a test.
func quietConfig() *Config {
	return &Config{
		MaxBatchSize: 100,
		MaxWaitTime:  time.Hour,
		BufferSize:   100,
		FlushTimeout: time.Second,
		Logger:       zap.NewNop(),
	}
}

func newProcessor(t *testing.T, cfg *Config, s *sink) *Processor {
	t.Helper()
	p, err := NewProcessor(cfg, s.flush)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.MaxBatchSize = 0 }},
		{"zero wait", func(c *Config) { c.MaxWaitTime = 0 }},
		{"negative buffer", func(c *Config) { c.BufferSize = -1 }},
		{"zero flush timeout", func(c *Config) { c.FlushTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := quietConfig()
			tt.mutate(cfg)
			_, err := NewProcessor(cfg, (&sink{}).flush)
			assert.Error(t, err)
		})
	}

	_, err := NewProcessor(quietConfig(), nil)
	assert.Error(t, err, "flush function is required")
	assert.NoError(t, DefaultConfig().Validate())
}

func TestSnapshotsOfOneReportCoalesce(t *testing.T) {
	s := &sink{}
	p := newProcessor(t, quietConfig(), s)

	for i := 1; i <= 5; i++ {
		require.NoError(t, p.Add(snapshot("a", i)))
	}
	require.NoError(t, p.Add(snapshot("b", 1)))
	require.NoError(t, p.Add(snapshot("a", 6)))
	require.NoError(t, p.Flush(context.Background()))

	got := s.all()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID, "first arrival keeps its position")
	assert.Equal(t, 6, got[0].OccurrenceCount, "newest snapshot wins")
	assert.Equal(t, "b", got[1].ID)

	m := p.Metrics()
	assert.Equal(t, int64(7), m.Enqueued)
	assert.Equal(t, int64(5), m.Coalesced)
	assert.Equal(t, int64(2), m.Persisted)
	assert.Equal(t, int64(1), m.Batches)
	assert.Equal(t, 2, m.LastBatchSize)
	assert.False(t, m.LastFlush.IsZero())
}

func TestBatchSizeCountsDistinctReports(t *testing.T) {
	s := &sink{}
	cfg := quietConfig()
	cfg.MaxBatchSize = 3
	p := newProcessor(t, cfg, s)

	// Repeats of one report never fill a batch.
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Add(snapshot("same", i)))
	}
	require.NoError(t, p.Add(snapshot("x", 1)))
	require.NoError(t, p.Add(snapshot("y", 1)))

	require.Eventually(t, func() bool { return s.batchCount() == 1 }, time.Second, 5*time.Millisecond)
	got := s.all()
	require.Len(t, got, 3)
	assert.Equal(t, 9, got[0].OccurrenceCount)
}

func TestWaitTimeTriggersFlush(t *testing.T) {
	s := &sink{}
	cfg := quietConfig()
	cfg.MaxWaitTime = 20 * time.Millisecond
	p := newProcessor(t, cfg, s)

	require.NoError(t, p.Add(snapshot("a", 1)))

	require.Eventually(t, func() bool { return len(s.all()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestFlushWithNothingPending(t *testing.T) {
	s := &sink{}
	p := newProcessor(t, quietConfig(), s)

	require.NoError(t, p.Flush(context.Background()))
	assert.Zero(t, s.batchCount())
	assert.Zero(t, p.Metrics().Batches)
}

func TestFlushFailureIsReported(t *testing.T) {
	s := &sink{err: errors.New("disk full")}
	p := newProcessor(t, quietConfig(), s)

	require.NoError(t, p.Add(snapshot("a", 1)))
	require.NoError(t, p.Add(snapshot("b", 1)))

	err := p.Flush(context.Background())
	require.ErrorIs(t, err, ErrFlushFailed)
	assert.Contains(t, err.Error(), "disk full")

	m := p.Metrics()
	assert.Equal(t, int64(2), m.Failed)
	assert.Zero(t, m.Persisted)

	// A failed batch is not retried by the processor.
	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()
	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, 1, s.batchCount())
}

func TestFlushHonoursContext(t *testing.T) {
	release := make(chan struct{})
	blocking := func(ctx context.Context, _ []*models.ErrorReport) error {
		<-release
		return nil
	}
	p, err := NewProcessor(quietConfig(), blocking)
	require.NoError(t, err)
	defer func() {
		close(release)
		_ = p.Close()
	}()

	require.NoError(t, p.Add(snapshot("a", 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Flush(ctx), context.DeadlineExceeded)
}

func TestCloseFlushesPending(t *testing.T) {
	s := &sink{}
	p, err := NewProcessor(quietConfig(), s.flush)
	require.NoError(t, err)

	require.NoError(t, p.Add(snapshot("a", 1)))
	require.NoError(t, p.Add(snapshot("a", 2)))
	require.NoError(t, p.Close())

	got := s.all()
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].OccurrenceCount)

	assert.NoError(t, p.Close(), "second close is a no-op")
	assert.ErrorIs(t, p.Add(snapshot("b", 1)), ErrProcessorClosed)
	assert.ErrorIs(t, p.Flush(context.Background()), ErrProcessorClosed)
}

func TestCloseReturnsFinalFlushError(t *testing.T) {
	s := &sink{err: errors.New("read-only database")}
	p, err := NewProcessor(quietConfig(), s.flush)
	require.NoError(t, err)

	require.NoError(t, p.Add(snapshot("a", 1)))
	assert.ErrorIs(t, p.Close(), ErrFlushFailed)
}

func TestNilSnapshotIgnored(t *testing.T) {
	p := newProcessor(t, quietConfig(), &sink{})

	require.NoError(t, p.Add(nil))
	assert.Zero(t, p.Metrics().Enqueued)
}

func TestConcurrentWriters(t *testing.T) {
	s := &sink{}
	cfg := quietConfig()
	cfg.MaxBatchSize = 7
	cfg.BufferSize = 500
	p := newProcessor(t, cfg, s)

	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 1; i <= 50; i++ {
				assert.NoError(t, p.Add(snapshot(id, i)))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, p.Flush(context.Background()))

	// Each report's last persisted snapshot is its newest one.
	last := make(map[string]int)
	for _, r := range s.all() {
		last[r.ID] = r.OccurrenceCount
	}
	assert.Len(t, last, len(ids))
	for _, id := range ids {
		assert.Equal(t, 50, last[id], id)
	}

	m := p.Metrics()
	assert.Equal(t, int64(500), m.Enqueued)
	assert.Zero(t, m.Dropped)
	assert.Equal(t, m.Enqueued, m.Coalesced+m.Persisted)
}

func TestAddDropsWhenBufferFull(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	s := &sink{}
	stalled := func(ctx context.Context, reports []*models.ErrorReport) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return s.flush(ctx, reports)
	}

	cfg := quietConfig()
	cfg.MaxBatchSize = 1
	cfg.BufferSize = 2
	p, err := NewProcessor(cfg, stalled)
	require.NoError(t, err)

	require.NoError(t, p.Add(snapshot("a", 1)))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("flush did not start")
	}

	require.NoError(t, p.Add(snapshot("b", 1)))
	require.NoError(t, p.Add(snapshot("c", 1)))

	done := make(chan error, 1)
	go func() { done <- p.Add(snapshot("d", 1)) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrBufferFull)
	case <-time.After(time.Second):
		t.Fatal("Add blocked on a full buffer")
	}

	m := p.Metrics()
	assert.Equal(t, int64(3), m.Enqueued)
	assert.Equal(t, int64(1), m.Dropped)

	close(release)
	require.NoError(t, p.Close())
	ids := make([]string, 0, 3)
	for _, r := range s.all() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}
