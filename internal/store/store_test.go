package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"errorpipe/internal/batch"
	"errorpipe/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newReport(id, fingerprint string, ts time.Time) *models.ErrorReport {
	return &models.ErrorReport{
		ID:              id,
		Timestamp:       ts,
		Severity:        models.SeverityHigh,
		Category:        models.CategoryAPI,
		Source:          models.Source{Service: "slack", Method: "postMessage"},
		Error:           models.ErrorDetail{Name: "SlackAPIError", Message: "boom " + id},
		Message:         "boom " + id,
		OccurrenceCount: 1,
		FirstSeen:       ts,
		LastSeen:        ts,
		Tags:            []string{"slack"},
		Fingerprint:     fingerprint,
	}
}

func testTieredConfig() *TieredConfig {
	cfg := DefaultTieredConfig()
	cfg.Logger = zap.NewNop()
	cfg.Batch = &batch.Config{
		MaxBatchSize: 10,
		MaxWaitTime:  20 * time.Millisecond,
		BufferSize:   1000,
		FlushTimeout: 5 * time.Second,
		Logger:       zap.NewNop(),
	}
	cfg.RetryInitialInterval = time.Millisecond
	return cfg
}

// engines returns a fresh instance of every engine for contract tests.
func engines(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "reports.db"))
	require.NoError(t, err)

	durable, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tiered.db"))
	require.NoError(t, err)
	tiered, err := NewTieredStore(durable, testTieredConfig())
	require.NoError(t, err)

	all := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
		"tiered": tiered,
	}
	t.Cleanup(func() {
		for _, s := range all {
			_ = s.Close()
		}
	})
	return all
}

func TestStoreContract_CRUD(t *testing.T) {
	ctx := context.Background()
	for name, s := range engines(t) {
		t.Run(name, func(t *testing.T) {
			r := newReport("r1", "fp1", baseTime)
			require.NoError(t, s.Store(ctx, r))

			got, err := s.GetByID(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, "fp1", got.Fingerprint)
			assert.Equal(t, "boom r1", got.Message)

			byFP, err := s.FindByFingerprint(ctx, "fp1")
			require.NoError(t, err)
			assert.Equal(t, "r1", byFP.ID)

			got.Resolved = true
			got.Resolution = &models.Resolution{ResolvedAt: baseTime.Add(time.Hour), ResolvedBy: "alice"}
			require.NoError(t, s.Update(ctx, got))

			again, err := s.GetByID(ctx, "r1")
			require.NoError(t, err)
			assert.True(t, again.Resolved)
			require.NotNil(t, again.Resolution)
			assert.Equal(t, "alice", again.Resolution.ResolvedBy)

			_, err = s.GetByID(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.FindByFingerprint(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			err = s.Update(ctx, newReport("missing", "fp-missing", baseTime))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreContract_DuplicateFingerprint(t *testing.T) {
	ctx := context.Background()
	for name, s := range engines(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Store(ctx, newReport("a", "same", baseTime)))
			err := s.Store(ctx, newReport("b", "same", baseTime))
			assert.ErrorIs(t, err, ErrDuplicateFingerprint)

			n, err := s.Count(ctx, models.ReportFilter{})
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestStoreContract_QueryFilters(t *testing.T) {
	ctx := context.Background()
	for name, s := range engines(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 6; i++ {
				r := newReport(fmt.Sprintf("r%d", i), fmt.Sprintf("fp%d", i), baseTime.Add(time.Duration(i)*time.Hour))
				if i%2 == 0 {
					r.Severity = models.SeverityCritical
					r.Source.Service = "zendesk"
					r.Tags = []string{"zendesk", "tickets"}
				}
				if i == 5 {
					r.Resolved = true
				}
				require.NoError(t, s.Store(ctx, r))
			}

			all, err := s.Query(ctx, models.ReportFilter{})
			require.NoError(t, err)
			require.Len(t, all, 6)
			assert.Equal(t, "r5", all[0].ID, "newest first")

			crit, err := s.Query(ctx, models.ReportFilter{Severities: []models.Severity{models.SeverityCritical}})
			require.NoError(t, err)
			assert.Len(t, crit, 3)

			unresolved, err := s.Count(ctx, models.ReportFilter{Resolved: models.BoolPtr(false)})
			require.NoError(t, err)
			assert.Equal(t, 5, unresolved)

			svc, err := s.Query(ctx, models.ReportFilter{Services: []string{"slack"}, Limit: 2})
			require.NoError(t, err)
			require.Len(t, svc, 2)
			assert.Equal(t, []string{"r5", "r3"}, []string{svc[0].ID, svc[1].ID})

			ranged, err := s.Query(ctx, models.ReportFilter{Range: &models.TimeRange{
				Start: baseTime.Add(time.Hour),
				End:   baseTime.Add(3 * time.Hour),
			}})
			require.NoError(t, err)
			assert.Len(t, ranged, 3, "range bounds are inclusive")

			tagged, err := s.Count(ctx, models.ReportFilter{Tags: []string{"tickets"}})
			require.NoError(t, err)
			assert.Equal(t, 3, tagged)

			searched, err := s.Query(ctx, models.ReportFilter{Search: "BOOM R4"})
			require.NoError(t, err)
			require.Len(t, searched, 1)
			assert.Equal(t, "r4", searched[0].ID)
		})
	}
}

func TestStoreContract_DeleteBefore(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	for name, s := range engines(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Store(ctx, newReport("old", "fp-old", now.AddDate(0, 0, -40))))
			require.NoError(t, s.Store(ctx, newReport("recent", "fp-recent", now.AddDate(0, 0, -5))))

			n, err := s.DeleteBefore(ctx, now.AddDate(0, 0, -30))
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, err = s.GetByID(ctx, "old")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetByID(ctx, "recent")
			assert.NoError(t, err)

			// The fingerprint is free again.
			_, created, err := s.Upsert(ctx, "fp-old",
				func() *models.ErrorReport { return newReport("old2", "fp-old", now) },
				func(*models.ErrorReport) { t.Fatal("mutate must not run") })
			require.NoError(t, err)
			assert.True(t, created)
		})
	}
}

func TestStoreContract_UpsertConcurrent(t *testing.T) {
	ctx := context.Background()
	const callers = 50

	for name, s := range engines(t) {
		t.Run(name, func(t *testing.T) {
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				created int
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, isNew, err := s.Upsert(ctx, "hot",
						func() *models.ErrorReport { return newReport(fmt.Sprintf("id-%d", i), "hot", baseTime) },
						func(r *models.ErrorReport) {
							r.OccurrenceCount++
							r.LastSeen = baseTime.Add(time.Minute)
						})
					assert.NoError(t, err)
					if isNew {
						mu.Lock()
						created++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, 1, created)
			n, err := s.Count(ctx, models.ReportFilter{})
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			r, err := s.FindByFingerprint(ctx, "hot")
			require.NoError(t, err)
			assert.Equal(t, callers, r.OccurrenceCount)
		})
	}
}

func TestStoreContract_ConfigDocument(t *testing.T) {
	ctx := context.Background()
	for name, s := range engines(t) {
		cs, ok := s.(ConfigStore)
		if !ok {
			continue
		}
		t.Run(name, func(t *testing.T) {
			_, err := cs.LoadConfig(ctx)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, cs.SaveConfig(ctx, []byte(`{"retention_days":30}`)))
			require.NoError(t, cs.SaveConfig(ctx, []byte(`{"retention_days":7}`)))

			data, err := cs.LoadConfig(ctx)
			require.NoError(t, err)
			assert.JSONEq(t, `{"retention_days":7}`, string(data))
		})
	}
}

func TestMemoryStore_ReturnsClones(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Store(ctx, newReport("r1", "fp1", baseTime)))

	got, err := s.GetByID(ctx, "r1")
	require.NoError(t, err)
	got.Message = "mutated"
	got.Tags[0] = "mutated"

	again, err := s.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "boom r1", again.Message)
	assert.Equal(t, "slack", again.Tags[0])
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Store(ctx, newReport("r2", "fp2", baseTime)), ErrClosed)
}

func TestMemoryStore_UpsertRejectsEmptyCreate(t *testing.T) {
	s := NewMemoryStore()
	_, _, err := s.Upsert(context.Background(), "fp",
		func() *models.ErrorReport { return nil },
		func(*models.ErrorReport) {})
	assert.Error(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	_, err := NewSQLiteStore("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.path")
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Store(ctx, newReport("r1", "fp1", baseTime)))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "fp1", got.Fingerprint)
	assert.True(t, got.Timestamp.Equal(baseTime))
}

func TestSQLiteStore_PutBatchReplacesStaleFingerprintOwner(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "batch.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Store(ctx, newReport("stale", "fp", baseTime)))

	fresh := newReport("fresh", "fp", baseTime.Add(time.Hour))
	fresh.OccurrenceCount = 3
	require.NoError(t, s.PutBatch(ctx, []*models.ErrorReport{fresh}))

	// Same id again updates in place.
	fresh.OccurrenceCount = 4
	require.NoError(t, s.PutBatch(ctx, []*models.ErrorReport{fresh}))

	got, err := s.FindByFingerprint(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.ID)
	assert.Equal(t, 4, got.OccurrenceCount)

	_, err = s.GetByID(ctx, "stale")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTieredStore_WritesReachDurableTier(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tiered.db")

	durable, err := NewSQLiteStore(path)
	require.NoError(t, err)
	tiered, err := NewTieredStore(durable, testTieredConfig())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _, err := tiered.Upsert(ctx, "fp",
			func() *models.ErrorReport { return newReport("r1", "fp", baseTime) },
			func(r *models.ErrorReport) { r.OccurrenceCount++ })
		require.NoError(t, err)
	}
	require.NoError(t, tiered.Store(ctx, newReport("r2", "fp2", baseTime)))
	require.NoError(t, tiered.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.FindByFingerprint(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, 3, got.OccurrenceCount)

	n, err := reopened.Count(ctx, models.ReportFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTieredStore_Warm(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "warm.db")

	seed, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, seed.Store(ctx, newReport("r1", "fp1", baseTime)))
	require.NoError(t, seed.Store(ctx, newReport("r2", "fp2", baseTime)))
	require.NoError(t, seed.Close())

	durable, err := NewSQLiteStore(path)
	require.NoError(t, err)
	tiered, err := NewTieredStore(durable, testTieredConfig())
	require.NoError(t, err)
	defer tiered.Close()

	n, err := tiered.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := tiered.FindByFingerprint(ctx, "fp2")
	require.NoError(t, err)
	assert.Equal(t, "r2", got.ID)
	assert.Equal(t, int64(0), tiered.WriterMetrics().Enqueued, "warming does not write back")
}

// failingDurable is a durable engine whose batch writes always fail.
type failingDurable struct {
	*SQLiteStore
	mu    sync.Mutex
	calls int
}

func (f *failingDurable) PutBatch(context.Context, []*models.ErrorReport) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return errors.New("disk full")
}

func TestTieredStore_DurableFailureDegradesGracefully(t *testing.T) {
	ctx := context.Background()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "fail.db"))
	require.NoError(t, err)
	durable := &failingDurable{SQLiteStore: sqlite}

	var lost int
	var lostMu sync.Mutex
	cfg := testTieredConfig()
	cfg.Batch.MaxWaitTime = time.Hour
	cfg.MaxRetries = 2
	cfg.OnDurableFailure = func(n int) {
		lostMu.Lock()
		lost += n
		lostMu.Unlock()
	}

	tiered, err := NewTieredStore(durable, cfg)
	require.NoError(t, err)
	defer tiered.Close()

	r, created, err := tiered.Upsert(ctx, "fp",
		func() *models.ErrorReport { return newReport("r1", "fp", baseTime) },
		func(*models.ErrorReport) {})
	require.NoError(t, err, "durable failures are not surfaced")
	assert.True(t, created)

	err = tiered.Flush(ctx)
	assert.ErrorIs(t, err, batch.ErrFlushFailed)

	got, err := tiered.GetByID(ctx, r.ID)
	require.NoError(t, err, "memory tier stays authoritative")
	assert.Equal(t, "fp", got.Fingerprint)

	assert.Equal(t, int64(1), tiered.DurableFailures())
	lostMu.Lock()
	assert.Equal(t, 1, lost)
	lostMu.Unlock()
	durable.mu.Lock()
	assert.Equal(t, 3, durable.calls, "one attempt plus two retries")
	durable.mu.Unlock()
}

// stalledDurable blocks batch writes until released.
type stalledDurable struct {
	*SQLiteStore
	started chan struct{}
	release chan struct{}
}

func (s *stalledDurable) PutBatch(ctx context.Context, reports []*models.ErrorReport) error {
	select {
	case s.started <- struct{}{}:
	default:
	}
	<-s.release
	return s.SQLiteStore.PutBatch(ctx, reports)
}

func TestTieredStore_FullBufferDoesNotBlockIngestion(t *testing.T) {
	ctx := context.Background()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "stall.db"))
	require.NoError(t, err)
	durable := &stalledDurable{SQLiteStore: sqlite, started: make(chan struct{}, 1), release: make(chan struct{})}

	cfg := testTieredConfig()
	cfg.Batch.MaxBatchSize = 1
	cfg.Batch.BufferSize = 1
	cfg.Batch.MaxWaitTime = time.Hour
	tiered, err := NewTieredStore(durable, cfg)
	require.NoError(t, err)

	upsert := func(fp string) {
		_, _, err := tiered.Upsert(ctx, fp,
			func() *models.ErrorReport { return newReport("r-"+fp, fp, baseTime) },
			func(*models.ErrorReport) {})
		require.NoError(t, err)
	}

	upsert("fp1")
	select {
	case <-durable.started:
	case <-time.After(5 * time.Second):
		t.Fatal("durable write did not start")
	}
	upsert("fp2")

	done := make(chan struct{})
	go func() {
		defer close(done)
		upsert("fp3")
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ingestion blocked behind the stalled durable engine")
	}

	assert.Equal(t, int64(1), tiered.WriterMetrics().Dropped)
	assert.Equal(t, int64(1), tiered.DurableFailures())
	n, err := tiered.Count(ctx, models.ReportFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, n, "memory tier keeps every report")

	close(durable.release)
	require.NoError(t, tiered.Close())
}
