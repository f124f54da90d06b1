package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pipelineerrors "errorpipe/internal/errors"
	"errorpipe/internal/models"

	"github.com/puzpuzpuz/xsync/v4"
)

// MemoryStore keeps reports in concurrent maps. Stored values are never
// mutated in place: writers swap in fresh clones and readers receive clones.
type MemoryStore struct {
	reports       *xsync.Map[string, *models.ErrorReport]
	byFingerprint *xsync.Map[string, string]

	configMu sync.RWMutex
	config   []byte

	// onWrite observes every stored snapshot while its fingerprint is locked,
	// so observers see writes to one fingerprint in order.
	onWrite func(*models.ErrorReport)

	closed atomic.Bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports:       xsync.NewMap[string, *models.ErrorReport](),
		byFingerprint: xsync.NewMap[string, string](),
	}
}

// Store implements Store.
func (m *MemoryStore) Store(_ context.Context, report *models.ErrorReport) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if report == nil || report.ID == "" {
		return pipelineerrors.NewReportValidationError("id", "must not be empty")
	}

	snapshot := report.Clone()
	var storeErr error
	m.byFingerprint.Compute(snapshot.Fingerprint, func(ownerID string, loaded bool) (string, xsync.ComputeOp) {
		if loaded && ownerID != snapshot.ID {
			storeErr = pipelineerrors.NewStorageWriteError("store",
				fmt.Errorf("%w: %s owned by %s", ErrDuplicateFingerprint, snapshot.Fingerprint, ownerID))
			return ownerID, xsync.CancelOp
		}
		m.reports.Store(snapshot.ID, snapshot)
		m.notify(snapshot)
		return snapshot.ID, xsync.UpdateOp
	})
	return storeErr
}

// Update implements Store.
func (m *MemoryStore) Update(_ context.Context, report *models.ErrorReport) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if report == nil {
		return pipelineerrors.NewReportValidationError("report", "must not be nil")
	}

	snapshot := report.Clone()
	found := false
	m.byFingerprint.Compute(snapshot.Fingerprint, func(ownerID string, loaded bool) (string, xsync.ComputeOp) {
		if !loaded || ownerID != snapshot.ID {
			return ownerID, xsync.CancelOp
		}
		m.reports.Store(snapshot.ID, snapshot)
		m.notify(snapshot)
		found = true
		return ownerID, xsync.CancelOp
	})
	if !found {
		return notFound("report", report.ID)
	}
	return nil
}

// GetByID implements Store.
func (m *MemoryStore) GetByID(_ context.Context, id string) (*models.ErrorReport, error) {
	r, ok := m.reports.Load(id)
	if !ok {
		return nil, notFound("report", id)
	}
	return r.Clone(), nil
}

// FindByFingerprint implements Store.
func (m *MemoryStore) FindByFingerprint(ctx context.Context, fingerprint string) (*models.ErrorReport, error) {
	id, ok := m.byFingerprint.Load(fingerprint)
	if !ok {
		return nil, notFound("fingerprint", fingerprint)
	}
	return m.GetByID(ctx, id)
}

// Query implements Store.
func (m *MemoryStore) Query(_ context.Context, filter models.ReportFilter) ([]*models.ErrorReport, error) {
	matched := make([]*models.ErrorReport, 0)
	m.reports.Range(func(_ string, r *models.ErrorReport) bool {
		if filter.Matches(r) {
			matched = append(matched, r)
		}
		return true
	})

	matched = filter.Apply(matched)
	out := make([]*models.ErrorReport, len(matched))
	for i, r := range matched {
		out[i] = r.Clone()
	}
	return out, nil
}

// Count implements Store.
func (m *MemoryStore) Count(_ context.Context, filter models.ReportFilter) (int, error) {
	n := 0
	m.reports.Range(func(_ string, r *models.ErrorReport) bool {
		if filter.Matches(r) {
			n++
		}
		return true
	})
	return n, nil
}

// DeleteBefore implements Store.
func (m *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	var candidates []*models.ErrorReport
	m.reports.Range(func(_ string, r *models.ErrorReport) bool {
		if r.Timestamp.Before(cutoff) {
			candidates = append(candidates, r)
		}
		return true
	})

	deleted := 0
	for _, c := range candidates {
		// Re-check under the fingerprint lock so a concurrent upsert wins.
		m.byFingerprint.Compute(c.Fingerprint, func(ownerID string, loaded bool) (string, xsync.ComputeOp) {
			current, ok := m.reports.Load(c.ID)
			if !ok || !current.Timestamp.Before(cutoff) {
				return ownerID, xsync.CancelOp
			}
			m.reports.Delete(c.ID)
			deleted++
			if loaded && ownerID == c.ID {
				return ownerID, xsync.DeleteOp
			}
			return ownerID, xsync.CancelOp
		})
	}
	return deleted, nil
}

// Upsert implements Store.
func (m *MemoryStore) Upsert(_ context.Context, fingerprint string, create CreateFunc, mutate MutateFunc) (*models.ErrorReport, bool, error) {
	if m.closed.Load() {
		return nil, false, ErrClosed
	}

	var (
		result  *models.ErrorReport
		created bool
		opErr   error
	)
	m.byFingerprint.Compute(fingerprint, func(ownerID string, loaded bool) (string, xsync.ComputeOp) {
		if loaded {
			if existing, ok := m.reports.Load(ownerID); ok {
				next := existing.Clone()
				mutate(next)
				m.reports.Store(ownerID, next)
				m.notify(next)
				result = next
				return ownerID, xsync.CancelOp
			}
		}

		fresh := create()
		if fresh == nil || fresh.ID == "" {
			opErr = pipelineerrors.NewReportValidationError("id", "create returned no report")
			return ownerID, xsync.CancelOp
		}
		fresh = fresh.Clone()
		fresh.Fingerprint = fingerprint
		m.reports.Store(fresh.ID, fresh)
		m.notify(fresh)
		result = fresh
		created = true
		return fresh.ID, xsync.UpdateOp
	})
	if opErr != nil {
		return nil, false, opErr
	}
	return result.Clone(), created, nil
}

func (m *MemoryStore) notify(r *models.ErrorReport) {
	if m.onWrite != nil {
		m.onWrite(r.Clone())
	}
}

// Len returns the number of stored reports.
func (m *MemoryStore) Len() int {
	return m.reports.Size()
}

// LoadConfig implements ConfigStore.
func (m *MemoryStore) LoadConfig(_ context.Context) ([]byte, error) {
	m.configMu.RLock()
	defer m.configMu.RUnlock()
	if m.config == nil {
		return nil, notFound("config", "pipeline")
	}
	return append([]byte(nil), m.config...), nil
}

// SaveConfig implements ConfigStore.
func (m *MemoryStore) SaveConfig(_ context.Context, data []byte) error {
	m.configMu.Lock()
	defer m.configMu.Unlock()
	m.config = append([]byte(nil), data...)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.closed.Store(true)
	return nil
}
