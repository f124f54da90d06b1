// Package store persists error reports behind an engine-independent interface.
//
// Three engines are provided:
//   - MemoryStore: concurrent in-process maps with an atomic per-fingerprint upsert
//   - SQLiteStore: a durable SQLite file (pure Go driver)
//   - TieredStore: memory-authoritative with write-behind to a durable engine
//
// Not found is reported with ErrNotFound and never with a nil, nil return.
package store

import (
	"context"
	"errors"
	"time"

	pipelineerrors "errorpipe/internal/errors"
	"errorpipe/internal/models"
)

var (
	// ErrNotFound is returned when a report does not exist.
	ErrNotFound = pipelineerrors.ErrStorageNotFound

	// ErrDuplicateFingerprint is returned by Store when another report already
	// owns the fingerprint.
	ErrDuplicateFingerprint = errors.New("fingerprint already stored")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// CreateFunc builds the report to insert when no report owns the fingerprint.
type CreateFunc func() *models.ErrorReport

// MutateFunc updates an existing report in place. It runs while the
// fingerprint is locked and must not call back into the store.
type MutateFunc func(existing *models.ErrorReport)

// Store is the persistence contract for error reports.
type Store interface {
	// Store inserts a new report.
	Store(ctx context.Context, report *models.ErrorReport) error

	// Update replaces an existing report, matched by id.
	Update(ctx context.Context, report *models.ErrorReport) error

	// GetByID returns the report with the given id.
	GetByID(ctx context.Context, id string) (*models.ErrorReport, error)

	// FindByFingerprint returns the report owning the fingerprint.
	FindByFingerprint(ctx context.Context, fingerprint string) (*models.ErrorReport, error)

	// Query returns matching reports, newest first.
	Query(ctx context.Context, filter models.ReportFilter) ([]*models.ErrorReport, error)

	// Count returns the number of matching reports, ignoring filter.Limit.
	Count(ctx context.Context, filter models.ReportFilter) (int, error)

	// DeleteBefore removes reports whose timestamp is before cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Upsert atomically finds the report owning fingerprint and mutates it,
	// or inserts the report built by create. It returns a snapshot of the
	// stored report and whether it was created.
	Upsert(ctx context.Context, fingerprint string, create CreateFunc, mutate MutateFunc) (*models.ErrorReport, bool, error)

	// Close releases resources.
	Close() error
}

// ConfigStore persists the singleton pipeline configuration document.
type ConfigStore interface {
	// LoadConfig returns the stored document, or ErrNotFound.
	LoadConfig(ctx context.Context) ([]byte, error)

	// SaveConfig replaces the stored document.
	SaveConfig(ctx context.Context, data []byte) error
}

func notFound(kind, key string) error {
	return pipelineerrors.NewStorageNotFoundError(kind, key)
}
