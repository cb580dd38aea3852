package okoa

import (
	"context"
	"time"

	"okoa-go/internal/model"
)

// CacheStore persists cached responses grouped by generation.
// Lookups return nil, nil when nothing is stored under the key.
type CacheStore interface {
	// GetCacheEntry returns the entry stored under key in generation.
	GetCacheEntry(ctx context.Context, generation, key string) (*model.CacheEntry, error)

	// PutCacheEntry inserts or overwrites a single entry.
	PutCacheEntry(ctx context.Context, entry *model.CacheEntry) error

	// PutCacheEntries writes all entries in one transaction: either all are
	// stored or none are.
	PutCacheEntries(ctx context.Context, entries []*model.CacheEntry) error

	// DeleteCacheEntriesExcept removes every entry whose generation differs from
	// generation and returns how many were removed.
	DeleteCacheEntriesExcept(ctx context.Context, generation string) (int64, error)

	// CountCacheEntries returns the number of entries stored in generation.
	CountCacheEntries(ctx context.Context, generation string) (int64, error)

	// ActiveGeneration returns the active generation tag, or "" before the
	// first activation.
	ActiveGeneration(ctx context.Context) (string, error)

	// SetActiveGeneration records generation as the single active tag.
	SetActiveGeneration(ctx context.Context, generation string, at time.Time) error
}

// OutboxStore persists pending writes. Records are never deleted by the store.
type OutboxStore interface {
	// InsertPendingWrite appends a record. Its ID must be unique.
	InsertPendingWrite(ctx context.Context, w *model.PendingWrite) error

	// ListPendingWrites returns every pending record in insertion order.
	ListPendingWrites(ctx context.Context) ([]*model.PendingWrite, error)

	// ListPendingWritesAll returns records of any status in insertion order,
	// newest last. limit <= 0 means no limit.
	ListPendingWritesAll(ctx context.Context, limit int) ([]*model.PendingWrite, error)

	// GetPendingWrite returns the record with id, or nil, nil.
	GetPendingWrite(ctx context.Context, id string) (*model.PendingWrite, error)

	// MarkPendingWriteSynced moves a pending record to synced. It reports false
	// when the record was not pending (already synced or missing).
	MarkPendingWriteSynced(ctx context.Context, id string, at time.Time) (bool, error)

	// RecordPendingWriteFailure bumps the attempt counter and stores the error.
	RecordPendingWriteFailure(ctx context.Context, id string, lastError string) error

	// CountPendingWrites returns how many records are pending.
	CountPendingWrites(ctx context.Context) (int64, error)
}

// RunRecorder keeps a history of executed flushes.
type RunRecorder interface {
	// StartSyncRun records the beginning of a flush and returns its id.
	StartSyncRun(ctx context.Context, trigger string, at time.Time) (int64, error)

	// FinishSyncRun records the outcome of a flush.
	FinishSyncRun(ctx context.Context, id int64, summary FlushSummary, status string, at time.Time) error

	// ListSyncRuns returns the most recent runs, newest first.
	ListSyncRuns(ctx context.Context, limit int) ([]*model.SyncRun, error)
}
