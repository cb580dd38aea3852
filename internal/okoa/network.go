package okoa

import (
	"context"
	"time"

	"okoa-go/internal/model"
)

// Network performs live fetches against the origin.
// Implementations return an error wrapping ErrNetworkUnavailable when the
// origin cannot be reached; any HTTP status, including errors, is a Snapshot.
type Network interface {
	Fetch(ctx context.Context, req *model.Request) (*model.Snapshot, error)
}

// Prober reports whether the network is currently reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// Remote accepts outbox payloads.
// Submit returns nil only on confirmed acceptance. Failures wrap
// ErrNetworkUnavailable or ErrRemoteRejected.
type Remote interface {
	Submit(ctx context.Context, w *model.PendingWrite) error

	// Name identifies the remote in logs.
	Name() string
}

// FlushGuard provides mutual exclusion between flushes.
type FlushGuard interface {
	// TryLock acquires the guard without waiting. It reports false when another
	// flush holds it.
	TryLock() (bool, error)

	// Unlock releases a guard acquired by TryLock.
	Unlock() error
}

// LatencyRecorder receives operation timings.
type LatencyRecorder interface {
	Record(operation string, d time.Duration)
}

// NopRecorder discards timings.
type NopRecorder struct{}

func (NopRecorder) Record(string, time.Duration) {}
