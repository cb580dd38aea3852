package model

import (
	"net/http"
	"time"
)

// RequestMode distinguishes full-page navigations from subresource loads.
// Only navigations are eligible for the root-document fallback when offline.
type RequestMode string

const (
	ModeResource RequestMode = "resource"
	ModeNavigate RequestMode = "navigate"
)

// Request is a read or write request passing through the content cache.
type Request struct {
	Method string
	URL    string // Absolute URL
	Header http.Header
	Mode   RequestMode
}

// Snapshot is an immutable capture of a response taken at fetch time.
type Snapshot struct {
	URL        string // Final URL after redirects
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Clone returns a deep copy so stored and served snapshots never share buffers.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	body := make([]byte, len(s.Body))
	copy(body, s.Body)
	return &Snapshot{
		URL:        s.URL,
		StatusCode: s.StatusCode,
		Header:     s.Header.Clone(),
		Body:       body,
	}
}

// CacheEntry is a stored response keyed by request identity within one generation.
type CacheEntry struct {
	Key        string // METHOD + " " + normalized URL
	Generation string // Version tag of the deployment that stored it
	Response   Snapshot
	StoredAt   time.Time
}

// WriteStatus is the lifecycle state of a PendingWrite.
type WriteStatus string

const (
	StatusPending WriteStatus = "pending"
	StatusSynced  WriteStatus = "synced"
)

// PendingWrite is one user-submitted write not yet confirmed by the remote endpoint.
type PendingWrite struct {
	ID        string // UUID, immutable
	Payload   []byte // Opaque to the cache/sync layer
	Sealed    bool   // Payload is encrypted at rest
	Status    WriteStatus
	CreatedAt time.Time
	SyncedAt  *time.Time // Set once, on the pending -> synced transition
	Attempts  int        // Failed delivery attempts
	LastError string     // Most recent delivery failure
}

// SyncRun records one executed outbox flush.
type SyncRun struct {
	ID          int64
	Trigger     string // "periodic", "connectivity" or "explicit"
	StartedAt   time.Time
	FinishedAt  *time.Time
	Attempted   int
	Succeeded   int
	LeftPending int
	Status      string // "running", "success" or "error"
}
