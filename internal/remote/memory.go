package remote

import (
	"context"
	"fmt"
	"sync"

	"okoa-go/internal/model"
	"okoa-go/internal/okoa"
)

// MemoryRemote records submissions in memory. Individual ids can be made to
// fail, and the whole remote can be taken offline, which makes it useful for
// exercising partial flush failures in tests.
// This implementation is safe for concurrent use.
type MemoryRemote struct {
	name string

	mu        sync.Mutex
	received  map[string][]byte
	order     []string
	attempts  map[string]int
	rejectIDs map[string]int // id -> status code
	offline   bool
}

// NewMemoryRemote creates a new in-memory remote with the given name.
func NewMemoryRemote(name string) *MemoryRemote {
	return &MemoryRemote{
		name:      name,
		received:  make(map[string][]byte),
		attempts:  make(map[string]int),
		rejectIDs: make(map[string]int),
	}
}

// Submit accepts w unless the remote is offline or w's id is rejected.
// Resubmitting an accepted id overwrites it.
func (m *MemoryRemote) Submit(ctx context.Context, w *model.PendingWrite) error {
	if err := ctx.Err(); err != nil {
		return okoa.Unavailable(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts[w.ID]++
	if m.offline {
		return okoa.Unavailable(fmt.Errorf("remote %s is offline", m.name))
	}
	if status, ok := m.rejectIDs[w.ID]; ok {
		return &okoa.RemoteRejectedError{StatusCode: status}
	}

	if _, seen := m.received[w.ID]; !seen {
		m.order = append(m.order, w.ID)
	}
	m.received[w.ID] = append([]byte(nil), w.Payload...)
	return nil
}

// Reject makes every submission of id fail with status.
func (m *MemoryRemote) Reject(id string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectIDs[id] = status
}

// Accept clears a rejection set by Reject.
func (m *MemoryRemote) Accept(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rejectIDs, id)
}

// SetOffline makes every submission fail as unreachable.
func (m *MemoryRemote) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// Received returns the accepted ids in first-accepted order.
func (m *MemoryRemote) Received() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// Payload returns the accepted payload for id.
func (m *MemoryRemote) Payload(id string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.received[id]
	return p, ok
}

// Attempts returns how many times id was submitted.
func (m *MemoryRemote) Attempts(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[id]
}

func (m *MemoryRemote) Name() string {
	return m.name
}

// Compile-time check that MemoryRemote implements okoa.Remote interface
var _ okoa.Remote = (*MemoryRemote)(nil)
