package testutil

import (
	"fmt"
	"sync"
	"time"

	"okoa-go/internal/okoa"
)

// StubClock is an okoa.Clock that only moves when told to. Safe for
// concurrent use by the cache, outbox and coordinator under test.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

var _ okoa.Clock = (*StubClock)(nil)

// NewStubClock creates a StubClock set to the given time.
func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock returns a StubClock set to 2024-01-15 10:30:00 UTC.
func FixedClock() *StubClock {
	return NewStubClock(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d, e.g. between enqueue and sync.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// StubIDGenerator hands out write ids "id-1", "id-2", ... in enqueue order.
type StubIDGenerator struct {
	mu   sync.Mutex
	next int
}

var _ okoa.IDGenerator = (*StubIDGenerator)(nil)

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return stubID(g.next)
}

// StubIDs returns the first n ids a fresh StubIDGenerator hands out.
func StubIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = stubID(i + 1)
	}
	return ids
}

func stubID(n int) string {
	return fmt.Sprintf("id-%d", n)
}
