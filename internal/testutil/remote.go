package testutil

import (
	"okoa-go/internal/remote"
)

// NewTestRemote creates a new in-memory remote for testing.
func NewTestRemote() *remote.MemoryRemote {
	return remote.NewMemoryRemote("test-remote")
}
