package okoa

import (
	"errors"
	"fmt"
)

var (
	// ErrNetworkUnavailable means the origin or remote endpoint could not be reached.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrNotCacheable means a request (or manifest entry) can never be cached:
	// a non-GET method or a cross-origin URL.
	ErrNotCacheable = errors.New("not cacheable")

	// ErrStorageFailure means the local persistent store failed a read or write.
	ErrStorageFailure = errors.New("storage failure")

	// ErrNotFound means an outbox record id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrRemoteRejected means the remote endpoint answered with a non-success status.
	ErrRemoteRejected = errors.New("remote rejected")

	// ErrLocked means sealed payloads were read without an unlocked decryption key.
	ErrLocked = errors.New("outbox payloads are sealed and no key is unlocked")
)

// RemoteRejectedError carries the status the remote endpoint answered with.
type RemoteRejectedError struct {
	StatusCode int
	Body       string
}

func (e *RemoteRejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote rejected: status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote rejected: status %d: %s", e.StatusCode, e.Body)
}

func (e *RemoteRejectedError) Unwrap() error { return ErrRemoteRejected }

// Unavailable wraps cause so that errors.Is(err, ErrNetworkUnavailable) holds.
func Unavailable(cause error) error {
	if cause == nil {
		return ErrNetworkUnavailable
	}
	return fmt.Errorf("%w: %w", ErrNetworkUnavailable, cause)
}

// storageFailure wraps a store error so that errors.Is(err, ErrStorageFailure) holds.
func storageFailure(op string, cause error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageFailure, cause)
}
