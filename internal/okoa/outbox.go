package okoa

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"okoa-go/internal/model"
)

// Outbox is the durable queue of writes not yet confirmed by the remote
// endpoint. Statuses only move forward, from pending to synced.
type Outbox struct {
	store     OutboxStore
	encryptor Encryptor
	logger    Logger
	clock     Clock
	idgen     IDGenerator

	mu        sync.RWMutex
	decryptor DecryptionContext
}

// NewOutbox creates an Outbox. encryptor may be nil, in which case payloads
// are stored in plaintext.
func NewOutbox(store OutboxStore, encryptor Encryptor, logger Logger, clock Clock, idgen IDGenerator) *Outbox {
	return &Outbox{
		store:     store,
		encryptor: encryptor,
		logger:    logger,
		clock:     clock,
		idgen:     idgen,
	}
}

// Unlock sets the key used to open sealed payloads.
func (o *Outbox) Unlock(dc DecryptionContext) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decryptor = dc
}

// Enqueue durably stores payload as a pending write and returns its id.
// A storage failure is returned to the caller: the write was not queued.
func (o *Outbox) Enqueue(ctx context.Context, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("payload is required")
	}

	stored := payload
	sealed := false
	if o.encryptor != nil {
		var buf bytes.Buffer
		if err := o.encryptor.Encrypt(bytes.NewReader(payload), &buf); err != nil {
			return "", fmt.Errorf("sealing payload: %w", err)
		}
		stored = buf.Bytes()
		sealed = true
	} else {
		stored = append([]byte(nil), payload...)
	}

	w := &model.PendingWrite{
		ID:        o.idgen.New(),
		Payload:   stored,
		Sealed:    sealed,
		Status:    model.StatusPending,
		CreatedAt: o.clock.Now(),
	}
	if err := o.store.InsertPendingWrite(ctx, w); err != nil {
		return "", storageFailure("enqueueing write", err)
	}

	o.logger.Info("write enqueued", "id", w.ID, "sealed", sealed)
	return w.ID, nil
}

// ListPending returns every pending write, oldest first. Each call re-reads
// the store. Sealed payloads are returned opened.
func (o *Outbox) ListPending(ctx context.Context) ([]*model.PendingWrite, error) {
	writes, err := o.ListStored(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range writes {
		if err := o.Open(w); err != nil {
			return nil, err
		}
	}
	return writes, nil
}

// ListStored returns every pending write, oldest first, with payloads left
// as stored. Sealed payloads must be opened one at a time with Open.
func (o *Outbox) ListStored(ctx context.Context) ([]*model.PendingWrite, error) {
	writes, err := o.store.ListPendingWrites(ctx)
	if err != nil {
		return nil, storageFailure("listing pending writes", err)
	}
	return writes, nil
}

// Locked reports whether sealed payloads cannot be opened yet.
func (o *Outbox) Locked() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.decryptor == nil
}

// List returns up to limit records of any status, oldest first, with
// payloads left as stored.
func (o *Outbox) List(ctx context.Context, limit int) ([]*model.PendingWrite, error) {
	writes, err := o.store.ListPendingWritesAll(ctx, limit)
	if err != nil {
		return nil, storageFailure("listing writes", err)
	}
	return writes, nil
}

// Get returns the record with id, or ErrNotFound.
func (o *Outbox) Get(ctx context.Context, id string) (*model.PendingWrite, error) {
	w, err := o.store.GetPendingWrite(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, storageFailure("reading write", err)
	}
	if w == nil {
		return nil, fmt.Errorf("write %s: %w", id, ErrNotFound)
	}
	return w, nil
}

// MarkSynced moves the record from pending to synced. Marking an already
// synced record is a no-op and keeps its original synced timestamp.
func (o *Outbox) MarkSynced(ctx context.Context, id string) error {
	w, err := o.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.Status == model.StatusSynced {
		o.logger.Debug("write already synced", "id", id)
		return nil
	}

	changed, err := o.store.MarkPendingWriteSynced(ctx, w.ID, o.clock.Now())
	if err != nil {
		return storageFailure("marking write synced", err)
	}
	if !changed {
		// Another writer confirmed it between the read and the update.
		o.logger.Debug("write already synced", "id", id)
	}
	return nil
}

// RecordFailure notes a failed delivery attempt. The record stays pending.
func (o *Outbox) RecordFailure(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := o.store.RecordPendingWriteFailure(ctx, id, msg); err != nil {
		return storageFailure("recording delivery failure", err)
	}
	return nil
}

// PendingCount returns the number of writes still pending.
func (o *Outbox) PendingCount(ctx context.Context) (int64, error) {
	n, err := o.store.CountPendingWrites(ctx)
	if err != nil {
		return 0, storageFailure("counting pending writes", err)
	}
	return n, nil
}

// Open replaces a sealed payload with its plaintext. It returns ErrLocked
// if no key has been unlocked.
func (o *Outbox) Open(w *model.PendingWrite) error {
	if !w.Sealed {
		return nil
	}

	o.mu.RLock()
	dc := o.decryptor
	o.mu.RUnlock()
	if dc == nil {
		return fmt.Errorf("opening write %s: %w", w.ID, ErrLocked)
	}

	var buf bytes.Buffer
	if err := dc.Decrypt(bytes.NewReader(w.Payload), &buf); err != nil {
		return fmt.Errorf("opening write %s: %w", w.ID, err)
	}
	w.Payload = buf.Bytes()
	w.Sealed = false
	return nil
}
