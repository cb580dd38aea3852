package okoa_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"okoa-go/internal/lock"
	"okoa-go/internal/model"
	"okoa-go/internal/okoa"
	"okoa-go/internal/testutil"
)

func newSyncFixture(t *testing.T, remote okoa.Remote, guard okoa.FlushGuard) (*okoa.Outbox, *okoa.SyncCoordinator, okoa.RunRecorder) {
	t.Helper()
	db := testutil.NewTestDatabase(t)
	clock := testutil.FixedClock()
	outbox := okoa.NewOutbox(db, nil, okoa.NewNopLogger(), clock, testutil.NewStubIDGenerator())
	coord := okoa.NewSyncCoordinator(outbox, remote, guard, okoa.NewNopLogger(), clock, okoa.WithRunRecorder(db))
	return outbox, coord, db
}

func enqueueN(t *testing.T, outbox *okoa.Outbox, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := outbox.Enqueue(context.Background(), []byte(`{"n":1}`)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
}

func TestSyncCoordinator_FlushOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers every pending write in order", func(t *testing.T) {
		remote := testutil.NewTestRemote()
		outbox, coord, _ := newSyncFixture(t, remote, lock.NewMemGuard())
		enqueueN(t, outbox, 3)

		summary, err := coord.FlushOnce(ctx, okoa.TriggerExplicit)
		if err != nil {
			t.Fatalf("FlushOnce() error = %v", err)
		}
		want := okoa.FlushSummary{Attempted: 3, Succeeded: 3}
		if summary != want {
			t.Errorf("FlushOnce() = %+v, want %+v", summary, want)
		}

		if got, want := remote.Received(), testutil.StubIDs(3); !slices.Equal(got, want) {
			t.Errorf("Received() = %v, want %v", got, want)
		}
		if n, _ := outbox.PendingCount(ctx); n != 0 {
			t.Errorf("PendingCount() = %d, want 0", n)
		}
	})

	t.Run("one failure does not stop the others", func(t *testing.T) {
		remote := testutil.NewTestRemote()
		remote.Reject("id-2", 503)
		outbox, coord, _ := newSyncFixture(t, remote, lock.NewMemGuard())
		enqueueN(t, outbox, 3)

		summary, err := coord.FlushOnce(ctx, okoa.TriggerExplicit)
		if err != nil {
			t.Fatalf("FlushOnce() error = %v", err)
		}
		want := okoa.FlushSummary{Attempted: 3, Succeeded: 2, LeftPending: 1}
		if summary != want {
			t.Errorf("FlushOnce() = %+v, want %+v", summary, want)
		}

		for id, wantStatus := range map[string]model.WriteStatus{
			"id-1": model.StatusSynced,
			"id-2": model.StatusPending,
			"id-3": model.StatusSynced,
		} {
			w, err := outbox.Get(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if w.Status != wantStatus {
				t.Errorf("%s Status = %q, want %q", id, w.Status, wantStatus)
			}
		}

		failed, _ := outbox.Get(ctx, "id-2")
		if failed.Attempts != 1 || failed.LastError == "" {
			t.Errorf("id-2 Attempts = %d LastError = %q, want recorded failure", failed.Attempts, failed.LastError)
		}

		// The next flush retries only the record left pending.
		remote.Accept("id-2")
		summary, err = coord.FlushOnce(ctx, okoa.TriggerPeriodic)
		if err != nil {
			t.Fatalf("second FlushOnce() error = %v", err)
		}
		if summary.Attempted != 1 || summary.Succeeded != 1 {
			t.Errorf("second FlushOnce() = %+v, want 1 attempted and succeeded", summary)
		}
		if remote.Attempts("id-1") != 1 {
			t.Errorf("id-1 submitted %d times, want 1", remote.Attempts("id-1"))
		}
	})

	t.Run("undecryptable write does not block the others", func(t *testing.T) {
		db := testutil.NewTestDatabase(t)
		clock := testutil.FixedClock()
		enc, dc := testutil.NewUnlockedEncryptor(t)
		outbox := okoa.NewOutbox(db, enc, okoa.NewNopLogger(), clock, testutil.NewStubIDGenerator())
		outbox.Unlock(dc)
		remote := testutil.NewTestRemote()
		coord := okoa.NewSyncCoordinator(outbox, remote, lock.NewMemGuard(), okoa.NewNopLogger(), clock)

		enqueueN(t, outbox, 1)
		corrupt := &model.PendingWrite{
			ID:        "corrupt",
			Payload:   []byte("garbage"),
			Sealed:    true,
			Status:    model.StatusPending,
			CreatedAt: clock.Now(),
		}
		if err := db.InsertPendingWrite(ctx, corrupt); err != nil {
			t.Fatalf("InsertPendingWrite() error = %v", err)
		}
		enqueueN(t, outbox, 1)

		summary, err := coord.FlushOnce(ctx, okoa.TriggerExplicit)
		if err != nil {
			t.Fatalf("FlushOnce() error = %v", err)
		}
		want := okoa.FlushSummary{Attempted: 3, Succeeded: 2, LeftPending: 1}
		if summary != want {
			t.Errorf("FlushOnce() = %+v, want %+v", summary, want)
		}

		got := remote.Received()
		if len(got) != 2 || got[0] != "id-1" || got[1] != "id-2" {
			t.Errorf("Received() = %v, want [id-1 id-2]", got)
		}
		if p, _ := remote.Payload("id-1"); string(p) != `{"n":1}` {
			t.Errorf("id-1 payload = %q, want opened plaintext", p)
		}

		w, err := outbox.Get(ctx, "corrupt")
		if err != nil {
			t.Fatal(err)
		}
		if w.Status != model.StatusPending || w.Attempts != 1 || w.LastError == "" {
			t.Errorf("corrupt write = %+v, want pending with a recorded failure", w)
		}
	})

	t.Run("sealed writes without a key", func(t *testing.T) {
		db := testutil.NewTestDatabase(t)
		clock := testutil.FixedClock()
		outbox := okoa.NewOutbox(db, testutil.NewTestEncryptor(), okoa.NewNopLogger(), clock, testutil.NewStubIDGenerator())
		remote := testutil.NewTestRemote()
		coord := okoa.NewSyncCoordinator(outbox, remote, lock.NewMemGuard(), okoa.NewNopLogger(), clock)
		enqueueN(t, outbox, 2)

		summary, err := coord.FlushOnce(ctx, okoa.TriggerExplicit)
		if !errors.Is(err, okoa.ErrLocked) {
			t.Fatalf("FlushOnce() error = %v, want ErrLocked", err)
		}
		if summary.LeftPending != 2 || summary.Attempted != 0 {
			t.Errorf("FlushOnce() = %+v, want 2 left pending", summary)
		}
		if len(remote.Received()) != 0 {
			t.Errorf("Received() = %v, want nothing delivered", remote.Received())
		}
	})

	t.Run("offline remote leaves everything pending", func(t *testing.T) {
		remote := testutil.NewTestRemote()
		remote.SetOffline(true)
		outbox, coord, _ := newSyncFixture(t, remote, lock.NewMemGuard())
		enqueueN(t, outbox, 2)

		summary, err := coord.FlushOnce(ctx, okoa.TriggerPeriodic)
		if err != nil {
			t.Fatalf("FlushOnce() error = %v", err)
		}
		if summary.LeftPending != 2 || summary.Succeeded != 0 {
			t.Errorf("FlushOnce() = %+v, want 2 left pending", summary)
		}
	})

	t.Run("empty outbox", func(t *testing.T) {
		_, coord, _ := newSyncFixture(t, testutil.NewTestRemote(), lock.NewMemGuard())

		summary, err := coord.FlushOnce(ctx, okoa.TriggerExplicit)
		if err != nil || summary != (okoa.FlushSummary{}) {
			t.Errorf("FlushOnce() = %+v, %v; want zero summary", summary, err)
		}
	})

	t.Run("skipped while another flush holds the guard", func(t *testing.T) {
		guard := lock.NewMemGuard()
		remote := testutil.NewTestRemote()
		outbox, coord, runs := newSyncFixture(t, remote, guard)
		enqueueN(t, outbox, 1)

		if ok, _ := guard.TryLock(); !ok {
			t.Fatal("could not take guard")
		}
		summary, err := coord.FlushOnce(ctx, okoa.TriggerConnectivity)
		if err != nil {
			t.Fatalf("FlushOnce() error = %v", err)
		}
		if !summary.Skipped || summary.Attempted != 0 {
			t.Errorf("FlushOnce() = %+v, want skipped", summary)
		}
		if len(remote.Received()) != 0 {
			t.Error("skipped flush must not submit")
		}
		history, _ := runs.ListSyncRuns(ctx, 10)
		if len(history) != 0 {
			t.Errorf("skipped flush recorded %d runs, want 0", len(history))
		}
		guard.Unlock()
	})

	t.Run("records a sync run", func(t *testing.T) {
		remote := testutil.NewTestRemote()
		remote.Reject("id-1", 400)
		outbox, coord, runs := newSyncFixture(t, remote, lock.NewMemGuard())
		enqueueN(t, outbox, 2)

		if _, err := coord.FlushOnce(ctx, okoa.TriggerExplicit); err != nil {
			t.Fatal(err)
		}

		history, err := runs.ListSyncRuns(ctx, 10)
		if err != nil {
			t.Fatalf("ListSyncRuns() error = %v", err)
		}
		if len(history) != 1 {
			t.Fatalf("len(history) = %d, want 1", len(history))
		}
		run := history[0]
		if run.Trigger != okoa.TriggerExplicit || run.Status != okoa.RunStatusSuccess {
			t.Errorf("run = %+v", run)
		}
		if run.Attempted != 2 || run.Succeeded != 1 || run.LeftPending != 1 {
			t.Errorf("run counts = %d/%d/%d, want 2/1/1", run.Attempted, run.Succeeded, run.LeftPending)
		}
		if run.FinishedAt == nil {
			t.Error("FinishedAt should be set")
		}
	})

	t.Run("cancelled flush stops early", func(t *testing.T) {
		remote := testutil.NewTestRemote()
		outbox, coord, _ := newSyncFixture(t, remote, lock.NewMemGuard())
		enqueueN(t, outbox, 2)

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		if _, err := coord.FlushOnce(cctx, okoa.TriggerExplicit); !errors.Is(err, context.Canceled) {
			t.Fatalf("FlushOnce() error = %v, want context.Canceled", err)
		}
		if len(remote.Received()) != 0 {
			t.Errorf("Received() = %v, want nothing delivered", remote.Received())
		}
		if n, _ := outbox.PendingCount(ctx); n != 2 {
			t.Errorf("PendingCount() = %d, want 2", n)
		}
	})
}

// blockingRemote holds every submission until release is closed.
type blockingRemote struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingRemote) Name() string { return "blocking" }

func (b *blockingRemote) Submit(ctx context.Context, w *model.PendingWrite) error {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return okoa.Unavailable(ctx.Err())
	}
}

func TestSyncCoordinator_ConcurrentFlush(t *testing.T) {
	ctx := context.Background()
	remote := &blockingRemote{started: make(chan struct{}), release: make(chan struct{})}
	outbox, coord, _ := newSyncFixture(t, remote, lock.NewMemGuard())
	enqueueN(t, outbox, 1)

	done := make(chan okoa.FlushSummary)
	go func() {
		summary, _ := coord.FlushOnce(ctx, okoa.TriggerPeriodic)
		done <- summary
	}()

	<-remote.started
	summary, err := coord.FlushOnce(ctx, okoa.TriggerConnectivity)
	if err != nil {
		t.Fatalf("concurrent FlushOnce() error = %v", err)
	}
	if !summary.Skipped {
		t.Errorf("concurrent FlushOnce() = %+v, want skipped", summary)
	}

	close(remote.release)
	first := <-done
	if first.Succeeded != 1 {
		t.Errorf("first FlushOnce() = %+v, want 1 succeeded", first)
	}
}

func TestSyncCoordinator_SubmitTimeout(t *testing.T) {
	remote := &blockingRemote{started: make(chan struct{}), release: make(chan struct{})}
	db := testutil.NewTestDatabase(t)
	clock := testutil.FixedClock()
	outbox := okoa.NewOutbox(db, nil, okoa.NewNopLogger(), clock, testutil.NewStubIDGenerator())
	coord := okoa.NewSyncCoordinator(outbox, remote, lock.NewMemGuard(), okoa.NewNopLogger(), clock,
		okoa.WithSubmitTimeout(20*time.Millisecond))
	enqueueN(t, outbox, 1)

	summary, err := coord.FlushOnce(context.Background(), okoa.TriggerExplicit)
	if err != nil {
		t.Fatalf("FlushOnce() error = %v", err)
	}
	if summary.LeftPending != 1 {
		t.Errorf("FlushOnce() = %+v, want timed-out write left pending", summary)
	}
	w, _ := outbox.Get(context.Background(), "id-1")
	if w.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", w.Attempts)
	}
}

func TestSyncCoordinator_WatchConnectivity(t *testing.T) {
	remote := testutil.NewTestRemote()
	outbox, coord, _ := newSyncFixture(t, remote, lock.NewMemGuard())
	enqueueN(t, outbox, 2)

	network := testutil.NewFakeNetwork()
	network.SetOffline(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.WatchConnectivity(ctx, network, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	if len(remote.Received()) != 0 {
		t.Fatal("no flush expected while offline")
	}

	network.SetOffline(false)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := outbox.PendingCount(context.Background()); n == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := remote.Received(); len(got) != 2 {
		t.Errorf("Received() = %v, want 2 writes after reconnect", got)
	}
}

func TestSyncCoordinator_RunPeriodic(t *testing.T) {
	remote := testutil.NewTestRemote()
	outbox, coord, _ := newSyncFixture(t, remote, lock.NewMemGuard())
	enqueueN(t, outbox, 1)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		coord.RunPeriodic(ctx, 5*time.Millisecond)
		close(stopped)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(remote.Received()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-stopped

	if len(remote.Received()) != 1 {
		t.Errorf("Received() = %v, want 1 write", remote.Received())
	}
}
