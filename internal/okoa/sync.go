package okoa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"okoa-go/internal/model"
)

// Flush triggers.
const (
	TriggerPeriodic     = "periodic"
	TriggerConnectivity = "connectivity"
	TriggerExplicit     = "explicit"
)

// Sync run statuses.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusError   = "error"
)

// DefaultSubmitTimeout bounds a single remote submission when none is configured.
const DefaultSubmitTimeout = 30 * time.Second

// FlushSummary reports the outcome of one flush.
type FlushSummary struct {
	Attempted   int
	Succeeded   int
	LeftPending int
	Skipped     bool // another flush held the guard; nothing was attempted
}

// SyncCoordinator delivers pending writes to the remote endpoint.
type SyncCoordinator struct {
	outbox        *Outbox
	remote        Remote
	guard         FlushGuard
	runs          RunRecorder
	submitTimeout time.Duration
	logger        Logger
	clock         Clock
	latency       LatencyRecorder
}

// SyncOption configures optional SyncCoordinator collaborators.
type SyncOption func(*SyncCoordinator)

// WithRunRecorder records every executed flush in runs.
func WithRunRecorder(runs RunRecorder) SyncOption {
	return func(s *SyncCoordinator) { s.runs = runs }
}

// WithLatencyRecorder records submission timings.
func WithLatencyRecorder(r LatencyRecorder) SyncOption {
	return func(s *SyncCoordinator) {
		if r != nil {
			s.latency = r
		}
	}
}

// WithSubmitTimeout bounds each remote submission.
func WithSubmitTimeout(d time.Duration) SyncOption {
	return func(s *SyncCoordinator) {
		if d > 0 {
			s.submitTimeout = d
		}
	}
}

// NewSyncCoordinator creates a SyncCoordinator.
func NewSyncCoordinator(outbox *Outbox, remote Remote, guard FlushGuard, logger Logger, clock Clock, opts ...SyncOption) *SyncCoordinator {
	s := &SyncCoordinator{
		outbox:        outbox,
		remote:        remote,
		guard:         guard,
		submitTimeout: DefaultSubmitTimeout,
		logger:        logger,
		clock:         clock,
		latency:       NopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FlushOnce attempts delivery of every pending write, oldest first.
//
// A record whose submission fails stays pending and does not stop the
// remaining records. If another flush is in progress the call returns
// immediately with Skipped set.
func (s *SyncCoordinator) FlushOnce(ctx context.Context, trigger string) (FlushSummary, error) {
	acquired, err := s.guard.TryLock()
	if err != nil {
		return FlushSummary{}, fmt.Errorf("acquiring flush guard: %w", err)
	}
	if !acquired {
		s.logger.Debug("flush already running, trigger dropped", "trigger", trigger)
		return FlushSummary{Skipped: true}, nil
	}
	defer func() {
		if err := s.guard.Unlock(); err != nil {
			s.logger.Warn("releasing flush guard failed", "error", err)
		}
	}()

	runID := s.startRun(ctx, trigger)

	summary, err := s.flush(ctx)

	status := RunStatusSuccess
	if err != nil {
		status = RunStatusError
	}
	s.finishRun(ctx, runID, summary, status)

	if err != nil {
		s.logger.Error("flush failed", "trigger", trigger, "error", err)
		return summary, err
	}
	s.logger.Info("flush complete",
		"trigger", trigger,
		"remote", s.remote.Name(),
		"attempted", summary.Attempted,
		"succeeded", summary.Succeeded,
		"left_pending", summary.LeftPending)
	return summary, nil
}

func (s *SyncCoordinator) flush(ctx context.Context) (FlushSummary, error) {
	var summary FlushSummary

	writes, err := s.outbox.ListStored(ctx)
	if err != nil {
		return summary, fmt.Errorf("listing pending writes: %w", err)
	}
	if s.outbox.Locked() && anySealed(writes) {
		summary.LeftPending = len(writes)
		return summary, fmt.Errorf("opening pending writes: %w", ErrLocked)
	}

	for _, w := range writes {
		if err := ctx.Err(); err != nil {
			summary.LeftPending += len(writes) - summary.Attempted
			return summary, err
		}
		summary.Attempted++

		if err := s.outbox.Open(w); err != nil {
			summary.LeftPending++
			s.recordFailure(ctx, w, err)
			continue
		}

		if err := s.submit(ctx, w); err != nil {
			summary.LeftPending++
			s.recordFailure(ctx, w, err)
			continue
		}

		if err := s.outbox.MarkSynced(ctx, w.ID); err != nil {
			// Delivered but not confirmed locally; the next flush resubmits it
			// with the same idempotency key.
			summary.LeftPending++
			s.logger.Error("marking write synced failed", "id", w.ID, "error", err)
			continue
		}
		summary.Succeeded++
	}

	return summary, nil
}

// recordFailure keeps w pending and notes why it was not delivered.
func (s *SyncCoordinator) recordFailure(ctx context.Context, w *model.PendingWrite, cause error) {
	s.logger.Warn("delivery failed, write stays pending", "id", w.ID, "remote", s.remote.Name(), "error", cause)
	if err := s.outbox.RecordFailure(ctx, w.ID, cause); err != nil {
		s.logger.Warn("recording delivery failure failed", "id", w.ID, "error", err)
	}
}

func anySealed(writes []*model.PendingWrite) bool {
	for _, w := range writes {
		if w.Sealed {
			return true
		}
	}
	return false
}

// submit delivers one write, bounded by the submission timeout.
func (s *SyncCoordinator) submit(ctx context.Context, w *model.PendingWrite) error {
	ctx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	defer cancel()

	start := time.Now()
	err := s.remote.Submit(ctx, w)
	s.latency.Record("remote.submit", time.Since(start))

	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrNetworkUnavailable) {
		return Unavailable(err)
	}
	return err
}

// RunPeriodic flushes every interval until ctx is done.
func (s *SyncCoordinator) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.FlushOnce(ctx, TriggerPeriodic); err != nil && ctx.Err() == nil {
				s.logger.Warn("periodic flush failed", "error", err)
			}
		}
	}
}

// WatchConnectivity polls prober every interval and flushes whenever the
// network comes back after being unreachable. The first probe counts as a
// transition if it succeeds, so writes queued while the process was down are
// delivered promptly.
func (s *SyncCoordinator) WatchConnectivity(ctx context.Context, prober Prober, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	online := false
	for {
		up := prober.Probe(ctx)
		if up && !online {
			s.logger.Info("network reachable, flushing outbox")
			if _, err := s.FlushOnce(ctx, TriggerConnectivity); err != nil && ctx.Err() == nil {
				s.logger.Warn("connectivity flush failed", "error", err)
			}
		} else if !up && online {
			s.logger.Info("network unreachable")
		}
		online = up

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *SyncCoordinator) startRun(ctx context.Context, trigger string) int64 {
	if s.runs == nil {
		return 0
	}
	id, err := s.runs.StartSyncRun(ctx, trigger, s.clock.Now())
	if err != nil {
		s.logger.Warn("recording sync run failed", "error", err)
		return 0
	}
	return id
}

func (s *SyncCoordinator) finishRun(ctx context.Context, id int64, summary FlushSummary, status string) {
	if s.runs == nil || id == 0 {
		return
	}
	// The run is finished even when the flush was cancelled.
	ctx = context.WithoutCancel(ctx)
	if err := s.runs.FinishSyncRun(ctx, id, summary, status, s.clock.Now()); err != nil {
		s.logger.Warn("recording sync run failed", "id", id, "error", err)
	}
}
