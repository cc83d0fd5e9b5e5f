package stitch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

const (
	statusComplete = "complete"
	statusFailed   = "failed"
)

// Tracker observes the lifecycle of individual stitch attempts: start,
// queueing latency, and exactly one terminal transition per attempt.
type Tracker struct {
	logger   log.Logger
	metrics  *Metrics
	notifier Notifier
}

// NewTracker creates a tracker. metrics and notifier may be nil.
func NewTracker(logger log.Logger, metrics *Metrics, notifier Notifier) *Tracker {
	if logger == nil {
		logger = log.Nop()
	}
	return &Tracker{
		logger:   logger,
		metrics:  metrics,
		notifier: notifier,
	}
}

// Start begins tracking one stitch attempt. Exactly one of Complete or Fail
// must be called on the returned attempt; later calls are ignored.
// requestedAt, when non-zero, is the time the entity was marked for deferred
// stitching and is used to observe backlog latency.
func (t *Tracker) Start(ctx context.Context, entityRef string, requestedAt time.Time) *Attempt {
	a := &Attempt{
		tracker:   t,
		entityRef: entityRef,
		startedAt: time.Now(),
	}

	if !requestedAt.IsZero() {
		wait := time.Since(requestedAt)
		if t.metrics != nil {
			t.metrics.QueueLatency.Observe(wait.Seconds())
		}
		t.logger.Info(ctx, "stitch attempt started",
			"entity_ref", entityRef,
			"queue_latency", wait.Seconds(),
		)
	}

	return a
}

// Attempt tracks a single stitch attempt from start to terminal state.
type Attempt struct {
	tracker   *Tracker
	entityRef string
	startedAt time.Time
	done      atomic.Bool
}

// Complete records a successful merge.
func (a *Attempt) Complete(ctx context.Context, doc *Document) {
	if !a.finish(ctx, statusComplete) {
		return
	}

	fields := []any{
		"entity_ref", a.entityRef,
		"duration", time.Since(a.startedAt).Seconds(),
	}
	if doc != nil {
		fields = append(fields, "version", doc.Version)
	}
	a.tracker.logger.Info(ctx, "stitch complete", fields...)
}

// Fail records a failed merge. The error stops here: failures are observed,
// never propagated to sibling entities or the pipeline.
func (a *Attempt) Fail(ctx context.Context, err error) {
	if !a.finish(ctx, statusFailed) {
		return
	}

	a.tracker.logger.Error(ctx, err, "stitch failed",
		"entity_ref", a.entityRef,
		"duration", time.Since(a.startedAt).Seconds(),
	)

	if a.tracker.notifier != nil {
		a.tracker.notifier.StitchFailed(ctx, a.entityRef, err)
	}
}

// finish flips the attempt into a terminal state, reporting whether this
// call won. A second terminal call is a contract violation by the caller and
// is dropped with a warning rather than double-counted.
func (a *Attempt) finish(ctx context.Context, status string) bool {
	if !a.done.CompareAndSwap(false, true) {
		a.tracker.logger.Warn(ctx, "duplicate terminal transition ignored",
			"entity_ref", a.entityRef,
			"status", status,
		)
		return false
	}

	if m := a.tracker.metrics; m != nil {
		m.StitchesTotal.WithLabelValues(status).Inc()
		m.StitchDuration.WithLabelValues(status).Observe(time.Since(a.startedAt).Seconds())
	}
	return true
}
