package stitch

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/seam/internal/pipeline"
)

const (
	// resolveChunkSize bounds the fan-out of a single id-to-ref lookup; the
	// id set at the call site is unbounded.
	resolveChunkSize = 100

	// Watermarks for the deferred pipeline: keep between 2 and 5 stitch
	// tasks in flight.
	lowWatermark  = 2
	highWatermark = 5

	// stopGrace bounds how long Stop waits for in-flight stitches.
	stopGrace = 5 * time.Second
)

// Stitcher decides when and how partially-ingested entities get merged into
// their materialized form. It owns an immutable Strategy and, under the
// deferred strategy, the lifecycle of the background polling pipeline.
type Stitcher struct {
	strategy Strategy
	store    Store
	merger   Merger
	tracker  *Tracker
	logger   log.Logger
	metrics  *Metrics

	mu sync.Mutex
	// pipeline is the guarded optional handle: non-nil exactly while the
	// deferred poller runs. At most one per Stitcher.
	pipeline *pipeline.Pipeline[Item]
}

// NewStitcher creates a stitcher. metrics may be nil.
func NewStitcher(strategy Strategy, store Store, merger Merger, tracker *Tracker, logger log.Logger, metrics *Metrics) *Stitcher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Stitcher{
		strategy: strategy,
		store:    store,
		merger:   merger,
		tracker:  tracker,
		logger:   logger,
		metrics:  metrics,
	}
}

// Stitch requests stitching for the given refs and ids. This is fire and
// forget under both strategies: the returned error reflects only a failed
// marker write in deferred mode, never an individual entity's outcome.
func (s *Stitcher) Stitch(ctx context.Context, req Request) error {
	switch s.strategy.Mode {
	case ModeDeferred:
		if len(req.EntityRefs) == 0 && len(req.EntityIDs) == 0 {
			return nil
		}
		if err := s.store.MarkForStitching(ctx, req.EntityRefs, req.EntityIDs); err != nil {
			return fmt.Errorf("mark for stitching: %w", err)
		}
		if s.metrics != nil {
			s.metrics.MarkedTotal.Add(float64(len(req.EntityRefs) + len(req.EntityIDs)))
		}
		return nil

	case ModeImmediate:
		// Sequential within one call: callers control concurrency by how
		// many Stitch calls they issue concurrently.
		for _, ref := range req.EntityRefs {
			s.stitchOne(ctx, ref, "", time.Time{})
		}
		s.stitchIDs(ctx, req.EntityIDs)
		return nil
	}

	return fmt.Errorf("unknown stitching mode %q", s.strategy.Mode)
}

// stitchOne processes exactly one entity: open a tracking attempt, run the
// merge, record the outcome. Failures stop here so one bad entity never
// aborts a batch or the pipeline.
func (s *Stitcher) stitchOne(ctx context.Context, entityRef, ticket string, requestedAt time.Time) {
	attempt := s.tracker.Start(ctx, entityRef, requestedAt)

	doc, err := s.merger.PerformStitching(ctx, entityRef, ticket)
	if err != nil {
		attempt.Fail(ctx, err)
		return
	}
	attempt.Complete(ctx, doc)
}

// stitchIDs resolves entity ids to refs in fixed-size chunks and stitches
// each resolved ref. A failed chunk lookup is logged and skipped; remaining
// chunks proceed.
func (s *Stitcher) stitchIDs(ctx context.Context, entityIDs []string) {
	for chunk := range slices.Chunk(entityIDs, resolveChunkSize) {
		if s.metrics != nil {
			s.metrics.ResolveLookups.Inc()
		}
		refs, err := s.store.ResolveRefs(ctx, chunk)
		if err != nil {
			if s.metrics != nil {
				s.metrics.ResolveErrors.Inc()
			}
			s.logger.Error(ctx, err, "resolve entity ids failed", "count", len(chunk))
			continue
		}
		for _, ref := range refs {
			s.stitchOne(ctx, ref, "", time.Time{})
		}
	}
}

// Start launches the background polling pipeline. Under the immediate
// strategy there is nothing to run and Start is a no-op. Calling Start while
// a pipeline is already running fails loudly and leaves the running pipeline
// untouched: silently ignoring it would leak a duplicate poller.
func (s *Stitcher) Start(ctx context.Context) error {
	if s.strategy.Mode != ModeDeferred {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pipeline != nil {
		return ErrPipelineRunning
	}

	s.pipeline = pipeline.Start(ctx, pipeline.Config[Item]{
		LowWatermark:  lowWatermark,
		HighWatermark: highWatermark,
		PollInterval:  s.strategy.PollingInterval,
		StopGrace:     stopGrace,
		Load:          s.loadStitchable,
		Process:       s.processItem,
		Logger:        s.logger,
	})

	s.logger.Info(ctx, "stitch pipeline started",
		"poll_interval", s.strategy.PollingInterval.String(),
		"stitch_timeout", s.strategy.StitchTimeout.String(),
	)
	return nil
}

// Stop halts the pipeline if one is running; otherwise it is a no-op. New
// work stops being pulled immediately; in-flight stitches are awaited up to
// a bounded grace period.
func (s *Stitcher) Stop(ctx context.Context) {
	s.mu.Lock()
	p := s.pipeline
	s.pipeline = nil
	s.mu.Unlock()

	if p == nil {
		return
	}

	p.Stop(ctx)
	s.logger.Info(ctx, "stitch pipeline stopped")
}

// loadStitchable is the pipeline's task source. A load failure is logged and
// reported as an empty batch so the pipeline keeps running and retries on
// its next poll tick.
func (s *Stitcher) loadStitchable(ctx context.Context, n int) []Item {
	items, err := s.store.GetStitchable(ctx, n, s.strategy.StitchTimeout)
	if err != nil {
		if s.metrics != nil {
			s.metrics.LoadErrors.Inc()
		}
		s.logger.Error(ctx, err, "load stitchable entities failed", "batch_size", n)
		return nil
	}
	if s.metrics != nil {
		s.metrics.LoadedTotal.Add(float64(len(items)))
	}
	return items
}

func (s *Stitcher) processItem(ctx context.Context, item Item) {
	s.stitchOne(ctx, item.EntityRef, item.Ticket, item.RequestedAt)
}
