// Package pipeline provides a generic bounded-concurrency polling executor:
// a dispatcher pulls batches of tasks from a source and runs them on a pool
// of goroutines capped at a high watermark, refilling whenever in-flight
// work drains to a low watermark.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

const defaultStopGrace = 5 * time.Second

// Config describes one pipeline run.
type Config[T any] struct {
	// LowWatermark is the in-flight count at or below which the dispatcher
	// asks Load for more work. HighWatermark bounds concurrent tasks.
	LowWatermark  int
	HighWatermark int

	// PollInterval is how long the dispatcher waits before asking for work
	// again when Load produced nothing.
	PollInterval time.Duration

	// StopGrace bounds how long Stop waits for in-flight tasks before
	// cancelling their context. Zero means defaultStopGrace.
	StopGrace time.Duration

	// Load fetches up to n tasks. It must not fail; sources that can fail
	// should log and return an empty batch so the pipeline retries on its
	// next poll.
	Load func(ctx context.Context, n int) []T

	// Process executes one task. Panics are recovered and logged so a bad
	// task cannot take down a worker slot.
	Process func(ctx context.Context, task T)

	Logger log.Logger
}

// Pipeline is a running poller returned by Start.
type Pipeline[T any] struct {
	cfg    Config[T]
	logger log.Logger

	stopPolling context.CancelFunc
	stopTasks   context.CancelFunc
	done        chan struct{} // dispatcher exited
	wake        chan struct{} // a task finished at or below the low watermark

	inflight atomic.Int64
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
}

// Start launches the dispatcher and returns the running pipeline. The
// pipeline's lifetime is owned by Stop, not by ctx: ctx contributes values
// (logger, trace) only. Invalid configuration is a programmer error and
// panics.
func Start[T any](ctx context.Context, cfg Config[T]) *Pipeline[T] {
	if cfg.Load == nil || cfg.Process == nil {
		panic(xerrors.New("pipeline: Load and Process are required"))
	}
	if cfg.HighWatermark < 1 || cfg.LowWatermark < 0 || cfg.LowWatermark >= cfg.HighWatermark {
		panic(xerrors.New(fmt.Sprintf("pipeline: invalid watermarks low=%d high=%d", cfg.LowWatermark, cfg.HighWatermark)))
	}
	if cfg.PollInterval <= 0 {
		panic(xerrors.New("pipeline: PollInterval must be positive"))
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}

	// Two nested contexts: polling stops the moment Stop is called, while
	// in-flight tasks keep an uncancelled context until the grace period
	// runs out.
	taskCtx, stopTasks := context.WithCancel(context.WithoutCancel(ctx))
	pollCtx, stopPolling := context.WithCancel(taskCtx)

	p := &Pipeline[T]{
		cfg:         cfg,
		logger:      cfg.Logger,
		stopPolling: stopPolling,
		stopTasks:   stopTasks,
		done:        make(chan struct{}),
		wake:        make(chan struct{}, 1),
		sem:         semaphore.NewWeighted(int64(cfg.HighWatermark)),
	}

	go p.run(pollCtx, taskCtx)
	return p
}

// run is the dispatcher loop: refill when drained to the low watermark,
// otherwise wait for a completion signal or the next poll tick.
func (p *Pipeline[T]) run(pollCtx, taskCtx context.Context) {
	defer close(p.done)

	for {
		if pollCtx.Err() != nil {
			return
		}

		if n := p.capacity(); n > 0 {
			tasks := p.cfg.Load(pollCtx, n)
			if len(tasks) > 0 {
				for _, task := range tasks {
					if err := p.sem.Acquire(pollCtx, 1); err != nil {
						// Stopped mid-batch. Unstarted tasks stay claimed in
						// the store and become eligible again on lease expiry.
						return
					}
					p.inflight.Add(1)
					p.wg.Add(1)
					go p.runTask(taskCtx, task)
				}
				continue
			}
		}

		select {
		case <-pollCtx.Done():
			return
		case <-p.wake:
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// capacity reports how many tasks to request: zero until in-flight work has
// drained to the low watermark, then enough to fill back to the high one.
func (p *Pipeline[T]) capacity() int {
	inflight := int(p.inflight.Load())
	if inflight > p.cfg.LowWatermark {
		return 0
	}
	return p.cfg.HighWatermark - inflight
}

func (p *Pipeline[T]) runTask(ctx context.Context, task T) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(ctx, fmt.Errorf("panic: %v", r), "pipeline task panicked")
		}
		p.sem.Release(1)
		if int(p.inflight.Add(-1)) <= p.cfg.LowWatermark {
			select {
			case p.wake <- struct{}{}:
			default:
			}
		}
		p.wg.Done()
	}()

	p.cfg.Process(ctx, task)
}

// Stop halts polling immediately and waits for in-flight tasks to finish,
// bounded by the configured grace period and the caller's context. Tasks
// still running after that have their context cancelled and are abandoned;
// their store claims expire and the work is retried later.
func (p *Pipeline[T]) Stop(ctx context.Context) {
	p.stopPolling()
	<-p.done

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	timer := time.NewTimer(p.cfg.StopGrace)
	defer timer.Stop()

	select {
	case <-finished:
	case <-timer.C:
		p.logger.Warn(ctx, "pipeline stop grace elapsed, abandoning tasks",
			"in_flight", p.inflight.Load(),
		)
	case <-ctx.Done():
		p.logger.Warn(ctx, "pipeline stop cancelled, abandoning tasks",
			"in_flight", p.inflight.Load(),
		)
	}

	p.stopTasks()
}
