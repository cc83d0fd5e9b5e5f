package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// queueSource is a Load func backed by a mutex-guarded slice.
type queueSource struct {
	mu    sync.Mutex
	tasks []int
	asked []int // batch sizes requested
}

func (q *queueSource) load(_ context.Context, n int) []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.asked = append(q.asked, n)
	take := min(n, len(q.tasks))
	batch := q.tasks[:take]
	q.tasks = q.tasks[take:]
	return batch
}

func (q *queueSource) push(tasks ...int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, tasks...)
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPipeline_ProcessesAll(t *testing.T) {
	t.Parallel()

	src := &queueSource{}
	for i := range 20 {
		src.push(i)
	}

	var processed atomic.Int64
	p := Start(context.Background(), Config[int]{
		LowWatermark:  2,
		HighWatermark: 5,
		PollInterval:  5 * time.Millisecond,
		Load:          src.load,
		Process: func(_ context.Context, _ int) {
			processed.Add(1)
		},
	})
	defer p.Stop(context.Background())

	waitUntil(t, func() bool { return processed.Load() == 20 }, "not all tasks processed")
}

func TestPipeline_HighWatermarkBounds(t *testing.T) {
	t.Parallel()

	src := &queueSource{}
	for i := range 30 {
		src.push(i)
	}

	var current, peak atomic.Int64
	release := make(chan struct{})
	p := Start(context.Background(), Config[int]{
		LowWatermark:  2,
		HighWatermark: 5,
		PollInterval:  5 * time.Millisecond,
		StopGrace:     2 * time.Second,
		Load:          src.load,
		Process: func(_ context.Context, _ int) {
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			current.Add(-1)
		},
	})

	// With workers blocked the pipeline fills exactly to the high watermark.
	waitUntil(t, func() bool { return current.Load() == 5 }, "pipeline did not fill to high watermark")
	time.Sleep(50 * time.Millisecond)
	if got := current.Load(); got != 5 {
		t.Errorf("in-flight = %d, want 5 while workers are blocked", got)
	}

	close(release)
	p.Stop(context.Background())

	if got := peak.Load(); got > 5 {
		t.Errorf("peak concurrency = %d, want <= 5", got)
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	for _, n := range src.asked {
		if n < 1 || n > 5 {
			t.Errorf("load asked for %d tasks, want 1..5", n)
		}
	}
}

func TestPipeline_RefillsAtLowWatermark(t *testing.T) {
	t.Parallel()

	src := &queueSource{}
	for i := range 10 {
		src.push(i)
	}

	var processed atomic.Int64
	release := make(chan struct{}, 10)
	p := Start(context.Background(), Config[int]{
		LowWatermark:  2,
		HighWatermark: 5,
		PollInterval:  time.Minute, // refills must come from completion signals, not polling
		StopGrace:     2 * time.Second,
		Load:          src.load,
		Process: func(_ context.Context, _ int) {
			<-release
			processed.Add(1)
		},
	})

	for range 10 {
		release <- struct{}{}
	}
	waitUntil(t, func() bool { return processed.Load() == 10 }, "drain-triggered refill did not pick up remaining tasks")
	p.Stop(context.Background())
}

func TestPipeline_StopWaitsForInflight(t *testing.T) {
	t.Parallel()

	src := &queueSource{}
	src.push(1)

	var finished atomic.Bool
	p := Start(context.Background(), Config[int]{
		LowWatermark:  2,
		HighWatermark: 5,
		PollInterval:  5 * time.Millisecond,
		StopGrace:     2 * time.Second,
		Load:          src.load,
		Process: func(_ context.Context, _ int) {
			time.Sleep(100 * time.Millisecond)
			finished.Store(true)
		},
	})

	waitUntil(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.tasks) == 0
	}, "task never dispatched")

	p.Stop(context.Background())
	if !finished.Load() {
		t.Error("Stop returned before in-flight task finished")
	}
}

func TestPipeline_PanicRecovered(t *testing.T) {
	t.Parallel()

	src := &queueSource{}
	src.push(1, 2, 3)

	var processed atomic.Int64
	p := Start(context.Background(), Config[int]{
		LowWatermark:  0,
		HighWatermark: 1, // serialize so the panicking task runs alongside nothing
		PollInterval:  5 * time.Millisecond,
		Load:          src.load,
		Process: func(_ context.Context, task int) {
			if task == 2 {
				panic("boom")
			}
			processed.Add(1)
		},
	})
	defer p.Stop(context.Background())

	waitUntil(t, func() bool { return processed.Load() == 2 }, "tasks after a panic were not processed")
}

func TestStart_InvalidConfigPanics(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config[int]
	}{
		{"nil funcs", Config[int]{LowWatermark: 2, HighWatermark: 5, PollInterval: time.Second}},
		{"low above high", Config[int]{
			LowWatermark: 5, HighWatermark: 2, PollInterval: time.Second,
			Load:    func(context.Context, int) []int { return nil },
			Process: func(context.Context, int) {},
		}},
		{"zero poll interval", Config[int]{
			LowWatermark: 2, HighWatermark: 5,
			Load:    func(context.Context, int) []int { return nil },
			Process: func(context.Context, int) {},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			Start(context.Background(), tc.cfg)
		})
	}
}
