package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

func TestWithHTTPMethod_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithHTTPMethod(context.Background(), "POST")
	got := httpMethodFromContext(ctx)
	if got != "POST" {
		t.Errorf("httpMethodFromContext = %q, want %q", got, "POST")
	}
}

func TestWithHTTPMethod_Empty(t *testing.T) {
	t.Parallel()

	ctx := WithHTTPMethod(context.Background(), "")
	got := httpMethodFromContext(ctx)
	if got != "" {
		t.Errorf("httpMethodFromContext = %q, want empty", got)
	}
}

func TestSetQueryObserver(t *testing.T) {
	// Mutates the package-level observer, so no t.Parallel.
	defer SetQueryObserver(nil)

	called := false
	obs := QueryObserverFunc(func(_ context.Context, _, _, _ string, _ time.Duration) {
		called = true
	})

	SetQueryObserver(obs)
	got := getQueryObserver()
	if got == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	got.ObserveQuery(context.Background(), "GET", "/test", "ok", time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	got = getQueryObserver()
	if got != nil {
		t.Errorf("expected nil observer after Set(nil), got %v", got)
	}
}

// recordingTracer captures the contexts passed through an inner tracer.
type recordingTracer struct {
	started, ended bool
}

func (r *recordingTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryStartData) context.Context {
	r.started = true
	return ctx
}

func (r *recordingTracer) TraceQueryEnd(_ context.Context, _ *pgx.Conn, _ pgx.TraceQueryEndData) {
	r.ended = true
}

func TestLoggingTracer_ObservesQuery(t *testing.T) {
	// Mutates the package-level observer, so no t.Parallel.
	defer SetQueryObserver(nil)

	var (
		gotMethod, gotRoute, gotOutcome string
		gotDur                          time.Duration
	)
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, method, route, outcome string, dur time.Duration) {
		gotMethod, gotRoute, gotOutcome = method, route, outcome
		gotDur = dur
	}))

	inner := &recordingTracer{}
	tr := wrapQueryTracer(inner)

	ctx := WithHTTPMethod(context.Background(), "POST")
	ctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	time.Sleep(time.Millisecond)
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{Err: errors.New("timeout")})

	if !inner.started || !inner.ended {
		t.Error("inner tracer not invoked on both ends")
	}
	if gotMethod != "POST" {
		t.Errorf("method = %q, want POST", gotMethod)
	}
	if gotRoute != "unknown" {
		t.Errorf("route = %q, want unknown outside a chi request", gotRoute)
	}
	if gotOutcome != "error" {
		t.Errorf("outcome = %q, want error", gotOutcome)
	}
	if gotDur <= 0 {
		t.Errorf("duration = %v, want > 0", gotDur)
	}
}
