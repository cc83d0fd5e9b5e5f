package stitch

import (
	"context"
	"time"
)

// Store is the persistence interface for stitch markers and materialized
// entities. All mutation of shared entity state goes through the store; the
// orchestration layer never holds a lock of its own.
type Store interface {
	// MarkForStitching durably records that the given entities need
	// (re-)stitching. Safe to call redundantly; a repeated mark refreshes
	// the request's ticket.
	MarkForStitching(ctx context.Context, entityRefs, entityIDs []string) error

	// GetStitchable claims and returns up to batchSize requests that are
	// unclaimed or whose claim is older than stitchTimeout. May return fewer
	// than requested, including zero.
	GetStitchable(ctx context.Context, batchSize int, stitchTimeout time.Duration) ([]Item, error)

	// ResolveRefs maps opaque entity ids to entity refs. Unknown ids are
	// silently dropped.
	ResolveRefs(ctx context.Context, entityIDs []string) ([]string, error)

	// GetEntity fetches the materialized document for an entity ref.
	GetEntity(ctx context.Context, entityRef string) (*Document, bool, error)
}

// Merger produces the final entity document from its ingested fragments.
// A non-empty ticket that no longer matches the entity's outstanding request
// fails with ErrStaleTicket.
type Merger interface {
	PerformStitching(ctx context.Context, entityRef, ticket string) (*Document, error)
}

// Notifier receives failed stitch attempts for out-of-band alerting.
type Notifier interface {
	StitchFailed(ctx context.Context, entityRef string, stitchErr error)
}
