package stitch

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by a Merger when the entity has no record.
	ErrNotFound = errors.New("entity not found")

	// ErrStaleTicket is returned by a Merger when the supplied ticket no
	// longer matches the entity's outstanding stitch request, meaning a newer
	// request superseded this one.
	ErrStaleTicket = errors.New("stale stitch ticket")

	// ErrPipelineRunning is returned by Start when a pipeline already exists.
	ErrPipelineRunning = errors.New("stitch pipeline already running")
)

// Request names the entities one Stitch call covers. Refs and ids are
// unioned; order is irrelevant and duplicates are tolerated since stitching
// is idempotent per ref.
type Request struct {
	EntityRefs []string `json:"entity_refs,omitempty"`
	EntityIDs  []string `json:"entity_ids,omitempty"`
}

// Item is one deferred stitch request loaded from the store. The ticket,
// when set, is handed back to the merge step so it can detect and discard
// stale or duplicate work. RequestedAt is when the entity was marked, used
// to observe queueing latency.
type Item struct {
	EntityRef   string
	Ticket      string
	RequestedAt time.Time
}

// Fragment is one raw ingestion output awaiting stitching.
type Fragment struct {
	EntityRef  string          `json:"entity_ref"`
	Source     string          `json:"source"`
	Payload    json.RawMessage `json:"payload"`
	IngestedAt time.Time       `json:"ingested_at"`
}

// Document is the materialized form of an entity after stitching.
type Document struct {
	EntityRef  string          `json:"entity_ref"`
	Doc        json.RawMessage `json:"doc"`
	Version    int             `json:"version"`
	StitchedAt time.Time       `json:"stitched_at"`
}
