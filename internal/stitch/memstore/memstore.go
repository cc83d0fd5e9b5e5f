// Package memstore provides in-memory implementations of stitch.Store and
// stitch.Merger. Suitable for dev/testing.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/seam/internal/stitch"
)

type entity struct {
	id         string
	ref        string
	doc        []byte
	version    int
	stitchedAt time.Time
	fragments  []stitch.Fragment
}

type request struct {
	ticket      string
	requestedAt time.Time
	claimedAt   time.Time
}

// Store holds entities, fragments and stitch requests in memory.
type Store struct {
	mu       sync.Mutex
	entities map[string]*entity  // entity ref -> entity
	byID     map[string]string   // entity id -> entity ref
	requests map[string]*request // entity ref -> outstanding stitch request

	now func() time.Time // test hook for lease expiry
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		entities: make(map[string]*entity),
		byID:     make(map[string]string),
		requests: make(map[string]*request),
		now:      time.Now,
	}
}

// AddEntity registers an entity so it can accumulate fragments and be
// resolved by id. Stands in for the ingestion path.
func (s *Store) AddEntity(entityID, entityRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[entityRef] = &entity{id: entityID, ref: entityRef}
	s.byID[entityID] = entityRef
}

// AddFragment appends a raw ingestion fragment for an entity.
func (s *Store) AddFragment(f stitch.Fragment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entities[f.EntityRef]; ok {
		e.fragments = append(e.fragments, f)
	}
}

// MarkForStitching records stitch requests for the given refs and ids.
// Re-marking an entity issues a fresh ticket and reopens any claim.
func (s *Store) MarkForStitching(_ context.Context, entityRefs, entityIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ref := range entityRefs {
		s.mark(ref)
	}
	for _, id := range entityIDs {
		if ref, ok := s.byID[id]; ok {
			s.mark(ref)
		}
	}
	return nil
}

func (s *Store) mark(entityRef string) {
	s.requests[entityRef] = &request{
		ticket:      ulid.Make().String(),
		requestedAt: s.now(),
	}
}

// GetStitchable claims up to batchSize requests that are unclaimed or whose
// claim is older than stitchTimeout.
func (s *Store) GetStitchable(_ context.Context, batchSize int, stitchTimeout time.Duration) ([]stitch.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var items []stitch.Item
	for ref, req := range s.requests {
		if len(items) >= batchSize {
			break
		}
		if !req.claimedAt.IsZero() && now.Sub(req.claimedAt) < stitchTimeout {
			continue
		}
		req.claimedAt = now
		items = append(items, stitch.Item{
			EntityRef:   ref,
			Ticket:      req.ticket,
			RequestedAt: req.requestedAt,
		})
	}
	return items, nil
}

// ResolveRefs maps entity ids to refs, dropping unknown ids.
func (s *Store) ResolveRefs(_ context.Context, entityIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var refs []string
	for _, id := range entityIDs {
		if ref, ok := s.byID[id]; ok {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// GetEntity returns the materialized document for a ref.
func (s *Store) GetEntity(_ context.Context, entityRef string) (*stitch.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[entityRef]
	if !ok || e.version == 0 {
		return nil, false, nil
	}
	doc := make([]byte, len(e.doc))
	copy(doc, e.doc)
	return &stitch.Document{
		EntityRef:  e.ref,
		Doc:        doc,
		Version:    e.version,
		StitchedAt: e.stitchedAt,
	}, true, nil
}

// PerformStitching merges an entity's fragments into its materialized
// document, bumps the version and clears the outstanding request. A
// non-empty ticket that no longer matches the current request fails with
// stitch.ErrStaleTicket and leaves the newer request in place.
func (s *Store) PerformStitching(_ context.Context, entityRef, ticket string) (*stitch.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[entityRef]
	if !ok {
		return nil, fmt.Errorf("stitch %s: %w", entityRef, stitch.ErrNotFound)
	}

	req := s.requests[entityRef]
	if ticket != "" && (req == nil || req.ticket != ticket) {
		return nil, fmt.Errorf("stitch %s: %w", entityRef, stitch.ErrStaleTicket)
	}

	merged, err := stitch.MergeFragments(e.fragments)
	if err != nil {
		return nil, fmt.Errorf("stitch %s: %w", entityRef, err)
	}

	e.doc = merged
	e.version++
	e.stitchedAt = s.now()
	delete(s.requests, entityRef)

	doc := make([]byte, len(merged))
	copy(doc, merged)
	return &stitch.Document{
		EntityRef:  e.ref,
		Doc:        doc,
		Version:    e.version,
		StitchedAt: e.stitchedAt,
	}, nil
}
