// Package pgstore provides a PostgreSQL implementation of stitch.Store and
// stitch.Merger.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/seam/internal/stitch"
)

var tracer = otel.Tracer("github.com/linnemanlabs/seam/internal/stitch/pgstore")

//go:embed schema.sql
var schema string

// Store persists entities, fragments and stitch requests in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store. The pool stays owned by
// the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const markQuery = `INSERT INTO stitch_requests (entity_ref, ticket, requested_at)
	VALUES ($1, $2, now())
	ON CONFLICT (entity_ref) DO UPDATE SET
		ticket       = EXCLUDED.ticket,
		requested_at = EXCLUDED.requested_at,
		claimed_at   = NULL`

// MarkForStitching upserts a stitch request per entity, issuing a fresh
// ticket each time so older in-flight attempts become stale. Ids are
// resolved to refs first; unknown ids are dropped.
func (s *Store) MarkForStitching(ctx context.Context, entityRefs, entityIDs []string) error {
	ctx, span := tracer.Start(ctx, "pgstore.MarkForStitching", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
		attribute.Int("seam.mark.refs", len(entityRefs)),
		attribute.Int("seam.mark.ids", len(entityIDs)),
	))
	defer span.End()

	refs := entityRefs
	if len(entityIDs) > 0 {
		resolved, err := s.ResolveRefs(ctx, entityIDs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		refs = append(append([]string{}, entityRefs...), resolved...)
	}
	if len(refs) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for _, ref := range refs {
		b.Queue(markQuery, ref, ulid.Make().String())
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close() //nolint:errcheck // close after per-statement errors are checked

	for range refs {
		if _, err := br.Exec(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("mark for stitching: %w", err)
		}
	}
	return nil
}

// GetStitchable claims up to batchSize requests that are unclaimed or whose
// claim lease (stitchTimeout) has expired. SKIP LOCKED keeps concurrent
// pollers from claiming the same rows.
func (s *Store) GetStitchable(ctx context.Context, batchSize int, stitchTimeout time.Duration) ([]stitch.Item, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetStitchable", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
		attribute.Int("seam.batch_size", batchSize),
	))
	defer span.End()

	query := `UPDATE stitch_requests SET claimed_at = now()
		WHERE entity_ref IN (
			SELECT entity_ref FROM stitch_requests
			WHERE claimed_at IS NULL OR claimed_at < now() - make_interval(secs => $2)
			ORDER BY requested_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING entity_ref, ticket, requested_at`

	rows, err := s.pool.Query(ctx, query, batchSize, stitchTimeout.Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("claim stitchable: %w", err)
	}
	defer rows.Close()

	var items []stitch.Item
	for rows.Next() {
		var it stitch.Item
		if err := rows.Scan(&it.EntityRef, &it.Ticket, &it.RequestedAt); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scan stitchable: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate stitchable: %w", err)
	}

	span.SetAttributes(attribute.Int("seam.claimed", len(items)))
	return items, nil
}

// ResolveRefs maps entity ids to refs, dropping unknown ids.
func (s *Store) ResolveRefs(ctx context.Context, entityIDs []string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ResolveRefs", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
		attribute.Int("seam.resolve.ids", len(entityIDs)),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT entity_ref FROM entities WHERE entity_id = ANY($1)`, entityIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("resolve refs: %w", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scan ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate refs: %w", err)
	}
	return refs, nil
}

// GetEntity retrieves the materialized document for a ref. An entity that
// has never been stitched reports not found.
func (s *Store) GetEntity(ctx context.Context, entityRef string) (*stitch.Document, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetEntity", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var (
		d          stitch.Document
		stitchedAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT entity_ref, doc, version, stitched_at FROM entities
		 WHERE entity_ref = $1 AND version > 0`, entityRef,
	).Scan(&d.EntityRef, &d.Doc, &d.Version, &stitchedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("get entity: %w", err)
	}
	if stitchedAt != nil {
		d.StitchedAt = *stitchedAt
	}
	return &d, true, nil
}

// PerformStitching merges an entity's fragments into its document inside one
// transaction: lock the entity row, verify the ticket, fold the fragments,
// bump the version, and clear the request. A mismatched ticket fails with
// stitch.ErrStaleTicket and leaves the newer request untouched.
func (s *Store) PerformStitching(ctx context.Context, entityRef, ticket string) (*stitch.Document, error) {
	ctx, span := tracer.Start(ctx, "pgstore.PerformStitching", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
		attribute.String("seam.entity.ref", entityRef),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	doc, err := s.stitchInTx(ctx, tx, entityRef, ticket)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("commit: %w", err)
	}
	return doc, nil
}

func (s *Store) stitchInTx(ctx context.Context, tx pgx.Tx, entityRef, ticket string) (*stitch.Document, error) {
	var version int
	err := tx.QueryRow(ctx,
		`SELECT version FROM entities WHERE entity_ref = $1 FOR UPDATE`, entityRef,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("stitch %s: %w", entityRef, stitch.ErrNotFound)
		}
		return nil, fmt.Errorf("lock entity: %w", err)
	}

	if ticket != "" {
		var current string
		err := tx.QueryRow(ctx,
			`SELECT ticket FROM stitch_requests WHERE entity_ref = $1`, entityRef,
		).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && current != ticket) {
			return nil, fmt.Errorf("stitch %s: %w", entityRef, stitch.ErrStaleTicket)
		}
		if err != nil {
			return nil, fmt.Errorf("check ticket: %w", err)
		}
	}

	fragments, err := s.loadFragments(ctx, tx, entityRef)
	if err != nil {
		return nil, err
	}

	merged, err := stitch.MergeFragments(fragments)
	if err != nil {
		return nil, fmt.Errorf("stitch %s: %w", entityRef, err)
	}

	var d stitch.Document
	err = tx.QueryRow(ctx,
		`UPDATE entities SET doc = $2, version = version + 1, stitched_at = now()
		 WHERE entity_ref = $1
		 RETURNING entity_ref, doc, version, stitched_at`,
		entityRef, merged,
	).Scan(&d.EntityRef, &d.Doc, &d.Version, &d.StitchedAt)
	if err != nil {
		return nil, fmt.Errorf("update entity: %w", err)
	}

	if ticket != "" {
		_, err = tx.Exec(ctx,
			`DELETE FROM stitch_requests WHERE entity_ref = $1 AND ticket = $2`,
			entityRef, ticket)
	} else {
		_, err = tx.Exec(ctx,
			`DELETE FROM stitch_requests WHERE entity_ref = $1`, entityRef)
	}
	if err != nil {
		return nil, fmt.Errorf("clear stitch request: %w", err)
	}

	return &d, nil
}

func (s *Store) loadFragments(ctx context.Context, tx pgx.Tx, entityRef string) ([]stitch.Fragment, error) {
	rows, err := tx.Query(ctx,
		`SELECT entity_ref, source, payload, ingested_at FROM entity_fragments
		 WHERE entity_ref = $1 ORDER BY ingested_at, id`, entityRef)
	if err != nil {
		return nil, fmt.Errorf("query fragments: %w", err)
	}
	defer rows.Close()

	var fragments []stitch.Fragment
	for rows.Next() {
		var f stitch.Fragment
		if err := rows.Scan(&f.EntityRef, &f.Source, &f.Payload, &f.IngestedAt); err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		fragments = append(fragments, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fragments: %w", err)
	}
	return fragments, nil
}

// CreateEntity registers an entity under its external id. Stands in for the
// ingestion path.
func (s *Store) CreateEntity(ctx context.Context, entityID, entityRef string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entities (entity_ref, entity_id) VALUES ($1, $2)
		 ON CONFLICT (entity_ref) DO NOTHING`, entityRef, entityID)
	if err != nil {
		return fmt.Errorf("create entity: %w", err)
	}
	return nil
}

// AddFragment appends a raw ingestion fragment for an entity.
func (s *Store) AddFragment(ctx context.Context, f stitch.Fragment) error {
	ingestedAt := f.IngestedAt
	if ingestedAt.IsZero() {
		ingestedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entity_fragments (entity_ref, source, payload, ingested_at)
		 VALUES ($1, $2, $3, $4)`,
		f.EntityRef, f.Source, f.Payload, ingestedAt)
	if err != nil {
		return fmt.Errorf("add fragment: %w", err)
	}
	return nil
}
