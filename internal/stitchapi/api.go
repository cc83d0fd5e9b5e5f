// Package stitchapi exposes the HTTP surface for requesting stitches and
// reading materialized entity documents.
package stitchapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/seam/internal/stitch"
)

// StitcherService defines the business operations stitchapi needs.
type StitcherService interface {
	Stitch(ctx context.Context, req stitch.Request) error
}

// EntityReader serves the materialized-document read path.
type EntityReader interface {
	GetEntity(ctx context.Context, entityRef string) (*stitch.Document, bool, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	svc      StitcherService
	entities EntityReader
}

// New creates a new API handler.
func New(logger log.Logger, svc StitcherService, entities EntityReader) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("stitcher service is required"))
	}
	if entities == nil {
		panic(xerrors.New("entity reader is required"))
	}
	return &API{
		logger:   logger,
		svc:      svc,
		entities: entities,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/stitch", a.handleStitch)
		r.Get("/entities/{ref}", a.handleGetEntity)
	})
}

// handleStitch accepts a stitch request and returns 202. Acceptance is fire
// and forget: under the deferred strategy the work runs later, and under the
// immediate strategy per-entity failures are tracked, not reported here.
func (a *API) handleStitch(w http.ResponseWriter, r *http.Request) {
	var req stitch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.Int("seam.stitch.refs", len(req.EntityRefs)),
		attribute.Int("seam.stitch.ids", len(req.EntityIDs)),
	)

	if err := a.svc.Stitch(r.Context(), req); err != nil {
		a.logger.Error(r.Context(), err, "stitch request failed",
			"refs", len(req.EntityRefs),
			"ids", len(req.EntityIDs),
		)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accepted": len(req.EntityRefs) + len(req.EntityIDs),
	})
}

func (a *API) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("seam.entity.ref", ref))

	doc, ok, err := a.entities.GetEntity(r.Context(), ref)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get entity", "entity_ref", ref)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.Int("seam.entity.version", doc.Version))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}
