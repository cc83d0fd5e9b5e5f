package pgstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/seam/internal/stitch"
	"github.com/linnemanlabs/seam/internal/stitch/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("SEAM_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SEAM_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

// newRef returns a ref unique to this test run so reruns against the same
// database do not collide.
func newRef(prefix string) string {
	return prefix + "-" + ulid.Make().String()
}

func TestMarkClaimStitch(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	ref := newRef("e-cycle")
	id := newRef("id-cycle")
	if err := s.CreateEntity(ctx, id, ref); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if err := s.AddFragment(ctx, stitch.Fragment{
		EntityRef: ref, Source: "crm", Payload: json.RawMessage(`{"name":"Acme","tier":"bronze"}`),
	}); err != nil {
		t.Fatalf("AddFragment: %v", err)
	}
	if err := s.AddFragment(ctx, stitch.Fragment{
		EntityRef: ref, Source: "billing", Payload: json.RawMessage(`{"tier":"gold"}`),
		IngestedAt: time.Now().Add(time.Second),
	}); err != nil {
		t.Fatalf("AddFragment: %v", err)
	}

	if err := s.MarkForStitching(ctx, []string{ref}, nil); err != nil {
		t.Fatalf("MarkForStitching: %v", err)
	}

	items, err := s.GetStitchable(ctx, 100, time.Minute)
	if err != nil {
		t.Fatalf("GetStitchable: %v", err)
	}
	var claimed *stitch.Item
	for i := range items {
		if items[i].EntityRef == ref {
			claimed = &items[i]
			break
		}
	}
	if claimed == nil {
		t.Fatalf("marked entity %s not claimed, items = %v", ref, items)
	}
	if claimed.Ticket == "" {
		t.Fatal("claimed item has no ticket")
	}

	doc, err := s.PerformStitching(ctx, ref, claimed.Ticket)
	if err != nil {
		t.Fatalf("PerformStitching: %v", err)
	}
	if doc.Version != 1 {
		t.Errorf("version = %d, want 1", doc.Version)
	}

	var merged map[string]any
	if err := json.Unmarshal(doc.Doc, &merged); err != nil {
		t.Fatalf("unmarshal doc: %v", err)
	}
	if merged["name"] != "Acme" || merged["tier"] != "gold" {
		t.Errorf("merged doc = %v, want later fragment to win on tier", merged)
	}

	got, ok, err := s.GetEntity(ctx, ref)
	if err != nil || !ok {
		t.Fatalf("GetEntity = (%v, %v, %v), want found", got, ok, err)
	}
	if got.Version != 1 {
		t.Errorf("GetEntity version = %d, want 1", got.Version)
	}
}

func TestResolveRefs(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	ref := newRef("e-resolve")
	id := newRef("id-resolve")
	if err := s.CreateEntity(ctx, id, ref); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}

	refs, err := s.ResolveRefs(ctx, []string{id, "id-never-exists"})
	if err != nil {
		t.Fatalf("ResolveRefs: %v", err)
	}
	if len(refs) != 1 || refs[0] != ref {
		t.Errorf("refs = %v, want [%s]", refs, ref)
	}
}

func TestPerformStitching_StaleTicket(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	ref := newRef("e-stale")
	if err := s.CreateEntity(ctx, newRef("id-stale"), ref); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if err := s.MarkForStitching(ctx, []string{ref}, nil); err != nil {
		t.Fatalf("MarkForStitching: %v", err)
	}

	// A re-mark rotates the ticket, invalidating any previously claimed one.
	if _, err := s.PerformStitching(ctx, ref, "stale-ticket"); !errors.Is(err, stitch.ErrStaleTicket) {
		t.Fatalf("err = %v, want ErrStaleTicket", err)
	}

	// The request survives, so the entity is still claimable.
	items, err := s.GetStitchable(ctx, 100, time.Minute)
	if err != nil {
		t.Fatalf("GetStitchable: %v", err)
	}
	found := false
	for _, it := range items {
		if it.EntityRef == ref {
			found = true
		}
	}
	if !found {
		t.Error("request cleared by a stale stitch attempt")
	}
}

func TestPerformStitching_NotFound(t *testing.T) {
	s := openStore(t)

	_, err := s.PerformStitching(context.Background(), newRef("e-ghost"), "")
	if !errors.Is(err, stitch.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetEntity_UnstitchedNotFound(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	ref := newRef("e-fresh")
	if err := s.CreateEntity(ctx, newRef("id-fresh"), ref); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}

	_, ok, err := s.GetEntity(ctx, ref)
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if ok {
		t.Error("entity with version 0 reported as found")
	}
}

func TestGetStitchable_LeaseBlocksReclaim(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	ref := newRef("e-lease")
	if err := s.CreateEntity(ctx, newRef("id-lease"), ref); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if err := s.MarkForStitching(ctx, []string{ref}, nil); err != nil {
		t.Fatalf("MarkForStitching: %v", err)
	}

	if _, err := s.GetStitchable(ctx, 100, time.Hour); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	items, err := s.GetStitchable(ctx, 100, time.Hour)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	for _, it := range items {
		if it.EntityRef == ref {
			t.Fatal("entity reclaimed while its lease is held")
		}
	}

	// A zero lease treats the claim as expired immediately.
	items, err = s.GetStitchable(ctx, 100, 0)
	if err != nil {
		t.Fatalf("expired claim: %v", err)
	}
	found := false
	for _, it := range items {
		if it.EntityRef == ref {
			found = true
		}
	}
	if !found {
		t.Error("entity not reclaimed after lease expiry")
	}
}
