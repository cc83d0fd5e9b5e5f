package slack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/linnemanlabs/go-core/log"
)

func TestStitchFailed_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	n.StitchFailed(context.Background(), "e-42", errors.New("fragments corrupted"))

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, error section, context = 4 blocks
	if len(blocks) != 4 {
		t.Errorf("blocks count = %d, want 4", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "e-42") {
		t.Errorf("header text = %q, want to contain e-42", headerText)
	}

	section := blocks[2].(map[string]any)
	sectionText := section["text"].(map[string]any)["text"].(string)
	if !strings.Contains(sectionText, "fragments corrupted") {
		t.Errorf("error section = %q, want to contain the stitch error", sectionText)
	}
}

func TestStitchFailed_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	n := New("", log.Nop())
	n.StitchFailed(context.Background(), "e-1", errors.New("boom"))

	if hits.Load() != 0 {
		t.Error("notifier with empty URL made a request")
	}
}

func TestStitchFailed_WebhookErrorSwallowed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "channel_not_found", http.StatusNotFound)
	}))
	defer srv.Close()

	// Delivery failures must never reach the stitching path.
	n := New(srv.URL, log.Nop())
	n.StitchFailed(context.Background(), "e-1", errors.New("boom"))
}

func TestBuildMessage_TruncatesLongError(t *testing.T) {
	t.Parallel()

	msg := buildMessage("e-1", errors.New(strings.Repeat("x", 5000)))
	blocks := msg["blocks"].([]map[string]any)
	text := blocks[2]["text"].(map[string]any)["text"].(string)

	if len(text) > maxErrorLen+20 {
		t.Errorf("error text length = %d, want truncated near %d", len(text), maxErrorLen)
	}
	if !strings.Contains(text, "...") {
		t.Error("truncated text missing ellipsis")
	}
}

func TestBuildMessage_NilError(t *testing.T) {
	t.Parallel()

	msg := buildMessage("e-1", nil)
	blocks := msg["blocks"].([]map[string]any)
	text := blocks[2]["text"].(map[string]any)["text"].(string)

	if !strings.Contains(text, "unknown error") {
		t.Errorf("error section = %q, want placeholder for nil error", text)
	}
}
