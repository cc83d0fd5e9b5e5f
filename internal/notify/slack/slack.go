// Package slack sends stitch failure notifications to Slack via incoming
// webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

const (
	maxErrorLen = 1000
	httpTimeout = 10 * time.Second
)

// Notifier posts failed stitch attempts to a Slack webhook. It implements
// stitch.Notifier; delivery problems are logged, never surfaced to the
// stitching path.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, notifications
// are dropped silently.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// StitchFailed posts a failure notice for one entity.
func (n *Notifier) StitchFailed(ctx context.Context, entityRef string, stitchErr error) {
	if n.webhookURL == "" {
		return
	}
	if err := n.send(ctx, entityRef, stitchErr); err != nil {
		n.logger.Error(ctx, err, "slack notification failed", "entity_ref", entityRef)
	}
}

func (n *Notifier) send(ctx context.Context, entityRef string, stitchErr error) error {
	body, err := json.Marshal(buildMessage(entityRef, stitchErr))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(entityRef string, stitchErr error) map[string]any {
	errText := "unknown error"
	if stitchErr != nil {
		errText = truncate(stitchErr.Error(), maxErrorLen)
	}

	return map[string]any{
		"blocks": []map[string]any{
			{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("\U0001f534 Stitch Failed: %s", entityRef),
				},
			},
			{"type": "divider"},
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": fmt.Sprintf("*Error*\n\n```%s```", errText),
				},
			},
			{
				"type": "context",
				"elements": []map[string]any{
					{
						"type": "mrkdwn",
						"text": fmt.Sprintf("seam • %s", time.Now().UTC().Format("2006-01-02 15:04 UTC")),
					},
				},
			},
		},
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
