// Package notify delivers finished call sessions to an external webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/raihanakbr/call-relay/internal/errs"
	"github.com/raihanakbr/call-relay/internal/session"
)

// Notifier hands a finished session to an external collaborator.
type Notifier interface {
	Notify(ctx context.Context, rec session.Record) error
}

// HTTPNotifier POSTs the session as JSON, once. There is no retry.
type HTTPNotifier struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPNotifier creates a notifier for endpoint. An empty endpoint makes
// Notify log the summary and return nil.
func NewHTTPNotifier(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPNotifier{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Notify sends rec. Failures are returned as *errs.NotifyError.
func (n *HTTPNotifier) Notify(ctx context.Context, rec session.Record) error {
	if n.endpoint == "" {
		n.logger.Info("No notify endpoint configured, dropping summary",
			slog.String("call_id", rec.CallID),
			slog.Int("transcript_entries", len(rec.Transcript)),
			slog.Int("fields", len(rec.Fields)),
		)
		return nil
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return &errs.NotifyError{CallID: rec.CallID, Err: fmt.Errorf("encode summary: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return &errs.NotifyError{CallID: rec.CallID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return &errs.NotifyError{CallID: rec.CallID, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &errs.NotifyError{CallID: rec.CallID, StatusCode: resp.StatusCode}
	}

	n.logger.Info("Summary delivered",
		slog.String("call_id", rec.CallID),
		slog.Int("status", resp.StatusCode),
	)
	return nil
}
