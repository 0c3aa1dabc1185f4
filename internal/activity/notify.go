package activity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	notifyTimeout = 5 * time.Second
	notifyRetries = 3
)

// Notifier posts settled-payment events to an external dashboard. It
// is a deliberate swallowed-error side channel: Notify never blocks
// the caller and a delivery failure is logged, not propagated.
type Notifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewNotifier creates a notifier for the given URL. Returns nil when
// the URL is empty (callers nil-check).
func NewNotifier(url string, logger *slog.Logger) *Notifier {
	if url == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: notifyTimeout},
		logger: logger,
	}
}

// Notify fires the delivery in a goroutine and discards the result
// after logging.
func (n *Notifier) Notify(e Event) {
	go func() {
		if err := n.post(e); err != nil {
			n.logger.Warn("dashboard notification failed", "event", e.ID, "error", err)
		}
	}()
}

// post delivers one event, retrying on 5xx only.
func (n *Notifier) post(e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < notifyRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * time.Second)
		}

		req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("dashboard rejected: HTTP %d", resp.StatusCode)
		}
		lastErr = fmt.Errorf("dashboard server error: HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("delivery failed after %d attempts: %w", notifyRetries, lastErr)
}
