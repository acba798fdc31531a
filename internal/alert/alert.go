// Package alert is the extension point through which detected drift is
// delivered to operators.
package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/schaermu/driftwatch/internal/config"
	"github.com/schaermu/driftwatch/internal/drift"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Driftwatch-Signature-256"

// Alert describes one drift detection worth notifying about.
type Alert struct {
	Directory string       `json:"directory"`
	Time      time.Time    `json:"time"`
	Records   drift.Report `json:"records"`
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that logs at warn level
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the alert
func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	n.logger.Warn("drift alert",
		"dir", a.Directory,
		"new", a.Records.Count(drift.New),
		"changed", a.Records.Count(drift.Changed),
		"deleted", a.Records.Count(drift.Deleted),
		"records", a.Records.Lines())
	return nil
}

// WebhookNotifier posts alerts as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url       string
	secret    []byte
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

// NewWebhookNotifier creates a webhook notifier. An empty secret disables
// request signing.
func NewWebhookNotifier(url string, secret []byte, timeout time.Duration, userAgent string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:       url,
		secret:    secret,
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		logger:    logger,
	}
}

// Notify sends the alert and fails on any non-2xx response
func (n *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.userAgent != "" {
		req.Header.Set("User-Agent", n.userAgent)
	}
	if len(n.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(body, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver alert: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("alert endpoint returned %s", resp.Status)
	}

	n.logger.Info("drift alert delivered", "url", n.url, "records", len(a.Records))
	return nil
}

// Sign returns the signature header value for body: sha256=<hex HMAC>.
func Sign(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// verify checks a signature produced by Sign in constant time.
func verify(body []byte, signature string, secret []byte) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Sign(body, secret)))
}

// FromConfig builds the notifier selected by cfg: the webhook when a URL is
// configured, the log notifier otherwise.
func FromConfig(cfg *config.Config, userAgent string, logger *slog.Logger) (Notifier, error) {
	if !cfg.WebhookEnabled() {
		return NewLogNotifier(logger), nil
	}

	var secret []byte
	if cfg.Alert.SecretFile != "" {
		data, err := os.ReadFile(cfg.Alert.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read alert secret: %w", err)
		}
		// Trim any whitespace/newlines from secret
		secret = []byte(strings.TrimSpace(string(data)))
	}

	return NewWebhookNotifier(cfg.Alert.WebhookURL, secret, cfg.Alert.Timeout, userAgent, logger), nil
}
