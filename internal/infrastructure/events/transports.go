package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
)

// LogTransport writes notifications to the structured log. It is the
// delivery channel when no webhook is configured.
type LogTransport struct {
	logger *zap.Logger
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Deliver(_ context.Context, n Notification) error {
	fields := []zap.Field{
		zap.String("notification_id", n.ID.String()),
		zap.String("user_id", n.UserID),
		zap.String("event_type", n.EventType),
	}
	for k, v := range n.Payload {
		fields = append(fields, zap.String("payload."+k, v))
	}
	t.logger.Info("notification", fields...)
	return nil
}

// WebhookConfig configures the HTTP delivery channel
type WebhookConfig struct {
	URL         string
	Secret      string
	Timeout     time.Duration
	MaxAttempts int
	// InitialDelay is the first retry delay; later delays grow exponentially
	InitialDelay time.Duration
}

// WebhookTransport POSTs notifications as JSON, signing the body when a
// secret is configured
type WebhookTransport struct {
	config WebhookConfig
	client *http.Client
}

func NewWebhookTransport(config WebhookConfig) (*WebhookTransport, error) {
	if config.URL == "" {
		return nil, errors.NewValidationError("MISSING_WEBHOOK_URL", "webhook URL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 200 * time.Millisecond
	}
	return &WebhookTransport{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}, nil
}

func (t *WebhookTransport) Name() string { return "webhook" }

func (t *WebhookTransport) Deliver(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return errors.NewInternalError("failed to marshal notification").WithCause(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.config.InitialDelay
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(t.config.MaxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		return t.send(ctx, n, body)
	}, retry)
}

func (t *WebhookTransport) send(ctx context.Context, n Notification, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(errors.NewInternalError("failed to create webhook request").WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "control-assurance-notifier/1.0")
	req.Header.Set("X-Event-Type", n.EventType)
	req.Header.Set("X-Notification-ID", n.ID.String())
	if t.config.Secret != "" {
		req.Header.Set("X-Signature-SHA256", Sign(body, t.config.Secret))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("webhook returned non-retryable status %d", resp.StatusCode))
	}
}

// Sign returns the HMAC-SHA256 signature header value for body
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}
