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

	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
	"github.com/atvirokodosprendimai/keyauth/internal/core/usecase"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookPublisher sends audit entries to a configured HTTP endpoint.
// Each request is signed with HMAC-SHA256 so the receiver can verify authenticity.
// Delivery is attempted once; a failure is reported to the caller, which logs it.
type WebhookPublisher struct {
	url    string
	secret []byte
	client *http.Client
}

// WebhookPayload is the JSON body of one delivery. The raw token never leaves
// the service; receivers correlate on KeyHash.
type WebhookPayload struct {
	EventID   string         `json:"event_id"`
	Sequence  int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	KeyHash   string         `json:"key_hash,omitempty"`
	Details   map[string]any `json:"details"`
}

// NewWebhookPublisher returns a WebhookPublisher that POSTs entries to url and
// signs them with secret using HMAC-SHA256. A zero or negative timeout falls
// back to defaultWebhookTimeout (10 s).
func NewWebhookPublisher(url, secret string, timeout time.Duration) *WebhookPublisher {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookPublisher{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: timeout},
	}
}

// Publish marshals entry to JSON, signs the body, and POSTs it to the
// configured webhook URL. The following headers are set on every request:
//
//	Content-Type:           application/json
//	X-Keyauth-Event-Type:   <entry.EventType>
//	X-Keyauth-Event-Id:     <entry.EventID>
//	X-Hub-Signature-256:    sha256=<hex-encoded HMAC-SHA256>
func (p *WebhookPublisher) Publish(ctx context.Context, entry domain.LogEntry) error {
	body := WebhookPayload{
		EventID:   entry.EventID,
		Sequence:  entry.ID,
		Timestamp: entry.Timestamp.UTC(),
		EventType: string(entry.EventType),
		Details:   entry.Details,
	}
	if entry.KeyToken != nil {
		body.KeyHash = usecase.HashToken(*entry.KeyToken)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	sig := p.sign(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Keyauth-Event-Type", string(entry.EventType))
	req.Header.Set("X-Keyauth-Event-Id", entry.EventID)
	req.Header.Set("X-Hub-Signature-256", "sha256="+sig)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// sign returns the lowercase hex-encoded HMAC-SHA256 of payload using p.secret.
func (p *WebhookPublisher) sign(payload []byte) string {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
