package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
	"github.com/atvirokodosprendimai/keyauth/internal/core/usecase"
)

func sampleEntry() domain.LogEntry {
	token := "tok-webhook-01"
	return domain.LogEntry{
		ID:        7,
		EventID:   "evt-1",
		Timestamp: time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC),
		EventType: domain.EventVerify,
		KeyToken:  &token,
		Details:   map[string]any{"status": "success", "hwid": "HW-1"},
	}
}

func TestWebhookPublisherSuccess(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	secret := "test-secret"
	pub := NewWebhookPublisher(srv.URL, secret, 5*time.Second)
	entry := sampleEntry()

	if err := pub.Publish(context.Background(), entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ct := gotHeaders.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if et := gotHeaders.Get("X-Keyauth-Event-Type"); et != "verify" {
		t.Errorf("X-Keyauth-Event-Type = %q, want verify", et)
	}
	if id := gotHeaders.Get("X-Keyauth-Event-Id"); id != "evt-1" {
		t.Errorf("X-Keyauth-Event-Id = %q, want evt-1", id)
	}

	sigHeader := gotHeaders.Get("X-Hub-Signature-256")
	if !strings.HasPrefix(sigHeader, "sha256=") {
		t.Fatalf("X-Hub-Signature-256 header missing or malformed: %q", sigHeader)
	}
	gotSig := strings.TrimPrefix(sigHeader, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	wantSig := hex.EncodeToString(mac.Sum(nil))
	if gotSig != wantSig {
		t.Errorf("signature mismatch: got %q, want %q", gotSig, wantSig)
	}

	var decoded WebhookPayload
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.EventID != entry.EventID || decoded.Sequence != 7 {
		t.Errorf("decoded = %+v, want event evt-1 seq 7", decoded)
	}
	if decoded.KeyHash != usecase.HashToken(*entry.KeyToken) {
		t.Errorf("KeyHash = %q, want hash of token", decoded.KeyHash)
	}
	if bytes.Contains(gotBody, []byte(*entry.KeyToken)) {
		t.Error("raw token leaked into webhook body")
	}
}

func TestWebhookPublisherNon2xxReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	pub := NewWebhookPublisher(srv.URL, "secret", 5*time.Second)

	err := pub.Publish(context.Background(), sampleEntry())
	if err == nil {
		t.Fatal("expected error for 500 response, got nil")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error should mention status code 500, got: %v", err)
	}
}

func TestWebhookPublisherContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	pub := NewWebhookPublisher(srv.URL, "secret", 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pub.Publish(ctx, sampleEntry())
	if err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected error to wrap context.Canceled, got: %v", err)
	}
}

func TestWebhookPublisherZeroTimeoutUsesDefault(t *testing.T) {
	pub := NewWebhookPublisher("http://localhost:9", "s", 0)
	if pub.client.Timeout != defaultWebhookTimeout {
		t.Errorf("timeout = %v, want %v", pub.client.Timeout, defaultWebhookTimeout)
	}
}

func TestLogPublisherHashesToken(t *testing.T) {
	var buf bytes.Buffer
	pub := NewLogPublisher(slog.New(slog.NewJSONHandler(&buf, nil)))
	entry := sampleEntry()

	if err := pub.Publish(context.Background(), entry); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["key_hash"] != usecase.HashToken(*entry.KeyToken) {
		t.Errorf("key_hash = %v", line["key_hash"])
	}
	if line["status"] != "success" || line["component"] != "audit-publisher" {
		t.Errorf("unexpected log line: %v", line)
	}
	if strings.Contains(buf.String(), *entry.KeyToken) {
		t.Error("raw token leaked into log output")
	}
}

type stubPublisher struct {
	calls int
	err   error
}

func (s *stubPublisher) Publish(context.Context, domain.LogEntry) error {
	s.calls++
	return s.err
}

func TestFanoutPublishesToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	first := &stubPublisher{err: boom}
	second := &stubPublisher{}

	err := Fanout{first, second}.Publish(context.Background(), sampleEntry())
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if first.calls != 1 || second.calls != 1 {
		t.Fatalf("expected one call each, got %d and %d", first.calls, second.calls)
	}
}
