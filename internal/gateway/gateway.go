// Package gateway sends outbound chat messages to the messaging gateway
// and verifies the signature on inbound webhook deliveries.
//
// Sends are best-effort: one attempt, failures are returned for the caller
// to log. The gateway owns retries.
package gateway

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
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/resonancehq/control-plane/internal/config"
	"github.com/resonancehq/control-plane/pkg/contracts"
	"github.com/resonancehq/control-plane/pkg/models"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Gateway-Signature"

// New returns the webhook sender when a gateway URL is configured, or a
// sender that only logs.
func New(cfg config.GatewayConfig) contracts.Sender {
	if cfg.WebhookURL == "" {
		log.Warn().Msg("📭 No gateway webhook configured, outbound messages are only logged")
		return LogSender{}
	}
	return NewWebhookSender(cfg.WebhookURL, cfg.Secret, nil).WithMessageLimit(cfg.MessageLimit)
}

// ── Webhook Sender ──────────────────────────────────────────

// WebhookSender posts outbound messages as JSON with optional signing.
// Text longer than the message limit goes out as several posts, in order.
type WebhookSender struct {
	url    string
	secret string
	limit  int
	client *http.Client
}

// NewWebhookSender creates a sender posting to url.
func NewWebhookSender(url, secret string, client *http.Client) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebhookSender{url: url, secret: secret, limit: DefaultMessageLimit, client: client}
}

// WithMessageLimit overrides the per-message rune limit. Zero or less keeps
// the current one.
func (s *WebhookSender) WithMessageLimit(n int) *WebhookSender {
	if n > 0 {
		s.limit = n
	}
	return s
}

// Send delivers msg, split into parts when the text is too long. Media is
// attached to the first part only. The first failed part stops the send.
func (s *WebhookSender) Send(ctx context.Context, msg models.OutboundMessage) error {
	parts := SplitMessage(msg.Text, s.limit)
	if len(parts) > 1 {
		log.Debug().Str("to", msg.To).Int("parts", len(parts)).Msg("Splitting long outbound message")
	}
	sent := 0
	for _, text := range parts {
		text = strings.TrimSpace(text)
		if text == "" && len(parts) > 1 {
			continue
		}
		part := msg
		part.Text = text
		if sent > 0 {
			part.MediaURL = ""
		}
		if err := s.post(ctx, part); err != nil {
			if sent > 0 {
				return fmt.Errorf("part %d of %d: %w", sent+1, len(parts), err)
			}
			return err
		}
		sent++
	}
	return nil
}

func (s *WebhookSender) post(ctx context.Context, msg models.OutboundMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ControlPlane-Gateway/1.0")
	if s.secret != "" {
		req.Header.Set(SignatureHeader, Sign(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("gateway HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

// LogSender logs outbound messages instead of delivering them.
type LogSender struct{}

func (LogSender) Send(_ context.Context, msg models.OutboundMessage) error {
	log.Info().
		Str("to", msg.To).
		Str("platform", msg.Platform).
		Str("text", msg.Text).
		Msg("📨 Outbound message")
	return nil
}

// ── Signing ─────────────────────────────────────────────────

// Sign returns "sha256=<hex hmac>" for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against body. An empty secret disables
// verification.
func Verify(secret string, body []byte, header string) bool {
	if secret == "" {
		return true
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}
