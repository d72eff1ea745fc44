// Package notify delivers claim links and one-time passcodes to recipients.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"claimrails/internal/apperr"
	"claimrails/internal/hmacauth"
	"claimrails/internal/retry"
	"claimrails/internal/vault"
)

type Kind string

const (
	KindClaimLink Kind = "CLAIM_LINK"
	KindOTP       Kind = "OTP"
)

type Message struct {
	Kind       Kind
	To         vault.Contact
	TransferID string
	// ClaimURL is set for claim links, Code for passcodes.
	ClaimURL  string
	Code      string
	ExpiresAt time.Time
}

type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// LogNotifier only logs that a message would be sent, masked. It never
// writes codes or raw contacts.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Send(_ context.Context, msg Message) error {
	n.Logger.Info("notification suppressed, no delivery channel configured",
		zap.String("kind", string(msg.Kind)),
		zap.String("transfer_id", msg.TransferID),
		zap.String("to", msg.To.Masked()),
	)
	return nil
}

// WebhookNotifier posts messages to a delivery service (email/SMS gateway)
// that owns the templates. Requests are HMAC signed.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
	Signer *hmacauth.Signer
	Retry  retry.Policy
}

type webhookPayload struct {
	Kind        Kind      `json:"kind"`
	ChannelType string    `json:"channelType"`
	To          string    `json:"to"`
	TransferID  string    `json:"transferId"`
	ClaimURL    string    `json:"claimUrl,omitempty"`
	Code        string    `json:"code,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
}

func (n *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(webhookPayload{
		Kind:        msg.Kind,
		ChannelType: string(msg.To.Type),
		To:          msg.To.Value,
		TransferID:  msg.TransferID,
		ClaimURL:    msg.ClaimURL,
		Code:        msg.Code,
		ExpiresAt:   msg.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	_, err = retry.Do(ctx, n.Retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, n.post(ctx, body)
	})
	return err
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.Signer != nil {
		n.Signer.SignRequest(req, body)
	}

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperr.Newf(apperr.KindProviderTransient, "notification gateway status %d", resp.StatusCode)
	default:
		return apperr.Newf(apperr.KindProviderFatal, "notification gateway rejected message: status %d", resp.StatusCode)
	}
}

// Memory keeps messages in process. Used in tests and the local sandbox.
type Memory struct {
	mu   sync.Mutex
	sent []Message
	// Err, when set, fails every Send.
	Err error
}

func (m *Memory) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *Memory) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

// Last returns the most recent message of kind k for transferID.
func (m *Memory) Last(transferID string, k Kind) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].TransferID == transferID && m.sent[i].Kind == k {
			return m.sent[i], true
		}
	}
	return Message{}, false
}
