package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"claimrails/internal/apperr"
	"claimrails/internal/domain"
	"claimrails/internal/hmacauth"
)

// HTTPProvider talks to a payout provider's REST API:
//
//	POST {base}/quotes  -> 200 {quoteId, eta} | 409 {onboardingUrl}
//	POST {base}/payouts -> 200 {reference, status, eta}
//
// Requests carry a bearer API key and an HMAC signature over the body.
// Payouts send the transfer id as the idempotency key.
type HTTPProvider struct {
	ProviderName string
	Rail         domain.PayoutMethod
	BaseURL      string
	APIKey       string
	Client       *http.Client
	Signer       *hmacauth.Signer
}

type providerBody struct {
	TransferID string `json:"transferId"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Rail       string `json:"rail"`
	QuoteID    string `json:"quoteId,omitempty"`
	Payee      Payee  `json:"payee"`
}

type providerReply struct {
	QuoteID       string `json:"quoteId"`
	Reference     string `json:"reference"`
	Status        string `json:"status"`
	ETA           string `json:"eta"`
	OnboardingURL string `json:"onboardingUrl"`
	Error         string `json:"error"`
}

func (p *HTTPProvider) Name() string                { return p.ProviderName }
func (p *HTTPProvider) Method() domain.PayoutMethod { return p.Rail }

func (p *HTTPProvider) Quote(ctx context.Context, req ProviderRequest) (Quote, error) {
	reply, err := p.post(ctx, "/quotes", req, "")
	if err != nil {
		return Quote{}, err
	}
	return Quote{ID: reply.QuoteID, ETA: reply.ETA}, nil
}

func (p *HTTPProvider) Execute(ctx context.Context, req ProviderRequest) (Receipt, error) {
	reply, err := p.post(ctx, "/payouts", req, req.TransferID)
	if err != nil {
		return Receipt{}, err
	}
	if reply.Reference == "" {
		return Receipt{}, apperr.Newf(apperr.KindProviderFatal, "%s returned no payout reference", p.ProviderName)
	}
	return Receipt{Reference: reply.Reference, Status: reply.Status, ETA: reply.ETA}, nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, req ProviderRequest, idemKey string) (*providerReply, error) {
	body, err := json.Marshal(providerBody{
		TransferID: req.TransferID,
		Amount:     req.Amount.String(),
		Currency:   "USDC",
		Rail:       string(p.Rail),
		QuoteID:    req.QuoteID,
		Payee:      req.Payee,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal provider request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	if idemKey != "" {
		httpReq.Header.Set("Idempotency-Key", idemKey)
	}
	if p.Signer != nil {
		p.Signer.SignRequest(httpReq, body)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var reply providerReply
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &reply); err != nil && resp.StatusCode < 300 {
			return nil, apperr.Wrap(apperr.KindProviderFatal, p.ProviderName+" returned a malformed response", err)
		}
	}

	switch {
	case resp.StatusCode < 300:
		return &reply, nil
	case resp.StatusCode == http.StatusConflict && reply.OnboardingURL != "":
		return nil, &OnboardingError{Provider: p.ProviderName, URL: reply.OnboardingURL}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, apperr.Newf(apperr.KindProviderTransient, "%s status %d", p.ProviderName, resp.StatusCode)
	default:
		msg := reply.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, apperr.Newf(apperr.KindProviderFatal, "%s rejected payout: %s", p.ProviderName, msg)
	}
}
