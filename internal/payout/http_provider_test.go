package payout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimrails/internal/apperr"
	"claimrails/internal/domain"
	"claimrails/internal/hmacauth"
)

func newHTTPProvider(t *testing.T, h http.HandlerFunc) *HTTPProvider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &HTTPProvider{
		ProviderName: "provider_a",
		Rail:         domain.PayoutDebit,
		BaseURL:      srv.URL + "/",
		APIKey:       "key-1",
		Client:       srv.Client(),
		Signer:       &hmacauth.Signer{Secret: "provider-secret"},
	}
}

func sampleRequest() ProviderRequest {
	return ProviderRequest{
		TransferID: "0xabc",
		Amount:     decimal.RequireFromString("12.5"),
		Payee:      Payee{Name: "Dana", Instrument: "card_tok"},
	}
}

func TestHTTPProviderQuoteAndExecute(t *testing.T) {
	var seen []providerBody
	p := newHTTPProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Signature"))
		var body providerBody
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			return
		}
		seen = append(seen, body)
		switch r.URL.Path {
		case "/quotes":
			assert.Empty(t, r.Header.Get("Idempotency-Key"))
			_, _ = w.Write([]byte(`{"quoteId":"q-1","eta":"30m"}`))
		case "/payouts":
			assert.Equal(t, "0xabc", r.Header.Get("Idempotency-Key"))
			_, _ = w.Write([]byte(`{"reference":"po-9","status":"PENDING","eta":"30m"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	req := sampleRequest()
	q, err := p.Quote(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "q-1", q.ID)

	req.QuoteID = q.ID
	rcpt, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, Receipt{Reference: "po-9", Status: "PENDING", ETA: "30m"}, rcpt)

	require.Len(t, seen, 2)
	assert.Equal(t, "12.5", seen[1].Amount)
	assert.Equal(t, "USDC", seen[1].Currency)
	assert.Equal(t, "DEBIT", seen[1].Rail)
	assert.Equal(t, "q-1", seen[1].QuoteID)
	assert.Equal(t, "card_tok", seen[1].Payee.Instrument)
}

func TestHTTPProviderSendsFullPrecisionAmount(t *testing.T) {
	var amount string
	p := newHTTPProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body providerBody
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			amount = body.Amount
		}
		_, _ = w.Write([]byte(`{"reference":"po-1","status":"PENDING"}`))
	})

	req := sampleRequest()
	req.Amount = decimal.RequireFromString("100.005")
	_, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "100.005", amount, "the principal is never rounded")
}

func TestHTTPProviderErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"onboarding", http.StatusConflict, `{"onboardingUrl":"https://a.example/kyc"}`, func(t *testing.T, err error) {
			oe, ok := asOnboarding(err)
			require.True(t, ok)
			assert.Equal(t, "https://a.example/kyc", oe.URL)
		}},
		{"rate limited", http.StatusTooManyRequests, ``, func(t *testing.T, err error) {
			require.ErrorIs(t, err, apperr.ErrProviderTransient)
		}},
		{"server error", http.StatusBadGateway, `oops`, func(t *testing.T, err error) {
			require.ErrorIs(t, err, apperr.ErrProviderTransient)
		}},
		{"rejected", http.StatusUnprocessableEntity, `{"error":"card expired"}`, func(t *testing.T, err error) {
			require.ErrorIs(t, err, apperr.ErrProviderFatal)
			assert.Contains(t, err.Error(), "card expired")
		}},
		{"conflict without onboarding", http.StatusConflict, `{}`, func(t *testing.T, err error) {
			require.ErrorIs(t, err, apperr.ErrProviderFatal)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newHTTPProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := p.Quote(context.Background(), sampleRequest())
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestHTTPProviderMissingReference(t *testing.T) {
	p := newHTTPProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"PENDING"}`))
	})
	_, err := p.Execute(context.Background(), sampleRequest())
	require.ErrorIs(t, err, apperr.ErrProviderFatal)
}
