package payout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"claimrails/internal/apperr"
	"claimrails/internal/domain"
)

// Payee identifies where a card or bank payout lands. Instrument is the
// provider's token for the recipient's card or account, obtained during
// onboarding; raw account numbers never pass through this service.
type Payee struct {
	Name       string `json:"name,omitempty"`
	Instrument string `json:"instrument,omitempty"`
}

type ProviderRequest struct {
	TransferID string
	Amount     decimal.Decimal
	Payee      Payee
	QuoteID    string
}

type Quote struct {
	ID  string
	ETA string
}

type Receipt struct {
	Reference string
	Status    string
	ETA       string
}

// Provider is an external card or bank payout rail. Quote moves no funds.
// Errors are apperr kinds ProviderTransient or ProviderFatal, or an
// *OnboardingError.
type Provider interface {
	Name() string
	Method() domain.PayoutMethod
	Quote(ctx context.Context, req ProviderRequest) (Quote, error)
	Execute(ctx context.Context, req ProviderRequest) (Receipt, error)
}

// OnboardingError means the provider needs the recipient to complete its
// own onboarding before it will pay out.
type OnboardingError struct {
	Provider string
	URL      string
}

func (e *OnboardingError) Error() string {
	return fmt.Sprintf("%s onboarding required", e.Provider)
}

func asOnboarding(err error) (*OnboardingError, bool) {
	var oe *OnboardingError
	ok := errors.As(err, &oe)
	return oe, ok
}

// SandboxProvider settles instantly. Tests and local runs script its
// failures through the exported fields.
type SandboxProvider struct {
	ProviderName string
	Rail         domain.PayoutMethod
	// OnboardingURL, when set, is returned for payees with no Instrument.
	OnboardingURL string
	QuoteErr      error
	ExecuteErr    error

	mu       sync.Mutex
	executed []ProviderRequest
}

func (s *SandboxProvider) Name() string                { return s.ProviderName }
func (s *SandboxProvider) Method() domain.PayoutMethod { return s.Rail }

func (s *SandboxProvider) Quote(_ context.Context, req ProviderRequest) (Quote, error) {
	if s.OnboardingURL != "" && req.Payee.Instrument == "" {
		return Quote{}, &OnboardingError{Provider: s.ProviderName, URL: s.OnboardingURL}
	}
	if s.QuoteErr != nil {
		return Quote{}, s.QuoteErr
	}
	return Quote{ID: "quote-" + req.TransferID, ETA: "instant"}, nil
}

func (s *SandboxProvider) Execute(_ context.Context, req ProviderRequest) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ExecuteErr != nil {
		return Receipt{}, s.ExecuteErr
	}
	if !req.Amount.IsPositive() {
		return Receipt{}, apperr.New(apperr.KindProviderFatal, "amount must be positive")
	}
	s.executed = append(s.executed, req)
	return Receipt{
		Reference: fmt.Sprintf("%s-%d", s.ProviderName, len(s.executed)),
		Status:    "COMPLETED",
		ETA:       "instant",
	}, nil
}

// Executed returns the payouts the sandbox has made.
func (s *SandboxProvider) Executed() []ProviderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ProviderRequest(nil), s.executed...)
}
