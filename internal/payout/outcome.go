package payout

import "claimrails/internal/domain"

// Outcome is the result of a dispatch that reached a payout rail. It is one
// of Settled, FallbackAvailable, OnboardingRequired or Failed.
type Outcome interface {
	outcome() string
}

// Settled means value reached the recipient and the transfer is final.
type Settled struct {
	Method            domain.PayoutMethod
	Provider          string
	ProviderReference string
	TreasuryTxHash    string
	WalletTxHash      string
	ETA               string
	Status            string
	Transfer          *domain.Transfer
}

// FallbackAvailable offers another eligible rail after a fatal provider
// error. The claim token stays usable.
type FallbackAvailable struct {
	Method domain.PayoutMethod
	Reason string
}

// OnboardingRequired sends the recipient to the provider first. The claim
// token stays usable.
type OnboardingRequired struct {
	Provider string
	Action   string
	URL      string
}

// Failed reports a payout that did not complete. Escalated failures moved
// the transfer to FAILED; the rest leave it in CLAIM_STARTED for a retry.
type Failed struct {
	Reason    string
	Escalated bool
}

func (Settled) outcome() string            { return "settled" }
func (FallbackAvailable) outcome() string  { return "fallback" }
func (OnboardingRequired) outcome() string { return "onboarding" }
func (f Failed) outcome() string {
	if f.Escalated {
		return "escalated"
	}
	return "failed"
}

// Name is the metrics label for o.
func Name(o Outcome) string {
	if o == nil {
		return "rejected"
	}
	return o.outcome()
}

// keepsToken reports whether the claim token must be handed back so the
// recipient can try again.
func keepsToken(o Outcome) bool {
	switch v := o.(type) {
	case FallbackAvailable, OnboardingRequired:
		return true
	case Failed:
		return !v.Escalated
	}
	return false
}
