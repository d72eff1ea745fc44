package domain

import "time"

// ClaimSession is the OTP context for one claim attempt cycle. The raw code
// never leaves the claim service; only its MAC is stored.
type ClaimSession struct {
	ID                    string
	TransferID            string
	OTPExpiresAt          time.Time
	MaxAttempts           int
	Attempts              int
	ResendCooldownSeconds int
	RecipientMasked       string
	IssuedAt              time.Time
	CodeHash              []byte
}

// Settlement is a completed payout as recorded on the transfer.
type Settlement struct {
	Method            PayoutMethod
	Provider          string
	ProviderReference string
	ReleaseTxHash     string
}

// ClaimGrant is what a successful OTP verification hands back.
type ClaimGrant struct {
	Token         string
	ExpiresAt     time.Time
	Transfer      *Transfer
	PayoutMethods []PayoutMethod
}
