package domain

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type TransferStatus string

const (
	StatusPrepared      TransferStatus = "PREPARED"
	StatusLockConfirmed TransferStatus = "LOCK_CONFIRMED"
	StatusClaimStarted  TransferStatus = "CLAIM_STARTED"
	StatusClaimedDebit  TransferStatus = "CLAIMED_DEBIT"
	StatusClaimedBank   TransferStatus = "CLAIMED_BANK"
	StatusClaimedWallet TransferStatus = "CLAIMED_WALLET"
	StatusExpired       TransferStatus = "EXPIRED"
	StatusRefunded      TransferStatus = "REFUNDED"
	StatusFailed        TransferStatus = "FAILED"
)

var transitions = map[TransferStatus][]TransferStatus{
	StatusPrepared:      {StatusLockConfirmed, StatusExpired, StatusFailed},
	StatusLockConfirmed: {StatusClaimStarted, StatusExpired, StatusRefunded, StatusFailed},
	StatusClaimStarted:  {StatusClaimedDebit, StatusClaimedBank, StatusClaimedWallet, StatusExpired, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
// Terminal states have no outgoing edges.
func CanTransition(from, to TransferStatus) bool {
	return slices.Contains(transitions[from], to)
}

func (s TransferStatus) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// FundsLocked reports whether escrow holds the transfer's funds in this state.
func (s TransferStatus) FundsLocked() bool {
	return s == StatusLockConfirmed || s == StatusClaimStarted
}

// rank orders the forward path; used to tell "already past this step".
func (s TransferStatus) rank() int {
	switch s {
	case StatusPrepared:
		return 0
	case StatusLockConfirmed:
		return 1
	case StatusClaimStarted:
		return 2
	case StatusClaimedDebit, StatusClaimedBank, StatusClaimedWallet:
		return 3
	}
	return -1
}

// Reached reports whether s is on the forward path at or beyond target.
func (s TransferStatus) Reached(target TransferStatus) bool {
	return s.rank() >= 0 && s.rank() >= target.rank()
}

type PayoutMethod string

const (
	PayoutWallet PayoutMethod = "WALLET"
	PayoutDebit  PayoutMethod = "DEBIT"
	PayoutBank   PayoutMethod = "BANK"
)

func ParsePayoutMethod(v string) (PayoutMethod, bool) {
	m := PayoutMethod(strings.ToUpper(strings.TrimSpace(v)))
	switch m {
	case PayoutWallet, PayoutDebit, PayoutBank:
		return m, true
	}
	return "", false
}

// ClaimedStatus is the terminal status a successful payout by m lands in.
func (m PayoutMethod) ClaimedStatus() TransferStatus {
	switch m {
	case PayoutDebit:
		return StatusClaimedDebit
	case PayoutBank:
		return StatusClaimedBank
	default:
		return StatusClaimedWallet
	}
}

// Transfer is a SendTransfer: value locked for a recipient known only by a
// contact handle.
type Transfer struct {
	ID                string
	TransferID        string
	Sender            string
	Principal         decimal.Decimal
	SponsorFee        decimal.Decimal
	TotalLocked       decimal.Decimal
	RecipientType     string
	RecipientMasked   string
	RecipientHintHash string
	EncryptedContact  string
	FundingSource     string
	Memo              string
	ChainID           int64
	Region            string
	PayoutMethods     []PayoutMethod
	ExpiresAt         time.Time
	Status            TransferStatus
	EscrowTxHash      string
	ReleaseTxHash     string
	RefundTxHash      string
	PayoutMethod      PayoutMethod
	ProviderReference string
	FailureReason     string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (t *Transfer) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

func (t *Transfer) Eligible(m PayoutMethod) bool {
	return slices.Contains(t.PayoutMethods, m)
}

// Clone returns a copy that shares nothing mutable with t.
func (t *Transfer) Clone() *Transfer {
	c := *t
	c.PayoutMethods = slices.Clone(t.PayoutMethods)
	return &c
}

// Event is one append-only audit entry for a transfer.
type Event struct {
	TransferID string
	From       TransferStatus
	To         TransferStatus
	Reason     string
	At         time.Time
}
