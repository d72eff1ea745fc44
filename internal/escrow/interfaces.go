package escrow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway abstracts the on-chain escrow interaction. Calls may be slow and
// are not final when they return; callers re-verify before acting.
type Gateway interface {
	CreateLock(ctx context.Context, req LockRequest) (string, error)
	VerifyLock(ctx context.Context, transferID, txHash string) (LockObservation, error)
	Release(ctx context.Context, transferID, to string) (string, error)
	Refund(ctx context.Context, transferID string) (string, error)
}

type LockRequest struct {
	TransferID        string
	Principal         decimal.Decimal
	SponsorFee        decimal.Decimal
	Expiry            time.Time
	RecipientHintHash string
}

// LockObservation is what the chain says a lock transaction did.
type LockObservation struct {
	TransferID        string
	Amount            decimal.Decimal
	RecipientHintHash string
	ChainID           int64
	Sender            string
	BlockNumber       uint64
}
