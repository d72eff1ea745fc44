// Package payout routes a verified claim to a payout rail and reports the
// result as an Outcome.
package payout

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"claimrails/internal/apperr"
	"claimrails/internal/claim"
	"claimrails/internal/domain"
	"claimrails/internal/escrow"
	"claimrails/internal/retry"
)

// Transfers is the slice of the transfer orchestrator a payout drives.
type Transfers interface {
	Get(ctx context.Context, transferID string) (*domain.Transfer, error)
	RecordRelease(ctx context.Context, transferID, txHash string) error
	FinalizeClaim(ctx context.Context, transferID string, s domain.Settlement) (*domain.Transfer, error)
	Fail(ctx context.Context, transferID, reason string) (*domain.Transfer, error)
}

// Claims validates and consumes claim tokens and holds the per-transfer
// payout lock.
type Claims interface {
	ParseToken(raw string) (*claim.Token, error)
	ConsumeToken(ctx context.Context, tok *claim.Token) error
	ReleaseToken(ctx context.Context, tok *claim.Token) error
	LockPayout(ctx context.Context, transferID string) error
	UnlockPayout(ctx context.Context, transferID string) error
}

type Deps struct {
	Transfers Transfers
	Claims    Claims
	Gateway   escrow.Gateway
	Providers []Provider
	// Treasury receives escrow releases for card and bank payouts.
	Treasury string
	Retry    retry.Policy
	Logger   *zap.Logger
	Now      func() time.Time
	// OnDispatch receives the method and outcome name of each dispatch.
	OnDispatch func(method domain.PayoutMethod, outcome string)
}

type Dispatcher struct {
	transfers  Transfers
	claims     Claims
	gateway    escrow.Gateway
	providers  map[domain.PayoutMethod]Provider
	treasury   string
	retry      retry.Policy
	logger     *zap.Logger
	now        func() time.Time
	onDispatch func(domain.PayoutMethod, string)
}

func NewDispatcher(deps Deps) *Dispatcher {
	d := &Dispatcher{
		transfers:  deps.Transfers,
		claims:     deps.Claims,
		gateway:    deps.Gateway,
		providers:  make(map[domain.PayoutMethod]Provider, len(deps.Providers)),
		treasury:   deps.Treasury,
		retry:      deps.Retry,
		logger:     deps.Logger,
		now:        deps.Now,
		onDispatch: deps.OnDispatch,
	}
	for _, p := range deps.Providers {
		d.providers[p.Method()] = p
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	d.logger = d.logger.With(zap.String("component", "payout"))
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

type Request struct {
	TransferID string
	Token      string
	Method     domain.PayoutMethod
	// DestinationAddress is required for WALLET.
	DestinationAddress string
	Payee              Payee
}

// Dispatch pays out a verified claim. Errors are returned for requests that
// never reached a rail (bad token, wrong state, token already used); rail
// results come back as an Outcome.
//
// The token is consumed before anything else, so of two concurrent calls
// with one token exactly one proceeds. The transfer's payout lock is then
// held until the rail answers, so no two tokens for one transfer can move
// funds at once. Both are handed back whenever the recipient may try again
// without funds having reached them.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	tok, err := d.claims.ParseToken(req.Token)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(tok.TransferID, req.TransferID) {
		return nil, apperr.New(apperr.KindValidation, "invalid claim token")
	}
	if err := d.claims.ConsumeToken(ctx, tok); err != nil {
		d.observe(req.Method, nil)
		return nil, err
	}
	if err := d.claims.LockPayout(ctx, tok.TransferID); err != nil {
		d.handBack(ctx, tok, false)
		d.observe(req.Method, nil)
		return nil, err
	}

	out, err := d.route(ctx, tok.TransferID, req)
	if err != nil || keepsToken(out) {
		d.handBack(ctx, tok, true)
	}
	d.observe(req.Method, out)
	return out, err
}

// handBack returns the token, and the payout lock when held, after a
// dispatch that left the transfer claimable.
func (d *Dispatcher) handBack(ctx context.Context, tok *claim.Token, locked bool) {
	ctx = context.WithoutCancel(ctx)
	if locked {
		if err := d.claims.UnlockPayout(ctx, tok.TransferID); err != nil {
			d.logger.Error("releasing payout lock failed", zap.String("transfer_id", tok.TransferID), zap.Error(err))
		}
	}
	if err := d.claims.ReleaseToken(ctx, tok); err != nil {
		d.logger.Error("releasing claim token failed", zap.String("transfer_id", tok.TransferID), zap.Error(err))
	}
}

func (d *Dispatcher) route(ctx context.Context, transferID string, req Request) (Outcome, error) {
	t, err := d.transfers.Get(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if err := d.checkPayable(t, req.Method); err != nil {
		return nil, err
	}

	if req.Method == domain.PayoutWallet {
		if t.ReleaseTxHash != "" {
			return nil, apperr.New(apperr.KindValidation, "funds are already with the payout treasury; finish the payout by DEBIT or BANK")
		}
		if !common.IsHexAddress(req.DestinationAddress) {
			return nil, apperr.New(apperr.KindValidation, "destinationAddress must be a 0x-prefixed 20-byte address")
		}
		return d.payWallet(ctx, t, common.HexToAddress(req.DestinationAddress).Hex())
	}

	p, ok := d.providers[req.Method]
	if !ok {
		return nil, apperr.Newf(apperr.KindUnavailable, "no %s payout provider is configured", req.Method)
	}
	return d.payProvider(ctx, t, p, req.Payee)
}

func (d *Dispatcher) checkPayable(t *domain.Transfer, m domain.PayoutMethod) error {
	if t.Status != domain.StatusClaimStarted {
		return apperr.Newf(apperr.KindInvalidStateTransition, "transfer is %s", t.Status)
	}
	if t.Expired(d.now()) {
		return apperr.New(apperr.KindTransferExpired, "transfer has expired")
	}
	if !t.Eligible(m) {
		return apperr.Newf(apperr.KindValidation, "payout method %s is not available for this transfer", m)
	}
	return nil
}

func (d *Dispatcher) payWallet(ctx context.Context, t *domain.Transfer, to string) (Outcome, error) {
	txHash, err := retry.Do(ctx, d.retry, func(ctx context.Context) (string, error) {
		return d.gateway.Release(ctx, t.TransferID, to)
	})
	if err != nil {
		d.logger.Warn("wallet release failed", zap.String("transfer_id", t.TransferID), zap.Error(err))
		return Failed{Reason: "escrow release failed: " + apperr.SafeMessage(err)}, nil
	}

	s := domain.Settlement{Method: domain.PayoutWallet, ProviderReference: txHash, ReleaseTxHash: txHash}
	return d.settle(ctx, t, s, Settled{
		Method:            domain.PayoutWallet,
		ProviderReference: txHash,
		WalletTxHash:      txHash,
		Status:            "COMPLETED",
	})
}

// payProvider quotes before moving funds, so onboarding and fallback are
// decided while escrow still holds the value. Escrow is then released to the
// treasury once per transfer, and the provider pays the recipient.
func (d *Dispatcher) payProvider(ctx context.Context, t *domain.Transfer, p Provider, payee Payee) (Outcome, error) {
	preq := ProviderRequest{TransferID: t.TransferID, Amount: t.Principal, Payee: payee}
	quote, err := retry.Do(ctx, d.retry, func(ctx context.Context) (Quote, error) {
		return p.Quote(ctx, preq)
	})
	if err != nil {
		return d.railError(t, p, err), nil
	}
	preq.QuoteID = quote.ID

	releaseHash := t.ReleaseTxHash
	if releaseHash == "" {
		if t.Expired(d.now()) {
			return nil, apperr.New(apperr.KindTransferExpired, "transfer has expired")
		}
		if d.treasury == "" {
			return nil, apperr.New(apperr.KindUnavailable, "payout treasury is not configured")
		}
		releaseHash, err = retry.Do(ctx, d.retry, func(ctx context.Context) (string, error) {
			return d.gateway.Release(ctx, t.TransferID, d.treasury)
		})
		if err != nil {
			d.logger.Warn("treasury release failed", zap.String("transfer_id", t.TransferID), zap.Error(err))
			return Failed{Reason: "escrow release failed: " + apperr.SafeMessage(err)}, nil
		}
		if err := d.transfers.RecordRelease(ctx, t.TransferID, releaseHash); err != nil {
			return d.escalate(ctx, t, "escrow released to treasury but release could not be recorded: "+releaseHash), nil
		}
	}

	receipt, err := retry.Do(ctx, d.retry, func(ctx context.Context) (Receipt, error) {
		return p.Execute(ctx, preq)
	})
	if err != nil {
		out := d.railError(t, p, err)
		if f, ok := out.(Failed); ok && apperr.KindOf(err) == apperr.KindProviderFatal {
			return d.escalate(ctx, t, p.Name()+" payout failed after escrow release: "+f.Reason), nil
		}
		return out, nil
	}

	s := domain.Settlement{
		Method:            p.Method(),
		Provider:          p.Name(),
		ProviderReference: receipt.Reference,
		ReleaseTxHash:     releaseHash,
	}
	return d.settle(ctx, t, s, Settled{
		Method:            p.Method(),
		Provider:          p.Name(),
		ProviderReference: receipt.Reference,
		TreasuryTxHash:    releaseHash,
		ETA:               receipt.ETA,
		Status:            receipt.Status,
	})
}

// railError maps a provider error to an outcome. Onboarding and a fatal
// DEBIT error with BANK available are recoverable offers; everything else
// is a plain failure.
func (d *Dispatcher) railError(t *domain.Transfer, p Provider, err error) Outcome {
	if oe, ok := asOnboarding(err); ok {
		return OnboardingRequired{
			Provider: p.Name(),
			Action:   strings.ToUpper(p.Name()) + "_ONBOARDING",
			URL:      oe.URL,
		}
	}
	reason := apperr.SafeMessage(err)
	d.logger.Warn("payout provider error",
		zap.String("transfer_id", t.TransferID),
		zap.String("provider", p.Name()),
		zap.Error(err),
	)
	if apperr.KindOf(err) == apperr.KindProviderFatal && p.Method() == domain.PayoutDebit && d.canFallBack(t) {
		return FallbackAvailable{Method: domain.PayoutBank, Reason: reason}
	}
	return Failed{Reason: reason}
}

func (d *Dispatcher) canFallBack(t *domain.Transfer) bool {
	_, ok := d.providers[domain.PayoutBank]
	return ok && t.Eligible(domain.PayoutBank)
}

func (d *Dispatcher) settle(ctx context.Context, t *domain.Transfer, s domain.Settlement, out Settled) (Outcome, error) {
	done, err := d.transfers.FinalizeClaim(ctx, t.TransferID, s)
	if err != nil {
		d.logger.Error("payout settled but transfer could not be finalized",
			zap.String("transfer_id", t.TransferID),
			zap.String("reference", s.ProviderReference),
			zap.Error(err),
		)
		return d.escalate(ctx, t, "payout settled ("+s.ProviderReference+") but transfer could not be finalized"), nil
	}
	out.Transfer = done
	d.logger.Info("payout settled",
		zap.String("transfer_id", t.TransferID),
		zap.String("method", string(s.Method)),
		zap.String("reference", s.ProviderReference),
	)
	return out, nil
}

func (d *Dispatcher) escalate(ctx context.Context, t *domain.Transfer, reason string) Outcome {
	if _, err := d.transfers.Fail(ctx, t.TransferID, reason); err != nil {
		d.logger.Error("escalating transfer failed", zap.String("transfer_id", t.TransferID), zap.Error(err))
	}
	return Failed{Reason: reason, Escalated: true}
}

func (d *Dispatcher) observe(m domain.PayoutMethod, out Outcome) {
	if d.onDispatch != nil {
		d.onDispatch(m, Name(out))
	}
}
