// Package transfer owns the SendTransfer lifecycle. Every status change goes
// through the Orchestrator and is a compare-and-swap on the stored version.
package transfer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"claimrails/internal/apperr"
	"claimrails/internal/config"
	"claimrails/internal/domain"
	"claimrails/internal/escrow"
	"claimrails/internal/notify"
	"claimrails/internal/retry"
	"claimrails/internal/vault"
)

const maxMemoLength = 140

// OTPIssuer starts a claim session for a transfer already in CLAIM_STARTED.
type OTPIssuer interface {
	IssueOtp(ctx context.Context, transferID string) (*domain.ClaimSession, error)
}

type Config struct {
	Transfers    config.TransferConfig
	ChainID      int64
	ClaimBaseURL string
}

func ConfigFrom(cfg *config.AppConfig) Config {
	return Config{
		Transfers:    cfg.Transfers,
		ChainID:      cfg.Chain.ChainID,
		ClaimBaseURL: cfg.Claim.BaseURL,
	}
}

type Deps struct {
	Store    Store
	Usage    UsageReporter
	Gateway  escrow.Gateway
	Vault    *vault.Vault
	Notifier notify.Notifier
	// OTP may be set after construction with SetOTPIssuer.
	OTP          OTPIssuer
	Retry        retry.Policy
	Logger       *zap.Logger
	Now          func() time.Time
	OnTransition func(from, to domain.TransferStatus)
}

type Orchestrator struct {
	cfg          Config
	store        Store
	usage        UsageReporter
	gateway      escrow.Gateway
	vault        *vault.Vault
	notifier     notify.Notifier
	otp          OTPIssuer
	retry        retry.Policy
	logger       *zap.Logger
	now          func() time.Time
	onTransition func(from, to domain.TransferStatus)
}

func New(cfg Config, deps Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:          cfg,
		store:        deps.Store,
		usage:        deps.Usage,
		gateway:      deps.Gateway,
		vault:        deps.Vault,
		notifier:     deps.Notifier,
		otp:          deps.OTP,
		retry:        deps.Retry,
		logger:       deps.Logger,
		now:          deps.Now,
		onTransition: deps.OnTransition,
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	o.logger = o.logger.With(zap.String("component", "transfer"))
	if o.now == nil {
		o.now = time.Now
	}
	if o.usage == nil {
		if u, ok := deps.Store.(UsageReporter); ok {
			o.usage = u
		}
	}
	return o
}

func (o *Orchestrator) SetOTPIssuer(otp OTPIssuer) { o.otp = otp }

type PrepareRequest struct {
	Sender        string
	Recipient     string
	Amount        string
	FundingSource string
	Memo          string
	Region        string
	ChainID       int64
}

type RecipientView struct {
	Type   string
	Masked string
}

type Limits struct {
	DailyCap  decimal.Decimal
	DailyUsed decimal.Decimal
}

type PrepareResult struct {
	Transfer  *domain.Transfer
	Recipient RecipientView
	Limits    Limits
}

type ConfirmResult struct {
	Transfer            *domain.Transfer
	ClaimURL            string
	NotificationWarning string
}

// Prepare validates a send request and stores it as PREPARED. The raw
// contact only leaves this call encrypted.
func (o *Orchestrator) Prepare(ctx context.Context, req PrepareRequest) (*PrepareResult, error) {
	sender := strings.TrimSpace(req.Sender)
	if sender == "" {
		return nil, apperr.New(apperr.KindValidation, "sender is required")
	}
	amount, err := o.parseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	contact, err := vault.ParseContact(req.Recipient)
	if err != nil {
		return nil, err
	}
	if len(req.Memo) > maxMemoLength {
		return nil, apperr.Newf(apperr.KindValidation, "memo must be at most %d characters", maxMemoLength)
	}

	sourceName := strings.ToUpper(strings.TrimSpace(req.FundingSource))
	source, ok := o.cfg.Transfers.FundingSources[sourceName]
	if !ok {
		return nil, apperr.Newf(apperr.KindValidation, "unsupported funding source %q", req.FundingSource)
	}
	region := strings.ToUpper(strings.TrimSpace(req.Region))
	if region == "" {
		region = o.cfg.Transfers.DefaultRegion
	}
	methods, err := o.eligibleMethods(region, source)
	if err != nil {
		return nil, err
	}
	chainID := req.ChainID
	if chainID == 0 {
		chainID = o.cfg.ChainID
	}
	if chainID != o.cfg.ChainID {
		return nil, apperr.Newf(apperr.KindValidation, "chain %d is not supported", chainID)
	}

	fee := source.SponsorFee
	total := amount.Add(fee)
	now := o.now().UTC()

	used := decimal.Zero
	if o.usage != nil {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		used, err = o.usage.DailyUsage(ctx, sender, dayStart)
		if err != nil {
			return nil, fmt.Errorf("daily usage: %w", err)
		}
	}
	if used.Add(total).GreaterThan(o.cfg.Transfers.DailyCap) {
		return nil, apperr.Newf(apperr.KindLimitExceeded, "daily transfer cap of %s USDC would be exceeded", o.cfg.Transfers.DailyCap.StringFixed(2))
	}

	transferID, err := newTransferID()
	if err != nil {
		return nil, err
	}
	sealed, err := o.vault.Encrypt([]byte(contact.Value), vault.ContactContext(transferID))
	if err != nil {
		return nil, err
	}

	t := &domain.Transfer{
		ID:                uuid.NewString(),
		TransferID:        transferID,
		Sender:            sender,
		Principal:         amount,
		SponsorFee:        fee,
		TotalLocked:       total,
		RecipientType:     string(contact.Type),
		RecipientMasked:   contact.Masked(),
		RecipientHintHash: contact.Hint(),
		EncryptedContact:  sealed,
		FundingSource:     sourceName,
		Memo:              req.Memo,
		ChainID:           chainID,
		Region:            region,
		PayoutMethods:     methods,
		ExpiresAt:         now.Add(o.cfg.Transfers.TTL),
		Status:            domain.StatusPrepared,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := o.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("store transfer: %w", err)
	}

	o.logger.Info("transfer prepared",
		zap.String("transfer_id", transferID),
		zap.String("recipient", t.RecipientMasked),
		zap.String("total_locked", total.String()),
		zap.String("region", region),
	)
	return &PrepareResult{
		Transfer:  t,
		Recipient: RecipientView{Type: t.RecipientType, Masked: t.RecipientMasked},
		Limits:    Limits{DailyCap: o.cfg.Transfers.DailyCap, DailyUsed: used.Add(total)},
	}, nil
}

func (o *Orchestrator) parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, apperr.New(apperr.KindValidation, "amount must be a decimal number")
	}
	if !amount.IsPositive() {
		return decimal.Zero, apperr.New(apperr.KindValidation, "amount must be greater than zero")
	}
	if !amount.Equal(amount.Truncate(6)) {
		return decimal.Zero, apperr.New(apperr.KindValidation, "amount has more than 6 decimal places")
	}
	if amount.LessThan(o.cfg.Transfers.MinAmount) || amount.GreaterThan(o.cfg.Transfers.MaxAmount) {
		return decimal.Zero, apperr.Newf(apperr.KindValidation, "amount must be between %s and %s",
			o.cfg.Transfers.MinAmount, o.cfg.Transfers.MaxAmount)
	}
	return amount, nil
}

// eligibleMethods is the region's list narrowed by the funding source's
// restriction, in region order.
func (o *Orchestrator) eligibleMethods(region string, source config.FundingSource) ([]domain.PayoutMethod, error) {
	regionMethods, ok := o.cfg.Transfers.RegionMethods[region]
	if !ok {
		return nil, apperr.Newf(apperr.KindValidation, "unsupported region %q", region)
	}
	var out []domain.PayoutMethod
	for _, raw := range regionMethods {
		m, ok := domain.ParsePayoutMethod(raw)
		if !ok {
			continue
		}
		if len(source.PayoutMethods) > 0 && !containsFold(source.PayoutMethods, raw) {
			continue
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, apperr.Newf(apperr.KindValidation, "no payout method is available in region %s for this funding source", region)
	}
	return out, nil
}

// LockFunds creates the escrow lock with the service's own signer and then
// confirms it like any sender-submitted transaction.
func (o *Orchestrator) LockFunds(ctx context.Context, transferID string) (*ConfirmResult, error) {
	t, err := o.store.Get(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.EscrowTxHash != "" {
		return o.ConfirmLock(ctx, t.TransferID, t.EscrowTxHash)
	}
	if t.Status != domain.StatusPrepared {
		return nil, apperr.Newf(apperr.KindInvalidStateTransition, "transfer is %s", t.Status)
	}
	if t.Expired(o.now()) {
		return nil, o.expireNow(ctx, t, "expired before funds were locked")
	}

	txHash, err := retry.Do(ctx, o.retry, func(ctx context.Context) (string, error) {
		return o.gateway.CreateLock(ctx, escrow.LockRequest{
			TransferID:        t.TransferID,
			Principal:         t.Principal,
			SponsorFee:        t.SponsorFee,
			Expiry:            t.ExpiresAt,
			RecipientHintHash: t.RecipientHintHash,
		})
	})
	if err != nil {
		o.logger.Warn("escrow lock failed", zap.String("transfer_id", t.TransferID), zap.Error(err))
		return nil, err
	}
	return o.ConfirmLock(ctx, t.TransferID, txHash)
}

// ConfirmLock advances PREPARED to LOCK_CONFIRMED once the chain shows the
// lock matches the transfer exactly. Repeating it with the same hash returns
// the same result.
func (o *Orchestrator) ConfirmLock(ctx context.Context, transferID, escrowTxHash string) (*ConfirmResult, error) {
	txHash, err := escrow.NormalizeTxHash(escrowTxHash)
	if err != nil {
		return nil, err
	}
	t, err := o.store.Get(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if res, done, err := o.alreadyConfirmed(t, txHash); done {
		return res, err
	}
	if t.Status != domain.StatusPrepared {
		return nil, apperr.Newf(apperr.KindInvalidStateTransition, "transfer is %s", t.Status)
	}
	if t.Expired(o.now()) {
		return nil, o.expireNow(ctx, t, "expired before lock confirmation")
	}

	obs, err := retry.Do(ctx, o.retry, func(ctx context.Context) (escrow.LockObservation, error) {
		return o.gateway.VerifyLock(ctx, t.TransferID, txHash)
	})
	if err != nil {
		o.logger.Warn("escrow lock verification failed", zap.String("transfer_id", t.TransferID), zap.Error(err))
		return nil, err
	}
	if err := matchLock(t, obs); err != nil {
		o.logger.Warn("escrow lock does not match transfer",
			zap.String("transfer_id", t.TransferID),
			zap.String("tx_hash", txHash),
			zap.Error(err),
		)
		return nil, err
	}

	err = o.transition(ctx, t, domain.StatusLockConfirmed, "escrow lock verified", func(n *domain.Transfer) {
		n.EscrowTxHash = txHash
	})
	if err != nil {
		// A concurrent confirm with the same hash won the race.
		if cur, gerr := o.store.Get(ctx, transferID); gerr == nil {
			if res, done, derr := o.alreadyConfirmed(cur, txHash); done && derr == nil {
				return res, nil
			}
		}
		return nil, err
	}

	res := &ConfirmResult{Transfer: t, ClaimURL: o.claimURL(t.TransferID)}
	if err := o.sendClaimLink(ctx, t, res.ClaimURL); err != nil {
		o.logger.Warn("claim link notification failed", zap.String("transfer_id", t.TransferID), zap.Error(err))
		res.NotificationWarning = "claim link could not be delivered to the recipient; share the claim URL directly"
	}
	return res, nil
}

func (o *Orchestrator) alreadyConfirmed(t *domain.Transfer, txHash string) (*ConfirmResult, bool, error) {
	if t.EscrowTxHash == "" {
		return nil, false, nil
	}
	if !strings.EqualFold(t.EscrowTxHash, txHash) {
		return nil, true, apperr.New(apperr.KindInvalidStateTransition, "transfer is already confirmed by a different transaction")
	}
	return &ConfirmResult{Transfer: t, ClaimURL: o.claimURL(t.TransferID)}, true, nil
}

func matchLock(t *domain.Transfer, obs escrow.LockObservation) error {
	switch {
	case !strings.EqualFold(obs.TransferID, t.TransferID):
		return apperr.New(apperr.KindEscrowMismatch, "escrow lock is for a different transfer")
	case !obs.Amount.Equal(t.TotalLocked):
		return apperr.Newf(apperr.KindEscrowMismatch, "escrow locked %s, expected %s", obs.Amount, t.TotalLocked)
	case !strings.EqualFold(obs.RecipientHintHash, t.RecipientHintHash):
		return apperr.New(apperr.KindEscrowMismatch, "escrow lock is bound to a different recipient")
	case obs.ChainID != t.ChainID:
		return apperr.Newf(apperr.KindEscrowMismatch, "escrow lock is on chain %d, expected %d", obs.ChainID, t.ChainID)
	}
	return nil
}

func (o *Orchestrator) sendClaimLink(ctx context.Context, t *domain.Transfer, claimURL string) error {
	if o.notifier == nil {
		return nil
	}
	contact, err := o.contact(t)
	if err != nil {
		return err
	}
	return o.notifier.Send(ctx, notify.Message{
		Kind:       notify.KindClaimLink,
		To:         contact,
		TransferID: t.TransferID,
		ClaimURL:   claimURL,
		ExpiresAt:  t.ExpiresAt,
	})
}

func (o *Orchestrator) contact(t *domain.Transfer) (vault.Contact, error) {
	plain, err := o.vault.Decrypt(t.EncryptedContact, vault.ContactContext(t.TransferID))
	if err != nil {
		o.logger.Error("stored contact could not be decrypted", zap.String("transfer_id", t.TransferID))
		return vault.Contact{}, err
	}
	return vault.Contact{Type: vault.ContactType(t.RecipientType), Value: string(plain)}, nil
}

func (o *Orchestrator) claimURL(transferID string) string {
	return o.cfg.ClaimBaseURL + "/claim/" + transferID
}

// StartClaim moves LOCK_CONFIRMED to CLAIM_STARTED and issues the first OTP.
func (o *Orchestrator) StartClaim(ctx context.Context, transferID string) (*domain.ClaimSession, error) {
	t, err := o.store.Get(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if err := o.checkLive(ctx, t); err != nil {
		return nil, err
	}
	if t.Status != domain.StatusLockConfirmed {
		return nil, apperr.Newf(apperr.KindInvalidStateTransition, "claim cannot start while transfer is %s", t.Status)
	}
	if err := o.transition(ctx, t, domain.StatusClaimStarted, "recipient started claim", nil); err != nil {
		return nil, err
	}
	return o.issue(ctx, t)
}

// ResendOtp issues a fresh passcode for a claim in progress. The claim
// service enforces the resend cooldown.
func (o *Orchestrator) ResendOtp(ctx context.Context, transferID string) (*domain.ClaimSession, error) {
	t, err := o.store.Get(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if err := o.checkLive(ctx, t); err != nil {
		return nil, err
	}
	if t.Status != domain.StatusClaimStarted {
		return nil, apperr.Newf(apperr.KindInvalidStateTransition, "no claim in progress for transfer in %s", t.Status)
	}
	return o.issue(ctx, t)
}

func (o *Orchestrator) issue(ctx context.Context, t *domain.Transfer) (*domain.ClaimSession, error) {
	if o.otp == nil {
		return nil, apperr.New(apperr.KindUnavailable, "claim authentication is not configured")
	}
	return o.otp.IssueOtp(ctx, t.TransferID)
}

// checkLive expires an overdue transfer on the spot.
func (o *Orchestrator) checkLive(ctx context.Context, t *domain.Transfer) error {
	if t.Status == domain.StatusExpired {
		return apperr.New(apperr.KindTransferExpired, "transfer has expired")
	}
	if !t.Status.Terminal() && t.Expired(o.now()) && t.ReleaseTxHash == "" {
		return o.expireNow(ctx, t, "expired before claim")
	}
	return nil
}

// expireNow moves t to EXPIRED and returns the TransferExpired error the
// caller surfaces. A transfer the sweep or another request already expired
// reports the same error.
func (o *Orchestrator) expireNow(ctx context.Context, t *domain.Transfer, reason string) error {
	if err := o.expire(ctx, t, reason); err != nil && apperr.KindOf(err) != apperr.KindInvalidStateTransition {
		return err
	}
	return apperr.New(apperr.KindTransferExpired, "transfer has expired")
}

func (o *Orchestrator) expire(ctx context.Context, t *domain.Transfer, reason string) error {
	locked := t.Status.FundsLocked()
	if err := o.transition(ctx, t, domain.StatusExpired, reason, nil); err != nil {
		return err
	}
	if locked {
		o.refundExpired(ctx, t)
	}
	return nil
}

// refundExpired returns locked funds of an expired transfer to the sender.
// Failures are logged; the sweep retries transfers still missing a refund.
func (o *Orchestrator) refundExpired(ctx context.Context, t *domain.Transfer) {
	txHash, err := retry.Do(ctx, o.retry, func(ctx context.Context) (string, error) {
		return o.gateway.Refund(ctx, t.TransferID)
	})
	if err != nil {
		o.logger.Error("escrow refund for expired transfer failed", zap.String("transfer_id", t.TransferID), zap.Error(err))
		return
	}
	if err := o.save(ctx, t, "escrow refunded", func(n *domain.Transfer) { n.RefundTxHash = txHash }); err != nil {
		o.logger.Error("recording refund failed",
			zap.String("transfer_id", t.TransferID),
			zap.String("tx_hash", txHash),
			zap.Error(err),
		)
	}
}

// FinalizeClaim records a completed payout. Only a transfer in CLAIM_STARTED
// can be finalized, so a single claim cannot settle twice.
func (o *Orchestrator) FinalizeClaim(ctx context.Context, transferID string, s domain.Settlement) (*domain.Transfer, error) {
	t, err := o.store.Get(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.StatusClaimStarted {
		return nil, apperr.Newf(apperr.KindInvalidStateTransition, "cannot finalize transfer in %s", t.Status)
	}
	if !t.Eligible(s.Method) {
		return nil, apperr.Newf(apperr.KindValidation, "payout method %s is not eligible for this transfer", s.Method)
	}
	err = o.transition(ctx, t, s.Method.ClaimedStatus(), "payout settled via "+string(s.Method), func(n *domain.Transfer) {
		n.PayoutMethod = s.Method
		n.ProviderReference = s.ProviderReference
		if s.ReleaseTxHash != "" {
			n.ReleaseTxHash = s.ReleaseTxHash
		}
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// RecordRelease stores the escrow release hash of a payout in progress so a
// retried payout does not release again.
func (o *Orchestrator) RecordRelease(ctx context.Context, transferID, txHash string) error {
	t, err := o.store.Get(ctx, transferID)
	if err != nil {
		return err
	}
	if strings.EqualFold(t.ReleaseTxHash, txHash) {
		return nil
	}
	if t.Status != domain.StatusClaimStarted || t.ReleaseTxHash != "" {
		return apperr.Newf(apperr.KindInvalidStateTransition, "cannot record release for transfer in %s", t.Status)
	}
	return o.save(ctx, t, "escrow released to treasury", func(n *domain.Transfer) { n.ReleaseTxHash = txHash })
}

// Fail escalates a transfer to FAILED for manual resolution.
func (o *Orchestrator) Fail(ctx context.Context, transferID, reason string) (*domain.Transfer, error) {
	t, err := o.store.Get(ctx, transferID)
	if err != nil {
		return nil, err
	}
	err = o.transition(ctx, t, domain.StatusFailed, reason, func(n *domain.Transfer) { n.FailureReason = reason })
	if err != nil {
		return nil, err
	}
	o.logger.Error("transfer escalated to FAILED", zap.String("transfer_id", t.TransferID), zap.String("reason", reason))
	return t, nil
}

// Refund returns a confirmed but unclaimed transfer to its sender.
func (o *Orchestrator) Refund(ctx context.Context, transferID string) (*domain.Transfer, error) {
	t, err := o.store.Get(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.Status == domain.StatusRefunded {
		return t, nil
	}
	if t.Status != domain.StatusLockConfirmed {
		return nil, apperr.Newf(apperr.KindInvalidStateTransition, "cannot refund transfer in %s", t.Status)
	}

	txHash, err := retry.Do(ctx, o.retry, func(ctx context.Context) (string, error) {
		return o.gateway.Refund(ctx, t.TransferID)
	})
	if err != nil {
		return nil, err
	}
	err = o.transition(ctx, t, domain.StatusRefunded, "sender refund", func(n *domain.Transfer) { n.RefundTxHash = txHash })
	if err != nil {
		// The chain already refunded; whatever raced us cannot pay out.
		if _, ferr := o.Fail(ctx, transferID, "escrow refunded while transfer changed concurrently: "+txHash); ferr != nil {
			o.logger.Error("escalating refunded transfer failed", zap.String("transfer_id", transferID), zap.Error(ferr))
		}
		return nil, err
	}
	return t, nil
}

// ExpireSweep expires every overdue non-terminal transfer and refunds the
// ones holding locked funds. It returns how many transfers it expired.
func (o *Orchestrator) ExpireSweep(ctx context.Context) (int, error) {
	due, err := o.store.ListExpired(ctx, o.now(), 500)
	if err != nil {
		return 0, fmt.Errorf("list expired transfers: %w", err)
	}

	expired := 0
	for _, t := range due {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		if t.ReleaseTxHash != "" {
			// Funds already left escrow for a payout that never completed.
			if _, err := o.Fail(ctx, t.TransferID, "expired after escrow release; payout incomplete"); err != nil {
				o.logger.Warn("escalating expired transfer failed", zap.String("transfer_id", t.TransferID), zap.Error(err))
			}
			continue
		}
		if err := o.expire(ctx, t, "expiry sweep"); err != nil {
			o.logger.Warn("sweep could not expire transfer", zap.String("transfer_id", t.TransferID), zap.Error(err))
			continue
		}
		expired++
	}

	pending, err := o.store.ListPendingRefunds(ctx, 100)
	if err != nil {
		return expired, fmt.Errorf("list pending refunds: %w", err)
	}
	for _, t := range pending {
		o.refundExpired(ctx, t)
	}

	if expired > 0 {
		o.logger.Info("expiry sweep finished", zap.Int("expired", expired), zap.Int("refund_retries", len(pending)))
	}
	return expired, nil
}

func (o *Orchestrator) Get(ctx context.Context, transferID string) (*domain.Transfer, error) {
	return o.store.Get(ctx, transferID)
}

func (o *Orchestrator) Events(ctx context.Context, transferID string) ([]domain.Event, error) {
	return o.store.Events(ctx, transferID)
}

// transition applies one lifecycle edge. A lost compare-and-swap surfaces as
// InvalidStateTransition.
func (o *Orchestrator) transition(ctx context.Context, t *domain.Transfer, to domain.TransferStatus, reason string, mutate func(*domain.Transfer)) error {
	from := t.Status
	if !domain.CanTransition(from, to) {
		return apperr.Newf(apperr.KindInvalidStateTransition, "transfer cannot move from %s to %s", from, to)
	}
	if err := o.write(ctx, t, to, reason, mutate); err != nil {
		return err
	}
	if o.onTransition != nil {
		o.onTransition(from, to)
	}
	o.logger.Info("transfer status changed",
		zap.String("transfer_id", t.TransferID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)
	return nil
}

// save persists a non-status change with an audit entry.
func (o *Orchestrator) save(ctx context.Context, t *domain.Transfer, reason string, mutate func(*domain.Transfer)) error {
	return o.write(ctx, t, t.Status, reason, mutate)
}

func (o *Orchestrator) write(ctx context.Context, t *domain.Transfer, to domain.TransferStatus, reason string, mutate func(*domain.Transfer)) error {
	next := t.Clone()
	next.Status = to
	next.UpdatedAt = o.now().UTC()
	if mutate != nil {
		mutate(next)
	}
	ev := &domain.Event{TransferID: t.TransferID, From: t.Status, To: to, Reason: reason, At: next.UpdatedAt}
	if err := o.store.Update(ctx, next, ev); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return apperr.New(apperr.KindInvalidStateTransition, "transfer was modified concurrently")
		}
		return err
	}
	*t = *next
	return nil
}

func newTransferID() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate transfer id: %w", err)
	}
	return "0x" + hex.EncodeToString(b[:]), nil
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
