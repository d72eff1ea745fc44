// Package claim gates claim progression behind a one-time passcode sent to
// the recipient's real contact, and mints the single-use token a payout
// needs.
package claim

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"claimrails/internal/apperr"
	"claimrails/internal/config"
	"claimrails/internal/domain"
	"claimrails/internal/hmacauth"
	"claimrails/internal/notify"
	"claimrails/internal/vault"
)

const codeDigits = 6

// payoutLease outlasts a dispatch with every retry exhausted.
const payoutLease = 15 * time.Minute

// Transfers is the read access the claim path needs.
type Transfers interface {
	Get(ctx context.Context, transferID string) (*domain.Transfer, error)
}

type Deps struct {
	Transfers Transfers
	Sessions  SessionStore
	Vault     *vault.Vault
	Notifier  notify.Notifier
	Signer    *hmacauth.Signer
	Logger    *zap.Logger
	Now       func() time.Time
	// OnVerify receives one of "success", "invalid_code", "exhausted",
	// "expired" per verification.
	OnVerify func(result string)
}

type Service struct {
	cfg       config.ClaimConfig
	transfers Transfers
	sessions  SessionStore
	vault     *vault.Vault
	notifier  notify.Notifier
	signer    *hmacauth.Signer
	logger    *zap.Logger
	now       func() time.Time
	onVerify  func(string)
}

func NewService(cfg config.ClaimConfig, deps Deps) *Service {
	s := &Service{
		cfg:       cfg,
		transfers: deps.Transfers,
		sessions:  deps.Sessions,
		vault:     deps.Vault,
		notifier:  deps.Notifier,
		signer:    deps.Signer,
		logger:    deps.Logger,
		now:       deps.Now,
		onVerify:  deps.OnVerify,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("component", "claim"))
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// IssueOtp starts a new session for a transfer in CLAIM_STARTED, replacing
// any earlier one. The contact is resolved here from the encrypted copy; the
// caller never supplies it.
func (s *Service) IssueOtp(ctx context.Context, transferID string) (*domain.ClaimSession, error) {
	t, err := s.transfers.Get(ctx, transferID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := checkClaimable(t, now); err != nil {
		return nil, err
	}

	granted, err := s.sessions.GrantUntil(ctx, t.TransferID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "claim session store unavailable", err)
	}
	if granted.After(now) {
		wait := granted.Sub(now).Round(time.Second)
		e := apperr.Newf(apperr.KindTooSoon, "a claim token is still valid; a new code can be requested in %d seconds", int(wait.Seconds()))
		e.RetryAfter = wait
		return nil, e
	}

	wait, err := s.sessions.TakeCooldown(ctx, t.TransferID, now, s.cfg.ResendCooldown)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "claim session store unavailable", err)
	}
	if wait > 0 {
		e := apperr.Newf(apperr.KindTooSoon, "a new code can be requested in %d seconds", int(wait.Seconds()))
		e.RetryAfter = wait
		return nil, e
	}

	session, err := s.issue(ctx, t, now)
	if err != nil {
		if rerr := s.sessions.ReleaseCooldown(ctx, t.TransferID); rerr != nil {
			s.logger.Warn("releasing resend cooldown failed", zap.String("transfer_id", t.TransferID), zap.Error(rerr))
		}
		return nil, err
	}
	return session, nil
}

func (s *Service) issue(ctx context.Context, t *domain.Transfer, now time.Time) (*domain.ClaimSession, error) {
	plain, err := s.vault.Decrypt(t.EncryptedContact, vault.ContactContext(t.TransferID))
	if err != nil {
		s.logger.Error("stored contact could not be decrypted", zap.String("transfer_id", t.TransferID))
		return nil, err
	}
	contact := vault.Contact{Type: vault.ContactType(t.RecipientType), Value: string(plain)}

	code, err := newCode()
	if err != nil {
		return nil, err
	}
	otpExpiry := now.Add(s.cfg.OTPTTL)
	if otpExpiry.After(t.ExpiresAt) {
		otpExpiry = t.ExpiresAt
	}
	session := &domain.ClaimSession{
		ID:                    uuid.NewString(),
		TransferID:            t.TransferID,
		OTPExpiresAt:          otpExpiry,
		MaxAttempts:           s.cfg.MaxAttempts,
		ResendCooldownSeconds: int(s.cfg.ResendCooldown / time.Second),
		RecipientMasked:       contact.Masked(),
		IssuedAt:              now,
	}
	session.CodeHash = s.codeHash(session.ID, code)

	if err := s.sessions.PutSession(ctx, session, otpExpiry.Sub(now)); err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "claim session store unavailable", err)
	}
	err = s.notifier.Send(ctx, notify.Message{
		Kind:       notify.KindOTP,
		To:         contact,
		TransferID: t.TransferID,
		Code:       code,
		ExpiresAt:  otpExpiry,
	})
	if err != nil {
		if cerr := s.sessions.CloseSession(ctx, session.ID); cerr != nil {
			s.logger.Warn("withdrawing undelivered session failed", zap.String("session_id", session.ID), zap.Error(cerr))
		}
		s.logger.Warn("passcode delivery failed", zap.String("transfer_id", t.TransferID), zap.Error(err))
		if _, ok := apperr.As(err); ok {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.KindUnavailable, "passcode could not be delivered", err)
	}

	s.logger.Info("claim passcode issued",
		zap.String("transfer_id", t.TransferID),
		zap.String("session_id", session.ID),
		zap.String("recipient", session.RecipientMasked),
	)
	out := *session
	out.CodeHash = nil
	return &out, nil
}

// VerifyOtp counts the attempt before looking at the code, so every call,
// malformed or concurrent, consumes exactly one attempt.
func (s *Service) VerifyOtp(ctx context.Context, sessionID, code string) (*domain.ClaimGrant, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, apperr.New(apperr.KindValidation, "claimSessionId is required")
	}

	n, err := s.sessions.IncrementAttempts(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		s.observe("expired")
		return nil, apperr.New(apperr.KindSessionExpired, "claim session is no longer active; request a new code")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "claim session store unavailable", err)
	}
	session, err := s.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		s.observe("expired")
		return nil, apperr.New(apperr.KindSessionExpired, "claim session is no longer active; request a new code")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "claim session store unavailable", err)
	}
	if n > session.MaxAttempts {
		s.observe("exhausted")
		return nil, exhausted()
	}

	active, err := s.sessions.ActiveSession(ctx, session.TransferID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "claim session store unavailable", err)
	}
	now := s.now()
	if active != session.ID || !now.Before(session.OTPExpiresAt) {
		s.observe("expired")
		return nil, apperr.New(apperr.KindSessionExpired, "claim session is no longer active; request a new code")
	}

	t, err := s.transfers.Get(ctx, session.TransferID)
	if err != nil {
		return nil, err
	}
	if err := checkClaimable(t, now); err != nil {
		return nil, err
	}

	if !hmacauth.Equal(s.codeHash(session.ID, normalizeCode(code)), session.CodeHash) {
		left := session.MaxAttempts - n
		if left <= 0 {
			s.observe("exhausted")
			return nil, exhausted()
		}
		s.observe("invalid_code")
		e := apperr.Newf(apperr.KindInvalidCode, "incorrect code, %d attempts remaining", left)
		e.RemainingAttempts = &left
		return nil, e
	}

	expiresAt := now.Add(s.cfg.TokenTTL)
	if session.OTPExpiresAt.Before(expiresAt) {
		expiresAt = session.OTPExpiresAt
	}
	if t.ExpiresAt.Before(expiresAt) {
		expiresAt = t.ExpiresAt
	}

	// One live token per transfer: of two correct submissions, or a second
	// session verified while a token is outstanding, only one is granted.
	granted, err := s.sessions.TakeGrant(ctx, t.TransferID, now, expiresAt)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "claim session store unavailable", err)
	}
	if err := s.sessions.CloseSession(ctx, session.ID); err != nil {
		s.logger.Warn("closing verified session failed", zap.String("session_id", session.ID), zap.Error(err))
	}
	if !granted {
		s.observe("expired")
		return nil, apperr.New(apperr.KindSessionExpired, "claim session is no longer active; a claim token was already issued")
	}
	token, err := signToken(s.signer, Token{
		TransferID: t.TransferID,
		SessionID:  session.ID,
		ID:         uuid.NewString(),
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("sign claim token: %w", err)
	}

	s.observe("success")
	s.logger.Info("claim passcode verified", zap.String("transfer_id", t.TransferID), zap.String("session_id", session.ID))
	return &domain.ClaimGrant{
		Token:         token,
		ExpiresAt:     expiresAt,
		Transfer:      t,
		PayoutMethods: t.PayoutMethods,
	}, nil
}

// ParseToken checks a claim token's signature and expiry.
func (s *Service) ParseToken(raw string) (*Token, error) {
	return parseToken(s.signer, raw, s.now())
}

// ConsumeToken marks tok used. Exactly one concurrent caller wins; the
// others get TokenAlreadyConsumed.
func (s *Service) ConsumeToken(ctx context.Context, tok *Token) error {
	ttl := tok.ExpiresAt.Sub(s.now()) + time.Minute
	ok, err := s.sessions.ConsumeToken(ctx, tok.ID, ttl)
	if err != nil {
		return apperr.Wrap(apperr.KindUnavailable, "claim session store unavailable", err)
	}
	if !ok {
		return apperr.New(apperr.KindTokenAlreadyConsumed, "claim token has already been used")
	}
	return nil
}

// ReleaseToken makes tok usable again after a payout step that moved no
// funds, such as onboarding or a fallback offer.
func (s *Service) ReleaseToken(ctx context.Context, tok *Token) error {
	return s.sessions.ReleaseToken(ctx, tok.ID)
}

// LockPayout takes the transfer's payout lock for the length of a dispatch,
// so two dispatches never move funds for one transfer at the same time.
func (s *Service) LockPayout(ctx context.Context, transferID string) error {
	ok, err := s.sessions.LockPayout(ctx, transferID, payoutLease)
	if err != nil {
		return apperr.Wrap(apperr.KindUnavailable, "claim session store unavailable", err)
	}
	if !ok {
		return apperr.New(apperr.KindInvalidStateTransition, "a payout for this transfer is already in progress")
	}
	return nil
}

func (s *Service) UnlockPayout(ctx context.Context, transferID string) error {
	return s.sessions.UnlockPayout(ctx, transferID)
}

func (s *Service) observe(result string) {
	if s.onVerify != nil {
		s.onVerify(result)
	}
}

func (s *Service) codeHash(sessionID, code string) []byte {
	return s.signer.MAC([]byte("otp"), []byte(sessionID), []byte(code))
}

func checkClaimable(t *domain.Transfer, now time.Time) error {
	if t.Status == domain.StatusExpired || (!t.Status.Terminal() && t.Expired(now)) {
		return apperr.New(apperr.KindTransferExpired, "transfer has expired")
	}
	if t.Status != domain.StatusClaimStarted {
		return apperr.Newf(apperr.KindInvalidStateTransition, "no claim in progress for transfer in %s", t.Status)
	}
	return nil
}

func exhausted() error {
	zero := 0
	e := apperr.New(apperr.KindAttemptsExhausted, "too many incorrect codes; request a new code")
	e.RemainingAttempts = &zero
	return e
}

func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate passcode: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

func normalizeCode(code string) string {
	return strings.ReplaceAll(strings.TrimSpace(code), " ", "")
}
