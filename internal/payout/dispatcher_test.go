package payout

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"claimrails/internal/apperr"
	"claimrails/internal/claim"
	"claimrails/internal/config"
	"claimrails/internal/domain"
	"claimrails/internal/escrow"
	"claimrails/internal/hmacauth"
	"claimrails/internal/notify"
	"claimrails/internal/retry"
	"claimrails/internal/transfer"
	"claimrails/internal/vault"
)

const (
	chainID  = 84532
	treasury = "0x000000000000000000000000000000000000dEaD"
	wallet   = "0x1111111111111111111111111111111111111111"
)

type env struct {
	orch     *transfer.Orchestrator
	claims   *claim.Service
	gateway  *escrow.FakeClient
	notifier *notify.Memory
	debit    *SandboxProvider
	bank     *SandboxProvider
	disp     *Dispatcher

	mu       sync.Mutex
	now      time.Time
	outcomes []string
}

func (e *env) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *env) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

func newEnv(t *testing.T) *env {
	t.Helper()
	v, err := vault.New(base64.StdEncoding.EncodeToString(make([]byte, vault.KeySize)))
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)

	e := &env{
		gateway:  escrow.NewFakeClient(chainID),
		notifier: &notify.Memory{},
		debit:    &SandboxProvider{ProviderName: "provider_a", Rail: domain.PayoutDebit},
		bank:     &SandboxProvider{ProviderName: "provider_b", Rail: domain.PayoutBank},
		now:      time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC),
	}
	policy := retry.Default()
	policy.InitialBackoff = time.Millisecond
	policy.MaxBackoff = time.Millisecond

	e.orch = transfer.New(transfer.Config{
		Transfers: config.TransferConfig{
			MinAmount: decimal.RequireFromString("1"),
			MaxAmount: decimal.RequireFromString("1000"),
			DailyCap:  decimal.RequireFromString("5000"),
			TTL:       24 * time.Hour,
			FundingSources: map[string]config.FundingSource{
				"WALLET": {SponsorFee: decimal.RequireFromString("1.00")},
			},
			DefaultRegion: "US",
			RegionMethods: map[string][]string{"US": {"WALLET", "DEBIT", "BANK"}},
		},
		ChainID:      chainID,
		ClaimBaseURL: "https://claim.example",
	}, transfer.Deps{
		Store:    transfer.NewMemoryStore(),
		Gateway:  e.gateway,
		Vault:    v,
		Notifier: e.notifier,
		Retry:    policy,
		Logger:   logger,
		Now:      e.clock,
	})
	e.claims = claim.NewService(config.ClaimConfig{
		OTPTTL:         10 * time.Minute,
		TokenTTL:       5 * time.Minute,
		MaxAttempts:    5,
		ResendCooldown: time.Minute,
	}, claim.Deps{
		Transfers: e.orch,
		Sessions:  claim.NewMemoryStore(e.clock),
		Vault:     v,
		Notifier:  e.notifier,
		Signer:    &hmacauth.Signer{Secret: "claim-secret"},
		Logger:    logger,
		Now:       e.clock,
	})
	e.orch.SetOTPIssuer(e.claims)

	e.disp = NewDispatcher(Deps{
		Transfers: e.orch,
		Claims:    e.claims,
		Gateway:   e.gateway,
		Providers: []Provider{e.debit, e.bank},
		Treasury:  treasury,
		Retry:     policy,
		Logger:    logger,
		Now:       e.clock,
		OnDispatch: func(_ domain.PayoutMethod, outcome string) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.outcomes = append(e.outcomes, outcome)
		},
	})
	return e
}

// verified runs a transfer from prepare to a verified claim and returns it
// with its claim token.
func (e *env) verified(t *testing.T, amount string) (*domain.Transfer, string) {
	t.Helper()
	ctx := context.Background()
	prep, err := e.orch.Prepare(ctx, transfer.PrepareRequest{
		Sender:        "0xsender",
		Recipient:     "carol@example.com",
		Amount:        amount,
		FundingSource: "WALLET",
	})
	require.NoError(t, err)
	id := prep.Transfer.TransferID

	_, err = e.orch.LockFunds(ctx, id)
	require.NoError(t, err)
	session, err := e.orch.StartClaim(ctx, id)
	require.NoError(t, err)

	msg, ok := e.notifier.Last(id, notify.KindOTP)
	require.True(t, ok)
	grant, err := e.claims.VerifyOtp(ctx, session.ID, msg.Code)
	require.NoError(t, err)

	tr, err := e.orch.Get(ctx, id)
	require.NoError(t, err)
	return tr, grant.Token
}

func (e *env) status(t *testing.T, id string) domain.TransferStatus {
	t.Helper()
	tr, err := e.orch.Get(context.Background(), id)
	require.NoError(t, err)
	return tr.Status
}

func TestWalletClaimEndToEnd(t *testing.T) {
	e := newEnv(t)
	tr, token := e.verified(t, "100")
	assert.True(t, tr.TotalLocked.Equal(decimal.RequireFromString("101")))

	out, err := e.disp.Dispatch(context.Background(), Request{
		TransferID:         tr.TransferID,
		Token:              token,
		Method:             domain.PayoutWallet,
		DestinationAddress: wallet,
	})
	require.NoError(t, err)
	settled, ok := out.(Settled)
	require.True(t, ok, "got %T", out)
	assert.NotEmpty(t, settled.WalletTxHash)
	assert.Equal(t, domain.StatusClaimedWallet, settled.Transfer.Status)
	assert.Equal(t, settled.WalletTxHash, settled.Transfer.ReleaseTxHash)

	to, released := e.gateway.ReleasedTo(tr.TransferID)
	require.True(t, released)
	assert.Equal(t, wallet, to)

	events, err := e.orch.Events(context.Background(), tr.TransferID)
	require.NoError(t, err)
	var path []domain.TransferStatus
	for _, ev := range events {
		if ev.From != ev.To {
			path = append(path, ev.To)
		}
	}
	assert.Equal(t, []domain.TransferStatus{
		domain.StatusPrepared,
		domain.StatusLockConfirmed,
		domain.StatusClaimStarted,
		domain.StatusClaimedWallet,
	}, path)

	_, err = e.disp.Dispatch(context.Background(), Request{
		TransferID: tr.TransferID, Token: token, Method: domain.PayoutWallet, DestinationAddress: wallet,
	})
	require.ErrorIs(t, err, apperr.ErrTokenAlreadyConsumed)
}

func TestConcurrentDispatchSettlesOnce(t *testing.T) {
	e := newEnv(t)
	tr, token := e.verified(t, "50")

	var (
		mu       sync.Mutex
		settled  int
		consumed int
	)
	var g errgroup.Group
	for range 2 {
		g.Go(func() error {
			out, err := e.disp.Dispatch(context.Background(), Request{
				TransferID: tr.TransferID, Token: token, Method: domain.PayoutWallet, DestinationAddress: wallet,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, apperr.ErrTokenAlreadyConsumed):
				consumed++
			case err != nil:
				return err
			default:
				if _, ok := out.(Settled); ok {
					settled++
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, settled)
	assert.Equal(t, 1, consumed)
	assert.Equal(t, 1, e.gateway.Releases)
}

func TestWalletRejectsBadDestination(t *testing.T) {
	e := newEnv(t)
	tr, token := e.verified(t, "20")

	_, err := e.disp.Dispatch(context.Background(), Request{
		TransferID: tr.TransferID, Token: token, Method: domain.PayoutWallet, DestinationAddress: "0x123",
	})
	require.ErrorIs(t, err, apperr.ErrValidation)

	out, err := e.disp.Dispatch(context.Background(), Request{
		TransferID: tr.TransferID, Token: token, Method: domain.PayoutWallet, DestinationAddress: wallet,
	})
	require.NoError(t, err, "a rejected request hands the token back")
	assert.IsType(t, Settled{}, out)
}

func TestTokenForAnotherTransferRejected(t *testing.T) {
	e := newEnv(t)
	_, token := e.verified(t, "20")
	other, _ := e.verified(t, "30")

	_, err := e.disp.Dispatch(context.Background(), Request{
		TransferID: other.TransferID, Token: token, Method: domain.PayoutWallet, DestinationAddress: wallet,
	})
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDebitPayoutSettles(t *testing.T) {
	e := newEnv(t)
	tr, token := e.verified(t, "75")

	out, err := e.disp.Dispatch(context.Background(), Request{
		TransferID: tr.TransferID,
		Token:      token,
		Method:     domain.PayoutDebit,
		Payee:      Payee{Name: "Carol", Instrument: "card_tok_1"},
	})
	require.NoError(t, err)
	settled, ok := out.(Settled)
	require.True(t, ok, "got %T", out)
	assert.Equal(t, "provider_a", settled.Provider)
	assert.Equal(t, "provider_a-1", settled.ProviderReference)
	assert.NotEmpty(t, settled.TreasuryTxHash)
	assert.Equal(t, domain.StatusClaimedDebit, settled.Transfer.Status)

	to, _ := e.gateway.ReleasedTo(tr.TransferID)
	assert.Equal(t, treasury, to)
	executed := e.debit.Executed()
	require.Len(t, executed, 1)
	assert.True(t, executed[0].Amount.Equal(decimal.RequireFromString("75")), "the sponsor fee is not paid out")
	assert.Equal(t, "quote-"+tr.TransferID, executed[0].QuoteID)
}

func TestDebitFatalOffersBankFallback(t *testing.T) {
	e := newEnv(t)
	e.debit.QuoteErr = apperr.New(apperr.KindProviderFatal, "card not supported")
	tr, token := e.verified(t, "40")

	out, err := e.disp.Dispatch(context.Background(), Request{
		TransferID: tr.TransferID, Token: token, Method: domain.PayoutDebit,
		Payee: Payee{Instrument: "card_tok_1"},
	})
	require.NoError(t, err)
	fb, ok := out.(FallbackAvailable)
	require.True(t, ok, "got %T", out)
	assert.Equal(t, domain.PayoutBank, fb.Method)
	assert.Equal(t, domain.StatusClaimStarted, e.status(t, tr.TransferID))
	_, released := e.gateway.ReleasedTo(tr.TransferID)
	assert.False(t, released, "no funds move before a quote succeeds")

	out, err = e.disp.Dispatch(context.Background(), Request{
		TransferID: tr.TransferID, Token: token, Method: domain.PayoutBank,
		Payee: Payee{Instrument: "acct_tok_1"},
	})
	require.NoError(t, err, "the same token serves the fallback")
	settled, ok := out.(Settled)
	require.True(t, ok, "got %T", out)
	assert.Equal(t, domain.StatusClaimedBank, settled.Transfer.Status)
	assert.Equal(t, []string{"fallback", "settled"}, e.outcomes)
}

func TestDebitFatalWithoutBankFails(t *testing.T) {
	e := newEnv(t)
	e.disp = NewDispatcher(Deps{
		Transfers: e.orch, Claims: e.claims, Gateway: e.gateway,
		Providers: []Provider{e.debit}, Treasury: treasury, Now: e.clock,
	})
	e.debit.QuoteErr = apperr.New(apperr.KindProviderFatal, "card not supported")
	tr, token := e.verified(t, "40")

	out, err := e.disp.Dispatch(context.Background(), Request{
		TransferID: tr.TransferID, Token: token, Method: domain.PayoutDebit,
	})
	require.NoError(t, err)
	f, ok := out.(Failed)
	require.True(t, ok, "got %T", out)
	assert.False(t, f.Escalated)
	assert.Equal(t, domain.StatusClaimStarted, e.status(t, tr.TransferID))
}

func TestOnboardingRequired(t *testing.T) {
	e := newEnv(t)
	e.debit.OnboardingURL = "https://provider-a.example/onboard"
	tr, token := e.verified(t, "40")

	out, err := e.disp.Dispatch(context.Background(), Request{
		TransferID: tr.TransferID, Token: token, Method: domain.PayoutDebit,
	})
	require.NoError(t, err)
	ob, ok := out.(OnboardingRequired)
	require.True(t, ok, "got %T", out)
	assert.Equal(t, "PROVIDER_A_ONBOARDING", ob.Action)
	assert.Equal(t, "https://provider-a.example/onboard", ob.URL)
	assert.Equal(t, domain.StatusClaimStarted, e.status(t, tr.TransferID))

	out, err = e.disp.Dispatch(context.Background(), Request{
		TransferID: tr.TransferID, Token: token, Method: domain.PayoutDebit,
		Payee: Payee{Instrument: "card_tok_9"},
	})
	require.NoError(t, err)
	assert.IsType(t, Settled{}, out)
}

func TestExecuteFatalAfterReleaseEscalates(t *testing.T) {
	e := newEnv(t)
	e.bank.ExecuteErr = apperr.New(apperr.KindProviderFatal, "account closed")
	tr, token := e.verified(t, "60")

	out, err := e.disp.Dispatch(context.Background(), Request{
		TransferID: tr.TransferID, Token: token, Method: domain.PayoutBank,
		Payee: Payee{Instrument: "acct_tok_1"},
	})
	require.NoError(t, err)
	f, ok := out.(Failed)
	require.True(t, ok, "got %T", out)
	assert.True(t, f.Escalated)

	got, err := e.orch.Get(context.Background(), tr.TransferID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.NotEmpty(t, got.ReleaseTxHash)
	assert.False(t, e.gateway.Refunded(tr.TransferID))

	_, err = e.disp.Dispatch(context.Background(), Request{
		TransferID: tr.TransferID, Token: token, Method: domain.PayoutBank,
	})
	require.ErrorIs(t, err, apperr.ErrTokenAlreadyConsumed)
}

func TestTransientExecuteRetriesWithoutSecondRelease(t *testing.T) {
	e := newEnv(t)
	e.bank.ExecuteErr = apperr.New(apperr.KindProviderTransient, "provider_b status 503")
	tr, token := e.verified(t, "60")
	req := Request{
		TransferID: tr.TransferID, Token: token, Method: domain.PayoutBank,
		Payee: Payee{Instrument: "acct_tok_1"},
	}

	out, err := e.disp.Dispatch(context.Background(), req)
	require.NoError(t, err)
	f, ok := out.(Failed)
	require.True(t, ok, "got %T", out)
	assert.False(t, f.Escalated)
	got, err := e.orch.Get(context.Background(), tr.TransferID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClaimStarted, got.Status)
	assert.NotEmpty(t, got.ReleaseTxHash)

	e.bank.ExecuteErr = nil
	out, err = e.disp.Dispatch(context.Background(), req)
	require.NoError(t, err)
	settled, ok := out.(Settled)
	require.True(t, ok, "got %T", out)
	assert.Equal(t, got.ReleaseTxHash, settled.TreasuryTxHash)
	assert.Equal(t, 1, e.gateway.Releases, "escrow released once")
}

func TestDispatchWithExpiredToken(t *testing.T) {
	e := newEnv(t)
	tr, token := e.verified(t, "10")
	e.advance(6 * time.Minute)

	_, err := e.disp.Dispatch(context.Background(), Request{
		TransferID: tr.TransferID, Token: token, Method: domain.PayoutWallet, DestinationAddress: wallet,
	})
	require.ErrorIs(t, err, apperr.ErrValidation)
	_, released := e.gateway.ReleasedTo(tr.TransferID)
	assert.False(t, released)
}

func TestMissingProvider(t *testing.T) {
	e := newEnv(t)
	e.disp = NewDispatcher(Deps{
		Transfers: e.orch, Claims: e.claims, Gateway: e.gateway, Treasury: treasury, Now: e.clock,
	})
	tr, token := e.verified(t, "10")

	_, err := e.disp.Dispatch(context.Background(), Request{
		TransferID: tr.TransferID, Token: token, Method: domain.PayoutBank,
	})
	require.ErrorIs(t, err, apperr.ErrUnavailable)
}

// gatedProvider holds Execute until release is closed.
type gatedProvider struct {
	*SandboxProvider
	entered chan struct{}
	release chan struct{}
}

func (g *gatedProvider) Execute(ctx context.Context, req ProviderRequest) (Receipt, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.SandboxProvider.Execute(ctx, req)
}

func TestSecondTokenCannotPayWhileFirstInFlight(t *testing.T) {
	e := newEnv(t)
	gate := &gatedProvider{SandboxProvider: e.debit, entered: make(chan struct{}, 2), release: make(chan struct{})}
	e.disp = NewDispatcher(Deps{
		Transfers: e.orch, Claims: e.claims, Gateway: e.gateway,
		Providers: []Provider{gate, e.bank}, Treasury: treasury, Now: e.clock,
	})
	tr, first := e.verified(t, "80")
	ctx := context.Background()
	req := Request{TransferID: tr.TransferID, Method: domain.PayoutDebit, Payee: Payee{Instrument: "card_tok_1"}}

	var g errgroup.Group
	var firstOut Outcome
	g.Go(func() error {
		r := req
		r.Token = first
		out, err := e.disp.Dispatch(ctx, r)
		firstOut = out
		return err
	})
	<-gate.entered

	// The first token lapses while its payout is still running, so a new
	// code and a second token can be obtained.
	e.advance(6 * time.Minute)
	session, err := e.orch.ResendOtp(ctx, tr.TransferID)
	require.NoError(t, err)
	msg, ok := e.notifier.Last(tr.TransferID, notify.KindOTP)
	require.True(t, ok)
	grant, err := e.claims.VerifyOtp(ctx, session.ID, msg.Code)
	require.NoError(t, err)

	second := req
	second.Token = grant.Token
	_, err = e.disp.Dispatch(ctx, second)
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)

	close(gate.release)
	require.NoError(t, g.Wait())
	assert.IsType(t, Settled{}, firstOut)
	assert.Len(t, e.debit.Executed(), 1, "one payout reached the recipient")
	assert.Equal(t, 1, e.gateway.Releases)
	assert.Equal(t, domain.StatusClaimedDebit, e.status(t, tr.TransferID))
}

func TestWalletRefusedOnceFundsAreWithTreasury(t *testing.T) {
	e := newEnv(t)
	e.bank.ExecuteErr = apperr.New(apperr.KindProviderTransient, "provider_b status 503")
	tr, token := e.verified(t, "60")

	out, err := e.disp.Dispatch(context.Background(), Request{
		TransferID: tr.TransferID, Token: token, Method: domain.PayoutBank,
		Payee: Payee{Instrument: "acct_tok_1"},
	})
	require.NoError(t, err)
	assert.IsType(t, Failed{}, out)

	_, err = e.disp.Dispatch(context.Background(), Request{
		TransferID: tr.TransferID, Token: token, Method: domain.PayoutWallet, DestinationAddress: wallet,
	})
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, 1, e.gateway.Releases)

	e.bank.ExecuteErr = nil
	out, err = e.disp.Dispatch(context.Background(), Request{
		TransferID: tr.TransferID, Token: token, Method: domain.PayoutBank,
		Payee: Payee{Instrument: "acct_tok_1"},
	})
	require.NoError(t, err, "the token and payout lock were handed back")
	assert.IsType(t, Settled{}, out)
}
