package server

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"claimrails/internal/apperr"
	"claimrails/internal/domain"
	"claimrails/internal/payout"
	"claimrails/internal/transfer"
)

type recipientView struct {
	Type   string `json:"type"`
	Masked string `json:"masked"`
}

type transferView struct {
	TransferID        string                `json:"transferId"`
	Status            domain.TransferStatus `json:"status"`
	Sender            string                `json:"sender"`
	Amount            decimal.Decimal       `json:"amount"`
	SponsorFee        decimal.Decimal       `json:"sponsorFee"`
	TotalLocked       decimal.Decimal       `json:"totalLocked"`
	Recipient         recipientView         `json:"recipient"`
	RecipientHintHash string                `json:"recipientHintHash"`
	FundingSource     string                `json:"fundingSource"`
	Memo              string                `json:"memo,omitempty"`
	ChainID           int64                 `json:"chainId"`
	Region            string                `json:"region"`
	PayoutMethods     []domain.PayoutMethod `json:"payoutMethods"`
	ExpiresAt         time.Time             `json:"expiresAt"`
	EscrowTxHash      string                `json:"escrowTxHash,omitempty"`
	ReleaseTxHash     string                `json:"releaseTxHash,omitempty"`
	RefundTxHash      string                `json:"refundTxHash,omitempty"`
	PayoutMethod      domain.PayoutMethod   `json:"payoutMethod,omitempty"`
	ProviderReference string                `json:"providerReference,omitempty"`
	FailureReason     string                `json:"failureReason,omitempty"`
	CreatedAt         time.Time             `json:"createdAt"`
	UpdatedAt         time.Time             `json:"updatedAt"`
}

func newTransferView(t *domain.Transfer) transferView {
	return transferView{
		TransferID:        t.TransferID,
		Status:            t.Status,
		Sender:            t.Sender,
		Amount:            t.Principal,
		SponsorFee:        t.SponsorFee,
		TotalLocked:       t.TotalLocked,
		Recipient:         recipientView{Type: t.RecipientType, Masked: t.RecipientMasked},
		RecipientHintHash: t.RecipientHintHash,
		FundingSource:     t.FundingSource,
		Memo:              t.Memo,
		ChainID:           t.ChainID,
		Region:            t.Region,
		PayoutMethods:     t.PayoutMethods,
		ExpiresAt:         t.ExpiresAt,
		EscrowTxHash:      t.EscrowTxHash,
		ReleaseTxHash:     t.ReleaseTxHash,
		RefundTxHash:      t.RefundTxHash,
		PayoutMethod:      t.PayoutMethod,
		ProviderReference: t.ProviderReference,
		FailureReason:     t.FailureReason,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

// claimView is what the recipient sees: no sender, no hashes.
type claimView struct {
	TransferID    string                `json:"transferId"`
	Status        domain.TransferStatus `json:"status"`
	Amount        decimal.Decimal       `json:"amount"`
	Memo          string                `json:"memo,omitempty"`
	Recipient     recipientView         `json:"recipient"`
	PayoutMethods []domain.PayoutMethod `json:"payoutMethods"`
	ExpiresAt     time.Time             `json:"expiresAt"`
}

func newClaimView(t *domain.Transfer) claimView {
	return claimView{
		TransferID:    t.TransferID,
		Status:        t.Status,
		Amount:        t.Principal,
		Memo:          t.Memo,
		Recipient:     recipientView{Type: t.RecipientType, Masked: t.RecipientMasked},
		PayoutMethods: t.PayoutMethods,
		ExpiresAt:     t.ExpiresAt,
	}
}

type prepareRequest struct {
	Sender        string `json:"sender"`
	Recipient     string `json:"recipient"`
	Amount        string `json:"amount"`
	FundingSource string `json:"fundingSource"`
	Memo          string `json:"memo"`
	Region        string `json:"region"`
	ChainID       int64  `json:"chainId"`
}

type limitsView struct {
	DailyCap  decimal.Decimal `json:"dailyCapUsdc"`
	DailyUsed decimal.Decimal `json:"dailyUsedUsdc"`
}

type prepareResponse struct {
	Transfer  transferView  `json:"transfer"`
	Recipient recipientView `json:"recipient"`
	Limits    limitsView    `json:"limits"`
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req prepareRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.transfers.Prepare(r.Context(), transfer.PrepareRequest{
		Sender:        req.Sender,
		Recipient:     req.Recipient,
		Amount:        req.Amount,
		FundingSource: req.FundingSource,
		Memo:          req.Memo,
		Region:        req.Region,
		ChainID:       req.ChainID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, prepareResponse{
		Transfer:  newTransferView(res.Transfer),
		Recipient: recipientView{Type: res.Recipient.Type, Masked: res.Recipient.Masked},
		Limits:    limitsView{DailyCap: res.Limits.DailyCap, DailyUsed: res.Limits.DailyUsed},
	})
}

type eventView struct {
	From   domain.TransferStatus `json:"from"`
	To     domain.TransferStatus `json:"to"`
	Reason string                `json:"reason"`
	At     time.Time             `json:"at"`
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.transfers.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.transfers.Events(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		views = append(views, eventView{From: ev.From, To: ev.To, Reason: ev.Reason, At: ev.At})
	}
	writeJSON(w, http.StatusOK, struct {
		Transfer transferView `json:"transfer"`
		Events   []eventView  `json:"events"`
	}{newTransferView(t), views})
}

type confirmResponse struct {
	Transfer            transferView `json:"transfer"`
	ClaimURL            string       `json:"claimUrl"`
	NotificationWarning string       `json:"notificationWarning,omitempty"`
}

func (s *Server) writeConfirm(w http.ResponseWriter, res *transfer.ConfirmResult) {
	writeJSON(w, http.StatusOK, confirmResponse{
		Transfer:            newTransferView(res.Transfer),
		ClaimURL:            res.ClaimURL,
		NotificationWarning: res.NotificationWarning,
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EscrowTxHash string `json:"escrowTxHash"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.transfers.ConfirmLock(r.Context(), r.PathValue("id"), req.EscrowTxHash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeConfirm(w, res)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	res, err := s.transfers.LockFunds(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeConfirm(w, res)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	t, err := s.transfers.Refund(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Transfer transferView `json:"transfer"`
	}{newTransferView(t)})
}

type sessionView struct {
	ClaimSessionID        string    `json:"claimSessionId"`
	OTPExpiresAt          time.Time `json:"otpExpiresAt"`
	MaxAttempts           int       `json:"maxAttempts"`
	Attempts              int       `json:"attempts"`
	ResendCooldownSeconds int       `json:"resendCooldownSeconds"`
	RecipientMasked       string    `json:"recipientMasked"`
	Transfer              claimView `json:"transfer"`
}

func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, cs *domain.ClaimSession) {
	t, err := s.transfers.Get(r.Context(), cs.TransferID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionView{
		ClaimSessionID:        cs.ID,
		OTPExpiresAt:          cs.OTPExpiresAt,
		MaxAttempts:           cs.MaxAttempts,
		Attempts:              cs.Attempts,
		ResendCooldownSeconds: cs.ResendCooldownSeconds,
		RecipientMasked:       cs.RecipientMasked,
		Transfer:              newClaimView(t),
	})
}

func (s *Server) handleStartClaim(w http.ResponseWriter, r *http.Request) {
	cs, err := s.transfers.StartClaim(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeSession(w, r, cs)
}

func (s *Server) handleResendOtp(w http.ResponseWriter, r *http.Request) {
	cs, err := s.transfers.ResendOtp(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeSession(w, r, cs)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClaimSessionID string `json:"claimSessionId"`
		Code           string `json:"code"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	grant, err := s.claims.VerifyOtp(r.Context(), req.ClaimSessionID, req.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		ClaimSessionToken: grant.Token,
		ExpiresAt:         grant.ExpiresAt,
		Transfer:          newClaimView(grant.Transfer),
		PayoutMethods:     grant.PayoutMethods,
	})
}

type verifyResponse struct {
	ClaimSessionToken string                `json:"claimSessionToken"`
	ExpiresAt         time.Time             `json:"expiresAt"`
	Transfer          claimView             `json:"transfer"`
	PayoutMethods     []domain.PayoutMethod `json:"payoutMethods"`
}

type payoutRequest struct {
	ClaimSessionToken  string `json:"claimSessionToken"`
	Method             string `json:"method"`
	DestinationAddress string `json:"destinationAddress"`
	Payee              struct {
		Name       string `json:"name"`
		Instrument string `json:"instrument"`
	} `json:"payee"`
}

// outcomeView flattens a payout Outcome. Outcome names the variant; the
// remaining fields are set per variant.
type outcomeView struct {
	Success           bool                  `json:"success"`
	Outcome           string                `json:"outcome"`
	Method            domain.PayoutMethod   `json:"method,omitempty"`
	Provider          string                `json:"provider,omitempty"`
	ProviderReference string                `json:"providerReference,omitempty"`
	TreasuryTxHash    string                `json:"treasuryTxHash,omitempty"`
	WalletTxHash      string                `json:"walletTxHash,omitempty"`
	ETA               string                `json:"eta,omitempty"`
	Status            string                `json:"status,omitempty"`
	FallbackMethod    domain.PayoutMethod   `json:"fallbackMethod,omitempty"`
	Reason            string                `json:"reason,omitempty"`
	Action            string                `json:"action,omitempty"`
	OnboardingURL     string                `json:"onboardingUrl,omitempty"`
	Escalated         bool                  `json:"escalated,omitempty"`
	TransferStatus    domain.TransferStatus `json:"transferStatus,omitempty"`
}

func (s *Server) handlePayout(w http.ResponseWriter, r *http.Request) {
	var req payoutRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	method, ok := domain.ParsePayoutMethod(req.Method)
	if !ok {
		s.writeError(w, r, apperr.New(apperr.KindValidation, "method must be one of WALLET, DEBIT, BANK"))
		return
	}

	id := r.PathValue("id")
	out, err := s.payouts.Dispatch(r.Context(), payout.Request{
		TransferID:         id,
		Token:              req.ClaimSessionToken,
		Method:             method,
		DestinationAddress: req.DestinationAddress,
		Payee:              payout.Payee{Name: req.Payee.Name, Instrument: req.Payee.Instrument},
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	view := outcomeView{Outcome: payout.Name(out)}
	status := http.StatusOK
	switch o := out.(type) {
	case payout.Settled:
		view.Success = true
		view.Method = o.Method
		view.Provider = o.Provider
		view.ProviderReference = o.ProviderReference
		view.TreasuryTxHash = o.TreasuryTxHash
		view.WalletTxHash = o.WalletTxHash
		view.ETA = o.ETA
		view.Status = o.Status
		if o.Transfer != nil {
			view.TransferStatus = o.Transfer.Status
		}
	case payout.FallbackAvailable:
		view.FallbackMethod = o.Method
		view.Reason = o.Reason
		status = http.StatusConflict
	case payout.OnboardingRequired:
		view.Provider = o.Provider
		view.Action = o.Action
		view.OnboardingURL = o.URL
		status = http.StatusConflict
	case payout.Failed:
		view.Reason = o.Reason
		view.Escalated = o.Escalated
		status = http.StatusBadGateway
		if o.Escalated {
			s.writeDLQ(dlqEntry{
				Timestamp:  time.Now().UTC(),
				TransferID: id,
				Method:     string(method),
				Reason:     o.Reason,
			})
			s.logger.Error("payout escalated", zap.String("transfer_id", id), zap.String("method", string(method)))
		}
	}
	writeJSON(w, status, view)
}
