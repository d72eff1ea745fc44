package claim

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"claimrails/internal/apperr"
	"claimrails/internal/hmacauth"
)

var tokenLabel = []byte("claimrails:claim-token:v1")

// Token is the decoded claim session token. It proves OTP verification for
// one transfer until ExpiresAt and can be consumed once.
type Token struct {
	TransferID string
	SessionID  string
	ID         string
	ExpiresAt  time.Time
}

type tokenClaims struct {
	TransferID string `json:"tid"`
	SessionID  string `json:"sid"`
	ID         string `json:"jti"`
	ExpiresAt  int64  `json:"exp"`
}

func signToken(signer *hmacauth.Signer, tok Token) (string, error) {
	payload, err := json.Marshal(tokenClaims{
		TransferID: tok.TransferID,
		SessionID:  tok.SessionID,
		ID:         tok.ID,
		ExpiresAt:  tok.ExpiresAt.Unix(),
	})
	if err != nil {
		return "", err
	}
	mac := signer.MAC(tokenLabel, payload)
	return b64.EncodeToString(payload) + "." + b64.EncodeToString(mac), nil
}

var b64 = base64.RawURLEncoding

func invalidToken() error {
	return apperr.New(apperr.KindValidation, "invalid claim token")
}

func parseToken(signer *hmacauth.Signer, raw string, now time.Time) (*Token, error) {
	payloadPart, macPart, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok {
		return nil, invalidToken()
	}
	payload, err := b64.DecodeString(payloadPart)
	if err != nil {
		return nil, invalidToken()
	}
	mac, err := b64.DecodeString(macPart)
	if err != nil {
		return nil, invalidToken()
	}
	if !hmacauth.Equal(mac, signer.MAC(tokenLabel, payload)) {
		return nil, invalidToken()
	}
	var c tokenClaims
	if err := json.Unmarshal(payload, &c); err != nil || c.TransferID == "" || c.ID == "" {
		return nil, invalidToken()
	}
	exp := time.Unix(c.ExpiresAt, 0)
	if !now.Before(exp) {
		return nil, apperr.New(apperr.KindValidation, "claim token has expired")
	}
	return &Token{TransferID: c.TransferID, SessionID: c.SessionID, ID: c.ID, ExpiresAt: exp}, nil
}
