package hmacauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"recipient":"alice@example.com"}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := computeSignature("secret", ts, []byte(body))

	v := &Verifier{Secret: "secret", MaxSkew: time.Minute, Now: func() time.Time { return now }}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set(headerSignature, sig)
	req.Header.Set(headerTimestamp, ts)
	rec := httptest.NewRecorder()

	var seen string
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, seen, "body must still be readable downstream")
}

func TestMiddleware_RejectsInvalidSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	var rejected error
	v := &Verifier{
		Secret:   "secret",
		MaxSkew:  time.Minute,
		Now:      func() time.Time { return now },
		OnReject: func(err error) { rejected = err },
	}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{"foo":"bar"}`))
	req.Header.Set(headerSignature, "deadbeef")
	req.Header.Set(headerTimestamp, ts)
	rec := httptest.NewRecorder()

	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.ErrorIs(t, rejected, ErrInvalidSignature)
}

func TestMiddleware_RejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	old := strconv.FormatInt(now.Add(-2*time.Minute).Unix(), 10)
	v := &Verifier{Secret: "secret", MaxSkew: time.Minute, Now: func() time.Time { return now }}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader("{}"))
	req.Header.Set(headerSignature, computeSignature("secret", old, []byte("{}")))
	req.Header.Set(headerTimestamp, old)

	assert.ErrorIs(t, v.verify(req), ErrStaleTimestamp)
}

func TestSignerRoundTripsThroughVerifier(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := &Signer{Secret: "shared", Now: func() time.Time { return now }}
	v := &Verifier{Secret: "shared", MaxSkew: time.Minute, Now: func() time.Time { return now }}

	body := []byte(`{"amount":"10.00"}`)
	req := httptest.NewRequest(http.MethodPost, "/payouts", strings.NewReader(string(body)))
	s.SignRequest(req, body)

	require.NoError(t, v.verify(req))
}

func TestMACIsLengthPrefixed(t *testing.T) {
	s := &Signer{Secret: "k"}
	a := s.MAC([]byte("ab"), []byte("c"))
	b := s.MAC([]byte("a"), []byte("bc"))

	assert.False(t, Equal(a, b))
	assert.True(t, Equal(a, s.MAC([]byte("ab"), []byte("c"))))
	assert.False(t, Equal(a, (&Signer{Secret: "other"}).MAC([]byte("ab"), []byte("c"))))
}
