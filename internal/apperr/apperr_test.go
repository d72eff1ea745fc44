package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", Newf(KindTooSoon, "retry in %ds", 30))

	require.ErrorIs(t, err, ErrTooSoon)
	assert.NotErrorIs(t, err, ErrInvalidCode)
	assert.Equal(t, KindTooSoon, KindOf(err))
}

func TestWrapKeepsCauseOutOfSafeMessage(t *testing.T) {
	cause := errors.New("cipher: message authentication failed")
	err := Wrap(KindDecryptionFailed, "contact payload rejected", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, "stored data could not be read", SafeMessage(err))
	assert.Equal(t, "internal error", SafeMessage(errors.New("boom")))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindTokenAlreadyConsumed))
	assert.Equal(t, http.StatusGone, HTTPStatus(KindTransferExpired))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(KindTooSoon))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindInternal))
}
