package vault

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimrails/internal/apperr"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	v, err := New(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)
	ctx := ContactContext("0x01")

	for _, plain := range [][]byte{
		[]byte("alice@example.com"),
		[]byte("+14155550123"),
		{},
		{0x00, 0xff, 0x10},
	} {
		payload, err := v.Encrypt(plain, ctx)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(payload, "v1."))
		assert.Len(t, strings.Split(payload, "."), 4)

		got, err := v.Decrypt(payload, ctx)
		require.NoError(t, err)
		assert.Equal(t, string(plain), string(got))
	}
}

func TestDecryptRejectsOtherContext(t *testing.T) {
	v := newTestVault(t)
	payload, err := v.Encrypt([]byte("alice@example.com"), ContactContext("transfer-X"))
	require.NoError(t, err)

	_, err = v.Decrypt(payload, ContactContext("transfer-Y"))
	require.ErrorIs(t, err, apperr.ErrDecryptionFailed)
	assert.NotContains(t, apperr.SafeMessage(err), "authentication")
}

func TestDecryptRejectsTampering(t *testing.T) {
	v := newTestVault(t)
	ctx := ContactContext("0x02")
	payload, err := v.Encrypt([]byte("bob@example.com"), ctx)
	require.NoError(t, err)
	parts := strings.Split(payload, ".")

	cases := map[string]string{
		"unknown version": "v9." + strings.Join(parts[1:], "."),
		"missing field":   strings.Join(parts[:3], "."),
		"bad tag":         strings.Join([]string{parts[0], parts[1], b64.EncodeToString(make([]byte, 16)), parts[3]}, "."),
		"garbage":         "not-a-payload",
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Decrypt(p, ctx)
			require.ErrorIs(t, err, apperr.ErrDecryptionFailed)
		})
	}

	other := newTestVault(t)
	_, err = other.Decrypt(payload, ctx)
	require.ErrorIs(t, err, apperr.ErrDecryptionFailed)
}

func TestUnconfiguredVaultFailsFast(t *testing.T) {
	v, err := New("")
	require.NoError(t, err)
	assert.False(t, v.Configured())

	_, err = v.Encrypt([]byte("x"), "ctx")
	require.ErrorIs(t, err, apperr.ErrUnavailable)
	_, err = v.Decrypt("v1.a.b.c", "ctx")
	require.ErrorIs(t, err, apperr.ErrUnavailable)
}

func TestNewRejectsWrongKeyLength(t *testing.T) {
	_, err := New(base64.StdEncoding.EncodeToString(make([]byte, 16)))
	require.ErrorIs(t, err, ErrKeyLength)

	_, err = New("%%%")
	require.Error(t, err)
}

func TestHashIsDeterministic(t *testing.T) {
	a, err := ParseContact("Alice@Example.com")
	require.NoError(t, err)
	b, err := ParseContact("alice@example.com")
	require.NoError(t, err)

	assert.Equal(t, a.Hint(), b.Hint())
	assert.Len(t, a.Hint(), 66)
	assert.NotContains(t, a.Hint(), "alice")
	assert.NotEqual(t, a.Hint(), Hash("bob@example.com"))
}

func TestParseContact(t *testing.T) {
	c, err := ParseContact("+1 (415) 555-0123")
	require.NoError(t, err)
	assert.Equal(t, Contact{Type: ContactPhone, Value: "+14155550123"}, c)
	assert.Equal(t, "+*******0123", c.Masked())

	c, err = ParseContact("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "a***@example.com", c.Masked())

	for _, bad := range []string{"", "alice", "alice@localhost", "Alice <a@b.com>", "4155550123", "+12", "+1415abc"} {
		_, err := ParseContact(bad)
		require.ErrorIs(t, err, apperr.ErrValidation, bad)
	}
}

func TestParseContactRejectsNonASCIIDigits(t *testing.T) {
	for _, bad := range []string{
		"+١٤١٥٥٥٥٠١٢٣",
		"+1４１５５５５5٠١٢٣",
		"+1 415 555 ०१२३",
	} {
		_, err := ParseContact(bad)
		require.ErrorIs(t, err, apperr.ErrValidation, bad)
	}
}

func TestMaskedKeepsMultibyteRuneWhole(t *testing.T) {
	c := Contact{Type: ContactEmail, Value: "élodie@example.com"}
	masked := c.Masked()
	assert.True(t, utf8.ValidString(masked))
	assert.Equal(t, "é***@example.com", masked)

	c = Contact{Type: ContactEmail, Value: "李雷@example.cn"}
	assert.Equal(t, "李***@example.cn", c.Masked())
}
