// Package vault encrypts, hashes and masks recipient contact material.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/chacha20poly1305"

	"claimrails/internal/apperr"
)

const (
	KeySize = chacha20poly1305.KeySize

	formatV1  = "v1"
	hashLabel = "claimrails:recipient:"
)

var (
	ErrUnconfigured = apperr.New(apperr.KindUnavailable, "contact vault is not configured")
	ErrKeyLength    = errors.New("contact encryption key must decode to exactly 32 bytes")

	b64 = base64.RawURLEncoding
)

// Vault holds the process-wide contact key. A zero key means unconfigured:
// Encrypt and Decrypt refuse to run rather than fall back to a weak key.
type Vault struct {
	key        []byte
	configured bool
}

// New validates keyB64 once at startup. An empty key yields an unconfigured
// vault; a malformed key is a startup error.
func New(keyB64 string) (*Vault, error) {
	keyB64 = strings.TrimSpace(keyB64)
	if keyB64 == "" {
		return &Vault{}, nil
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		key, err = b64.DecodeString(strings.TrimRight(keyB64, "="))
		if err != nil {
			return nil, fmt.Errorf("decode contact encryption key: %w", err)
		}
	}
	if len(key) != KeySize {
		return nil, ErrKeyLength
	}
	return &Vault{key: key, configured: true}, nil
}

func (v *Vault) Configured() bool { return v != nil && v.configured }

// Encrypt seals plaintext with context as associated data and returns
// "v1.<nonce>.<tag>.<ciphertext>".
func (v *Vault) Encrypt(plaintext []byte, context string) (string, error) {
	if !v.Configured() {
		return "", ErrUnconfigured
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "init cipher", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "read nonce", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, []byte(context))
	split := len(sealed) - aead.Overhead()
	ct, tag := sealed[:split], sealed[split:]

	return strings.Join([]string{
		formatV1,
		b64.EncodeToString(nonce),
		b64.EncodeToString(tag),
		b64.EncodeToString(ct),
	}, "."), nil
}

// Decrypt reverses Encrypt. Every failure reads as DecryptionFailed; the
// underlying reason is kept only as the wrapped cause.
func (v *Vault) Decrypt(payload, context string) ([]byte, error) {
	if !v.Configured() {
		return nil, ErrUnconfigured
	}
	parts := strings.Split(payload, ".")
	if len(parts) != 4 {
		return nil, decryptErr(errors.New("malformed payload"))
	}
	if parts[0] != formatV1 {
		return nil, decryptErr(fmt.Errorf("unknown format %q", parts[0]))
	}
	nonce, err := b64.DecodeString(parts[1])
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, decryptErr(errors.New("bad nonce"))
	}
	tag, err := b64.DecodeString(parts[2])
	if err != nil || len(tag) != chacha20poly1305.Overhead {
		return nil, decryptErr(errors.New("bad tag"))
	}
	ct, err := b64.DecodeString(parts[3])
	if err != nil {
		return nil, decryptErr(errors.New("bad ciphertext"))
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, decryptErr(err)
	}
	plain, err := aead.Open(nil, nonce, append(ct, tag...), []byte(context))
	if err != nil {
		return nil, decryptErr(err)
	}
	return plain, nil
}

func decryptErr(cause error) error {
	return apperr.Wrap(apperr.KindDecryptionFailed, "contact payload rejected", cause)
}

// Hash returns the keccak256 recipient hint as 0x-prefixed hex. It is only
// ever compared, never reversed.
func Hash(value string) string {
	return crypto.Keccak256Hash([]byte(hashLabel + value)).Hex()
}

// ContactContext is the associated data a transfer's contact is bound to.
func ContactContext(transferID string) string {
	return "send-contact:" + transferID
}
