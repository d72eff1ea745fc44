package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"claimrails/internal/apperr"
)

// FakeClient keeps locks in memory and derives deterministic tx hashes from
// the call payload. Used by tests and local runs without an RPC endpoint.
type FakeClient struct {
	ChainID int64

	mu       sync.Mutex
	locks    map[string]LockObservation // by tx hash
	released map[string]string          // transfer id -> destination
	refunded map[string]bool

	// ReleaseErrs are returned by Release calls in order, before any state change.
	ReleaseErrs []error
	Releases    int
}

func NewFakeClient(chainID int64) *FakeClient {
	return &FakeClient{
		ChainID:  chainID,
		locks:    make(map[string]LockObservation),
		released: make(map[string]string),
		refunded: make(map[string]bool),
	}
}

func (f *FakeClient) CreateLock(_ context.Context, req LockRequest) (string, error) {
	if req.TransferID == "" {
		return "", fmt.Errorf("missing transfer id")
	}
	txHash := fakeHash("lock", req.TransferID, req.Principal.String(), req.SponsorFee.String())
	f.Observe(txHash, LockObservation{
		TransferID:        req.TransferID,
		Amount:            req.Principal.Add(req.SponsorFee),
		RecipientHintHash: req.RecipientHintHash,
		ChainID:           f.ChainID,
	})
	return txHash, nil
}

// Observe registers a lock as if it had been mined under txHash.
func (f *FakeClient) Observe(txHash string, obs LockObservation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks[strings.ToLower(txHash)] = obs
}

func (f *FakeClient) VerifyLock(_ context.Context, transferID, txHash string) (LockObservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obs, ok := f.locks[strings.ToLower(txHash)]
	if !ok {
		return LockObservation{}, apperr.New(apperr.KindEscrowMismatch, "transaction does not lock a transfer")
	}
	return obs, nil
}

func (f *FakeClient) Release(_ context.Context, transferID, to string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.Releases
	f.Releases++
	if idx < len(f.ReleaseErrs) && f.ReleaseErrs[idx] != nil {
		return "", f.ReleaseErrs[idx]
	}
	if prev, ok := f.released[transferID]; ok {
		return "", fmt.Errorf("execution reverted: already released to %s", prev)
	}
	if f.refunded[transferID] {
		return "", fmt.Errorf("execution reverted: transfer refunded")
	}
	f.released[transferID] = to
	return fakeHash("release", transferID, to), nil
}

func (f *FakeClient) Refund(_ context.Context, transferID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.released[transferID]; ok {
		return "", fmt.Errorf("execution reverted: transfer released")
	}
	f.refunded[transferID] = true
	return fakeHash("refund", transferID), nil
}

func (f *FakeClient) ReleasedTo(transferID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	to, ok := f.released[transferID]
	return to, ok
}

func (f *FakeClient) Refunded(transferID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refunded[transferID]
}

func (f *FakeClient) Ping(context.Context) error { return nil }

func fakeHash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return "0x" + hex.EncodeToString(sum[:])
}
