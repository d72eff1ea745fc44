package transfer

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"claimrails/internal/apperr"
	"claimrails/internal/domain"
)

// ErrVersionConflict means another writer advanced the transfer first.
var ErrVersionConflict = errors.New("transfer version conflict")

// Store persists transfers. Update is a compare-and-swap on Version: it
// writes only when the stored version equals t.Version, then increments it.
// Audit events are append-only and never deleted.
type Store interface {
	Create(ctx context.Context, t *domain.Transfer) error
	Get(ctx context.Context, transferID string) (*domain.Transfer, error)
	Update(ctx context.Context, t *domain.Transfer, ev *domain.Event) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Transfer, error)
	// ListPendingRefunds returns EXPIRED transfers whose locked funds have
	// not been refunded yet.
	ListPendingRefunds(ctx context.Context, limit int) ([]*domain.Transfer, error)
	Events(ctx context.Context, transferID string) ([]domain.Event, error)
}

// UsageReporter supplies the daily cap figure: the sender's total locked
// value for transfers created since the given instant.
type UsageReporter interface {
	DailyUsage(ctx context.Context, sender string, since time.Time) (decimal.Decimal, error)
}

func notFound() error {
	return apperr.New(apperr.KindNotFound, "transfer not found")
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu        sync.RWMutex
	transfers map[string]*domain.Transfer
	events    map[string][]domain.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transfers: make(map[string]*domain.Transfer),
		events:    make(map[string][]domain.Event),
	}
}

func key(transferID string) string { return strings.ToLower(transferID) }

func (m *MemoryStore) Create(_ context.Context, t *domain.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transfers[key(t.TransferID)]; ok {
		return apperr.New(apperr.KindInvalidStateTransition, "transfer already exists")
	}
	m.transfers[key(t.TransferID)] = t.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, transferID string) (*domain.Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[key(transferID)]
	if !ok {
		return nil, notFound()
	}
	return t.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, t *domain.Transfer, ev *domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.transfers[key(t.TransferID)]
	if !ok {
		return notFound()
	}
	if cur.Version != t.Version {
		return ErrVersionConflict
	}
	t.Version++
	m.transfers[key(t.TransferID)] = t.Clone()
	if ev != nil {
		m.events[key(t.TransferID)] = append(m.events[key(t.TransferID)], *ev)
	}
	return nil
}

func (m *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*domain.Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Transfer
	for _, t := range m.transfers {
		if !t.Status.Terminal() && t.Expired(now) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListPendingRefunds(_ context.Context, limit int) ([]*domain.Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Transfer
	for _, t := range m.transfers {
		if pendingRefund(t) {
			out = append(out, t.Clone())
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func pendingRefund(t *domain.Transfer) bool {
	return t.Status == domain.StatusExpired && t.EscrowTxHash != "" && t.RefundTxHash == "" && t.ReleaseTxHash == ""
}

func (m *MemoryStore) Events(_ context.Context, transferID string) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Event(nil), m.events[key(transferID)]...), nil
}

func (m *MemoryStore) DailyUsage(_ context.Context, sender string, since time.Time) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for _, t := range m.transfers {
		if t.Sender != sender || t.CreatedAt.Before(since) || !countsTowardCap(t.Status) {
			continue
		}
		total = total.Add(t.TotalLocked)
	}
	return total, nil
}

// countsTowardCap leaves out transfers whose value never left or came back
// to the sender.
func countsTowardCap(s domain.TransferStatus) bool {
	return s != domain.StatusExpired && s != domain.StatusRefunded
}
