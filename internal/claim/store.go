package claim

import (
	"context"
	"errors"
	"sync"
	"time"

	"claimrails/internal/domain"
)

// ErrSessionNotFound is returned for unknown, closed or expired sessions.
var ErrSessionNotFound = errors.New("claim session not found")

// SessionStore holds the only shared mutable state of the claim path. It
// must be visible to every handler instance, so production uses memcache.
type SessionStore interface {
	// TakeCooldown claims the resend window for a transfer. When another
	// issuance already holds it, it returns how long is left.
	TakeCooldown(ctx context.Context, transferID string, now time.Time, window time.Duration) (time.Duration, error)
	ReleaseCooldown(ctx context.Context, transferID string) error
	// PutSession stores s with a zeroed attempt counter and makes it the
	// transfer's active session.
	PutSession(ctx context.Context, s *domain.ClaimSession, ttl time.Duration) error
	GetSession(ctx context.Context, sessionID string) (*domain.ClaimSession, error)
	ActiveSession(ctx context.Context, transferID string) (string, error)
	// IncrementAttempts atomically adds one attempt and returns the new count.
	IncrementAttempts(ctx context.Context, sessionID string) (int, error)
	CloseSession(ctx context.Context, sessionID string) error
	// ConsumeToken marks a token id used. It reports false if it already was.
	ConsumeToken(ctx context.Context, tokenID string, ttl time.Duration) (bool, error)
	ReleaseToken(ctx context.Context, tokenID string) error
	// TakeGrant records that a claim token valid until `until` was minted for
	// the transfer. Only one grant per transfer may be live; it reports false
	// when another one already is.
	TakeGrant(ctx context.Context, transferID string, now, until time.Time) (bool, error)
	// GrantUntil returns the expiry of the transfer's live grant, or the zero
	// time when there is none.
	GrantUntil(ctx context.Context, transferID string) (time.Time, error)
	// LockPayout takes the transfer's payout lock. It reports false while
	// another payout holds it.
	LockPayout(ctx context.Context, transferID string, ttl time.Duration) (bool, error)
	UnlockPayout(ctx context.Context, transferID string) error
}

type expiring[T any] struct {
	value T
	until time.Time
}

func (e expiring[T]) live(now time.Time) bool { return e.until.IsZero() || now.Before(e.until) }

// MemoryStore is a single-process SessionStore for tests and local runs.
type MemoryStore struct {
	now func() time.Time

	mu        sync.Mutex
	cooldowns map[string]expiring[time.Time]
	sessions  map[string]expiring[*domain.ClaimSession]
	active    map[string]string
	tokens    map[string]expiring[struct{}]
	grants    map[string]expiring[time.Time]
	payouts   map[string]expiring[struct{}]
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:       now,
		cooldowns: make(map[string]expiring[time.Time]),
		sessions:  make(map[string]expiring[*domain.ClaimSession]),
		active:    make(map[string]string),
		tokens:    make(map[string]expiring[struct{}]),
		grants:    make(map[string]expiring[time.Time]),
		payouts:   make(map[string]expiring[struct{}]),
	}
}

func (m *MemoryStore) TakeCooldown(_ context.Context, transferID string, now time.Time, window time.Duration) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.cooldowns[transferID]; ok && cur.live(m.now()) {
		return remaining(cur.value, now, window), nil
	}
	m.cooldowns[transferID] = expiring[time.Time]{value: now, until: now.Add(window)}
	return 0, nil
}

func (m *MemoryStore) ReleaseCooldown(_ context.Context, transferID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cooldowns, transferID)
	return nil
}

func (m *MemoryStore) PutSession(_ context.Context, s *domain.ClaimSession, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	c.Attempts = 0
	m.sessions[s.ID] = expiring[*domain.ClaimSession]{value: &c, until: m.now().Add(ttl)}
	m.active[s.TransferID] = s.ID
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*domain.ClaimSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok || !e.live(m.now()) {
		return nil, ErrSessionNotFound
	}
	c := *e.value
	return &c, nil
}

func (m *MemoryStore) ActiveSession(_ context.Context, transferID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[transferID], nil
}

func (m *MemoryStore) IncrementAttempts(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok || !e.live(m.now()) {
		return 0, ErrSessionNotFound
	}
	e.value.Attempts++
	return e.value.Attempts, nil
}

func (m *MemoryStore) CloseSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) ConsumeToken(_ context.Context, tokenID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.tokens[tokenID]; ok && cur.live(m.now()) {
		return false, nil
	}
	m.tokens[tokenID] = expiring[struct{}]{until: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryStore) ReleaseToken(_ context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, tokenID)
	return nil
}

func (m *MemoryStore) TakeGrant(_ context.Context, transferID string, _, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.grants[transferID]; ok && cur.live(m.now()) {
		return false, nil
	}
	m.grants[transferID] = expiring[time.Time]{value: until, until: until}
	return true, nil
}

func (m *MemoryStore) GrantUntil(_ context.Context, transferID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.grants[transferID]; ok && cur.live(m.now()) {
		return cur.value, nil
	}
	return time.Time{}, nil
}

func (m *MemoryStore) LockPayout(_ context.Context, transferID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.payouts[transferID]; ok && cur.live(m.now()) {
		return false, nil
	}
	m.payouts[transferID] = expiring[struct{}]{until: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryStore) UnlockPayout(_ context.Context, transferID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.payouts, transferID)
	return nil
}

func remaining(startedAt, now time.Time, window time.Duration) time.Duration {
	left := startedAt.Add(window).Sub(now)
	if left < time.Second {
		return time.Second
	}
	return left.Round(time.Second)
}
