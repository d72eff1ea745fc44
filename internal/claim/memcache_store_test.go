package claim

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimrails/internal/domain"
)

type fakeEntry struct {
	value []byte
	until time.Time
}

// fakeMemcache mimics the memcached semantics the store relies on: Add
// fails on live keys, Increment fails on missing keys, TTLs expire.
type fakeMemcache struct {
	now func() time.Time

	mu     sync.Mutex
	values map[string]fakeEntry
}

func newFakeMemcache(now func() time.Time) *fakeMemcache {
	return &fakeMemcache{now: now, values: make(map[string]fakeEntry)}
}

func (f *fakeMemcache) live(key string) (fakeEntry, bool) {
	e, ok := f.values[key]
	if !ok {
		return fakeEntry{}, false
	}
	if !e.until.IsZero() && !f.now().Before(e.until) {
		delete(f.values, key)
		return fakeEntry{}, false
	}
	return e, true
}

func (f *fakeMemcache) entry(item *memcache.Item) fakeEntry {
	e := fakeEntry{value: append([]byte(nil), item.Value...)}
	if item.Expiration > 0 {
		e.until = f.now().Add(time.Duration(item.Expiration) * time.Second)
	}
	return e
}

func (f *fakeMemcache) Get(key string) (*memcache.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.live(key)
	if !ok {
		return nil, memcache.ErrCacheMiss
	}
	return &memcache.Item{Key: key, Value: append([]byte(nil), e.value...)}, nil
}

func (f *fakeMemcache) Set(item *memcache.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[item.Key] = f.entry(item)
	return nil
}

func (f *fakeMemcache) Add(item *memcache.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live(item.Key); ok {
		return memcache.ErrNotStored
	}
	f.values[item.Key] = f.entry(item)
	return nil
}

func (f *fakeMemcache) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live(key); !ok {
		return memcache.ErrCacheMiss
	}
	delete(f.values, key)
	return nil
}

func (f *fakeMemcache) Increment(key string, delta uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.live(key)
	if !ok {
		return 0, memcache.ErrCacheMiss
	}
	cur, err := strconv.ParseUint(strings.TrimSpace(string(e.value)), 10, 64)
	if err != nil {
		return 0, err
	}
	cur += delta
	e.value = []byte(strconv.FormatUint(cur, 10))
	f.values[key] = e
	return cur, nil
}

func TestMemcacheStoreSessionLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := NewMemcacheStoreWithClient(newFakeMemcache(clock))
	ctx := context.Background()

	_, err := store.GetSession(ctx, "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.IncrementAttempts(ctx, "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)

	sess := &domain.ClaimSession{ID: "s1", TransferID: "0xabc", MaxAttempts: 5, CodeHash: []byte{1, 2, 3}, Attempts: 3}
	require.NoError(t, store.PutSession(ctx, sess, time.Minute))

	n, err := store.IncrementAttempts(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "counter starts from zero")

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, []byte{1, 2, 3}, got.CodeHash)

	active, err := store.ActiveSession(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "s1", active)

	require.NoError(t, store.CloseSession(ctx, "s1"))
	require.NoError(t, store.CloseSession(ctx, "s1"), "closing twice is fine")
	_, err = store.GetSession(ctx, "s1")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemcacheStoreCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := NewMemcacheStoreWithClient(newFakeMemcache(clock))
	ctx := context.Background()

	wait, err := store.TakeCooldown(ctx, "0xabc", now, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, wait)

	now = now.Add(20 * time.Second)
	wait, err = store.TakeCooldown(ctx, "0xabc", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 40*time.Second, wait)

	require.NoError(t, store.ReleaseCooldown(ctx, "0xabc"))
	wait, err = store.TakeCooldown(ctx, "0xabc", now, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, wait)
}

func TestMemcacheStoreTokens(t *testing.T) {
	store := NewMemcacheStoreWithClient(newFakeMemcache(time.Now))
	ctx := context.Background()

	ok, err := store.ConsumeToken(ctx, "jti", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.ConsumeToken(ctx, "jti", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.ReleaseToken(ctx, "jti"))
	ok, err = store.ConsumeToken(ctx, "jti", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "a released token can be consumed again")
}

func TestMemcacheStoreGrantIsSingle(t *testing.T) {
	now := time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)
	store := NewMemcacheStoreWithClient(newFakeMemcache(func() time.Time { return now }))
	ctx := context.Background()
	until := now.Add(5 * time.Minute)

	ok, err := store.TakeGrant(ctx, "0xabc", now, until)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.TakeGrant(ctx, "0xabc", now, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GrantUntil(ctx, "0xabc")
	require.NoError(t, err)
	assert.True(t, got.Equal(until))

	now = until
	got, err = store.GrantUntil(ctx, "0xabc")
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestMemcacheStorePayoutLock(t *testing.T) {
	store := NewMemcacheStoreWithClient(newFakeMemcache(time.Now))
	ctx := context.Background()

	ok, err := store.LockPayout(ctx, "0xabc", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.LockPayout(ctx, "0xabc", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.UnlockPayout(ctx, "0xabc"))
	ok, err = store.LockPayout(ctx, "0xabc", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSecondsRoundsUp(t *testing.T) {
	assert.Equal(t, int32(0), seconds(0))
	assert.Equal(t, int32(1), seconds(10*time.Millisecond))
	assert.Equal(t, int32(60), seconds(time.Minute))
}
