package claim

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"claimrails/internal/domain"
)

// memcacheClient is the minimal surface used by MemcacheStore.
type memcacheClient interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
	Add(item *memcache.Item) error
	Delete(key string) error
	Increment(key string, delta uint64) (uint64, error)
}

// MemcacheStore keeps claim state in memcached so every API instance sees
// the same counters. Keys:
//   - cooldown:<transferId> => issuance unix nanos, TTL = cooldown (Add only)
//   - session:<id>          => session JSON, TTL = OTP lifetime
//   - attempts:<id>         => attempt counter, TTL = OTP lifetime (Increment only)
//   - active:<transferId>   => current session id
//   - token:<jti>           => consumption marker, TTL = token lifetime (Add only)
//   - grant:<transferId>    => live token expiry unix nanos, TTL = token lifetime (Add only)
//   - payout:<transferId>   => payout lock, TTL = lock lease (Add only)
type MemcacheStore struct {
	client memcacheClient
	prefix string
}

func NewMemcacheStore(maxIdleConns int, addrs ...string) (*MemcacheStore, error) {
	trimmed := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		a = strings.TrimPrefix(a, "memcache://")
		if a != "" {
			trimmed = append(trimmed, a)
		}
	}
	if len(trimmed) == 0 {
		return nil, errors.New("memcache: no server addresses")
	}
	c := memcache.New(trimmed...)
	if maxIdleConns > 0 {
		c.MaxIdleConns = maxIdleConns
	}
	return &MemcacheStore{client: c, prefix: "claimrails:"}, nil
}

// NewMemcacheStoreWithClient is intended for tests.
func NewMemcacheStoreWithClient(c memcacheClient) *MemcacheStore {
	return &MemcacheStore{client: c, prefix: "claimrails:"}
}

// Ping checks the first server answers.
func (s *MemcacheStore) Ping(ctx context.Context) error {
	_, err := s.client.Get(s.prefix + "ping")
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}

func (s *MemcacheStore) key(kind, id string) string { return s.prefix + kind + ":" + id }

func seconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	secs := int32(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

func (s *MemcacheStore) TakeCooldown(_ context.Context, transferID string, now time.Time, window time.Duration) (time.Duration, error) {
	k := s.key("cooldown", transferID)
	err := s.client.Add(&memcache.Item{
		Key:        k,
		Value:      []byte(strconv.FormatInt(now.UnixNano(), 10)),
		Expiration: seconds(window),
	})
	if err == nil {
		return 0, nil
	}
	if !errors.Is(err, memcache.ErrNotStored) {
		return 0, err
	}
	item, err := s.client.Get(k)
	if errors.Is(err, memcache.ErrCacheMiss) {
		// Expired between Add and Get; the caller may retry right away.
		return time.Second, nil
	}
	if err != nil {
		return 0, err
	}
	started, err := strconv.ParseInt(strings.TrimSpace(string(item.Value)), 10, 64)
	if err != nil {
		return window, nil
	}
	return remaining(time.Unix(0, started), now, window), nil
}

func (s *MemcacheStore) ReleaseCooldown(_ context.Context, transferID string) error {
	return ignoreMiss(s.client.Delete(s.key("cooldown", transferID)))
}

func (s *MemcacheStore) PutSession(_ context.Context, sess *domain.ClaimSession, ttl time.Duration) error {
	c := *sess
	c.Attempts = 0
	raw, err := json.Marshal(&c)
	if err != nil {
		return err
	}
	exp := seconds(ttl)
	if err := s.client.Set(&memcache.Item{Key: s.key("attempts", sess.ID), Value: []byte("0"), Expiration: exp}); err != nil {
		return err
	}
	if err := s.client.Set(&memcache.Item{Key: s.key("session", sess.ID), Value: raw, Expiration: exp}); err != nil {
		return err
	}
	return s.client.Set(&memcache.Item{Key: s.key("active", sess.TransferID), Value: []byte(sess.ID), Expiration: exp})
}

func (s *MemcacheStore) GetSession(_ context.Context, sessionID string) (*domain.ClaimSession, error) {
	item, err := s.client.Get(s.key("session", sessionID))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess domain.ClaimSession
	if err := json.Unmarshal(item.Value, &sess); err != nil {
		return nil, err
	}
	if cnt, err := s.client.Get(s.key("attempts", sessionID)); err == nil {
		// Memcache pads counters that shrink in width, so trim first.
		if n, err := strconv.Atoi(strings.TrimSpace(string(cnt.Value))); err == nil {
			sess.Attempts = n
		}
	}
	return &sess, nil
}

func (s *MemcacheStore) ActiveSession(_ context.Context, transferID string) (string, error) {
	item, err := s.client.Get(s.key("active", transferID))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(item.Value), nil
}

func (s *MemcacheStore) IncrementAttempts(_ context.Context, sessionID string) (int, error) {
	n, err := s.client.Increment(s.key("attempts", sessionID), 1)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return 0, ErrSessionNotFound
	}
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *MemcacheStore) CloseSession(_ context.Context, sessionID string) error {
	return ignoreMiss(s.client.Delete(s.key("session", sessionID)))
}

func (s *MemcacheStore) ConsumeToken(_ context.Context, tokenID string, ttl time.Duration) (bool, error) {
	return s.add(s.key("token", tokenID), []byte("1"), ttl)
}

func (s *MemcacheStore) ReleaseToken(_ context.Context, tokenID string) error {
	return ignoreMiss(s.client.Delete(s.key("token", tokenID)))
}

func (s *MemcacheStore) TakeGrant(_ context.Context, transferID string, now, until time.Time) (bool, error) {
	return s.add(s.key("grant", transferID), []byte(strconv.FormatInt(until.UnixNano(), 10)), until.Sub(now))
}

func (s *MemcacheStore) GrantUntil(_ context.Context, transferID string) (time.Time, error) {
	item, err := s.client.Get(s.key("grant", transferID))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	nanos, err := strconv.ParseInt(strings.TrimSpace(string(item.Value)), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, nanos), nil
}

func (s *MemcacheStore) LockPayout(_ context.Context, transferID string, ttl time.Duration) (bool, error) {
	return s.add(s.key("payout", transferID), []byte("1"), ttl)
}

func (s *MemcacheStore) UnlockPayout(_ context.Context, transferID string) error {
	return ignoreMiss(s.client.Delete(s.key("payout", transferID)))
}

// add is a set-if-absent. It reports false when the key already exists.
func (s *MemcacheStore) add(key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl < time.Second {
		// Expiration 0 would keep the key forever.
		ttl = time.Second
	}
	err := s.client.Add(&memcache.Item{Key: key, Value: value, Expiration: seconds(ttl)})
	if errors.Is(err, memcache.ErrNotStored) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func ignoreMiss(err error) error {
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}
