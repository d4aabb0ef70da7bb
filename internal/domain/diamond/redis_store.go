package diamond

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefixes
const (
	accountKeyPrefix     = "diamond:account:"
	historyKeyPrefix     = "diamond:tx:"
	idempotencyKeyPrefix = "diamond:idem:"
)

const maxWatchRetries = 5

// RedisStore keeps one JSON account per key, a newest-first list of
// transactions and a hash of idempotency keys. A unit WATCHes the account
// key and commits with MULTI/EXEC, retrying when another writer won.
type RedisStore struct {
	client  *redis.Client
	policy  *Policy
	now     Clock
	timeout time.Duration
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, policy *Policy, now Clock, timeout time.Duration) *RedisStore {
	if now == nil {
		now = time.Now
	}
	if timeout <= 0 {
		timeout = queryTimeout
	}
	return &RedisStore{client: client, policy: policy, now: now, timeout: timeout}
}

func accountKey(userID string) string     { return accountKeyPrefix + userID }
func historyKey(userID string) string     { return historyKeyPrefix + userID }
func idempotencyKey(userID string) string { return idempotencyKeyPrefix + userID }

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, userID string) (*Account, error) {
	ctx2, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := json.Marshal(s.policy.NewAccount(userID, s.now()))
	if err != nil {
		return nil, fmt.Errorf("encode account: %w", err)
	}
	if err := s.client.SetNX(ctx2, accountKey(userID), string(payload), 0).Err(); err != nil {
		return nil, wrapStorage("create account", err)
	}

	raw, err := s.client.Get(ctx2, accountKey(userID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapStorage("get account", err)
	}
	return decodeAccount(raw)
}

// Recent implements Store.
func (s *RedisStore) Recent(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	ctx2, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return recentFrom(ctx2, s.client, userID, limit)
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	ctx2, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Del(ctx2, accountKey(userID), historyKey(userID), idempotencyKey(userID)).Err(); err != nil {
		return wrapStorage("delete account", err)
	}
	return nil
}

// Atomic implements Store.
func (s *RedisStore) Atomic(ctx context.Context, userID string, fn func(ctx context.Context, u Unit) error) error {
	ctx2, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := accountKey(userID)
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx2, func(tx *redis.Tx) error {
			u, err := s.openUnit(ctx2, tx, userID)
			if err != nil {
				return err
			}
			if err := fn(ctx2, u); err != nil {
				return err
			}
			return u.commit(ctx2)
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return fmt.Errorf("%w: %w", ErrStorageUnavailable, ErrConflict)
}

func (s *RedisStore) openUnit(ctx context.Context, tx *redis.Tx, userID string) (*redisUnit, error) {
	u := &redisUnit{tx: tx, userID: userID}

	raw, err := tx.Get(ctx, accountKey(userID)).Result()
	switch {
	case err == redis.Nil:
		u.account = s.policy.NewAccount(userID, s.now())
		u.dirty = true
	case err != nil:
		return nil, wrapStorage("watch account", err)
	default:
		acc, err := decodeAccount(raw)
		if err != nil {
			return nil, err
		}
		u.account = acc
	}
	return u, nil
}

func decodeAccount(raw string) (*Account, error) {
	var acc Account
	if err := json.Unmarshal([]byte(raw), &acc); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	return &acc, nil
}

type listReader interface {
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

func recentFrom(ctx context.Context, c listReader, userID string, limit int) ([]Transaction, error) {
	raws, err := c.LRange(ctx, historyKey(userID), 0, int64(clampLimit(limit)-1)).Result()
	if err != nil {
		return nil, wrapStorage("list transactions", err)
	}

	txs := make([]Transaction, 0, len(raws))
	for _, raw := range raws {
		t, err := decodeTransaction(raw)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	return txs, nil
}

// redisTransaction is the stored shape; sql.NullString does not round-trip through JSON.
type redisTransaction struct {
	Transaction
	Key string `json:"idempotency_key,omitempty"`
}

func encodeTransaction(t *Transaction) (string, error) {
	rt := redisTransaction{Transaction: *t}
	if t.IdempotencyKey.Valid {
		rt.Key = t.IdempotencyKey.String
	}
	b, err := json.Marshal(rt)
	if err != nil {
		return "", fmt.Errorf("encode transaction: %w", err)
	}
	return string(b), nil
}

func decodeTransaction(raw string) (*Transaction, error) {
	var rt redisTransaction
	if err := json.Unmarshal([]byte(raw), &rt); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	t := rt.Transaction
	if rt.Key != "" {
		t.IdempotencyKey.String = rt.Key
		t.IdempotencyKey.Valid = true
	}
	return &t, nil
}

type redisUnit struct {
	tx       *redis.Tx
	userID   string
	account  *Account
	dirty    bool
	appended []Transaction
}

func (u *redisUnit) Get(_ context.Context, userID string) (*Account, error) {
	if userID != u.userID {
		return nil, fmt.Errorf("%w: unit is bound to another user", ErrNotFound)
	}
	acc := *u.account
	return &acc, nil
}

func (u *redisUnit) Save(_ context.Context, acc *Account) error {
	if acc.Balance < 0 {
		return ErrInsufficientBalance
	}
	saved := *acc
	u.account = &saved
	u.dirty = true
	return nil
}

func (u *redisUnit) Append(_ context.Context, t *Transaction) error {
	u.appended = append(u.appended, *t)
	return nil
}

func (u *redisUnit) FindByIdempotencyKey(ctx context.Context, userID, key string) (*Transaction, error) {
	for i := range u.appended {
		if u.appended[i].IdempotencyKey.Valid && u.appended[i].IdempotencyKey.String == key {
			t := u.appended[i]
			return &t, nil
		}
	}

	raw, err := u.tx.HGet(ctx, idempotencyKey(userID), key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage("find idempotency key", err)
	}
	return decodeTransaction(raw)
}

func (u *redisUnit) Recent(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	committed, err := recentFrom(ctx, u.tx, userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Transaction, 0, len(u.appended)+len(committed))
	for i := len(u.appended) - 1; i >= 0; i-- {
		out = append(out, u.appended[i])
	}
	out = append(out, committed...)
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (u *redisUnit) commit(ctx context.Context) error {
	if !u.dirty && len(u.appended) == 0 {
		return nil
	}

	accPayload, err := json.Marshal(u.account)
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}

	_, err = u.tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, accountKey(u.userID), string(accPayload), 0)
		for i := range u.appended {
			raw, err := encodeTransaction(&u.appended[i])
			if err != nil {
				return err
			}
			pipe.LPush(ctx, historyKey(u.userID), raw)
			if u.appended[i].IdempotencyKey.Valid {
				pipe.HSet(ctx, idempotencyKey(u.userID), u.appended[i].IdempotencyKey.String, raw)
			}
		}
		return nil
	})
	if errors.Is(err, redis.TxFailedErr) {
		return err
	}
	if err != nil {
		return wrapStorage("commit unit", err)
	}
	return nil
}
