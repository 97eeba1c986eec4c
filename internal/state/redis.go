package state

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// txnRetries bounds optimistic retries before surfacing ErrTxnConflict.
const txnRetries = 16

// RedisStore implements Store on a Redis instance. CAS semantics come from
// WATCH/MULTI/EXEC: the conditional write aborts if the watched key changed,
// and Update retries with a fresh read.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing go-redis client. keyPrefix namespaces all
// documents (e.g. "toolbridge:").
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "toolbridge:"
	}
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (r *RedisStore) key(path string) string { return r.prefix + path }

func (r *RedisStore) Get(ctx context.Context, path string) ([]byte, error) {
	body, err := r.client.Get(ctx, r.key(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return body, err
}

func (r *RedisStore) Put(ctx context.Context, path string, body []byte) error {
	return r.client.Set(ctx, r.key(path), body, 0).Err()
}

func (r *RedisStore) Update(ctx context.Context, path string, fn Mutate) ([]byte, error) {
	key := r.key(path)

	var committed []byte
	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, next, 0)
			}
			return nil
		})
		committed = next
		return err
	}

	for attempt := 0; attempt < txnRetries; attempt++ {
		err := r.client.Watch(ctx, txn, key)
		if err == nil {
			return committed, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			// Another writer raced us; re-read and retry.
			time.Sleep(time.Duration(attempt+1) * time.Millisecond)
			continue
		}
		return nil, err
	}
	return nil, ErrTxnConflict
}

func (r *RedisStore) Delete(ctx context.Context, path string) error {
	return r.client.Del(ctx, r.key(path)).Err()
}
