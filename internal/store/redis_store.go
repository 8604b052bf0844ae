package store

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/qqqwwwyeee-boop/server5/internal/lifecycle"
	"github.com/qqqwwwyeee-boop/server5/internal/model"
)

const (
	defaultRedisPrefix = "server5"
	// optimistic transactions retried when another writer touched the key
	redisWatchAttempts = 50
	redisMGetChunk     = 256
)

// ConnectRedis accepts a redis:// URL or a host:port address and pings it.
func ConnectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	var rdb *redis.Client
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, errors.Wrap(err, "parse redis url")
		}
		rdb = redis.NewClient(opt)
	} else {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, unavailable(errors.Wrap(err, "ping redis"))
	}
	return rdb, nil
}

// RedisStore keeps each record as a JSON string and serializes writers per
// key with WATCH/MULTI. Stats are recounted from the record set on read, so
// they cannot drift from the records.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	nowFn  func() time.Time
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix, nowFn: time.Now}
}

func (s *RedisStore) recordKey(key string) string { return s.prefix + ":key:" + key }
func (s *RedisStore) indexKey() string            { return s.prefix + ":keys" }

func (s *RedisStore) Get(ctx context.Context, key string) (*model.LicenseKey, error) {
	key = model.NormalizeKey(key)
	if key == "" {
		return nil, ErrNotFound
	}
	return s.load(ctx, s.rdb, key)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c stringGetter, key string) (*model.LicenseKey, error) {
	raw, err := c.Get(ctx, s.recordKey(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrNotFound
	case err != nil:
		return nil, unavailable(err)
	}
	return decodeRecord(raw)
}

func decodeRecord(raw []byte) (*model.LicenseKey, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var rec model.LicenseKey
	if err := dec.Decode(&rec); err != nil {
		return nil, corrupt(err)
	}
	return checkLoaded(&rec)
}

func (s *RedisStore) Upsert(ctx context.Context, key string, fn Mutator) (*model.LicenseKey, error) {
	key = model.NormalizeKey(key)
	if key == "" {
		return nil, ErrNotFound
	}
	rk := s.recordKey(key)

	var (
		out   *model.LicenseKey
		fnErr error
	)
	txf := func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		next, err := fn(cur.Clone())
		if err != nil {
			fnErr = err
			return err
		}
		if next == nil {
			out = cur
			return nil
		}

		now := s.nowFn().UTC()
		next.Key = key
		next.UpdatedAt = now
		if next.CreatedAt.IsZero() {
			if cur != nil {
				next.CreatedAt = cur.CreatedAt
			} else {
				next.CreatedAt = now
			}
		}
		if err := next.Validate(); err != nil {
			fnErr = err
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			fnErr = err
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rk, data, 0)
			pipe.SAdd(ctx, s.indexKey(), key)
			return nil
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	}

	err := retry.Do(
		func() error {
			out, fnErr = nil, nil
			return s.rdb.Watch(ctx, txf, rk)
		},
		retry.Context(ctx),
		retry.Attempts(redisWatchAttempts),
		retry.Delay(2*time.Millisecond),
		retry.MaxDelay(50*time.Millisecond),
		retry.MaxJitter(5*time.Millisecond),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, redis.TxFailedErr)
		}),
	)
	if err != nil {
		if fnErr != nil && err == fnErr {
			return nil, err
		}
		return nil, unavailable(err)
	}
	if out == nil {
		return nil, ErrNotFound
	}
	return out.Clone(), nil
}

func (s *RedisStore) List(ctx context.Context) ([]*model.LicenseKey, error) {
	keys, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	recs := make([]*model.LicenseKey, 0, len(keys))
	for start := 0; start < len(keys); start += redisMGetChunk {
		end := min(start+redisMGetChunk, len(keys))
		rks := make([]string, 0, end-start)
		for _, k := range keys[start:end] {
			rks = append(rks, s.recordKey(k))
		}

		vals, err := s.rdb.MGet(ctx, rks...).Result()
		if err != nil {
			return nil, unavailable(err)
		}
		for i, v := range vals {
			raw, ok := v.(string)
			if !ok {
				return nil, corrupt(errors.Errorf("indexed key %s has no record", keys[start+i]))
			}
			rec, err := decodeRecord([]byte(raw))
			if err != nil {
				return nil, err
			}
			recs = append(recs, rec)
		}
	}

	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].ActivatedAt.Equal(recs[j].ActivatedAt) {
			return recs[i].ActivatedAt.Before(recs[j].ActivatedAt)
		}
		return recs[i].Key < recs[j].Key
	})
	return recs, nil
}

func (s *RedisStore) Stats(ctx context.Context) (model.Stats, error) {
	recs, err := s.List(ctx)
	if err != nil {
		return model.Stats{}, err
	}
	return lifecycle.ComputeStats(recs), nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
