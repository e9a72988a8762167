package store

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"

	"github.com/billm/switchboard/internal/logger"
	"github.com/billm/switchboard/pkg/types"
)

const (
	redisPingRetries    = 3
	redisInitialBackoff = 100 * time.Millisecond
	redisMaxBackoff     = 2 * time.Second
	redisPingTimeout    = 5 * time.Second
)

// RedisOptions configures the Redis backend
type RedisOptions struct {
	Addr   string
	DB     int
	Logger *logger.Logger
}

// redisBackend keeps each collection in a hash at <name>:c:<collection>.
// The set of created collections lives at <name>:collections and the
// schema version at <name>:version.
type redisBackend struct {
	client *redis.Client
	name   string
	logger *logger.Logger
}

// OpenRedis returns an open primitive backed by go-redis.
func OpenRedis(opts RedisOptions) OpenFunc {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}

	return func(ctx context.Context, name string, version int, upgrade UpgradeFunc) (Backend, error) {
		client := redis.NewClient(&redis.Options{Addr: opts.Addr, DB: opts.DB})
		log := opts.Logger.With("component", "store_redis", "addr", opts.Addr)

		ping := func() error {
			pctx, cancel := context.WithTimeout(ctx, redisPingTimeout)
			defer cancel()
			return client.Ping(pctx).Err()
		}
		policy := backoff.WithContext(
			backoff.WithMaxRetries(
				backoff.NewExponentialBackOff(
					backoff.WithInitialInterval(redisInitialBackoff),
					backoff.WithMaxInterval(redisMaxBackoff),
				),
				redisPingRetries,
			),
			ctx,
		)
		err := backoff.RetryNotify(ping, policy, func(err error, d time.Duration) {
			log.Warn("Retrying redis connection", "error", err, "next_attempt", d.String())
		})
		if err != nil {
			client.Close()
			return nil, types.WrapError(types.ErrCodeUnavailable, "redis connection failed", err)
		}

		b := &redisBackend{client: client, name: name, logger: log}
		if err := b.migrate(ctx, version, upgrade); err != nil {
			client.Close()
			return nil, err
		}

		log.Info("Redis store opened", "name", name, "version", version)
		return b, nil
	}
}

func (b *redisBackend) versionKey() string     { return b.name + ":version" }
func (b *redisBackend) collectionsKey() string { return b.name + ":collections" }
func (b *redisBackend) hashKey(c string) string { return b.name + ":c:" + c }

func (b *redisBackend) migrate(ctx context.Context, version int, upgrade UpgradeFunc) error {
	stored := 0
	raw, err := b.client.Get(ctx, b.versionKey()).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return types.WrapError(types.ErrCodeUnavailable, "failed to read store version", err)
	default:
		stored, err = strconv.Atoi(raw)
		if err != nil {
			return types.WrapError(types.ErrCodeInternal, "corrupt store version", err)
		}
	}

	if stored > version {
		return errVersion(b.name, stored, version)
	}
	if stored == version {
		return nil
	}

	if upgrade != nil {
		if err := upgrade(redisUpgrader{ctx: ctx, b: b}, stored, version); err != nil {
			return types.WrapError(types.ErrCodeInternal, "store upgrade failed", err)
		}
	}
	if err := b.client.Set(ctx, b.versionKey(), version, 0).Err(); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to write store version", err)
	}
	return nil
}

type redisUpgrader struct {
	ctx context.Context
	b   *redisBackend
}

func (u redisUpgrader) HasCollection(name string) (bool, error) {
	return u.b.client.SIsMember(u.ctx, u.b.collectionsKey(), name).Result()
}

func (u redisUpgrader) CreateCollection(name string) error {
	return u.b.client.SAdd(u.ctx, u.b.collectionsKey(), name).Err()
}

func (b *redisBackend) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	value, err := b.client.HGet(ctx, b.hashKey(collection), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, types.WrapError(types.ErrCodeUnavailable, "redis get failed", err)
	}
	return value, true, nil
}

func (b *redisBackend) Put(ctx context.Context, collection, key string, value []byte) error {
	if err := b.client.HSet(ctx, b.hashKey(collection), key, value).Err(); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "redis put failed", err)
	}
	return nil
}

func (b *redisBackend) Delete(ctx context.Context, collection, key string) error {
	if err := b.client.HDel(ctx, b.hashKey(collection), key).Err(); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "redis delete failed", err)
	}
	return nil
}

func (b *redisBackend) List(ctx context.Context, collection string) ([][]byte, error) {
	all, err := b.client.HGetAll(ctx, b.hashKey(collection)).Result()
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "redis list failed", err)
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([][]byte, 0, len(keys))
	for _, k := range keys {
		values = append(values, []byte(all[k]))
	}
	return values, nil
}

func (b *redisBackend) Close() error {
	if err := b.client.Close(); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to close redis store", err)
	}
	b.logger.Info("Redis store closed")
	return nil
}
