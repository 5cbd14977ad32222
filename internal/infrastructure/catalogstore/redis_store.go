package catalogstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/example/farmlink-orders/internal/domain/catalog"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// KEYS[1] product hash, KEYS[2] id index. ARGV: data, id.
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'version', 1, 'data', ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`)

// KEYS[1] product hash. ARGV: expected version, next version, data.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if not cur then
	return -1
end
if tonumber(cur) ~= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'data', ARGV[3])
return 1
`)

// RedisStore keeps each product in a hash with its version next to the JSON body,
// so version checks run atomically inside Lua scripts.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "farmlink:catalog"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// ConnectRedis opens a client and checks it answers PING.
func ConnectRedis(ctx context.Context, addr, password string, db int, log *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info("redis connected", zap.String("addr", addr))
	return rdb, nil
}

func (s *RedisStore) productKey(id string) string { return s.prefix + ":product:" + id }
func (s *RedisStore) indexKey() string           { return s.prefix + ":ids" }

func (s *RedisStore) Get(ctx context.Context, id string) (catalog.Product, error) {
	data, err := s.client.HGet(ctx, s.productKey(id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return catalog.Product{}, catalog.ErrProductNotFound
	}
	if err != nil {
		return catalog.Product{}, err
	}
	var p catalog.Product
	if err := json.Unmarshal(data, &p); err != nil {
		return catalog.Product{}, fmt.Errorf("decode product %s: %w", id, err)
	}
	return p, nil
}

func (s *RedisStore) List(ctx context.Context) ([]catalog.Product, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]catalog.Product, 0, len(ids))
	for _, id := range ids {
		p, err := s.Get(ctx, id)
		if errors.Is(err, catalog.ErrProductNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *RedisStore) Insert(ctx context.Context, p catalog.Product) (catalog.Product, error) {
	p.Version = 1
	data, err := json.Marshal(p)
	if err != nil {
		return catalog.Product{}, err
	}
	res, err := insertScript.Run(ctx, s.client, []string{s.productKey(p.ID), s.indexKey()}, data, p.ID).Int()
	if err != nil {
		return catalog.Product{}, err
	}
	if res == 0 {
		return catalog.Product{}, catalog.ErrProductExists
	}
	return p, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, next catalog.Product, expectedVersion int64) (catalog.Product, error) {
	next.Version = expectedVersion + 1
	data, err := json.Marshal(next)
	if err != nil {
		return catalog.Product{}, err
	}
	res, err := casScript.Run(ctx, s.client, []string{s.productKey(next.ID)}, expectedVersion, next.Version, data).Int()
	if err != nil {
		return catalog.Product{}, err
	}
	switch res {
	case -1:
		return catalog.Product{}, catalog.ErrProductNotFound
	case 0:
		return catalog.Product{}, catalog.ErrVersionConflict
	}
	return next, nil
}

func (s *RedisStore) Remove(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.productKey(id))
		pipe.SRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return catalog.ErrProductNotFound
	}
	return nil
}

func (s *RedisStore) Restore(ctx context.Context, p catalog.Product) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.productKey(p.ID), "version", p.Version, "data", data)
		pipe.SAdd(ctx, s.indexKey(), p.ID)
		return nil
	})
	return err
}
