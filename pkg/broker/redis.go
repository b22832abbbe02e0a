package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker against a shared Redis instance
type RedisBroker struct {
	client *redis.Client
}

// RedisOptions holds the connection settings for NewRedisBroker
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBroker connects to Redis and verifies the connection
func NewRedisBroker(ctx context.Context, opts RedisOptions) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to broker at %s: %w", opts.Addr, err)
	}

	return &RedisBroker{client: client}, nil
}

func (b *RedisBroker) SetAdd(ctx context.Context, key string, members ...string) error {
	return b.client.SAdd(ctx, key, toAny(members)...).Err()
}

func (b *RedisBroker) SetRemove(ctx context.Context, key string, members ...string) error {
	return b.client.SRem(ctx, key, toAny(members)...).Err()
}

func (b *RedisBroker) SetMembers(ctx context.Context, key string) ([]string, error) {
	return b.client.SMembers(ctx, key).Result()
}

func (b *RedisBroker) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return b.client.HSet(ctx, key, fields).Err()
}

func (b *RedisBroker) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	return b.client.HGetAll(ctx, key).Result()
}

func (b *RedisBroker) SortedSetAdd(ctx context.Context, key, member string, score float64) error {
	return b.client.ZAdd(ctx, key, redis.Z{Member: member, Score: score}).Err()
}

func (b *RedisBroker) SortedSetRemove(ctx context.Context, key string, members ...string) error {
	return b.client.ZRem(ctx, key, toAny(members)...).Err()
}

func (b *RedisBroker) SortedSetRange(ctx context.Context, key string) ([]ScoredMember, error) {
	zs, err := b.client.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	members := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		members = append(members, ScoredMember{Member: member, Score: z.Score})
	}
	return members, nil
}

func (b *RedisBroker) ListPushHead(ctx context.Context, key, value string) error {
	return b.client.LPush(ctx, key, value).Err()
}

func (b *RedisBroker) ListPopTail(ctx context.Context, key string) (string, bool, error) {
	val, err := b.client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (b *RedisBroker) ListLen(ctx context.Context, key string) (int64, error) {
	return b.client.LLen(ctx, key).Result()
}

func (b *RedisBroker) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.client.Expire(ctx, key, ttl).Err()
}

func (b *RedisBroker) Delete(ctx context.Context, keys ...string) error {
	return b.client.Del(ctx, keys...).Err()
}

func (b *RedisBroker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, key, value, ttl).Result()
}

func (b *RedisBroker) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func toAny(members []string) []any {
	out := make([]any, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}
