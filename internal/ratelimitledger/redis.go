package ratelimitledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger is the out-of-process shared cache spec.md §4.4 prefers for
// multi-instance deployments, grounded on BaSui01-agentflow's
// RedisTaskStore (client construction, Ping health check, keyPrefix
// convention) — set-with-TTL stands in for that store's hash+sorted-set
// indexing since a ledger entry has no secondary lookups to index.
type RedisLedger struct {
	client *redis.Client
}

type RedisLedgerConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

func NewRedisLedger(cfg RedisLedgerConfig) (*RedisLedger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ratelimitledger: redis connect failed: %w", err)
	}

	return &RedisLedger{client: client}, nil
}

func (l *RedisLedger) MarkRateLimited(ctx context.Context, accountID, family string, retryAfter time.Duration, model, message string) error {
	ttl := clampRetryAfter(retryAfter)
	entry := Entry{AccountID: accountID, Family: family, ResetAt: time.Now().Add(ttl), Model: model, Message: message}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	key := ledgerKey(accountID, family)

	// Max-wins: a mark whose TTL is shorter than the one already stored is
	// dropped, so a shorter reset arriving after a longer one cannot shrink
	// the ban. The TTL read and the SET are separate commands (no Lua CAS),
	// so two marks racing across instances can still end on the later writer.
	if current, err := l.client.TTL(ctx, key).Result(); err == nil && current > ttl {
		return nil
	}
	return l.client.Set(ctx, key, b, ttl).Err()
}

func (l *RedisLedger) IsRateLimited(ctx context.Context, accountID, family string) (bool, error) {
	_, err := l.client.Get(ctx, ledgerKey(accountID, family)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *RedisLedger) GetRateLimitedAccountIDs(ctx context.Context, accountIDs []string, family string) (map[string]bool, error) {
	result := make(map[string]bool, len(accountIDs))
	if len(accountIDs) == 0 {
		return result, nil
	}

	keys := make([]string, len(accountIDs))
	for i, id := range accountIDs {
		keys[i] = ledgerKey(id, family)
	}

	values, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		if v != nil {
			result[accountIDs[i]] = true
		}
	}
	return result, nil
}

func (l *RedisLedger) GetMinWaitTime(ctx context.Context, accountIDs []string, family string) (time.Duration, error) {
	if len(accountIDs) == 0 {
		return 0, nil
	}

	pipe := l.client.Pipeline()
	cmds := make([]*redis.DurationCmd, len(accountIDs))
	for i, id := range accountIDs {
		cmds[i] = pipe.TTL(ctx, ledgerKey(id, family))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, err
	}

	var min time.Duration = -1
	for _, cmd := range cmds {
		ttl := cmd.Val()
		if ttl <= 0 {
			// key absent or already expired: this account is free
			return 0, nil
		}
		if min < 0 || ttl < min {
			min = ttl
		}
	}
	if min < 0 {
		return 0, nil
	}
	return min, nil
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}
