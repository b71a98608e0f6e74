package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RetryCounter 记录每条 broker 消息在某个队列上的失败次数
// 计数在最后一次失败 ttl 之后过期
type RetryCounter struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRetryCounter(rdb *redis.Client, ttl time.Duration) *RetryCounter {
	return &RetryCounter{rdb: rdb, ttl: ttl}
}

// Attempt records one more failure of messageID on queue and returns the total.
func (r *RetryCounter) Attempt(ctx context.Context, queue, messageID string) (int64, error) {
	key := retryKey(queue, messageID)

	// INCR 和 EXPIRE 在同一个 MULTI 里，不会留下没有过期时间的计数
	var incr *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count retry %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Clear drops the count once the message is acked or dead-lettered.
func (r *RetryCounter) Clear(ctx context.Context, queue, messageID string) error {
	return r.rdb.Del(ctx, retryKey(queue, messageID)).Err()
}

func retryKey(queue, messageID string) string {
	return "retry:" + queue + ":" + messageID
}
