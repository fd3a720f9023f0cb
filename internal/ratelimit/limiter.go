// Package ratelimit throttles chat actions with Redis INCR + EXPIRE
// counters. Each rule gets its own keyspace so message sends, partner
// searches, and raw connections are limited independently.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one throttling policy: a key prefix, the allowed count, and the
// window the count applies to.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleSend allows 5 chat messages per 10 seconds per user.
	RuleSend = Rule{Key: "rl:send:", Limit: 5, Window: 10 * time.Second}

	// RuleFind allows 10 partner searches per minute per user.
	RuleFind = Rule{Key: "rl:find:", Limit: 10, Window: 1 * time.Minute}

	// RuleConnect allows 5 WebSocket upgrades per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 5, Window: 1 * time.Minute}
)

// Limiter checks rules against Redis.
type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow increments the counter for identifier under rule and reports whether
// the action is still inside the limit. The first increment in a window sets
// the key expiry. Redis errors fail open so an outage never blocks chat
// traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] INCR %s: %v (failing open)", key, err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] EXPIRE %s: %v (failing open)", key, err)
			// Without a TTL the counter would throttle the identifier
			// forever, so drop it.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining reports how many actions identifier has left in the current
// window. A missing key means an untouched window; Redis errors fail open
// with the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] GET %s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
