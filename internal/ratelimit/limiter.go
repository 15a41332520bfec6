// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. The relay uses it to admit WebSocket upgrades per client IP.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketchat/relay/internal/ws"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:conn:"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleConnect allows 30 WebSocket upgrades per minute per IP.
var RuleConnect = Rule{Key: "rl:conn:", Limit: 30, Window: time.Minute}

// ConnectRule returns RuleConnect with its limit replaced. A non-positive
// limit keeps the default.
func ConnectRule(limit int) Rule {
	rule := RuleConnect
	if limit > 0 {
		rule.Limit = limit
	}
	return rule
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow increments the identifier's counter for rule and reports whether it
// is still within the limit. Redis errors fail open.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// First hit opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns how many requests the identifier has left in the current
// window. A missing key or a Redis error yields the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	return max(rule.Limit-count, 0), nil
}

// Admission adapts the limiter into a ws.Admission check keyed by client IP.
func (l *Limiter) Admission(rule Rule) ws.Admission {
	return func(ctx context.Context, remoteIP string) bool {
		allowed, _ := l.Allow(ctx, remoteIP, rule)
		if !allowed {
			log.Printf("[ratelimit] connect limit reached ip=%s", remoteIP)
		}
		return allowed
	}
}
