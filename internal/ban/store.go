// Package ban keeps a Redis-backed block list of client addresses. Records
// are plain keys that expire with the ban:
//
//	Key:   ban:<ip>
//	Value: <reason>
//	TTL:   ban duration
package ban

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketchat/relay/internal/ws"
)

const (
	// BanPrefix is the Redis key prefix for ban records.
	BanPrefix = "ban:"

	// OffensePrefix counts admission rejections per address.
	OffensePrefix = "offenses:"

	// Escalating ban durations.
	Ban15Min  = 15 * time.Minute
	Ban1Hour  = 1 * time.Hour
	Ban24Hour = 24 * time.Hour

	// OffenseTTL is how long the offense counter lives after the first
	// offense.
	OffenseTTL = 24 * time.Hour
)

// Entry describes an active ban.
type Entry struct {
	Address   string        `json:"address"`
	Reason    string        `json:"reason"`
	Remaining time.Duration `json:"remaining"`
}

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a ban store on client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Lookup returns the active ban for address, if any.
func (s *Store) Lookup(ctx context.Context, address string) (*Entry, error) {
	key := BanPrefix + address

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ban: lookup: %w", err)
	}

	entry := &Entry{Address: address, Reason: reason}
	// A failed TTL read still reports the ban.
	if ttl, err := s.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		entry.Remaining = ttl
	}
	return entry, nil
}

// Ban blocks address for duration.
func (s *Store) Ban(ctx context.Context, address string, duration time.Duration, reason string) error {
	if duration <= 0 {
		return fmt.Errorf("ban: duration must be positive")
	}
	if err := s.client.Set(ctx, BanPrefix+address, reason, duration).Err(); err != nil {
		return fmt.Errorf("ban: set: %w", err)
	}
	log.Printf("[ban] banned %s for %s (%s)", address, duration, reason)
	return nil
}

// Unban lifts the ban on address. It reports whether a ban existed.
func (s *Store) Unban(ctx context.Context, address string) (bool, error) {
	n, err := s.client.Del(ctx, BanPrefix+address).Result()
	if err != nil {
		return false, fmt.Errorf("ban: unban: %w", err)
	}
	return n > 0, nil
}

func escalationDuration(offenses int) time.Duration {
	switch {
	case offenses <= 1:
		return Ban15Min
	case offenses == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// Offenses returns the current offense counter for address.
func (s *Store) Offenses(ctx context.Context, address string) (int, error) {
	n, err := s.client.Get(ctx, OffensePrefix+address).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ban: offenses: %w", err)
	}
	return n, nil
}

// Escalate records an offense and bans address for 15m, 1h, then 24h on
// repeat offenses within OffenseTTL.
func (s *Store) Escalate(ctx context.Context, address, reason string) (time.Duration, error) {
	key := OffensePrefix + address

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: escalate incr: %w", err)
	}
	// The window is fixed from the first offense.
	if count == 1 {
		if err := s.client.Expire(ctx, key, OffenseTTL).Err(); err != nil {
			return 0, fmt.Errorf("ban: escalate expire: %w", err)
		}
	}

	duration := escalationDuration(int(count))
	if err := s.Ban(ctx, address, duration, reason); err != nil {
		return 0, err
	}
	return duration, nil
}

// Admission rejects banned addresses and otherwise defers to next. An address
// that next rejects is escalated. Redis errors fail open.
func (s *Store) Admission(next ws.Admission) ws.Admission {
	return func(ctx context.Context, remoteIP string) bool {
		entry, err := s.Lookup(ctx, remoteIP)
		if err != nil {
			log.Printf("[ban] %v (failing open)", err)
		}
		if entry != nil {
			return false
		}
		if next == nil || next(ctx, remoteIP) {
			return true
		}
		if _, err := s.Escalate(ctx, remoteIP, "connect_rate"); err != nil {
			log.Printf("[ban] %v", err)
		}
		return false
	}
}
