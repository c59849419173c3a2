// Package cache provides the Redis-backed evaluation cooldown gate.
package cache

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wcastil/AIStreamSocket/internal/domain"
)

// RedisCooldown implements domain.CooldownGate with a single SET NX EX per
// check: the first caller in a window wins and simultaneously opens the next
// window.
type RedisCooldown struct {
	rdb *redis.Client
}

// NewRedisCooldown constructs the gate over an existing client.
func NewRedisCooldown(rdb *redis.Client) *RedisCooldown {
	return &RedisCooldown{rdb: rdb}
}

func cooldownKey(sessionID string) string { return "eval:cooldown:" + sessionID }

// Allow reports whether an evaluation may run for the session. When it may,
// the cooldown window is started atomically so concurrent triggers cannot
// both pass.
func (c *RedisCooldown) Allow(ctx domain.Context, sessionID string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	ok, err := c.rdb.SetNX(ctx, cooldownKey(sessionID), time.Now().UTC().Format(time.RFC3339), window).Result()
	if err != nil {
		return false, fmt.Errorf("op=cooldown.allow: %w", err)
	}
	return ok, nil
}

// Reset clears the window, used when an evaluation fails before doing any
// expensive work so the user can retry promptly.
func (c *RedisCooldown) Reset(ctx domain.Context, sessionID string) error {
	if err := c.rdb.Del(ctx, cooldownKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("op=cooldown.reset: %w", err)
	}
	return nil
}
