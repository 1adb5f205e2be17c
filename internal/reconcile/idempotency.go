package reconcile

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/edupay/payment-gateway/pkg/logger"
	"github.com/edupay/payment-gateway/pkg/redis"
)

var (
	// ErrRecheckLockHeld means another consumer is rechecking the same
	// transaction right now.
	ErrRecheckLockHeld = errors.New("recheck lock held by another consumer")
)

type GuardConfig struct {
	// LockTTL bounds how long one recheck may hold its transaction.
	LockTTL time.Duration
	// CooldownTTL keeps a still-pending transaction out of the next few
	// sweep cycles so a slow gateway is not hammered.
	CooldownTTL time.Duration

	LockKeyPrefix     string
	CooldownKeyPrefix string
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		LockTTL:           30 * time.Second,
		CooldownTTL:       2 * time.Minute,
		LockKeyPrefix:     "recheck:lock:",
		CooldownKeyPrefix: "recheck:cooldown:",
	}
}

// RecheckGuard serializes status rechecks per merchant ref across
// reconciler instances. The guard is an optimization only: the engine's
// conditional updates stay correct without it, the guard just keeps
// redundant gateway calls down.
type RecheckGuard struct {
	redis  redis.RedisAdapter
	config GuardConfig
}

func NewRecheckGuard(redisAdapter redis.RedisAdapter, config GuardConfig) *RecheckGuard {
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultGuardConfig().LockTTL
	}
	if config.CooldownTTL <= 0 {
		config.CooldownTTL = DefaultGuardConfig().CooldownTTL
	}
	if config.LockKeyPrefix == "" {
		config.LockKeyPrefix = DefaultGuardConfig().LockKeyPrefix
	}
	if config.CooldownKeyPrefix == "" {
		config.CooldownKeyPrefix = DefaultGuardConfig().CooldownKeyPrefix
	}
	return &RecheckGuard{
		redis:  redisAdapter,
		config: config,
	}
}

// Acquire takes the per-ref lock. ErrRecheckLockHeld is a skip signal,
// not a failure.
func (g *RecheckGuard) Acquire(merchantRef string) error {
	lockKey := g.config.LockKeyPrefix + merchantRef
	lockValue := []byte(fmt.Sprintf("%d", time.Now().UnixNano()))

	acquired, err := g.redis.SetNX(lockKey, lockValue, g.config.LockTTL)
	if err != nil {
		return errors.Wrap(err, "failed to acquire recheck lock")
	}
	if !acquired {
		return ErrRecheckLockHeld
	}
	return nil
}

// Release drops the per-ref lock.
func (g *RecheckGuard) Release(merchantRef string) {
	lockKey := g.config.LockKeyPrefix + merchantRef
	if err := g.redis.Del(lockKey); err != nil {
		logger.Warn("failed to release recheck lock", "merchant_ref", merchantRef, "error", err)
	}
}

// MarkCoolingDown records that the transaction was just rechecked and is
// still pending, so upcoming sweeps should leave it alone for a while.
func (g *RecheckGuard) MarkCoolingDown(merchantRef string) {
	key := g.config.CooldownKeyPrefix + merchantRef
	if err := g.redis.Set(key, []byte("1"), g.config.CooldownTTL); err != nil {
		logger.Warn("failed to set recheck cooldown", "merchant_ref", merchantRef, "error", err)
	}
}

// IsCoolingDown reports whether the transaction was rechecked recently.
// Errors fall open: a broken marker check must not stall the sweep.
func (g *RecheckGuard) IsCoolingDown(merchantRef string) bool {
	key := g.config.CooldownKeyPrefix + merchantRef
	exists, err := g.redis.Exist(key)
	if err != nil {
		logger.Warn("failed to check recheck cooldown", "merchant_ref", merchantRef, "error", err)
		return false
	}
	return exists > 0
}
