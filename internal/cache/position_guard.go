package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ocbot/config"
)

const guardFailureThreshold = 5

// PositionGuard answers "does this strategy have an open position" and "is
// this strategy in failure cooldown" on the hot path. Redis carries the state
// so a restart does not double-open; when Redis misbehaves the guard degrades
// to an in-process map and keeps serving.
type PositionGuard struct {
	client *redis.Client
	cfg    config.OrderConfig
	log    zerolog.Logger

	mu           sync.Mutex
	failureCount int
	degraded     bool

	localMu   sync.Mutex
	localOpen map[int64]time.Time // strategy_id -> expiry
	localCool map[int64]time.Time
}

// NewPositionGuard creates the guard. client may be nil, in which case the
// guard runs purely in-process.
func NewPositionGuard(client *redis.Client, cfg config.OrderConfig, log zerolog.Logger) *PositionGuard {
	return &PositionGuard{
		client:    client,
		cfg:       cfg,
		log:       log.With().Str("component", "position_guard").Logger(),
		localOpen: make(map[int64]time.Time),
		localCool: make(map[int64]time.Time),
	}
}

// NewRedisClient connects to Redis per the configuration. Returns nil when
// Redis is disabled or unreachable; the guard then runs in-process only.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, log zerolog.Logger) *redis.Client {
	if !cfg.Enabled {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unreachable, position guard runs in-process only")
		client.Close()
		return nil
	}
	log.Info().Str("address", cfg.Address).Msg("redis connected")
	return client
}

func openKey(strategyID int64) string {
	return fmt.Sprintf("ocbot:pos:%d", strategyID)
}

func cooldownKey(strategyID int64) string {
	return fmt.Sprintf("ocbot:cooldown:%d", strategyID)
}

// HasOpenPosition reports whether the strategy was recently marked open.
func (pg *PositionGuard) HasOpenPosition(ctx context.Context, strategyID int64) bool {
	if pg.useRedis() {
		n, err := pg.client.Exists(ctx, openKey(strategyID)).Result()
		if err == nil {
			pg.recordSuccess()
			return n > 0
		}
		pg.recordFailure(err)
	}
	return pg.localExists(pg.localOpen, strategyID)
}

// MarkOpen records an open position for the guard TTL.
func (pg *PositionGuard) MarkOpen(ctx context.Context, strategyID int64) {
	ttl := pg.cfg.PositionGuardTTL()
	if pg.useRedis() {
		if err := pg.client.Set(ctx, openKey(strategyID), 1, ttl).Err(); err != nil {
			pg.recordFailure(err)
		} else {
			pg.recordSuccess()
		}
	}
	pg.localSet(pg.localOpen, strategyID, ttl)
}

// ClearOpen drops the open-position mark, used when the entry order failed
// after the optimistic mark.
func (pg *PositionGuard) ClearOpen(ctx context.Context, strategyID int64) {
	if pg.useRedis() {
		if err := pg.client.Del(ctx, openKey(strategyID)).Err(); err != nil {
			pg.recordFailure(err)
		}
	}
	pg.localMu.Lock()
	delete(pg.localOpen, strategyID)
	pg.localMu.Unlock()
}

// InCooldown reports whether the strategy is inside its failure cooldown.
func (pg *PositionGuard) InCooldown(ctx context.Context, strategyID int64) bool {
	if pg.useRedis() {
		n, err := pg.client.Exists(ctx, cooldownKey(strategyID)).Result()
		if err == nil {
			pg.recordSuccess()
			return n > 0
		}
		pg.recordFailure(err)
	}
	return pg.localExists(pg.localCool, strategyID)
}

// SetCooldown starts the failure cooldown for a strategy.
func (pg *PositionGuard) SetCooldown(ctx context.Context, strategyID int64) {
	ttl := pg.cfg.FailureCooldown()
	if pg.useRedis() {
		if err := pg.client.Set(ctx, cooldownKey(strategyID), 1, ttl).Err(); err != nil {
			pg.recordFailure(err)
		} else {
			pg.recordSuccess()
		}
	}
	pg.localSet(pg.localCool, strategyID, ttl)
}

func (pg *PositionGuard) useRedis() bool {
	if pg.client == nil {
		return false
	}
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return !pg.degraded
}

func (pg *PositionGuard) recordFailure(err error) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.failureCount++
	if pg.failureCount >= guardFailureThreshold && !pg.degraded {
		pg.degraded = true
		pg.log.Warn().Err(err).
			Int("failures", pg.failureCount).
			Msg("redis degraded, guard falling back to in-process state")
		// Probe again after a minute.
		go func() {
			time.Sleep(time.Minute)
			pg.mu.Lock()
			pg.degraded = false
			pg.failureCount = 0
			pg.mu.Unlock()
		}()
	}
}

func (pg *PositionGuard) recordSuccess() {
	pg.mu.Lock()
	pg.failureCount = 0
	pg.mu.Unlock()
}

func (pg *PositionGuard) localExists(m map[int64]time.Time, strategyID int64) bool {
	pg.localMu.Lock()
	defer pg.localMu.Unlock()
	expiry, ok := m[strategyID]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(m, strategyID)
		return false
	}
	return true
}

func (pg *PositionGuard) localSet(m map[int64]time.Time, strategyID int64, ttl time.Duration) {
	pg.localMu.Lock()
	m[strategyID] = time.Now().Add(ttl)
	pg.localMu.Unlock()
}

// GetStats returns guard state for the status endpoint.
func (pg *PositionGuard) GetStats() map[string]interface{} {
	pg.mu.Lock()
	degraded := pg.degraded
	failures := pg.failureCount
	pg.mu.Unlock()
	pg.localMu.Lock()
	open := len(pg.localOpen)
	cool := len(pg.localCool)
	pg.localMu.Unlock()
	return map[string]interface{}{
		"redis_enabled":  pg.client != nil,
		"degraded":       degraded,
		"failures":       failures,
		"local_open":     open,
		"local_cooldown": cool,
	}
}
