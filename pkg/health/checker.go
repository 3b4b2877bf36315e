package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Checker reports whether a dependency is healthy
type Checker func() error

// CheckerConfig configures dependency checks
type CheckerConfig struct {
	Timeout time.Duration
}

// DefaultCheckerConfig returns the default checker configuration
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{Timeout: 2 * time.Second}
}

// Pinger is satisfied by pgxpool.Pool
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker returns a health check function for PostgreSQL
func DatabaseChecker(db Pinger) Checker {
	return DatabaseCheckerWithConfig(db, DefaultCheckerConfig())
}

// DatabaseCheckerWithConfig returns a database checker with a custom timeout
func DatabaseCheckerWithConfig(db Pinger, cfg CheckerConfig) Checker {
	return func() error {
		if db == nil {
			return errors.New("database connection is nil")
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		return db.Ping(ctx)
	}
}

// RedisChecker returns a health check function for Redis
func RedisChecker(client redis.Cmdable) Checker {
	return func() error {
		if client == nil {
			return errors.New("redis client is nil")
		}
		ctx, cancel := context.WithTimeout(context.Background(), DefaultCheckerConfig().Timeout)
		defer cancel()
		return client.Ping(ctx).Err()
	}
}

// CachedChecker memoizes a checker's result so frequent probes do not hit
// the dependency on every request
type CachedChecker struct {
	checker Checker
	ttl     time.Duration
	now     func() time.Time

	mu        sync.Mutex
	lastCheck time.Time
	lastErr   error
	checked   bool
}

// NewCachedChecker wraps checker with a result cache of the given ttl
func NewCachedChecker(checker Checker, ttl time.Duration) *CachedChecker {
	return &CachedChecker{checker: checker, ttl: ttl, now: time.Now}
}

// Check runs the checker when the cached result has expired
func (c *CachedChecker) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.checked && now.Sub(c.lastCheck) < c.ttl {
		return c.lastErr
	}

	c.lastErr = c.checker()
	c.lastCheck = now
	c.checked = true
	return c.lastErr
}
