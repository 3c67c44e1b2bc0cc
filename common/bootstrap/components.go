package bootstrap

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vnml/orchestrator/common/config"
	"github.com/vnml/orchestrator/common/db"
	"github.com/vnml/orchestrator/common/logger"
	"github.com/vnml/orchestrator/common/redis"
	"github.com/vnml/orchestrator/common/telemetry"
)

// Components holds all initialized service dependencies
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	Redis     *redis.Client
	DB        *db.DB
	Telemetry *telemetry.Telemetry

	cleanupFuncs []func() error
}

// Shutdown performs graceful shutdown of all components
// Should be called with defer after Setup()
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var errors []error

	// Cleanup runs in reverse order (LIFO)
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errors = append(errors, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("shutdown errors: %v", errors)
	}

	c.Logger.Info("shutdown complete")
	return nil
}

// Health checks health of all components
func (c *Components) Health(ctx context.Context) error {
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx); err != nil {
			return fmt.Errorf("datastore unhealthy: %w", err)
		}
	}

	if c.DB != nil {
		if err := c.DB.Health(ctx); err != nil {
			return fmt.Errorf("database unhealthy: %w", err)
		}
	}

	return nil
}

// addCleanup registers a cleanup function
func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}

// DedicatedStreamClient dials a separate datastore connection for a blocking
// stream consumer, so long XREAD blocks never sit in front of handler traffic.
func (c *Components) DedicatedStreamClient() *redis.Client {
	raw := goredis.NewClient(&goredis.Options{
		Addr:     c.Config.RedisAddr(),
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
	})

	c.addCleanup(func() error {
		c.Logger.Info("closing stream datastore connection")
		return raw.Close()
	})

	return redis.NewClient(raw, c.Logger)
}
