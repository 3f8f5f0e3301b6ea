package repositories

import (
	"airwave/internal/core/ports"
	"airwave/internal/infrastructure/repositories/memory"
	redisrepo "airwave/internal/infrastructure/repositories/redis"
	"airwave/pkg/config"

	"go.uber.org/zap"
)

// NewRelay builds the configured relay. A redis backend that cannot be
// reached falls back to the in-process relay, which only connects
// participants within this process.
func NewRelay(cfg *config.Config, logger *zap.SugaredLogger) ports.Relay {
	if cfg.Relay.Backend != "redis" {
		logger.Info("using memory relay")
		return memory.NewRelay()
	}

	client, err := redisrepo.NewRedisClient(redisrepo.ClientConfig{
		Address:  cfg.Relay.Redis.Address,
		Password: cfg.Relay.Redis.Password,
		DB:       cfg.Relay.Redis.DB,
		PoolSize: cfg.Relay.Redis.PoolSize,
		Prefix:   cfg.Relay.KeyPrefix,
	}, logger)
	if err != nil {
		logger.Warnw("failed to connect to Redis, falling back to memory relay",
			"error", err,
		)
		return memory.NewRelay()
	}

	logger.Info("using Redis relay")
	return redisrepo.NewRelay(client, redisrepo.RelayConfig{
		Prefix:             cfg.Relay.KeyPrefix,
		SubscriptionBuffer: cfg.Relay.SubscriptionBuffer,
	}, logger)
}
