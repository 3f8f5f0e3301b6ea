package redis

import (
	"context"
	"errors"
	"fmt"

	"airwave/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const currentSchemaVersion = 3

type migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client, keys keyspace) error
}

// Migrate runs all pending migrations for the keys under prefix.
func Migrate(ctx context.Context, client *redis.Client, prefix string, logger *zap.SugaredLogger) error {
	keys := newKeyspace(prefix)
	currentVersion, err := getSchemaVersion(ctx, client, keys)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date", "current_version", currentVersion)
		}
		return nil
	}

	for _, m := range getMigrations() {
		if m.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", m.Version)
		}
		if err := m.Up(ctx, client, keys); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if err := setSchemaVersion(ctx, client, keys, m.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client, keys keyspace) (int, error) {
	val, err := client.Get(ctx, keys.schemaVersion()).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, keys keyspace, version int) error {
	return client.Set(ctx, keys.schemaVersion(), version, 0).Err()
}

func getMigrations() []migration {
	return []migration{
		{
			// 1: layout marker only; rows and indexes are created lazily.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client, keys keyspace) error {
				return nil
			},
		},
		{
			// 2: drop active-index members whose broadcast row is gone.
			Version: 2,
			Up: func(ctx context.Context, client *redis.Client, keys keyspace) error {
				ids, err := client.SMembers(ctx, keys.activeBroadcasts()).Result()
				if err != nil {
					return err
				}
				for _, id := range ids {
					n, err := client.Exists(ctx, keys.broadcast(domain.ParticipantID(id))).Result()
					if err != nil {
						return err
					}
					if n == 0 {
						if err := client.SRem(ctx, keys.activeBroadcasts(), id).Err(); err != nil {
							return err
						}
					}
				}
				return nil
			},
		},
		{
			// 3: signals moved from lists to streams.
			Version: 3,
			Up: func(ctx context.Context, client *redis.Client, keys keyspace) error {
				iter := client.Scan(ctx, 0, keys.legacySignalLogs(), 100).Iterator()
				for iter.Next(ctx) {
					if err := client.Del(ctx, iter.Val()).Err(); err != nil {
						return err
					}
				}
				return iter.Err()
			},
		},
	}
}
