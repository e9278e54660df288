package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/session-intent/backend/internal/location"
	"github.com/session-intent/backend/internal/storage/models"
	"github.com/session-intent/backend/pkg/logger"
)

const scanBatch = 500

// Client caches finalized customer profiles keyed by (service, valid_date, customer_id).
type Client struct {
	client *redis.Client
	ttl    time.Duration
}

func NewClient(host string, port int, password string, db int, ttl time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client, ttl: ttl}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func profileKey(service models.Service, date string, customerID int64) string {
	return fmt.Sprintf("profile:%s:%s:%d", service, date, customerID)
}

func readyKey(service models.Service, date string) string {
	return fmt.Sprintf("profiles:%s:%s:ready", service, date)
}

// SaveProfiles stores every profile of a day and then marks the day complete.
func (c *Client) SaveProfiles(ctx context.Context, service models.Service, date string, profiles map[int64]*location.Profile) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, p := range profiles {
			data, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("failed to marshal profile %d: %w", id, err)
			}
			pipe.Set(ctx, profileKey(service, date, id), data, c.ttl)
		}
		pipe.Set(ctx, readyKey(service, date), len(profiles), c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set profile cache: %w", err)
	}

	logger.Debug("Profiles cached",
		zap.String("service", string(service)),
		zap.String("valid_date", date),
		zap.Int("profiles", len(profiles)),
		zap.Duration("ttl", c.ttl),
	)
	return nil
}

// LoadProfiles returns a day's profiles when the day was cached completely. A day whose
// entries partly expired is reported as a miss.
func (c *Client) LoadProfiles(ctx context.Context, service models.Service, date string) (map[int64]*location.Profile, bool, error) {
	want, err := c.client.Get(ctx, readyKey(service, date)).Int()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get profile cache marker: %w", err)
	}

	profiles := make(map[int64]*location.Profile, want)
	iter := c.client.Scan(ctx, 0, fmt.Sprintf("profile:%s:%s:*", service, date), scanBatch).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == scanBatch {
			if err := c.fetch(ctx, keys, profiles); err != nil {
				return nil, false, err
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return nil, false, fmt.Errorf("failed to iterate cache keys: %w", err)
	}
	if err := c.fetch(ctx, keys, profiles); err != nil {
		return nil, false, err
	}

	if len(profiles) != want {
		logger.Warn("Profile cache incomplete",
			zap.String("valid_date", date),
			zap.Int("expected", want),
			zap.Int("found", len(profiles)),
		)
		return nil, false, nil
	}

	logger.Debug("Profile cache hit", zap.String("valid_date", date), zap.Int("profiles", len(profiles)))
	return profiles, true, nil
}

func (c *Client) fetch(ctx context.Context, keys []string, into map[int64]*location.Profile) error {
	if len(keys) == 0 {
		return nil
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("failed to get profile cache: %w", err)
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		p, err := decodeProfile(s)
		if err != nil {
			return fmt.Errorf("failed to decode %s: %w", keys[i], err)
		}
		into[p.CustomerID] = p
	}
	return nil
}

func (c *Client) GetProfile(ctx context.Context, service models.Service, date string, customerID int64) (*location.Profile, bool, error) {
	data, err := c.client.Get(ctx, profileKey(service, date, customerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get profile cache: %w", err)
	}
	p, err := decodeProfile(data)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// InvalidateDay removes the marker and every profile of a day.
func (c *Client) InvalidateDay(ctx context.Context, service models.Service, date string) error {
	if err := c.client.Del(ctx, readyKey(service, date)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache marker: %w", err)
	}

	iter := c.client.Scan(ctx, 0, fmt.Sprintf("profile:%s:%s:*", service, date), scanBatch).Iterator()
	deleted := 0
	for iter.Next(ctx) {
		err := c.client.Del(ctx, iter.Val()).Err()
		if err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
			continue
		}
		deleted++
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Profile cache invalidated", zap.String("valid_date", date), zap.Int("deleted", deleted))
	return nil
}

func decodeProfile(data string) (*location.Profile, error) {
	var p location.Profile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	if err := p.Finalize(); err != nil {
		return nil, fmt.Errorf("failed to finalize cached profile %d: %w", p.CustomerID, err)
	}
	return &p, nil
}
