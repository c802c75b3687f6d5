package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jordanhubbard/autorun/pkg/models"
)

// RedisStore keeps settings under a redis key and announces every
// write on a pub/sub channel so other instances can follow along.
type RedisStore struct {
	client  *redis.Client
	key     string
	channel string
	origin  string
}

// NewRedisStore connects to the redis server at rawURL.
func NewRedisStore(ctx context.Context, rawURL, key string) (*RedisStore, error) {
	if rawURL == "" {
		return nil, errors.New("redis store: url is required")
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return newRedisStore(client, key), nil
}

func newRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{
		client:  client,
		key:     key,
		channel: key + ":changed",
		origin:  uuid.NewString(),
	}
}

// Load reads the settings key.
func (r *RedisStore) Load(ctx context.Context) (*models.Settings, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return decodeSettings(data)
}

// Save writes the settings key and publishes a change notice.
func (r *RedisStore) Save(ctx context.Context, settings models.Settings) error {
	value, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := r.client.Set(ctx, r.key, value, 0).Err(); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, r.origin).Err(); err != nil {
		log.Printf("[Store] publish change notice failed: %v", err)
	}
	return nil
}

// Watch reloads the settings whenever another instance saves them.
func (r *RedisStore) Watch(ctx context.Context, onChange func(models.Settings)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Payload == r.origin {
				continue
			}
			settings, err := r.Load(ctx)
			if err != nil {
				log.Printf("[Store] reload after change failed: %v", err)
				continue
			}
			if settings != nil {
				onChange(*settings)
			}
		}
	}
}

// Close closes the redis client.
func (r *RedisStore) Close() error { return r.client.Close() }
