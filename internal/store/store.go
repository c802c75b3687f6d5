// Package store persists auto-run settings. Every backend keeps the
// settings as one JSON document under a configurable key so the same
// record can be shared with other programs using the same store.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jordanhubbard/autorun/pkg/config"
	"github.com/jordanhubbard/autorun/pkg/models"
)

// Store loads and saves settings. Load returns (nil, nil) when nothing
// has been saved yet.
type Store interface {
	Load(ctx context.Context) (*models.Settings, error)
	Save(ctx context.Context, settings models.Settings) error
	Close() error
}

// Watcher is implemented by stores that can report external changes.
// onChange is called with the new settings after another writer
// modified the record.
type Watcher interface {
	Watch(ctx context.Context, onChange func(models.Settings)) error
}

// New opens the store selected by cfg.
func New(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	key := cfg.Key
	if key == "" {
		key = "autoRun"
	}
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Path, key)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN, key)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisURL, key)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func decodeSettings(data []byte) (*models.Settings, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var s models.Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return &s, nil
}
