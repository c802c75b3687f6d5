package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/jordanhubbard/autorun/pkg/models"
)

// PostgresStore keeps settings as a row of the config_kv table.
type PostgresStore struct {
	db  *sql.DB
	key string
}

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn, key string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres store: dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	s := &PostgresStore{db: db, key: key}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS config_kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	return err
}

// Load reads the settings row.
func (s *PostgresStore) Load(ctx context.Context) (*models.Settings, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config_kv WHERE key = $1`, s.key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return decodeSettings([]byte(value))
}

// Save upserts the settings row.
func (s *PostgresStore) Save(ctx context.Context, settings models.Settings) error {
	value, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO config_kv (key, value, updated_at) VALUES ($1, $2, CURRENT_TIMESTAMP)
	ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		s.key, string(value))
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// DB exposes the connection so other components can share it.
func (s *PostgresStore) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }
