// Package financeconfig loads the finance account map from app settings.
package financeconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/finance-engine/internal/platform/cache"
	"github.com/odyssey-erp/finance-engine/internal/platform/db"
	"github.com/odyssey-erp/finance-engine/internal/shared"
)

// Well known account roles.
const (
	SegmentsRevenue           = "segments.revenue"
	SegmentsClearing          = "segments.clearing"
	SegmentsBox               = "segments.box"
	SubscriptionsRevenue      = "subscriptions.revenue"
	SubscriptionsBox          = "subscriptions.box"
	SubscriptionsDiscount     = "subscriptions.discount"
	SubscriptionsClientCredit = "subscriptions.client_credit"
)

// SettingsKey is the app_settings row holding the map.
const SettingsKey = "finance_accounts"

// CacheNamespace prefixes the cached copies of the map.
const CacheNamespace = "finance"

// Map resolves account roles to ledger account ids.
type Map map[string]string

// Require returns the account for key or ErrConfiguration.
func (m Map) Require(key string) (string, error) {
	id := strings.TrimSpace(m[key])
	if id == "" {
		return "", fmt.Errorf("finance account %q: %w", key, shared.ErrConfiguration)
	}
	return id, nil
}

// RequireAll resolves every key, reporting all missing ones at once.
func (m Map) RequireAll(keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	var missing []string
	for _, key := range keys {
		id, err := m.Require(key)
		if err != nil {
			missing = append(missing, key)
			continue
		}
		out[key] = id
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("finance accounts %s: %w", strings.Join(missing, ", "), shared.ErrConfiguration)
	}
	return out, nil
}

// Source reads the raw map.
type Source interface {
	Load(ctx context.Context) (Map, error)
}

// StaticSource serves a fixed map.
type StaticSource Map

// Load implements Source.
func (s StaticSource) Load(context.Context) (Map, error) {
	out := make(Map, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

// PostgresSource reads the map from app_settings.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource constructs PostgresSource.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

// Load implements Source.
func (s *PostgresSource) Load(ctx context.Context) (Map, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM app_settings WHERE key = $1`, SettingsKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("app_settings %s missing: %w", SettingsKey, shared.ErrConfiguration)
	}
	if err != nil {
		return nil, db.Classify(err)
	}
	var m Map
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("app_settings %s: %v: %w", SettingsKey, err, shared.ErrConfiguration)
	}
	return m, nil
}

// Sink persists a new map.
type Sink interface {
	Save(ctx context.Context, m Map) error
}

// Save upserts the map into app_settings.
func (s *PostgresSource) Save(ctx context.Context, m Map) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO app_settings (key, value, updated_at) VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, SettingsKey, raw)
	return db.Classify(err)
}

// Loader serves the map through the read-through cache.
type Loader struct {
	source Source
	cache  *cache.JSONCache
}

// NewLoader builds a Loader. A nil cache reloads on every call.
func NewLoader(source Source, c *cache.JSONCache) *Loader {
	return &Loader{source: source, cache: c}
}

// Load returns the current map.
func (l *Loader) Load(ctx context.Context) (Map, error) {
	if l.cache == nil {
		return l.source.Load(ctx)
	}
	key, err := l.cache.BuildKey(ctx, SettingsKey)
	if err != nil {
		return l.source.Load(ctx)
	}
	var m Map
	err = l.cache.FetchJSON(ctx, key, &m, func(ctx context.Context) (any, error) {
		return l.source.Load(ctx)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Invalidate drops cached copies so the next Load reads the source.
func (l *Loader) Invalidate(ctx context.Context) error {
	if l.cache == nil {
		return nil
	}
	return l.cache.Bump(ctx)
}

// Replace writes m through sink and invalidates the cache, so running services pick
// the new accounts up on their next Load instead of after the TTL.
func (l *Loader) Replace(ctx context.Context, sink Sink, m Map) error {
	if err := sink.Save(ctx, m); err != nil {
		return fmt.Errorf("save %s: %w", SettingsKey, err)
	}
	return l.Invalidate(ctx)
}
