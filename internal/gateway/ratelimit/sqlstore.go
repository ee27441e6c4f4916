package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rcourtman/funnelgate/internal/gateway/store"
	"github.com/rs/zerolog/log"
)

const pruneInterval = time.Hour

// SQLStore keeps counters in the rate_limit_counters table.
type SQLStore struct {
	db *store.DB
}

// NewSQLStore returns a counter store over db.
func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Load returns the counter for key, or nil when none exists.
func (s *SQLStore) Load(ctx context.Context, key string) (*Counter, error) {
	var (
		count int64
		start int64
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT hits, window_start FROM rate_limit_counters WHERE counter_key = ?`), key).Scan(&count, &start)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load counter %s: %w", key, err)
	}
	return &Counter{Key: key, Count: count, WindowStart: time.Unix(start, 0).UTC()}, nil
}

// Save writes c as-is.
func (s *SQLStore) Save(ctx context.Context, c Counter, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO rate_limit_counters (counter_key, hits, window_start, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (counter_key) DO UPDATE SET
			hits = excluded.hits,
			window_start = excluded.window_start,
			expires_at = excluded.expires_at`),
		c.Key, c.Count, c.WindowStart.Unix(), expiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save counter %s: %w", c.Key, err)
	}
	return nil
}

// Increment bumps the counter for key in a single statement, restarting the
// window when the stored one has ended.
func (s *SQLStore) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (Counter, error) {
	expiredBefore := now.Add(-window).Unix()
	var count, start int64
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		INSERT INTO rate_limit_counters (counter_key, hits, window_start, expires_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT (counter_key) DO UPDATE SET
			hits = CASE WHEN rate_limit_counters.window_start <= ? THEN 1
				ELSE rate_limit_counters.hits + 1 END,
			window_start = CASE WHEN rate_limit_counters.window_start <= ? THEN excluded.window_start
				ELSE rate_limit_counters.window_start END,
			expires_at = CASE WHEN rate_limit_counters.window_start <= ? THEN excluded.expires_at
				ELSE rate_limit_counters.expires_at END
		RETURNING hits, window_start`),
		key, now.Unix(), now.Add(window).Unix(),
		expiredBefore, expiredBefore, expiredBefore,
	).Scan(&count, &start)
	if err != nil {
		return Counter{}, fmt.Errorf("increment counter %s: %w", key, err)
	}
	return Counter{Key: key, Count: count, WindowStart: time.Unix(start, 0).UTC()}, nil
}

// Prune deletes counters whose window ended at or before now.
func (s *SQLStore) Prune(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM rate_limit_counters WHERE expires_at <= ?`), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune counters: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RunPruner deletes expired counters every hour until ctx is done.
func (s *SQLStore) RunPruner(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Prune(ctx, time.Now())
			if err != nil {
				log.Warn().Err(err).Msg("Rate limit counter prune failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("deleted", n).Msg("Pruned expired rate limit counters")
			}
		}
	}
}
