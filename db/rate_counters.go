package db

import (
	"context"
	"fmt"
	"time"
)

// RateCounterStore backs the fixed-window rate limiter with the rate_counters
// table so all frontends sharing the database count against the same windows.
type RateCounterStore struct {
	db *Database
}

func NewRateCounterStore(db *Database) *RateCounterStore {
	return &RateCounterStore{db: db}
}

// Increment bumps the counter for key inside its current window, starting a
// fresh window when the previous one has expired. It returns the counter value
// after the increment and the time remaining until the window resets.
func (s *RateCounterStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	var count int64
	var ttlSeconds float64
	err := s.db.GetWritePool().QueryRow(ctx, `
		INSERT INTO rate_counters (key, value, window_start, window_seconds)
		VALUES ($1, 1, now(), $2)
		ON CONFLICT (key) DO UPDATE SET
			value = CASE
				WHEN rate_counters.window_start + make_interval(secs => rate_counters.window_seconds) <= now() THEN 1
				ELSE rate_counters.value + 1
			END,
			window_start = CASE
				WHEN rate_counters.window_start + make_interval(secs => rate_counters.window_seconds) <= now() THEN now()
				ELSE rate_counters.window_start
			END,
			window_seconds = $2
		RETURNING value,
			EXTRACT(EPOCH FROM (window_start + make_interval(secs => window_seconds) - now()))::float8
	`, key, window.Seconds()).Scan(&count, &ttlSeconds)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to increment rate counter: %w", err)
	}
	return count, time.Duration(ttlSeconds * float64(time.Second)), nil
}

// PruneExpired deletes counters whose window closed before the cutoff. Run
// periodically; correctness does not depend on it.
func (s *RateCounterStore) PruneExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.db.GetWritePool().Exec(ctx, `
		DELETE FROM rate_counters
		WHERE window_start + make_interval(secs => window_seconds) < now() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to prune rate counters: %w", err)
	}
	return tag.RowsAffected(), nil
}
