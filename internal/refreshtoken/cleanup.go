// Package refreshtoken holds refresh token records and their housekeeping. Expiry is always
// checked when a token is presented; the Cleaner only keeps the store from growing.
package refreshtoken

import (
	"context"
	"time"

	"calotrack/backend/internal/logging"
)

// Purger is the part of the refresh token store the Cleaner needs.
type Purger interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Cleaner periodically deletes expired and revoked refresh token records.
type Cleaner struct {
	store    Purger
	interval time.Duration
	// grace keeps revoked records around for a while so replay attempts can still be matched.
	grace  time.Duration
	logger logging.Logger
	nowF   func() time.Time
}

// NewCleaner returns a Cleaner running every interval. Records are deleted once they have been
// expired or revoked for longer than grace.
func NewCleaner(store Purger, interval, grace time.Duration, logger logging.Logger) *Cleaner {
	return &Cleaner{
		store:    store,
		interval: interval,
		grace:    grace,
		logger:   logger,
		nowF:     func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce performs a single purge and returns how many records were removed.
func (c *Cleaner) RunOnce(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteExpired(ctx, c.nowF().Add(-c.grace))
	if err != nil {
		c.logger.Error(ctx, "refresh token cleanup failed", "error", err)
		return 0, err
	}
	if n > 0 {
		c.logger.Info(ctx, "refresh token cleanup", "deleted", n)
	}
	return n, nil
}

// Run purges every interval until ctx is done. A non-positive interval returns immediately.
func (c *Cleaner) Run(ctx context.Context) {
	if c.interval <= 0 {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = c.RunOnce(ctx)
		}
	}
}
