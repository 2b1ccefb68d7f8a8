// Package clock provides an NTP-corrected time source.
package clock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/termin-cli/internal/config"
)

// ErrNoServer is returned by Sync when every configured server failed.
var ErrNoServer = errors.New("no NTP server answered")

// System is the uncorrected local clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

type queryFunc func(host string, opt ntp.QueryOptions) (*ntp.Response, error)

// NTP applies the offset measured against the first answering server to the
// local clock. Once the last good sync is older than MaxStaleness the offset
// is dropped and local time is returned.
type NTP struct {
	cfg    config.NTPConfig
	logger *zap.Logger
	query  queryFunc
	local  func() time.Time

	mu       sync.RWMutex
	offset   time.Duration
	lastSync time.Time
	syncs    int
}

// NewNTP creates an unsynchronized clock. Call Sync or Run before relying on it.
func NewNTP(cfg config.NTPConfig, logger *zap.Logger) *NTP {
	return &NTP{
		cfg:    cfg,
		logger: logger.Named("ntp"),
		query:  ntp.QueryWithOptions,
		local:  time.Now,
	}
}

// Now returns the corrected time.
func (c *NTP) Now() time.Time {
	now := c.local()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastSync.IsZero() || now.Sub(c.lastSync) > c.cfg.MaxStaleness {
		return now
	}
	return now.Add(c.offset)
}

// Offset returns the last measured offset and when it was measured.
func (c *NTP) Offset() (time.Duration, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset, c.lastSync
}

// Sync queries the servers in order and keeps the first valid offset.
func (c *NTP) Sync(ctx context.Context) error {
	for _, server := range c.cfg.Servers {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := c.query(server, ntp.QueryOptions{Timeout: c.cfg.Timeout, Version: 4})
		if err == nil {
			err = resp.Validate()
		}
		if err != nil {
			c.logger.Debug("NTP server failed", zap.String("server", server), zap.Error(err))
			continue
		}

		c.mu.Lock()
		c.offset = resp.ClockOffset
		c.lastSync = c.local()
		c.syncs++
		c.mu.Unlock()

		c.logger.Info("NTP sync OK",
			zap.String("server", server),
			zap.Duration("offset", resp.ClockOffset),
		)
		return nil
	}
	c.logger.Warn("All NTP servers failed, using local time")
	return ErrNoServer
}

// Run syncs immediately and then every Interval until ctx is done.
func (c *NTP) Run(ctx context.Context) {
	if !c.cfg.Enabled {
		return
	}
	_ = c.Sync(ctx)
	interval := c.cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Sync(ctx)
		}
	}
}
