package importer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

type RefreshConfig struct {
	Interval       time.Duration // 0 disables refreshing
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Refresh re-imports every subscribed list once per interval until ctx stops.
// A round in which every list failed delays the next one with exponential
// backoff.
func Refresh(ctx context.Context, cfg RefreshConfig, m *Manager, lists func() []string, logger *zap.Logger) error {
	if cfg.Interval <= 0 {
		return nil
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("refresh")

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	var failures int
	for {
		select {
		case <-ctx.Done():
			logger.Info("refresher stopped", zap.Error(ctx.Err()))
			return ctx.Err()

		case <-ticker.C:
			if err := refreshOnce(ctx, m, lists(), logger); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failures++
				backoff := calcBackoff(cfg.InitialBackoff, cfg.MaxBackoff, failures)
				logger.Warn("refresh failed",
					zap.Int("attempt", failures), zap.Duration("backoff", backoff), zap.Error(err))

				timer := time.NewTimer(backoff)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
				continue
			}

			if failures > 0 {
				logger.Info("refresh recovered", zap.Int("after_failures", failures))
			}
			failures = 0
		}
	}
}

func calcBackoff(initial, max time.Duration, failures int) time.Duration {
	backoff := time.Duration(float64(initial) * math.Pow(2, float64(failures-1)))
	if backoff > max || backoff <= 0 {
		backoff = max
	}

	const jitterFrac = 0.2
	jitter := time.Duration(rand.Float64()*2*jitterFrac*float64(backoff)) -
		time.Duration(jitterFrac*float64(backoff))
	return backoff + jitter
}

// refreshOnce imports each list in turn, waiting for any running import
// first. It fails only when every list failed.
func refreshOnce(ctx context.Context, m *Manager, lists []string, logger *zap.Logger) error {
	if len(lists) == 0 {
		return nil
	}

	var failed int
	var last error
	for _, u := range lists {
		job, err := startWhenIdle(ctx, m, u)
		if err != nil {
			return err
		}
		res, err := job.Wait(ctx)
		if err != nil {
			return err
		}
		if res.State == StateFailed {
			failed++
			last = res.Err
			continue
		}
		logger.Debug("list refreshed", zap.String("url", u), zap.Int("added", res.Added))
	}

	if failed == len(lists) {
		return fmt.Errorf("all %d lists failed: %w", failed, last)
	}
	return nil
}

func startWhenIdle(ctx context.Context, m *Manager, u string) (*Job, error) {
	for {
		job, err := m.Start(u)
		if !errors.Is(err, ErrImportRunning) {
			return job, err
		}
		active := m.Active()
		if active == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-active.Done():
		}
	}
}
