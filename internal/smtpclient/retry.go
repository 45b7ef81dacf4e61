package smtpclient

import (
	"context"
	"time"

	"github.com/infodancer/mailcore/internal/mailerr"
)

// RetryConfig controls exponential backoff retry for a single risky step
// (connect, STARTTLS, or AUTH).
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryConfig mirrors the teacher's sending-provider defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      2,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
	}
}

// Retry calls fn up to cfg.MaxRetries+1 times, sleeping an exponentially
// growing interval (capped at MaxInterval) between attempts. It returns
// immediately on success, on context cancellation, on an error of kind
// mailerr.KindRejected (a permanent 5xx reply), or once attempts are
// exhausted, in which case it returns the last error from fn.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	interval := cfg.InitialInterval
	var err error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if mailerr.KindOf(err) == mailerr.KindRejected {
			return err
		}
		if attempt == cfg.MaxRetries {
			break
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		interval = time.Duration(float64(interval) * cfg.Multiplier)
		if interval > cfg.MaxInterval {
			interval = cfg.MaxInterval
		}
	}
	return err
}
