package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/omni/settlement-coordinator/config"
	"github.com/omni/settlement-coordinator/logging"
)

// Policy describes how an operation is retried. Zero MaxAttempts means retry until ctx is done.
type Policy struct {
	Name                string
	MaxAttempts         uint64
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

func FromConfig(name string, cfg config.RetryPolicyConfig) Policy {
	return Policy{
		Name:                name,
		MaxAttempts:         cfg.MaxAttempts,
		InitialInterval:     cfg.InitialInterval,
		MaxInterval:         cfg.MaxInterval,
		Multiplier:          cfg.Multiplier,
		RandomizationFactor: cfg.Jitter,
	}
}

// NewBackOff returns a fresh exponential backoff for the policy.
func (p Policy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts are exhausted or ctx is done.
func (p Policy) Do(ctx context.Context, logger logging.Logger, fn func(ctx context.Context) error) error {
	var b backoff.BackOff = p.NewBackOff()
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, p.MaxAttempts-1)
	}
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return fn(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		ObserveRetry(p.Name)
		if logger != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"policy":  p.Name,
				"attempt": attempt,
				"next_in": next.String(),
			}).Warn("operation failed, retrying")
		}
	})
	return err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
