package canonical

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/omni/settlement-coordinator/logging"
	"github.com/omni/settlement-coordinator/retry"
)

// Bus is an ordered, partitioned message bus.
type Bus interface {
	Publish(ctx context.Context, key string, value []byte) error
}

type Publisher struct {
	bus    Bus
	policy retry.Policy
	logger logging.Logger
}

func NewPublisher(bus Bus, policy retry.Policy, logger logging.Logger) *Publisher {
	return &Publisher{
		bus:    bus,
		policy: policy,
		logger: logger,
	}
}

// Publish sends events in order, keyed by settlement id. Each event is retried according to the
// publish policy. It returns the number of events published before the first failure.
func (p *Publisher) Publish(ctx context.Context, events []*SettlementEvent) (int, error) {
	for i, e := range events {
		value, err := e.Marshal()
		if err != nil {
			return i, fmt.Errorf("can't encode settlement event: %w", err)
		}
		err = p.policy.Do(ctx, p.logger, func(ctx context.Context) error {
			return p.bus.Publish(ctx, e.SettlementID, value)
		})
		if err != nil {
			PublishResults.WithLabelValues(e.SourceChainID, string(e.EventType), "error").Inc()
			return i, fmt.Errorf("can't publish event %s for settlement %s: %w", e.IdempotencyKey, e.SettlementID, err)
		}
		PublishResults.WithLabelValues(e.SourceChainID, string(e.EventType), "ok").Inc()
		p.logger.WithFields(logrus.Fields{
			"settlement_id":   e.SettlementID,
			"event_type":      e.EventType,
			"idempotency_key": e.IdempotencyKey,
			"block_number":    e.OccurredAtBlock,
		}).Debug("published settlement event")
	}
	return len(events), nil
}
