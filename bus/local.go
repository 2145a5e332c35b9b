package bus

import (
	"context"
	"errors"

	"github.com/omni/settlement-coordinator/logging"
)

// Local hands published messages straight to a handler in the same process. It keeps the
// per-key order of its callers and is meant for single-replica deployments without kafka.
type Local struct {
	handler Handler
	logger  logging.Logger
}

func NewLocal(handler Handler, logger logging.Logger) *Local {
	return &Local{
		handler: handler,
		logger:  logger,
	}
}

func (l *Local) Publish(ctx context.Context, key string, value []byte) error {
	err := l.handler(ctx, key, value)
	if errors.Is(err, ErrPoisonMessage) {
		ConsumedMessages.WithLabelValues("local", "skipped").Inc()
		l.logger.WithError(err).WithField("key", key).Error("skipping poison message")
		return nil
	}
	if err != nil {
		ConsumedMessages.WithLabelValues("local", "error").Inc()
		return err
	}
	ConsumedMessages.WithLabelValues("local", "ok").Inc()
	return nil
}
