package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"github.com/omni/settlement-coordinator/config"
	"github.com/omni/settlement-coordinator/logging"
	"github.com/omni/settlement-coordinator/retry"
	"github.com/omni/settlement-coordinator/utils"
)

// ErrPoisonMessage marks a message that can never be handled. Such messages are logged and skipped.
var ErrPoisonMessage = errors.New("poison message")

type Handler func(ctx context.Context, key string, value []byte) error

// Consumer feeds a consumer group's messages to a handler. A message offset is marked only after
// the handler succeeded, transient handler errors are retried with the configured policy.
type Consumer struct {
	group   sarama.ConsumerGroup
	topic   string
	handler Handler
	policy  retry.Policy
	logger  logging.Logger
}

func NewConsumer(cfg *config.KafkaConfig, handler Handler, policy retry.Policy, logger logging.Logger) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, NewSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("can't create kafka consumer group: %w", err)
	}
	return NewConsumerFromGroup(group, cfg.Topic, handler, policy, logger), nil
}

func NewConsumerFromGroup(group sarama.ConsumerGroup, topic string, handler Handler, policy retry.Policy, logger logging.Logger) *Consumer {
	return &Consumer{
		group:   group,
		topic:   topic,
		handler: handler,
		policy:  policy,
		logger:  logger.WithField("topic", topic),
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("starting consumer")
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.WithError(err).Error("consume session failed")
			if !utils.Sleep(ctx, c.policy.InitialInterval) {
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}

func (c *Consumer) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			logger := c.logger.WithFields(logrus.Fields{
				"partition": msg.Partition,
				"offset":    msg.Offset,
				"key":       string(msg.Key),
			})
			err := c.policy.Do(ctx, logger, func(ctx context.Context) error {
				err := c.handler(ctx, string(msg.Key), msg.Value)
				if errors.Is(err, ErrPoisonMessage) {
					return retry.Permanent(err)
				}
				return err
			})
			if ctx.Err() != nil {
				return nil
			}
			switch {
			case err == nil:
				ConsumedMessages.WithLabelValues(c.topic, "ok").Inc()
			case errors.Is(err, ErrPoisonMessage):
				ConsumedMessages.WithLabelValues(c.topic, "skipped").Inc()
				logger.WithError(err).Error("skipping message that can't be handled")
			default:
				// leave the offset unmarked so the message is redelivered after rebalance
				ConsumedMessages.WithLabelValues(c.topic, "error").Inc()
				logger.WithError(err).Error("failed to handle message, stopping claim")
				return err
			}
			session.MarkMessage(msg, "")
		}
	}
}
