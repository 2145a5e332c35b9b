package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/omni/settlement-coordinator/config"
)

// Producer publishes messages on a single topic. Messages with the same key land on the same partition.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
}

func NewSaramaConfig(cfg *config.KafkaConfig) *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.Retry.Max = 3
	sc.Producer.Retry.Backoff = 100 * time.Millisecond
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Offsets.AutoCommit.Enable = true
	sc.Consumer.Offsets.AutoCommit.Interval = time.Second
	return sc
}

func NewProducer(cfg *config.KafkaConfig) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("can't create kafka producer: %w", err)
	}
	return NewProducerFromSync(producer, cfg.Topic), nil
}

func NewProducerFromSync(producer sarama.SyncProducer, topic string) *Producer {
	return &Producer{
		producer: producer,
		topic:    topic,
	}
}

func (p *Producer) Publish(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		ProducedMessages.WithLabelValues(p.topic, "error").Inc()
		return fmt.Errorf("can't send message to %s: %w", p.topic, err)
	}
	ProducedMessages.WithLabelValues(p.topic, "ok").Inc()
	LastOffset.WithLabelValues(p.topic, fmt.Sprint(partition)).Set(float64(offset))
	return nil
}

func (p *Producer) Close() error {
	return p.producer.Close()
}
