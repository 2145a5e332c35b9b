package bus_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"

	"github.com/omni/settlement-coordinator/bus"
	"github.com/omni/settlement-coordinator/logging"
	"github.com/omni/settlement-coordinator/retry"
)

func TestProducer_Publish(t *testing.T) {
	t.Parallel()
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"settlement_id":"S1"}` {
			return fmt.Errorf("unexpected value %s", val)
		}
		return nil
	})
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := bus.NewProducerFromSync(sp, "settlement.events.v1")
	require.NoError(t, p.Publish(context.Background(), "S1", []byte(`{"settlement_id":"S1"}`)))
	require.ErrorIs(t, p.Publish(context.Background(), "S1", []byte(`{}`)), sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

func TestProducer_PublishCancelled(t *testing.T) {
	t.Parallel()
	sp := mocks.NewSyncProducer(t, nil)
	p := bus.NewProducerFromSync(sp, "settlement.events.v1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Publish(ctx, "S1", nil), context.Canceled)
	require.NoError(t, p.Close())
}

type fakeSession struct {
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "member" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}
func (s *fakeSession) Context() context.Context { return s.ctx }

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "settlement.events.v1" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return int64(len(c.messages)) }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newClaim(values ...string) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(values))
	for i, v := range values {
		ch <- &sarama.ConsumerMessage{Key: []byte("S1"), Value: []byte(v), Offset: int64(i)}
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

func TestConsumer_ConsumeClaim(t *testing.T) {
	t.Parallel()
	policy := retry.Policy{Name: "ledger", MaxAttempts: 3, InitialInterval: time.Millisecond}

	attempts := map[string]int{}
	handler := func(_ context.Context, key string, value []byte) error {
		attempts[string(value)]++
		switch string(value) {
		case "flaky":
			if attempts["flaky"] < 2 {
				return errors.New("db unavailable")
			}
		case "garbage":
			return fmt.Errorf("can't decode: %w", bus.ErrPoisonMessage)
		}
		return nil
	}
	c := bus.NewConsumerFromGroup(nil, "settlement.events.v1", handler, policy, logging.NewNop())

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.ConsumeClaim(session, newClaim("ok", "flaky", "garbage", "ok2")))
	require.Equal(t, []int64{0, 1, 2, 3}, session.marked)
	require.Equal(t, 2, attempts["flaky"])
	require.Equal(t, 1, attempts["garbage"])
}

func TestConsumer_ConsumeClaimStopsOnPersistentFailure(t *testing.T) {
	t.Parallel()
	policy := retry.Policy{Name: "ledger", MaxAttempts: 2, InitialInterval: time.Millisecond}
	handler := func(_ context.Context, _ string, value []byte) error {
		if string(value) == "down" {
			return errors.New("db unavailable")
		}
		return nil
	}
	c := bus.NewConsumerFromGroup(nil, "settlement.events.v1", handler, policy, logging.NewNop())

	session := &fakeSession{ctx: context.Background()}
	require.Error(t, c.ConsumeClaim(session, newClaim("ok", "down", "never")))
	require.Equal(t, []int64{0}, session.marked)
}

func TestLocal_Publish(t *testing.T) {
	t.Parallel()

	errDown := errors.New("ledger down")
	var handled []string
	l := bus.NewLocal(func(_ context.Context, key string, value []byte) error {
		switch string(value) {
		case "poison":
			return fmt.Errorf("undecodable: %w", bus.ErrPoisonMessage)
		case "down":
			return errDown
		}
		handled = append(handled, key)
		return nil
	}, logging.NewNop())

	ctx := context.Background()
	require.NoError(t, l.Publish(ctx, "S1", []byte("ok")))
	require.NoError(t, l.Publish(ctx, "S2", []byte("poison")))
	require.ErrorIs(t, l.Publish(ctx, "S3", []byte("down")), errDown)
	require.Equal(t, []string{"S1"}, handled)
}
