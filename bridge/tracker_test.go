package bridge_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/omni/settlement-coordinator/bridge"
	"github.com/omni/settlement-coordinator/config"
	"github.com/omni/settlement-coordinator/entity"
	"github.com/omni/settlement-coordinator/logging"
	"github.com/omni/settlement-coordinator/repository"
	"github.com/omni/settlement-coordinator/retry"
)

var testPolicy = retry.Policy{Name: "test", MaxAttempts: 2, InitialInterval: time.Millisecond}

type fakeAdapter struct {
	name      string
	state     entity.BridgeState
	submitErr error

	mu        sync.Mutex
	submitted int
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) EstimateDeliveryCost(context.Context, *entity.BridgeMessage) (decimal.Decimal, error) {
	return decimal.NewFromInt(42), nil
}

func (a *fakeAdapter) Submit(_ context.Context, msg *entity.BridgeMessage) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.submitErr != nil {
		return "", a.submitErr
	}
	a.submitted++
	return a.name + "-" + msg.MessageID, nil
}

func (a *fakeAdapter) PollStatus(context.Context, *entity.BridgeMessage) (*bridge.Status, error) {
	return &bridge.Status{State: a.state, Detail: "polled"}, nil
}

func protocols() map[string]*config.ProtocolConfig {
	return map[string]*config.ProtocolConfig{
		"P1": {PollInterval: 5 * time.Millisecond, MaxPollInterval: 10 * time.Millisecond, Deadline: 50 * time.Millisecond},
		"P2": {PollInterval: 5 * time.Millisecond, MaxPollInterval: 10 * time.Millisecond, Deadline: 50 * time.Millisecond},
		"P3": {PollInterval: 5 * time.Millisecond, MaxPollInterval: 10 * time.Millisecond, Deadline: 50 * time.Millisecond},
	}
}

func newTracker(repo *repository.Repo, adapters ...bridge.Adapter) *bridge.Tracker {
	return bridge.NewTracker(logging.NewNop(), repo, bridge.NewRegistry(adapters...), protocols(), testPolicy)
}

// start runs the tracker, which resumes every message dispatched so far.
func start(t *testing.T, tracker *bridge.Tracker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tracker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func collect(t *testing.T, tracker *bridge.Tracker) []*bridge.Update {
	t.Helper()
	res := make([]*bridge.Update, 0, 4)
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u := <-tracker.Updates():
			res = append(res, u)
			if u.Terminal {
				return res
			}
		case <-timeout:
			t.Fatalf("no terminal update, got %d updates", len(res))
			return nil
		}
	}
}

func states(updates []*bridge.Update) []entity.BridgeState {
	res := make([]entity.BridgeState, len(updates))
	for i, u := range updates {
		res[i] = u.State
	}
	return res
}

func TestTracker_TimeoutFallsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := repository.NewMemoryRepo()
	p1 := &fakeAdapter{name: "P1", state: entity.BridgeStateSubmitted}
	p2 := &fakeAdapter{name: "P2", state: entity.BridgeStateExecuted}
	tracker := newTracker(repo, p1, p2)

	msg, err := tracker.Dispatch(ctx, &bridge.Request{
		SettlementID:  "S1",
		SourceChainID: "1",
		DestChainID:   "100",
		Payload:       []byte("payload"),
		Protocol:      "P1",
		Fallbacks:     []string{"P2"},
	})
	require.NoError(t, err)
	start(t, tracker)

	updates := collect(t, tracker)
	require.Equal(t, []entity.BridgeState{
		entity.BridgeStateSubmitted,
		entity.BridgeStateTimedOut,
		entity.BridgeStateSubmitted,
		entity.BridgeStateExecuted,
	}, states(updates))
	require.False(t, updates[1].Terminal)
	require.NotNil(t, updates[1].Successor)

	successorID := updates[1].Successor.MessageID
	first, err := repo.BridgeMessages.GetByID(ctx, msg.MessageID)
	require.NoError(t, err)
	require.Equal(t, entity.BridgeStateTimedOut, first.State)
	require.Equal(t, successorID, *first.SupersededBy)

	second, err := repo.BridgeMessages.GetByID(ctx, successorID)
	require.NoError(t, err)
	require.Equal(t, "P2", second.Protocol)
	require.Equal(t, "P1", second.PreferredProtocol)
	require.Equal(t, uint(2), second.AttemptCount)
	require.Empty(t, second.FallbackProtocols)
	require.Equal(t, entity.BridgeStateExecuted, second.State)
	require.Equal(t, "P2-"+successorID, second.ProtocolMessageID)
	require.Equal(t, first.PayloadHash, second.PayloadHash)

	transitions, err := repo.BridgeTransitions.FindByMessageID(ctx, msg.MessageID)
	require.NoError(t, err)
	require.Len(t, transitions, 3)
	require.Equal(t, entity.BridgeStateSubmitted, transitions[2].FromState)
	require.Equal(t, entity.BridgeStateTimedOut, transitions[2].ToState)
}

func TestTracker_TerminalFailureWithoutFallback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := repository.NewMemoryRepo()
	tracker := newTracker(repo, &fakeAdapter{name: "P1", state: entity.BridgeStateFailed})

	_, err := tracker.Dispatch(ctx, &bridge.Request{SettlementID: "S2", Protocol: "P1"})
	require.NoError(t, err)
	start(t, tracker)

	updates := collect(t, tracker)
	last := updates[len(updates)-1]
	require.Equal(t, entity.BridgeStateFailed, last.State)
	require.Nil(t, last.Successor)

	msgs, err := repo.BridgeMessages.FindBySettlementID(ctx, "S2")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestTracker_SubmitFailureFallsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := repository.NewMemoryRepo()
	p1 := &fakeAdapter{name: "P1", submitErr: errors.New("relayer unavailable")}
	p2 := &fakeAdapter{name: "P2", state: entity.BridgeStateExecuted}
	tracker := newTracker(repo, p1, p2)

	_, err := tracker.Dispatch(ctx, &bridge.Request{SettlementID: "S3", Protocol: "P1", Fallbacks: []string{"P2"}})
	require.NoError(t, err)
	start(t, tracker)

	updates := collect(t, tracker)
	require.Equal(t, entity.BridgeStateFailed, updates[0].State)
	require.Equal(t, "P2", updates[0].Successor.Protocol)
	require.Equal(t, entity.BridgeStateExecuted, updates[len(updates)-1].State)
	require.Equal(t, 1, p2.submitted)
}

func TestTracker_ForceFallbackOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := repository.NewMemoryRepo()
	tracker := newTracker(repo, &fakeAdapter{name: "P1"}, &fakeAdapter{name: "P2"}, &fakeAdapter{name: "P3"})

	msg, err := tracker.Dispatch(ctx, &bridge.Request{SettlementID: "S4", Protocol: "P1", Fallbacks: []string{"P2", "P3"}})
	require.NoError(t, err)

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successors []*entity.BridgeMessage
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := tracker.ForceFallback(ctx, msg.MessageID, "stuck")
			require.NoError(t, err)
			if s != nil {
				mu.Lock()
				successors = append(successors, s)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, successors, 1)
	require.Equal(t, "P2", successors[0].Protocol)
	require.Equal(t, []string{"P3"}, []string(successors[0].FallbackProtocols))
	require.Equal(t, uint(2), successors[0].AttemptCount)

	msgs, err := repo.BridgeMessages.FindBySettlementID(ctx, "S4")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestTracker_Resolve(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := repository.NewMemoryRepo()
	tracker := newTracker(repo, &fakeAdapter{name: "P1"})

	msg, err := tracker.Dispatch(ctx, &bridge.Request{SettlementID: "S5", Protocol: "P1", Fallbacks: []string{"P1"}})
	require.NoError(t, err)

	require.ErrorIs(t, tracker.Resolve(ctx, msg.MessageID, entity.BridgeStateAttested, ""), bridge.ErrInvalidResolution)
	require.NoError(t, tracker.Resolve(ctx, msg.MessageID, entity.BridgeStateFailed, "refunded manually"))
	require.ErrorIs(t, tracker.Resolve(ctx, msg.MessageID, entity.BridgeStateExecuted, ""), entity.ErrStateConflict)

	u := <-tracker.Updates()
	require.True(t, u.Terminal)
	require.Nil(t, u.Successor)
	require.Equal(t, entity.BridgeStateFailed, u.State)

	_, err = tracker.Dispatch(ctx, &bridge.Request{SettlementID: "S6", Protocol: "wormhole"})
	require.ErrorIs(t, err, bridge.ErrUnknownProtocol)
}
