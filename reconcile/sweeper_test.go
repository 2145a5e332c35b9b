package reconcile_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/omni/settlement-coordinator/bridge"
	"github.com/omni/settlement-coordinator/canonical"
	"github.com/omni/settlement-coordinator/compliance"
	"github.com/omni/settlement-coordinator/config"
	"github.com/omni/settlement-coordinator/entity"
	"github.com/omni/settlement-coordinator/ethclient"
	"github.com/omni/settlement-coordinator/logging"
	"github.com/omni/settlement-coordinator/reconcile"
	"github.com/omni/settlement-coordinator/repository"
	"github.com/omni/settlement-coordinator/retry"
	"github.com/omni/settlement-coordinator/settlement"
	"github.com/omni/settlement-coordinator/watcher"
)

var once = retry.Policy{Name: "test", MaxAttempts: 1, InitialInterval: time.Millisecond}

type fakeWatcher struct {
	cfg       *config.WatcherConfig
	status    watcher.Status
	triggered int
}

func newFakeWatcher(id, chainID string, addr common.Address, confirmations uint, status watcher.Status) *fakeWatcher {
	return &fakeWatcher{
		cfg: &config.WatcherConfig{
			ID:                 id,
			Chain:              &config.ChainConfig{ChainID: chainID},
			Address:            addr,
			BlockConfirmations: confirmations,
		},
		status: status,
	}
}

func (w *fakeWatcher) ID() string                    { return w.cfg.ID }
func (w *fakeWatcher) Config() *config.WatcherConfig { return w.cfg }
func (w *fakeWatcher) Status() watcher.Status        { return w.status }
func (w *fakeWatcher) Trigger()                      { w.triggered++ }

// fakeLedger only answers head block queries.
type fakeLedger struct {
	ethclient.Client
	head uint
	err  error
}

func (l *fakeLedger) BlockNumber(context.Context) (uint, error) {
	return l.head, l.err
}

type idleAdapter struct {
	name string
}

func (a idleAdapter) Name() string { return a.name }

func (a idleAdapter) EstimateDeliveryCost(context.Context, *entity.BridgeMessage) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (a idleAdapter) Submit(context.Context, *entity.BridgeMessage) (string, error) {
	return "", nil
}

func (a idleAdapter) PollStatus(_ context.Context, msg *entity.BridgeMessage) (*bridge.Status, error) {
	return &bridge.Status{State: msg.State}, nil
}

// unreadableMessages fails reads of a single bridge message.
type unreadableMessages struct {
	entity.BridgeMessagesRepo
	messageID string
}

func (r *unreadableMessages) GetByID(ctx context.Context, messageID string) (*entity.BridgeMessage, error) {
	if messageID == r.messageID {
		return nil, errors.New("connection reset")
	}
	return r.BridgeMessagesRepo.GetByID(ctx, messageID)
}

type fixture struct {
	repo      *repository.Repo
	tracker   *bridge.Tracker
	processor *settlement.Processor
}

func newFixture() *fixture {
	repo := repository.NewMemoryRepo()
	tracker := bridge.NewTracker(logging.NewNop(), repo, bridge.NewRegistry(idleAdapter{"P1"}, idleAdapter{"P2"}), nil, once)
	cfg := &config.Config{Routes: []*config.RouteConfig{
		{Protocol: "P1", Fallbacks: []string{"P2"}, SourceChainID: "1", DestChainID: "100"},
	}}
	processor := settlement.NewProcessor(logging.NewNop(), repo, compliance.AllowAll(), tracker, cfg,
		settlement.Policies{Ledger: once, Compliance: once}, 3)
	return &fixture{repo: repo, tracker: tracker, processor: processor}
}

func (f *fixture) release(t *testing.T, settlementID string) *entity.SettlementCommand {
	t.Helper()
	ctx := context.Background()
	res, err := f.processor.Ingest(ctx, &canonical.SettlementEvent{
		SettlementID:    settlementID,
		EventType:       canonical.EventReleased,
		SourceChainID:   "1",
		DestChainID:     "100",
		OccurredAtBlock: 10,
		IdempotencyKey:  settlementID + "-released",
		SchemaVersion:   canonical.SchemaVersion,
	})
	require.NoError(t, err)
	require.Equal(t, entity.StatusAwaitingBridge, res.Status)
	cmd, err := f.processor.GetStatus(ctx, res.CommandID)
	require.NoError(t, err)
	return cmd
}

func newSweeper(f *fixture, action string, watchers ...reconcile.Watcher) *reconcile.Sweeper {
	return newSweeperWithLedgers(f, action, nil, watchers...)
}

func newSweeperWithLedgers(f *fixture, action string, clients map[string]ethclient.Client, watchers ...reconcile.Watcher) *reconcile.Sweeper {
	cfg := &config.ReconciliationConfig{
		Interval:     time.Minute,
		Timeout:      time.Second,
		GapThreshold: 10,
		GracePeriod:  -time.Second,
		StuckAction:  action,
	}
	return reconcile.NewSweeper(logging.NewNop(), cfg, f.repo, watchers, clients, f.tracker, f.processor)
}

func TestSweeper_FindStalledWatchers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture()
	addrA := common.HexToAddress("0x01")
	addrB := common.HexToAddress("0x02")
	addrC := common.HexToAddress("0x03")
	require.NoError(t, f.repo.Checkpoints.Advance(ctx, "1", addrA, 100, 0, 0))
	require.NoError(t, f.repo.Checkpoints.Advance(ctx, "1", addrB, 195, 0, 0))
	require.NoError(t, f.repo.Checkpoints.Advance(ctx, "100", addrC, 50, 0, 0))

	lagging := newFakeWatcher("a", "1", addrA, 0, watcher.Status{ChainID: "1"})
	healthy := newFakeWatcher("b", "1", addrB, 0, watcher.Status{ChainID: "1"})
	halted := newFakeWatcher("c", "100", addrC, 0, watcher.Status{ChainID: "100", Halted: true})
	s := newSweeperWithLedgers(f, reconcile.ActionFallback, map[string]ethclient.Client{
		"1":   &fakeLedger{head: 200},
		"100": &fakeLedger{head: 50},
	}, lagging, healthy, halted)

	res, err := s.FindStalledWatchers(ctx)
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Equal(t, "a", res[0].Watcher)
	require.Equal(t, uint(100), res[0].Gap)
	require.Equal(t, "c", res[1].Watcher)
	require.True(t, res[1].Halted)

	require.Equal(t, 1, lagging.triggered)
	require.Zero(t, healthy.triggered)
	require.Zero(t, halted.triggered)

	values, err := reconcile.ConvertToAlertMetricValues(res)
	require.NoError(t, err)
	require.Len(t, values, 2)
	require.Equal(t, float64(100), values[0].Value())
	require.Equal(t, "100", values[0].Labels()["checkpoint_block"])
	require.Equal(t, "true", values[1].Labels()["halted"])
	require.NotContains(t, values[0].Labels(), reconcile.ValueLabelTag)
}

func TestSweeper_FindStalledWatchersIgnoresStaleStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture()
	addr := common.HexToAddress("0x01")
	require.NoError(t, f.repo.Checkpoints.Advance(ctx, "1", addr, 100, 0, 0))

	// the watcher stopped polling, its own view still reports no lag
	hung := newFakeWatcher("a", "1", addr, 12, watcher.Status{ChainID: "1", HeadBlock: 100, CheckpointBlock: 100, Synced: true})
	s := newSweeperWithLedgers(f, reconcile.ActionFallback, map[string]ethclient.Client{
		"1": &fakeLedger{head: 512},
	}, hung)

	res, err := s.FindStalledWatchers(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, uint(400), res[0].Gap)
	require.Equal(t, uint(100), res[0].CheckpointBlock)
	require.Equal(t, 1, hung.triggered)
}

func TestSweeper_FindStalledWatchersWithoutCheckpoint(t *testing.T) {
	t.Parallel()

	fresh := newFakeWatcher("a", "1", common.HexToAddress("0x01"), 0, watcher.Status{ChainID: "1"})
	fresh.cfg.StartBlock = 1000
	unreachable := newFakeWatcher("b", "2", common.HexToAddress("0x02"), 0, watcher.Status{ChainID: "2"})
	s := newSweeperWithLedgers(newFixture(), reconcile.ActionFallback, map[string]ethclient.Client{
		"1": &fakeLedger{head: 1005},
		"2": &fakeLedger{err: errors.New("connection refused")},
	}, fresh, unreachable)

	res, err := s.FindStalledWatchers(context.Background())
	require.NoError(t, err)
	require.Empty(t, res)
	require.Zero(t, fresh.triggered)
	require.Zero(t, unreachable.triggered)
}

func TestSweeper_StuckMessageFallsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture()
	cmd := f.release(t, "S1")
	first := *cmd.ActiveBridgeMessageID
	s := newSweeper(f, reconcile.ActionFallback)

	stuck, err := s.FixStuckBridgeMessages(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, first, stuck[0].MessageID)
	require.Equal(t, reconcile.ActionFallback, stuck[0].Action)

	msg, err := f.repo.BridgeMessages.GetByID(ctx, first)
	require.NoError(t, err)
	require.Equal(t, entity.BridgeStateTimedOut, msg.State)
	require.NotNil(t, msg.SupersededBy)

	// the tracker update was never consumed, so the settlement still points at the first message
	orphaned, err := s.ReapplyOrphanedUpdates(ctx)
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	require.Equal(t, first, orphaned[0].MessageID)

	cmd, err = f.processor.GetBySettlementID(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, entity.StatusAwaitingBridge, cmd.Status)
	require.Equal(t, *msg.SupersededBy, *cmd.ActiveBridgeMessageID)

	orphaned, err = s.ReapplyOrphanedUpdates(ctx)
	require.NoError(t, err)
	require.Empty(t, orphaned)
}

func TestSweeper_StuckMessageEscalates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture()
	f.release(t, "S1")
	s := newSweeper(f, reconcile.ActionEscalate)

	for i := 0; i < 2; i++ {
		stuck, err := s.FixStuckBridgeMessages(ctx)
		require.NoError(t, err)
		require.Len(t, stuck, 1)
	}

	cmd, err := f.processor.GetBySettlementID(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, entity.StatusReconciling, cmd.Status)

	applied, err := f.repo.AppliedEvents.FindBySettlementID(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, applied, 2)
}

func TestSweeper_OrphanedTerminalFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture()
	cmd := f.release(t, "S1")
	s := newSweeper(f, reconcile.ActionFallback)

	require.NoError(t, f.tracker.Resolve(ctx, *cmd.ActiveBridgeMessageID, entity.BridgeStateFailed, "reverted"))
	require.NoError(t, s.Sweep(ctx))

	cmd, err := f.processor.GetBySettlementID(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, entity.StatusFailed, cmd.Status)
}

func TestSweeper_LostBridgeUpdatesAfterFallback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture()
	cmd := f.release(t, "S1")
	first := *cmd.ActiveBridgeMessageID
	s := newSweeper(f, reconcile.ActionFallback)

	stuck, err := s.FixStuckBridgeMessages(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	msg, err := f.repo.BridgeMessages.GetByID(ctx, first)
	require.NoError(t, err)
	require.NotNil(t, msg.SupersededBy)
	successor := *msg.SupersededBy

	// neither the fallback nor the delivery update reaches the processor
	require.NoError(t, f.tracker.Resolve(ctx, successor, entity.BridgeStateExecuted, "delivered"))
	for i := 0; i < 2; i++ {
		<-f.tracker.Updates()
	}

	for i := 0; i < 2; i++ {
		_, err = s.ReapplyOrphanedUpdates(ctx)
		require.NoError(t, err)
	}
	cmd, err = f.processor.GetBySettlementID(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, entity.StatusCompleted, cmd.Status)
	require.Equal(t, successor, *cmd.ActiveBridgeMessageID)
}

func TestSweeper_SuccessorUpdateAppliedFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture()
	cmd := f.release(t, "S1")
	first := *cmd.ActiveBridgeMessageID

	successor, err := f.tracker.ForceFallback(ctx, first, "stuck")
	require.NoError(t, err)
	require.NotNil(t, successor)
	fallback := <-f.tracker.Updates()

	require.NoError(t, f.tracker.Resolve(ctx, successor.MessageID, entity.BridgeStateExecuted, "delivered"))
	res, err := f.processor.ApplyBridgeUpdate(ctx, <-f.tracker.Updates())
	require.NoError(t, err)
	require.Equal(t, entity.StatusCompleted, res.Status)

	res, err = f.processor.ApplyBridgeUpdate(ctx, fallback)
	require.NoError(t, err)
	require.Equal(t, entity.StatusCompleted, res.Status)

	orphaned, err := newSweeper(f, reconcile.ActionFallback).ReapplyOrphanedUpdates(ctx)
	require.NoError(t, err)
	require.Empty(t, orphaned)
}

func TestSweeper_OrphanedUpdatesSurviveReadErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture()
	broken := f.release(t, "S1")
	healthy := f.release(t, "S2")
	require.NoError(t, f.tracker.Resolve(ctx, *broken.ActiveBridgeMessageID, entity.BridgeStateFailed, "reverted"))
	require.NoError(t, f.tracker.Resolve(ctx, *healthy.ActiveBridgeMessageID, entity.BridgeStateFailed, "reverted"))

	f.repo.BridgeMessages = &unreadableMessages{BridgeMessagesRepo: f.repo.BridgeMessages, messageID: *broken.ActiveBridgeMessageID}
	orphaned, err := newSweeper(f, reconcile.ActionFallback).ReapplyOrphanedUpdates(ctx)
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	require.Equal(t, "S2", orphaned[0].SettlementID)

	cmd, err := f.processor.GetBySettlementID(ctx, "S2")
	require.NoError(t, err)
	require.Equal(t, entity.StatusFailed, cmd.Status)
}
