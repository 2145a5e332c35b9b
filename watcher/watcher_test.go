package watcher_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/omni/settlement-coordinator/canonical"
	"github.com/omni/settlement-coordinator/config"
	"github.com/omni/settlement-coordinator/contract/abi"
	"github.com/omni/settlement-coordinator/dedup"
	"github.com/omni/settlement-coordinator/entity"
	"github.com/omni/settlement-coordinator/logging"
	"github.com/omni/settlement-coordinator/repository"
	"github.com/omni/settlement-coordinator/retry"
	"github.com/omni/settlement-coordinator/watcher"
)

var (
	escrowAddr = common.HexToAddress("0x4aa42145Aa6Ebf72e164C9bBC74fbD3788045016")
	errBus     = errors.New("bus is down")
	once       = retry.Policy{Name: "test", MaxAttempts: 1, InitialInterval: time.Millisecond}
)

type fakeClient struct {
	head uint
	logs []types.Log
}

func (c *fakeClient) ChainID() string { return "1" }

func (c *fakeClient) BlockNumber(context.Context) (uint, error) { return c.head, nil }

func (c *fakeClient) HeaderByNumber(context.Context, uint) (*types.Header, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	res := make([]types.Log, 0)
	for _, l := range c.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			res = append(res, l)
		}
	}
	return res, nil
}

func (c *fakeClient) FilterLogsSafe(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.FilterLogs(ctx, q)
}

func (c *fakeClient) TransactionReceiptByHash(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeClient) CallContract(context.Context, ethereum.CallMsg) ([]byte, error) {
	return nil, errors.New("not implemented")
}

type fakePublisher struct {
	mu        sync.Mutex
	failBlock uint
	published []*canonical.SettlementEvent
}

func (p *fakePublisher) Publish(_ context.Context, events []*canonical.SettlementEvent) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range events {
		if e.OccurredAtBlock == p.failBlock {
			return i, errBus
		}
		p.published = append(p.published, e)
	}
	return len(events), nil
}

func (p *fakePublisher) heal() {
	p.mu.Lock()
	p.failBlock = 0
	p.mu.Unlock()
}

func (p *fakePublisher) blocks() []uint {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := make([]uint, len(p.published))
	for i, e := range p.published {
		res[i] = e.OccurredAtBlock
	}
	return res
}

func approvedLog(t *testing.T, block uint64) types.Log {
	t.Helper()
	event := abi.EscrowABI.Events[abi.EscrowApproved]
	data, err := event.Inputs.NonIndexed().Pack(common.HexToAddress("0x03"))
	require.NoError(t, err)
	return types.Log{
		Address:     escrowAddr,
		Topics:      []common.Hash{event.ID, crypto.Keccak256Hash(big.NewInt(int64(block)).Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      crypto.Keccak256Hash([]byte{byte(block)}),
		Index:       1,
	}
}

func newClient(t *testing.T) *fakeClient {
	t.Helper()
	c := &fakeClient{head: 108}
	for b := uint64(100); b <= 107; b++ {
		c.logs = append(c.logs, approvedLog(t, b))
	}
	return c
}

func watcherConfig() *config.WatcherConfig {
	return &config.WatcherConfig{
		ID: "test",
		Chain: &config.ChainConfig{
			ChainID:            "1",
			BlockIndexInterval: 10 * time.Millisecond,
		},
		Address:            escrowAddr,
		StartBlock:         100,
		BlockConfirmations: 3,
		MaxBlockRangeSize:  4,
	}
}

func TestWatcher_PartialPublishKeepsCheckpoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := repository.NewMemoryRepo()
	pub := &fakePublisher{failBlock: 103}
	w := watcher.NewWatcher(logging.NewNop(), watcherConfig(), newClient(t), repo, dedup.NewLRU(100), pub, once, once)

	err := w.Poll(ctx)
	require.ErrorIs(t, err, errBus)
	cp, err := repo.Checkpoints.Get(ctx, "1", escrowAddr)
	require.NoError(t, err)
	require.Equal(t, uint(102), cp.LastBlock)
	require.Equal(t, []uint{100, 101, 102}, pub.blocks())
	require.Equal(t, "test", w.Status().ID)
	require.NotEmpty(t, w.Status().LastError)

	pub.heal()
	require.NoError(t, w.Poll(ctx))
	cp, err = repo.Checkpoints.Get(ctx, "1", escrowAddr)
	require.NoError(t, err)
	require.Equal(t, uint(105), cp.LastBlock)
	// blocks 106 and 107 are inside the unconfirmed window
	require.Equal(t, []uint{100, 101, 102, 103, 104, 105}, pub.blocks())
	require.Equal(t, uint(105), w.Status().HeadBlock)
	require.Empty(t, w.Status().LastError)
}

func TestWatcher_RedeliveryIsDeduplicated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	seen := dedup.NewLRU(100)
	pub := &fakePublisher{}
	client := newClient(t)

	w := watcher.NewWatcher(logging.NewNop(), watcherConfig(), client, repository.NewMemoryRepo(), seen, pub, once, once)
	require.NoError(t, w.Poll(ctx))
	require.Len(t, pub.blocks(), 6)

	// a fresh checkpoint store makes the second instance refetch the same range
	repo := repository.NewMemoryRepo()
	w2 := watcher.NewWatcher(logging.NewNop(), watcherConfig(), client, repo, seen, pub, once, once)
	require.NoError(t, w2.Poll(ctx))
	require.Len(t, pub.blocks(), 6)

	cp, err := repo.Checkpoints.Get(ctx, "1", escrowAddr)
	require.NoError(t, err)
	require.Equal(t, uint(105), cp.LastBlock)

	events, err := repo.ChainEvents.FindByBlockRange(ctx, "1", escrowAddr, 100, 105)
	require.NoError(t, err)
	require.Len(t, events, 6)
}

func TestWatcher_Rescan(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := repository.NewMemoryRepo()
	pub := &fakePublisher{}
	w := watcher.NewWatcher(logging.NewNop(), watcherConfig(), newClient(t), repo, dedup.NewLRU(100), pub, once, once)

	n, err := w.Rescan(ctx, 101, 103)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []uint{101, 102, 103}, pub.blocks())

	_, err = repo.Checkpoints.Get(ctx, "1", escrowAddr)
	require.Error(t, err)
}

type conflictingCheckpoints struct {
	stored uint
	getErr error
}

func (r *conflictingCheckpoints) Get(_ context.Context, chainID string, addr common.Address) (*entity.Checkpoint, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	return &entity.Checkpoint{ChainID: chainID, ContractAddress: addr, LastBlock: r.stored}, nil
}

func (r *conflictingCheckpoints) Advance(context.Context, string, common.Address, uint, uint, uint) error {
	return entity.ErrCheckpointConflict
}

func (r *conflictingCheckpoints) List(context.Context) ([]*entity.Checkpoint, error) {
	return nil, nil
}

func TestWatcher_HaltsOnCheckpointConflict(t *testing.T) {
	t.Parallel()

	repo := repository.NewMemoryRepo()
	repo.Checkpoints = &conflictingCheckpoints{stored: 99}
	w := watcher.NewWatcher(logging.NewNop(), watcherConfig(), newClient(t), repo, dedup.NewLRU(100), &fakePublisher{}, once, once)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := w.Run(ctx)
	require.ErrorIs(t, err, watcher.ErrHalted)
	require.True(t, w.Status().Halted)
}

func TestWatcher_HaltsOnUnreachableStore(t *testing.T) {
	t.Parallel()

	repo := repository.NewMemoryRepo()
	repo.Checkpoints = &conflictingCheckpoints{getErr: errors.New("connection refused")}
	pub := &fakePublisher{}
	w := watcher.NewWatcher(logging.NewNop(), watcherConfig(), newClient(t), repo, dedup.NewLRU(100), pub, once, once)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := w.Run(ctx)
	require.ErrorIs(t, err, watcher.ErrCheckpointStoreUnavailable)
	require.Empty(t, pub.blocks())
}
