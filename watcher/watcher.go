package watcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/omni/settlement-coordinator/canonical"
	"github.com/omni/settlement-coordinator/config"
	"github.com/omni/settlement-coordinator/contract"
	"github.com/omni/settlement-coordinator/contract/abi"
	"github.com/omni/settlement-coordinator/db"
	"github.com/omni/settlement-coordinator/dedup"
	"github.com/omni/settlement-coordinator/entity"
	"github.com/omni/settlement-coordinator/ethclient"
	"github.com/omni/settlement-coordinator/logging"
	"github.com/omni/settlement-coordinator/repository"
	"github.com/omni/settlement-coordinator/retry"
)

const defaultSyncedThreshold = 10

var (
	ErrCheckpointStoreUnavailable = errors.New("checkpoint store unavailable")
	ErrHalted                     = errors.New("watcher halted")
)

// Publisher hands canonical events to the bus, returning how many were published before a failure.
type Publisher interface {
	Publish(ctx context.Context, events []*canonical.SettlementEvent) (int, error)
}

type Status struct {
	ID              string         `json:"id"`
	ChainID         string         `json:"chain_id"`
	Address         common.Address `json:"address"`
	HeadBlock       uint           `json:"head_block"`
	CheckpointBlock uint           `json:"checkpoint_block"`
	Synced          bool           `json:"synced"`
	Halted          bool           `json:"halted"`
	LastError       string         `json:"last_error,omitempty"`
	LastPollAt      time.Time      `json:"last_poll_at"`
}

type Watcher struct {
	cfg              *config.WatcherConfig
	logger           logging.Logger
	client           ethclient.Client
	contract         *contract.Contract
	checkpoints      entity.CheckpointsRepo
	events           entity.ChainEventsRepo
	seen             dedup.Set
	publisher        Publisher
	rpcPolicy        retry.Policy
	checkpointPolicy retry.Policy
	trigger          chan struct{}

	mu     sync.RWMutex
	status Status

	syncedMetric     prometheus.Gauge
	headBlockMetric  prometheus.Gauge
	checkpointMetric prometheus.Gauge
	haltedMetric     prometheus.Gauge
	commonLabels     prometheus.Labels
}

func NewWatcher(logger logging.Logger, cfg *config.WatcherConfig, client ethclient.Client, repo *repository.Repo, seen dedup.Set, publisher Publisher, rpcPolicy, checkpointPolicy retry.Policy) *Watcher {
	commonLabels := prometheus.Labels{
		"watcher":  cfg.ID,
		"chain_id": client.ChainID(),
		"address":  cfg.Address.String(),
	}
	return &Watcher{
		cfg:              cfg,
		logger:           logger,
		client:           client,
		contract:         contract.NewContract(client, cfg.Address, abi.EscrowABI),
		checkpoints:      repo.Checkpoints,
		events:           repo.ChainEvents,
		seen:             seen,
		publisher:        publisher,
		rpcPolicy:        rpcPolicy,
		checkpointPolicy: checkpointPolicy,
		trigger:          make(chan struct{}, 1),
		status: Status{
			ID:      cfg.ID,
			ChainID: client.ChainID(),
			Address: cfg.Address,
		},
		syncedMetric:     SyncedContract.With(commonLabels),
		headBlockMetric:  LatestHeadBlock.With(commonLabels),
		checkpointMetric: CheckpointBlock.With(commonLabels),
		haltedMetric:     HaltedWatcher.With(commonLabels),
		commonLabels:     commonLabels,
	}
}

func (w *Watcher) ID() string {
	return w.cfg.ID
}

func (w *Watcher) Config() *config.WatcherConfig {
	return w.cfg
}

func (w *Watcher) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Trigger wakes the poll loop without waiting for the next tick. Extra triggers are coalesced.
func (w *Watcher) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done. It returns early with ErrHalted or ErrCheckpointStoreUnavailable
// when the checkpoint can no longer be advanced safely.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.WithFields(logrus.Fields{
		"start_block":   w.cfg.StartBlock,
		"confirmations": w.cfg.BlockConfirmations,
	}).Info("starting chain event watcher")

	for {
		err := w.Poll(ctx)
		if errors.Is(err, ErrHalted) || errors.Is(err, ErrCheckpointStoreUnavailable) {
			w.halt(err)
			return err
		}
		if err != nil && ctx.Err() == nil {
			w.logger.WithError(err).Error("poll failed, checkpoint kept")
		}

		timer := time.NewTimer(w.cfg.Chain.BlockIndexInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-w.trigger:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Poll runs a single pass from the stored checkpoint up to the confirmed head.
func (w *Watcher) Poll(ctx context.Context) error {
	prior, err := w.loadCheckpoint(ctx)
	if err != nil {
		return err
	}
	head, err := w.confirmedHead(ctx)
	if err != nil {
		w.setLastError(err)
		return err
	}
	w.recordPoll(head, prior)

	for _, r := range SplitBlockRange(prior+1, head, w.cfg.MaxBlockRangeSize) {
		prior, err = w.processRange(ctx, r, prior)
		w.recordPoll(head, prior)
		if err != nil {
			w.setLastError(err)
			return err
		}
	}
	w.setLastError(nil)
	return nil
}

func (w *Watcher) processRange(ctx context.Context, r *BlocksRange, prior uint) (uint, error) {
	logger := w.logger.WithFields(logrus.Fields{
		"from_block": r.From,
		"to_block":   r.To,
	})
	events, err := w.fetchEvents(ctx, r)
	if err != nil {
		return prior, err
	}
	if len(events) > 0 {
		if err = w.events.Ensure(ctx, events...); err != nil {
			return prior, fmt.Errorf("can't save chain events: %w", err)
		}
	}

	fresh := make([]*canonical.SettlementEvent, 0, len(events))
	for _, e := range events {
		key := canonical.IdempotencyKey(e.ChainID, e.TxHash, e.LogIndex)
		seen, err2 := w.seen.Seen(ctx, key)
		if err2 != nil {
			logger.WithError(err2).Warn("can't check recently seen set, assuming unseen")
		}
		if seen {
			w.observe("duplicate")
			continue
		}
		ce, err2 := canonical.Canonicalize(e)
		if err2 != nil {
			logger.WithError(err2).WithFields(logrus.Fields{
				"tx_hash":   e.TxHash,
				"log_index": e.LogIndex,
			}).Warn("skipping event without canonical form")
			w.observe("skipped")
			continue
		}
		fresh = append(fresh, ce)
	}

	n, pubErr := w.publisher.Publish(ctx, fresh)
	if n > 0 {
		keys := make([]string, n)
		for i, ce := range fresh[:n] {
			keys[i] = ce.IdempotencyKey
		}
		if err = w.seen.Mark(ctx, keys...); err != nil {
			logger.WithError(err).Warn("can't mark events as seen")
		}
	}
	for i := 0; i < n; i++ {
		w.observe("published")
	}

	if pubErr != nil {
		// everything below the failing block is fully published
		failedBlock := fresh[n].OccurredAtBlock
		if failedBlock == 0 || failedBlock-1 <= prior {
			return prior, pubErr
		}
		target := failedBlock - 1
		if err = w.advance(ctx, target, lastLogIndex(events, target), prior); err != nil {
			return prior, err
		}
		logger.WithField("checkpoint_block", target).Warn("publish failed mid-range, checkpoint moved to last complete block")
		return target, pubErr
	}

	if err = w.advance(ctx, r.To, lastLogIndex(events, r.To), prior); err != nil {
		return prior, err
	}
	logger.WithField("published", n).Debug("processed block range")
	return r.To, nil
}

func (w *Watcher) fetchEvents(ctx context.Context, r *BlocksRange) ([]*entity.ChainEvent, error) {
	q := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(r.From)),
		ToBlock:   big.NewInt(int64(r.To)),
		Addresses: []common.Address{w.cfg.Address},
		Topics:    [][]common.Hash{w.contract.EventTopics()},
	}
	var logs []types.Log
	err := w.rpcPolicy.Do(ctx, w.logger, func(ctx context.Context) error {
		var err error
		if w.cfg.Chain.SafeLogsRequest {
			logs, err = w.client.FilterLogsSafe(ctx, q)
		} else {
			logs, err = w.client.FilterLogs(ctx, q)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("can't fetch logs for blocks %d-%d: %w", r.From, r.To, err)
	}

	events := make([]*entity.ChainEvent, 0, len(logs))
	for i := range logs {
		if logs[i].Removed {
			continue
		}
		e, err := w.contract.ToChainEvent(w.client.ChainID(), &logs[i])
		if err != nil {
			w.logger.WithError(err).WithFields(logrus.Fields{
				"tx_hash":   logs[i].TxHash,
				"log_index": logs[i].Index,
			}).Warn("can't decode log")
			w.observe("undecodable")
			continue
		}
		if e == nil {
			continue
		}
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
	return events, nil
}

// Rescan republishes every event in the block range without consulting the recently seen set
// or touching the checkpoint. Consumers discard the redelivered events by idempotency key.
func (w *Watcher) Rescan(ctx context.Context, fromBlock, toBlock uint) (int, error) {
	total := 0
	for _, r := range SplitBlockRange(fromBlock, toBlock, w.cfg.MaxBlockRangeSize) {
		events, err := w.fetchEvents(ctx, r)
		if err != nil {
			return total, err
		}
		res := make([]*canonical.SettlementEvent, 0, len(events))
		for _, e := range events {
			ce, err2 := canonical.Canonicalize(e)
			if err2 != nil {
				w.observe("skipped")
				continue
			}
			res = append(res, ce)
		}
		n, err := w.publisher.Publish(ctx, res)
		total += n
		if err != nil {
			return total, err
		}
		w.logger.WithFields(logrus.Fields{
			"from_block": r.From,
			"to_block":   r.To,
			"published":  n,
		}).Info("rescanned block range")
	}
	return total, nil
}

func (w *Watcher) loadCheckpoint(ctx context.Context) (uint, error) {
	var cp *entity.Checkpoint
	err := w.checkpointPolicy.Do(ctx, w.logger, func(ctx context.Context) error {
		var err error
		cp, err = w.checkpoints.Get(ctx, w.client.ChainID(), w.cfg.Address)
		if errors.Is(err, db.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if errors.Is(err, db.ErrNotFound) {
		if w.cfg.StartBlock == 0 {
			return 0, nil
		}
		return w.cfg.StartBlock - 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("can't read checkpoint: %v: %w", err, ErrCheckpointStoreUnavailable)
	}
	return cp.LastBlock, nil
}

// advance moves the checkpoint with a single re-read on conflict. Two failed swaps mean
// another writer owns the cursor and the watcher halts.
func (w *Watcher) advance(ctx context.Context, block, logIndex, prior uint) error {
	err := w.tryAdvance(ctx, block, logIndex, prior)
	if !errors.Is(err, entity.ErrCheckpointConflict) {
		return err
	}

	stored, err := w.loadCheckpoint(ctx)
	if err != nil {
		return err
	}
	w.logger.WithFields(logrus.Fields{
		"expected_block": prior,
		"stored_block":   stored,
		"target_block":   block,
	}).Warn("checkpoint conflict, retrying against stored value")
	if stored >= block {
		return fmt.Errorf("checkpoint already at %d, another watcher is running: %w", stored, ErrHalted)
	}
	err = w.tryAdvance(ctx, block, logIndex, stored)
	if errors.Is(err, entity.ErrCheckpointConflict) {
		return fmt.Errorf("checkpoint conflict after re-read: %w", ErrHalted)
	}
	return err
}

func (w *Watcher) tryAdvance(ctx context.Context, block, logIndex, prior uint) error {
	err := w.checkpointPolicy.Do(ctx, w.logger, func(ctx context.Context) error {
		err := w.checkpoints.Advance(ctx, w.client.ChainID(), w.cfg.Address, block, logIndex, prior)
		if errors.Is(err, entity.ErrCheckpointConflict) || errors.Is(err, entity.ErrCheckpointRegression) {
			return retry.Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
		w.checkpointMetric.Set(float64(block))
		return nil
	case errors.Is(err, entity.ErrCheckpointConflict):
		return err
	case errors.Is(err, entity.ErrCheckpointRegression):
		return fmt.Errorf("%v: %w", err, ErrHalted)
	default:
		return fmt.Errorf("can't advance checkpoint: %v: %w", err, ErrCheckpointStoreUnavailable)
	}
}

func (w *Watcher) confirmedHead(ctx context.Context) (uint, error) {
	var head uint
	err := w.rpcPolicy.Do(ctx, w.logger, func(ctx context.Context) error {
		var err error
		head, err = w.client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("can't fetch latest block number: %w", err)
	}
	if head < w.cfg.BlockConfirmations {
		return 0, nil
	}
	return head - w.cfg.BlockConfirmations, nil
}

func (w *Watcher) recordPoll(head, checkpoint uint) {
	synced := head < checkpoint+defaultSyncedThreshold
	w.mu.Lock()
	w.status.HeadBlock = head
	w.status.CheckpointBlock = checkpoint
	w.status.Synced = synced
	w.status.LastPollAt = time.Now()
	w.mu.Unlock()

	w.headBlockMetric.Set(float64(head))
	w.checkpointMetric.Set(float64(checkpoint))
	if synced {
		w.syncedMetric.Set(1)
	} else {
		w.syncedMetric.Set(0)
	}
}

func (w *Watcher) setLastError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		w.status.LastError = ""
	} else {
		w.status.LastError = err.Error()
	}
}

func (w *Watcher) halt(err error) {
	w.logger.WithError(err).Error("watcher halted, manual intervention required")
	w.haltedMetric.Set(1)
	w.mu.Lock()
	w.status.Halted = true
	w.status.LastError = err.Error()
	w.mu.Unlock()
}

func (w *Watcher) observe(result string) {
	ObservedEvents.With(prometheus.Labels{
		"watcher":  w.commonLabels["watcher"],
		"chain_id": w.commonLabels["chain_id"],
		"address":  w.commonLabels["address"],
		"result":   result,
	}).Inc()
}

func lastLogIndex(events []*entity.ChainEvent, block uint) uint {
	for _, batch := range SplitEventsInBatches(events) {
		if batch.BlockNumber == block {
			return batch.Events[len(batch.Events)-1].LogIndex
		}
	}
	return 0
}
