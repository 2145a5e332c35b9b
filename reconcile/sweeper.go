package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/omni/settlement-coordinator/bridge"
	"github.com/omni/settlement-coordinator/config"
	"github.com/omni/settlement-coordinator/db"
	"github.com/omni/settlement-coordinator/entity"
	"github.com/omni/settlement-coordinator/ethclient"
	"github.com/omni/settlement-coordinator/logging"
	"github.com/omni/settlement-coordinator/repository"
	"github.com/omni/settlement-coordinator/settlement"
	"github.com/omni/settlement-coordinator/watcher"
)

const (
	ActionFallback = "fallback"
	ActionEscalate = "escalate"
)

type Watcher interface {
	ID() string
	Config() *config.WatcherConfig
	Status() watcher.Status
	Trigger()
}

type Fallbacker interface {
	ForceFallback(ctx context.Context, messageID, reason string) (*entity.BridgeMessage, error)
}

type Settlements interface {
	ApplyBridgeUpdate(ctx context.Context, u *bridge.Update) (*settlement.Result, error)
	Escalate(ctx context.Context, settlementID, reason string) (*settlement.Result, error)
	GetBySettlementID(ctx context.Context, settlementID string) (*entity.SettlementCommand, error)
}

type StalledWatcher struct {
	Watcher         string `json:"watcher"`
	ChainID         string `json:"chain_id"`
	CheckpointBlock uint   `json:"checkpoint_block,string"`
	Halted          bool   `json:"halted,string"`
	Gap             uint   `json:"_value,string"`
}

type StuckBridgeMessage struct {
	SettlementID string             `json:"settlement_id"`
	MessageID    string             `json:"message_id"`
	Protocol     string             `json:"protocol"`
	State        entity.BridgeState `json:"state"`
	Action       string             `json:"action"`
	Age          float64            `json:"_value,string"`
}

type OrphanedBridgeUpdate struct {
	SettlementID string             `json:"settlement_id"`
	MessageID    string             `json:"message_id"`
	State        entity.BridgeState `json:"state"`
	Value        int                `json:"_value,string"`
}

// Sweeper periodically looks for work the event-driven path missed and repairs it.
type Sweeper struct {
	logger      logging.Logger
	cfg         *config.ReconciliationConfig
	repo        *repository.Repo
	watchers    []Watcher
	clients     map[string]ethclient.Client
	tracker     Fallbacker
	settlements Settlements
	jobs        []*Job
}

// NewSweeper builds the reconciliation jobs. clients are keyed by chain id and give the ledger head
// watcher checkpoints are compared against.
func NewSweeper(logger logging.Logger, cfg *config.ReconciliationConfig, repo *repository.Repo, watchers []Watcher, clients map[string]ethclient.Client, tracker Fallbacker, settlements Settlements) *Sweeper {
	s := &Sweeper{
		logger:      logger,
		cfg:         cfg,
		repo:        repo,
		watchers:    watchers,
		clients:     clients,
		tracker:     tracker,
		settlements: settlements,
	}
	s.jobs = []*Job{
		{
			Name:     "stalled_watcher",
			Metric:   AlertStalledWatcher,
			Interval: cfg.Interval,
			Timeout:  cfg.Timeout,
			Func: func(ctx context.Context) (interface{}, error) {
				return s.FindStalledWatchers(ctx)
			},
		},
		{
			Name:     "stuck_bridge_message",
			Metric:   AlertStuckBridgeMessage,
			Interval: cfg.Interval,
			Timeout:  cfg.Timeout,
			Func: func(ctx context.Context) (interface{}, error) {
				return s.FixStuckBridgeMessages(ctx)
			},
		},
		{
			Name:     "orphaned_bridge_update",
			Metric:   AlertOrphanedBridgeUpdate,
			Interval: cfg.Interval,
			Timeout:  cfg.Timeout,
			Func: func(ctx context.Context) (interface{}, error) {
				return s.ReapplyOrphanedUpdates(ctx)
			},
		},
	}
	for _, job := range s.jobs {
		job.logger = logger.WithField("reconcile_job", job.Name)
	}
	return s
}

// Run starts every job and blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.WithField("interval", s.cfg.Interval).Info("starting reconciliation jobs")
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			job.Start(ctx)
		}(job)
	}
	wg.Wait()
	return nil
}

// Sweep runs every job once.
func (s *Sweeper) Sweep(ctx context.Context) error {
	var errs []error
	for _, job := range s.jobs {
		if err := job.RunOnce(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.Name, err))
		}
	}
	return errors.Join(errs...)
}

// FindStalledWatchers compares stored checkpoints with the confirmed ledger head of each watcher's
// chain. Watchers lagging more than the gap threshold are woken up, halted ones are reported as is.
func (s *Sweeper) FindStalledWatchers(ctx context.Context) ([]*StalledWatcher, error) {
	checkpoints, err := s.repo.Checkpoints.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't list checkpoints: %w", err)
	}
	stored := make(map[string]uint, len(checkpoints))
	for _, cp := range checkpoints {
		stored[checkpointKey(cp.ChainID, cp.ContractAddress)] = cp.LastBlock
	}

	heads := make(map[string]uint, len(s.clients))
	res := make([]*StalledWatcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		cfg := w.Config()
		chainID := cfg.Chain.ChainID
		status := w.Status()
		logger := s.logger.WithFields(logrus.Fields{
			"watcher":  w.ID(),
			"chain_id": chainID,
		})

		checkpoint, ok := stored[checkpointKey(chainID, cfg.Address)]
		if !ok && cfg.StartBlock > 0 {
			checkpoint = cfg.StartBlock - 1
		}

		var gap uint
		head, ok := heads[chainID]
		if !ok {
			head, err = s.head(ctx, chainID)
			if err != nil {
				logger.WithError(err).Error("can't fetch ledger head")
			} else {
				heads[chainID] = head
				ok = true
			}
		}
		if ok {
			confirmed := uint(0)
			if head > cfg.BlockConfirmations {
				confirmed = head - cfg.BlockConfirmations
			}
			if confirmed > checkpoint {
				gap = confirmed - checkpoint
			}
		}
		if !status.Halted && gap <= s.cfg.GapThreshold {
			continue
		}
		res = append(res, &StalledWatcher{
			Watcher:         w.ID(),
			ChainID:         chainID,
			CheckpointBlock: checkpoint,
			Halted:          status.Halted,
			Gap:             gap,
		})
		if !status.Halted {
			logger.WithFields(logrus.Fields{
				"checkpoint_block": checkpoint,
				"head_block":       head,
				"gap":              gap,
				"last_poll_at":     status.LastPollAt,
			}).Warn("watcher checkpoint lags behind ledger head, triggering poll")
			w.Trigger()
		}
	}
	return res, nil
}

func (s *Sweeper) head(ctx context.Context, chainID string) (uint, error) {
	client, ok := s.clients[chainID]
	if !ok {
		return 0, fmt.Errorf("no ledger client for chain %s: %w", chainID, config.ErrUnknownChain)
	}
	return client.BlockNumber(ctx)
}

func checkpointKey(chainID string, addr common.Address) string {
	return chainID + ":" + addr.String()
}

// FixStuckBridgeMessages applies the configured action to messages without progress for the grace period.
func (s *Sweeper) FixStuckBridgeMessages(ctx context.Context) ([]*StuckBridgeMessage, error) {
	now := time.Now()
	msgs, err := s.repo.BridgeMessages.FindNonTerminal(ctx, now.Add(-s.cfg.GracePeriod))
	if err != nil {
		return nil, fmt.Errorf("can't find stuck bridge messages: %w", err)
	}
	res := make([]*StuckBridgeMessage, 0, len(msgs))
	for _, msg := range msgs {
		age := now.Sub(msg.LastStatusAt)
		logger := s.logger.WithFields(logrus.Fields{
			"settlement_id": msg.SettlementID,
			"message_id":    msg.MessageID,
			"protocol":      msg.Protocol,
			"state":         msg.State,
			"age":           age,
		})
		action := s.cfg.StuckAction
		reason := fmt.Sprintf("no status change for %s", age.Truncate(time.Second))
		switch action {
		case ActionEscalate:
			cmd, err := s.settlements.GetBySettlementID(ctx, msg.SettlementID)
			if err != nil {
				logger.WithError(err).Error("can't get settlement of stuck bridge message")
				continue
			}
			if cmd.Status != entity.StatusReconciling {
				if _, err = s.settlements.Escalate(ctx, msg.SettlementID, "bridge message "+msg.MessageID+": "+reason); err != nil {
					logger.WithError(err).Error("can't escalate settlement")
					continue
				}
				logger.Warn("escalated settlement with stuck bridge message")
			}
		default:
			successor, err := s.tracker.ForceFallback(ctx, msg.MessageID, reason)
			if err != nil {
				logger.WithError(err).Error("can't force fallback of stuck bridge message")
				continue
			}
			if successor != nil {
				logger.WithField("successor_protocol", successor.Protocol).Warn("forced fallback of stuck bridge message")
			}
		}
		res = append(res, &StuckBridgeMessage{
			SettlementID: msg.SettlementID,
			MessageID:    msg.MessageID,
			Protocol:     msg.Protocol,
			State:        msg.State,
			Action:       action,
			Age:          age.Seconds(),
		})
	}
	return res, nil
}

// ReapplyOrphanedUpdates feeds terminal states of active messages back to settlements still
// waiting in AwaitingBridge. Already applied updates are ignored by the processor.
func (s *Sweeper) ReapplyOrphanedUpdates(ctx context.Context) ([]*OrphanedBridgeUpdate, error) {
	cmds, err := s.repo.SettlementCommands.FindByStatus(ctx, entity.StatusAwaitingBridge)
	if err != nil {
		return nil, fmt.Errorf("can't find settlements awaiting bridge: %w", err)
	}
	res := make([]*OrphanedBridgeUpdate, 0, 10)
	for _, cmd := range cmds {
		if cmd.ActiveBridgeMessageID == nil {
			continue
		}
		logger := s.logger.WithFields(logrus.Fields{
			"settlement_id": cmd.SettlementID,
			"message_id":    *cmd.ActiveBridgeMessageID,
		})
		msg, err := s.repo.BridgeMessages.GetByID(ctx, *cmd.ActiveBridgeMessageID)
		if err != nil {
			logger.WithError(err).Error("can't get active bridge message")
			continue
		}
		if !msg.State.IsTerminal() {
			continue
		}
		u := &bridge.Update{
			SettlementID: msg.SettlementID,
			MessageID:    msg.MessageID,
			Protocol:     msg.Protocol,
			State:        msg.State,
			Detail:       msg.Detail,
			Terminal:     true,
		}
		if msg.SupersededBy != nil {
			successor, err := s.repo.BridgeMessages.GetByID(ctx, *msg.SupersededBy)
			if err != nil && !errors.Is(err, db.ErrNotFound) {
				logger.WithError(err).Error("can't get successor bridge message")
				continue
			}
			u.Successor = successor
			u.Terminal = successor == nil
		}
		result, err := s.settlements.ApplyBridgeUpdate(ctx, u)
		if err != nil {
			logger.WithError(err).Error("can't re-apply bridge update")
			continue
		}
		if result == nil || result.Duplicate {
			continue
		}
		logger.WithFields(logrus.Fields{
			"state":  msg.State,
			"status": result.Status,
		}).Warn("re-applied orphaned bridge update")
		res = append(res, &OrphanedBridgeUpdate{
			SettlementID: msg.SettlementID,
			MessageID:    msg.MessageID,
			State:        msg.State,
			Value:        1,
		})
	}
	return res, nil
}
