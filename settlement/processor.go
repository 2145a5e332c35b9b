package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/omni/settlement-coordinator/bridge"
	"github.com/omni/settlement-coordinator/bus"
	"github.com/omni/settlement-coordinator/canonical"
	"github.com/omni/settlement-coordinator/compliance"
	"github.com/omni/settlement-coordinator/config"
	"github.com/omni/settlement-coordinator/db"
	"github.com/omni/settlement-coordinator/entity"
	"github.com/omni/settlement-coordinator/logging"
	"github.com/omni/settlement-coordinator/repository"
	"github.com/omni/settlement-coordinator/retry"
)

const (
	SourceChain    = "chain"
	SourceBridge   = "bridge"
	SourceOperator = "operator"
)

var (
	ErrInvalidCommand = errors.New("invalid settlement command")
	ErrUnavailable    = errors.New("dependency unavailable")
)

// Dispatcher starts cross-chain deliveries.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *bridge.Request) (*entity.BridgeMessage, error)
	Track(msg *entity.BridgeMessage)
}

type Router interface {
	FindRoute(sourceChainID, destChainID string) *config.RouteConfig
}

type Result struct {
	CommandID    string                  `json:"command_id"`
	SettlementID string                  `json:"settlement_id"`
	Status       entity.SettlementStatus `json:"status"`
	Duplicate    bool                    `json:"duplicate"`
}

type Policies struct {
	Ledger     retry.Policy
	Compliance retry.Policy
}

type Processor struct {
	logger           logging.Logger
	repo             *repository.Repo
	oracle           compliance.Oracle
	dispatcher       Dispatcher
	router           Router
	policies         Policies
	maxWriteAttempts int
}

func NewProcessor(logger logging.Logger, repo *repository.Repo, oracle compliance.Oracle, dispatcher Dispatcher, router Router, policies Policies, maxWriteAttempts int) *Processor {
	if maxWriteAttempts <= 0 {
		maxWriteAttempts = 1
	}
	return &Processor{
		logger:           logger,
		repo:             repo,
		oracle:           oracle,
		dispatcher:       dispatcher,
		router:           router,
		policies:         policies,
		maxWriteAttempts: maxWriteAttempts,
	}
}

// change is the outcome of a transition decision for one attempt.
type change struct {
	status   entity.SettlementStatus
	detail   string
	activeID *string
	dispatch *bridge.Request
	// skip leaves the settlement untouched and records nothing under the key
	skip bool
}

// maxSupersessionDepth bounds the walk along superseded_by links.
const maxSupersessionDepth = 16

type decideFunc func(ctx context.Context, cmd *entity.SettlementCommand) (*change, error)

func validate(e *canonical.SettlementEvent) error {
	switch {
	case e.SettlementID == "":
		return fmt.Errorf("missing settlement_id: %w", ErrInvalidCommand)
	case e.IdempotencyKey == "":
		return fmt.Errorf("missing idempotency_key: %w", ErrInvalidCommand)
	case !e.EventType.Valid():
		return fmt.Errorf("unknown event type %q: %w", e.EventType, ErrInvalidCommand)
	case e.SchemaVersion > canonical.SchemaVersion:
		return fmt.Errorf("unsupported schema version %d: %w", e.SchemaVersion, ErrInvalidCommand)
	}
	return nil
}

// Ingest applies a canonical event to its settlement. Redelivery of an applied event returns the
// current status without reapplying effects.
func (p *Processor) Ingest(ctx context.Context, e *canonical.SettlementEvent) (*Result, error) {
	if err := validate(e); err != nil {
		return nil, err
	}
	var decision *compliance.Result
	return p.apply(ctx, e.SettlementID, e.SourceChainID, e.IdempotencyKey, SourceChain, true,
		func(ctx context.Context, cmd *entity.SettlementCommand) (*change, error) {
			if decision == nil && NeedsCompliance(cmd.Status, e.EventType) {
				res, err := p.checkCompliance(ctx, e)
				if err != nil {
					return nil, err
				}
				decision = res
			}
			d := compliance.Allow
			if decision != nil {
				d = decision.Decision
			}
			crossChain := e.IsCrossChain()
			next := NextStatus(cmd.Status, e.EventType, crossChain, d)
			res := &change{status: next, detail: cmd.Detail, activeID: cmd.ActiveBridgeMessageID}
			if next != cmd.Status {
				res.detail = fmt.Sprintf("%s at block %d", e.EventType, e.OccurredAtBlock)
			}
			if decision != nil && decision.Decision != compliance.Allow {
				res.detail = fmt.Sprintf("compliance %s: %s", decision.Decision, decision.Reason)
			}
			if next != entity.StatusAwaitingBridge || next == cmd.Status {
				return res, nil
			}
			route := p.router.FindRoute(e.SourceChainID, e.DestChainID)
			if route == nil {
				res.status = entity.StatusReconciling
				res.detail = fmt.Sprintf("no bridge route from chain %s to chain %s", e.SourceChainID, e.DestChainID)
				return res, nil
			}
			payload, err := e.Marshal()
			if err != nil {
				return nil, err
			}
			res.dispatch = &bridge.Request{
				SettlementID:  e.SettlementID,
				SourceChainID: e.SourceChainID,
				DestChainID:   e.DestChainID,
				Payload:       payload,
				Protocol:      route.Protocol,
				Fallbacks:     route.Fallbacks,
			}
			return res, nil
		})
}

// ApplyBridgeUpdate moves the settlement owning the active bridge message.
func (p *Processor) ApplyBridgeUpdate(ctx context.Context, u *bridge.Update) (*Result, error) {
	if !u.State.IsTerminal() {
		return nil, nil
	}
	key := fmt.Sprintf("bridge:%s:%s", u.MessageID, u.State)
	return p.apply(ctx, u.SettlementID, "", key, SourceBridge, false,
		func(ctx context.Context, cmd *entity.SettlementCommand) (*change, error) {
			res := &change{status: cmd.Status, detail: cmd.Detail, activeID: cmd.ActiveBridgeMessageID}
			logger := p.logger.WithFields(logrus.Fields{
				"settlement_id": u.SettlementID,
				"message_id":    u.MessageID,
			})
			if cmd.ActiveBridgeMessageID == nil {
				logger.Warn("ignoring bridge update of settlement without active bridge message")
				res.skip = true
				return res, nil
			}
			if *cmd.ActiveBridgeMessageID != u.MessageID {
				succeeds, err := p.succeeds(ctx, *cmd.ActiveBridgeMessageID, u.MessageID)
				if err != nil {
					return nil, err
				}
				if !succeeds {
					logger.Warn("ignoring update of inactive bridge message")
					res.skip = true
					return res, nil
				}
				// the supersession update was lost, adopt the successor directly
				logger.WithField("active_message_id", *cmd.ActiveBridgeMessageID).Info("bridge update of successor message, adopting it")
				id := u.MessageID
				res.activeID = &id
			}
			if u.Successor != nil {
				id := u.Successor.MessageID
				res.activeID = &id
				res.detail = fmt.Sprintf("bridge %s on %s, falling back to %s", u.State, u.Protocol, u.Successor.Protocol)
				return res, nil
			}
			res.status = BridgeStatus(cmd.Status, u.State, false)
			res.detail = fmt.Sprintf("bridge %s on %s", u.State, u.Protocol)
			if u.Detail != "" {
				res.detail += ": " + u.Detail
			}
			return res, nil
		})
}

// succeeds reports whether messageID is reachable from activeID through superseded_by links.
func (p *Processor) succeeds(ctx context.Context, activeID, messageID string) (bool, error) {
	id := activeID
	for i := 0; i < maxSupersessionDepth; i++ {
		msg, err := p.repo.BridgeMessages.GetByID(ctx, id)
		if errors.Is(err, db.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("can't get bridge message: %v: %w", err, ErrUnavailable)
		}
		if msg.SupersededBy == nil {
			return false, nil
		}
		if *msg.SupersededBy == messageID {
			return true, nil
		}
		id = *msg.SupersededBy
	}
	return false, nil
}

// Escalate hands a settlement over to manual review.
func (p *Processor) Escalate(ctx context.Context, settlementID, reason string) (*Result, error) {
	return p.apply(ctx, settlementID, "", "escalate:"+uuid.NewString(), SourceOperator, false,
		func(_ context.Context, cmd *entity.SettlementCommand) (*change, error) {
			res := &change{status: cmd.Status, detail: cmd.Detail, activeID: cmd.ActiveBridgeMessageID}
			if cmd.Status.CanMoveTo(entity.StatusReconciling) && cmd.Status != entity.StatusReconciling {
				res.status = entity.StatusReconciling
				res.detail = "escalated: " + reason
			}
			return res, nil
		})
}

func (p *Processor) GetStatus(ctx context.Context, commandID string) (*entity.SettlementCommand, error) {
	cmd, err := p.repo.SettlementCommands.GetByCommandID(ctx, commandID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("can't read settlement command: %v: %w", err, ErrUnavailable)
	}
	return cmd, err
}

func (p *Processor) GetBySettlementID(ctx context.Context, settlementID string) (*entity.SettlementCommand, error) {
	cmd, err := p.repo.SettlementCommands.GetBySettlementID(ctx, settlementID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("can't read settlement command: %v: %w", err, ErrUnavailable)
	}
	return cmd, err
}

// HandleMessage decodes a canonical event from the bus and ingests it.
func (p *Processor) HandleMessage(ctx context.Context, key string, value []byte) error {
	e, err := canonical.Unmarshal(value)
	if err != nil {
		return fmt.Errorf("%v: %w", err, bus.ErrPoisonMessage)
	}
	if key != "" && key != e.SettlementID {
		return fmt.Errorf("partition key %s does not match settlement %s: %w", key, e.SettlementID, bus.ErrPoisonMessage)
	}
	_, err = p.Ingest(ctx, e)
	if errors.Is(err, ErrInvalidCommand) {
		return fmt.Errorf("%v: %w", err, bus.ErrPoisonMessage)
	}
	return err
}

// Run applies bridge updates until ctx is done or the channel is closed.
func (p *Processor) Run(ctx context.Context, updates <-chan *bridge.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if _, err := p.ApplyBridgeUpdate(ctx, u); err != nil && ctx.Err() == nil {
				p.logger.WithError(err).WithFields(logrus.Fields{
					"settlement_id": u.SettlementID,
					"message_id":    u.MessageID,
					"state":         u.State,
				}).Error("can't apply bridge update")
			}
		}
	}
}

// apply runs decide against fresh state and writes the outcome with the optimistic version,
// re-reading on conflict up to maxWriteAttempts times.
func (p *Processor) apply(ctx context.Context, settlementID, sourceChainID, key, source string, create bool, decide decideFunc) (*Result, error) {
	logger := p.logger.WithFields(logrus.Fields{
		"settlement_id":   settlementID,
		"idempotency_key": key,
		"source":          source,
	})
	for attempt := 1; ; attempt++ {
		cmd, err := p.load(ctx, settlementID, sourceChainID, create)
		if err != nil {
			return nil, err
		}
		if _, err = p.repo.AppliedEvents.Get(ctx, settlementID, key); err == nil {
			Duplicates.WithLabelValues(source).Inc()
			logger.Debug("event already applied")
			return resultOf(cmd, true), nil
		} else if !errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("can't read applied events: %v: %w", err, ErrUnavailable)
		}

		ch, err := decide(ctx, cmd)
		if err != nil {
			return nil, err
		}
		if ch.skip {
			return resultOf(cmd, false), nil
		}
		next, msg, err := p.write(ctx, cmd, ch, key, source)
		switch {
		case err == nil:
			if next.Status != cmd.Status {
				Transitions.WithLabelValues(string(cmd.Status), string(next.Status), source).Inc()
				logger.WithFields(logrus.Fields{
					"from":    cmd.Status,
					"to":      next.Status,
					"version": next.Version,
				}).Info("settlement status changed")
			}
			if msg != nil {
				p.dispatcher.Track(msg)
			}
			return resultOf(next, false), nil
		case errors.Is(err, entity.ErrAlreadyExists):
			// a concurrent writer applied the same key
			if attempt >= p.maxWriteAttempts {
				return nil, fmt.Errorf("settlement %s: %w", settlementID, err)
			}
		case errors.Is(err, entity.ErrVersionConflict):
			VersionConflicts.WithLabelValues(source).Inc()
			if attempt >= p.maxWriteAttempts {
				return nil, fmt.Errorf("settlement %s after %d attempts: %w", settlementID, attempt, entity.ErrVersionConflict)
			}
			logger.WithField("attempt", attempt).Debug("version conflict, re-reading")
		default:
			return nil, err
		}
	}
}

func (p *Processor) load(ctx context.Context, settlementID, sourceChainID string, create bool) (*entity.SettlementCommand, error) {
	var cmd *entity.SettlementCommand
	err := p.policies.Ledger.Do(ctx, p.logger, func(ctx context.Context) error {
		var err error
		cmd, err = p.repo.SettlementCommands.GetBySettlementID(ctx, settlementID)
		if err == nil || !errors.Is(err, db.ErrNotFound) {
			return err
		}
		if !create {
			return retry.Permanent(err)
		}
		cmd = &entity.SettlementCommand{
			CommandID:     uuid.NewString(),
			SettlementID:  settlementID,
			Status:        entity.StatusPending,
			SourceChainID: sourceChainID,
		}
		err = p.repo.SettlementCommands.Create(ctx, cmd)
		if errors.Is(err, entity.ErrAlreadyExists) {
			cmd, err = p.repo.SettlementCommands.GetBySettlementID(ctx, settlementID)
		}
		return err
	})
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("settlement %s: %w", settlementID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("can't load settlement command: %v: %w", err, ErrUnavailable)
	}
	return cmd, nil
}

func (p *Processor) write(ctx context.Context, cmd *entity.SettlementCommand, ch *change, key, source string) (*entity.SettlementCommand, *entity.BridgeMessage, error) {
	next := *cmd
	next.Status = ch.status
	next.Detail = ch.detail
	next.ActiveBridgeMessageID = ch.activeID
	if source == SourceChain {
		next.LastEventIdempotencyKey = key
	}
	var msg *entity.BridgeMessage

	err := p.policies.Ledger.Do(ctx, p.logger, func(ctx context.Context) error {
		msg = nil
		err := p.repo.Tx.RunInTx(ctx, func(ctx context.Context) error {
			if ch.dispatch != nil {
				var err error
				msg, err = p.dispatcher.Dispatch(ctx, ch.dispatch)
				if err != nil {
					return err
				}
				next.ActiveBridgeMessageID = &msg.MessageID
			}
			if err := p.repo.SettlementCommands.Update(ctx, &next, cmd.Version); err != nil {
				return err
			}
			return p.repo.AppliedEvents.Insert(ctx, &entity.AppliedEvent{
				SettlementID:   cmd.SettlementID,
				IdempotencyKey: key,
				Source:         source,
				StatusBefore:   cmd.Status,
				StatusAfter:    next.Status,
				Version:        next.Version,
			})
		})
		if errors.Is(err, entity.ErrVersionConflict) || errors.Is(err, entity.ErrAlreadyExists) || errors.Is(err, bridge.ErrUnknownProtocol) {
			return retry.Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
		return &next, msg, nil
	case errors.Is(err, entity.ErrVersionConflict), errors.Is(err, entity.ErrAlreadyExists), errors.Is(err, bridge.ErrUnknownProtocol):
		return nil, nil, err
	default:
		return nil, nil, fmt.Errorf("can't write settlement command: %v: %w", err, ErrUnavailable)
	}
}

func (p *Processor) checkCompliance(ctx context.Context, e *canonical.SettlementEvent) (*compliance.Result, error) {
	check := &compliance.TransferCheck{SettlementID: e.SettlementID}
	for _, party := range []*common.Address{e.Payer, e.Payee} {
		if party != nil {
			check.Parties = append(check.Parties, *party)
		}
	}
	if e.Amount != nil {
		check.Amount = *e.Amount
	} else {
		check.Amount = decimal.Zero
	}
	var res *compliance.Result
	err := p.policies.Compliance.Do(ctx, p.logger, func(ctx context.Context) error {
		var err error
		res, err = p.oracle.CheckTransfer(ctx, check)
		if errors.Is(err, compliance.ErrInvalidDecision) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("compliance check failed: %v: %w", err, ErrUnavailable)
	}
	ComplianceDecisions.WithLabelValues(string(res.Decision)).Inc()
	return res, nil
}

func resultOf(cmd *entity.SettlementCommand, duplicate bool) *Result {
	return &Result{
		CommandID:    cmd.CommandID,
		SettlementID: cmd.SettlementID,
		Status:       cmd.Status,
		Duplicate:    duplicate,
	}
}
