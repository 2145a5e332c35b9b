package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/omni/settlement-coordinator/config"
	"github.com/omni/settlement-coordinator/entity"
	"github.com/omni/settlement-coordinator/logging"
	"github.com/omni/settlement-coordinator/repository"
	"github.com/omni/settlement-coordinator/retry"
	"github.com/omni/settlement-coordinator/utils"
)

const defaultUpdatesChanCap = 100

var ErrInvalidResolution = errors.New("message can only be resolved as Executed or Failed")

var defaultProtocolConfig = config.ProtocolConfig{
	PollInterval:    15 * time.Second,
	MaxPollInterval: 2 * time.Minute,
	Deadline:        time.Hour,
}

// Update reports a state change of a bridge message to the settlement processor.
type Update struct {
	SettlementID string
	MessageID    string
	Protocol     string
	State        entity.BridgeState
	Detail       string
	// Successor is the fallback message that replaced MessageID, if any.
	Successor *entity.BridgeMessage
	// Terminal is set when the settlement has no further bridge message to wait for.
	Terminal bool
}

type Request struct {
	SettlementID  string
	SourceChainID string
	DestChainID   string
	Payload       []byte
	Protocol      string
	Fallbacks     []string
}

type tracked struct {
	cancel context.CancelFunc
}

type Tracker struct {
	logger    logging.Logger
	repo      *repository.Repo
	registry  *Registry
	protocols map[string]*config.ProtocolConfig
	policy    retry.Policy
	updates   chan *Update

	mu     sync.Mutex
	ctx    context.Context
	active map[string]*tracked
	wg     sync.WaitGroup
}

func NewTracker(logger logging.Logger, repo *repository.Repo, registry *Registry, protocols map[string]*config.ProtocolConfig, policy retry.Policy) *Tracker {
	return &Tracker{
		logger:    logger,
		repo:      repo,
		registry:  registry,
		protocols: protocols,
		policy:    policy,
		updates:   make(chan *Update, defaultUpdatesChanCap),
		active:    make(map[string]*tracked),
	}
}

func (t *Tracker) Updates() <-chan *Update {
	return t.updates
}

// Run resumes tracking of every non-terminal message and blocks until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()

	if err := t.Resume(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	t.wg.Wait()
	return nil
}

func (t *Tracker) Resume(ctx context.Context) error {
	msgs, err := t.repo.BridgeMessages.FindNonTerminal(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("can't load non-terminal bridge messages: %w", err)
	}
	for _, msg := range msgs {
		t.Track(msg)
	}
	if len(msgs) > 0 {
		t.logger.WithField("count", len(msgs)).Info("resumed bridge message tracking")
	}
	return nil
}

// Dispatch persists a new Pending message on the requested protocol. When ctx carries a transaction
// the message is created inside it, so callers start tracking with Track only after commit.
func (t *Tracker) Dispatch(ctx context.Context, req *Request) (*entity.BridgeMessage, error) {
	if _, err := t.registry.Get(req.Protocol); err != nil {
		return nil, err
	}
	now := time.Now()
	msg := &entity.BridgeMessage{
		MessageID:         uuid.NewString(),
		SettlementID:      req.SettlementID,
		SourceChainID:     req.SourceChainID,
		DestChainID:       req.DestChainID,
		Protocol:          req.Protocol,
		Payload:           req.Payload,
		PayloadHash:       crypto.Keccak256Hash(req.Payload),
		State:             entity.BridgeStatePending,
		AttemptCount:      1,
		PreferredProtocol: req.Protocol,
		FallbackProtocols: append([]string{}, req.Fallbacks...),
		CreatedAt:         now,
		LastStatusAt:      now,
	}
	err := t.repo.Tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := t.repo.BridgeMessages.Create(ctx, msg); err != nil {
			return err
		}
		return t.repo.BridgeTransitions.Insert(ctx, &entity.BridgeTransition{
			MessageID: msg.MessageID,
			ToState:   entity.BridgeStatePending,
			Detail:    "dispatched",
		})
	})
	if err != nil {
		return nil, fmt.Errorf("can't create bridge message: %w", err)
	}
	Transitions.WithLabelValues(msg.Protocol, string(msg.State)).Inc()
	t.logger.WithFields(logrus.Fields{
		"settlement_id": msg.SettlementID,
		"message_id":    msg.MessageID,
		"protocol":      msg.Protocol,
		"fallbacks":     req.Fallbacks,
	}).Info("dispatched bridge message")
	return msg, nil
}

// Track starts a tracking task for msg unless one is already running.
// Before Run is called messages are left for Resume.
func (t *Tracker) Track(msg *entity.BridgeMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil || msg.State.IsTerminal() {
		return
	}
	if _, ok := t.active[msg.MessageID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(t.ctx)
	tr := &tracked{cancel: cancel}
	t.active[msg.MessageID] = tr
	ActiveMessages.WithLabelValues(msg.Protocol).Inc()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			cancel()
			ActiveMessages.WithLabelValues(msg.Protocol).Dec()
			t.mu.Lock()
			if t.active[msg.MessageID] == tr {
				delete(t.active, msg.MessageID)
			}
			t.mu.Unlock()
		}()
		t.track(ctx, msg)
	}()
}

func (t *Tracker) stopTracking(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.active[messageID]; ok {
		tr.cancel()
		delete(t.active, messageID)
	}
}

// ForceFallback times out a non-terminal message and moves delivery to the next fallback protocol.
// It returns the successor, or nil when the message was already terminal or had no fallback left.
func (t *Tracker) ForceFallback(ctx context.Context, messageID, reason string) (*entity.BridgeMessage, error) {
	msg, err := t.repo.BridgeMessages.GetByID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("can't get bridge message: %w", err)
	}
	if msg.State.IsTerminal() {
		return nil, nil
	}
	t.stopTracking(messageID)
	successor, err := t.fail(ctx, msg, entity.BridgeStateTimedOut, reason, true)
	if errors.Is(err, entity.ErrStateConflict) {
		return nil, nil
	}
	if err != nil {
		t.Track(msg)
		return nil, err
	}
	return successor, nil
}

// Resolve records an operator decision for a message. A Failed resolution does not fall back.
func (t *Tracker) Resolve(ctx context.Context, messageID string, state entity.BridgeState, detail string) error {
	if state != entity.BridgeStateExecuted && state != entity.BridgeStateFailed {
		return ErrInvalidResolution
	}
	msg, err := t.repo.BridgeMessages.GetByID(ctx, messageID)
	if err != nil {
		return fmt.Errorf("can't get bridge message: %w", err)
	}
	if msg.State.IsTerminal() {
		return fmt.Errorf("message %s is already %s: %w", messageID, msg.State, entity.ErrStateConflict)
	}
	t.stopTracking(messageID)
	detail = "resolved by operator: " + detail
	if state == entity.BridgeStateExecuted {
		return t.transition(ctx, msg, state, detail, "")
	}
	_, err = t.fail(ctx, msg, state, detail, false)
	return err
}

func (t *Tracker) track(ctx context.Context, msg *entity.BridgeMessage) {
	logger := t.logger.WithFields(logrus.Fields{
		"settlement_id": msg.SettlementID,
		"message_id":    msg.MessageID,
		"protocol":      msg.Protocol,
	})
	adapter, err := t.registry.Get(msg.Protocol)
	if err != nil {
		t.failLogged(ctx, logger, msg, entity.BridgeStateFailed, err.Error())
		return
	}
	cfg := t.protocolConfig(msg.Protocol)

	if msg.State == entity.BridgeStatePending && !t.submit(ctx, logger, adapter, msg) {
		return
	}

	interval := cfg.PollInterval
	for {
		if !utils.SleepUntil(ctx, interval, msg.LastStatusAt.Add(cfg.Deadline)) {
			return
		}

		if time.Since(msg.LastStatusAt) >= cfg.Deadline {
			t.failLogged(ctx, logger, msg, entity.BridgeStateTimedOut, fmt.Sprintf("no status change within %s", cfg.Deadline))
			return
		}

		status, err := adapter.PollStatus(ctx, msg)
		if err != nil {
			PollErrors.WithLabelValues(msg.Protocol).Inc()
			logger.WithError(err).Warn("can't poll bridge message status")
			interval = nextInterval(interval, cfg.MaxPollInterval)
			continue
		}
		if status.State == msg.State || !msg.State.CanMoveTo(status.State) {
			interval = nextInterval(interval, cfg.MaxPollInterval)
			continue
		}
		if status.State.IsFailure() {
			t.failLogged(ctx, logger, msg, status.State, status.Detail)
			return
		}
		if err = t.transition(ctx, msg, status.State, status.Detail, ""); err != nil {
			if errors.Is(err, entity.ErrStateConflict) {
				logger.Warn("bridge message changed concurrently, stop tracking")
				return
			}
			logger.WithError(err).Error("can't record bridge message transition")
			interval = nextInterval(interval, cfg.MaxPollInterval)
			continue
		}
		if msg.State.IsTerminal() {
			logger.Info("bridge message executed")
			return
		}
		interval = cfg.PollInterval
	}
}

func (t *Tracker) submit(ctx context.Context, logger logging.Logger, adapter Adapter, msg *entity.BridgeMessage) bool {
	detail := ""
	cost, err := adapter.EstimateDeliveryCost(ctx, msg)
	if err != nil {
		logger.WithError(err).Warn("can't estimate delivery cost")
	} else {
		detail = "estimated cost " + cost.String()
		logger.WithField("cost", cost.String()).Info("estimated delivery cost")
	}

	var protocolID string
	err = t.policy.Do(ctx, logger, func(ctx context.Context) error {
		var err2 error
		protocolID, err2 = adapter.Submit(ctx, msg)
		return err2
	})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		t.failLogged(ctx, logger, msg, entity.BridgeStateFailed, "submit failed: "+err.Error())
		return false
	}
	if err = t.transition(ctx, msg, entity.BridgeStateSubmitted, detail, protocolID); err != nil {
		logger.WithError(err).Error("can't record submitted bridge message")
		return false
	}
	logger.WithField("protocol_message_id", protocolID).Info("submitted bridge message")
	return true
}

// transition moves msg to next with a state CAS and records the audit row in the same transaction.
func (t *Tracker) transition(ctx context.Context, msg *entity.BridgeMessage, next entity.BridgeState, detail, protocolID string) error {
	updated := *msg
	updated.State = next
	updated.Detail = detail
	updated.LastStatusAt = time.Now()
	if protocolID != "" {
		updated.ProtocolMessageID = protocolID
	}
	err := t.write(ctx, func(ctx context.Context) error {
		if err := t.repo.BridgeMessages.UpdateState(ctx, &updated, msg.State); err != nil {
			return err
		}
		return t.repo.BridgeTransitions.Insert(ctx, &entity.BridgeTransition{
			MessageID: msg.MessageID,
			FromState: msg.State,
			ToState:   next,
			Detail:    detail,
		})
	})
	if err != nil {
		return err
	}
	*msg = updated
	Transitions.WithLabelValues(msg.Protocol, string(next)).Inc()
	t.emit(&Update{
		SettlementID: msg.SettlementID,
		MessageID:    msg.MessageID,
		Protocol:     msg.Protocol,
		State:        next,
		Detail:       detail,
		Terminal:     next.IsTerminal(),
	})
	return nil
}

// fail moves msg to a failure state. With allowFallback and a non-empty fallback list, a successor
// is created and linked in the same transaction and tracking continues on it.
func (t *Tracker) fail(ctx context.Context, msg *entity.BridgeMessage, state entity.BridgeState, detail string, allowFallback bool) (*entity.BridgeMessage, error) {
	var successor *entity.BridgeMessage
	if allowFallback && len(msg.FallbackProtocols) > 0 {
		successor = newSuccessor(msg)
	}
	updated := *msg
	updated.State = state
	updated.Detail = detail
	updated.LastStatusAt = time.Now()

	err := t.write(ctx, func(ctx context.Context) error {
		if err := t.repo.BridgeMessages.UpdateState(ctx, &updated, msg.State); err != nil {
			return err
		}
		err := t.repo.BridgeTransitions.Insert(ctx, &entity.BridgeTransition{
			MessageID: msg.MessageID,
			FromState: msg.State,
			ToState:   state,
			Detail:    detail,
		})
		if err != nil || successor == nil {
			return err
		}
		if err = t.repo.BridgeMessages.Create(ctx, successor); err != nil {
			return err
		}
		if err = t.repo.BridgeMessages.MarkSuperseded(ctx, msg.MessageID, successor.MessageID); err != nil {
			return err
		}
		return t.repo.BridgeTransitions.Insert(ctx, &entity.BridgeTransition{
			MessageID: successor.MessageID,
			ToState:   entity.BridgeStatePending,
			Detail:    fmt.Sprintf("fallback from %s after %s", msg.MessageID, state),
		})
	})
	if err != nil {
		return nil, err
	}
	*msg = updated
	Transitions.WithLabelValues(msg.Protocol, string(state)).Inc()
	if successor != nil {
		msg.SupersededBy = &successor.MessageID
		Fallbacks.WithLabelValues(msg.Protocol, successor.Protocol).Inc()
		Transitions.WithLabelValues(successor.Protocol, string(successor.State)).Inc()
	}
	t.emit(&Update{
		SettlementID: msg.SettlementID,
		MessageID:    msg.MessageID,
		Protocol:     msg.Protocol,
		State:        state,
		Detail:       detail,
		Successor:    successor,
		Terminal:     successor == nil,
	})
	if successor != nil {
		t.Track(successor)
	}
	return successor, nil
}

func (t *Tracker) failLogged(ctx context.Context, logger logging.Logger, msg *entity.BridgeMessage, state entity.BridgeState, detail string) {
	successor, err := t.fail(ctx, msg, state, detail, true)
	if err != nil {
		if ctx.Err() == nil {
			logger.WithError(err).Error("can't record bridge message failure")
		}
		return
	}
	if successor == nil {
		logger.WithField("state", state).Error("bridge delivery failed, no fallback protocol left")
		return
	}
	logger.WithFields(logrus.Fields{
		"state":        state,
		"successor_id": successor.MessageID,
		"next":         successor.Protocol,
	}).Warn("bridge delivery failed, falling back")
}

func (t *Tracker) write(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.policy.Do(ctx, t.logger, func(ctx context.Context) error {
		err := t.repo.Tx.RunInTx(ctx, fn)
		if errors.Is(err, entity.ErrStateConflict) || errors.Is(err, entity.ErrAlreadyExists) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (t *Tracker) emit(u *Update) {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()

	if ctx == nil {
		select {
		case t.updates <- u:
		default:
			t.logger.WithField("message_id", u.MessageID).Warn("updates channel is full, dropping bridge update")
		}
		return
	}
	select {
	case t.updates <- u:
	case <-ctx.Done():
	}
}

func (t *Tracker) protocolConfig(name string) config.ProtocolConfig {
	res := defaultProtocolConfig
	if cfg, ok := t.protocols[name]; ok && cfg != nil {
		if cfg.PollInterval > 0 {
			res.PollInterval = cfg.PollInterval
		}
		if cfg.MaxPollInterval > 0 {
			res.MaxPollInterval = cfg.MaxPollInterval
		}
		if cfg.Deadline > 0 {
			res.Deadline = cfg.Deadline
		}
	}
	if res.MaxPollInterval < res.PollInterval {
		res.MaxPollInterval = res.PollInterval
	}
	return res
}

func newSuccessor(msg *entity.BridgeMessage) *entity.BridgeMessage {
	now := time.Now()
	return &entity.BridgeMessage{
		MessageID:         uuid.NewString(),
		SettlementID:      msg.SettlementID,
		SourceChainID:     msg.SourceChainID,
		DestChainID:       msg.DestChainID,
		Protocol:          msg.FallbackProtocols[0],
		Payload:           msg.Payload,
		PayloadHash:       msg.PayloadHash,
		State:             entity.BridgeStatePending,
		AttemptCount:      msg.AttemptCount + 1,
		PreferredProtocol: msg.PreferredProtocol,
		FallbackProtocols: append([]string{}, msg.FallbackProtocols[1:]...),
		CreatedAt:         now,
		LastStatusAt:      now,
	}
}

func nextInterval(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
