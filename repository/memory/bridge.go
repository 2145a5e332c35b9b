package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/omni/settlement-coordinator/db"
	"github.com/omni/settlement-coordinator/entity"
)

type bridgeMessagesRepo struct {
	*Store
}

func NewBridgeMessagesRepo(s *Store) entity.BridgeMessagesRepo {
	return &bridgeMessagesRepo{s}
}

func copyMessage(msg *entity.BridgeMessage) *entity.BridgeMessage {
	res := *msg
	res.FallbackProtocols = append([]string{}, msg.FallbackProtocols...)
	res.Payload = append([]byte{}, msg.Payload...)
	if msg.SupersededBy != nil {
		id := *msg.SupersededBy
		res.SupersededBy = &id
	}
	return &res
}

func (r *bridgeMessagesRepo) Create(ctx context.Context, msg *entity.BridgeMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.messages[msg.MessageID]; ok {
		return fmt.Errorf("bridge message %s: %w", msg.MessageID, entity.ErrAlreadyExists)
	}
	if !msg.State.IsTerminal() {
		for _, other := range r.messages {
			if other.SettlementID == msg.SettlementID && !other.State.IsTerminal() {
				return fmt.Errorf("settlement %s already has active message %s: %w", msg.SettlementID, other.MessageID, entity.ErrAlreadyExists)
			}
		}
	}
	r.messages[msg.MessageID] = copyMessage(msg)
	r.onRollback(ctx, func() { delete(r.messages, msg.MessageID) })
	return nil
}

func (r *bridgeMessagesRepo) GetByID(ctx context.Context, messageID string) (*entity.BridgeMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[messageID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return copyMessage(msg), nil
}

func (r *bridgeMessagesRepo) FindBySettlementID(ctx context.Context, settlementID string) ([]*entity.BridgeMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]*entity.BridgeMessage, 0, 2)
	for _, msg := range r.messages {
		if msg.SettlementID == settlementID {
			res = append(res, copyMessage(msg))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].AttemptCount < res[j].AttemptCount })
	return res, nil
}

func (r *bridgeMessagesRepo) FindNonTerminal(ctx context.Context, before time.Time) ([]*entity.BridgeMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]*entity.BridgeMessage, 0, 10)
	for _, msg := range r.messages {
		if !msg.State.IsTerminal() && msg.LastStatusAt.Before(before) {
			res = append(res, copyMessage(msg))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].LastStatusAt.Before(res[j].LastStatusAt) })
	return res, nil
}

func (r *bridgeMessagesRepo) UpdateState(ctx context.Context, msg *entity.BridgeMessage, from entity.BridgeState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.messages[msg.MessageID]
	if !ok || stored.State != from {
		return entity.ErrStateConflict
	}
	prev := *stored
	stored.State = msg.State
	stored.ProtocolMessageID = msg.ProtocolMessageID
	stored.Detail = msg.Detail
	stored.LastStatusAt = msg.LastStatusAt
	r.onRollback(ctx, func() { *stored = prev })
	return nil
}

func (r *bridgeMessagesRepo) MarkSuperseded(ctx context.Context, messageID, successorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.messages[messageID]
	if !ok || stored.SupersededBy != nil {
		return entity.ErrStateConflict
	}
	stored.SupersededBy = &successorID
	r.onRollback(ctx, func() { stored.SupersededBy = nil })
	return nil
}

type bridgeTransitionsRepo struct {
	*Store
}

func NewBridgeTransitionsRepo(s *Store) entity.BridgeTransitionsRepo {
	return &bridgeTransitionsRepo{s}
}

func (r *bridgeTransitionsRepo) Insert(ctx context.Context, t *entity.BridgeTransition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.transitionSeq++
	t.ID = r.transitionSeq
	stored := *t
	stored.CreatedAt = &now
	r.transitions = append(r.transitions, &stored)
	r.onRollback(ctx, func() {
		for i, tr := range r.transitions {
			if tr.ID == stored.ID {
				r.transitions = append(r.transitions[:i], r.transitions[i+1:]...)
				break
			}
		}
	})
	return nil
}

func (r *bridgeTransitionsRepo) FindByMessageID(ctx context.Context, messageID string) ([]*entity.BridgeTransition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]*entity.BridgeTransition, 0, 4)
	for _, t := range r.transitions {
		if t.MessageID == messageID {
			c := *t
			res = append(res, &c)
		}
	}
	return res, nil
}
