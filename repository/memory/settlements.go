package memory

import (
	"context"
	"sort"
	"time"

	"github.com/omni/settlement-coordinator/db"
	"github.com/omni/settlement-coordinator/entity"
)

type settlementCommandsRepo struct {
	*Store
}

func NewSettlementCommandsRepo(s *Store) entity.SettlementCommandsRepo {
	return &settlementCommandsRepo{s}
}

func copyCommand(cmd *entity.SettlementCommand) *entity.SettlementCommand {
	res := *cmd
	if cmd.ActiveBridgeMessageID != nil {
		id := *cmd.ActiveBridgeMessageID
		res.ActiveBridgeMessageID = &id
	}
	return &res
}

func (r *settlementCommandsRepo) Create(ctx context.Context, cmd *entity.SettlementCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bySettlement[cmd.SettlementID]; ok {
		return entity.ErrAlreadyExists
	}
	now := time.Now()
	stored := copyCommand(cmd)
	stored.CreatedAt, stored.UpdatedAt = &now, &now
	r.commands[cmd.CommandID] = stored
	r.bySettlement[cmd.SettlementID] = cmd.CommandID
	r.onRollback(ctx, func() {
		delete(r.commands, cmd.CommandID)
		delete(r.bySettlement, cmd.SettlementID)
	})
	return nil
}

func (r *settlementCommandsRepo) GetByCommandID(ctx context.Context, commandID string) (*entity.SettlementCommand, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[commandID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return copyCommand(cmd), nil
}

func (r *settlementCommandsRepo) GetBySettlementID(ctx context.Context, settlementID string) (*entity.SettlementCommand, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.bySettlement[settlementID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return copyCommand(r.commands[id]), nil
}

func (r *settlementCommandsRepo) Update(ctx context.Context, cmd *entity.SettlementCommand, expectedVersion uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.commands[cmd.CommandID]
	if !ok || stored.Version != expectedVersion {
		return entity.ErrVersionConflict
	}
	prev := *stored
	now := time.Now()
	next := copyCommand(cmd)
	next.Version = expectedVersion + 1
	next.CreatedAt, next.UpdatedAt = prev.CreatedAt, &now
	r.commands[cmd.CommandID] = next
	r.onRollback(ctx, func() { r.commands[cmd.CommandID] = &prev })
	cmd.Version = expectedVersion + 1
	return nil
}

func (r *settlementCommandsRepo) FindByStatus(ctx context.Context, statuses ...entity.SettlementStatus) ([]*entity.SettlementCommand, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]*entity.SettlementCommand, 0, 10)
	for _, cmd := range r.commands {
		for _, status := range statuses {
			if cmd.Status == status {
				res = append(res, copyCommand(cmd))
				break
			}
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].UpdatedAt.Before(*res[j].UpdatedAt)
	})
	return res, nil
}

type appliedEventsRepo struct {
	*Store
}

func NewAppliedEventsRepo(s *Store) entity.AppliedEventsRepo {
	return &appliedEventsRepo{s}
}

func (r *appliedEventsRepo) Insert(ctx context.Context, e *entity.AppliedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := appliedKey{e.SettlementID, e.IdempotencyKey}
	if _, ok := r.applied[key]; ok {
		return entity.ErrAlreadyExists
	}
	now := time.Now()
	stored := *e
	stored.CreatedAt = &now
	r.applied[key] = &stored
	r.onRollback(ctx, func() { delete(r.applied, key) })
	return nil
}

func (r *appliedEventsRepo) Get(ctx context.Context, settlementID, idempotencyKey string) (*entity.AppliedEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.applied[appliedKey{settlementID, idempotencyKey}]
	if !ok {
		return nil, db.ErrNotFound
	}
	res := *e
	return &res, nil
}

func (r *appliedEventsRepo) FindBySettlementID(ctx context.Context, settlementID string) ([]*entity.AppliedEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]*entity.AppliedEvent, 0, 10)
	for key, e := range r.applied {
		if key.settlementID == settlementID {
			c := *e
			res = append(res, &c)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Version < res[j].Version })
	return res, nil
}
