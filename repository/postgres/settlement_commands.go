package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/omni/settlement-coordinator/db"
	"github.com/omni/settlement-coordinator/entity"
)

type settlementCommandsRepo basePostgresRepo

func NewSettlementCommandsRepo(table string, db *db.DB) entity.SettlementCommandsRepo {
	return (*settlementCommandsRepo)(newBasePostgresRepo(table, db))
}

func (r *settlementCommandsRepo) Create(ctx context.Context, cmd *entity.SettlementCommand) error {
	q, args, err := sq.Insert(r.table).
		Columns("command_id", "settlement_id", "status", "source_chain_id", "last_event_idempotency_key", "active_bridge_message_id", "detail", "version").
		Values(cmd.CommandID, cmd.SettlementID, cmd.Status, cmd.SourceChainID, cmd.LastEventIdempotencyKey, cmd.ActiveBridgeMessageID, cmd.Detail, cmd.Version).
		Suffix("ON CONFLICT (settlement_id) DO NOTHING").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("can't insert settlement command: %w", err)
	}
	ok, err := db.RowsAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return entity.ErrAlreadyExists
	}
	return nil
}

func (r *settlementCommandsRepo) get(ctx context.Context, where sq.Eq) (*entity.SettlementCommand, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(where).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	cmd := new(entity.SettlementCommand)
	err = r.db.GetContext(ctx, cmd, q, args...)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, db.ErrNotFound
		}
		return nil, fmt.Errorf("can't get settlement command: %w", err)
	}
	return cmd, nil
}

func (r *settlementCommandsRepo) GetByCommandID(ctx context.Context, commandID string) (*entity.SettlementCommand, error) {
	return r.get(ctx, sq.Eq{"command_id": commandID})
}

func (r *settlementCommandsRepo) GetBySettlementID(ctx context.Context, settlementID string) (*entity.SettlementCommand, error) {
	return r.get(ctx, sq.Eq{"settlement_id": settlementID})
}

func (r *settlementCommandsRepo) Update(ctx context.Context, cmd *entity.SettlementCommand, expectedVersion uint64) error {
	q, args, err := sq.Update(r.table).
		Set("status", cmd.Status).
		Set("source_chain_id", cmd.SourceChainID).
		Set("last_event_idempotency_key", cmd.LastEventIdempotencyKey).
		Set("active_bridge_message_id", cmd.ActiveBridgeMessageID).
		Set("detail", cmd.Detail).
		Set("version", expectedVersion+1).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"command_id": cmd.CommandID, "version": expectedVersion}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("can't update settlement command: %w", err)
	}
	ok, err := db.RowsAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return entity.ErrVersionConflict
	}
	cmd.Version = expectedVersion + 1
	return nil
}

func (r *settlementCommandsRepo) FindByStatus(ctx context.Context, statuses ...entity.SettlementStatus) ([]*entity.SettlementCommand, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"status": statuses}).
		OrderBy("updated_at").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	res := make([]*entity.SettlementCommand, 0, 10)
	err = r.db.SelectContext(ctx, &res, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't find settlement commands by status: %w", err)
	}
	return res, nil
}
