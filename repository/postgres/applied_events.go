package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/omni/settlement-coordinator/db"
	"github.com/omni/settlement-coordinator/entity"
)

type appliedEventsRepo basePostgresRepo

func NewAppliedEventsRepo(table string, db *db.DB) entity.AppliedEventsRepo {
	return (*appliedEventsRepo)(newBasePostgresRepo(table, db))
}

func (r *appliedEventsRepo) Insert(ctx context.Context, e *entity.AppliedEvent) error {
	q, args, err := sq.Insert(r.table).
		Columns("settlement_id", "idempotency_key", "source", "status_before", "status_after", "version").
		Values(e.SettlementID, e.IdempotencyKey, e.Source, e.StatusBefore, e.StatusAfter, e.Version).
		Suffix("ON CONFLICT (settlement_id, idempotency_key) DO NOTHING").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("can't insert applied event: %w", err)
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

func (r *appliedEventsRepo) Get(ctx context.Context, settlementID, idempotencyKey string) (*entity.AppliedEvent, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"settlement_id": settlementID, "idempotency_key": idempotencyKey}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	e := new(entity.AppliedEvent)
	err = r.db.GetContext(ctx, e, q, args...)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, db.ErrNotFound
		}
		return nil, fmt.Errorf("can't get applied event: %w", err)
	}
	return e, nil
}

func (r *appliedEventsRepo) FindBySettlementID(ctx context.Context, settlementID string) ([]*entity.AppliedEvent, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"settlement_id": settlementID}).
		OrderBy("version").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	res := make([]*entity.AppliedEvent, 0, 10)
	err = r.db.SelectContext(ctx, &res, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't find applied events: %w", err)
	}
	return res, nil
}
