package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/settlement-coordinator/db"
	"github.com/omni/settlement-coordinator/entity"
)

type checkpointsRepo basePostgresRepo

func NewCheckpointsRepo(table string, db *db.DB) entity.CheckpointsRepo {
	return (*checkpointsRepo)(newBasePostgresRepo(table, db))
}

func (r *checkpointsRepo) Get(ctx context.Context, chainID string, addr common.Address) (*entity.Checkpoint, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"chain_id": chainID, "contract_address": addr}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	cp := new(entity.Checkpoint)
	err = r.db.GetContext(ctx, cp, q, args...)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, db.ErrNotFound
		}
		return nil, fmt.Errorf("can't get checkpoint by chain_id and address: %w", err)
	}
	return cp, nil
}

func (r *checkpointsRepo) Advance(ctx context.Context, chainID string, addr common.Address, block, logIndex, expectedPrior uint) error {
	if block < expectedPrior {
		return fmt.Errorf("block %d is behind expected prior block %d: %w", block, expectedPrior, entity.ErrCheckpointRegression)
	}
	q, args, err := sq.Update(r.table).
		Set("last_block", block).
		Set("last_log_index", logIndex).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"chain_id": chainID, "contract_address": addr, "last_block": expectedPrior}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("can't update checkpoint: %w", err)
	}
	ok, err := db.RowsAffected(res)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	q, args, err = sq.Insert(r.table).
		Columns("chain_id", "contract_address", "last_block", "last_log_index").
		Values(chainID, addr, block, logIndex).
		Suffix("ON CONFLICT (chain_id, contract_address) DO NOTHING").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	res, err = r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("can't insert checkpoint: %w", err)
	}
	ok, err = db.RowsAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return entity.ErrCheckpointConflict
	}
	return nil
}

func (r *checkpointsRepo) List(ctx context.Context) ([]*entity.Checkpoint, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		OrderBy("chain_id", "contract_address").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	res := make([]*entity.Checkpoint, 0, 10)
	err = r.db.SelectContext(ctx, &res, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't list checkpoints: %w", err)
	}
	return res, nil
}
