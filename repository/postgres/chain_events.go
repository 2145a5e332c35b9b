package postgres

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/settlement-coordinator/db"
	"github.com/omni/settlement-coordinator/entity"
)

type chainEventsRepo basePostgresRepo

func NewChainEventsRepo(table string, db *db.DB) entity.ChainEventsRepo {
	return (*chainEventsRepo)(newBasePostgresRepo(table, db))
}

func (r *chainEventsRepo) Ensure(ctx context.Context, events ...*entity.ChainEvent) error {
	if len(events) == 0 {
		return nil
	}
	builder := sq.Insert(r.table).
		Columns("chain_id", "contract_address", "tx_hash", "log_index", "event_type", "block_number", "payload")
	for _, e := range events {
		builder = builder.Values(e.ChainID, e.ContractAddress, e.TxHash, e.LogIndex, e.EventType, e.BlockNumber, e.Payload)
	}
	q, args, err := builder.
		Suffix("ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	_, err = r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("can't insert chain events: %w", err)
	}
	return nil
}

func (r *chainEventsRepo) FindByBlockRange(ctx context.Context, chainID string, addr common.Address, fromBlock, toBlock uint) ([]*entity.ChainEvent, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"chain_id": chainID, "contract_address": addr}).
		Where(sq.LtOrEq{"block_number": toBlock}).
		Where(sq.GtOrEq{"block_number": fromBlock}).
		OrderBy("block_number", "log_index").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	events := make([]*entity.ChainEvent, 0, 10)
	err = r.db.SelectContext(ctx, &events, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't get chain events by block range: %w", err)
	}
	return events, nil
}
