package postgres

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/omni/settlement-coordinator/db"
	"github.com/omni/settlement-coordinator/entity"
)

type bridgeTransitionsRepo basePostgresRepo

func NewBridgeTransitionsRepo(table string, db *db.DB) entity.BridgeTransitionsRepo {
	return (*bridgeTransitionsRepo)(newBasePostgresRepo(table, db))
}

func (r *bridgeTransitionsRepo) Insert(ctx context.Context, t *entity.BridgeTransition) error {
	q, args, err := sq.Insert(r.table).
		Columns("message_id", "from_state", "to_state", "detail").
		Values(t.MessageID, t.FromState, t.ToState, t.Detail).
		Suffix("RETURNING id").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	err = r.db.GetContext(ctx, &t.ID, q, args...)
	if err != nil {
		return fmt.Errorf("can't insert bridge transition: %w", err)
	}
	return nil
}

func (r *bridgeTransitionsRepo) FindByMessageID(ctx context.Context, messageID string) ([]*entity.BridgeTransition, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"message_id": messageID}).
		OrderBy("id").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	res := make([]*entity.BridgeTransition, 0, 4)
	err = r.db.SelectContext(ctx, &res, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't find bridge transitions: %w", err)
	}
	return res, nil
}
