package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/omni/settlement-coordinator/db"
	"github.com/omni/settlement-coordinator/entity"
)

type bridgeMessagesRepo basePostgresRepo

func NewBridgeMessagesRepo(table string, db *db.DB) entity.BridgeMessagesRepo {
	return (*bridgeMessagesRepo)(newBasePostgresRepo(table, db))
}

func (r *bridgeMessagesRepo) Create(ctx context.Context, msg *entity.BridgeMessage) error {
	q, args, err := sq.Insert(r.table).
		Columns("message_id", "settlement_id", "source_chain_id", "dest_chain_id", "protocol", "protocol_message_id",
			"payload", "payload_hash", "state", "attempt_count", "preferred_protocol", "fallback_protocols",
			"detail", "created_at", "last_status_at").
		Values(msg.MessageID, msg.SettlementID, msg.SourceChainID, msg.DestChainID, msg.Protocol, msg.ProtocolMessageID,
			msg.Payload, msg.PayloadHash, msg.State, msg.AttemptCount, msg.PreferredProtocol, msg.FallbackProtocols,
			msg.Detail, msg.CreatedAt, msg.LastStatusAt).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	_, err = r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("can't insert bridge message: %w", err)
	}
	return nil
}

func (r *bridgeMessagesRepo) GetByID(ctx context.Context, messageID string) (*entity.BridgeMessage, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"message_id": messageID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	msg := new(entity.BridgeMessage)
	err = r.db.GetContext(ctx, msg, q, args...)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, db.ErrNotFound
		}
		return nil, fmt.Errorf("can't get bridge message: %w", err)
	}
	return msg, nil
}

func (r *bridgeMessagesRepo) FindBySettlementID(ctx context.Context, settlementID string) ([]*entity.BridgeMessage, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"settlement_id": settlementID}).
		OrderBy("attempt_count", "created_at").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	res := make([]*entity.BridgeMessage, 0, 2)
	err = r.db.SelectContext(ctx, &res, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't find bridge messages by settlement: %w", err)
	}
	return res, nil
}

func (r *bridgeMessagesRepo) FindNonTerminal(ctx context.Context, before time.Time) ([]*entity.BridgeMessage, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.NotEq{"state": entity.TerminalBridgeStates}).
		Where(sq.Lt{"last_status_at": before}).
		OrderBy("last_status_at").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	res := make([]*entity.BridgeMessage, 0, 10)
	err = r.db.SelectContext(ctx, &res, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't find non-terminal bridge messages: %w", err)
	}
	return res, nil
}

func (r *bridgeMessagesRepo) UpdateState(ctx context.Context, msg *entity.BridgeMessage, from entity.BridgeState) error {
	q, args, err := sq.Update(r.table).
		Set("state", msg.State).
		Set("protocol_message_id", msg.ProtocolMessageID).
		Set("detail", msg.Detail).
		Set("last_status_at", msg.LastStatusAt).
		Where(sq.Eq{"message_id": msg.MessageID, "state": from}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("can't update bridge message state: %w", err)
	}
	ok, err := db.RowsAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return entity.ErrStateConflict
	}
	return nil
}

func (r *bridgeMessagesRepo) MarkSuperseded(ctx context.Context, messageID, successorID string) error {
	q, args, err := sq.Update(r.table).
		Set("superseded_by", successorID).
		Where(sq.Eq{"message_id": messageID, "superseded_by": nil}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("can't mark bridge message superseded: %w", err)
	}
	ok, err := db.RowsAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return entity.ErrStateConflict
	}
	return nil
}
