package entity

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

var ErrStateConflict = errors.New("state conflict")

type BridgeState string

const (
	BridgeStatePending   BridgeState = "Pending"
	BridgeStateSubmitted BridgeState = "Submitted"
	BridgeStateAttested  BridgeState = "Attested"
	BridgeStateExecuted  BridgeState = "Executed"
	BridgeStateFailed    BridgeState = "Failed"
	BridgeStateTimedOut  BridgeState = "TimedOut"
)

var bridgeStateRank = map[BridgeState]int{
	BridgeStatePending:   0,
	BridgeStateSubmitted: 1,
	BridgeStateAttested:  2,
	BridgeStateExecuted:  3,
}

var TerminalBridgeStates = []BridgeState{BridgeStateExecuted, BridgeStateFailed, BridgeStateTimedOut}

func (s BridgeState) IsTerminal() bool {
	return s == BridgeStateExecuted || s == BridgeStateFailed || s == BridgeStateTimedOut
}

func (s BridgeState) IsFailure() bool {
	return s == BridgeStateFailed || s == BridgeStateTimedOut
}

func (s BridgeState) CanMoveTo(next BridgeState) bool {
	if s.IsTerminal() {
		return false
	}
	if next.IsFailure() {
		return true
	}
	rank, ok := bridgeStateRank[next]
	return ok && rank > bridgeStateRank[s]
}

type BridgeMessage struct {
	MessageID         string         `db:"message_id" json:"message_id"`
	SettlementID      string         `db:"settlement_id" json:"settlement_id"`
	SourceChainID     string         `db:"source_chain_id" json:"source_chain_id"`
	DestChainID       string         `db:"dest_chain_id" json:"dest_chain_id"`
	Protocol          string         `db:"protocol" json:"protocol"`
	ProtocolMessageID string         `db:"protocol_message_id" json:"protocol_message_id,omitempty"`
	Payload           []byte         `db:"payload" json:"-"`
	PayloadHash       common.Hash    `db:"payload_hash" json:"payload_hash"`
	State             BridgeState    `db:"state" json:"state"`
	AttemptCount      uint           `db:"attempt_count" json:"attempt_count"`
	PreferredProtocol string         `db:"preferred_protocol" json:"preferred_protocol"`
	FallbackProtocols pq.StringArray `db:"fallback_protocols" json:"fallback_protocols"`
	SupersededBy      *string        `db:"superseded_by" json:"superseded_by,omitempty"`
	Detail            string         `db:"detail" json:"detail,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	LastStatusAt      time.Time      `db:"last_status_at" json:"last_status_at"`
}

type BridgeTransition struct {
	ID        uint        `db:"id" json:"-"`
	MessageID string      `db:"message_id" json:"message_id"`
	FromState BridgeState `db:"from_state" json:"from_state"`
	ToState   BridgeState `db:"to_state" json:"to_state"`
	Detail    string      `db:"detail" json:"detail,omitempty"`
	CreatedAt *time.Time  `db:"created_at" json:"created_at,omitempty"`
}

type BridgeMessagesRepo interface {
	Create(ctx context.Context, msg *BridgeMessage) error
	GetByID(ctx context.Context, messageID string) (*BridgeMessage, error)
	FindBySettlementID(ctx context.Context, settlementID string) ([]*BridgeMessage, error)
	// FindNonTerminal returns messages not yet in a terminal state whose last status change is older than before.
	FindNonTerminal(ctx context.Context, before time.Time) ([]*BridgeMessage, error)
	// UpdateState persists state, protocol id, detail and last_status_at of msg if the stored state equals from.
	UpdateState(ctx context.Context, msg *BridgeMessage, from BridgeState) error
	// MarkSuperseded links a terminal message to its successor once. Returns ErrStateConflict on a second call.
	MarkSuperseded(ctx context.Context, messageID, successorID string) error
}

type BridgeTransitionsRepo interface {
	Insert(ctx context.Context, t *BridgeTransition) error
	FindByMessageID(ctx context.Context, messageID string) ([]*BridgeTransition, error)
}

type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}
