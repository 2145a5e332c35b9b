package entity

import (
	"context"
	"errors"
	"time"
)

var (
	ErrVersionConflict = errors.New("version conflict")
	ErrAlreadyExists   = errors.New("already exists")
)

type SettlementStatus string

const (
	StatusPending        SettlementStatus = "Pending"
	StatusProcessing     SettlementStatus = "Processing"
	StatusAwaitingBridge SettlementStatus = "AwaitingBridge"
	StatusCompleted      SettlementStatus = "Completed"
	StatusFailed         SettlementStatus = "Failed"
	StatusReconciling    SettlementStatus = "Reconciling"
)

var statusRank = map[SettlementStatus]int{
	StatusPending:        0,
	StatusProcessing:     1,
	StatusAwaitingBridge: 2,
	StatusCompleted:      3,
}

func (s SettlementStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanMoveTo reports whether next does not go backward along
// Pending -> Processing -> AwaitingBridge -> Completed. Failed and Reconciling
// are reachable from every non-terminal status, Reconciling may be resolved forward.
func (s SettlementStatus) CanMoveTo(next SettlementStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case StatusFailed, StatusReconciling:
		return true
	case StatusPending:
		return false
	}
	if s == StatusReconciling {
		return next == StatusAwaitingBridge || next == StatusCompleted
	}
	return statusRank[next] > statusRank[s]
}

type SettlementCommand struct {
	CommandID               string           `db:"command_id" json:"command_id"`
	SettlementID            string           `db:"settlement_id" json:"settlement_id"`
	Status                  SettlementStatus `db:"status" json:"status"`
	SourceChainID           string           `db:"source_chain_id" json:"source_chain_id,omitempty"`
	LastEventIdempotencyKey string           `db:"last_event_idempotency_key" json:"last_event_idempotency_key,omitempty"`
	ActiveBridgeMessageID   *string          `db:"active_bridge_message_id" json:"active_bridge_message_id,omitempty"`
	Detail                  string           `db:"detail" json:"detail,omitempty"`
	Version                 uint64           `db:"version" json:"version"`
	CreatedAt               *time.Time       `db:"created_at" json:"created_at,omitempty"`
	UpdatedAt               *time.Time       `db:"updated_at" json:"updated_at,omitempty"`
}

// AppliedEvent records that an event or bridge update was applied to a settlement.
type AppliedEvent struct {
	SettlementID   string           `db:"settlement_id"`
	IdempotencyKey string           `db:"idempotency_key"`
	Source         string           `db:"source"`
	StatusBefore   SettlementStatus `db:"status_before"`
	StatusAfter    SettlementStatus `db:"status_after"`
	Version        uint64           `db:"version"`
	CreatedAt      *time.Time       `db:"created_at"`
}

type SettlementCommandsRepo interface {
	// Create inserts a new command, returning ErrAlreadyExists if the settlement is known.
	Create(ctx context.Context, cmd *SettlementCommand) error
	GetByCommandID(ctx context.Context, commandID string) (*SettlementCommand, error)
	GetBySettlementID(ctx context.Context, settlementID string) (*SettlementCommand, error)
	// Update stores cmd with version expectedVersion+1 if the stored version still equals expectedVersion.
	Update(ctx context.Context, cmd *SettlementCommand, expectedVersion uint64) error
	FindByStatus(ctx context.Context, statuses ...SettlementStatus) ([]*SettlementCommand, error)
}

type AppliedEventsRepo interface {
	// Insert returns ErrAlreadyExists if the idempotency key was already applied for the settlement.
	Insert(ctx context.Context, e *AppliedEvent) error
	Get(ctx context.Context, settlementID, idempotencyKey string) (*AppliedEvent, error)
	FindBySettlementID(ctx context.Context, settlementID string) ([]*AppliedEvent, error)
}
