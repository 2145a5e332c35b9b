package repository

import (
	"github.com/omni/settlement-coordinator/db"
	"github.com/omni/settlement-coordinator/entity"
	"github.com/omni/settlement-coordinator/repository/memory"
	"github.com/omni/settlement-coordinator/repository/postgres"
)

type Repo struct {
	Checkpoints        entity.CheckpointsRepo
	ChainEvents        entity.ChainEventsRepo
	SettlementCommands entity.SettlementCommandsRepo
	AppliedEvents      entity.AppliedEventsRepo
	BridgeMessages     entity.BridgeMessagesRepo
	BridgeTransitions  entity.BridgeTransitionsRepo
	Tx                 entity.TxRunner
}

func NewRepo(db *db.DB) *Repo {
	return &Repo{
		Checkpoints:        postgres.NewCheckpointsRepo("checkpoints", db),
		ChainEvents:        postgres.NewChainEventsRepo("chain_events", db),
		SettlementCommands: postgres.NewSettlementCommandsRepo("settlement_commands", db),
		AppliedEvents:      postgres.NewAppliedEventsRepo("settlement_events", db),
		BridgeMessages:     postgres.NewBridgeMessagesRepo("bridge_messages", db),
		BridgeTransitions:  postgres.NewBridgeTransitionsRepo("bridge_transitions", db),
		Tx:                 db,
	}
}

// NewMemoryRepo builds repositories backed by process memory. State is lost on restart.
func NewMemoryRepo() *Repo {
	store := memory.NewStore()
	return &Repo{
		Checkpoints:        memory.NewCheckpointsRepo(store),
		ChainEvents:        memory.NewChainEventsRepo(store),
		SettlementCommands: memory.NewSettlementCommandsRepo(store),
		AppliedEvents:      memory.NewAppliedEventsRepo(store),
		BridgeMessages:     memory.NewBridgeMessagesRepo(store),
		BridgeTransitions:  memory.NewBridgeTransitionsRepo(store),
		Tx:                 store,
	}
}
