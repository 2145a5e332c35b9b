package entity

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrCheckpointConflict   = errors.New("checkpoint conflict")
	ErrCheckpointRegression = errors.New("checkpoint regression")
)

type Checkpoint struct {
	ChainID         string         `db:"chain_id"`
	ContractAddress common.Address `db:"contract_address"`
	LastBlock       uint           `db:"last_block"`
	LastLogIndex    uint           `db:"last_log_index"`
	CreatedAt       *time.Time     `db:"created_at"`
	UpdatedAt       *time.Time     `db:"updated_at"`
}

type CheckpointsRepo interface {
	Get(ctx context.Context, chainID string, addr common.Address) (*Checkpoint, error)
	// Advance moves the cursor to block only if the stored block still equals expectedPrior.
	// A missing cursor is created. Returns ErrCheckpointConflict when another writer won.
	Advance(ctx context.Context, chainID string, addr common.Address, block, logIndex, expectedPrior uint) error
	List(ctx context.Context) ([]*Checkpoint, error)
}
