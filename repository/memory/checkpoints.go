package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/settlement-coordinator/db"
	"github.com/omni/settlement-coordinator/entity"
)

type checkpointsRepo struct {
	*Store
}

func NewCheckpointsRepo(s *Store) entity.CheckpointsRepo {
	return &checkpointsRepo{s}
}

func (r *checkpointsRepo) Get(ctx context.Context, chainID string, addr common.Address) (*entity.Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp, ok := r.checkpoints[checkpointKey{chainID, addr}]
	if !ok {
		return nil, db.ErrNotFound
	}
	res := *cp
	return &res, nil
}

func (r *checkpointsRepo) Advance(ctx context.Context, chainID string, addr common.Address, block, logIndex, expectedPrior uint) error {
	if block < expectedPrior {
		return fmt.Errorf("block %d is behind expected prior block %d: %w", block, expectedPrior, entity.ErrCheckpointRegression)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := checkpointKey{chainID, addr}
	now := time.Now()
	cp, ok := r.checkpoints[key]
	if !ok {
		r.checkpoints[key] = &entity.Checkpoint{
			ChainID:         chainID,
			ContractAddress: addr,
			LastBlock:       block,
			LastLogIndex:    logIndex,
			CreatedAt:       &now,
			UpdatedAt:       &now,
		}
		r.onRollback(ctx, func() { delete(r.checkpoints, key) })
		return nil
	}
	if cp.LastBlock != expectedPrior {
		return entity.ErrCheckpointConflict
	}
	prev := *cp
	cp.LastBlock, cp.LastLogIndex, cp.UpdatedAt = block, logIndex, &now
	r.onRollback(ctx, func() { *cp = prev })
	return nil
}

func (r *checkpointsRepo) List(ctx context.Context) ([]*entity.Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]*entity.Checkpoint, 0, len(r.checkpoints))
	for _, cp := range r.checkpoints {
		c := *cp
		res = append(res, &c)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].ChainID != res[j].ChainID {
			return res[i].ChainID < res[j].ChainID
		}
		return res[i].ContractAddress.Hex() < res[j].ContractAddress.Hex()
	})
	return res, nil
}
