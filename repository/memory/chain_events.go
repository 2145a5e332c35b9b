package memory

import (
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/settlement-coordinator/entity"
)

type chainEventsRepo struct {
	*Store
}

func NewChainEventsRepo(s *Store) entity.ChainEventsRepo {
	return &chainEventsRepo{s}
}

func (r *chainEventsRepo) Ensure(ctx context.Context, events ...*entity.ChainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, e := range events {
		key := e.Key()
		if _, ok := r.chainEvents[key]; ok {
			continue
		}
		stored := *e
		stored.CreatedAt = &now
		r.chainEvents[key] = &stored
		r.onRollback(ctx, func() { delete(r.chainEvents, key) })
	}
	return nil
}

func (r *chainEventsRepo) FindByBlockRange(ctx context.Context, chainID string, addr common.Address, fromBlock, toBlock uint) ([]*entity.ChainEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]*entity.ChainEvent, 0, 10)
	for _, e := range r.chainEvents {
		if e.ChainID == chainID && e.ContractAddress == addr && e.BlockNumber >= fromBlock && e.BlockNumber <= toBlock {
			c := *e
			res = append(res, &c)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].BlockNumber != res[j].BlockNumber {
			return res[i].BlockNumber < res[j].BlockNumber
		}
		return res[i].LogIndex < res[j].LogIndex
	})
	return res, nil
}
