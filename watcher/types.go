package watcher

import (
	"math"

	"github.com/omni/settlement-coordinator/entity"
)

type BlocksRange struct {
	From uint
	To   uint
}

type EventsBatch struct {
	BlockNumber uint
	Events      []*entity.ChainEvent
}

func SplitBlockRange(fromBlock uint, toBlock uint, maxSize uint) []*BlocksRange {
	batches := make([]*BlocksRange, 0, 10)
	for fromBlock <= toBlock {
		batchToBlock := fromBlock + maxSize - 1
		if batchToBlock > toBlock {
			batchToBlock = toBlock
		}
		batches = append(batches, &BlocksRange{
			From: fromBlock,
			To:   batchToBlock,
		})
		fromBlock += maxSize
	}
	return batches
}

// SplitEventsInBatches groups ordered events by block number.
func SplitEventsInBatches(events []*entity.ChainEvent) []*EventsBatch {
	batches := make([]*EventsBatch, 0, 10)
	// fake event to simplify loop, it will be skipped
	events = append(events, &entity.ChainEvent{BlockNumber: math.MaxUint32})
	batchStartIndex := 0
	for i, e := range events {
		if e.BlockNumber > events[batchStartIndex].BlockNumber {
			batches = append(batches, &EventsBatch{
				BlockNumber: events[batchStartIndex].BlockNumber,
				Events:      events[batchStartIndex:i],
			})
			batchStartIndex = i
		}
	}
	return batches
}
