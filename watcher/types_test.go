package watcher_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omni/settlement-coordinator/entity"
	"github.com/omni/settlement-coordinator/watcher"
)

func TestSplitBlockRange(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		Name           string
		From, To, Size uint
		ExpectedOutput []*watcher.BlocksRange
	}{
		{"exact halves", 100, 199, 50, []*watcher.BlocksRange{{100, 149}, {150, 199}}},
		{"short tail", 100, 200, 50, []*watcher.BlocksRange{{100, 149}, {150, 199}, {200, 200}}},
		{"single range", 100, 200, 1000, []*watcher.BlocksRange{{100, 200}}},
		{"single block", 100, 100, 10, []*watcher.BlocksRange{{100, 100}}},
		{"empty when from is past to", 200, 100, 50, []*watcher.BlocksRange{}},
	} {
		res := watcher.SplitBlockRange(test.From, test.To, test.Size)
		require.Equal(t, test.ExpectedOutput, res, "Failed %s", test.Name)
	}
}

func TestSplitEventsInBatches(t *testing.T) {
	t.Parallel()

	ev := func(block, index uint) *entity.ChainEvent {
		return &entity.ChainEvent{BlockNumber: block, LogIndex: index}
	}

	for _, test := range []struct {
		Name           string
		Input          []*entity.ChainEvent
		ExpectedOutput []*watcher.EventsBatch
	}{
		{
			Name:  "three blocks",
			Input: []*entity.ChainEvent{ev(100, 0), ev(120, 1), ev(120, 2), ev(150, 0)},
			ExpectedOutput: []*watcher.EventsBatch{
				{100, []*entity.ChainEvent{ev(100, 0)}},
				{120, []*entity.ChainEvent{ev(120, 1), ev(120, 2)}},
				{150, []*entity.ChainEvent{ev(150, 0)}},
			},
		},
		{
			Name:           "no events",
			Input:          []*entity.ChainEvent{},
			ExpectedOutput: []*watcher.EventsBatch{},
		},
		{
			Name:           "one block",
			Input:          []*entity.ChainEvent{ev(100, 0), ev(100, 1)},
			ExpectedOutput: []*watcher.EventsBatch{{100, []*entity.ChainEvent{ev(100, 0), ev(100, 1)}}},
		},
	} {
		res := watcher.SplitEventsInBatches(test.Input)
		require.Equal(t, test.ExpectedOutput, res, "Failed %s", test.Name)
	}
}
