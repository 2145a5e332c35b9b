package memory

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/settlement-coordinator/entity"
)

type checkpointKey struct {
	chainID string
	addr    common.Address
}

type appliedKey struct {
	settlementID string
	key          string
}

// Store keeps all tables behind a single mutex. Transactions are serialized
// and rolled back by replaying an undo log.
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex

	checkpoints  map[checkpointKey]*entity.Checkpoint
	chainEvents  map[string]*entity.ChainEvent
	commands     map[string]*entity.SettlementCommand
	bySettlement map[string]string
	applied      map[appliedKey]*entity.AppliedEvent
	messages     map[string]*entity.BridgeMessage
	transitions  []*entity.BridgeTransition

	transitionSeq uint
}

func NewStore() *Store {
	return &Store{
		checkpoints:  make(map[checkpointKey]*entity.Checkpoint),
		chainEvents:  make(map[string]*entity.ChainEvent),
		commands:     make(map[string]*entity.SettlementCommand),
		bySettlement: make(map[string]string),
		applied:      make(map[appliedKey]*entity.AppliedEvent),
		messages:     make(map[string]*entity.BridgeMessage),
	}
}

type undoLog struct {
	fns []func()
}

type undoKey struct{}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(undoKey{}).(*undoLog); ok {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	log := new(undoLog)
	if err := fn(context.WithValue(ctx, undoKey{}, log)); err != nil {
		s.mu.Lock()
		for i := len(log.fns) - 1; i >= 0; i-- {
			log.fns[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// onRollback must be called with s.mu held.
func (s *Store) onRollback(ctx context.Context, fn func()) {
	if log, ok := ctx.Value(undoKey{}).(*undoLog); ok {
		log.fns = append(log.fns, fn)
	}
}
