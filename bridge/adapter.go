package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/omni/settlement-coordinator/entity"
)

var ErrUnknownProtocol = errors.New("unknown bridge protocol")

// Status is a protocol's view of a submitted message.
type Status struct {
	State  entity.BridgeState
	Detail string
}

// Adapter wraps a single cross-chain delivery protocol.
type Adapter interface {
	Name() string
	EstimateDeliveryCost(ctx context.Context, msg *entity.BridgeMessage) (decimal.Decimal, error)
	// Submit hands the payload to the protocol and returns the protocol-level message id.
	Submit(ctx context.Context, msg *entity.BridgeMessage) (string, error)
	PollStatus(ctx context.Context, msg *entity.BridgeMessage) (*Status, error)
}

type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownProtocol)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
