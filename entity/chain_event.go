package entity

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventPayload holds decoded event arguments rendered as strings.
type EventPayload map[string]string

func (p EventPayload) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

func (p *EventPayload) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	case nil:
		*p = EventPayload{}
		return nil
	default:
		return fmt.Errorf("unsupported payload type %T", src)
	}
	return json.Unmarshal(raw, p)
}

type ChainEvent struct {
	ChainID         string         `db:"chain_id"`
	ContractAddress common.Address `db:"contract_address"`
	TxHash          common.Hash    `db:"tx_hash"`
	LogIndex        uint           `db:"log_index"`
	EventType       string         `db:"event_type"`
	BlockNumber     uint           `db:"block_number"`
	Payload         EventPayload   `db:"payload"`
	CreatedAt       *time.Time     `db:"created_at"`
}

// Key is the natural key of the event, unique per chain.
func (e *ChainEvent) Key() string {
	return fmt.Sprintf("%s:%s:%d", e.ChainID, e.TxHash, e.LogIndex)
}

type ChainEventsRepo interface {
	Ensure(ctx context.Context, events ...*ChainEvent) error
	FindByBlockRange(ctx context.Context, chainID string, addr common.Address, fromBlock, toBlock uint) ([]*ChainEvent, error)
}
