package canonical

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/omni/settlement-coordinator/contract/abi"
	"github.com/omni/settlement-coordinator/entity"
)

const SchemaVersion = 1

var (
	ErrUnmappedEvent  = errors.New("event has no canonical mapping")
	ErrInvalidPayload = errors.New("invalid event payload")
)

type EventType string

const (
	EventCreated           EventType = "Created"
	EventApproved          EventType = "Approved"
	EventReleased          EventType = "Released"
	EventRefunded          EventType = "Refunded"
	EventCollateralChanged EventType = "CollateralChanged"
)

var eventTypes = map[string]EventType{
	abi.EscrowCreated:        EventCreated,
	abi.EscrowApproved:       EventApproved,
	abi.EscrowReleased:       EventReleased,
	abi.EscrowRefunded:       EventRefunded,
	abi.CollateralDeposited:  EventCollateralChanged,
	abi.CollateralWithdrawn:  EventCollateralChanged,
	abi.CollateralLiquidated: EventCollateralChanged,
}

func (t EventType) Valid() bool {
	switch t {
	case EventCreated, EventApproved, EventReleased, EventRefunded, EventCollateralChanged:
		return true
	}
	return false
}

type CausalRef struct {
	TxHash   common.Hash `json:"tx_hash"`
	LogIndex uint        `json:"log_index"`
}

// SettlementEvent is the chain-agnostic envelope published on the settlement topic.
type SettlementEvent struct {
	SettlementID    string           `json:"settlement_id"`
	EventType       EventType        `json:"event_type"`
	SourceChainID   string           `json:"source_chain_id"`
	ContractAddress *common.Address  `json:"contract_address,omitempty"`
	OccurredAtBlock uint             `json:"occurred_at_block"`
	CausalRefs      []CausalRef      `json:"causal_refs,omitempty"`
	IdempotencyKey  string           `json:"idempotency_key"`
	Payer           *common.Address  `json:"payer,omitempty"`
	Payee           *common.Address  `json:"payee,omitempty"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	DestChainID     string           `json:"dest_chain_id,omitempty"`
	Detail          string           `json:"detail,omitempty"`
	SchemaVersion   int              `json:"schema_version"`
}

// IsCrossChain reports whether the event requests delivery to another chain.
func (e *SettlementEvent) IsCrossChain() bool {
	return e.DestChainID != "" && e.DestChainID != "0" && e.DestChainID != e.SourceChainID
}

func (e *SettlementEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(data []byte) (*SettlementEvent, error) {
	e := new(SettlementEvent)
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("can't decode settlement event: %w", err)
	}
	return e, nil
}

// IdempotencyKey derives the redelivery key of an on-chain occurrence.
func IdempotencyKey(chainID string, txHash common.Hash, logIndex uint) string {
	return crypto.Keccak256Hash(
		[]byte(chainID),
		txHash.Bytes(),
		[]byte(strconv.FormatUint(uint64(logIndex), 10)),
	).Hex()
}

// Canonicalize maps a decoded chain event to its canonical form. It has no side effects.
func Canonicalize(e *entity.ChainEvent) (*SettlementEvent, error) {
	eventType, ok := eventTypes[e.EventType]
	if !ok {
		return nil, fmt.Errorf("%s: %w", e.EventType, ErrUnmappedEvent)
	}
	settlementID := e.Payload["settlementId"]
	if settlementID == "" {
		return nil, fmt.Errorf("%s has no settlementId: %w", e.EventType, ErrInvalidPayload)
	}
	addr := e.ContractAddress
	res := &SettlementEvent{
		SettlementID:    settlementID,
		EventType:       eventType,
		SourceChainID:   e.ChainID,
		ContractAddress: &addr,
		OccurredAtBlock: e.BlockNumber,
		CausalRefs:      []CausalRef{{TxHash: e.TxHash, LogIndex: e.LogIndex}},
		IdempotencyKey:  IdempotencyKey(e.ChainID, e.TxHash, e.LogIndex),
		Detail:          e.EventType,
		SchemaVersion:   SchemaVersion,
	}
	if v, ok := e.Payload["payer"]; ok {
		a := common.HexToAddress(v)
		res.Payer = &a
	}
	if v, ok := e.Payload["payee"]; ok {
		a := common.HexToAddress(v)
		res.Payee = &a
	}
	if v, ok := e.Payload["account"]; ok && res.Payer == nil {
		a := common.HexToAddress(v)
		res.Payer = &a
	}
	if v, ok := e.Payload["amount"]; ok {
		amount, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("amount %q: %w", v, ErrInvalidPayload)
		}
		res.Amount = &amount
	}
	if v, ok := e.Payload["destChainId"]; ok {
		dest, valid := new(big.Int).SetString(v, 10)
		if !valid {
			return nil, fmt.Errorf("destChainId %q: %w", v, ErrInvalidPayload)
		}
		if dest.Sign() > 0 {
			res.DestChainID = dest.String()
		}
	}
	return res, nil
}
