package contract

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/omni/settlement-coordinator/entity"
	"github.com/omni/settlement-coordinator/ethclient"
)

type Contract struct {
	address common.Address
	client  ethclient.Client
	abi     abi.ABI
}

func NewContract(client ethclient.Client, addr common.Address, abi abi.ABI) *Contract {
	return &Contract{addr, client, abi}
}

func (c *Contract) Address() common.Address {
	return c.address
}

// EventTopics returns topic0 values of every event in the ABI, usable as a logs filter.
func (c *Contract) EventTopics() []common.Hash {
	topics := make([]common.Hash, 0, len(c.abi.Events))
	for _, event := range c.abi.Events {
		topics = append(topics, event.ID)
	}
	return topics
}

func (c *Contract) Pack(method string, args ...interface{}) ([]byte, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("cannot encode abi calldata: %w", err)
	}
	return data, nil
}

func (c *Contract) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	res, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.address,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot call %s(...): %w", method, err)
	}
	values, err := c.abi.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("cannot decode %s(...) result: %w", method, err)
	}
	return values, nil
}

func (c *Contract) ParseLog(log *types.Log) (string, map[string]interface{}, error) {
	return ParseLog(c.abi, log)
}

// ToChainEvent decodes a log into a ChainEvent. It returns nil for logs not described by the ABI.
func (c *Contract) ToChainEvent(chainID string, log *types.Log) (*entity.ChainEvent, error) {
	name, values, err := c.ParseLog(log)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, nil
	}
	return &entity.ChainEvent{
		ChainID:         chainID,
		ContractAddress: log.Address,
		TxHash:          log.TxHash,
		LogIndex:        log.Index,
		EventType:       name,
		BlockNumber:     uint(log.BlockNumber),
		Payload:         ToPayload(values),
	}, nil
}
