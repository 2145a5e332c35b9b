package amb

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/omni/settlement-coordinator/bridge"
	"github.com/omni/settlement-coordinator/config"
	"github.com/omni/settlement-coordinator/contract"
	"github.com/omni/settlement-coordinator/contract/abi"
	"github.com/omni/settlement-coordinator/entity"
	"github.com/omni/settlement-coordinator/ethclient"
	"github.com/omni/settlement-coordinator/signer"
)

var (
	ErrUnsupportedChain = errors.New("chain has no arbitrary message bridge contract")
	ErrNoReceiver       = errors.New("no receiver configured for destination chain")
)

type side struct {
	client   ethclient.Client
	contract *contract.Contract
}

// Adapter delivers messages through the arbitrary message bridge contracts. Requests are
// submitted on the source chain through the signing gateway and the delivery is observed
// on the destination chain.
type Adapter struct {
	name      string
	gasLimit  uint64
	sides     map[string]*side
	receivers map[string]common.Address
	gateway   signer.Gateway
}

// NewAdapter builds an adapter for every chain listed in cfg.Contracts. clients are keyed by chain id.
func NewAdapter(cfg *config.ProtocolConfig, chains map[string]*config.ChainConfig, clients map[string]ethclient.Client, gateway signer.Gateway) (*Adapter, error) {
	a := &Adapter{
		name:      cfg.Name,
		gasLimit:  cfg.GasLimit,
		sides:     make(map[string]*side, len(cfg.Contracts)),
		receivers: make(map[string]common.Address, len(cfg.Receivers)),
		gateway:   gateway,
	}
	for chainName, addr := range cfg.Contracts {
		chain, ok := chains[chainName]
		if !ok {
			return nil, fmt.Errorf("protocol %s: %w", cfg.Name, config.ErrUnknownChain)
		}
		client, ok := clients[chain.ChainID]
		if !ok {
			return nil, fmt.Errorf("no client for chain %s: %w", chain.ChainID, ErrUnsupportedChain)
		}
		a.sides[chain.ChainID] = &side{
			client:   client,
			contract: contract.NewContract(client, addr, abi.ArbitraryMessageABI),
		}
	}
	for chainName, addr := range cfg.Receivers {
		if chain, ok := chains[chainName]; ok {
			a.receivers[chain.ChainID] = addr
		}
	}
	return a, nil
}

func (a *Adapter) Name() string {
	return a.name
}

func (a *Adapter) side(chainID string) (*side, error) {
	s, ok := a.sides[chainID]
	if !ok {
		return nil, fmt.Errorf("chain %s: %w", chainID, ErrUnsupportedChain)
	}
	return s, nil
}

// EstimateDeliveryCost returns the gas reserved for the execution on the destination chain.
func (a *Adapter) EstimateDeliveryCost(ctx context.Context, msg *entity.BridgeMessage) (decimal.Decimal, error) {
	gas, err := a.gas(ctx, msg)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(gas, 0), nil
}

func (a *Adapter) gas(ctx context.Context, msg *entity.BridgeMessage) (*big.Int, error) {
	if a.gasLimit > 0 {
		return new(big.Int).SetUint64(a.gasLimit), nil
	}
	src, err := a.side(msg.SourceChainID)
	if err != nil {
		return nil, err
	}
	res, err := src.contract.Call(ctx, "maxGasPerTx")
	if err != nil {
		return nil, err
	}
	gas, ok := res[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected maxGasPerTx result %T", res[0])
	}
	return gas, nil
}

// Submit sends requireToPassMessage on the source chain. The transaction hash is used
// as the protocol message id until the bridge assigns its own.
func (a *Adapter) Submit(ctx context.Context, msg *entity.BridgeMessage) (string, error) {
	src, err := a.side(msg.SourceChainID)
	if err != nil {
		return "", err
	}
	if _, err = a.side(msg.DestChainID); err != nil {
		return "", err
	}
	receiver, ok := a.receivers[msg.DestChainID]
	if !ok {
		return "", fmt.Errorf("chain %s: %w", msg.DestChainID, ErrNoReceiver)
	}
	gas, err := a.gas(ctx, msg)
	if err != nil {
		return "", err
	}
	data, err := src.contract.Pack("requireToPassMessage", receiver, msg.Payload, gas)
	if err != nil {
		return "", err
	}
	txHash, err := a.gateway.SubmitTransaction(ctx, &signer.Transaction{
		ChainID:   msg.SourceChainID,
		To:        src.contract.Address(),
		Data:      data,
		Reference: msg.MessageID,
	})
	if err != nil {
		return "", err
	}
	return txHash.Hex(), nil
}

func (a *Adapter) PollStatus(ctx context.Context, msg *entity.BridgeMessage) (*bridge.Status, error) {
	src, err := a.side(msg.SourceChainID)
	if err != nil {
		return nil, err
	}
	dst, err := a.side(msg.DestChainID)
	if err != nil {
		return nil, err
	}
	receipt, err := src.client.TransactionReceiptByHash(ctx, common.HexToHash(msg.ProtocolMessageID))
	if errors.Is(err, ethereum.NotFound) {
		return &bridge.Status{State: msg.State, Detail: "request transaction is not mined yet"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("can't get request receipt: %w", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return &bridge.Status{State: entity.BridgeStateFailed, Detail: "request transaction reverted"}, nil
	}
	messageID, err := findMessageID(src.contract, receipt)
	if err != nil {
		return nil, err
	}
	if messageID == nil {
		return &bridge.Status{State: entity.BridgeStateFailed, Detail: "request transaction emitted no bridge message"}, nil
	}
	detail := "amb message " + common.Hash(*messageID).Hex()

	relayed, err := callBool(ctx, dst.contract, "relayedMessages", *messageID)
	if err != nil {
		return nil, err
	}
	if !relayed {
		return &bridge.Status{State: entity.BridgeStateAttested, Detail: detail}, nil
	}
	ok, err := callBool(ctx, dst.contract, "messageCallStatus", *messageID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &bridge.Status{State: entity.BridgeStateFailed, Detail: detail + " reverted on destination"}, nil
	}
	return &bridge.Status{State: entity.BridgeStateExecuted, Detail: detail}, nil
}

func findMessageID(c *contract.Contract, receipt *types.Receipt) (*[32]byte, error) {
	for _, log := range receipt.Logs {
		if log.Address != c.Address() {
			continue
		}
		name, values, err := c.ParseLog(log)
		if err != nil {
			return nil, fmt.Errorf("can't parse bridge log: %w", err)
		}
		if name != abi.UserRequestForSignature {
			continue
		}
		id, ok := values["messageId"].([32]byte)
		if !ok {
			return nil, fmt.Errorf("unexpected messageId type %T", values["messageId"])
		}
		return &id, nil
	}
	return nil, nil
}

func callBool(ctx context.Context, c *contract.Contract, method string, args ...interface{}) (bool, error) {
	res, err := c.Call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	v, ok := res[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected %s result %T", method, res[0])
	}
	return v, nil
}
