package amb_test

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/omni/settlement-coordinator/bridge/amb"
	"github.com/omni/settlement-coordinator/config"
	"github.com/omni/settlement-coordinator/contract/abi"
	"github.com/omni/settlement-coordinator/entity"
	"github.com/omni/settlement-coordinator/ethclient"
	"github.com/omni/settlement-coordinator/signer"
)

var (
	homeAMB    = common.HexToAddress("0x75Df5AF045d91108662D8080fD1FEFAd6aA0bb59")
	foreignAMB = common.HexToAddress("0x4C36d2919e407f0Cc2Ee3c993ccF8ac26d9CE64e")
	receiver   = common.HexToAddress("0x7301CFA0e1756B71869E93d4e4Dca5c7d0eb0AA6")
	requestTx  = common.HexToHash("0xabcd")
	messageID  = common.HexToHash("0x0005000000000000000000000000000000000000000000000000000000000001")
)

type fakeChain struct {
	chainID string
	receipt *types.Receipt
	relayed bool
	callOK  bool
	maxGas  int64
}

func (c *fakeChain) ChainID() string                           { return c.chainID }
func (c *fakeChain) BlockNumber(context.Context) (uint, error) { return 0, nil }
func (c *fakeChain) HeaderByNumber(context.Context, uint) (*types.Header, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeChain) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (c *fakeChain) FilterLogsSafe(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (c *fakeChain) TransactionReceiptByHash(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if c.receipt == nil || hash != requestTx {
		return nil, ethereum.NotFound
	}
	return c.receipt, nil
}

func (c *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg) ([]byte, error) {
	for name, method := range abi.ArbitraryMessageABI.Methods {
		if !bytes.Equal(method.ID, msg.Data[:4]) {
			continue
		}
		switch name {
		case "relayedMessages":
			return method.Outputs.Pack(c.relayed)
		case "messageCallStatus":
			return method.Outputs.Pack(c.callOK)
		case "maxGasPerTx":
			return method.Outputs.Pack(big.NewInt(c.maxGas))
		}
	}
	return nil, errors.New("unexpected call")
}

type fakeGateway struct {
	tx *signer.Transaction
}

func (g *fakeGateway) SubmitTransaction(_ context.Context, tx *signer.Transaction) (common.Hash, error) {
	g.tx = tx
	return requestTx, nil
}

func requestReceipt(t *testing.T) *types.Receipt {
	t.Helper()
	event := abi.ArbitraryMessageABI.Events[abi.UserRequestForSignature]
	data, err := event.Inputs.NonIndexed().Pack([]byte("encoded"))
	require.NoError(t, err)
	return &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{{
			Address: homeAMB,
			Topics:  []common.Hash{event.ID, messageID},
			Data:    data,
		}},
	}
}

func newAdapter(t *testing.T, home, foreign *fakeChain, gw signer.Gateway, gasLimit uint64) *amb.Adapter {
	t.Helper()
	a, err := amb.NewAdapter(
		&config.ProtocolConfig{
			Name:      "amb",
			GasLimit:  gasLimit,
			Contracts: map[string]common.Address{"xdai": homeAMB, "mainnet": foreignAMB},
			Receivers: map[string]common.Address{"mainnet": receiver},
		},
		map[string]*config.ChainConfig{"xdai": {ChainID: "100"}, "mainnet": {ChainID: "1"}},
		map[string]ethclient.Client{"100": home, "1": foreign},
		gw,
	)
	require.NoError(t, err)
	return a
}

func TestAdapter_Submit(t *testing.T) {
	t.Parallel()

	home, foreign := &fakeChain{chainID: "100", maxGas: 4000000}, &fakeChain{chainID: "1"}
	gw := &fakeGateway{}
	a := newAdapter(t, home, foreign, gw, 0)
	msg := &entity.BridgeMessage{MessageID: "m-1", SourceChainID: "100", DestChainID: "1", Payload: []byte{0x01, 0x02}}

	cost, err := a.EstimateDeliveryCost(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, "4000000", cost.String())

	id, err := a.Submit(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, requestTx.Hex(), id)
	require.Equal(t, "100", gw.tx.ChainID)
	require.Equal(t, homeAMB, gw.tx.To)
	require.Equal(t, "m-1", gw.tx.Reference)

	args, err := abi.ArbitraryMessageABI.Methods["requireToPassMessage"].Inputs.Unpack(gw.tx.Data[4:])
	require.NoError(t, err)
	require.Equal(t, receiver, args[0])
	require.Equal(t, []byte{0x01, 0x02}, args[1])
	require.Equal(t, big.NewInt(4000000), args[2])

	_, err = a.Submit(context.Background(), &entity.BridgeMessage{SourceChainID: "1", DestChainID: "100"})
	require.ErrorIs(t, err, amb.ErrNoReceiver)
	_, err = a.Submit(context.Background(), &entity.BridgeMessage{SourceChainID: "5", DestChainID: "1"})
	require.ErrorIs(t, err, amb.ErrUnsupportedChain)
}

func TestAdapter_PollStatus(t *testing.T) {
	t.Parallel()

	home, foreign := &fakeChain{chainID: "100"}, &fakeChain{chainID: "1"}
	a := newAdapter(t, home, foreign, &fakeGateway{}, 2000000)
	msg := &entity.BridgeMessage{
		SourceChainID:     "100",
		DestChainID:       "1",
		ProtocolMessageID: requestTx.Hex(),
		State:             entity.BridgeStateSubmitted,
	}
	ctx := context.Background()

	status, err := a.PollStatus(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, entity.BridgeStateSubmitted, status.State)

	home.receipt = requestReceipt(t)
	status, err = a.PollStatus(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, entity.BridgeStateAttested, status.State)
	require.Contains(t, status.Detail, messageID.Hex())

	foreign.relayed = true
	status, err = a.PollStatus(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, entity.BridgeStateFailed, status.State)

	foreign.callOK = true
	status, err = a.PollStatus(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, entity.BridgeStateExecuted, status.State)

	home.receipt.Status = types.ReceiptStatusFailed
	status, err = a.PollStatus(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, entity.BridgeStateFailed, status.State)
}
