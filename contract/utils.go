package contract

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/omni/settlement-coordinator/entity"
)

func Indexed(args abi.Arguments) abi.Arguments {
	var indexed abi.Arguments
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func FindMatchingEventABI(contractABI abi.ABI, topics []common.Hash) *abi.Event {
	for _, e := range contractABI.Events {
		if e.ID == topics[0] {
			indexed := Indexed(e.Inputs)
			if len(indexed) == len(topics)-1 {
				return &e
			}
		}
	}
	return nil
}

func DecodeEventLog(event *abi.Event, topics []common.Hash, data []byte) (map[string]interface{}, error) {
	indexed := Indexed(event.Inputs)
	values := make(map[string]interface{})
	if len(indexed) < len(event.Inputs) {
		if err := event.Inputs.UnpackIntoMap(values, data); err != nil {
			return nil, fmt.Errorf("can't unpack data: %w", err)
		}
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, topics[1:]); err != nil {
		return nil, fmt.Errorf("can't unpack topics: %w", err)
	}
	return values, nil
}

// ParseLog returns the matched event name and its decoded arguments.
// An empty name means the log does not belong to the ABI.
func ParseLog(contractABI abi.ABI, log *types.Log) (string, map[string]interface{}, error) {
	if len(log.Topics) == 0 {
		return "", nil, fmt.Errorf("cannot process event without topics")
	}
	event := FindMatchingEventABI(contractABI, log.Topics)
	if event == nil {
		return "", nil, nil
	}

	res, err := DecodeEventLog(event, log.Topics, log.Data)
	if err != nil {
		return "", nil, fmt.Errorf("can't decode event log: %w", err)
	}
	return event.Name, res, nil
}

// ToPayload renders decoded ABI values as strings.
func ToPayload(values map[string]interface{}) entity.EventPayload {
	res := make(entity.EventPayload, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case common.Address:
			res[k] = val.Hex()
		case common.Hash:
			res[k] = val.Hex()
		case [32]byte:
			res[k] = common.Hash(val).Hex()
		case *big.Int:
			res[k] = val.String()
		case []byte:
			res[k] = hexutil.Encode(val)
		case bool:
			res[k] = strconv.FormatBool(val)
		default:
			res[k] = fmt.Sprint(val)
		}
	}
	return res
}
