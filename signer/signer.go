package signer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"

	"github.com/omni/settlement-coordinator/config"
)

var ErrRejected = errors.New("transaction rejected by signing gateway")

// Gateway submits transactions through an external signer. Keys never leave the gateway.
type Gateway interface {
	SubmitTransaction(ctx context.Context, tx *Transaction) (common.Hash, error)
}

type Transaction struct {
	ChainID  string         `json:"chain_id"`
	To       common.Address `json:"to"`
	Data     hexutil.Bytes  `json:"data"`
	GasLimit uint64         `json:"gas_limit,omitempty"`
	// Reference is sent as the idempotency key, the gateway signs at most one transaction per reference.
	Reference string `json:"reference,omitempty"`
}

type submitResponse struct {
	TxHash common.Hash `json:"tx_hash"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type client struct {
	http *resty.Client
}

func NewClient(cfg *config.HTTPServiceConfig) Gateway {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &client{
		http: resty.New().
			SetBaseURL(cfg.URL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

func (c *client) SubmitTransaction(ctx context.Context, tx *Transaction) (common.Hash, error) {
	res := new(submitResponse)
	errRes := new(errorResponse)
	req := c.http.R().
		SetContext(ctx).
		ForceContentType("application/json")
	if tx.Reference != "" {
		req.SetHeader("Idempotency-Key", tx.Reference)
	}
	resp, err := req.
		SetBody(tx).
		SetResult(res).
		SetError(errRes).
		Post("/transactions")
	if err != nil {
		return common.Hash{}, fmt.Errorf("can't reach signing gateway: %w", err)
	}
	switch {
	case resp.StatusCode() >= 500:
		return common.Hash{}, fmt.Errorf("signing gateway returned %d: %s", resp.StatusCode(), errRes.Error)
	case resp.IsError():
		return common.Hash{}, fmt.Errorf("%s: %w", errRes.Error, ErrRejected)
	}
	if res.TxHash == (common.Hash{}) {
		return common.Hash{}, fmt.Errorf("empty tx hash in gateway response: %w", ErrRejected)
	}
	return res.TxHash, nil
}
