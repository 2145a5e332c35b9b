package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/omni/settlement-coordinator/config"
)

type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
	Flag  Decision = "flag"
)

var ErrInvalidDecision = errors.New("invalid compliance decision")

type TransferCheck struct {
	SettlementID string           `json:"settlement_id"`
	Parties      []common.Address `json:"parties"`
	Amount       decimal.Decimal  `json:"amount"`
}

type Result struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
}

// Oracle is the synchronous compliance check consulted before funds leave escrow.
type Oracle interface {
	CheckTransfer(ctx context.Context, check *TransferCheck) (*Result, error)
}

type client struct {
	http *resty.Client
}

func NewClient(cfg *config.HTTPServiceConfig) Oracle {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &client{
		http: resty.New().SetBaseURL(cfg.URL).SetTimeout(timeout),
	}
}

func (c *client) CheckTransfer(ctx context.Context, check *TransferCheck) (*Result, error) {
	res := new(Result)
	resp, err := c.http.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetBody(check).
		SetResult(res).
		Post("/v1/transfers/check")
	if err != nil {
		return nil, fmt.Errorf("can't reach compliance oracle: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("compliance oracle returned %d", resp.StatusCode())
	}
	switch res.Decision {
	case Allow, Deny, Flag:
		return res, nil
	default:
		return nil, fmt.Errorf("%q: %w", res.Decision, ErrInvalidDecision)
	}
}

type allowAll struct{}

// AllowAll approves every transfer. Used when no oracle is configured.
func AllowAll() Oracle {
	return allowAll{}
}

func (allowAll) CheckTransfer(context.Context, *TransferCheck) (*Result, error) {
	return &Result{Decision: Allow, Reason: "no compliance oracle configured"}, nil
}
