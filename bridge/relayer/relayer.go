package relayer

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/omni/settlement-coordinator/bridge"
	"github.com/omni/settlement-coordinator/config"
	"github.com/omni/settlement-coordinator/entity"
)

var ErrUnknownStatus = errors.New("unknown relayer status")

var statuses = map[string]entity.BridgeState{
	"queued":    entity.BridgeStateSubmitted,
	"accepted":  entity.BridgeStateSubmitted,
	"signed":    entity.BridgeStateAttested,
	"attested":  entity.BridgeStateAttested,
	"delivered": entity.BridgeStateExecuted,
	"failed":    entity.BridgeStateFailed,
	"rejected":  entity.BridgeStateFailed,
}

type submitRequest struct {
	Reference     string        `json:"reference"`
	SourceChainID string        `json:"source_chain_id"`
	DestChainID   string        `json:"dest_chain_id"`
	Payload       hexutil.Bytes `json:"payload"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
}

type quoteResponse struct {
	Fee decimal.Decimal `json:"fee"`
}

// Adapter delivers messages through an off-chain relayer network exposing a REST API.
type Adapter struct {
	name string
	http *resty.Client
}

func NewAdapter(cfg *config.ProtocolConfig) *Adapter {
	return &Adapter{
		name: cfg.Name,
		http: resty.New().
			SetBaseURL(cfg.Endpoint).
			SetTimeout(cfg.Timeout),
	}
}

func (a *Adapter) Name() string {
	return a.name
}

func (a *Adapter) EstimateDeliveryCost(ctx context.Context, msg *entity.BridgeMessage) (decimal.Decimal, error) {
	res := new(quoteResponse)
	resp, err := a.http.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetQueryParams(map[string]string{
			"source_chain_id": msg.SourceChainID,
			"dest_chain_id":   msg.DestChainID,
			"size":            strconv.Itoa(len(msg.Payload)),
		}).
		SetResult(res).
		Get("/quote")
	if err != nil {
		return decimal.Zero, fmt.Errorf("can't request quote: %w", err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("quote request returned %d", resp.StatusCode())
	}
	return res.Fee, nil
}

func (a *Adapter) Submit(ctx context.Context, msg *entity.BridgeMessage) (string, error) {
	res := new(submitResponse)
	// a resubmission after a restart carries the same key and is deduplicated by the relayer
	resp, err := a.http.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetHeader("Idempotency-Key", msg.MessageID).
		SetBody(&submitRequest{
			Reference:     msg.MessageID,
			SourceChainID: msg.SourceChainID,
			DestChainID:   msg.DestChainID,
			Payload:       msg.Payload,
		}).
		SetResult(res).
		Post("/messages")
	if err != nil {
		return "", fmt.Errorf("can't submit message: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("submit returned %d: %s", resp.StatusCode(), resp.String())
	}
	if res.ID == "" {
		return "", fmt.Errorf("relayer returned empty message id")
	}
	return res.ID, nil
}

func (a *Adapter) PollStatus(ctx context.Context, msg *entity.BridgeMessage) (*bridge.Status, error) {
	res := new(statusResponse)
	resp, err := a.http.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetPathParam("id", msg.ProtocolMessageID).
		SetResult(res).
		Get("/messages/{id}")
	if err != nil {
		return nil, fmt.Errorf("can't get message status: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("status request returned %d", resp.StatusCode())
	}
	state, ok := statuses[res.Status]
	if !ok {
		return nil, fmt.Errorf("%q: %w", res.Status, ErrUnknownStatus)
	}
	return &bridge.Status{State: state, Detail: res.Detail}, nil
}
