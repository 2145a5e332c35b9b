package presenter

import (
	"time"

	"github.com/omni/settlement-coordinator/entity"
)

type CommandAccepted struct {
	CommandID        string                  `json:"command_id"`
	Status           string                  `json:"status"`
	SettlementStatus entity.SettlementStatus `json:"settlement_status"`
	Duplicate        bool                    `json:"duplicate,omitempty"`
}

type EscalateRequest struct {
	Reason string `json:"reason"`
}

type ResolveRequest struct {
	State  entity.BridgeState `json:"state"`
	Detail string             `json:"detail"`
}

type BridgeMessageInfo struct {
	*entity.BridgeMessage
	ExplorerLink string                     `json:"explorer_link,omitempty"`
	Transitions  []*entity.BridgeTransition `json:"transitions,omitempty"`
}

type HealthResult struct {
	Status   string    `json:"status"`
	Watchers int       `json:"watchers"`
	Halted   []string  `json:"halted,omitempty"`
	Time     time.Time `json:"time"`
}
