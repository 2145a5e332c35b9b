package settlement

import (
	"github.com/omni/settlement-coordinator/canonical"
	"github.com/omni/settlement-coordinator/compliance"
	"github.com/omni/settlement-coordinator/entity"
)

// NextStatus computes the status following an on-chain event. decision is only consulted for
// events moving funds out of escrow. The current status is returned when the event must not move
// the command, including moves backward along the status order.
func NextStatus(current entity.SettlementStatus, eventType canonical.EventType, crossChain bool, decision compliance.Decision) entity.SettlementStatus {
	var next entity.SettlementStatus
	switch eventType {
	case canonical.EventCreated, canonical.EventApproved:
		next = entity.StatusProcessing
	case canonical.EventReleased, canonical.EventRefunded:
		switch decision {
		case compliance.Deny:
			next = entity.StatusFailed
		case compliance.Flag:
			next = entity.StatusReconciling
		default:
			next = entity.StatusCompleted
			if crossChain {
				next = entity.StatusAwaitingBridge
			}
		}
	default:
		return current
	}
	if current == next || !current.CanMoveTo(next) {
		return current
	}
	return next
}

// NeedsCompliance reports whether the event releases funds and so requires an oracle decision.
func NeedsCompliance(current entity.SettlementStatus, eventType canonical.EventType) bool {
	if eventType != canonical.EventReleased && eventType != canonical.EventRefunded {
		return false
	}
	return !current.IsTerminal() && current != entity.StatusAwaitingBridge
}

// BridgeStatus computes the status following a bridge update for the active message.
func BridgeStatus(current entity.SettlementStatus, state entity.BridgeState, hasSuccessor bool) entity.SettlementStatus {
	var next entity.SettlementStatus
	switch {
	case state == entity.BridgeStateExecuted:
		next = entity.StatusCompleted
	case state.IsFailure() && !hasSuccessor:
		next = entity.StatusFailed
	default:
		return current
	}
	if !current.CanMoveTo(next) {
		return current
	}
	return next
}
