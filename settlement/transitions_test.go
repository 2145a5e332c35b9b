package settlement_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omni/settlement-coordinator/canonical"
	"github.com/omni/settlement-coordinator/compliance"
	"github.com/omni/settlement-coordinator/entity"
	"github.com/omni/settlement-coordinator/settlement"
)

func TestNextStatus(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name       string
		current    entity.SettlementStatus
		eventType  canonical.EventType
		crossChain bool
		decision   compliance.Decision
		expected   entity.SettlementStatus
	}{
		{"created", entity.StatusPending, canonical.EventCreated, false, "", entity.StatusProcessing},
		{"approved after created", entity.StatusProcessing, canonical.EventApproved, false, "", entity.StatusProcessing},
		{"released", entity.StatusProcessing, canonical.EventReleased, false, compliance.Allow, entity.StatusCompleted},
		{"released cross-chain", entity.StatusProcessing, canonical.EventReleased, true, compliance.Allow, entity.StatusAwaitingBridge},
		{"refunded denied", entity.StatusProcessing, canonical.EventRefunded, false, compliance.Deny, entity.StatusFailed},
		{"released flagged", entity.StatusPending, canonical.EventReleased, true, compliance.Flag, entity.StatusReconciling},
		{"collateral change", entity.StatusProcessing, canonical.EventCollateralChanged, false, "", entity.StatusProcessing},
		{"late created", entity.StatusAwaitingBridge, canonical.EventCreated, false, "", entity.StatusAwaitingBridge},
		{"after completion", entity.StatusCompleted, canonical.EventRefunded, false, compliance.Deny, entity.StatusCompleted},
		{"reconciled release", entity.StatusReconciling, canonical.EventReleased, false, compliance.Allow, entity.StatusCompleted},
		{"reconciling not reopened", entity.StatusReconciling, canonical.EventApproved, false, "", entity.StatusReconciling},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, settlement.NextStatus(tc.current, tc.eventType, tc.crossChain, tc.decision))
		})
	}
}

func TestNeedsCompliance(t *testing.T) {
	t.Parallel()

	require.True(t, settlement.NeedsCompliance(entity.StatusProcessing, canonical.EventReleased))
	require.True(t, settlement.NeedsCompliance(entity.StatusPending, canonical.EventRefunded))
	require.False(t, settlement.NeedsCompliance(entity.StatusProcessing, canonical.EventApproved))
	require.False(t, settlement.NeedsCompliance(entity.StatusAwaitingBridge, canonical.EventReleased))
	require.False(t, settlement.NeedsCompliance(entity.StatusCompleted, canonical.EventReleased))
}

func TestBridgeStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, entity.StatusCompleted, settlement.BridgeStatus(entity.StatusAwaitingBridge, entity.BridgeStateExecuted, false))
	require.Equal(t, entity.StatusFailed, settlement.BridgeStatus(entity.StatusAwaitingBridge, entity.BridgeStateTimedOut, false))
	require.Equal(t, entity.StatusAwaitingBridge, settlement.BridgeStatus(entity.StatusAwaitingBridge, entity.BridgeStateFailed, true))
	require.Equal(t, entity.StatusAwaitingBridge, settlement.BridgeStatus(entity.StatusAwaitingBridge, entity.BridgeStateAttested, false))
	require.Equal(t, entity.StatusFailed, settlement.BridgeStatus(entity.StatusFailed, entity.BridgeStateExecuted, false))
}
