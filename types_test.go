package paygate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPaymentPending, StatusPaymentConfirmed, true},
		{StatusPaymentConfirmed, StatusCreationPending, true},
		{StatusCreationPending, StatusCreationInProgress, true},
		{StatusCreationPending, StatusCompleted, true},
		{StatusCreationInProgress, StatusCompleted, true},
		{StatusPaymentPending, StatusFailed, true},
		{StatusCreationInProgress, StatusFailed, true},
		{StatusPaymentPending, StatusCompleted, false},
		{StatusPaymentConfirmed, StatusPaymentPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusPaymentPending, false},
		{StatusFailed, StatusCompleted, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusPaymentPending.IsTerminal())
	assert.False(t, StatusCreationInProgress.IsTerminal())
}

func TestRequiredAmount(t *testing.T) {
	req := PaymentRequirements{MaxAmountRequired: "300"}
	amount, err := req.RequiredAmount()
	require.NoError(t, err)
	assert.Equal(t, int64(300), amount.Int64())

	req.MaxAmountRequired = "not-a-number"
	_, err = req.RequiredAmount()
	assert.Error(t, err)
}

func TestSessionCloneIsDeep(t *testing.T) {
	session := newTestSession("a")
	session.PaymentProof = &PaymentProof{
		TxHash:  "0xtx",
		Payload: map[string]interface{}{"nonce": "1"},
	}
	session.Requirement.Extra = map[string]interface{}{"decimals": 6}

	dup := session.Clone()
	dup.History[0].Message = "mutated"
	dup.History = append(dup.History, HistoryEntry{Status: StatusFailed})
	dup.PaymentProof.Payload["nonce"] = "2"
	dup.Requirement.Extra["decimals"] = 18
	dup.Payload[0] = 'X'

	assert.Equal(t, "awaiting payment", session.History[0].Message)
	assert.Len(t, session.History, 1)
	assert.Equal(t, "1", session.PaymentProof.Payload["nonce"])
	assert.Equal(t, 6, session.Requirement.Extra["decimals"])
	assert.Equal(t, byte('{'), session.Payload[0])
}
