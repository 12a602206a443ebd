package paygate

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// Network identifies a blockchain network (e.g. "base-sepolia", "eip155:84532").
type Network string

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPaymentPending     Status = "payment_pending"
	StatusPaymentConfirmed   Status = "payment_confirmed"
	StatusCreationPending    Status = "creation_pending"
	StatusCreationInProgress Status = "creation_in_progress"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
)

// validTransitions enumerates the forward edges of the session state machine.
// StatusFailed is reachable from every non-terminal state and is handled
// separately in CanTransitionTo.
var validTransitions = map[Status][]Status{
	StatusPaymentPending:     {StatusPaymentConfirmed},
	StatusPaymentConfirmed:   {StatusCreationPending},
	StatusCreationPending:    {StatusCreationInProgress, StatusCompleted},
	StatusCreationInProgress: {StatusCompleted},
}

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether next is a valid successor of s.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	for _, candidate := range validTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// ResourceInfo describes the priced resource offered to the payer.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// PaymentRequirements defines the payment terms offered for a session.
// MaxAmountRequired is an integer amount in the asset's smallest unit,
// encoded as a decimal string.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Asset             string                 `json:"asset"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Resource          *ResourceInfo          `json:"resource,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// RequiredAmount parses MaxAmountRequired as a base-10 integer.
func (r PaymentRequirements) RequiredAmount() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(r.MaxAmountRequired, 10)
	if !ok {
		return nil, fmt.Errorf("invalid required amount %q", r.MaxAmountRequired)
	}
	return amount, nil
}

// Quote is the priced breakdown a requirement's amount is derived from.
type Quote struct {
	Model           string  `json:"model"`
	DurationSeconds float64 `json:"durationSeconds"`
	PerSecondRate   float64 `json:"perSecondRate"`
	ModelMultiplier float64 `json:"modelMultiplier"`
	TotalCredits    int64   `json:"totalCredits"`
	Asset           string  `json:"asset"`
	Network         Network `json:"network"`
}

// PaymentProof is the evidence of payment submitted for confirmation.
// Push-model callers carry a signed payload; the on-chain listener carries
// the observed transaction hash.
type PaymentProof struct {
	TxHash  string                 `json:"txHash,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// VerifyResult is the facilitator's verification verdict.
type VerifyResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResult is the facilitator's settlement outcome.
type SettleResult struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	Transaction string  `json:"transaction,omitempty"`
	Network     Network `json:"network,omitempty"`
}

// DownstreamState is the tagged state of a submitted downstream job.
type DownstreamState string

const (
	DownstreamPending   DownstreamState = "pending"
	DownstreamCompleted DownstreamState = "completed"
	DownstreamFailed    DownstreamState = "failed"
)

// DownstreamStatus is a downstream provider's report for a submitted job.
type DownstreamStatus struct {
	State     DownstreamState `json:"state"`
	ResultRef string          `json:"resultRef,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// HistoryEntry records one session transition for the audit trail.
type HistoryEntry struct {
	Status    Status            `json:"status"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Session tracks one priced request from creation to terminal outcome.
type Session struct {
	ID          string              `json:"id"`
	Payload     json.RawMessage     `json:"payload"`
	Status      Status              `json:"status"`
	Requirement PaymentRequirements `json:"requirement"`
	Quote       Quote               `json:"quote"`
	History     []HistoryEntry      `json:"history"`

	PaymentProof        *PaymentProof `json:"paymentProof,omitempty"`
	VerificationReceipt *VerifyResult `json:"verificationReceipt,omitempty"`
	SettlementReceipt   *SettleResult `json:"settlementReceipt,omitempty"`

	DownstreamID     string `json:"downstreamId,omitempty"`
	DownstreamResult string `json:"downstreamResult,omitempty"`
	FailureReason    string `json:"failureReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the session. The store hands mutators a clone
// so a failed mutation can never corrupt the persisted record.
func (s *Session) Clone() *Session {
	dup := *s

	if s.Payload != nil {
		dup.Payload = append(json.RawMessage(nil), s.Payload...)
	}

	dup.History = make([]HistoryEntry, len(s.History))
	copy(dup.History, s.History)
	for i, entry := range s.History {
		if entry.Metadata != nil {
			meta := make(map[string]string, len(entry.Metadata))
			for k, v := range entry.Metadata {
				meta[k] = v
			}
			dup.History[i].Metadata = meta
		}
	}

	if s.Requirement.Extra != nil {
		extra := make(map[string]interface{}, len(s.Requirement.Extra))
		for k, v := range s.Requirement.Extra {
			extra[k] = v
		}
		dup.Requirement.Extra = extra
	}

	if s.PaymentProof != nil {
		proof := *s.PaymentProof
		if s.PaymentProof.Payload != nil {
			payload := make(map[string]interface{}, len(s.PaymentProof.Payload))
			for k, v := range s.PaymentProof.Payload {
				payload[k] = v
			}
			proof.Payload = payload
		}
		dup.PaymentProof = &proof
	}
	if s.VerificationReceipt != nil {
		receipt := *s.VerificationReceipt
		dup.VerificationReceipt = &receipt
	}
	if s.SettlementReceipt != nil {
		receipt := *s.SettlementReceipt
		dup.SettlementReceipt = &receipt
	}

	return &dup
}

// appendHistory records a transition on the session and bumps UpdatedAt.
func (s *Session) appendHistory(status Status, message string, metadata map[string]string) {
	now := time.Now().UTC()
	s.Status = status
	s.UpdatedAt = now
	s.History = append(s.History, HistoryEntry{
		Status:    status,
		Message:   message,
		Timestamp: now,
		Metadata:  metadata,
	})
}

// ConfirmOptions tunes a single confirmation attempt.
type ConfirmOptions struct {
	// SkipSettlement verifies the payment but leaves settlement to an
	// out-of-band process.
	SkipSettlement bool
}

// CreateSessionInput is the caller's priced-job request.
type CreateSessionInput struct {
	Model           string            `json:"model"`
	DurationSeconds float64           `json:"durationSeconds"`
	Payload         json.RawMessage   `json:"payload,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// CreateSessionResult is returned from Orchestrator.CreateSession and forms
// the body of the 402 response.
type CreateSessionResult struct {
	Session     *Session            `json:"session"`
	Requirement PaymentRequirements `json:"requirement"`
	Quote       Quote               `json:"quote"`
}
