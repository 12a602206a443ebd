package paygate

import (
	"context"
	"encoding/json"
	"math/big"
)

// Facilitator validates and settles payment proofs against requirements.
// Implemented over HTTP by the facilitator package; the orchestrator treats
// it as a black box.
type Facilitator interface {
	Verify(ctx context.Context, proof PaymentProof, requirements PaymentRequirements) (*VerifyResult, error)
	Settle(ctx context.Context, proof PaymentProof, requirements PaymentRequirements) (*SettleResult, error)
}

// TransferEvent is one observed transfer-style event on a watched asset.
type TransferEvent struct {
	TxHash string
	Asset  string
	To     string
	Value  *big.Int
}

// ChainClient reads value transfers from one blockchain network.
type ChainClient interface {
	// BlockNumber returns the current chain head height.
	BlockNumber(ctx context.Context) (uint64, error)

	// FilterTransfers returns transfer events emitted by the given asset
	// contracts over the inclusive block range [from, to].
	FilterTransfers(ctx context.Context, assets []string, from, to uint64) ([]TransferEvent, error)
}

// Provider is the downstream paid compute service.
type Provider interface {
	// Submit sends the stored payload and returns the provider's job id.
	Submit(ctx context.Context, payload json.RawMessage) (string, error)

	// GetStatus reports the state of a previously submitted job.
	GetStatus(ctx context.Context, id string) (*DownstreamStatus, error)
}

// Notifier delivers best-effort operational notifications. Failures are
// logged by callers and never propagate into session state.
type Notifier interface {
	Notify(ctx context.Context, channel, message string, metadata map[string]string) error
}

// Store is keyed session storage with serialized per-id updates.
type Store interface {
	// Insert persists a new session, failing with ErrDuplicateID when the
	// id is already taken.
	Insert(ctx context.Context, session *Session) error

	// Get returns the session or ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// Update applies mutate to a deep copy of the current record and
	// persists the result. Updates to the same id are serialized; updates
	// to different ids do not block each other.
	Update(ctx context.Context, id string, mutate func(*Session) error) (*Session, error)

	// List returns all sessions ordered by creation time.
	List(ctx context.Context) ([]*Session, error)
}
