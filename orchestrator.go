package paygate

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// createSessionSchema validates the priced-job request before any state is
// persisted. A request that fails validation never produces a session.
const createSessionSchema = `{
	"type": "object",
	"required": ["model", "durationSeconds"],
	"properties": {
		"model": {"type": "string", "minLength": 1},
		"durationSeconds": {"type": "number", "exclusiveMinimum": 0},
		"payload": {},
		"metadata": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		}
	}
}`

// PricingConfig describes how quotes and payment requirements are built.
type PricingConfig struct {
	Scheme  string
	Network Network
	Asset   string
	PayTo   string

	// PerSecondRate is the base price per second of requested output, in
	// credits (the asset's smallest unit).
	PerSecondRate float64

	// ModelMultipliers scales the base rate per model. Unlisted models use
	// a multiplier of 1.
	ModelMultipliers map[string]float64

	ResourceURL    string
	Description    string
	MimeType       string
	TimeoutSeconds int
}

// DefaultPaymentTimeout is applied when PricingConfig leaves TimeoutSeconds zero.
const DefaultPaymentTimeout = 600

// SessionHook is invoked after a session is created. The detection engine
// registers one to start watching for the session's payment.
type SessionHook func(session *Session)

// TerminalHook is invoked after a session reaches a terminal status.
// The detection engine registers one to release its watch entries.
type TerminalHook func(session *Session)

// Orchestrator owns session mutation: it drives each session from creation
// through payment confirmation and downstream submission to a terminal state.
// All other components either read sessions or call back into the
// orchestrator's confirmation entry point.
type Orchestrator struct {
	store       Store
	facilitator Facilitator
	provider    Provider
	notifier    Notifier
	pricing     PricingConfig
	schema      *gojsonschema.Schema
	logger      zerolog.Logger

	pollInterval    time.Duration
	maxPollFailures int

	mu            sync.Mutex
	createdHooks  []SessionHook
	terminalHooks []TerminalHook
	pollerWG      sync.WaitGroup
	pollerCtx     context.Context
	pollerCancel  context.CancelFunc
}

// OrchestratorOption configures the orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithNotifier sets a best-effort notification sink for terminal transitions.
func WithNotifier(notifier Notifier) OrchestratorOption {
	return func(o *Orchestrator) {
		o.notifier = notifier
	}
}

// WithLogger sets the orchestrator's logger.
func WithLogger(logger zerolog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithPollInterval sets the downstream status polling interval.
func WithPollInterval(interval time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.pollInterval = interval
	}
}

// NewOrchestrator creates an orchestrator. Store, facilitator, provider and
// pricing are required; everything else has working defaults.
func NewOrchestrator(store Store, facilitator Facilitator, provider Provider, pricing PricingConfig, opts ...OrchestratorOption) (*Orchestrator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(createSessionSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile request schema: %w", err)
	}

	if pricing.Scheme == "" {
		pricing.Scheme = "exact"
	}
	if pricing.TimeoutSeconds == 0 {
		pricing.TimeoutSeconds = DefaultPaymentTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:           store,
		facilitator:     facilitator,
		provider:        provider,
		pricing:         pricing,
		schema:          schema,
		logger:          zerolog.Nop(),
		pollInterval:    10 * time.Second,
		maxPollFailures: 5,
		pollerCtx:       ctx,
		pollerCancel:    cancel,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o, nil
}

// OnCreated registers a hook invoked after each new session is persisted.
func (o *Orchestrator) OnCreated(hook SessionHook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.createdHooks = append(o.createdHooks, hook)
}

// OnTerminal registers a hook invoked whenever a session reaches a terminal
// status. Hooks run synchronously on the transitioning goroutine.
func (o *Orchestrator) OnTerminal(hook TerminalHook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.terminalHooks = append(o.terminalHooks, hook)
}

// Close stops all downstream status pollers and waits for them to exit.
func (o *Orchestrator) Close() {
	o.pollerCancel()
	o.pollerWG.Wait()
}

// ============================================================================
// Session creation
// ============================================================================

// CreateSession validates the input, computes a deterministic quote, builds
// the payment requirement and persists a new session in payment_pending.
// Malformed input is rejected before anything is persisted.
func (o *Orchestrator) CreateSession(ctx context.Context, input CreateSessionInput) (*CreateSessionResult, error) {
	if err := o.validateInput(input); err != nil {
		return nil, err
	}

	quote := o.buildQuote(input)
	requirement := o.buildRequirement(quote)

	now := time.Now().UTC()
	session := &Session{
		ID:          uuid.NewString(),
		Payload:     input.Payload,
		Status:      StatusPaymentPending,
		Requirement: requirement,
		Quote:       quote,
		CreatedAt:   now,
		UpdatedAt:   now,
		History: []HistoryEntry{{
			Status:    StatusPaymentPending,
			Message:   fmt.Sprintf("awaiting payment of %s %s on %s", requirement.MaxAmountRequired, requirement.Asset, requirement.Network),
			Timestamp: now,
			Metadata:  input.Metadata,
		}},
	}

	if err := o.store.Insert(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	o.logger.Info().
		Str("session_id", session.ID).
		Str("model", quote.Model).
		Int64("total_credits", quote.TotalCredits).
		Msg("session created")

	o.mu.Lock()
	hooks := make([]SessionHook, len(o.createdHooks))
	copy(hooks, o.createdHooks)
	o.mu.Unlock()
	for _, hook := range hooks {
		hook(session)
	}

	return &CreateSessionResult{
		Session:     session,
		Requirement: requirement,
		Quote:       quote,
	}, nil
}

func (o *Orchestrator) validateInput(input CreateSessionInput) error {
	document, err := json.Marshal(input)
	if err != nil {
		return NewValidationError("unencodable input: %v", err)
	}

	result, err := o.schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return NewValidationError("%v", err)
	}
	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}
		return NewValidationError("%s", strings.Join(messages, "; "))
	}
	return nil
}

func (o *Orchestrator) buildQuote(input CreateSessionInput) Quote {
	multiplier, ok := o.pricing.ModelMultipliers[input.Model]
	if !ok {
		multiplier = 1
	}

	total := int64(math.Round(input.DurationSeconds * o.pricing.PerSecondRate * multiplier))

	return Quote{
		Model:           input.Model,
		DurationSeconds: input.DurationSeconds,
		PerSecondRate:   o.pricing.PerSecondRate,
		ModelMultiplier: multiplier,
		TotalCredits:    total,
		Asset:           o.pricing.Asset,
		Network:         o.pricing.Network,
	}
}

func (o *Orchestrator) buildRequirement(quote Quote) PaymentRequirements {
	return PaymentRequirements{
		Scheme:            o.pricing.Scheme,
		Network:           o.pricing.Network,
		Asset:             o.pricing.Asset,
		MaxAmountRequired: fmt.Sprintf("%d", quote.TotalCredits),
		PayTo:             o.pricing.PayTo,
		MaxTimeoutSeconds: o.pricing.TimeoutSeconds,
		Resource: &ResourceInfo{
			URL:         o.pricing.ResourceURL,
			Description: o.pricing.Description,
			MimeType:    o.pricing.MimeType,
		},
	}
}

// ============================================================================
// Reads
// ============================================================================

// GetSession returns the session or ErrNotFound.
func (o *Orchestrator) GetSession(ctx context.Context, id string) (*Session, error) {
	return o.store.Get(ctx, id)
}

// ListSessions returns all sessions ordered by creation time. Operational
// inspection only.
func (o *Orchestrator) ListSessions(ctx context.Context) ([]*Session, error) {
	return o.store.List(ctx)
}

// ============================================================================
// Payment confirmation
// ============================================================================

// ConfirmPayment is the single convergence point for both confirmation paths:
// callers posting a payment proof directly and the on-chain detection engine.
// Repeated calls against a terminal session are no-ops so duplicate on-chain
// observations and retried webhooks are harmless.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, id string, proof PaymentProof, requirements PaymentRequirements, opts ConfirmOptions) (*Session, error) {
	session, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := matchRequirements(session.Requirement, requirements); err != nil {
		return nil, err
	}

	if session.Status.IsTerminal() {
		return session, nil
	}

	// Claim the session. Exactly one caller wins the pending -> confirmed
	// transition; everyone else sees a no-op.
	claimed := false
	session, err = o.store.Update(ctx, id, func(s *Session) error {
		if s.Status != StatusPaymentPending {
			return nil
		}
		claimed = true
		s.PaymentProof = &proof
		s.appendHistory(StatusPaymentConfirmed, "payment proof received", proofMetadata(proof))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return session, nil
	}

	o.logger.Info().Str("session_id", id).Str("tx_hash", proof.TxHash).Msg("payment confirmed, verifying")

	verification, err := o.facilitator.Verify(ctx, proof, session.Requirement)
	if err != nil {
		return o.failSession(ctx, id, fmt.Sprintf("verification error: %v", err)), &VerificationError{Reason: err.Error()}
	}
	if !verification.IsValid {
		session = o.failSession(ctx, id, verification.InvalidReason)
		return session, &VerificationError{Reason: verification.InvalidReason}
	}

	var settlement *SettleResult
	if !opts.SkipSettlement {
		settlement, err = o.facilitator.Settle(ctx, proof, session.Requirement)
		if err != nil {
			return o.failSession(ctx, id, fmt.Sprintf("settlement error: %v", err)), &SettlementError{Reason: err.Error()}
		}
		if !settlement.Success {
			session = o.failSession(ctx, id, settlement.ErrorReason)
			return session, &SettlementError{Reason: settlement.ErrorReason}
		}
	}

	session, err = o.store.Update(ctx, id, func(s *Session) error {
		s.VerificationReceipt = verification
		s.SettlementReceipt = settlement
		s.appendHistory(StatusCreationPending, "payment verified, submitting job", nil)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return o.submit(ctx, session)
}

// matchRequirements guards against a client substituting cheaper or
// misdirected payment terms. Amounts are compared numerically, addresses
// case-insensitively.
func matchRequirements(stored, offered PaymentRequirements) error {
	if stored.Network != offered.Network {
		return &RequirementMismatchError{Field: "network", Want: string(stored.Network), Got: string(offered.Network)}
	}
	if !strings.EqualFold(stored.Asset, offered.Asset) {
		return &RequirementMismatchError{Field: "asset", Want: stored.Asset, Got: offered.Asset}
	}
	if !strings.EqualFold(stored.PayTo, offered.PayTo) {
		return &RequirementMismatchError{Field: "payTo", Want: stored.PayTo, Got: offered.PayTo}
	}

	storedAmount, err := stored.RequiredAmount()
	if err != nil {
		return &RequirementMismatchError{Field: "maxAmountRequired", Want: stored.MaxAmountRequired, Got: offered.MaxAmountRequired}
	}
	offeredAmount, err := offered.RequiredAmount()
	if err != nil || storedAmount.Cmp(offeredAmount) != 0 {
		return &RequirementMismatchError{Field: "maxAmountRequired", Want: stored.MaxAmountRequired, Got: offered.MaxAmountRequired}
	}
	return nil
}

func proofMetadata(proof PaymentProof) map[string]string {
	if proof.TxHash == "" {
		return nil
	}
	return map[string]string{"txHash": proof.TxHash}
}

// ============================================================================
// Downstream submission
// ============================================================================

func (o *Orchestrator) submit(ctx context.Context, session *Session) (*Session, error) {
	downstreamID, err := o.provider.Submit(ctx, session.Payload)
	if err != nil {
		failed := o.failSession(ctx, session.ID, fmt.Sprintf("submission failed: %v", err))
		return failed, &DownstreamError{Op: "submit", Err: err}
	}

	session, err = o.store.Update(ctx, session.ID, func(s *Session) error {
		s.DownstreamID = downstreamID
		s.appendHistory(StatusCreationInProgress, "downstream job accepted", map[string]string{"downstreamId": downstreamID})
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.startPoller(session.ID, downstreamID)
	return session, nil
}

// startPoller re-checks downstream status on a fixed interval until the
// session reaches a terminal state. The poller polls once immediately so
// synchronously completing jobs finish without waiting a full interval.
func (o *Orchestrator) startPoller(sessionID, downstreamID string) {
	o.pollerWG.Add(1)
	go func() {
		defer o.pollerWG.Done()

		failures := 0
		ticker := time.NewTicker(o.pollInterval)
		defer ticker.Stop()

		for {
			done, err := o.pollOnce(o.pollerCtx, sessionID, downstreamID)
			if done {
				return
			}
			if err != nil {
				failures++
				o.logger.Warn().
					Str("session_id", sessionID).
					Int("consecutive_failures", failures).
					Err(err).
					Msg("downstream status poll failed")
				if failures >= o.maxPollFailures {
					o.failSession(o.pollerCtx, sessionID, fmt.Sprintf("downstream status unavailable: %v", err))
					return
				}
			} else {
				failures = 0
			}

			select {
			case <-o.pollerCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// pollOnce returns done=true when the session reached a terminal state and
// the poller should stop.
func (o *Orchestrator) pollOnce(ctx context.Context, sessionID, downstreamID string) (bool, error) {
	session, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return true, nil
	}
	if session.Status.IsTerminal() {
		return true, nil
	}

	status, err := o.provider.GetStatus(ctx, downstreamID)
	if err != nil {
		return false, err
	}

	switch status.State {
	case DownstreamCompleted:
		updated, err := o.store.Update(ctx, sessionID, func(s *Session) error {
			if s.Status.IsTerminal() {
				return nil
			}
			s.DownstreamResult = status.ResultRef
			s.appendHistory(StatusCompleted, "downstream job completed", map[string]string{"resultRef": status.ResultRef})
			return nil
		})
		if err == nil {
			o.announceTerminal(ctx, updated)
		}
		return true, nil
	case DownstreamFailed:
		o.failSession(ctx, sessionID, status.Reason)
		return true, nil
	default:
		return false, nil
	}
}

// ============================================================================
// Terminal transitions
// ============================================================================

// failSession moves a session to failed, recording the reason. Already
// terminal sessions are left untouched.
func (o *Orchestrator) failSession(ctx context.Context, id, reason string) *Session {
	transitioned := false
	session, err := o.store.Update(ctx, id, func(s *Session) error {
		if s.Status.IsTerminal() {
			return nil
		}
		transitioned = true
		s.FailureReason = reason
		s.appendHistory(StatusFailed, reason, nil)
		return nil
	})
	if err != nil {
		o.logger.Error().Str("session_id", id).Err(err).Msg("failed to record session failure")
		return nil
	}

	if transitioned {
		o.logger.Warn().Str("session_id", id).Str("reason", reason).Msg("session failed")
		o.announceTerminal(ctx, session)
	}
	return session
}

// announceTerminal runs terminal hooks and the best-effort notifier.
// Notification failures are logged, never surfaced as session failures.
func (o *Orchestrator) announceTerminal(ctx context.Context, session *Session) {
	o.mu.Lock()
	hooks := make([]TerminalHook, len(o.terminalHooks))
	copy(hooks, o.terminalHooks)
	o.mu.Unlock()

	for _, hook := range hooks {
		hook(session)
	}

	if o.notifier == nil {
		return
	}
	message := fmt.Sprintf("session %s reached %s", session.ID, session.Status)
	metadata := map[string]string{"sessionId": session.ID, "status": string(session.Status)}
	if session.FailureReason != "" {
		metadata["reason"] = session.FailureReason
	}
	if err := o.notifier.Notify(ctx, "sessions", message, metadata); err != nil {
		o.logger.Warn().Str("session_id", session.ID).Err(err).Msg("notification failed")
	}
}
