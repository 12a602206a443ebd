// Package detect discovers qualifying on-chain transfers for sessions
// awaiting payment, without requiring the payer to call back. It keeps one
// lazily created polling worker per network and hands matches to the
// orchestrator's confirmation entry point.
package detect

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/foldspace/paygate"
)

// Confirmer is the orchestrator's confirmation entry point. The engine never
// mutates session state itself.
type Confirmer interface {
	ConfirmPayment(ctx context.Context, id string, proof paygate.PaymentProof, requirements paygate.PaymentRequirements, opts paygate.ConfirmOptions) (*paygate.Session, error)
}

// ClientFactory connects a chain client for a network the first time a
// session requires watching it.
type ClientFactory func(network paygate.Network) (paygate.ChainClient, error)

// Engine watches designated accounts for incoming transfers across multiple
// networks. Workers are created on demand and torn down once no pending
// session needs them, bounding memory and RPC load to the currently-pending
// watch set.
type Engine struct {
	confirmer Confirmer
	clients   ClientFactory
	logger    zerolog.Logger
	metrics   *engineMetrics

	interval           time.Duration
	confirmationBlocks uint64
	processedCapacity  int

	mu      sync.Mutex
	workers map[paygate.Network]*worker
	closed  bool
}

// Option configures the engine.
type Option func(*Engine)

// WithInterval sets the scan tick interval (default 5s).
func WithInterval(interval time.Duration) Option {
	return func(e *Engine) {
		e.interval = interval
	}
}

// WithLogger sets the engine's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConfirmationBlocks makes workers scan up to head minus depth, trading
// detection latency for safety against shallow reorganizations. Default 0
// scans to head, matching the original behavior.
func WithConfirmationBlocks(depth uint64) Option {
	return func(e *Engine) {
		e.confirmationBlocks = depth
	}
}

// WithRegisterer registers the engine's metrics with the given registerer
// (default: none).
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.metrics = newEngineMetrics(reg)
	}
}

// NewEngine creates a detection engine. Workers are only spawned once
// RegisterPayment is called for a network.
func NewEngine(confirmer Confirmer, clients ClientFactory, opts ...Option) *Engine {
	e := &Engine{
		confirmer:         confirmer,
		clients:           clients,
		logger:            zerolog.Nop(),
		metrics:           newEngineMetrics(nil),
		interval:          5 * time.Second,
		processedCapacity: 4096,
		workers:           make(map[paygate.Network]*worker),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterPayment adds a session to the watch set for its network and asset,
// creating the network worker on first use. An out-of-band poll is triggered
// immediately so payments made before the first scheduled tick are not
// missed.
func (e *Engine) RegisterPayment(session *paygate.Session) error {
	req := session.Requirement
	amount, err := req.RequiredAmount()
	if err != nil {
		return fmt.Errorf("cannot watch session %s: %w", session.ID, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("detection engine is closed")
	}
	w, exists := e.workers[req.Network]
	if !exists {
		client, err := e.clients(req.Network)
		if err != nil {
			e.mu.Unlock()
			return fmt.Errorf("failed to connect chain client for %s: %w", req.Network, err)
		}
		w = newWorker(e, req.Network, client)
		e.workers[req.Network] = w
		w.start()
	}
	// Watch under the engine lock so a concurrent Release cannot tear the
	// worker down between lookup and registration.
	w.watch(watchedSession{
		id:           session.ID,
		asset:        strings.ToLower(req.Asset),
		payTo:        req.PayTo,
		amount:       amount,
		requirements: req,
	})
	e.mu.Unlock()

	w.kick()

	e.logger.Info().
		Str("session_id", session.ID).
		Str("network", string(req.Network)).
		Str("asset", req.Asset).
		Msg("watching for payment")
	return nil
}

// Release removes a session from the watch set. If that empties the asset's
// session set the asset is dropped, and a worker left watching zero assets is
// stopped and discarded. Safe to call at any time, including concurrently
// with an in-flight confirmation.
func (e *Engine) Release(session *paygate.Session) {
	network := session.Requirement.Network

	e.mu.Lock()
	w, exists := e.workers[network]
	e.mu.Unlock()
	if !exists {
		return
	}

	if idle := w.unwatch(strings.ToLower(session.Requirement.Asset), session.ID); !idle {
		return
	}

	e.mu.Lock()
	// Re-check under the engine lock: a registration may have raced the
	// teardown decision. Cancel without waiting, since Release can be
	// reached from the worker's own scan goroutine via the terminal hook.
	if w.watchCount() == 0 {
		w.cancel()
		delete(e.workers, network)
		e.logger.Info().Str("network", string(network)).Msg("network worker stopped")
	}
	e.mu.Unlock()
}

// Close stops all workers and waits for their scan loops to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	workers := make([]*worker, 0, len(e.workers))
	for network, w := range e.workers {
		workers = append(workers, w)
		delete(e.workers, network)
	}
	e.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
}

// workerCount reports the number of live network workers (for tests and
// inspection).
func (e *Engine) workerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers)
}

// ============================================================================
// Metrics
// ============================================================================

type engineMetrics struct {
	scans      *prometheus.CounterVec
	scanErrors *prometheus.CounterVec
	events     *prometheus.CounterVec
	duplicates *prometheus.CounterVec
	matches    *prometheus.CounterVec
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_detect_scans_total",
			Help: "Completed block-range scans per network.",
		}, []string{"network"}),
		scanErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_detect_scan_errors_total",
			Help: "Abandoned scan ticks per network.",
		}, []string{"network"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_detect_events_total",
			Help: "Transfer events observed on watched assets.",
		}, []string{"network"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_detect_duplicate_events_total",
			Help: "Events skipped because their transaction hash was already processed.",
		}, []string{"network"}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_detect_matches_total",
			Help: "Transfers handed to the confirmation path.",
		}, []string{"network"}),
	}
	if reg != nil {
		reg.MustRegister(m.scans, m.scanErrors, m.events, m.duplicates, m.matches)
	}
	return m
}
