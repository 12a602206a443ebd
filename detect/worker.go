package detect

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/foldspace/paygate"
)

// rpcTimeout bounds a single chain RPC call so a stalled endpoint cannot
// delay other networks' scans.
const rpcTimeout = 15 * time.Second

// watchedSession is the slice of session state the worker needs to match a
// transfer: destination, minimum amount, and the requirements to replay into
// the confirmation call.
type watchedSession struct {
	id           string
	asset        string
	payTo        string
	amount       *big.Int
	requirements paygate.PaymentRequirements
}

// worker polls one network for transfers to watched assets.
type worker struct {
	engine  *Engine
	network paygate.Network
	client  paygate.ChainClient
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kicks  chan struct{}

	mu          sync.Mutex
	assets      map[string]map[string]watchedSession // asset -> session id -> entry
	lastScanned uint64
	scanning    bool
	processed   *txSet
}

func newWorker(engine *Engine, network paygate.Network, client paygate.ChainClient) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		engine:    engine,
		network:   network,
		client:    client,
		logger:    engine.logger.With().Str("network", string(network)).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		kicks:     make(chan struct{}, 1),
		assets:    make(map[string]map[string]watchedSession),
		processed: newTxSet(engine.processedCapacity),
	}
}

func (w *worker) start() {
	w.wg.Add(1)
	go w.run()
}

func (w *worker) stop() {
	w.cancel()
	w.wg.Wait()
}

// kick triggers an out-of-band poll. Non-blocking: if one is already queued
// the upcoming scan covers this registration too.
func (w *worker) kick() {
	select {
	case w.kicks <- struct{}{}:
	default:
	}
}

func (w *worker) watch(entry watchedSession) {
	w.mu.Lock()
	defer w.mu.Unlock()

	sessions, exists := w.assets[entry.asset]
	if !exists {
		sessions = make(map[string]watchedSession)
		w.assets[entry.asset] = sessions
	}
	sessions[entry.id] = entry
}

// unwatch removes a session and reports whether the worker is now idle.
func (w *worker) unwatch(asset, sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	sessions, exists := w.assets[asset]
	if exists {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(w.assets, asset)
		}
	}
	return len(w.assets) == 0
}

func (w *worker) watchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	count := 0
	for _, sessions := range w.assets {
		count += len(sessions)
	}
	return count
}

func (w *worker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.engine.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		case <-w.kicks:
		}
		w.scan()
	}
}

// scan processes the half-open block range (lastScanned, head]. A scan
// already in flight makes the tick a no-op; the next tick catches up.
// lastScanned only advances after a fully processed range, so a failed scan
// is retried automatically.
func (w *worker) scan() {
	w.mu.Lock()
	if w.scanning {
		w.mu.Unlock()
		return
	}
	w.scanning = true
	last := w.lastScanned
	assets := make([]string, 0, len(w.assets))
	for asset := range w.assets {
		assets = append(assets, asset)
	}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.scanning = false
		w.mu.Unlock()
	}()

	if len(assets) == 0 {
		return
	}

	rpcCtx, cancel := context.WithTimeout(w.ctx, rpcTimeout)
	head, err := w.client.BlockNumber(rpcCtx)
	cancel()
	if err != nil {
		w.engine.metrics.scanErrors.WithLabelValues(string(w.network)).Inc()
		w.logger.Warn().Err(err).Msg("failed to fetch block height, abandoning tick")
		return
	}
	if head > w.engine.confirmationBlocks {
		head -= w.engine.confirmationBlocks
	} else {
		head = 0
	}

	// First scan after worker creation: cover only the current head block
	// so registration does not trigger a deep backfill.
	if last == 0 {
		if head == 0 {
			return
		}
		last = head - 1
	}
	if head <= last {
		return
	}

	rpcCtx, cancel = context.WithTimeout(w.ctx, rpcTimeout)
	events, err := w.client.FilterTransfers(rpcCtx, assets, last+1, head)
	cancel()
	if err != nil {
		w.engine.metrics.scanErrors.WithLabelValues(string(w.network)).Inc()
		w.logger.Warn().
			Uint64("from", last+1).
			Uint64("to", head).
			Err(err).
			Msg("transfer scan failed, abandoning tick")
		return
	}

	// Zero events in a range is normal.
	for _, event := range events {
		w.handleEvent(event)
	}

	w.mu.Lock()
	w.lastScanned = head
	w.mu.Unlock()

	w.engine.metrics.scans.WithLabelValues(string(w.network)).Inc()
}

func (w *worker) handleEvent(event paygate.TransferEvent) {
	w.engine.metrics.events.WithLabelValues(string(w.network)).Inc()

	w.mu.Lock()
	if !w.processed.add(event.TxHash) {
		w.mu.Unlock()
		w.engine.metrics.duplicates.WithLabelValues(string(w.network)).Inc()
		return
	}
	var matched []watchedSession
	for _, entry := range w.assets[strings.ToLower(event.Asset)] {
		if strings.EqualFold(event.To, entry.payTo) && event.Value != nil && event.Value.Cmp(entry.amount) >= 0 {
			matched = append(matched, entry)
		}
	}
	w.mu.Unlock()

	for _, entry := range matched {
		w.engine.metrics.matches.WithLabelValues(string(w.network)).Inc()
		w.logger.Info().
			Str("session_id", entry.id).
			Str("tx_hash", event.TxHash).
			Str("value", event.Value.String()).
			Msg("qualifying transfer detected")

		proof := paygate.PaymentProof{TxHash: event.TxHash}
		// Detached from the worker context: watch-set cleanup (including
		// teardown of this worker) must not abort an in-flight confirmation.
		_, err := w.engine.confirmer.ConfirmPayment(context.WithoutCancel(w.ctx), entry.id, proof, entry.requirements, paygate.ConfirmOptions{})
		if err != nil {
			// The confirmation path owns failure handling; a terminal
			// session triggers release through the orchestrator's hook.
			w.logger.Warn().Str("session_id", entry.id).Err(err).Msg("confirmation handoff failed")
			continue
		}
		// Handed off: the session is no longer the engine's concern.
		w.unwatch(entry.asset, entry.id)
	}
}

// ============================================================================
// Bounded processed-hash set
// ============================================================================

// txSet remembers the most recent transaction hashes so overlapping scan
// windows cannot double-process an event. Oldest entries are evicted once
// capacity is reached.
type txSet struct {
	capacity int
	order    []string
	members  map[string]struct{}
}

func newTxSet(capacity int) *txSet {
	return &txSet{
		capacity: capacity,
		members:  make(map[string]struct{}, capacity),
	}
}

// add inserts the hash, reporting false when it was already present.
func (s *txSet) add(hash string) bool {
	if _, exists := s.members[hash]; exists {
		return false
	}
	if len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.members, oldest)
	}
	s.order = append(s.order, hash)
	s.members[hash] = struct{}{}
	return true
}
