// Package service implements the ServiceLoop (spec.md §4.6): the single
// logical task per process that interleaves a gather tick (Batcher +
// AllowanceManager) and a process tick (TxExecutor + Reconciler) against
// shared, observable state.
package service

import (
	"context"
	"sync"
	"time"

	gethlog "github.com/ethereum/go-ethereum/log"

	"github.com/scx1332/erc20payment-go/engine/batcher"
	"github.com/scx1332/erc20payment-go/engine/executor"
	"github.com/scx1332/erc20payment-go/engine/reconciler"
	"github.com/scx1332/erc20payment-go/metrics"
	"github.com/scx1332/erc20payment-go/store"
)

var logger = gethlog.New("module", "service")

// TxInfo is the per-in-flight-tx status the HTTP /debug surface reads.
type TxInfo struct {
	Message string
	Error   string
}

// SharedState is the in-memory view of engine activity, read by httpapi's
// /debug endpoint. The Prometheus metrics are fed separately by Loop and
// the Batcher; SharedState's fields are not exported as metrics.
type SharedState struct {
	mu            sync.RWMutex
	Inserted      int
	Idling        bool
	CurrentTxInfo map[uint64]TxInfo
}

func newSharedState() *SharedState {
	return &SharedState{CurrentTxInfo: make(map[uint64]TxInfo)}
}

func (s *SharedState) setTxInfo(id uint64, info TxInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentTxInfo[id] = info
}

func (s *SharedState) clearTxInfo(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.CurrentTxInfo, id)
}

// Snapshot returns a read-only copy for HTTP/metrics consumers.
func (s *SharedState) Snapshot() (inserted int, idling bool, txInfo map[uint64]TxInfo) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[uint64]TxInfo, len(s.CurrentTxInfo))
	for k, v := range s.CurrentTxInfo {
		cp[k] = v
	}
	return s.Inserted, s.Idling, cp
}

// Config holds the two tick cadences and the one-shot/shutdown knobs.
type Config struct {
	ProcessTransactionsInterval time.Duration
	GatherTransactionsInterval  time.Duration
	// FinishWhenDone exits Run once both the gather and process queues
	// drain in the same iteration — used by the CLI's one-shot mode.
	FinishWhenDone bool
}

// Loop is the ServiceLoop: one goroutine started by cmd/erc20payment,
// following the teacher's Start()/Stop()+stopCh convention. The Batcher
// already drives AllowanceManager.Ensure internally (spec.md §4.3) and
// persists the approve Tx before returning its AllowanceRequest signal, so
// Run only needs to react to that signal by fast-forwarding to the next
// process tick — it never calls AllowanceManager a second time for the
// same signal.
type Loop struct {
	store      store.Store
	batcher    *batcher.Batcher
	executor   *executor.Executor
	reconciler *reconciler.Reconciler
	cfg        Config
	metrics    *metrics.Registry
	state      *SharedState

	stopCh chan struct{}
	doneCh chan struct{}

	processTxNeeded    bool
	processTxInstantly bool
}

func New(s store.Store, b *batcher.Batcher, e *executor.Executor, r *reconciler.Reconciler, m *metrics.Registry, cfg Config) *Loop {
	return &Loop{
		store: s, batcher: b, executor: e, reconciler: r, metrics: m, cfg: cfg,
		state:  newSharedState(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (l *Loop) State() *SharedState { return l.state }

// Start runs the loop in its own goroutine.
func (l *Loop) Start(ctx context.Context) {
	go l.Run(ctx)
}

// Stop signals the loop to exit and waits for it to do so.
func (l *Loop) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

// Run drives the two interleaved tick cadences until ctx is cancelled,
// Stop is called, or (FinishWhenDone) both queues drain.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.doneCh)

	gatherTicker := time.NewTicker(l.cfg.GatherTransactionsInterval)
	processTicker := time.NewTicker(l.cfg.ProcessTransactionsInterval)
	defer gatherTicker.Stop()
	defer processTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-gatherTicker.C:
			l.runGatherTick(ctx)
			if l.cfg.FinishWhenDone && l.drained(ctx) {
				return
			}
		case <-processTicker.C:
			l.runProcessTick(ctx)
			if l.cfg.FinishWhenDone && l.drained(ctx) {
				return
			}
		}
	}
}

func (l *Loop) runGatherTick(ctx context.Context) {
	start := time.Now()
	defer func() {
		if l.metrics != nil {
			l.metrics.ObserveGatherDuration(time.Since(start))
		}
	}()

	n, err := l.batcher.RunTick(ctx)
	l.state.mu.Lock()
	l.state.Inserted += n
	l.state.mu.Unlock()

	if err != nil {
		// An AllowanceRequest signal (or any other gather error) just means
		// the next process tick should run immediately: the approve Tx (if
		// any) was already inserted by the Batcher's call into
		// AllowanceManager.Ensure in the same store transaction.
		logger.Info("gather tick ended early", "reason", err.Error())
		l.processTxInstantly = true
		return
	}
	if n > 0 {
		l.processTxNeeded = true
	}
	if l.metrics != nil {
		l.refreshQueueMetrics(ctx)
	}
}

func (l *Loop) runProcessTick(ctx context.Context) {
	if !l.processTxNeeded && !l.processTxInstantly {
		l.state.mu.Lock()
		l.state.Idling = true
		l.state.mu.Unlock()
		return
	}
	l.processTxInstantly = false

	start := time.Now()
	defer func() {
		if l.metrics != nil {
			l.metrics.ObserveProcessDuration(time.Since(start))
		}
	}()

	for {
		rows, err := l.store.LoadProcessingTxs(ctx)
		if err != nil {
			logger.Warn("load processing txs failed", "err", err)
			return
		}
		if len(rows) == 0 {
			l.processTxNeeded = false
			l.state.mu.Lock()
			l.state.Idling = true
			l.state.mu.Unlock()
			return
		}

		tx := rows[0]
		l.state.setTxInfo(tx.ID, TxInfo{Message: "processing"})

		result, err := l.executor.Run(ctx, &tx)
		if err != nil {
			l.state.setTxInfo(tx.ID, TxInfo{Error: err.Error()})
			logger.Warn("executor error, will retry next tick", "tx_id", tx.ID, "err", err)
			return
		}

		n, rerr := l.reconciler.Apply(ctx, &tx, result)
		if rerr != nil {
			logger.Warn("reconciler error", "tx_id", tx.ID, "err", rerr)
			return
		}
		l.state.clearTxInfo(tx.ID)

		if l.metrics != nil && n > 0 {
			switch result.Outcome {
			case executor.Confirmed:
				l.metrics.IncTransfersDone(n)
			case executor.NeedRetry, executor.InternalError:
				l.metrics.IncTransfersFailed(n)
			}
		}

		if result.Outcome == executor.Unknown {
			return
		}
	}
}

// drained reports whether both the queued-transfer and in-flight-tx sets
// are empty, the FinishWhenDone exit condition.
func (l *Loop) drained(ctx context.Context) bool {
	transfers, err := l.store.LoadQueuedTransfers(ctx)
	if err != nil || len(transfers) > 0 {
		return false
	}
	processing, err := l.store.LoadProcessingTxs(ctx)
	if err != nil || len(processing) > 0 {
		return false
	}
	return true
}

func (l *Loop) refreshQueueMetrics(ctx context.Context) {
	queued, err := l.store.LoadQueuedTransfers(ctx)
	if err == nil {
		l.metrics.SetTransfersQueued(len(queued))
	}
	processing, err := l.store.LoadProcessingTxs(ctx)
	if err == nil {
		l.metrics.SetTxProcessing(len(processing))
	}
}
