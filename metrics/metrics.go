// Package metrics defines the Prometheus counters/gauges the ServiceLoop
// (and the Batcher, for transfers it fails before a Tx exists) feeds
// (SPEC_FULL.md §4.6). The HTTP /debug endpoint does not read these; it
// renders service.SharedState.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry owns one process's erc20payment_* metric family. Callers must
// register it with a prometheus.Registerer (cmd/erc20payment passes
// prometheus.DefaultRegisterer) before /metrics is scraped.
type Registry struct {
	TransfersQueued prometheus.Gauge
	TransfersDone   prometheus.Counter
	TransfersFailed prometheus.Counter
	TxProcessing    prometheus.Gauge

	GatherDuration  prometheus.Histogram
	ProcessDuration prometheus.Histogram
}

// New builds an unregistered Registry.
func New() *Registry {
	return &Registry{
		TransfersQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "erc20payment_transfers_queued",
			Help: "Number of TokenTransfer rows currently queued (no tx_id, no error).",
		}),
		TransfersDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "erc20payment_transfers_done",
			Help: "Total TokenTransfer rows that reached the Done terminal state.",
		}),
		TransfersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "erc20payment_transfers_failed",
			Help: "Total TokenTransfer rows that reached the Failed terminal state.",
		}),
		TxProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "erc20payment_tx_processing",
			Help: "Number of Tx rows with processing=1.",
		}),
		GatherDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "erc20payment_gather_duration_seconds",
			Help: "Wall-clock duration of one gather tick (Batcher + AllowanceManager).",
		}),
		ProcessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "erc20payment_process_duration_seconds",
			Help: "Wall-clock duration of one process tick (TxExecutor + Reconciler).",
		}),
	}
}

// Register adds every collector to reg.
func (r *Registry) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		r.TransfersQueued, r.TransfersDone, r.TransfersFailed,
		r.TxProcessing, r.GatherDuration, r.ProcessDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) SetTransfersQueued(n int) { r.TransfersQueued.Set(float64(n)) }
func (r *Registry) SetTxProcessing(n int)    { r.TxProcessing.Set(float64(n)) }
func (r *Registry) IncTransfersDone(n int)   { r.TransfersDone.Add(float64(n)) }
func (r *Registry) IncTransfersFailed(n int) { r.TransfersFailed.Add(float64(n)) }

func (r *Registry) ObserveGatherDuration(d time.Duration)  { r.GatherDuration.Observe(d.Seconds()) }
func (r *Registry) ObserveProcessDuration(d time.Duration) { r.ProcessDuration.Observe(d.Seconds()) }
