// Package metrics exposes the replica's internal counters/gauges to
// Prometheus. This is ambient observability, not a spec.md concern, but
// carried regardless per the corpus's own convention of instrumenting
// every long-running component (see the teacher's metrics/ package).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the gauges/counters workers update directly, avoiding a
// global registry singleton so multiple replicas can run in one test
// process without collisions.
type Registry struct {
	ProcessQueueDepth   prometheus.Gauge
	FastReplyQueueDepth *prometheus.GaugeVec
	SlowReplyQueueDepth *prometheus.GaugeVec

	SyncedLogSize   prometheus.Gauge
	UnsyncedLogSize prometheus.Gauge
	CommittedLogId  prometheus.Gauge

	RequestsReleased  prometheus.Counter
	RequestsDuplicate prometheus.Counter
	RequestsDropped   prometheus.Counter

	ViewChanges  prometheus.Counter
	Recoveries   prometheus.Counter
	GCSweeps     prometheus.Counter
	IndexGapAsks prometheus.Counter
	MissedReqAsks prometheus.Counter
}

// New constructs a Registry and registers every metric with reg.
func New(reg prometheus.Registerer, replicaID uint32) *Registry {
	labels := prometheus.Labels{"replica": itoa(replicaID)}
	factory := prometheus.WrapRegistererWith(labels, reg)

	m := &Registry{
		ProcessQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nezha_process_queue_depth", Help: "Pending requests awaiting processor release.",
		}),
		FastReplyQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nezha_fast_reply_queue_depth", Help: "Pending entries awaiting a fast reply, by shard.",
		}, []string{"shard"}),
		SlowReplyQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nezha_slow_reply_queue_depth", Help: "Pending entries awaiting a slow reply, by shard.",
		}, []string{"shard"}),
		SyncedLogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nezha_synced_log_size", Help: "Number of entries in the synced log.",
		}),
		UnsyncedLogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nezha_unsynced_log_size", Help: "Number of entries in the unsynced log.",
		}),
		CommittedLogId: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nezha_committed_log_id", Help: "Highest log id known committed.",
		}),
		RequestsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nezha_requests_released_total", Help: "Requests released from the early buffer.",
		}),
		RequestsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nezha_requests_duplicate_total", Help: "Requests dropped as duplicates at the receiver.",
		}),
		RequestsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nezha_requests_dropped_total", Help: "Requests dropped due to queue pressure.",
		}),
		ViewChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nezha_view_changes_total", Help: "View changes initiated or completed.",
		}),
		Recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nezha_recoveries_total", Help: "Recovery handshakes completed.",
		}),
		GCSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nezha_gc_sweeps_total", Help: "Garbage collection passes completed.",
		}),
		IndexGapAsks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nezha_index_gap_asks_total", Help: "AskMissedIndex requests sent.",
		}),
		MissedReqAsks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nezha_missed_req_asks_total", Help: "AskMissedReq requests sent.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.ProcessQueueDepth, m.FastReplyQueueDepth, m.SlowReplyQueueDepth,
		m.SyncedLogSize, m.UnsyncedLogSize, m.CommittedLogId,
		m.RequestsReleased, m.RequestsDuplicate, m.RequestsDropped,
		m.ViewChanges, m.Recoveries, m.GCSweeps, m.IndexGapAsks, m.MissedReqAsks,
	} {
		factory.MustRegister(c)
	}
	return m
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	digits := [10]byte{}
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits[i:])
}
