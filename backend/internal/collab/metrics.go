package collab

import (
	"causalText/backend/internal/crdt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	integrateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crdt_integrate_total",
		Help: "Remote operations by integration outcome",
	}, []string{"outcome"})

	localOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crdt_local_ops_total",
		Help: "Locally generated operations",
	}, []string{"kind"})

	pendingOps = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crdt_pending_ops",
		Help: "Operations held back waiting for a missing dependency",
	}, []string{"doc"})

	dispatchDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crdt_dispatch_dropped_total",
		Help: "Kafka events dropped after exhausting retries or a full queue",
	})
)

func observeLocal(ops []crdt.Op) {
	for _, op := range ops {
		kind := "insert"
		if op.Delete {
			kind = "delete"
		}
		localOpsTotal.WithLabelValues(kind).Inc()
	}
}
