package attention

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bodkin_dispatch_fallback_total",
		Help: "Total number of dispatch downgrades to the generic fallback backend, by reason",
	}, []string{"reason"})

	kernelInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bodkin_kernel_invocations_total",
		Help: "Total number of attention kernel invocations, by kernel",
	}, []string{"kernel"})

	attentionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bodkin_attention_duration_seconds",
		Help:    "Wall time per attention call, by requested backend",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})
)
