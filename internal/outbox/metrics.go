package outbox

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/babel/internal/model"
)

var (
	messagesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "babel_outbox_messages_dispatched_total",
			Help: "Total number of outbox messages delivered to their handler.",
		},
		[]string{"kind"},
	)

	dispatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "babel_outbox_dispatch_failures_total",
			Help: "Total number of failed outbox deliveries. Each failure halts its queue until the next cycle.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(messagesDispatched)
	prometheus.MustRegister(dispatchFailures)

	// Pre-initialize label combinations so they appear in /metrics before
	// the first message is dispatched.
	for _, kind := range []string{
		model.KindCreateEngine, model.KindUpdateEngine, model.KindDeleteEngine,
		model.KindStartBuild, model.KindCancelBuild,
	} {
		messagesDispatched.WithLabelValues(kind)
		dispatchFailures.WithLabelValues(kind)
	}
}
