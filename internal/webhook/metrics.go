package webhook

import "github.com/prometheus/client_golang/prometheus"

// Delivery attempt outcomes.
const (
	resultDelivered = "delivered"
	resultRetried   = "retried"
	resultFailed    = "failed"
)

var deliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "babel_webhook_deliveries_total",
		Help: "Total number of webhook delivery attempts by result.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(deliveriesTotal)

	for _, r := range []string{resultDelivered, resultRetried, resultFailed} {
		deliveriesTotal.WithLabelValues(r)
	}
}
