package build

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/babel/internal/model"
)

var (
	buildsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "babel_builds_finished_total",
			Help: "Total number of builds that reached a terminal state, by state.",
		},
		[]string{"state"},
	)

	staleReports = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "babel_build_stale_reports_total",
			Help: "Total number of progress reports rejected because the build was no longer active or nothing changed.",
		},
	)
)

func init() {
	prometheus.MustRegister(buildsFinished)
	prometheus.MustRegister(staleReports)

	for _, state := range []string{model.StateCompleted, model.StateCanceled, model.StateFaulted} {
		buildsFinished.WithLabelValues(state)
	}
}
