package rollout

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce   sync.Once
	attemptsTotal *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		attemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rollout",
			Subsystem: "controller",
			Name:      "attempts_total",
			Help:      "Deployment attempts by terminal phase",
		}, []string{"outcome", "automatic"})

		if err := prometheus.Register(attemptsTotal); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if v, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					attemptsTotal = v
				}
			}
		}
	})
}

func recordOutcome(outcome string, automatic bool) {
	if attemptsTotal == nil {
		return
	}
	label := "false"
	if automatic {
		label = "true"
	}
	attemptsTotal.With(prometheus.Labels{"outcome": outcome, "automatic": label}).Inc()
}
