package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentstation/nodeguard"
	"github.com/agentstation/nodeguard/failure"
)

// Collector holds the node attempt metrics.
type Collector struct {
	Attempts *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewCollector registers the node metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		Attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodeguard_node_attempts_total",
				Help: "Node attempts by outcome (success or the failure code)",
			},
			[]string{"node", "outcome"},
		),
		Duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nodeguard_node_attempt_duration_seconds",
				Help:    "Duration of a single node attempt",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"node"},
		),
	}
}

// Metrics records every attempt in c.
func Metrics(c *Collector) Middleware {
	return around(func(name string, next nodeguard.NodeFunc) nodeguard.NodeFunc {
		return func(ctx context.Context, state nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
			start := time.Now()
			out, err := next(ctx, state, cfg)
			c.Duration.WithLabelValues(name).Observe(time.Since(start).Seconds())

			outcome := "success"
			if err != nil {
				outcome = string(failure.Normalize(err).Code())
			}
			c.Attempts.WithLabelValues(name, outcome).Inc()
			return out, err
		}
	})
}
