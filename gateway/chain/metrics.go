package chain

import (
	"context"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/renlabs-dev/communex/crypto"
)

type metricsClient struct {
	next     Client
	queries  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// WithMetrics records query counts by outcome and query latency. A nil registerer leaves
// the client untouched.
func WithMetrics(next Client, registerer prometheus.Registerer) Client {
	if registerer == nil {
		return next
	}
	queries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modulegate",
		Subsystem: "chain",
		Name:      "queries_total",
		Help:      "Chain queries issued by the admission pipeline.",
	}, []string{"query", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "modulegate",
		Subsystem: "chain",
		Name:      "query_duration_seconds",
		Help:      "Latency of chain queries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"query"})
	registerer.MustRegister(queries, duration)
	return &metricsClient{next: next, queries: queries, duration: duration}
}

func (c *metricsClient) RegisteredIdentities(ctx context.Context, netuid uint16) (map[crypto.Identity]uint16, error) {
	start := time.Now()
	out, err := c.next.RegisteredIdentities(ctx, netuid)
	c.observe("registered", start, err)
	return out, err
}

func (c *metricsClient) StakedBalances(ctx context.Context) (map[crypto.Identity]*uint256.Int, error) {
	start := time.Now()
	out, err := c.next.StakedBalances(ctx)
	c.observe("stakes", start, err)
	return out, err
}

func (c *metricsClient) observe(query string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.queries.WithLabelValues(query, outcome).Inc()
	c.duration.WithLabelValues(query).Observe(time.Since(start).Seconds())
}
