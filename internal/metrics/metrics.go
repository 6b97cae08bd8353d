// Package metrics exposes poller and on-demand activity to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marko911/block-reader/internal/fetch"
	"github.com/marko911/block-reader/internal/poller"
	"github.com/marko911/block-reader/internal/source"
)

const namespace = "block_reader"

// Collector records cycle outcomes. It implements poller.Observer.
type Collector struct {
	registry *prometheus.Registry

	cycles      *prometheus.CounterVec
	errorsTotal *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastBlock   *prometheus.GaugeVec
	state       *prometheus.GaugeVec
	onDemand    *prometheus.CounterVec
}

// New creates a collector with its own registry, including the Go and process
// collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "poll_cycles_total", Help: "Poll cycles by outcome"},
			[]string{"source", "result"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "fetch_errors_total", Help: "Failed fetches by error kind"},
			[]string{"source", "kind"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "fetch_duration_seconds", Help: "Fetch latency", Buckets: prometheus.DefBuckets},
			[]string{"source", "mode"},
		),
		lastBlock: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "ledger_block", Help: "Last block recorded in the ledger"},
			[]string{"source"},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "poller_state", Help: "1 for the poller's current state"},
			[]string{"source", "state"},
		),
		onDemand: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "on_demand_requests_total", Help: "On-demand fetches by outcome"},
			[]string{"source", "result"},
		),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.cycles, c.errorsTotal, c.duration, c.lastBlock, c.state, c.onDemand,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) StateChanged(sourceID string, from, to poller.State) {
	c.state.WithLabelValues(sourceID, from.String()).Set(0)
	c.state.WithLabelValues(sourceID, to.String()).Set(1)
}

func (c *Collector) Succeeded(desc source.Descriptor, res *fetch.Result, advanced bool, took time.Duration) {
	result := "unchanged"
	if advanced {
		result = "advanced"
		c.lastBlock.WithLabelValues(desc.ID).Set(float64(res.QueriedBlock))
	}
	c.cycles.WithLabelValues(desc.ID, result).Inc()
	c.duration.WithLabelValues(desc.ID, "poll").Observe(took.Seconds())
}

func (c *Collector) Failed(desc source.Descriptor, err error, took time.Duration) {
	result := "failed"
	if errors.Is(err, fetch.ErrNotFound) {
		result = "not_found"
	}
	c.cycles.WithLabelValues(desc.ID, result).Inc()
	c.errorsTotal.WithLabelValues(desc.ID, errorKind(err)).Inc()
	c.duration.WithLabelValues(desc.ID, "poll").Observe(took.Seconds())
}

// OnDemand records a synchronous fetch.
func (c *Collector) OnDemand(sourceID string, err error, took time.Duration) {
	if err != nil {
		c.onDemand.WithLabelValues(sourceID, errorKind(err)).Inc()
	} else {
		c.onDemand.WithLabelValues(sourceID, "ok").Inc()
	}
	c.duration.WithLabelValues(sourceID, "on_demand").Observe(took.Seconds())
}

// SetLedgerBlock seeds the ledger gauge, e.g. from a snapshot at startup.
func (c *Collector) SetLedgerBlock(sourceID string, block uint64) {
	c.lastBlock.WithLabelValues(sourceID).Set(float64(block))
}

func errorKind(err error) string {
	if k := fetch.KindOf(err); k != "" {
		return string(k)
	}
	return "internal"
}
