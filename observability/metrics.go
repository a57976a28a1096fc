package observability

import (
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	synthMetricsOnce sync.Once
	synthRegistry    *SynthMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics
)

// HTTP returns the lazily-initialised registry recording API requests.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "miao",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "miao",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "miao",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
		)
	})
	return httpRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, strconv.Itoa(status)).Inc()
	}
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// SynthMetrics captures engine state transitions.
type SynthMetrics struct {
	operations   *prometheus.CounterVec
	liquidations *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

// Synth returns the singleton metrics registry for the synth engine.
func Synth() *SynthMetrics {
	synthMetricsOnce.Do(func() {
		synthRegistry = &SynthMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "miao",
				Subsystem: "synth",
				Name:      "operations_total",
				Help:      "Count of engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "miao",
				Subsystem: "synth",
				Name:      "liquidations_total",
				Help:      "Count of executed liquidations segmented by capacity branch.",
			}, []string{"branch"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "miao",
				Subsystem: "synth",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			synthRegistry.operations,
			synthRegistry.liquidations,
			synthRegistry.latency,
		)
	})
	return synthRegistry
}

// Observe records an engine operation. outcome should be a stable string such
// as "success", "rejected" or "error".
func (m *SynthMetrics) Observe(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = "unknown"
	}
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		outcome = "unknown"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordLiquidation increments the liquidation counter for branch.
func (m *SynthMetrics) RecordLiquidation(branch string) {
	if m == nil {
		return
	}
	if branch == "" {
		branch = "unknown"
	}
	m.liquidations.WithLabelValues(branch).Inc()
}

// OracleMetrics tracks price reads served to the engine.
type OracleMetrics struct {
	reads *prometheus.CounterVec
	price *prometheus.GaugeVec
}

// Oracle returns the singleton metrics registry for price feeds.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			reads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "miao",
				Subsystem: "oracle",
				Name:      "reads_total",
				Help:      "Count of price reads segmented by feed and outcome.",
			}, []string{"feed", "outcome"}),
			price: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "miao",
				Subsystem: "oracle",
				Name:      "price",
				Help:      "Last price read from each feed, in quote units.",
			}, []string{"feed"}),
		}
		prometheus.MustRegister(oracleRegistry.reads, oracleRegistry.price)
	})
	return oracleRegistry
}

// ObservePrice records a price read. Failed reads leave the gauge untouched.
func (m *OracleMetrics) ObservePrice(feed common.Address, price *big.Int, decimals uint8, err error) {
	if m == nil {
		return
	}
	label := strings.ToLower(feed.Hex())
	if err != nil {
		m.reads.WithLabelValues(label, "error").Inc()
		return
	}
	m.reads.WithLabelValues(label, "success").Inc()
	if price == nil {
		return
	}
	value, _ := new(big.Float).Quo(
		new(big.Float).SetInt(price),
		new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)),
	).Float64()
	m.price.WithLabelValues(label).Set(value)
}
