package observability

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "crucible"

type protocolMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	exchangeRate *prometheus.GaugeVec
	utilization  *prometheus.GaugeVec
	borrowIndex  *prometheus.GaugeVec
	liquidations *prometheus.CounterVec
}

type httpMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	protocolMetricsOnce sync.Once
	protocolRegistry    *protocolMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	scaleFloat = new(big.Float).SetUint64(1_000_000_000_000_000_000)
)

// Protocol returns the lazily-initialised registry tracking protocol
// operations and market state.
func Protocol() *protocolMetrics {
	protocolMetricsOnce.Do(func() {
		protocolRegistry = &protocolMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "operations_total",
				Help:      "Protocol operations segmented by module, operation and outcome.",
			}, []string{"module", "operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution of protocol operations including commit.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "operation"}),
			exchangeRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "vault",
				Name:      "exchange_rate",
				Help:      "Value of one vault share in base units.",
			}, []string{"asset"}),
			utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "lending",
				Name:      "utilization_ratio",
				Help:      "Borrowed over supplied liquidity per market.",
			}, []string{"asset"}),
			borrowIndex: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "lending",
				Name:      "borrow_index",
				Help:      "Accumulated interest index per market.",
			}, []string{"asset"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "leverage",
				Name:      "liquidations_total",
				Help:      "Positions force closed by liquidators.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(
			protocolRegistry.operations,
			protocolRegistry.latency,
			protocolRegistry.exchangeRate,
			protocolRegistry.utilization,
			protocolRegistry.borrowIndex,
			protocolRegistry.liquidations,
		)
	})
	return protocolRegistry
}

// Observe records the outcome of one protocol operation. outcome is "ok" or
// the error kind.
func (m *protocolMetrics) Observe(module, operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.operations.WithLabelValues(module, operation, outcome).Inc()
	m.latency.WithLabelValues(module, operation).Observe(duration.Seconds())
}

// RecordExchangeRate publishes a Scale-denominated share price.
func (m *protocolMetrics) RecordExchangeRate(asset string, rate *uint256.Int) {
	if m == nil || rate == nil {
		return
	}
	m.exchangeRate.WithLabelValues(labelAsset(asset)).Set(scaledToFloat(rate))
}

// RecordMarket publishes Scale-denominated utilisation and index values.
func (m *protocolMetrics) RecordMarket(asset string, utilization, index *uint256.Int) {
	if m == nil {
		return
	}
	label := labelAsset(asset)
	if utilization != nil {
		m.utilization.WithLabelValues(label).Set(scaledToFloat(utilization))
	}
	if index != nil {
		m.borrowIndex.WithLabelValues(label).Set(scaledToFloat(index))
	}
}

// RecordLiquidation increments the liquidation counter.
func (m *protocolMetrics) RecordLiquidation(asset string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(labelAsset(asset)).Inc()
}

// HTTP returns the registry tracking daemon API traffic.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "API requests segmented by route and status class.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Requests rejected by the rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency, httpRegistry.throttles)
	})
	return httpRegistry
}

// Observe records one API request.
func (m *httpMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, statusClass(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle counts a rate limited request.
func (m *httpMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(route).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func labelAsset(asset string) string {
	normalized := strings.TrimSpace(strings.ToUpper(asset))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}

// scaledToFloat converts a 1e18 fixed-point value for display only.
func scaledToFloat(value *uint256.Int) float64 {
	f := new(big.Float).SetInt(value.ToBig())
	out, _ := new(big.Float).Quo(f, scaleFloat).Float64()
	return out
}
