package server

import (
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricNamespace = "gsn_relay"

	labelPath   = "path"
	labelMethod = "method"
	labelCode   = "code"
	labelResult = "result"
	labelKind   = "kind"
)

// RelayMetrics stores the pointers to the relay server metrics
type RelayMetrics struct {
	ready         prometheus.Gauge
	gasPrice      prometheus.Gauge
	balance       prometheus.Gauge
	nonce         prometheus.Gauge
	lastBlock     prometheus.Gauge
	relayRequests *prometheus.CounterVec
	txsSent       *prometheus.CounterVec
	audits        *prometheus.CounterVec
}

// NewRelayMetrics takes in a prometheus registry and initializes
// and registers relay metrics. It returns those registered RelayMetrics.
func NewRelayMetrics(r prometheus.Registerer) *RelayMetrics {
	return &RelayMetrics{
		ready: promauto.With(r).NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      "ready",
				Help:      "1 if the relay accepts requests",
			}),
		gasPrice: promauto.With(r).NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      "gas_price_wei",
				Help:      "the minimum gas price the relay accepts",
			}),
		balance: promauto.With(r).NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      "balance_wei",
				Help:      "the relay account balance",
			}),
		nonce: promauto.With(r).NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      "nonce",
				Help:      "the next nonce the relay signs with",
			}),
		lastBlock: promauto.With(r).NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      "last_scanned_block",
				Help:      "the last block scanned for hub events",
			}),
		relayRequests: promauto.With(r).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "relay_requests_total",
				Help:      "the total relay requests by result",
			}, []string{labelResult}),
		txsSent: promauto.With(r).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "transactions_sent_total",
				Help:      "the total transactions broadcast by the relay",
			}, []string{labelKind}),
		audits: promauto.With(r).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "audits_total",
				Help:      "the total audited transactions by result",
			}, []string{labelResult}),
	}
}

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

// InboundHTTPMetrics stores the pointers to inbound http metrics
type InboundHTTPMetrics struct {
	requestsReceived *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
}

// NewInboundHTTPMetrics registers the metrics of requests made to the relay server
func NewInboundHTTPMetrics(r prometheus.Registerer) *InboundHTTPMetrics {
	return &InboundHTTPMetrics{
		requestsReceived: promauto.With(r).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "inbound_http_requests_total",
				Help:      "the total http requests sent to the relay",
			}, []string{labelPath, labelMethod, labelCode},
		),
		requestDuration: promauto.With(r).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Name:      "inbound_http_request_duration_milliseconds",
				Help:      "the total milliseconds taken for a response",
				Buckets:   prometheus.ExponentialBuckets(50, 3, 6),
			}, []string{labelPath, labelMethod}),
	}
}

// httpStateRecorder wraps a request
type httpStateRecorder struct {
	http.ResponseWriter
	status int
}

// WriteHeader implements the ResponseWriter.WriteHeader interface
func (r *httpStateRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// InboundHTTPMetricMiddleware exports prometheus metrics for the http tier
func InboundHTTPMetricMiddleware(metrics *InboundHTTPMetrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		start := time.Now()
		recorder := &httpStateRecorder{ResponseWriter: rw, status: http.StatusOK}

		next.ServeHTTP(recorder, req)

		path := req.URL.Path
		if !knownPaths[path] {
			path = "not_recorded"
		}
		labels := prometheus.Labels{labelPath: path, labelMethod: req.Method}

		// only record duration for successful requests
		if recorder.status >= http.StatusOK && recorder.status < http.StatusMultipleChoices {
			metrics.requestDuration.With(labels).Observe(float64(time.Since(start).Milliseconds()))
		}

		labels[labelCode] = strconv.Itoa(recorder.status)
		metrics.requestsReceived.With(labels).Inc()
	})
}
