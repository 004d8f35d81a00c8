package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true

	// SIP metrics
	SIPRequestsTotal  *prometheus.CounterVec
	SIPResponsesTotal *prometheus.CounterVec
	ActiveCalls       prometheus.Gauge
	ActiveDialogs     prometheus.Gauge
	CallSetupDuration *prometheus.HistogramVec

	// Downstream metrics
	DownstreamRequestDuration *prometheus.HistogramVec
	DownstreamTimeouts        prometheus.Counter

	// Auth metrics
	AuthChallengesTotal       *prometheus.CounterVec
	AuthRetriesExhaustedTotal prometheus.Counter

	// SDP metrics
	SDPNegotiationsTotal *prometheus.CounterVec
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		SIPRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trunkgw_sip_requests_total",
				Help: "Total number of SIP requests received, by method and outcome",
			},
			[]string{"method", "status"},
		)

		SIPResponsesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trunkgw_sip_responses_total",
				Help: "Total number of SIP responses relayed upstream, by status class",
			},
			[]string{"status_code", "status_class"},
		)

		ActiveCalls = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "trunkgw_active_calls",
				Help: "Number of INVITE transactions currently in flight",
			},
		)

		ActiveDialogs = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "trunkgw_active_dialogs",
				Help: "Number of dialogs tracked in the registry",
			},
		)

		CallSetupDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trunkgw_call_setup_duration_seconds",
				Help:    "Time from upstream INVITE to final response sent upstream",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"outcome"},
		)

		DownstreamRequestDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trunkgw_downstream_request_duration_seconds",
				Help:    "Time spent waiting for a downstream final response, per attempt",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"method"},
		)

		DownstreamTimeouts = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trunkgw_downstream_timeouts_total",
				Help: "Total number of downstream attempts that timed out",
			},
		)

		AuthChallengesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trunkgw_auth_challenges_total",
				Help: "Total number of downstream digest challenges, by realm and outcome",
			},
			[]string{"realm", "outcome"},
		)

		AuthRetriesExhaustedTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trunkgw_auth_retries_exhausted_total",
				Help: "Total number of calls failed because the challenge retry cap was hit",
			},
		)

		SDPNegotiationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trunkgw_sdp_negotiations_total",
				Help: "Total number of SDP bodies processed, by outcome",
			},
			[]string{"outcome"},
		)

		registry.MustRegister(
			SIPRequestsTotal,
			SIPResponsesTotal,
			ActiveCalls,
			ActiveDialogs,
			CallSetupDuration,
			DownstreamRequestDuration,
			DownstreamTimeouts,
			AuthChallengesTotal,
			AuthRetriesExhaustedTotal,
			SDPNegotiationsTotal,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// EnableMetrics enables or disables metrics collection
func EnableMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if metricsEnabled {
		handler := promhttp.HandlerFor(
			registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          registry,
			},
		)
		mux.Handle(defaultMetricsPath, handler)
	}
}

// RecordSIPRequest records a received SIP request and its handling outcome
func RecordSIPRequest(method, status string) {
	if metricsEnabled {
		SIPRequestsTotal.WithLabelValues(method, status).Inc()
	}
}

// RecordSIPResponse records a response relayed upstream
func RecordSIPResponse(statusCode int) {
	if metricsEnabled {
		SIPResponsesTotal.WithLabelValues(
			strconv.Itoa(statusCode),
			strconv.Itoa(statusCode/100)+"xx",
		).Inc()
	}
}

// RecordAuthChallenge records a downstream digest challenge outcome
func RecordAuthChallenge(realm, outcome string) {
	if metricsEnabled {
		AuthChallengesTotal.WithLabelValues(realm, outcome).Inc()
	}
}

// AddActiveCalls adjusts the in-flight INVITE gauge
func AddActiveCalls(delta int) {
	if metricsEnabled {
		ActiveCalls.Add(float64(delta))
	}
}

// RecordDownstreamTimeout records a downstream attempt that timed out
func RecordDownstreamTimeout() {
	if metricsEnabled {
		DownstreamTimeouts.Inc()
	}
}

// RecordAuthRetriesExhausted records a call failed at the challenge retry cap
func RecordAuthRetriesExhausted() {
	if metricsEnabled {
		AuthRetriesExhaustedTotal.Inc()
	}
}

// SetActiveDialogs records the current size of the dialog registry
func SetActiveDialogs(count int) {
	if metricsEnabled {
		ActiveDialogs.Set(float64(count))
	}
}

// RecordSDPNegotiation records an SDP rewrite outcome
func RecordSDPNegotiation(outcome string) {
	if metricsEnabled {
		SDPNegotiationsTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveDownstreamRequest returns a completion function that records the
// elapsed time of one downstream attempt
func ObserveDownstreamRequest(method string) func() {
	if !metricsEnabled {
		return func() {}
	}
	start := time.Now()
	return func() {
		DownstreamRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
}

// ObserveCallSetup returns a completion function that records the time it
// took to answer an upstream INVITE with a final response
func ObserveCallSetup() func(outcome string) {
	if !metricsEnabled {
		return func(string) {}
	}
	start := time.Now()
	return func(outcome string) {
		CallSetupDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
}
