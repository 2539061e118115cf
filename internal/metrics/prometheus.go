// Package metrics provides the Prometheus registry for the gateway.
//
// All metrics live in a private registry (not the global default) so the
// gateway can be embedded without colliding with host metrics. The /metrics
// handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_requests_total{dialect,provider,status}
	requestsTotal *prometheus.CounterVec

	// gateway_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_first_byte_seconds{provider}
	upstreamFirstByte *prometheus.HistogramVec

	// gateway_stream_chunks_total{dialect,provider}
	streamChunks *prometheus.CounterVec

	// gateway_tokens_total{provider,model,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_cost_micro_units_total{provider,model,currency}
	costTotal *prometheus.CounterVec

	// gateway_cache_operations_total{collection,op,result}
	cacheOps *prometheus.CounterVec

	// gateway_key_picks_total{provider,strategy}
	keyPicks *prometheus.CounterVec

	// gateway_vertex_token_fetch_total{result}
	vertexTokenFetch *prometheus.CounterVec

	// gateway_request_logs_total{status}
	requestLogs *prometheus.CounterVec

	// gateway_translation_errors_total{from,to}
	translationErrors *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "End-to-end HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Proxy requests by inbound dialect, upstream provider and status",
			},
			[]string{"dialect", "provider", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Upstream dispatch attempts by outcome",
			},
			[]string{"provider", "outcome"},
		),

		upstreamFirstByte: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_first_byte_seconds",
				Help:    "Time to the first upstream response byte",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider"},
		),

		streamChunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_chunks_total",
				Help: "SSE chunks relayed to clients",
			},
			[]string{"dialect", "provider"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage accumulated from upstream usage fields",
			},
			[]string{"provider", "model", "direction"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cost_micro_units_total",
				Help: "Calculated request cost in micro-units",
			},
			[]string{"provider", "model", "currency"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_operations_total",
				Help: "Cache operations by collection, op and result",
			},
			[]string{"collection", "op", "result"},
		),

		keyPicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_key_picks_total",
				Help: "Provider API key selections by strategy",
			},
			[]string{"provider", "strategy"},
		),

		vertexTokenFetch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_vertex_token_fetch_total",
				Help: "Vertex OAuth token fetches by result",
			},
			[]string{"result"},
		),

		requestLogs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_request_logs_total",
				Help: "Request logs by terminal status",
			},
			[]string{"status"},
		),

		translationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_translation_errors_total",
				Help: "Dialect translation failures",
			},
			[]string{"from", "to"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.upstreamAttempts,
		r.upstreamFirstByte,
		r.streamChunks,
		r.tokensTotal,
		r.costTotal,
		r.cacheOps,
		r.keyPicks,
		r.vertexTokenFetch,
		r.requestLogs,
		r.translationErrors,
		r.rateLimitTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for a route.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRequest records one proxy request outcome.
func (r *Registry) RecordRequest(dialect, provider, status string) {
	r.requestsTotal.WithLabelValues(dialect, provider, status).Inc()
}

// ObserveUpstream records an upstream attempt and its first-byte latency.
func (r *Registry) ObserveUpstream(provider, outcome string, firstByte time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	if firstByte > 0 {
		r.upstreamFirstByte.WithLabelValues(provider).Observe(firstByte.Seconds())
	}
}

// AddStreamChunks counts chunks relayed to a client.
func (r *Registry) AddStreamChunks(dialect, provider string, n int) {
	if n > 0 {
		r.streamChunks.WithLabelValues(dialect, provider).Add(float64(n))
	}
}

// AddTokens records token usage for a completed request.
func (r *Registry) AddTokens(provider, model string, prompt, completion int64) {
	if prompt > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "completion").Add(float64(completion))
	}
}

// AddCost records the calculated cost of a request in micro-units.
func (r *Registry) AddCost(provider, model, currency string, micro int64) {
	if micro > 0 {
		r.costTotal.WithLabelValues(provider, model, currency).Add(float64(micro))
	}
}

// CacheOp implements the cache.Observer interface.
func (r *Registry) CacheOp(collection, op, result string) {
	r.cacheOps.WithLabelValues(collection, op, result).Inc()
}

// RecordKeyPick counts one provider API key selection.
func (r *Registry) RecordKeyPick(provider, strategy string) {
	r.keyPicks.WithLabelValues(provider, strategy).Inc()
}

// RecordVertexTokenFetch counts an OAuth token fetch attempt.
func (r *Registry) RecordVertexTokenFetch(result string) {
	r.vertexTokenFetch.WithLabelValues(result).Inc()
}

// RecordLogStatus counts a request log reaching a terminal status.
func (r *Registry) RecordLogStatus(status string) {
	r.requestLogs.WithLabelValues(status).Inc()
}

// RecordTranslationError counts a failed dialect conversion.
func (r *Registry) RecordTranslationError(from, to string) {
	r.translationErrors.WithLabelValues(from, to).Inc()
}

// RecordRateLimit counts a rate limit decision.
func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// SetBuildInfo pins the build version time series.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// Handler returns the fasthttp handler serving the /metrics endpoint.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

// PromRegistry exposes the underlying registry for tests.
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
