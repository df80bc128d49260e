package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP surface,
// payout batches, provider calls and the CRM credential lifecycle.
type MetricsService struct {
	registry         *prometheus.Registry
	handler          http.Handler
	requestDuration  *prometheus.HistogramVec
	requestTotal     *prometheus.CounterVec
	payoutsTotal     *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	batchDuration    prometheus.Histogram
	tokenRefreshes   *prometheus.CounterVec
	crmSyncs         *prometheus.CounterVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	payoutsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payouts_total",
		Help: "Payout outcomes recorded in the ledger",
	}, []string{"method", "status"})

	providerDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payout_provider_request_duration_seconds",
		Help:    "Duration of payout provider submissions",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method", "result"})

	batchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "payout_batch_duration_seconds",
		Help:    "Duration of payout batch runs",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	tokenRefreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_token_refresh_total",
		Help: "CRM access token refresh attempts by result",
	}, []string{"result"})

	crmSyncs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_sync_total",
		Help: "Payout status mirrors to the CRM by result",
	}, []string{"result"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, payoutsTotal, providerDuration, batchDuration, tokenRefreshes, crmSyncs, goroutines)

	return &MetricsService{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:  requestDuration,
		requestTotal:     requestTotal,
		payoutsTotal:     payoutsTotal,
		providerDuration: providerDuration,
		batchDuration:    batchDuration,
		tokenRefreshes:   tokenRefreshes,
		crmSyncs:         crmSyncs,
	}
}

// Registry exposes the underlying registry for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordPayout counts a ledger outcome.
func (m *MetricsService) RecordPayout(method models.PayoutMethod, status models.PayoutStatus) {
	if m == nil {
		return
	}
	m.payoutsTotal.WithLabelValues(string(method), string(status)).Inc()
}

// ObserveProviderCall records one provider submission attempt.
func (m *MetricsService) ObserveProviderCall(method models.PayoutMethod, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.providerDuration.WithLabelValues(string(method), result).Observe(duration.Seconds())
}

// ObserveBatch records a completed batch run.
func (m *MetricsService) ObserveBatch(duration time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(duration.Seconds())
}

// RecordTokenRefresh counts a CRM token refresh by result.
func (m *MetricsService) RecordTokenRefresh(result string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(result).Inc()
}

// RecordCRMSync counts a CRM status mirror by result.
func (m *MetricsService) RecordCRMSync(result string) {
	if m == nil {
		return
	}
	m.crmSyncs.WithLabelValues(result).Inc()
}
