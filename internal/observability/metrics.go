package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jobmetrics "github.com/voyageos/voyageos/internal/jobs"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	documents       *prometheus.CounterVec
	payments        *prometheus.CounterVec
	allocations     *prometheus.CounterVec
	retries         *prometheus.CounterVec
	jobs            *jobmetrics.Metrics
}

// NewMetrics menginisialisasi registry, metrik HTTP dan metrik domain.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voyageos_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voyageos_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	documents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voyageos_documents_total",
		Help: "Jumlah dokumen per jenis dan event (created, issued, cancelled).",
	}, []string{"document", "event"})
	payments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voyageos_payments_total",
		Help: "Jumlah pembayaran yang dicatat per metode.",
	}, []string{"method"})
	allocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voyageos_sequence_allocations_total",
		Help: "Jumlah nomor dokumen yang dialokasikan per jenis dokumen.",
	}, []string{"doc_type"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voyageos_sequence_retries_total",
		Help: "Jumlah percobaan ulang karena nomor dokumen bentrok.",
	}, []string{"doc_type"})
	registry.MustRegister(requests, duration, documents, payments, allocations, retries)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		documents:       documents,
		payments:        payments,
		allocations:     allocations,
		retries:         retries,
		jobs:            jobmetrics.NewMetrics(registry),
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Jobs mengembalikan metrik job latar belakang pada registry yang sama.
func (m *Metrics) Jobs() *jobmetrics.Metrics {
	if m == nil {
		return nil
	}
	return m.jobs
}

// QuotationCreated mencatat penawaran baru.
func (m *Metrics) QuotationCreated() { m.document("quotation", "created") }

// InvoiceIssued mencatat invoice baru.
func (m *Metrics) InvoiceIssued() { m.document("invoice", "issued") }

// InvoiceCancelled mencatat invoice yang dibatalkan.
func (m *Metrics) InvoiceCancelled() { m.document("invoice", "cancelled") }

// PaymentRecorded mencatat pembayaran dan kuitansinya.
func (m *Metrics) PaymentRecorded(method string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(method).Inc()
	m.documents.WithLabelValues("receipt", "issued").Inc()
}

// ObserveAllocation mencatat satu nomor dokumen yang dialokasikan.
func (m *Metrics) ObserveAllocation(docType string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(docType).Inc()
}

// ObserveRetry mencatat percobaan ulang alokasi.
func (m *Metrics) ObserveRetry(docType string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(docType).Inc()
}

func (m *Metrics) document(kind, event string) {
	if m == nil {
		return
	}
	m.documents.WithLabelValues(kind, event).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
