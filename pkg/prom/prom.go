package prom

import (
	"sync"

	xhttp "github.com/edupay/payment-gateway/pkg/http"
	"github.com/edupay/payment-gateway/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemReconcile = "reconcile"
	SystemGateway   = "gateway"
)

const (
	MetricSettlementsTotal        = "settlements_total"
	MetricTerminalConflictsTotal  = "terminal_conflicts_total"
	MetricWebhooksRejectedTotal   = "webhooks_rejected_total"
	MetricSweepRechecksTotal      = "sweep_rechecks_total"
	MetricGatewayRequestDuration  = "request_duration_seconds"
	MetricGatewayFailuresTotal    = "failures_total"
	MetricApplyStatusOutcomeTotal = "apply_status_outcome_total"
)

var createLock = &sync.Mutex{}
var namespace = "none"
var defaultLabels prometheus.Labels

var MetricSystemEnabled = false

var counters = make(map[string]prometheus.Counter)
var counterVecs = make(map[string]*prometheus.CounterVec)
var histogramVecs = make(map[string]*prometheus.HistogramVec)

// Create registers the gateway's metric set. Must be called once before
// any Inc/Observe helper; those are no-ops while the system is disabled.
func Create(host string, env string, nameSpace string) error {
	defaultLabels = prometheus.Labels{"env": env, "instance": host}
	namespace = nameSpace
	MetricSystemEnabled = true

	var err error
	hasError := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	hasError(createCounter(SystemReconcile, MetricSettlementsTotal))
	hasError(createCounter(SystemReconcile, MetricTerminalConflictsTotal))
	hasError(createCounter(SystemReconcile, MetricWebhooksRejectedTotal))
	hasError(createCounterVec(SystemReconcile, MetricSweepRechecksTotal, []string{"outcome"}))
	hasError(createCounterVec(SystemReconcile, MetricApplyStatusOutcomeTotal, []string{"outcome"}))
	hasError(createCounterVec(SystemGateway, MetricGatewayFailuresTotal, []string{"op"}))
	hasError(createHistogramVec(SystemGateway, MetricGatewayRequestDuration, []string{"op"}))

	return err
}

// ListenAndServer exposes /metrics on its own fasthttp server.
func ListenAndServer(port string, url string) {
	hh := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	s := xhttp.CreateServer()
	s.GET(url, hh)
	logger.Info("[metrics-server] listening...", "url", url)
	if err := s.ListenAndServe(port); err != nil {
		logger.Panic("[metrics-server] http listen error", "error", err)
	}
}

func Inc(subsystem, name string) {
	if !MetricSystemEnabled {
		return
	}
	if c, ok := counters[subsystem+name]; ok {
		c.Inc()
	}
}

func IncWithLabels(subsystem, name string, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if c, ok := counterVecs[subsystem+name]; ok {
		c.WithLabelValues(labelValues...).Inc()
	}
}

func Observe(subsystem, name string, value float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if h, ok := histogramVecs[subsystem+name]; ok {
		h.WithLabelValues(labelValues...).Observe(value)
	}
}

func createCounter(subsystem, name string) error {
	createLock.Lock()
	defer createLock.Unlock()
	counters[subsystem+name] = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
	})
	return prometheus.Register(counters[subsystem+name])
}

func createCounterVec(subsystem, name string, labels []string) error {
	createLock.Lock()
	defer createLock.Unlock()
	counterVecs[subsystem+name] = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(counterVecs[subsystem+name])
}

func createHistogramVec(subsystem, name string, labels []string) error {
	createLock.Lock()
	defer createLock.Unlock()
	histogramVecs[subsystem+name] = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Buckets:     prometheus.DefBuckets,
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(histogramVecs[subsystem+name])
}
