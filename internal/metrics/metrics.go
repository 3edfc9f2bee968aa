// Package metrics registers the bridge's Prometheus collectors. Recording
// functions are no-ops until Init is called, so packages can record
// unconditionally and tests need no registry.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"homesense-bridge/internal/models"
)

const metricPrefix = "homesense_"

const (
	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	registerOnce sync.Once

	messagesReceived  *prometheus.CounterVec
	malformedPayloads prometheus.Counter
	samplesSuppressed *prometheus.CounterVec
	eventsEmitted     *prometheus.CounterVec
	storeWrites       *prometheus.CounterVec
	reconcileTargets  *prometheus.CounterVec
	reconcileBatches  *prometheus.CounterVec
	deviceHealth      *prometheus.GaugeVec
)

// Init creates and registers every collector on reg
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		messagesReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "mqtt_messages_total",
				Help: "MQTT messages received by kind",
			},
			[]string{"kind"},
		)
		malformedPayloads = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "malformed_payloads_total",
				Help: "Telemetry payloads dropped because they could not be parsed",
			},
		)
		samplesSuppressed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "samples_suppressed_total",
				Help: "Classified samples suppressed by debounce or change detection",
			},
			[]string{"device_type"},
		)
		eventsEmitted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_emitted_total",
				Help: "Domain events emitted by type and severity",
			},
			[]string{"event_type", "severity"},
		)
		storeWrites = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "store_writes_total",
				Help: "Event writes to the time-series store by result",
			},
			[]string{"result"},
		)
		reconcileTargets = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconcile_targets_total",
				Help: "Reconciliation target outcomes",
			},
			[]string{"outcome"},
		)
		reconcileBatches = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconcile_batches_total",
				Help: "Reconciliation batches by result",
			},
			[]string{"result"},
		)
		deviceHealth = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "devices_by_health",
				Help: "Number of devices in each health status",
			},
			[]string{"status"},
		)

		reg.MustRegister(
			messagesReceived,
			malformedPayloads,
			samplesSuppressed,
			eventsEmitted,
			storeWrites,
			reconcileTargets,
			reconcileBatches,
			deviceHealth,
		)
	})
}

func ObserveMessage(kind string) {
	if messagesReceived == nil {
		return
	}
	messagesReceived.WithLabelValues(kind).Inc()
}

func ObserveMalformed() {
	if malformedPayloads == nil {
		return
	}
	malformedPayloads.Inc()
}

func ObserveSuppressed(deviceType models.DeviceType) {
	if samplesSuppressed == nil {
		return
	}
	samplesSuppressed.WithLabelValues(string(deviceType)).Inc()
}

func ObserveEvent(event models.DomainEvent) {
	if eventsEmitted == nil {
		return
	}
	eventsEmitted.WithLabelValues(event.EventType, string(event.Severity)).Inc()
}

func ObserveStoreWrite(err error) {
	if storeWrites == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	storeWrites.WithLabelValues(result).Inc()
}

func ObserveReconcileTarget(outcome string) {
	if reconcileTargets == nil {
		return
	}
	reconcileTargets.WithLabelValues(outcome).Inc()
}

func ObserveReconcileBatch(result string) {
	if reconcileBatches == nil {
		return
	}
	reconcileBatches.WithLabelValues(result).Inc()
}

// SetHealthCounts publishes the per-status device counts
func SetHealthCounts(counts map[models.HealthStatus]int) {
	if deviceHealth == nil {
		return
	}
	for status, n := range counts {
		deviceHealth.WithLabelValues(string(status)).Set(float64(n))
	}
}
