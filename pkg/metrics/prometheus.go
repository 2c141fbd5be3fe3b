// Package metrics provides Prometheus metrics for the speedcast services.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector used by the training job and the
// prediction server.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Serving
	predictions       *prometheus.CounterVec
	predictionLatency *prometheus.HistogramVec
	predictionErrors  *prometheus.CounterVec
	modelSwitches     *prometheus.CounterVec
	modelLoaded       *prometheus.GaugeVec
	activeModel       *prometheus.GaugeVec

	// Training
	trainingEpochs   *prometheus.CounterVec
	trainingLoss     *prometheus.GaugeVec
	learningRate     *prometheus.GaugeVec
	earlyStops       *prometheus.CounterVec
	divergences      *prometheus.CounterVec
	checkpointWrites *prometheus.CounterVec

	// Feature pipeline
	featureRows          prometheus.Counter
	featureBuildDuration prometheus.Histogram

	// Prediction event queue and publisher
	queueSize     prometheus.Gauge
	queueCapacity prometheus.Gauge
	queueEnqueued prometheus.Counter
	queueDropped  prometheus.Counter
	published     *prometheus.CounterVec

	errorsByComponent *prometheus.CounterVec
}

var globalManager *Manager //nolint:gochecknoglobals // process-wide metrics manager

var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // keeps default Go collectors out

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "speedcast",
		subsystem:        "",
		histogramBuckets: prometheus.DefBuckets,
		enabled:          true,
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	auto := promauto.With(m.registry)

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
		}, labels)
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return auto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
		}, labels)
	}
	histogramVec := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
			Buckets: m.histogramBuckets, ConstLabels: m.constLabels,
		}, labels)
	}

	m.httpRequests = counterVec("http_requests_total",
		"Total number of HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = histogramVec("http_request_duration_milliseconds",
		"HTTP request duration in milliseconds", "endpoint", "method", "status_code")

	m.predictions = counterVec("predictions_total", "Predictions served per model", "model")
	m.predictionLatency = histogramVec("prediction_latency_milliseconds",
		"Forward pass latency per model in milliseconds", "model")
	m.predictionErrors = counterVec("prediction_errors_total", "Failed predictions by model and kind", "model", "kind")
	m.modelSwitches = counterVec("model_switches_total", "Successful active model switches by target", "model")
	m.modelLoaded = gaugeVec("model_loaded", "1 when the model checkpoint is loaded", "model")
	m.activeModel = gaugeVec("model_active", "1 for the model answering predictions", "model")

	m.trainingEpochs = counterVec("training_epochs_total", "Completed training epochs", "model")
	m.trainingLoss = gaugeVec("training_loss", "Latest epoch loss by split", "model", "split")
	m.learningRate = gaugeVec("training_learning_rate", "Current optimizer learning rate", "model")
	m.earlyStops = counterVec("training_early_stops_total", "Runs halted by early stopping", "model")
	m.divergences = counterVec("training_divergences_total", "Runs aborted on a non-finite loss", "model")
	m.checkpointWrites = counterVec("checkpoint_writes_total", "Checkpoint files written", "model", "kind")

	m.featureRows = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: m.constLabels,
		Name: "feature_rows_total", Help: "Feature rows materialized by the feature pipeline",
	})
	m.featureBuildDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: m.constLabels,
		Name: "feature_build_duration_milliseconds", Help: "Feature frame materialization time",
		Buckets: m.histogramBuckets,
	})

	m.queueSize = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: m.constLabels,
		Name: "event_queue_size", Help: "Prediction events waiting to be published",
	})
	m.queueCapacity = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: m.constLabels,
		Name: "event_queue_capacity", Help: "Capacity of the prediction event queue",
	})
	m.queueEnqueued = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: m.constLabels,
		Name: "event_queue_enqueued_total", Help: "Prediction events accepted by the queue",
	})
	m.queueDropped = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: m.constLabels,
		Name: "event_queue_dropped_total", Help: "Prediction events dropped because the queue was full",
	})
	m.published = counterVec("events_published_total", "Publish attempts by result", "result")

	m.errorsByComponent = counterVec("errors_total", "Errors by component and type", "component", "type")
}

// RecordHTTPRequest records one served HTTP request.
func (m *Manager) RecordHTTPRequest(endpoint, method string, statusCode int, durationMs float64) {
	if !m.enabled {
		return
	}
	code := strconv.Itoa(statusCode)
	m.httpRequests.WithLabelValues(endpoint, method, code).Inc()
	m.httpRequestDuration.WithLabelValues(endpoint, method, code).Observe(durationMs)
}

// RecordPrediction records a successful prediction and its latency.
func (m *Manager) RecordPrediction(model string, latencyMs float64) {
	if !m.enabled {
		return
	}
	m.predictions.WithLabelValues(model).Inc()
	m.predictionLatency.WithLabelValues(model).Observe(latencyMs)
}

// RecordPredictionError records a failed prediction.
func (m *Manager) RecordPredictionError(model, kind string) {
	if !m.enabled {
		return
	}
	m.predictionErrors.WithLabelValues(model, kind).Inc()
}

// RecordModelSwitch records a switch and moves the active gauge.
func (m *Manager) RecordModelSwitch(from, to string) {
	if !m.enabled {
		return
	}
	m.modelSwitches.WithLabelValues(to).Inc()
	if from != "" {
		m.activeModel.WithLabelValues(from).Set(0)
	}
	m.activeModel.WithLabelValues(to).Set(1)
}

// UpdateModelLoaded sets the loaded gauge for a model.
func (m *Manager) UpdateModelLoaded(model string, loaded bool) {
	if !m.enabled {
		return
	}
	v := 0.0
	if loaded {
		v = 1
	}
	m.modelLoaded.WithLabelValues(model).Set(v)
}

// RecordEpoch records the losses and learning rate of a finished epoch.
func (m *Manager) RecordEpoch(model string, trainLoss, valLoss, lr float64) {
	if !m.enabled {
		return
	}
	m.trainingEpochs.WithLabelValues(model).Inc()
	m.trainingLoss.WithLabelValues(model, "train").Set(trainLoss)
	m.trainingLoss.WithLabelValues(model, "validation").Set(valLoss)
	m.learningRate.WithLabelValues(model).Set(lr)
}

// RecordEarlyStop records a run halted by early stopping.
func (m *Manager) RecordEarlyStop(model string) {
	if m.enabled {
		m.earlyStops.WithLabelValues(model).Inc()
	}
}

// RecordDivergence records a run aborted on a non-finite loss.
func (m *Manager) RecordDivergence(model string) {
	if m.enabled {
		m.divergences.WithLabelValues(model).Inc()
	}
}

// RecordCheckpointWrite records a checkpoint file write. kind is "best" or "final".
func (m *Manager) RecordCheckpointWrite(model, kind string) {
	if m.enabled {
		m.checkpointWrites.WithLabelValues(model, kind).Inc()
	}
}

// RecordFeatureBuild records a materialized feature frame.
func (m *Manager) RecordFeatureBuild(rows int, durationMs float64) {
	if !m.enabled {
		return
	}
	m.featureRows.Add(float64(rows))
	m.featureBuildDuration.Observe(durationMs)
}

// UpdateQueue sets the queue size and capacity gauges.
func (m *Manager) UpdateQueue(size, capacity int) {
	if !m.enabled {
		return
	}
	m.queueSize.Set(float64(size))
	m.queueCapacity.Set(float64(capacity))
}

// RecordEnqueue records an accepted event.
func (m *Manager) RecordEnqueue() {
	if m.enabled {
		m.queueEnqueued.Inc()
	}
}

// RecordDrop records an event dropped on backpressure.
func (m *Manager) RecordDrop() {
	if m.enabled {
		m.queueDropped.Inc()
	}
}

// RecordPublish records one publish attempt; result is "ok", "error" or "rejected".
func (m *Manager) RecordPublish(result string) {
	if m.enabled {
		m.published.WithLabelValues(result).Inc()
	}
}

// RecordErrorByComponent records an error attributed to a component.
func (m *Manager) RecordErrorByComponent(component, errorType string) {
	if m.enabled {
		m.errorsByComponent.WithLabelValues(component, errorType).Inc()
	}
}

// Package-level helpers bound to the global manager.

func RecordHTTPRequest(endpoint, method string, statusCode int, durationMs float64) {
	globalManager.RecordHTTPRequest(endpoint, method, statusCode, durationMs)
}
func RecordPrediction(model string, latencyMs float64) {
	globalManager.RecordPrediction(model, latencyMs)
}
func RecordPredictionError(model, kind string)   { globalManager.RecordPredictionError(model, kind) }
func RecordModelSwitch(from, to string)          { globalManager.RecordModelSwitch(from, to) }
func UpdateModelLoaded(model string, ok bool)    { globalManager.UpdateModelLoaded(model, ok) }
func RecordEarlyStop(model string)               { globalManager.RecordEarlyStop(model) }
func RecordDivergence(model string)              { globalManager.RecordDivergence(model) }
func RecordCheckpointWrite(model, kind string)   { globalManager.RecordCheckpointWrite(model, kind) }
func UpdateQueue(size, capacity int)             { globalManager.UpdateQueue(size, capacity) }
func RecordEnqueue()                             { globalManager.RecordEnqueue() }
func RecordDrop()                                { globalManager.RecordDrop() }
func RecordPublish(result string)                { globalManager.RecordPublish(result) }
func RecordErrorByComponent(component, t string) { globalManager.RecordErrorByComponent(component, t) }
func RecordEpoch(model string, trainLoss, valLoss, lr float64) {
	globalManager.RecordEpoch(model, trainLoss, valLoss, lr)
}
func RecordFeatureBuild(rows int, durationMs float64) {
	globalManager.RecordFeatureBuild(rows, durationMs)
}

// GetRegistry returns the registry backing the global manager.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
