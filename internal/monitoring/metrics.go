package monitoring

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the subscription and delivery pipeline.
var (
	// Outbound delivery metrics
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aw_deliveries_total",
		Help: "Total callback delivery attempts by outcome",
	}, []string{"outcome"}) // delivered | failed

	deliveryFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aw_delivery_failures_total",
		Help: "Failed callback deliveries by reason",
	}, []string{"reason"})

	deliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aw_delivery_duration_seconds",
		Help:    "Wall time of a single callback delivery attempt",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	granularityDowngradesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aw_granularity_downgrades_total",
		Help: "Callbacks downgraded from high to low granularity due to payload size",
	})

	compressedCallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aw_compressed_callbacks_total",
		Help: "Callback bodies sent gzip-compressed",
	})

	// Circuit breaker metrics
	breakerTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aw_breaker_transitions_total",
		Help: "Circuit breaker transitions by kind (open, close, half_open)",
	}, []string{"kind"})

	breakerSkipsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aw_breaker_skips_total",
		Help: "Deliveries skipped because the peer circuit was open",
	})

	// Publisher-side subscription metrics
	diffsRegisteredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aw_diffs_registered_total",
		Help: "Diffs persisted across all subscriptions",
	})

	diffsClearedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aw_diffs_cleared_total",
		Help: "Diffs cleared after acknowledgement or fetch",
	})

	// Subscriber-side callback metrics
	callbacksProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aw_callbacks_processed_total",
		Help: "Inbound subscription callbacks by result",
	}, []string{"result"}) // applied | duplicate | pending | resync | rejected | malformed

	sequenceGapsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aw_sequence_gaps_total",
		Help: "Out-of-order callbacks that opened a sequence gap",
	})

	pendingCallbacks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aw_pending_callbacks",
		Help: "Callbacks currently parked waiting for a sequence gap to close",
	})

	resyncRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aw_resync_requests_total",
		Help: "Resynchronization requests sent to publishers",
	})

	// Peer proxy metrics
	proxyRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aw_proxy_requests_total",
		Help: "Outbound peer requests by outcome (ok, fallback, error)",
	}, []string{"outcome"})

	capabilityLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aw_capability_lookups_total",
		Help: "Peer capability cache lookups by result (hit, miss, stale)",
	}, []string{"result"})

	// Deferred dispatch worker pool metrics
	dispatchTasksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aw_dispatch_tasks_total",
		Help: "Tasks submitted to the deferred dispatch pool",
	})

	dispatchDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aw_dispatch_dropped_total",
		Help: "Tasks dropped because the dispatch queue was full",
	})

	dispatchQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aw_dispatch_queue_depth",
		Help: "Current number of tasks waiting in the dispatch queue",
	})

	dispatchQueueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aw_dispatch_queue_capacity",
		Help: "Maximum capacity of the dispatch queue",
	})

	dispatchQueueUtilization = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aw_dispatch_queue_utilization_percent",
		Help: "Dispatch queue utilization percentage (0-100)",
	})

	// HTTP surface metrics
	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aw_http_request_duration_seconds",
		Help:    "Inbound HTTP request duration by route and status code",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "route", "code"})

	guardRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aw_guard_rejections_total",
		Help: "Inbound work rejected by the resource guard, by reason",
	}, []string{"reason"})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aw_memory_bytes",
		Help: "Current memory usage in bytes",
	})

	memoryLimitBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aw_memory_limit_bytes",
		Help: "Memory limit in bytes (from cgroup)",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aw_cpu_usage_percent",
		Help: "Current CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aw_goroutines_active",
		Help: "Current number of active goroutines",
	})

	// Error tracking
	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aw_errors_total",
		Help: "Total errors by type and severity",
	}, []string{"type", "severity"})
)

func init() {
	prometheus.MustRegister(deliveriesTotal)
	prometheus.MustRegister(deliveryFailuresTotal)
	prometheus.MustRegister(deliveryDuration)
	prometheus.MustRegister(granularityDowngradesTotal)
	prometheus.MustRegister(compressedCallbacksTotal)

	prometheus.MustRegister(breakerTransitionsTotal)
	prometheus.MustRegister(breakerSkipsTotal)

	prometheus.MustRegister(diffsRegisteredTotal)
	prometheus.MustRegister(diffsClearedTotal)

	prometheus.MustRegister(callbacksProcessedTotal)
	prometheus.MustRegister(sequenceGapsTotal)
	prometheus.MustRegister(pendingCallbacks)
	prometheus.MustRegister(resyncRequestsTotal)

	prometheus.MustRegister(proxyRequestsTotal)
	prometheus.MustRegister(capabilityLookupsTotal)

	prometheus.MustRegister(dispatchTasksTotal)
	prometheus.MustRegister(dispatchDroppedTotal)
	prometheus.MustRegister(dispatchQueueDepth)
	prometheus.MustRegister(dispatchQueueCapacity)
	prometheus.MustRegister(dispatchQueueUtilization)

	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(guardRejectionsTotal)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(memoryLimitBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)

	prometheus.MustRegister(errorsTotal)
}

// RecordDelivery tracks one delivery attempt.
func RecordDelivery(outcome string, duration time.Duration) {
	deliveriesTotal.WithLabelValues(outcome).Inc()
	deliveryDuration.Observe(duration.Seconds())
}

// RecordDeliveryFailure tracks a failed delivery by reason kind.
func RecordDeliveryFailure(reason string) {
	deliveryFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordGranularityDowngrade tracks a high-to-low payload downgrade.
func RecordGranularityDowngrade() {
	granularityDowngradesTotal.Inc()
}

// RecordCompressedCallback tracks a gzip-compressed callback body.
func RecordCompressedCallback() {
	compressedCallbacksTotal.Inc()
}

// RecordBreakerTransition tracks a circuit state change: "open", "close" or
// "half_open".
func RecordBreakerTransition(kind string) {
	breakerTransitionsTotal.WithLabelValues(kind).Inc()
}

// RecordBreakerSkip tracks a delivery refused because the circuit was open.
func RecordBreakerSkip() {
	breakerSkipsTotal.Inc()
}

// RecordDiffRegistered tracks one persisted diff.
func RecordDiffRegistered() {
	diffsRegisteredTotal.Inc()
}

// RecordDiffsCleared tracks n diffs removed.
func RecordDiffsCleared(n int) {
	if n > 0 {
		diffsClearedTotal.Add(float64(n))
	}
}

// RecordCallbackProcessed tracks an inbound callback by processing result.
func RecordCallbackProcessed(result string) {
	callbacksProcessedTotal.WithLabelValues(result).Inc()
}

// RecordSequenceGap tracks an out-of-order callback.
func RecordSequenceGap() {
	sequenceGapsTotal.Inc()
}

// SetPendingCallbacks reports the total parked callbacks across subscriptions.
func SetPendingCallbacks(n int) {
	pendingCallbacks.Set(float64(n))
}

// RecordResyncRequest tracks a resync sent to a publisher.
func RecordResyncRequest() {
	resyncRequestsTotal.Inc()
}

// RecordProxyRequest tracks an outbound peer request by outcome.
func RecordProxyRequest(outcome string) {
	proxyRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordCapabilityLookup tracks a capability cache result: "hit", "miss" or
// "stale".
func RecordCapabilityLookup(result string) {
	capabilityLookupsTotal.WithLabelValues(result).Inc()
}

// RecordDispatchTask tracks a task submitted to the dispatch pool.
func RecordDispatchTask() {
	dispatchTasksTotal.Inc()
}

// RecordDispatchDropped tracks a task dropped due to a full queue.
func RecordDispatchDropped() {
	dispatchDroppedTotal.Inc()
}

// RecordHTTPRequest tracks an inbound request.
func RecordHTTPRequest(method, route, code string, duration time.Duration) {
	httpRequestDuration.WithLabelValues(method, route, code).Observe(duration.Seconds())
}

// RecordGuardRejection tracks inbound work rejected by the resource guard.
func RecordGuardRejection(reason string) {
	guardRejectionsTotal.WithLabelValues(reason).Inc()
}

// Error severity levels for metrics and logging.
const (
	ErrorSeverityWarning  = "warning"  // Non-critical, service continues
	ErrorSeverityCritical = "critical" // Critical but recoverable
	ErrorSeverityFatal    = "fatal"    // Service cannot continue
)

// Error types for categorization.
const (
	ErrorTypeDelivery      = "delivery"
	ErrorTypeStorage       = "storage"
	ErrorTypeCallback      = "callback"
	ErrorTypeSerialization = "serialization"
	ErrorTypeHealth        = "health"
)

// RecordError tracks an error by type and severity.
func RecordError(errorType, severity string) {
	errorsTotal.WithLabelValues(errorType, severity).Inc()
}

// PoolStats is the subset of worker pool state sampled by the collector.
type PoolStats interface {
	QueueDepth() int
	QueueCapacity() int
	DroppedTasks() int64
}

// PendingCounter reports parked inbound callbacks across subscriptions.
type PendingCounter interface {
	PendingTotal() int
}

// CPUSampler reports the current CPU usage percentage.
type CPUSampler interface {
	CPUPercent() float64
}

// Collector periodically samples system and queue metrics.
type Collector struct {
	interval time.Duration
	pool     PoolStats
	pending  PendingCounter
	cpu      CPUSampler
	memLimit int64
	stopChan chan struct{}
}

// NewCollector creates a collector. Any of pool, pending and cpu may be nil;
// the corresponding samples are skipped.
func NewCollector(interval time.Duration, pool PoolStats, pending PendingCounter, cpu CPUSampler, memLimit int64) *Collector {
	return &Collector{
		interval: interval,
		pool:     pool,
		pending:  pending,
		cpu:      cpu,
		memLimit: memLimit,
		stopChan: make(chan struct{}),
	}
}

// Start begins periodic collection.
func (c *Collector) Start() {
	if c.memLimit > 0 {
		memoryLimitBytes.Set(float64(c.memLimit))
	}
	if c.pool != nil {
		dispatchQueueCapacity.Set(float64(c.pool.QueueCapacity()))
	}

	ticker := time.NewTicker(c.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopChan:
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopChan)
}

func (c *Collector) collect() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memoryUsageBytes.Set(float64(mem.Alloc))
	goroutinesActive.Set(float64(runtime.NumGoroutine()))

	if c.cpu != nil {
		cpuUsagePercent.Set(c.cpu.CPUPercent())
	}

	if c.pool != nil {
		depth := c.pool.QueueDepth()
		capacity := c.pool.QueueCapacity()
		dispatchQueueDepth.Set(float64(depth))
		var utilization float64
		if capacity > 0 {
			utilization = float64(depth) / float64(capacity) * 100
		}
		dispatchQueueUtilization.Set(utilization)
	}

	if c.pending != nil {
		pendingCallbacks.Set(float64(c.pending.PendingTotal()))
	}
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
