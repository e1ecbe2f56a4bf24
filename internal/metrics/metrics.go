// Package metrics counts polling pipeline activity: register reads,
// decode outcomes, store writes, bus drops, and MQTT publishes. Adapted
// from the teacher's internal/metrics.Metrics (atomic-free counter struct
// + hand-rolled Prometheus text exposition + fiber request middleware),
// regeared from flow/node/execution counters to the polling counters this
// bridge actually produces.
package metrics

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Metrics accumulates process-lifetime counters for the polling pipeline.
type Metrics struct {
	// Poll metrics: one tick of one device is one "poll".
	PollsTotal      int64 `json:"polls_total"`
	RegisterReadsOK int64 `json:"register_reads_ok"`
	RegisterReadsErr int64 `json:"register_reads_error"`

	// Decode metrics.
	DecodesTotal       int64 `json:"decodes_total"`
	DecodesShortWords  int64 `json:"decodes_short_words"`

	// Store metrics.
	StoreWritesTotal int64 `json:"store_writes_total"`

	// Broadcast bus metrics.
	BusPublishesTotal int64 `json:"bus_publishes_total"`
	BusDropsTotal     int64 `json:"bus_drops_total"`

	// MQTT publisher metrics.
	MQTTPublishesOK  int64 `json:"mqtt_publishes_ok"`
	MQTTPublishesErr int64 `json:"mqtt_publishes_error"`

	// Fleet metrics.
	DevicesConfigured int64 `json:"devices_configured"`
	DevicesHealthy    int64 `json:"devices_healthy"`

	// System metrics.
	Uptime         int64   `json:"uptime_seconds"`
	MemoryUsed     uint64  `json:"memory_used_bytes"`
	MemoryTotal    uint64  `json:"memory_total_bytes"`
	GoroutineCount int     `json:"goroutine_count"`

	// API metrics.
	TotalRequests   int64   `json:"total_requests"`
	TotalErrors     int64   `json:"total_errors"`
	AvgResponseTime float64 `json:"avg_response_time_ms"`

	mu        sync.RWMutex
	startTime time.Time
}

// NewMetrics returns an empty counter set with its clock started.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// IncrementPolls records one device tick having run (regardless of how
// many of its registers succeeded).
func (m *Metrics) IncrementPolls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PollsTotal++
}

// RecordRegisterRead records the outcome of one register's read attempt.
func (m *Metrics) RecordRegisterRead(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.RegisterReadsOK++
	} else {
		m.RegisterReadsErr++
	}
}

// RecordDecode records one decode call, and whether it hit the
// insufficient-words case that still succeeds with a zero value.
func (m *Metrics) RecordDecode(shortWords bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DecodesTotal++
	if shortWords {
		m.DecodesShortWords++
	}
}

// IncrementStoreWrites records one Store.Write call.
func (m *Metrics) IncrementStoreWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StoreWritesTotal++
}

// IncrementBusPublishes records one Bus.Publish call.
func (m *Metrics) IncrementBusPublishes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BusPublishesTotal++
}

// RecordBusLag adds n dropped updates observed by a lagging subscriber.
func (m *Metrics) RecordBusLag(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BusDropsTotal += int64(n)
}

// RecordMQTTPublish records the outcome of one MQTT publish attempt.
func (m *Metrics) RecordMQTTPublish(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.MQTTPublishesOK++
	} else {
		m.MQTTPublishesErr++
	}
}

// SetDeviceCounts records how many devices are configured and how many are
// currently reporting healthy, for the fleet-level gauges.
func (m *Metrics) SetDeviceCounts(configured, healthy int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DevicesConfigured = configured
	m.DevicesHealthy = healthy
}

// IncrementRequests records one inbound HTTP request.
func (m *Metrics) IncrementRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRequests++
}

// IncrementErrors records one HTTP response with a >=400 status.
func (m *Metrics) IncrementErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalErrors++
}

// RecordResponseTime folds duration into an exponential moving average.
func (m *Metrics) RecordResponseTime(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := float64(duration.Milliseconds())
	if m.AvgResponseTime == 0 {
		m.AvgResponseTime = ms
	} else {
		m.AvgResponseTime = (m.AvgResponseTime * 0.9) + (ms * 0.1)
	}
}

// UpdateSystemMetrics refreshes the uptime/memory/goroutine gauges from
// the runtime. Cheap enough to call on every /metrics scrape.
func (m *Metrics) UpdateSystemMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Uptime = int64(time.Since(m.startTime).Seconds())

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.MemoryUsed = memStats.Alloc
	m.MemoryTotal = memStats.Sys

	m.GoroutineCount = runtime.NumGoroutine()
}

// GetMetrics returns a JSON-friendly nested snapshot of the counters (as
// opposed to PrometheusFormat's text scrape format). No HTTP route serves it.
func (m *Metrics) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"polling": map[string]interface{}{
			"polls_total":        m.PollsTotal,
			"register_reads_ok":  m.RegisterReadsOK,
			"register_reads_err": m.RegisterReadsErr,
			"read_success_rate":  rate(m.RegisterReadsOK, m.RegisterReadsOK+m.RegisterReadsErr),
		},
		"decode": map[string]interface{}{
			"decodes_total":       m.DecodesTotal,
			"decodes_short_words": m.DecodesShortWords,
		},
		"store": map[string]interface{}{
			"writes_total": m.StoreWritesTotal,
		},
		"bus": map[string]interface{}{
			"publishes_total": m.BusPublishesTotal,
			"drops_total":     m.BusDropsTotal,
		},
		"mqtt": map[string]interface{}{
			"publishes_ok":  m.MQTTPublishesOK,
			"publishes_err": m.MQTTPublishesErr,
		},
		"fleet": map[string]interface{}{
			"devices_configured": m.DevicesConfigured,
			"devices_healthy":    m.DevicesHealthy,
		},
		"system": map[string]interface{}{
			"uptime_seconds":     m.Uptime,
			"memory_used_bytes":  m.MemoryUsed,
			"memory_total_bytes": m.MemoryTotal,
			"memory_used_mb":     m.MemoryUsed / 1024 / 1024,
			"goroutines":         m.GoroutineCount,
		},
		"api": map[string]interface{}{
			"total_requests":       m.TotalRequests,
			"total_errors":         m.TotalErrors,
			"avg_response_time_ms": m.AvgResponseTime,
			"error_rate":           rate(m.TotalErrors, m.TotalRequests),
		},
	}
}

func rate(part, total int64) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) / float64(total) * 100
}

// PrometheusFormat renders the counters in the Prometheus text exposition
// format for the /metrics scrape endpoint.
func (m *Metrics) PrometheusFormat() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return `# HELP fieldbridge_polls_total Total number of device poll ticks run
# TYPE fieldbridge_polls_total counter
fieldbridge_polls_total ` + formatInt64(m.PollsTotal) + `

# HELP fieldbridge_register_reads_ok_total Successful register reads
# TYPE fieldbridge_register_reads_ok_total counter
fieldbridge_register_reads_ok_total ` + formatInt64(m.RegisterReadsOK) + `

# HELP fieldbridge_register_reads_error_total Failed register reads
# TYPE fieldbridge_register_reads_error_total counter
fieldbridge_register_reads_error_total ` + formatInt64(m.RegisterReadsErr) + `

# HELP fieldbridge_decodes_total Total register decodes
# TYPE fieldbridge_decodes_total counter
fieldbridge_decodes_total ` + formatInt64(m.DecodesTotal) + `

# HELP fieldbridge_decodes_short_words_total Decodes with insufficient words for the declared type
# TYPE fieldbridge_decodes_short_words_total counter
fieldbridge_decodes_short_words_total ` + formatInt64(m.DecodesShortWords) + `

# HELP fieldbridge_store_writes_total Total Store.Write calls
# TYPE fieldbridge_store_writes_total counter
fieldbridge_store_writes_total ` + formatInt64(m.StoreWritesTotal) + `

# HELP fieldbridge_bus_publishes_total Total RegisterUpdates published on the broadcast bus
# TYPE fieldbridge_bus_publishes_total counter
fieldbridge_bus_publishes_total ` + formatInt64(m.BusPublishesTotal) + `

# HELP fieldbridge_bus_drops_total Updates dropped by lagging bus subscribers
# TYPE fieldbridge_bus_drops_total counter
fieldbridge_bus_drops_total ` + formatInt64(m.BusDropsTotal) + `

# HELP fieldbridge_mqtt_publishes_ok_total Successful MQTT publishes
# TYPE fieldbridge_mqtt_publishes_ok_total counter
fieldbridge_mqtt_publishes_ok_total ` + formatInt64(m.MQTTPublishesOK) + `

# HELP fieldbridge_mqtt_publishes_error_total Failed MQTT publishes
# TYPE fieldbridge_mqtt_publishes_error_total counter
fieldbridge_mqtt_publishes_error_total ` + formatInt64(m.MQTTPublishesErr) + `

# HELP fieldbridge_devices_configured Number of devices loaded from config
# TYPE fieldbridge_devices_configured gauge
fieldbridge_devices_configured ` + formatInt64(m.DevicesConfigured) + `

# HELP fieldbridge_devices_healthy Number of devices whose latest poll succeeded
# TYPE fieldbridge_devices_healthy gauge
fieldbridge_devices_healthy ` + formatInt64(m.DevicesHealthy) + `

# HELP fieldbridge_uptime_seconds Uptime in seconds
# TYPE fieldbridge_uptime_seconds gauge
fieldbridge_uptime_seconds ` + formatInt64(m.Uptime) + `

# HELP fieldbridge_memory_used_bytes Memory used in bytes
# TYPE fieldbridge_memory_used_bytes gauge
fieldbridge_memory_used_bytes ` + formatUint64(m.MemoryUsed) + `

# HELP fieldbridge_goroutines Number of goroutines
# TYPE fieldbridge_goroutines gauge
fieldbridge_goroutines ` + formatInt(m.GoroutineCount) + `

# HELP fieldbridge_api_requests_total Total number of API requests
# TYPE fieldbridge_api_requests_total counter
fieldbridge_api_requests_total ` + formatInt64(m.TotalRequests) + `

# HELP fieldbridge_api_errors_total Total number of API errors
# TYPE fieldbridge_api_errors_total counter
fieldbridge_api_errors_total ` + formatInt64(m.TotalErrors) + `

# HELP fieldbridge_api_response_time_ms Average API response time in milliseconds
# TYPE fieldbridge_api_response_time_ms gauge
fieldbridge_api_response_time_ms ` + formatFloat64(m.AvgResponseTime) + `
`
}

// Middleware records one request's count, status, and latency.
func Middleware(m *Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		m.IncrementRequests()

		err := c.Next()

		duration := time.Since(start)
		m.RecordResponseTime(duration)

		if c.Response().StatusCode() >= 400 {
			m.IncrementErrors()
		}

		return err
	}
}

func formatInt64(n int64) string   { return fmt.Sprintf("%d", n) }
func formatUint64(n uint64) string { return fmt.Sprintf("%d", n) }
func formatInt(n int) string       { return fmt.Sprintf("%d", n) }
func formatFloat64(n float64) string { return fmt.Sprintf("%.2f", n) }
