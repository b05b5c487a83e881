// Package metrics reports the gateway's own operability numbers:
// pipeline and binding-queue depths, rule trigger counts, and the
// usual process/API counters.
package metrics

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Metrics holds every counter/gauge the diagnostics endpoint reports.
type Metrics struct {
	// Pipeline gauges.
	PipelineQueueDepth int64 `json:"pipeline_queue_depth"`
	PipelineRunning    int64 `json:"pipeline_running"`
	BindingQueueDepth  int64 `json:"binding_queue_depth"`
	PipelineDrops      int64 `json:"pipeline_drops_total"`

	// Rule counters.
	TotalRules      int64 `json:"total_rules"`
	RuleTriggers    int64 `json:"rule_triggers_total"`
	RuleEvalErrors  int64 `json:"rule_eval_errors_total"`

	// Registry gauges.
	TotalLights  int64 `json:"total_lights"`
	TotalSensors int64 `json:"total_sensors"`

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

// NewMetrics creates an empty Metrics, timestamped now.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// SetPipelineGauges sets the pipeline/binding-queue depth gauges;
// called on every 5s gateway tick from internal/gateway.
func (m *Metrics) SetPipelineGauges(queueDepth, running, bindingQueue int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PipelineQueueDepth = int64(queueDepth)
	m.PipelineRunning = int64(running)
	m.BindingQueueDepth = int64(bindingQueue)
}

// SetRegistryGauges sets the entity-count gauges.
func (m *Metrics) SetRegistryGauges(lights, sensors, rules int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalLights = int64(lights)
	m.TotalSensors = int64(sensors)
	m.TotalRules = int64(rules)
}

// QueueDepth reads back the pipeline ready-queue gauge. Health probes
// use this instead of asking the pipeline directly: the gauge is
// mutex-guarded, the pipeline's queue slice is loop-owned.
func (m *Metrics) QueueDepth() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int(m.PipelineQueueDepth)
}

// IncrementPipelineDrops increments the counter of tasks the Radio I/O
// Pipeline dropped because their destination was a known-unavailable
// unicast node.
func (m *Metrics) IncrementPipelineDrops() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PipelineDrops++
}

// IncrementRuleTriggers increments the rule-trigger counter.
func (m *Metrics) IncrementRuleTriggers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RuleTriggers++
}

// IncrementRuleEvalErrors increments the rule-evaluation-error counter
// (rule evaluation errors are silently skipped by the engine, but
// still worth counting for ops visibility).
func (m *Metrics) IncrementRuleEvalErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RuleEvalErrors++
}

// IncrementRequests increments the total-API-requests counter.
func (m *Metrics) IncrementRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRequests++
}

// IncrementErrors increments the total-API-errors counter.
func (m *Metrics) IncrementErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalErrors++
}

// RecordResponseTime folds duration into the moving-average response
// time.
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

// UpdateSystemMetrics refreshes uptime, memory, and goroutine gauges.
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

// GetMetrics returns a JSON-friendly snapshot, the body of
// GET /api/:apikey/diagnostics.
func (m *Metrics) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"pipeline": map[string]interface{}{
			"queue_depth":   m.PipelineQueueDepth,
			"running":       m.PipelineRunning,
			"binding_queue": m.BindingQueueDepth,
			"drops_total":   m.PipelineDrops,
		},
		"rules": map[string]interface{}{
			"total":            m.TotalRules,
			"triggers_total":   m.RuleTriggers,
			"eval_errors_total": m.RuleEvalErrors,
		},
		"registry": map[string]interface{}{
			"lights":  m.TotalLights,
			"sensors": m.TotalSensors,
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
			"error_rate": func() float64 {
				if m.TotalRequests == 0 {
					return 0.0
				}
				return float64(m.TotalErrors) / float64(m.TotalRequests) * 100
			}(),
		},
	}
}

// PrometheusFormat renders the same snapshot as Prometheus text
// exposition format.
func (m *Metrics) PrometheusFormat() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return `# HELP meshgate_pipeline_queue_depth Pipeline ready-queue depth
# TYPE meshgate_pipeline_queue_depth gauge
meshgate_pipeline_queue_depth ` + formatInt64(m.PipelineQueueDepth) + `

# HELP meshgate_pipeline_running Pipeline running-task count
# TYPE meshgate_pipeline_running gauge
meshgate_pipeline_running ` + formatInt64(m.PipelineRunning) + `

# HELP meshgate_binding_queue_depth Binding queue depth
# TYPE meshgate_binding_queue_depth gauge
meshgate_binding_queue_depth ` + formatInt64(m.BindingQueueDepth) + `

# HELP meshgate_pipeline_drops_total Total number of tasks dropped for an unavailable destination
# TYPE meshgate_pipeline_drops_total counter
meshgate_pipeline_drops_total ` + formatInt64(m.PipelineDrops) + `

# HELP meshgate_rules_total Total number of stored rules
# TYPE meshgate_rules_total gauge
meshgate_rules_total ` + formatInt64(m.TotalRules) + `

# HELP meshgate_rule_triggers_total Total number of rule triggers
# TYPE meshgate_rule_triggers_total counter
meshgate_rule_triggers_total ` + formatInt64(m.RuleTriggers) + `

# HELP meshgate_rule_eval_errors_total Total number of rule evaluation errors
# TYPE meshgate_rule_eval_errors_total counter
meshgate_rule_eval_errors_total ` + formatInt64(m.RuleEvalErrors) + `

# HELP meshgate_lights_total Total number of known lights
# TYPE meshgate_lights_total gauge
meshgate_lights_total ` + formatInt64(m.TotalLights) + `

# HELP meshgate_sensors_total Total number of known sensors
# TYPE meshgate_sensors_total gauge
meshgate_sensors_total ` + formatInt64(m.TotalSensors) + `

# HELP meshgate_uptime_seconds Uptime in seconds
# TYPE meshgate_uptime_seconds gauge
meshgate_uptime_seconds ` + formatInt64(m.Uptime) + `

# HELP meshgate_memory_used_bytes Memory used in bytes
# TYPE meshgate_memory_used_bytes gauge
meshgate_memory_used_bytes ` + formatUint64(m.MemoryUsed) + `

# HELP meshgate_goroutines Number of goroutines
# TYPE meshgate_goroutines gauge
meshgate_goroutines ` + formatInt(m.GoroutineCount) + `

# HELP meshgate_api_requests_total Total number of API requests
# TYPE meshgate_api_requests_total counter
meshgate_api_requests_total ` + formatInt64(m.TotalRequests) + `

# HELP meshgate_api_errors_total Total number of API errors
# TYPE meshgate_api_errors_total counter
meshgate_api_errors_total ` + formatInt64(m.TotalErrors) + `

# HELP meshgate_api_response_time_ms Average API response time in milliseconds
# TYPE meshgate_api_response_time_ms gauge
meshgate_api_response_time_ms ` + formatFloat64(m.AvgResponseTime) + `
`
}

// Middleware increments request/error counters and records response
// time for every HTTP request through the fiber app.
func Middleware(m *Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		m.IncrementRequests()

		err := c.Next()

		m.RecordResponseTime(time.Since(start))
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
