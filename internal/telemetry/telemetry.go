package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Timer   MetricType = "timer"
)

// Metric is one recorded measurement.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
}

// Collector accumulates metrics in memory until flushed.
type Collector struct {
	mu      sync.Mutex
	metrics []Metric
	enabled bool
}

// NewCollector creates a collector. A disabled collector drops everything.
func NewCollector(enabled bool) *Collector {
	return &Collector{enabled: enabled}
}

// Counter records a counter increment.
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.record(Metric{Name: name, Type: Counter, Value: value, Labels: labels, Timestamp: time.Now()})
}

// Timer records a duration in milliseconds.
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.record(Metric{Name: name, Type: Timer, Value: float64(d.Milliseconds()), Labels: labels, Timestamp: time.Now()})
}

func (c *Collector) record(m Metric) {
	if c == nil || !c.enabled {
		return
	}
	c.mu.Lock()
	c.metrics = append(c.metrics, m)
	c.mu.Unlock()
}

// Flush logs and clears all accumulated metrics.
func (c *Collector) Flush() {
	c.mu.Lock()
	batch := c.metrics
	c.metrics = nil
	c.mu.Unlock()
	for _, m := range batch {
		log.Debug().
			Str("metric", m.Name).
			Str("type", string(m.Type)).
			Float64("value", m.Value).
			Fields(map[string]interface{}{"labels": m.Labels}).
			Msg("telemetry")
	}
}

// Snapshot returns a copy of the accumulated metrics.
func (c *Collector) Snapshot() []Metric {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Metric, len(c.metrics))
	copy(out, c.metrics)
	return out
}

var (
	globalMu sync.RWMutex
	global   = NewCollector(false)
)

// SetGlobal installs the process-wide collector.
func SetGlobal(c *Collector) {
	globalMu.Lock()
	global = c
	globalMu.Unlock()
}

// CounterGlobal records a counter on the process-wide collector.
func CounterGlobal(name string, value float64, labels map[string]string) {
	globalMu.RLock()
	c := global
	globalMu.RUnlock()
	c.Counter(name, value, labels)
}

// TimerGlobal records a timer on the process-wide collector.
func TimerGlobal(name string, d time.Duration, labels map[string]string) {
	globalMu.RLock()
	c := global
	globalMu.RUnlock()
	c.Timer(name, d, labels)
}
