// Package telemetry collects launch metrics in memory and flushes them to
// the structured log.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// maxBuffered triggers an early flush.
const maxBuffered = 100

// Metric represents a telemetry metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector buffers metrics until they are flushed
type Collector struct {
	mu      sync.RWMutex
	metrics []Metric
	enabled bool
	flushCh chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewCollector creates a collector. A disabled collector drops everything.
// An enabled one flushes every interval and whenever the buffer fills.
func NewCollector(enabled bool, interval time.Duration) *Collector {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		enabled: enabled,
		flushCh: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	if enabled {
		if interval <= 0 {
			interval = 30 * time.Second
		}
		go c.periodicFlush(interval)
	}
	return c
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels})
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Gauge, Value: value, Labels: labels})
}

// Timer records a duration in milliseconds
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.add(Metric{Name: name, Type: Timer, Value: float64(d.Milliseconds()), Labels: labels, Unit: "ms"})
}

func (c *Collector) add(m Metric) {
	if c == nil || !c.enabled {
		return
	}
	m.Timestamp = time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append(c.metrics, m)
	if len(c.metrics) >= maxBuffered {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// GetMetrics returns a copy of the buffered metrics
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Metric, len(c.metrics))
	copy(result, c.metrics)
	return result
}

// FlushMetrics writes buffered metrics to the log and clears the buffer
func (c *Collector) FlushMetrics() error {
	c.mu.Lock()
	metrics := c.metrics
	c.metrics = nil
	c.mu.Unlock()

	if len(metrics) == 0 {
		return nil
	}
	log.Debug().Int("count", len(metrics)).Msg("Flushing telemetry metrics")
	for _, m := range metrics {
		ev := log.Info().
			Str("name", m.Name).
			Str("type", string(m.Type)).
			Float64("value", m.Value).
			Time("timestamp", m.Timestamp)
		if m.Unit != "" {
			ev = ev.Str("unit", m.Unit)
		}
		ev.Interface("labels", m.Labels).Msg("telemetry_metric")
	}
	return nil
}

func (c *Collector) periodicFlush(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.FlushMetrics()
		case <-c.flushCh:
			_ = c.FlushMetrics()
		}
	}
}

// Shutdown stops the collector and flushes what is left
func (c *Collector) Shutdown() error {
	c.cancel()
	return c.FlushMetrics()
}

// Scope times one phase and records it when ended.
type Scope struct {
	start     time.Time
	name      string
	labels    map[string]string
	collector *Collector
}

// StartScope begins timing name against c.
func (c *Collector) StartScope(name string, labels map[string]string) *Scope {
	return &Scope{start: time.Now(), name: name, labels: labels, collector: c}
}

// End records the elapsed time and returns it
func (s *Scope) End() time.Duration {
	d := time.Since(s.start)
	s.collector.Timer(s.name, d, s.labels)
	return d
}

var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal replaces the global collector
func InitGlobal(enabled bool, interval time.Duration) *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector != nil {
		globalCollector.cancel()
	}
	globalCollector = NewCollector(enabled, interval)
	return globalCollector
}

// GetGlobal returns the global collector, a disabled one until InitGlobal
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false, 0)
	}
	return globalCollector
}

// CounterGlobal increments a counter using the global collector
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// TimerGlobal records a timer using the global collector
func TimerGlobal(name string, d time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, d, labels)
}

// Shutdown shuts down the global collector
func Shutdown() error {
	return GetGlobal().Shutdown()
}
