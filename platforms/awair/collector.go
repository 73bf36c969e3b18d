package awair

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exposes the latest air data samples as Prometheus gauges.
// It implements prometheus.Collector so readings are scraped without a
// second polling path.
type MetricsCollector struct {
	mu      sync.RWMutex
	devices map[string]deviceSample

	readings    *prometheus.GaugeVec
	lastUpdated *prometheus.GaugeVec
}

type deviceSample struct {
	device Device
	sample *AirData
}

// NewMetricsCollector creates an unregistered collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		devices: make(map[string]deviceSample),
		readings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hearth_awair_reading",
			Help: "Latest Awair reading per device and key.",
		}, []string{"device", "name", "key"}),
		lastUpdated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hearth_awair_last_sample_timestamp_seconds",
			Help: "Timestamp of the latest Awair sample (epoch seconds).",
		}, []string{"device"}),
	}
}

// Record stores a sample for scraping.
func (c *MetricsCollector) Record(device Device, sample *AirData) {
	if sample == nil {
		return
	}
	c.mu.Lock()
	c.devices[device.UUID] = deviceSample{device: device, sample: sample}
	c.mu.Unlock()
}

// Describe implements prometheus.Collector.
func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	c.readings.Describe(ch)
	c.lastUpdated.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	c.readings.Reset()
	c.lastUpdated.Reset()
	for uuid, entry := range c.devices {
		for key, value := range entry.sample.Readings {
			approx, _ := value.Float64()
			c.readings.WithLabelValues(uuid, entry.device.Name, string(key)).Set(approx)
		}
		if !entry.sample.Timestamp.IsZero() {
			c.lastUpdated.WithLabelValues(uuid).Set(float64(entry.sample.Timestamp.Unix()))
		}
	}
	c.mu.RUnlock()
	c.readings.Collect(ch)
	c.lastUpdated.Collect(ch)
}
