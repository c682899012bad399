package report

import (
	"net/http"

	"github.com/miretskiy/nvmesim/engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exports samples as Prometheus metrics on its own registry.
type Collector struct {
	reg *prometheus.Registry

	iops        prometheus.Gauge
	bandwidth   prometheus.Gauge
	avgLatency  prometheus.Gauge
	p50Latency  prometheus.Gauge
	p99Latency  prometheus.Gauge
	inFlight    prometheus.Gauge
	virtualTime prometheus.Gauge
	rejected    prometheus.Gauge
	ios         prometheus.Counter
	bytes       prometheus.Counter
}

// NewCollector creates a collector. runID is attached as a constant label.
func NewCollector(runID string) *Collector {
	labels := prometheus.Labels{"run": runID}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nvmesim", Name: name, Help: help, ConstLabels: labels,
		})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvmesim", Name: name, Help: help, ConstLabels: labels,
		})
	}

	c := &Collector{
		reg:         prometheus.NewRegistry(),
		iops:        gauge("iops", "Completed requests per virtual second over the last sample"),
		bandwidth:   gauge("bandwidth_bytes_per_second", "Bytes per virtual second over the last sample"),
		avgLatency:  gauge("latency_avg_seconds", "Average request latency over the last sample"),
		p50Latency:  gauge("latency_p50_seconds", "Median request latency since start"),
		p99Latency:  gauge("latency_p99_seconds", "99th percentile request latency since start"),
		inFlight:    gauge("inflight_requests", "Requests admitted but not yet reported"),
		virtualTime: gauge("virtual_time_seconds", "Current virtual time"),
		rejected:    gauge("rejected_requests", "Submissions refused at max depth since start"),
		ios:         counter("requests_total", "Completed requests"),
		bytes:       counter("bytes_total", "Completed bytes"),
	}
	c.reg.MustRegister(
		c.iops, c.bandwidth, c.avgLatency, c.p50Latency, c.p99Latency,
		c.inFlight, c.virtualTime, c.rejected, c.ios, c.bytes,
	)
	return c
}

func seconds(t float64) float64 { return t / float64(engine.Second) }

// Observe updates every metric from one snapshot.
func (c *Collector) Observe(s Snapshot) {
	p, st := s.Progress, s.Statistics
	c.iops.Set(p.IOPS)
	c.bandwidth.Set(p.Bandwidth)
	c.avgLatency.Set(seconds(p.AvgLatency))
	c.inFlight.Set(float64(p.InFlight))
	c.virtualTime.Set(seconds(float64(p.Tick)))
	c.p50Latency.Set(seconds(st.P50Latency))
	c.p99Latency.Set(seconds(st.P99Latency))
	c.rejected.Set(float64(st.Rejected))
	c.ios.Add(float64(p.IOs))
	c.bytes.Add(float64(p.Bytes))
}

// Registry returns the registry the metrics live in.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}
