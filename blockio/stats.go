package blockio

import (
	"fmt"
	"math"
	"sync"

	"github.com/miretskiy/nvmesim/engine"
	metrics "github.com/rcrowley/go-metrics"
)

// accum is a running latency/throughput aggregate.
type accum struct {
	count uint64
	bytes uint64
	min   engine.Tick
	max   engine.Tick
	sum   float64
	sumSq float64
}

func (a *accum) add(bytes uint64, lat engine.Tick) {
	if a.count == 0 || lat < a.min {
		a.min = lat
	}
	if lat > a.max {
		a.max = lat
	}
	a.count++
	a.bytes += bytes
	f := float64(lat)
	a.sum += f
	a.sumSq += f * f
}

func (a *accum) avg() float64 {
	if a.count == 0 {
		return 0
	}
	return a.sum / float64(a.count)
}

func (a *accum) stddev() float64 {
	if a.count < 2 {
		return 0
	}
	mean := a.avg()
	v := a.sumSq/float64(a.count) - mean*mean
	if v < 0 {
		return 0
	}
	return math.Sqrt(v)
}

// TypeStatistics summarizes one request type.
type TypeStatistics struct {
	Count         uint64      `json:"count"`
	Bytes         uint64      `json:"bytes"`
	MinLatency    engine.Tick `json:"minLatency"`
	MaxLatency    engine.Tick `json:"maxLatency"`
	AvgLatency    float64     `json:"avgLatency"`
	StdDevLatency float64     `json:"stdDevLatency"`
}

func (a *accum) summary() TypeStatistics {
	return TypeStatistics{
		Count:         a.count,
		Bytes:         a.bytes,
		MinLatency:    a.min,
		MaxLatency:    a.max,
		AvgLatency:    a.avg(),
		StdDevLatency: a.stddev(),
	}
}

// Statistics is the cumulative summary of a run. Latencies are in ticks.
type Statistics struct {
	TypeStatistics
	Rejected   uint64                    `json:"rejected"`
	Warnings   uint64                    `json:"warnings"` // normalized offsets or lengths
	P50Latency float64                   `json:"p50Latency"`
	P99Latency float64                   `json:"p99Latency"`
	PerType    map[string]TypeStatistics `json:"perType"`
}

// Progress is the activity since the previous Progress call.
type Progress struct {
	Tick       engine.Tick `json:"tick"`
	Interval   engine.Tick `json:"interval"`
	IOs        uint64      `json:"ios"`
	Bytes      uint64      `json:"bytes"`
	IOPS       float64     `json:"iops"`
	Bandwidth  float64     `json:"bandwidth"` // bytes per second
	AvgLatency float64     `json:"avgLatency"`
	InFlight   int         `json:"inFlight"`
}

func (p Progress) String() string {
	return fmt.Sprintf("tick %s: %.0f IOPS, %.2f MiB/s, avg latency %s, %d in flight",
		engine.FormatTick(p.Tick), p.IOPS, p.Bandwidth/(1<<20),
		engine.FormatTick(engine.Tick(p.AvgLatency)), p.InFlight)
}

// stats is written by the simulation goroutine and read by reporters. One
// mutex guards every accumulator.
type stats struct {
	mu          sync.Mutex
	total       accum
	perType     [numRequestTypes]accum
	period      accum
	periodStart engine.Tick
	rejected    uint64
	warnings    uint64
	inFlight    int

	registry metrics.Registry
	latency  metrics.Histogram
	requests [numRequestTypes]metrics.Counter
}

func newStats() *stats {
	s := &stats{registry: metrics.NewRegistry()}
	s.latency = metrics.NewRegisteredHistogram("blockio.latency", s.registry, metrics.NewExpDecaySample(1028, 0.015))
	for t := RequestType(0); t < numRequestTypes; t++ {
		s.requests[t] = metrics.NewRegisteredCounter("blockio.requests."+t.String(), s.registry)
	}
	return s
}

func (s *stats) record(r *Request, lat engine.Tick) {
	s.mu.Lock()
	s.total.add(r.Length, lat)
	s.perType[r.Type].add(r.Length, lat)
	s.period.add(r.Length, lat)
	s.mu.Unlock()

	s.latency.Update(int64(lat))
	s.requests[r.Type].Inc(1)
}

func (s *stats) reject() {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
}

func (s *stats) warn() {
	s.mu.Lock()
	s.warnings++
	s.mu.Unlock()
}

func (s *stats) setInFlight(n int) {
	s.mu.Lock()
	s.inFlight = n
	s.mu.Unlock()
}

// progress returns the period counters and starts a new period at now.
func (s *stats) progress(now engine.Tick) Progress {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Progress{
		Tick:       now,
		Interval:   now - s.periodStart,
		IOs:        s.period.count,
		Bytes:      s.period.bytes,
		AvgLatency: s.period.avg(),
		InFlight:   s.inFlight,
	}
	if p.Interval > 0 {
		secs := float64(p.Interval) / float64(engine.Second)
		p.IOPS = float64(p.IOs) / secs
		p.Bandwidth = float64(p.Bytes) / secs
	}
	s.period = accum{}
	s.periodStart = now
	return p
}

func (s *stats) statistics() Statistics {
	s.mu.Lock()
	st := Statistics{
		TypeStatistics: s.total.summary(),
		Rejected:       s.rejected,
		Warnings:       s.warnings,
		PerType:        make(map[string]TypeStatistics, numRequestTypes),
	}
	for t := RequestType(0); t < numRequestTypes; t++ {
		if s.perType[t].count > 0 {
			st.PerType[t.String()] = s.perType[t].summary()
		}
	}
	s.mu.Unlock()

	snap := s.latency.Snapshot()
	ps := snap.Percentiles([]float64{0.5, 0.99})
	st.P50Latency, st.P99Latency = ps[0], ps[1]
	return st
}
