package blockio

import (
	"fmt"

	"github.com/miretskiy/nvmesim/engine"
	"github.com/miretskiy/nvmesim/internal/logging"
	"github.com/sirupsen/logrus"
)

// Config is the admission and latency model of a Layer.
type Config struct {
	MaxDepth          int         `json:"maxDepth" yaml:"maxDepth"`
	SubmissionLatency engine.Tick `json:"submissionLatency" yaml:"submissionLatency"`
	CompletionLatency engine.Tick `json:"completionLatency" yaml:"completionLatency"`
}

// DefaultConfig returns a queue depth of 32 with 1us of latency on each side.
func DefaultConfig() Config {
	return Config{
		MaxDepth:          32,
		SubmissionLatency: engine.Microsecond,
		CompletionLatency: engine.Microsecond,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxDepth <= 0 {
		return fmt.Errorf("max depth must be > 0, got %d", c.MaxDepth)
	}
	return nil
}

// CompletionFunc is called once per request after its completion latency.
type CompletionFunc func(r *Request)

// Layer admits requests up to a depth limit, delays them by the submission
// latency, hands them to a driver, and delays completions by the completion
// latency before reporting them.
//
// Requests move Submitted -> Dispatched -> Completed. Submitted and Completed
// are FIFOs; Dispatched is keyed by tag because devices may complete out of
// order.
type Layer struct {
	cfg        Config
	eng        *engine.Engine
	drv        Driver
	onComplete CompletionFunc
	log        *LatencyLog
	l          *logrus.Logger

	geometry Geometry

	submitted  []*Request
	dispatched map[uint64]*Request
	completed  []*Request
	nextTag    uint64

	dispatchEv engine.Event
	completeEv engine.Event

	stats *stats
}

// NewLayer creates a layer in front of drv.
func NewLayer(eng *engine.Engine, drv Driver, l *logrus.Logger) *Layer {
	if l == nil {
		l = logging.Discard()
	}
	b := &Layer{
		eng:        eng,
		drv:        drv,
		l:          l,
		dispatched: make(map[uint64]*Request),
		stats:      newStats(),
	}
	b.dispatchEv = eng.CreateEvent("blockio.dispatch", b.dispatch)
	b.completeEv = eng.CreateEvent("blockio.complete", b.complete)
	return b
}

// Initialize configures the layer and attaches it to the driver. It must run
// before any request is submitted.
func (b *Layer) Initialize(cfg Config, fn CompletionFunc) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b.cfg = cfg
	b.onComplete = fn
	b.drv.Attach(b)
	b.stats.periodStart = b.eng.Now()
	return nil
}

// SetLatencyLog enables the per-request latency log.
func (b *Layer) SetLatencyLog(log *LatencyLog) {
	b.log = log
}

// Geometry returns the device geometry reported by the driver.
func (b *Layer) Geometry() Geometry {
	if b.geometry.BlockSize == 0 {
		b.geometry = b.drv.Geometry()
	}
	return b.geometry
}

// InFlight returns the number of admitted requests not yet reported.
func (b *Layer) InFlight() int {
	return len(b.submitted) + len(b.dispatched) + len(b.completed)
}

// Depths returns the length of each stage.
func (b *Layer) Depths() (submitted, dispatched, completed int) {
	return len(b.submitted), len(b.dispatched), len(b.completed)
}

// SubmitRequest admits a request. It returns false without changing any state
// when MaxDepth requests are already in flight. Offsets and lengths are
// aligned to the block size and offsets beyond capacity wrap around; both
// are logged as warnings.
func (b *Layer) SubmitRequest(t RequestType, offset, length uint64) bool {
	if length == 0 {
		engine.Fatalf(engine.FatalInvalidRequest, "zero length %s at offset %d", t, offset)
	}
	if b.InFlight() >= b.cfg.MaxDepth {
		b.stats.reject()
		return false
	}

	geo := b.Geometry()
	if geo.BlockSize == 0 || geo.Capacity == 0 {
		engine.Fatalf(engine.FatalProtocol, "submit before the driver reported a geometry")
	}
	offset, length = b.normalize(t, offset, length, geo)

	now := b.eng.Now()
	r := &Request{
		Tag:        b.nextTag,
		Type:       t,
		Offset:     offset,
		Length:     length,
		SubmitTime: now,
	}
	b.nextTag++
	b.submitted = append(b.submitted, r)
	b.stats.setInFlight(b.InFlight())

	if !b.eng.IsScheduled(b.dispatchEv) {
		b.eng.Schedule(b.dispatchEv, 0, now+b.cfg.SubmissionLatency)
	}
	return true
}

func (b *Layer) normalize(t RequestType, offset, length uint64, geo Geometry) (uint64, uint64) {
	bs := geo.BlockSize
	aligned := offset / bs * bs
	end := (offset + length + bs - 1) / bs * bs
	if aligned != offset || end-aligned != length {
		b.stats.warn()
		b.l.WithFields(logrus.Fields{"type": t, "offset": offset, "length": length, "blockSize": bs}).
			Warn("unaligned request rounded to block boundaries")
	}
	offset, length = aligned, end-aligned

	if offset >= geo.Capacity {
		wrapped := offset % geo.Capacity
		b.stats.warn()
		b.l.WithFields(logrus.Fields{"type": t, "offset": offset, "wrapped": wrapped, "capacity": geo.Capacity}).
			Warn("offset beyond capacity wrapped")
		offset = wrapped
	}
	if offset+length > geo.Capacity {
		b.stats.warn()
		b.l.WithFields(logrus.Fields{"type": t, "offset": offset, "length": length, "capacity": geo.Capacity}).
			Warn("request truncated at end of device")
		length = geo.Capacity - offset
	}
	return offset, length
}

// dispatch hands the oldest submitted request to the driver and re-arms for
// the next one.
func (b *Layer) dispatch(now engine.Tick, _ uint64) {
	if len(b.submitted) == 0 {
		return
	}
	r := b.submitted[0]
	b.submitted[0] = nil
	b.submitted = b.submitted[1:]

	r.DispatchTime = now
	b.dispatched[r.Tag] = r
	if len(b.submitted) > 0 {
		next := b.submitted[0].SubmitTime + b.cfg.SubmissionLatency
		b.eng.Schedule(b.dispatchEv, 0, max(now, next))
	}
	if b.l.IsLevelEnabled(logrus.TraceLevel) {
		b.l.WithFields(logrus.Fields{"tag": r.Tag, "offset": r.Offset, "tick": now}).Trace("dispatch")
	}
	b.drv.Submit(r)
}

// PostCompletion implements Completer. A tag that is not dispatched is fatal.
func (b *Layer) PostCompletion(tag uint64) any {
	r, ok := b.dispatched[tag]
	if !ok {
		engine.Fatalf(engine.FatalCausality, "completion for unknown tag %d", tag)
	}
	delete(b.dispatched, tag)

	now := b.eng.Now()
	r.CompleteTime = now
	b.completed = append(b.completed, r)
	if !b.eng.IsScheduled(b.completeEv) {
		b.eng.Schedule(b.completeEv, 0, now+b.cfg.CompletionLatency)
	}

	data := r.DriverData
	r.DriverData = nil
	return data
}

// complete reports the oldest completed request and re-arms for the next.
func (b *Layer) complete(now engine.Tick, _ uint64) {
	if len(b.completed) == 0 {
		return
	}
	r := b.completed[0]
	b.completed[0] = nil
	b.completed = b.completed[1:]

	if len(b.completed) > 0 {
		next := b.completed[0].CompleteTime + b.cfg.CompletionLatency
		b.eng.Schedule(b.completeEv, 0, max(now, next))
	}

	b.stats.record(r, r.Latency(now))
	b.stats.setInFlight(b.InFlight())
	if b.log != nil {
		b.log.Record(now, r)
	}
	if b.onComplete != nil {
		b.onComplete(r)
	}
}

// Progress returns throughput and latency since the previous call and resets
// the period. Safe to call from any goroutine.
func (b *Layer) Progress() Progress {
	return b.stats.progress(b.eng.Now())
}

// Statistics returns cumulative statistics. Safe to call from any goroutine.
func (b *Layer) Statistics() Statistics {
	return b.stats.statistics()
}

// PrintStats logs the cumulative statistics.
func (b *Layer) PrintStats() {
	st := b.Statistics()
	b.l.WithFields(logrus.Fields{
		"count":    st.Count,
		"bytes":    st.Bytes,
		"rejected": st.Rejected,
		"min":      engine.FormatTick(st.MinLatency),
		"max":      engine.FormatTick(st.MaxLatency),
		"avg":      engine.FormatTick(engine.Tick(st.AvgLatency)),
		"stddev":   engine.FormatTick(engine.Tick(st.StdDevLatency)),
		"p99":      engine.FormatTick(engine.Tick(st.P99Latency)),
	}).Info("block io statistics")
	for name, ts := range st.PerType {
		b.l.WithFields(logrus.Fields{
			"type":  name,
			"count": ts.Count,
			"bytes": ts.Bytes,
			"avg":   engine.FormatTick(engine.Tick(ts.AvgLatency)),
		}).Info("block io statistics by type")
	}
}
