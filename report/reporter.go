// Package report samples a running simulation on a wall-clock interval. It
// only reads the simulation: progress counters are read-and-reset, every
// other value is a snapshot.
package report

import (
	"context"
	"sync"
	"time"

	"github.com/miretskiy/nvmesim/blockio"
	"github.com/miretskiy/nvmesim/engine"
	"github.com/miretskiy/nvmesim/internal/logging"
	"github.com/sirupsen/logrus"
)

// Source is the part of a simulation the reporter reads.
type Source interface {
	Now() engine.Tick
	Progress() blockio.Progress
	Statistics() blockio.Statistics
}

// Snapshot is one sample.
type Snapshot struct {
	Wall       time.Time          `json:"wall"`
	Elapsed    string             `json:"elapsed"` // virtual time
	Progress   blockio.Progress   `json:"progress"`
	Statistics blockio.Statistics `json:"statistics"`
}

// subscriberBuffer is how many snapshots a slow subscriber may fall behind
// before samples are dropped for it.
const subscriberBuffer = 16

// Reporter periodically samples a Source, logs a status line, updates an
// optional Prometheus collector and fans snapshots out to subscribers.
type Reporter struct {
	src       Source
	interval  time.Duration
	collector *Collector
	l         *logrus.Logger

	mu      sync.Mutex
	subs    map[chan Snapshot]struct{}
	dropped uint64
}

// NewReporter creates a reporter. A nil logger discards status lines.
func NewReporter(src Source, interval time.Duration, l *logrus.Logger) *Reporter {
	if l == nil {
		l = logging.Discard()
	}
	return &Reporter{
		src:      src,
		interval: interval,
		l:        l,
		subs:     make(map[chan Snapshot]struct{}),
	}
}

// SetCollector exports every sample through c.
func (r *Reporter) SetCollector(c *Collector) {
	r.collector = c
}

// Subscribe returns a channel of snapshots and a function that cancels the
// subscription. Snapshots are dropped for subscribers that do not keep up.
func (r *Reporter) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ch)
			r.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped returns how many snapshots were not delivered to slow subscribers.
func (r *Reporter) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Run samples every interval until ctx is done, then takes a final sample.
func (r *Reporter) Run(ctx context.Context) error {
	if r.interval <= 0 {
		<-ctx.Done()
		r.Sample()
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Sample()
			return nil
		case <-ticker.C:
			r.Sample()
		}
	}
}

// Sample takes one snapshot and distributes it.
func (r *Reporter) Sample() Snapshot {
	p := r.src.Progress()
	s := Snapshot{
		Wall:       time.Now(),
		Elapsed:    engine.FormatTick(r.src.Now()),
		Progress:   p,
		Statistics: r.src.Statistics(),
	}

	r.l.WithFields(logrus.Fields{
		"elapsed":  s.Elapsed,
		"iops":     int64(p.IOPS),
		"mibps":    p.Bandwidth / (1 << 20),
		"latency":  engine.FormatTick(engine.Tick(p.AvgLatency)),
		"inflight": p.InFlight,
	}).Info("progress")

	if r.collector != nil {
		r.collector.Observe(s)
	}

	r.mu.Lock()
	for ch := range r.subs {
		select {
		case ch <- s:
		default:
			r.dropped++
		}
	}
	r.mu.Unlock()
	return s
}
