package simulator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/miretskiy/nvmesim/blockio"
	"github.com/miretskiy/nvmesim/device"
	"github.com/miretskiy/nvmesim/dma"
	"github.com/miretskiy/nvmesim/engine"
	"github.com/miretskiy/nvmesim/internal/logging"
	"github.com/miretskiy/nvmesim/nvme"
	"github.com/miretskiy/nvmesim/workload"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle of a simulation run.
type State int32

const (
	StateCreated  State = iota // built, nothing scheduled
	StateBringUp               // driver initializing the controller
	StateRunning               // workload issuing requests
	StateDraining              // workload done, driver shutting down
	StateFinished              // everything completed
	StateStopped               // halted by Stop or context cancellation
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBringUp:
		return "bring_up"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateFinished:
		return "finished"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// stepBatch is the number of events processed per lock acquisition in Run.
const stepBatch = 4096

// Simulator owns one simulation: the engine, host memory, the driver stack
// and the workload. Nothing is shared between simulators.
//
// Run and Step execute on the caller's goroutine. Now, Progress, Statistics,
// Metrics, State and Stop may be called from any goroutine.
type Simulator struct {
	id  uuid.UUID
	cfg SimConfig
	l   *logrus.Logger

	mu    sync.Mutex // held while events execute
	eng   *engine.Engine
	mem   *dma.Memory
	ctrl  *device.Controller
	drv   *nvme.Driver
	null  *blockio.NullDriver
	layer *blockio.Layer
	gen   *workload.Random
	llog  *blockio.LatencyLog

	state   atomic.Int32
	readyAt engine.Tick

	// Event logging callback (optional, for UI/debugging)
	LogEvent func(msg string)
}

// NewSimulator validates cfg and builds every component. A nil logger
// discards output.
func NewSimulator(cfg SimConfig, l *logrus.Logger) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		l = logging.Discard()
	}

	s := &Simulator{
		id:  uuid.New(),
		cfg: cfg,
		l:   l,
		eng: engine.New(l),
		mem: dma.NewMemory(cfg.PageSize, l),
	}

	var drv blockio.Driver
	switch cfg.Driver {
	case DriverNVMe:
		s.ctrl = device.NewController(cfg.Device, s.eng, s.mem, nil, l)
		s.drv = nvme.NewDriver(cfg.NVMe, s.eng, s.mem, s.ctrl, l)
		drv = s.drv
	case DriverNone:
		geo := blockio.Geometry{BlockSize: cfg.Device.BlockSize, Capacity: cfg.Device.Capacity}
		s.null = blockio.NewNullDriver(s.eng, geo, cfg.NullLatency)
		drv = s.null
	}

	s.layer = blockio.NewLayer(s.eng, drv, l)
	s.gen = workload.NewRandom(cfg.Workload, l)
	if err := s.layer.Initialize(cfg.BlockIO, s.gen.OnComplete); err != nil {
		return nil, ErrInvalidConfig(err.Error())
	}

	l.WithFields(logrus.Fields{
		"id":     s.id,
		"driver": cfg.Driver,
		"depth":  cfg.BlockIO.MaxDepth,
	}).Info("simulator created")
	return s, nil
}

// ID identifies this run.
func (s *Simulator) ID() uuid.UUID { return s.id }

// Config returns the configuration the simulator was built with.
func (s *Simulator) Config() SimConfig { return s.cfg }

// State returns the lifecycle state.
func (s *Simulator) State() State { return State(s.state.Load()) }

func (s *Simulator) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	s.logEvent("[t=%s] %s -> %s", engine.FormatTick(s.eng.Now()), old, st)
}

// Now returns the current virtual time.
func (s *Simulator) Now() engine.Tick { return s.eng.Now() }

// ReadyAt returns the tick at which the workload started. It is zero until
// bring-up completes.
func (s *Simulator) ReadyAt() engine.Tick { return s.readyAt }

// SetLatencyLog appends a line per completed request to w. Call before Run.
func (s *Simulator) SetLatencyLog(w io.Writer) {
	s.llog = blockio.NewLatencyLog(w)
	s.layer.SetLatencyLog(s.llog)
}

// FlushLatencyLog writes any buffered latency log lines.
func (s *Simulator) FlushLatencyLog() error {
	if s.llog == nil {
		return nil
	}
	return s.llog.Flush()
}

// Progress returns throughput and latency since the previous call and
// resets the period.
func (s *Simulator) Progress() blockio.Progress { return s.layer.Progress() }

// Statistics returns the block layer's cumulative statistics.
func (s *Simulator) Statistics() blockio.Statistics { return s.layer.Statistics() }

// PrintStats logs the cumulative statistics.
func (s *Simulator) PrintStats() { s.layer.PrintStats() }

// Metrics returns a snapshot of every component. It waits for the running
// batch of events to finish.
func (s *Simulator) Metrics() *Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.eng.Now()
	m := &Metrics{
		ID:         s.id.String(),
		Timestamp:  now,
		Elapsed:    engine.FormatTick(now),
		State:      s.State().String(),
		Statistics: s.layer.Statistics(),
		Workload:   s.gen.Stats(),
		Engine:     s.eng.Stats(),
		Memory:     s.mem.Stats(),
	}
	if s.drv != nil {
		ds := s.drv.Stats()
		cs := s.ctrl.Stats()
		m.Driver, m.Device = &ds, &cs
		m.DriverState = s.drv.State().String()
	}
	return m
}

// Start schedules bring-up. Run and Step call it on first use.
func (s *Simulator) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start()
}

func (s *Simulator) start() {
	if s.State() != StateCreated {
		return
	}
	s.setState(StateBringUp)
	if s.drv != nil {
		s.drv.Start(s.onReady)
		return
	}
	s.onReady()
}

func (s *Simulator) onReady() {
	s.readyAt = s.eng.Now()
	s.setState(StateRunning)
	s.gen.Init(s.layer, s.onWorkloadDone)
	s.gen.Start()
}

func (s *Simulator) onWorkloadDone() {
	s.setState(StateDraining)
	if s.drv != nil {
		s.drv.Shutdown(s.finish)
		return
	}
	s.finish()
}

func (s *Simulator) finish() {
	if leaks := s.mem.LogLeaks(); leaks > 0 {
		s.l.WithField("regions", leaks).Warn("dma regions still allocated at end of run")
	}
	s.setState(StateFinished)
	s.eng.Stop()
}

// Step executes up to n events and returns how many ran.
func (s *Simulator) Step(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start()
	done := 0
	for done < n && s.eng.DoNextEvent() {
		done++
	}
	return done
}

// Run executes events until the workload finishes, virtual time would pass
// until (0 means no limit), Stop is called or ctx is cancelled. It returns
// ErrFinished when the workload completed, ctx.Err() on cancellation and nil
// when it stopped at the time limit or by Stop.
func (s *Simulator) Run(ctx context.Context, until engine.Tick) error {
	if until == 0 {
		until = engine.MaxTick
	}
	s.Start()
	for {
		if err := ctx.Err(); err != nil {
			s.halt("context cancelled")
			return err
		}
		more := s.runBatch(until)
		switch s.State() {
		case StateFinished:
			return ErrFinished
		case StateStopped:
			return nil
		}
		if !more {
			if s.eng.Pending() == 0 {
				return SimError{Message: fmt.Sprintf("event queue drained in state %s", s.State())}
			}
			return nil
		}
	}
}

// runBatch reports whether events remain before until.
func (s *Simulator) runBatch(until engine.Tick) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < stepBatch; i++ {
		if s.eng.NextTick() > until {
			return false
		}
		if !s.eng.DoNextEvent() {
			return false
		}
	}
	return true
}

// Stop halts the simulation after the event currently executing.
func (s *Simulator) Stop() {
	s.halt("stop requested")
}

func (s *Simulator) halt(reason string) {
	s.eng.Stop()
	for {
		cur := s.state.Load()
		if State(cur) == StateFinished || State(cur) == StateStopped {
			return
		}
		if s.state.CompareAndSwap(cur, int32(StateStopped)) {
			s.logEvent("[t=%s] %s -> %s (%s)", engine.FormatTick(s.eng.Now()), State(cur), StateStopped, reason)
			return
		}
	}
}

// logEvent sends a log message to the logger and the UI (if callback is set)
func (s *Simulator) logEvent(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.l.Debug(msg)
	if s.LogEvent != nil {
		s.LogEvent(msg)
	}
}
