package simulator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/miretskiy/nvmesim/engine"
	"github.com/miretskiy/nvmesim/workload"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// endToEndConfig is four 4 KiB reads against a device with a fixed
// 1000-tick service time, 100 ticks of submission latency and 50 of
// completion latency.
func endToEndConfig() SimConfig {
	cfg := DefaultConfig()
	cfg.BlockIO.MaxDepth = 4
	cfg.BlockIO.SubmissionLatency = 100
	cfg.BlockIO.CompletionLatency = 50
	cfg.Device.ServiceLatency = 1000
	cfg.Device.Capacity = 1 << 24
	cfg.Workload = workload.DefaultConfig()
	cfg.Workload.ReadRatio = 1
	cfg.Workload.Requests = 4
	cfg.Workload.QueueDepth = 4
	return cfg
}

func TestEndToEndThroughNVMe(t *testing.T) {
	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)

	sim, err := NewSimulator(endToEndConfig(), l)
	require.NoError(t, err)
	var events []string
	sim.LogEvent = func(msg string) { events = append(events, msg) }
	var out bytes.Buffer
	sim.SetLatencyLog(&out)

	require.ErrorIs(t, sim.Run(context.Background(), 0), ErrFinished)
	require.NoError(t, sim.FlushLatencyLog())
	require.Equal(t, StateFinished, sim.State())

	t0 := sim.ReadyAt()
	require.NotZero(t, t0, "bring-up takes virtual time")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	for _, line := range lines {
		fields := strings.Split(line, ",")
		require.Len(t, fields, 5)
		tick, err := strconv.ParseUint(fields[0], 10, 64)
		require.NoError(t, err)
		require.Equal(t, t0+1150, tick)
		require.Equal(t, "read", fields[1])
		require.Equal(t, "4096", fields[3])
		require.Equal(t, "1150", fields[4])
	}

	st := sim.Statistics()
	require.Equal(t, uint64(4), st.Count)
	require.Equal(t, engine.Tick(1150), st.MinLatency)
	require.Equal(t, engine.Tick(1150), st.MaxLatency)
	require.InDelta(t, 1150, st.AvgLatency, 1e-9)

	m := sim.Metrics()
	require.Equal(t, "finished", m.State)
	require.Equal(t, "shutdown", m.DriverState)
	require.Equal(t, uint64(4), m.Device.Reads)
	require.Equal(t, uint64(0), m.Device.Backend["flushes"])
	require.Equal(t, uint64(4), m.Workload.Completed)
	require.Zero(t, m.Memory.LiveRegions)
	require.Zero(t, m.Driver.Pending)

	require.Contains(t, events, "[t="+engine.FormatTick(t0)+"] bring_up -> running")
	for _, e := range hook.AllEntries() {
		require.GreaterOrEqual(t, e.Level, logrus.InfoLevel, "unexpected %s: %s", e.Level, e.Message)
	}
}

func TestTransfersBeyondMaxTransferSplit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workload.ReadRatio = 1
	cfg.Workload.MinBlocks = 64 // 256 KiB, twice the default controller limit
	cfg.Workload.MaxBlocks = 64
	cfg.Workload.Requests = 8
	require.NoError(t, cfg.Validate())

	sim, err := NewSimulator(cfg, nil)
	require.NoError(t, err)
	require.ErrorIs(t, sim.Run(context.Background(), 0), ErrFinished)

	m := sim.Metrics()
	require.Equal(t, uint64(8), m.Statistics.Count)
	require.Equal(t, uint64(8*256<<10), m.Statistics.Bytes)
	require.Equal(t, uint64(16), m.Device.Reads)
	require.Equal(t, uint64(8), m.Driver.Split)
	require.Zero(t, m.Driver.Errors)
	require.Zero(t, m.Memory.LiveRegions)
}

func TestNullDriverRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Driver = DriverNone
	cfg.NullLatency = 5 * engine.Microsecond
	cfg.Workload.Requests = 1000
	cfg.Workload.MaxBlocks = 8
	cfg.Workload.FlushEvery = 16

	sim, err := NewSimulator(cfg, nil)
	require.NoError(t, err)
	require.ErrorIs(t, sim.Run(context.Background(), 0), ErrFinished)

	m := sim.Metrics()
	require.Equal(t, uint64(1000), m.Statistics.Count)
	require.Equal(t, uint64(1000), m.Workload.Completed)
	require.Nil(t, m.Driver)
	require.Nil(t, m.Device)
	require.Positive(t, m.Statistics.PerType["flush"].Count)
	// 1us submission + 5us device + 1us completion
	require.Equal(t, 7*engine.Microsecond, m.Statistics.MinLatency)
}

func TestRunStopsAtTimeLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workload.Requests = 0 // unbounded
	cfg.Device.Backend = "null"

	sim, err := NewSimulator(cfg, nil)
	require.NoError(t, err)

	limit := engine.Millisecond
	require.NoError(t, sim.Run(context.Background(), limit))
	require.LessOrEqual(t, sim.Now(), limit)
	require.Equal(t, StateRunning, sim.State())
	first := sim.Statistics().Count
	require.Positive(t, first)

	require.NoError(t, sim.Run(context.Background(), 2*limit))
	require.Greater(t, sim.Statistics().Count, first)

	sim.Stop()
	require.Equal(t, StateStopped, sim.State())
	require.NoError(t, sim.Run(context.Background(), 0))
	require.Zero(t, sim.Step(10))
}

func TestRunHonorsContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workload.Requests = 0
	cfg.Device.Backend = "null"

	sim, err := NewSimulator(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, sim.Run(ctx, 0), context.DeadlineExceeded)
	require.Equal(t, StateStopped, sim.State())
}

func TestStepAndConcurrentReaders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Device.Backend = "null"
	sim, err := NewSimulator(cfg, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = sim.Now()
			_ = sim.Progress()
			_ = sim.Metrics()
		}
	}()

	var last engine.Tick
	for i := 0; i < 200; i++ {
		require.Equal(t, 10, sim.Step(10))
		require.GreaterOrEqual(t, sim.Now(), last)
		last = sim.Now()
	}
	<-done
}

func TestMetricsClone(t *testing.T) {
	cfg := endToEndConfig()
	sim, err := NewSimulator(cfg, nil)
	require.NoError(t, err)
	require.ErrorIs(t, sim.Run(context.Background(), 0), ErrFinished)

	m := sim.Metrics()
	c := m.Clone()
	c.Device.Reads = 99
	c.Device.Backend["flushes"] = uint64(99)
	c.Statistics.PerType["read"] = c.Statistics.PerType["write"]
	require.Equal(t, uint64(4), m.Device.Reads)
	require.Equal(t, uint64(4), m.Statistics.PerType["read"].Count)
	require.NotEmpty(t, sim.ID().String())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*SimConfig)
	}{
		{"page size", func(c *SimConfig) { c.PageSize = 1000 }},
		{"depth beyond io queue", func(c *SimConfig) {
			c.NVMe.IOQueueEntries = 16
			c.BlockIO.MaxDepth = 16
		}},
		{"depth beyond controller queue", func(c *SimConfig) {
			c.Device.MaxQueueEntries = 8
			c.BlockIO.MaxDepth = 8
		}},
		{"block size beyond page", func(c *SimConfig) { c.Device.BlockSize = 8192 }},
		{"workload", func(c *SimConfig) { c.Workload.QueueDepth = 0 }},
		{"logging", func(c *SimConfig) { c.Logging.Format = "xml" }},
		{"driver", func(c *SimConfig) { c.Driver = DriverKind(7) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var se SimError
			require.True(t, errors.As(err, &se), "%T", err)
			_, err = NewSimulator(cfg, nil)
			require.Error(t, err)
		})
	}

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	// The null driver has no queue to overflow.
	cfg.Driver = DriverNone
	cfg.BlockIO.MaxDepth = 1 << 20
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	t.Run("yaml overrides defaults", func(t *testing.T) {
		path := filepath.Join(dir, "sim.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
driver: none
nullLatency: 2000000
blockio:
  maxDepth: 8
workload:
  pattern: sequential
  sizeDistribution: exponential
  maxBlocks: 16
report:
  interval: 250ms
logging:
  level: debug
  format: json
`), 0o644))
		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		require.Equal(t, DriverNone, cfg.Driver)
		require.Equal(t, 2*engine.Microsecond, cfg.NullLatency)
		require.Equal(t, 8, cfg.BlockIO.MaxDepth)
		require.Equal(t, DefaultConfig().BlockIO.SubmissionLatency, cfg.BlockIO.SubmissionLatency)
		require.Equal(t, workload.PatternSequential, cfg.Workload.Pattern)
		require.Equal(t, workload.DistExponential, cfg.Workload.SizeDistribution)
		require.Equal(t, int64(16), cfg.Workload.MaxBlocks)
		require.Equal(t, 250*time.Millisecond, cfg.Report.Interval)
		require.Equal(t, "json", cfg.Logging.Format)
	})

	t.Run("defaults round trip", func(t *testing.T) {
		data, err := DefaultConfig().Marshal()
		require.NoError(t, err)
		path := filepath.Join(dir, "defaults.yaml")
		require.NoError(t, os.WriteFile(path, data, 0o644))
		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		require.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("json", func(t *testing.T) {
		path := filepath.Join(dir, "sim.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"driver": "nvme", "nvme": {"ioQueueEntries": 256}}`), 0o644))
		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		require.Equal(t, uint32(256), cfg.NVMe.IOQueueEntries)
	})

	t.Run("invalid", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("driver: scsi\n"), 0o644))
		_, err := LoadConfig(path)
		require.Error(t, err)

		_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}
