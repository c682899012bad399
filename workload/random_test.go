package workload

import (
	"testing"

	"github.com/miretskiy/nvmesim/blockio"
	"github.com/miretskiy/nvmesim/engine"
	"github.com/stretchr/testify/require"
)

var testGeometry = blockio.Geometry{BlockSize: 4096, Capacity: 1 << 20}

type run struct {
	eng      *engine.Engine
	layer    *blockio.Layer
	gen      *Random
	reqs     []*blockio.Request
	doneAt   []engine.Tick
	maxDepth int
}

func newRun(t *testing.T, cfg Config, maxDepth int) *run {
	t.Helper()
	require.NoError(t, cfg.Validate())
	r := &run{eng: engine.New(nil), maxDepth: maxDepth}
	r.layer = blockio.NewLayer(r.eng, blockio.NewNullDriver(r.eng, testGeometry, 1000), nil)
	r.gen = NewRandom(cfg, nil)
	require.NoError(t, r.layer.Initialize(blockio.Config{
		MaxDepth:          maxDepth,
		SubmissionLatency: 10,
		CompletionLatency: 10,
	}, func(req *blockio.Request) {
		r.reqs = append(r.reqs, req)
		r.gen.OnComplete(req)
	}))
	r.gen.Init(r.layer, func() {
		r.doneAt = append(r.doneAt, r.eng.Now())
		r.eng.Stop()
	})
	return r
}

func (r *run) execute(t *testing.T) {
	t.Helper()
	r.gen.Start()
	for r.eng.DoNextEvent() {
		require.LessOrEqual(t, r.layer.InFlight(), r.maxDepth)
	}
}

func TestRandomRequestLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Requests = 100
	cfg.QueueDepth = 8
	r := newRun(t, cfg, 8)
	r.execute(t)

	require.Len(t, r.doneAt, 1)
	st := r.gen.Stats()
	require.Equal(t, uint64(100), st.Issued)
	require.Equal(t, uint64(100), st.Completed)
	require.Zero(t, st.Refused)
	require.Equal(t, uint64(100*4096), st.Bytes)
	require.Equal(t, st.Issued, st.Reads+st.Writes)
	require.Len(t, r.reqs, 100)
	require.Zero(t, r.layer.InFlight())
	require.Equal(t, uint64(100), r.layer.Statistics().Count)

	for _, req := range r.reqs {
		require.Zero(t, req.Offset%testGeometry.BlockSize)
		require.LessOrEqual(t, req.Offset+req.Length, testGeometry.Capacity)
	}
}

func TestRandomRefusalWaitsForCompletion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Requests = 50
	cfg.QueueDepth = 16
	r := newRun(t, cfg, 4)
	r.execute(t)

	st := r.gen.Stats()
	require.Len(t, r.doneAt, 1)
	require.Equal(t, uint64(50), st.Completed)
	require.Positive(t, st.Refused)
	require.Equal(t, st.Refused, r.layer.Statistics().Rejected)
}

func TestRandomSequentialPattern(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pattern = PatternSequential
	cfg.MinBlocks, cfg.MaxBlocks = 4, 4
	cfg.Requests = 100
	cfg.QueueDepth = 1
	r := newRun(t, cfg, 1)
	r.execute(t)

	require.Len(t, r.reqs, 100)
	// 256 blocks on the device, 4 per request: wraps every 64 requests.
	for i, req := range r.reqs {
		require.Equal(t, uint64(i%64)*4*4096, req.Offset, "request %d", i)
		require.Equal(t, uint64(4*4096), req.Length)
	}
}

func TestRandomFlushEvery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadRatio = 0
	cfg.FlushEvery = 3
	cfg.Requests = 40
	cfg.QueueDepth = 1
	r := newRun(t, cfg, 1)
	r.execute(t)

	st := r.gen.Stats()
	require.Equal(t, uint64(30), st.Writes)
	require.Equal(t, uint64(10), st.Flushes)
	require.Zero(t, st.Reads)
	for i, req := range r.reqs {
		if i%4 == 3 {
			require.Equal(t, blockio.Flush, req.Type, "request %d", i)
		} else {
			require.Equal(t, blockio.Write, req.Type, "request %d", i)
		}
	}
	require.Equal(t, uint64(10), r.layer.Statistics().PerType["flush"].Count)
}

func TestRandomTrims(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadRatio = 0
	cfg.TrimRatio = 1
	cfg.Requests = 20
	r := newRun(t, cfg, 32)
	r.execute(t)

	st := r.gen.Stats()
	require.Equal(t, uint64(20), st.Trims)
	require.Zero(t, st.Writes)
}

func TestRandomByteLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Requests = 0
	cfg.MinBlocks, cfg.MaxBlocks = 2, 2
	cfg.Bytes = 10 * 8192
	r := newRun(t, cfg, 32)
	r.execute(t)

	st := r.gen.Stats()
	require.Equal(t, uint64(10), st.Issued)
	require.Equal(t, uint64(10*8192), st.Bytes)
	require.Len(t, r.doneAt, 1)
}

func TestRandomIsDeterministic(t *testing.T) {
	offsets := func() []uint64 {
		cfg := DefaultConfig()
		cfg.Requests = 64
		cfg.MaxBlocks = 8
		cfg.SizeDistribution = DistExponential
		cfg.Seed = 7
		r := newRun(t, cfg, 32)
		r.execute(t)
		var out []uint64
		for _, req := range r.reqs {
			out = append(out, req.Offset, req.Length, uint64(req.Type))
		}
		return out
	}
	require.Equal(t, offsets(), offsets())
}

func TestRandomStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Requests = 0
	cfg.QueueDepth = 4
	r := newRun(t, cfg, 4)
	r.gen.Start()

	for i := 0; i < 20 && r.eng.DoNextEvent(); i++ {
	}
	r.gen.Stop()
	require.Empty(t, r.doneAt)
	for r.eng.DoNextEvent() {
	}
	require.Len(t, r.doneAt, 1)
	require.Equal(t, r.gen.Stats().Issued, r.gen.Stats().Completed)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.ReadRatio = 1.5
	require.Error(t, bad.Validate())

	bad = cfg
	bad.MinBlocks, bad.MaxBlocks = 4, 2
	require.Error(t, bad.Validate())

	bad = cfg
	bad.QueueDepth = 0
	require.Error(t, bad.Validate())

	var p Pattern
	require.NoError(t, p.UnmarshalText([]byte("sequential")))
	require.Equal(t, PatternSequential, p)
	require.Error(t, p.UnmarshalText([]byte("zigzag")))
}
