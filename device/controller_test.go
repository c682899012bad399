package device

import (
	"encoding/binary"
	"testing"

	"github.com/miretskiy/nvmesim/dma"
	"github.com/miretskiy/nvmesim/engine"
	"github.com/miretskiy/nvmesim/nvme"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

type rig struct {
	eng  *engine.Engine
	mem  *dma.Memory
	ctrl *Controller
	hook *test.Hook
	sq   *nvme.Ring
	cq   *nvme.Ring
	irqs []uint16
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	require.NoError(t, cfg.Validate())
	l, hook := test.NewNullLogger()
	r := &rig{eng: engine.New(nil), hook: hook}
	r.mem = dma.NewMemory(dma.DefaultPageSize, nil)
	r.ctrl = NewController(cfg, r.eng, r.mem, nil, l)
	r.ctrl.SetInterruptHandler(func(v uint16) { r.irqs = append(r.irqs, v) })
	return r
}

func (r *rig) read32(off uint32) uint32 {
	var b [4]byte
	r.ctrl.ReadRegister(off, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (r *rig) write32(off, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	r.ctrl.WriteRegister(off, b[:])
}

func (r *rig) write64(off uint32, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	r.ctrl.WriteRegister(off, b[:])
}

// enable sets up a 4-entry admin queue pair and waits for CSTS.RDY.
func (r *rig) enable(t *testing.T) {
	t.Helper()
	r.sq = nvme.NewRing(r.mem, 4, nvme.CommandSize)
	r.cq = nvme.NewRing(r.mem, 4, nvme.CompletionSize)
	r.write32(nvme.RegAQA, 3<<16|3)
	r.write64(nvme.RegASQ, uint64(r.sq.Addr()))
	r.write64(nvme.RegACQ, uint64(r.cq.Addr()))
	r.write32(nvme.RegCC, nvme.CCEnable)
	for r.eng.DoNextEvent() {
	}
	require.Equal(t, uint32(nvme.CSTSReady), r.read32(nvme.RegCSTS)&nvme.CSTSReady)
}

// submit places cmd in the admin ring and rings the tail doorbell.
func (r *rig) submit(cmd *nvme.Command) {
	var raw [nvme.CommandSize]byte
	cmd.Marshal(raw[:])
	r.sq.Produce(raw[:])
	r.ctrl.RingDoorbell(nvme.DoorbellIndex(nvme.AdminQueueID, false), r.sq.Tail())
}

func (r *rig) completion() nvme.Completion {
	var raw [nvme.CompletionSize]byte
	r.cq.Consume(raw[:])
	var c nvme.Completion
	c.Unmarshal(raw[:])
	return c
}

func TestCapabilityRegisters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueEntries = 256
	cfg.EnableLatency = 700 * engine.Millisecond
	r := newRig(t, cfg)

	var b [8]byte
	r.ctrl.ReadRegister(nvme.RegCAP, b[:])
	caps := nvme.DecodeCapabilities(binary.LittleEndian.Uint64(b[:]))
	require.Equal(t, uint32(256), caps.MaxQueueEntries)
	require.Equal(t, uint8(2), caps.Timeout, "700ms rounds up to two 500ms units")
	require.Equal(t, uint8(12), caps.MinPageShift)
	require.Equal(t, uint32(1<<16|4<<8), r.read32(nvme.RegVS))

	r.write32(nvme.RegCSTS, 0xffffffff)
	require.Zero(t, r.read32(nvme.RegCSTS))
	require.Len(t, r.hook.Entries, 1)
	require.Equal(t, logrus.WarnLevel, r.hook.LastEntry().Level)

	require.Panics(t, func() { r.ctrl.ReadRegister(regFileSize-2, b[:]) })
}

func TestEnableAfterLatency(t *testing.T) {
	cfg := DefaultConfig()
	r := newRig(t, cfg)
	r.enable(t)
	require.Equal(t, cfg.EnableLatency, r.eng.Now())

	r.write32(nvme.RegCC, 0)
	require.Zero(t, r.read32(nvme.RegCSTS))
}

func TestEnableWithoutAdminQueue(t *testing.T) {
	r := newRig(t, DefaultConfig())
	r.write32(nvme.RegCC, nvme.CCEnable)
	require.Equal(t, uint32(nvme.CSTSFatal), r.read32(nvme.RegCSTS))
	require.Equal(t, logrus.ErrorLevel, r.hook.LastEntry().Level)
}

func TestIdentifyControllerThroughRings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdminLatency = 300
	r := newRig(t, cfg)
	r.enable(t)
	start := r.eng.Now()

	prp := nvme.NewPRPList(r.mem, nvme.IdentifySize)
	r.submit(&nvme.Command{
		Opcode: nvme.AdminIdentify,
		CID:    42,
		PRP1:   prp.PRP1(),
		PRP2:   prp.PRP2(),
		CDW10:  nvme.CNSController,
	})
	r.submit(&nvme.Command{Opcode: 0x7f, CID: 43})
	for r.eng.DoNextEvent() {
	}
	require.Equal(t, start+300, r.eng.Now())
	require.Equal(t, []uint16{0}, r.irqs, "one interrupt for both completions")

	c := r.completion()
	require.True(t, c.Phase)
	require.Equal(t, uint16(42), c.CID)
	require.True(t, c.Status.OK())
	require.Equal(t, uint16(2), c.SQHead)

	c = r.completion()
	require.Equal(t, uint16(43), c.CID)
	require.Equal(t, nvme.StatusInvalidOpcode, c.Status)

	buf := make([]byte, nvme.IdentifySize)
	prp.ReadData(0, buf)
	var id nvme.IdentifyController
	id.Unmarshal(buf)
	require.Equal(t, cfg.Model, id.ModelNumber)
	require.Equal(t, cfg.MDTS, id.MDTS)
	require.Equal(t, uint32(1), id.NumNamespaces)

	st := r.ctrl.Stats()
	require.Equal(t, uint64(2), st.Fetched)
	require.Equal(t, uint64(1), st.Errors)
	require.Equal(t, uint64(1), st.Interrupts)
	require.Equal(t, "memory", st.Backend["type"])
	require.Equal(t, uint64(0), st.Backend["flushes"])
}

func TestCompletionQueueFullStalls(t *testing.T) {
	r := newRig(t, DefaultConfig())
	r.enable(t)

	// The 4-entry completion ring holds three entries.
	for i := 0; i < 3; i++ {
		r.submit(&nvme.Command{Opcode: 0x7f, CID: uint16(i)})
	}
	for r.eng.DoNextEvent() {
	}
	r.submit(&nvme.Command{Opcode: 0x7f, CID: 3})
	for r.eng.DoNextEvent() {
	}
	require.Equal(t, uint64(3), r.ctrl.Stats().Completed)

	for i := 0; i < 3; i++ {
		require.Equal(t, uint16(i), r.completion().CID)
	}
	r.ctrl.RingDoorbell(nvme.DoorbellIndex(nvme.AdminQueueID, true), r.cq.Head())
	require.Equal(t, uint64(4), r.ctrl.Stats().Completed)
	c := r.completion()
	require.Equal(t, uint16(3), c.CID)
	require.True(t, c.Phase, "last slot of the first pass")

	// The next completion lands in slot 0 with the phase inverted.
	r.submit(&nvme.Command{Opcode: 0x7f, CID: 4})
	for r.eng.DoNextEvent() {
	}
	c = r.completion()
	require.Equal(t, uint16(4), c.CID)
	require.False(t, c.Phase)
}

func TestDoorbellErrors(t *testing.T) {
	r := newRig(t, DefaultConfig())
	require.Panics(t, func() { r.ctrl.RingDoorbell(nvme.DoorbellIndex(1, false), 0) })
	r.enable(t)
	require.Panics(t, func() { r.ctrl.RingDoorbell(nvme.DoorbellIndex(nvme.AdminQueueID, false), 4) })
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"block size":   func(c *Config) { c.BlockSize = 1000 },
		"small block":  func(c *Config) { c.BlockSize = 256 },
		"capacity":     func(c *Config) { c.Capacity = 4097 },
		"namespaces":   func(c *Config) { c.Namespaces = 2 },
		"queue size":   func(c *Config) { c.MaxQueueEntries = 1 },
		"io queues":    func(c *Config) { c.MaxIOQueues = 0 },
		"backend kind": func(c *Config) { c.Backend = "tape" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultConfig()
	cfg.Namespaces = 0
	cfg.Backend = "null"
	require.NoError(t, cfg.Validate())
	_, ok := cfg.NewBackend().(*Null)
	require.True(t, ok)
}
