// Package device is a reference NVMe controller model. It answers register
// accesses and doorbells from the host driver, moves data between host DMA
// memory and a Backend, and completes every command after a fixed latency.
package device

import (
	"container/heap"
	"encoding/binary"
	"fmt"

	"github.com/miretskiy/nvmesim/dma"
	"github.com/miretskiy/nvmesim/engine"
	"github.com/miretskiy/nvmesim/internal/logging"
	"github.com/miretskiy/nvmesim/nvme"
	"github.com/sirupsen/logrus"
)

// NamespaceID is the single namespace the controller exposes.
const NamespaceID = 1

// Config describes the modelled controller.
type Config struct {
	Model    string `json:"model" yaml:"model"`
	Serial   string `json:"serial" yaml:"serial"`
	Firmware string `json:"firmware" yaml:"firmware"`

	BlockSize uint64 `json:"blockSize" yaml:"blockSize"`
	Capacity  uint64 `json:"capacity" yaml:"capacity"` // bytes

	// Namespaces is the number of active namespaces, 0 or 1.
	Namespaces      uint32 `json:"namespaces" yaml:"namespaces"`
	MaxQueueEntries uint32 `json:"maxQueueEntries" yaml:"maxQueueEntries"`
	MaxIOQueues     uint16 `json:"maxIOQueues" yaml:"maxIOQueues"`
	MDTS            uint8  `json:"mdts" yaml:"mdts"`

	// ServiceLatency is the time from fetching an I/O command to posting
	// its completion. Commands are serviced in parallel.
	ServiceLatency engine.Tick `json:"serviceLatency" yaml:"serviceLatency"`
	// TransferRate adds length/TransferRate seconds to reads and writes
	// when non-zero. Bytes per second.
	TransferRate  uint64      `json:"transferRate" yaml:"transferRate"`
	AdminLatency  engine.Tick `json:"adminLatency" yaml:"adminLatency"`
	EnableLatency engine.Tick `json:"enableLatency" yaml:"enableLatency"`

	// Backend selects the media: "memory" or "null".
	Backend string `json:"backend" yaml:"backend"`
}

// DefaultConfig returns a 1 GiB, 4 KiB block controller with 1000ns service time.
func DefaultConfig() Config {
	return Config{
		Model:           "NVMESIM Reference Controller",
		Serial:          "NVMESIM0001",
		Firmware:        "1.0",
		BlockSize:       4096,
		Capacity:        1 << 30,
		Namespaces:      1,
		MaxQueueEntries: nvme.MaxIOQueueEntries,
		MaxIOQueues:     16,
		MDTS:            5,
		ServiceLatency:  engine.Microsecond,
		AdminLatency:    engine.Microsecond,
		EnableLatency:   10 * engine.Microsecond,
		Backend:         "memory",
	}
}

// Validate checks geometry and queue limits.
func (c *Config) Validate() error {
	if c.BlockSize < 512 || c.BlockSize&(c.BlockSize-1) != 0 {
		return fmt.Errorf("block size must be a power of two >= 512, got %d", c.BlockSize)
	}
	if c.Capacity == 0 || c.Capacity%c.BlockSize != 0 {
		return fmt.Errorf("capacity %d must be a non-zero multiple of block size %d", c.Capacity, c.BlockSize)
	}
	if c.Namespaces > 1 {
		return fmt.Errorf("at most one namespace is supported, got %d", c.Namespaces)
	}
	if c.MaxQueueEntries < 2 || c.MaxQueueEntries > 1<<16 {
		return fmt.Errorf("max queue entries must be in [2, 65536], got %d", c.MaxQueueEntries)
	}
	if c.MaxIOQueues == 0 {
		return fmt.Errorf("max io queues must be > 0")
	}
	switch c.Backend {
	case "", "memory", "null":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	return nil
}

// NewBackend builds the media named by the config.
func (c *Config) NewBackend() Backend {
	if c.Backend == "null" {
		return NewNull(int64(c.Capacity))
	}
	return NewMemory(int64(c.Capacity))
}

// Stats counts controller activity.
type Stats struct {
	Fetched      uint64 `json:"fetched"`
	Completed    uint64 `json:"completed"`
	Reads        uint64 `json:"reads"`
	Writes       uint64 `json:"writes"`
	Flushes      uint64 `json:"flushes"`
	Deallocates  uint64 `json:"deallocates"`
	BytesRead    uint64 `json:"bytesRead"`
	BytesWritten uint64 `json:"bytesWritten"`
	Errors       uint64 `json:"errors"`
	Interrupts   uint64 `json:"interrupts"`
	Doorbells    uint64 `json:"doorbells"`

	Backend map[string]interface{} `json:"backend,omitempty"`
}

type submissionQueue struct {
	id   uint16
	cqid uint16
	ring *nvme.Ring
	tail uint32 // last doorbell value
}

type completionQueue struct {
	id      uint16
	vector  uint16
	irq     bool
	ring    *nvme.Ring
	phase   bool
	sqs     int
	stalled []nvme.Completion // waiting for the host to free slots
}

const regFileSize = 0x40

// Controller is the device model. It runs on the engine goroutine.
type Controller struct {
	cfg     Config
	eng     *engine.Engine
	mem     *dma.Memory
	backend Backend
	l       *logrus.Logger

	regs [regFileSize]byte
	sqs  map[uint16]*submissionQueue
	cqs  map[uint16]*completionQueue

	irq       func(vector uint16)
	irqEvents map[uint16]engine.Event

	ready    engine.Event
	complete engine.Event
	inflight inflightHeap
	seq      uint64

	stats Stats
}

// NewController creates a controller in reset state.
func NewController(cfg Config, eng *engine.Engine, mem *dma.Memory, backend Backend, l *logrus.Logger) *Controller {
	if l == nil {
		l = logging.Discard()
	}
	if backend == nil {
		backend = cfg.NewBackend()
	}
	c := &Controller{
		cfg:       cfg,
		eng:       eng,
		mem:       mem,
		backend:   backend,
		l:         l,
		sqs:       make(map[uint16]*submissionQueue),
		cqs:       make(map[uint16]*completionQueue),
		irqEvents: make(map[uint16]engine.Event),
	}
	c.ready = eng.CreateEvent("device.status", c.updateStatus)
	c.complete = eng.CreateEvent("device.complete", c.postDue)
	heap.Init(&c.inflight)

	caps := nvme.Capabilities{
		MaxQueueEntries: cfg.MaxQueueEntries,
		Timeout:         timeoutUnits(cfg.EnableLatency),
		MinPageShift:    12,
		MaxPageShift:    16,
	}
	binary.LittleEndian.PutUint64(c.regs[nvme.RegCAP:], caps.Encode())
	binary.LittleEndian.PutUint32(c.regs[nvme.RegVS:], 1<<16|4<<8) // 1.4.0
	return c
}

// timeoutUnits converts a latency to CAP.TO 500ms units, rounding up.
func timeoutUnits(t engine.Tick) uint8 {
	units := (t + 500*engine.Millisecond - 1) / (500 * engine.Millisecond)
	return uint8(min(max(units, 1), 255))
}

// Backend returns the media.
func (c *Controller) Backend() Backend { return c.backend }

// Stats returns controller counters.
func (c *Controller) Stats() Stats {
	st := c.stats
	if sb, ok := c.backend.(StatBackend); ok {
		st.Backend = sb.Stats()
	}
	return st
}

// SetInterruptHandler registers the host interrupt line.
func (c *Controller) SetInterruptHandler(fn func(vector uint16)) {
	c.irq = fn
}

func (c *Controller) reg32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(c.regs[off:])
}

func (c *Controller) setReg32(off, v uint32) {
	binary.LittleEndian.PutUint32(c.regs[off:], v)
}

func (c *Controller) reg64(off uint32) uint64 {
	return binary.LittleEndian.Uint64(c.regs[off:])
}

// ReadRegister copies len(p) bytes of the register file at offset.
func (c *Controller) ReadRegister(offset uint32, p []byte) {
	if int(offset)+len(p) > regFileSize {
		engine.Fatalf(engine.FatalProtocol, "register read %#x+%d out of range", offset, len(p))
	}
	copy(p, c.regs[offset:])
}

// WriteRegister stores p at offset. CAP, VS and CSTS are read only.
func (c *Controller) WriteRegister(offset uint32, p []byte) {
	if int(offset)+len(p) > regFileSize {
		engine.Fatalf(engine.FatalProtocol, "register write %#x+%d out of range", offset, len(p))
	}
	switch {
	case offset < nvme.RegINTMS, offset == nvme.RegCSTS:
		c.l.WithField("offset", fmt.Sprintf("%#x", offset)).Warn("write to read-only register ignored")
		return
	case offset == nvme.RegCC:
		old := c.reg32(nvme.RegCC)
		copy(c.regs[offset:], p)
		c.configChanged(old, c.reg32(nvme.RegCC))
		return
	}
	copy(c.regs[offset:], p)
}

func (c *Controller) configChanged(old, cc uint32) {
	switch {
	case old&nvme.CCEnable == 0 && cc&nvme.CCEnable != 0:
		c.enable()
	case old&nvme.CCEnable != 0 && cc&nvme.CCEnable == 0:
		c.reset()
	case old&(3<<14) == 0 && cc&(3<<14) != 0:
		c.l.Debug("controller shutdown requested")
		c.eng.ScheduleIn(c.ready, 0, c.cfg.EnableLatency)
	}
}

func (c *Controller) enable() {
	aqa := c.reg32(nvme.RegAQA)
	asq, acq := c.reg64(nvme.RegASQ), c.reg64(nvme.RegACQ)
	sqSize, cqSize := aqa&0xfff+1, (aqa>>16)&0xfff+1
	if asq == 0 || acq == 0 || sqSize < 2 || cqSize < 2 {
		c.l.WithFields(logrus.Fields{"asq": asq, "acq": acq, "aqa": aqa}).Error("enable with invalid admin queue")
		c.setReg32(nvme.RegCSTS, nvme.CSTSFatal)
		return
	}
	c.cqs[nvme.AdminQueueID] = &completionQueue{
		id:    nvme.AdminQueueID,
		irq:   true,
		ring:  nvme.AttachRing(c.mem, dma.Addr(acq), cqSize, nvme.CompletionSize),
		phase: true,
		sqs:   1,
	}
	c.sqs[nvme.AdminQueueID] = &submissionQueue{
		id:   nvme.AdminQueueID,
		ring: nvme.AttachRing(c.mem, dma.Addr(asq), sqSize, nvme.CommandSize),
	}
	c.eng.ScheduleIn(c.ready, 0, c.cfg.EnableLatency)
}

// updateStatus completes an enable or a shutdown after EnableLatency.
func (c *Controller) updateStatus(now engine.Tick, _ uint64) {
	cc := c.reg32(nvme.RegCC)
	if cc&(3<<14) != 0 {
		c.dropQueues()
		c.setReg32(nvme.RegCSTS, c.reg32(nvme.RegCSTS)&^(3<<2)|nvme.CSTSShutdownComplete)
		c.l.WithField("tick", now).Debug("controller shutdown complete")
		return
	}
	if cc&nvme.CCEnable != 0 {
		c.setReg32(nvme.RegCSTS, nvme.CSTSReady)
		c.l.WithField("tick", now).Debug("controller ready")
	}
}

func (c *Controller) reset() {
	c.dropQueues()
	c.eng.Deschedule(c.ready)
	c.setReg32(nvme.RegCSTS, 0)
}

func (c *Controller) dropQueues() {
	clear(c.sqs)
	clear(c.cqs)
	c.inflight = c.inflight[:0]
	c.eng.Deschedule(c.complete)
}

// RingDoorbell handles a submission queue tail or completion queue head
// update.
func (c *Controller) RingDoorbell(db uint16, value uint32) {
	c.stats.Doorbells++
	qid := db / 2
	if db%2 == 1 {
		cq, ok := c.cqs[qid]
		if !ok {
			engine.Fatalf(engine.FatalProtocol, "doorbell for missing completion queue %d", qid)
		}
		cq.ring.SetHead(value)
		c.drainStalled(cq)
		return
	}
	sq, ok := c.sqs[qid]
	if !ok {
		engine.Fatalf(engine.FatalProtocol, "doorbell for missing submission queue %d", qid)
	}
	if value >= sq.ring.Entries() {
		engine.Fatalf(engine.FatalProtocol, "sq %d tail %d beyond %d entries", qid, value, sq.ring.Entries())
	}
	sq.tail = value
	c.fetch(sq)
}

// fetch copies every new command out of sq and schedules its completion.
func (c *Controller) fetch(sq *submissionQueue) {
	now := c.eng.Now()
	var raw [nvme.CommandSize]byte
	for sq.ring.Head() != sq.tail {
		sq.ring.Consume(raw[:])
		cmd := &inflightCommand{sqid: sq.id, cqid: sq.cqid, seq: c.seq}
		cmd.cmd.Unmarshal(raw[:])
		c.seq++
		c.stats.Fetched++

		latency := c.cfg.AdminLatency
		if sq.id != nvme.AdminQueueID {
			latency = c.serviceTime(&cmd.cmd)
		}
		cmd.at = now + latency
		heap.Push(&c.inflight, cmd)
	}
	c.armCompletion()
}

func (c *Controller) serviceTime(cmd *nvme.Command) engine.Tick {
	t := c.cfg.ServiceLatency
	if c.cfg.TransferRate != 0 && (cmd.Opcode == nvme.OpRead || cmd.Opcode == nvme.OpWrite) {
		bytes := uint64(cmd.NLB()) * c.cfg.BlockSize
		t += engine.Tick(float64(bytes) / float64(c.cfg.TransferRate) * float64(engine.Second))
	}
	return t
}

func (c *Controller) armCompletion() {
	if len(c.inflight) == 0 {
		c.eng.Deschedule(c.complete)
		return
	}
	if at := c.inflight[0].at; !c.eng.IsScheduled(c.complete) || c.eng.When(c.complete) != at {
		c.eng.Schedule(c.complete, 0, at)
	}
}

// postDue executes every command whose service time has elapsed.
func (c *Controller) postDue(now engine.Tick, _ uint64) {
	for len(c.inflight) > 0 && c.inflight[0].at <= now {
		ic := heap.Pop(&c.inflight).(*inflightCommand)
		var status nvme.Status
		var result uint32
		if ic.sqid == nvme.AdminQueueID {
			status, result = c.executeAdmin(&ic.cmd)
		} else {
			status = c.executeIO(&ic.cmd)
		}
		if !status.OK() {
			c.stats.Errors++
			c.l.WithFields(logrus.Fields{
				"sqid": ic.sqid, "cid": ic.cmd.CID, "opcode": ic.cmd.Opcode, "status": status,
			}).Debug("command failed")
		}
		sq, ok := c.sqs[ic.sqid]
		var sqHead uint16
		if ok {
			sqHead = uint16(sq.ring.Head())
		}
		c.post(ic.cqid, nvme.Completion{
			Result: result,
			SQHead: sqHead,
			SQID:   ic.sqid,
			CID:    ic.cmd.CID,
			Status: status,
		})
	}
	c.armCompletion()
}

func (c *Controller) post(cqid uint16, cqe nvme.Completion) {
	cq, ok := c.cqs[cqid]
	if !ok {
		c.l.WithFields(logrus.Fields{"cqid": cqid, "cid": cqe.CID}).Warn("completion for deleted queue dropped")
		return
	}
	if cq.ring.Full() {
		cq.stalled = append(cq.stalled, cqe)
		return
	}
	c.produce(cq, cqe)
}

func (c *Controller) produce(cq *completionQueue, cqe nvme.Completion) {
	var raw [nvme.CompletionSize]byte
	cqe.Phase = cq.phase
	cqe.Marshal(raw[:])
	cq.ring.Produce(raw[:])
	if cq.ring.Tail() == 0 {
		cq.phase = !cq.phase
	}
	c.stats.Completed++
	if cq.irq {
		c.raise(cq.vector)
	}
}

func (c *Controller) drainStalled(cq *completionQueue) {
	for len(cq.stalled) > 0 && !cq.ring.Full() {
		c.produce(cq, cq.stalled[0])
		cq.stalled = cq.stalled[1:]
	}
}

// raise schedules an interrupt for vector at the current tick. Completions
// posted in the same tick share one interrupt.
func (c *Controller) raise(vector uint16) {
	ev, ok := c.irqEvents[vector]
	if !ok {
		ev = c.eng.CreateEvent(fmt.Sprintf("device.irq%d", vector), c.interrupt)
		c.irqEvents[vector] = ev
	}
	if !c.eng.IsScheduled(ev) {
		c.eng.Schedule(ev, uint64(vector), c.eng.Now())
	}
}

func (c *Controller) interrupt(_ engine.Tick, data uint64) {
	c.stats.Interrupts++
	if c.irq != nil {
		c.irq(uint16(data))
	}
}

type inflightCommand struct {
	cmd   nvme.Command
	sqid  uint16
	cqid  uint16
	at    engine.Tick
	seq   uint64
	index int
}

type inflightHeap []*inflightCommand

func (h inflightHeap) Len() int { return len(h) }

func (h inflightHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}

func (h inflightHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *inflightHeap) Push(x interface{}) {
	ic := x.(*inflightCommand)
	ic.index = len(*h)
	*h = append(*h, ic)
}

func (h *inflightHeap) Pop() interface{} {
	old := *h
	n := len(old)
	ic := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return ic
}
