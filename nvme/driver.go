// Package nvme emulates the host side of an NVMe controller: queue rings in
// DMA memory, PRP transfer descriptors and the driver that brings a controller
// up and moves commands through it.
package nvme

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/miretskiy/nvmesim/blockio"
	"github.com/miretskiy/nvmesim/dma"
	"github.com/miretskiy/nvmesim/engine"
	"github.com/miretskiy/nvmesim/internal/logging"
	"github.com/sirupsen/logrus"
)

// MaxIOQueueEntries caps the I/O queue size so the 16-bit command id space is
// at least twice the deepest possible queue.
const MaxIOQueueEntries = 32768

// Device is the controller as the driver sees it: registers, doorbells and an
// interrupt line. Data moves through the shared dma.Memory.
type Device interface {
	ReadRegister(offset uint32, p []byte)
	WriteRegister(offset uint32, p []byte)
	RingDoorbell(db uint16, value uint32)
	SetInterruptHandler(fn func(vector uint16))
}

// CommandFunc receives the completion of a command with the data passed at
// submission.
type CommandFunc func(c *Completion, data any)

// State is a step of controller bring-up or teardown.
type State int

const (
	StateReset State = iota
	StateReadCapabilities
	StateConfigureAdminQueue
	StateEnableController
	StateIdentifyController
	StateIdentifyNamespaceList
	StateIdentifyNamespace
	StateSetQueueCount
	StateCreateCompletionQueue
	StateCreateSubmissionQueue
	StateReady
	StateDeleteSubmissionQueue
	StateDeleteCompletionQueue
	StateShutdownController
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "reset"
	case StateReadCapabilities:
		return "read_capabilities"
	case StateConfigureAdminQueue:
		return "configure_admin_queue"
	case StateEnableController:
		return "enable_controller"
	case StateIdentifyController:
		return "identify_controller"
	case StateIdentifyNamespaceList:
		return "identify_namespace_list"
	case StateIdentifyNamespace:
		return "identify_namespace"
	case StateSetQueueCount:
		return "set_queue_count"
	case StateCreateCompletionQueue:
		return "create_completion_queue"
	case StateCreateSubmissionQueue:
		return "create_submission_queue"
	case StateReady:
		return "ready"
	case StateDeleteSubmissionQueue:
		return "delete_submission_queue"
	case StateDeleteCompletionQueue:
		return "delete_completion_queue"
	case StateShutdownController:
		return "shutdown_controller"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Config sizes the queues the driver creates.
type Config struct {
	AdminQueueEntries uint32      `json:"adminQueueEntries" yaml:"adminQueueEntries"`
	IOQueueEntries    uint32      `json:"ioQueueEntries" yaml:"ioQueueEntries"`
	PollInterval      engine.Tick `json:"pollInterval" yaml:"pollInterval"` // CSTS poll period
}

// DefaultConfig returns the queue sizes used when none are configured.
func DefaultConfig() Config {
	return Config{
		AdminQueueEntries: 64,
		IOQueueEntries:    1024,
		PollInterval:      engine.Microsecond,
	}
}

// Validate checks queue sizes.
func (c *Config) Validate() error {
	if c.AdminQueueEntries < 2 || c.AdminQueueEntries > 4096 {
		return fmt.Errorf("admin queue entries must be in [2, 4096], got %d", c.AdminQueueEntries)
	}
	if c.IOQueueEntries < 2 || c.IOQueueEntries > MaxIOQueueEntries {
		return fmt.Errorf("io queue entries must be in [2, %d], got %d", MaxIOQueueEntries, c.IOQueueEntries)
	}
	if c.PollInterval == 0 {
		return fmt.Errorf("poll interval must be > 0")
	}
	return nil
}

// Stats counts driver activity.
type Stats struct {
	Submitted  uint64 `json:"submitted"`
	Completed  uint64 `json:"completed"`
	Errors     uint64 `json:"errors"`
	Interrupts uint64 `json:"interrupts"`
	Polls      uint64 `json:"polls"`
	Pending    int    `json:"pending"`
	Split      uint64 `json:"split"`    // requests issued as more than one command
	Deferred   uint64 `json:"deferred"` // commands held while the submission queue was full
}

const (
	adminQueueID = AdminQueueID
	ioQueueID    = 1
	adminVector  = 0
	ioVector     = 1
)

// Driver brings up a controller and submits commands to it. It runs entirely
// on the engine goroutine.
type Driver struct {
	cfg Config
	eng *engine.Engine
	mem *dma.Memory
	dev Device
	l   *logrus.Logger

	state    State
	caps     Capabilities
	deadline engine.Tick
	poll     engine.Event

	admin    *queuePair
	io       *queuePair
	byVector map[uint16]*queuePair
	pending  map[uint32]*commandEntry
	backlog  []deferredIO

	ctrl      IdentifyController
	nsid      uint32
	ns        IdentifyNamespace
	blockSize uint64

	onReady    func()
	onShutdown func()
	completer  blockio.Completer

	stats Stats
}

// NewDriver creates a driver in reset state. Call Start to bring it up.
func NewDriver(cfg Config, eng *engine.Engine, mem *dma.Memory, dev Device, l *logrus.Logger) *Driver {
	if l == nil {
		l = logging.Discard()
	}
	d := &Driver{
		cfg:      cfg,
		eng:      eng,
		mem:      mem,
		dev:      dev,
		l:        l,
		byVector: make(map[uint16]*queuePair),
		pending:  make(map[uint32]*commandEntry),
	}
	d.poll = eng.CreateEvent("nvme.poll_csts", d.pollStatus)
	dev.SetInterruptHandler(d.OnInterrupt)
	return d
}

// State returns the current bring-up state.
func (d *Driver) State() State { return d.state }

// Ready reports whether I/O commands may be submitted.
func (d *Driver) Ready() bool { return d.state == StateReady }

// Controller returns the identify controller data read during bring-up.
func (d *Driver) Controller() IdentifyController { return d.ctrl }

// Namespace returns the active namespace id and its identify data.
func (d *Driver) Namespace() (uint32, IdentifyNamespace) { return d.nsid, d.ns }

// Stats returns driver counters.
func (d *Driver) Stats() Stats {
	s := d.stats
	s.Pending = len(d.pending)
	return s
}

func (d *Driver) setState(s State) {
	d.l.WithFields(logrus.Fields{"from": d.state, "to": s, "tick": d.eng.Now()}).Debug("nvme state")
	d.state = s
}

func (d *Driver) readReg32(off uint32) uint32 {
	var b [4]byte
	d.dev.ReadRegister(off, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (d *Driver) readReg64(off uint32) uint64 {
	var b [8]byte
	d.dev.ReadRegister(off, b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (d *Driver) writeReg32(off uint32, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	d.dev.WriteRegister(off, b[:])
}

func (d *Driver) writeReg64(off uint32, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	d.dev.WriteRegister(off, b[:])
}

// Start begins controller bring-up. onReady runs on the engine goroutine once
// the I/O queue pair exists.
func (d *Driver) Start(onReady func()) {
	if d.state != StateReset {
		engine.Fatalf(engine.FatalProtocol, "start in state %s", d.state)
	}
	d.onReady = onReady
	d.readCapabilities()
}

func (d *Driver) readCapabilities() {
	d.setState(StateReadCapabilities)
	d.caps = DecodeCapabilities(d.readReg64(RegCAP))
	vs := d.readReg32(RegVS)

	page := d.mem.PageSize()
	shift := uint8(bits.TrailingZeros64(page))
	if shift < d.caps.MinPageShift || shift > d.caps.MaxPageShift {
		engine.Fatalf(engine.FatalProtocol, "host page size %d outside controller range [%d, %d]",
			page, uint64(1)<<d.caps.MinPageShift, uint64(1)<<d.caps.MaxPageShift)
	}
	if d.cfg.IOQueueEntries > d.caps.MaxQueueEntries {
		d.l.WithFields(logrus.Fields{"configured": d.cfg.IOQueueEntries, "max": d.caps.MaxQueueEntries}).
			Warn("io queue entries capped by controller")
		d.cfg.IOQueueEntries = d.caps.MaxQueueEntries
	}
	if d.cfg.AdminQueueEntries > d.caps.MaxQueueEntries {
		d.cfg.AdminQueueEntries = d.caps.MaxQueueEntries
	}
	d.l.WithFields(logrus.Fields{
		"mqes":    d.caps.MaxQueueEntries,
		"timeout": d.caps.Timeout,
		"version": fmt.Sprintf("%d.%d.%d", vs>>16, (vs>>8)&0xff, vs&0xff),
	}).Debug("controller capabilities")
	d.configureAdminQueue()
}

func (d *Driver) configureAdminQueue() {
	d.setState(StateConfigureAdminQueue)
	n := d.cfg.AdminQueueEntries
	d.admin = newQueuePair(d, adminQueueID, adminVector, n)
	d.byVector[adminVector] = d.admin
	d.writeReg32(RegAQA, (n-1)<<16|(n-1))
	d.writeReg64(RegASQ, uint64(d.admin.sq.Addr()))
	d.writeReg64(RegACQ, uint64(d.admin.cq.Addr()))
	d.enableController()
}

func (d *Driver) enableController() {
	d.setState(StateEnableController)
	mps := uint32(bits.TrailingZeros64(d.mem.PageSize()) - 12)
	cc := uint32(CCEnable) | mps<<7 | commandSizeShift<<16 | completionSizeShift<<20
	d.writeReg32(RegCC, cc)

	timeout := engine.Tick(d.caps.Timeout) * 500 * engine.Millisecond
	if timeout == 0 {
		timeout = 500 * engine.Millisecond
	}
	d.deadline = d.eng.Now() + timeout
	d.eng.ScheduleIn(d.poll, 0, d.cfg.PollInterval)
}

// pollStatus runs while the driver waits on CSTS during enable or shutdown.
func (d *Driver) pollStatus(now engine.Tick, _ uint64) {
	d.stats.Polls++
	csts := d.readReg32(RegCSTS)
	if csts&CSTSFatal != 0 {
		engine.Fatalf(engine.FatalProtocol, "controller fatal status in state %s", d.state)
	}

	var done bool
	switch d.state {
	case StateEnableController:
		done = csts&CSTSReady != 0
	case StateShutdownController:
		done = csts&(3<<2) == CSTSShutdownComplete
	default:
		engine.Fatalf(engine.FatalProtocol, "status poll in state %s", d.state)
	}
	if !done {
		if now >= d.deadline {
			engine.Fatalf(engine.FatalProtocol, "controller timed out in state %s", d.state)
		}
		d.eng.ScheduleIn(d.poll, 0, d.cfg.PollInterval)
		return
	}

	if d.state == StateEnableController {
		d.identifyController()
		return
	}
	d.admin.free()
	d.admin = nil
	delete(d.byVector, adminVector)
	d.setState(StateShutdown)
	if d.onShutdown != nil {
		d.onShutdown()
	}
}

// identify issues an Identify command into a one-page buffer and passes the
// buffer to next before freeing it.
func (d *Driver) identify(cns uint32, nsid uint32, next func(buf []byte)) {
	prp := NewPRPList(d.mem, IdentifySize)
	cmd := &Command{
		Opcode: AdminIdentify,
		NSID:   nsid,
		PRP1:   prp.PRP1(),
		PRP2:   prp.PRP2(),
		CDW10:  cns,
	}
	d.SubmitAdmin(cmd, func(c *Completion, _ any) {
		d.requireSuccess(c)
		buf := make([]byte, IdentifySize)
		prp.ReadData(0, buf)
		prp.Free()
		next(buf)
	}, nil)
}

func (d *Driver) requireSuccess(c *Completion) {
	if !c.Status.OK() {
		engine.Fatalf(engine.FatalProtocol, "%s failed: %s", d.state, c.Status)
	}
}

func (d *Driver) identifyController() {
	d.setState(StateIdentifyController)
	d.identify(CNSController, 0, func(buf []byte) {
		d.ctrl.Unmarshal(buf)
		d.l.WithFields(logrus.Fields{
			"model":      d.ctrl.ModelNumber,
			"serial":     d.ctrl.SerialNumber,
			"firmware":   d.ctrl.Firmware,
			"namespaces": d.ctrl.NumNamespaces,
		}).Info("identified controller")
		d.identifyNamespaceList()
	})
}

func (d *Driver) identifyNamespaceList() {
	d.setState(StateIdentifyNamespaceList)
	d.identify(CNSNamespaceList, 0, func(buf []byte) {
		ids := ParseNamespaceList(buf)
		if len(ids) == 0 {
			engine.Fatalf(engine.FatalProtocol, "controller reports no active namespace")
		}
		d.nsid = ids[0]
		d.identifyNamespace()
	})
}

func (d *Driver) identifyNamespace() {
	d.setState(StateIdentifyNamespace)
	d.identify(CNSNamespace, d.nsid, func(buf []byte) {
		d.ns.Unmarshal(buf)
		d.blockSize = d.ns.BlockSize()
		if d.blockSize == 0 || d.ns.Size == 0 {
			engine.Fatalf(engine.FatalProtocol, "namespace %d has no usable format", d.nsid)
		}
		d.l.WithFields(logrus.Fields{
			"nsid":      d.nsid,
			"blocks":    d.ns.Size,
			"blockSize": d.blockSize,
		}).Info("identified namespace")
		d.setQueueCount()
	})
}

func (d *Driver) setQueueCount() {
	d.setState(StateSetQueueCount)
	cmd := &Command{
		Opcode: AdminSetFeatures,
		CDW10:  FeatureNumberOfQueues,
		CDW11:  0, // one submission and one completion queue, zero based
	}
	d.SubmitAdmin(cmd, func(c *Completion, _ any) {
		d.requireSuccess(c)
		nsq, ncq := c.Result&0xffff+1, c.Result>>16+1
		d.l.WithFields(logrus.Fields{"sq": nsq, "cq": ncq}).Debug("io queues allocated")
		d.createCompletionQueue()
	}, nil)
}

func (d *Driver) createCompletionQueue() {
	d.setState(StateCreateCompletionQueue)
	n := d.cfg.IOQueueEntries
	d.io = newQueuePair(d, ioQueueID, ioVector, n)
	cmd := &Command{
		Opcode: AdminCreateCQ,
		PRP1:   uint64(d.io.cq.Addr()),
		CDW10:  (n-1)<<16 | ioQueueID,
		CDW11:  ioVector<<16 | 1<<1 | 1, // IEN, PC
	}
	d.SubmitAdmin(cmd, func(c *Completion, _ any) {
		d.requireSuccess(c)
		d.byVector[ioVector] = d.io
		d.createSubmissionQueue()
	}, nil)
}

func (d *Driver) createSubmissionQueue() {
	d.setState(StateCreateSubmissionQueue)
	n := d.cfg.IOQueueEntries
	cmd := &Command{
		Opcode: AdminCreateSQ,
		PRP1:   uint64(d.io.sq.Addr()),
		CDW10:  (n-1)<<16 | ioQueueID,
		CDW11:  ioQueueID<<16 | 1, // CQID, PC
	}
	d.SubmitAdmin(cmd, func(c *Completion, _ any) {
		d.requireSuccess(c)
		d.setState(StateReady)
		d.l.WithFields(logrus.Fields{"entries": n, "tick": d.eng.Now()}).Info("nvme driver ready")
		if d.onReady != nil {
			d.onReady()
		}
	}, nil)
}

// Shutdown deletes the I/O queues and shuts the controller down. It must be
// called with no I/O outstanding.
func (d *Driver) Shutdown(done func()) {
	if d.state != StateReady {
		engine.Fatalf(engine.FatalProtocol, "shutdown in state %s", d.state)
	}
	if d.io.inUse != 0 {
		engine.Fatalf(engine.FatalProtocol, "shutdown with %d io commands outstanding", d.io.inUse)
	}
	d.onShutdown = done
	d.setState(StateDeleteSubmissionQueue)
	d.SubmitAdmin(&Command{Opcode: AdminDeleteSQ, CDW10: ioQueueID}, func(c *Completion, _ any) {
		d.requireSuccess(c)
		d.setState(StateDeleteCompletionQueue)
		d.SubmitAdmin(&Command{Opcode: AdminDeleteCQ, CDW10: ioQueueID}, func(c *Completion, _ any) {
			d.requireSuccess(c)
			delete(d.byVector, ioVector)
			d.io.free()
			d.io = nil
			d.setState(StateShutdownController)
			cc := d.readReg32(RegCC)
			d.writeReg32(RegCC, cc|CCShutdownNormal)
			d.deadline = d.eng.Now() + 500*engine.Millisecond*engine.Tick(max(d.caps.Timeout, 1))
			d.eng.ScheduleIn(d.poll, 0, d.cfg.PollInterval)
		}, nil)
	}, nil)
}

// SubmitAdmin queues cmd on the admin queue.
func (d *Driver) SubmitAdmin(cmd *Command, fn CommandFunc, data any) {
	if d.admin == nil {
		engine.Fatalf(engine.FatalProtocol, "admin command %#x before admin queue exists", cmd.Opcode)
	}
	d.submit(d.admin, cmd, fn, data)
}

// SubmitIO queues cmd on the I/O queue. The driver fills in NSID.
func (d *Driver) SubmitIO(cmd *Command, fn CommandFunc, data any) {
	if d.state != StateReady {
		engine.Fatalf(engine.FatalProtocol, "io command %#x in state %s", cmd.Opcode, d.state)
	}
	cmd.NSID = d.nsid
	d.submit(d.io, cmd, fn, data)
}

func (d *Driver) submit(q *queuePair, cmd *Command, fn CommandFunc, data any) {
	if q.sq.Full() {
		engine.Fatalf(engine.FatalProtocol, "submission queue %d overflow (%d entries)", q.id, q.sq.Entries())
	}
	cmd.CID = q.allocCID(d.pending)

	var raw [CommandSize]byte
	cmd.Marshal(raw[:])
	q.sq.Produce(raw[:])

	d.pending[commandKey(q.id, cmd.CID)] = &commandEntry{
		qid:       q.id,
		cid:       cmd.CID,
		opcode:    cmd.Opcode,
		fn:        fn,
		data:      data,
		submitted: d.eng.Now(),
	}
	q.inUse++
	d.stats.Submitted++
	if d.l.IsLevelEnabled(logrus.TraceLevel) {
		d.l.WithFields(logrus.Fields{"qid": q.id, "cid": cmd.CID, "opcode": cmd.Opcode}).Trace("submit")
	}
	d.dev.RingDoorbell(DoorbellIndex(q.id, false), q.sq.Tail())
}

// OnInterrupt drains every new completion of the queue bound to vector and
// acknowledges them with one completion queue doorbell write.
func (d *Driver) OnInterrupt(vector uint16) {
	d.stats.Interrupts++
	q, ok := d.byVector[vector]
	if !ok {
		d.l.WithField("vector", vector).Warn("interrupt for unknown vector")
		return
	}

	var raw [CompletionSize]byte
	drained := 0
	for {
		q.cq.Peek(raw[:])
		if PhaseOf(raw[:]) != q.phase {
			break
		}
		c := &Completion{}
		c.Unmarshal(raw[:])
		q.cq.AdvanceHead()
		if q.cq.Head() == 0 {
			q.phase = !q.phase
		}
		drained++

		key := commandKey(c.SQID, c.CID)
		ent, ok := d.pending[key]
		if !ok || c.SQID != q.id {
			engine.Fatalf(engine.FatalCausality, "completion for untracked command sq=%d cid=%d", c.SQID, c.CID)
		}
		delete(d.pending, key)
		q.inUse--
		q.sq.SetHead(uint32(c.SQHead))
		d.stats.Completed++
		if !c.Status.OK() {
			d.stats.Errors++
		}
		ent.fn(c, ent.data)
	}
	if drained > 0 {
		d.dev.RingDoorbell(DoorbellIndex(q.id, true), q.cq.Head())
	}
}
