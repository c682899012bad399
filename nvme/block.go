package nvme

import (
	"github.com/miretskiy/nvmesim/blockio"
	"github.com/miretskiy/nvmesim/engine"
	"github.com/sirupsen/logrus"
)

const (
	// maxBlocksPerCommand is the NLB limit of a single read or write.
	maxBlocksPerCommand = 1 << 16
	// maxBlocksPerRange is the block count limit of one deallocate range.
	maxBlocksPerRange = 1<<32 - 1
	// maxRangesPerCommand is the Dataset Management range limit.
	maxRangesPerCommand = 256
)

var _ blockio.Driver = (*Driver)(nil)

// transfer tracks a block request that may span several commands. The
// block layer hears about it once, when the last command completes.
type transfer struct {
	tag       uint64
	remaining int
}

// chunk is one command of a transfer.
type chunk struct {
	t   *transfer
	prp *PRPList
}

// deferredIO is a command held back while the submission queue is full.
type deferredIO struct {
	cmd *Command
	c   *chunk
}

// Attach implements blockio.Driver.
func (d *Driver) Attach(c blockio.Completer) {
	d.completer = c
}

// Geometry implements blockio.Driver. It is zero until bring-up identified
// the namespace.
func (d *Driver) Geometry() blockio.Geometry {
	return blockio.Geometry{
		BlockSize: d.blockSize,
		Capacity:  d.ns.Size * d.blockSize,
	}
}

// MaxTransfer returns the largest single read or write command in bytes.
// Longer requests are split.
func (d *Driver) MaxTransfer() uint64 {
	limit := uint64(maxBlocksPerCommand) * d.blockSize
	if d.ctrl.MDTS != 0 {
		mdts := (uint64(1) << d.ctrl.MDTS) << d.caps.MinPageShift
		limit = min(limit, mdts)
	}
	return limit
}

// Submit implements blockio.Driver. Reads and writes are split into
// commands of at most MaxTransfer bytes, each with its own PRP list. Trims
// become Dataset Management commands of up to 256 deallocate ranges. Flush
// carries nothing. The transfer rides in r.DriverData until the layer hands
// it back on completion.
func (d *Driver) Submit(r *blockio.Request) {
	if d.completer == nil {
		engine.Fatalf(engine.FatalProtocol, "submit before a completer is attached")
	}
	slba := r.Offset / d.blockSize
	nlb := (r.Length + d.blockSize - 1) / d.blockSize
	t := &transfer{tag: r.Tag}
	r.DriverData = t

	var cmds []deferredIO
	switch r.Type {
	case blockio.Read, blockio.Write:
		opcode := uint8(OpRead)
		if r.Type == blockio.Write {
			opcode = OpWrite
		}
		step := max(d.MaxTransfer()/d.blockSize, 1)
		for lba, end := slba, slba+nlb; lba < end; lba += step {
			n := min(step, end-lba)
			prp := NewPRPList(d.mem, n*d.blockSize)
			cmds = append(cmds, deferredIO{
				cmd: &Command{
					Opcode: opcode,
					PRP1:   prp.PRP1(),
					PRP2:   prp.PRP2(),
					CDW10:  uint32(lba),
					CDW11:  uint32(lba >> 32),
					CDW12:  uint32(n - 1),
				},
				c: &chunk{t: t, prp: prp},
			})
		}
	case blockio.Flush:
		cmds = append(cmds, deferredIO{cmd: &Command{Opcode: OpFlush}, c: &chunk{t: t}})
	case blockio.Trim:
		ranges := splitRanges(slba, nlb)
		for len(ranges) > 0 {
			batch := ranges[:min(len(ranges), maxRangesPerCommand)]
			ranges = ranges[len(batch):]
			prp := NewPRPList(d.mem, uint64(len(batch))*DSMRangeSize)
			var raw [DSMRangeSize]byte
			for i := range batch {
				batch[i].Marshal(raw[:])
				prp.WriteData(uint64(i)*DSMRangeSize, raw[:])
			}
			cmds = append(cmds, deferredIO{
				cmd: &Command{
					Opcode: OpDatasetManagement,
					PRP1:   prp.PRP1(),
					PRP2:   prp.PRP2(),
					CDW10:  uint32(len(batch) - 1),
					CDW11:  DSMDeallocate,
				},
				c: &chunk{t: t, prp: prp},
			})
		}
	default:
		engine.Fatalf(engine.FatalInvalidRequest, "unsupported request type %s", r.Type)
	}

	t.remaining = len(cmds)
	if len(cmds) > 1 {
		d.stats.Split++
		d.l.WithFields(logrus.Fields{"tag": r.Tag, "type": r.Type, "length": r.Length, "commands": len(cmds)}).
			Debug("request split across commands")
	}
	for _, io := range cmds {
		d.submitChunk(io)
	}
}

// splitRanges cuts nlb blocks at slba into deallocate ranges.
func splitRanges(slba, nlb uint64) []DSMRange {
	var out []DSMRange
	for nlb > 0 {
		n := min(nlb, maxBlocksPerRange)
		out = append(out, DSMRange{SLBA: slba, Blocks: uint32(n)})
		slba += n
		nlb -= n
	}
	return out
}

func (d *Driver) submitChunk(io deferredIO) {
	if len(d.backlog) > 0 || d.io.sq.Full() {
		d.stats.Deferred++
		d.backlog = append(d.backlog, io)
		return
	}
	d.SubmitIO(io.cmd, d.completeChunk, io.c)
}

// pumpBacklog submits held-back commands while the queue has room.
func (d *Driver) pumpBacklog() {
	for len(d.backlog) > 0 && !d.io.sq.Full() {
		io := d.backlog[0]
		d.backlog[0] = deferredIO{}
		d.backlog = d.backlog[1:]
		d.SubmitIO(io.cmd, d.completeChunk, io.c)
	}
}

func (d *Driver) completeChunk(c *Completion, data any) {
	ch := data.(*chunk)
	if ch.prp != nil {
		ch.prp.Free()
	}
	t := ch.t
	if !c.Status.OK() {
		d.l.WithFields(logrus.Fields{"tag": t.tag, "cid": c.CID, "status": c.Status}).Warn("io command failed")
	}
	t.remaining--
	if t.remaining == 0 {
		d.completer.PostCompletion(t.tag)
	}
	d.pumpBacklog()
}
