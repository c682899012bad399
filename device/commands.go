package device

import (
	"github.com/miretskiy/nvmesim/dma"
	"github.com/miretskiy/nvmesim/nvme"
	"github.com/sirupsen/logrus"
)

func (c *Controller) executeAdmin(cmd *nvme.Command) (nvme.Status, uint32) {
	switch cmd.Opcode {
	case nvme.AdminIdentify:
		return c.identify(cmd), 0
	case nvme.AdminSetFeatures, nvme.AdminGetFeatures:
		if cmd.CDW10&0xff != nvme.FeatureNumberOfQueues {
			return nvme.StatusInvalidField, 0
		}
		n := uint32(c.cfg.MaxIOQueues - 1)
		return nvme.StatusSuccess, n<<16 | n
	case nvme.AdminCreateCQ:
		return c.createCQ(cmd), 0
	case nvme.AdminCreateSQ:
		return c.createSQ(cmd), 0
	case nvme.AdminDeleteSQ:
		return c.deleteSQ(uint16(cmd.CDW10)), 0
	case nvme.AdminDeleteCQ:
		return c.deleteCQ(uint16(cmd.CDW10)), 0
	default:
		return nvme.StatusInvalidOpcode, 0
	}
}

func (c *Controller) identify(cmd *nvme.Command) nvme.Status {
	buf := make([]byte, nvme.IdentifySize)
	switch cmd.CDW10 & 0xff {
	case nvme.CNSController:
		id := nvme.IdentifyController{
			VendorID:      0x1b36,
			SerialNumber:  c.cfg.Serial,
			ModelNumber:   c.cfg.Model,
			Firmware:      c.cfg.Firmware,
			MDTS:          c.cfg.MDTS,
			ControllerID:  1,
			Version:       c.reg32(nvme.RegVS),
			SQES:          6<<4 | 6,
			CQES:          4<<4 | 4,
			NumNamespaces: c.cfg.Namespaces,
		}
		id.Marshal(buf)
	case nvme.CNSNamespaceList:
		if cmd.NSID < NamespaceID && c.cfg.Namespaces > 0 {
			nvme.MarshalNamespaceList(buf, []uint32{NamespaceID})
		}
	case nvme.CNSNamespace:
		if cmd.NSID != NamespaceID || c.cfg.Namespaces == 0 {
			return nvme.StatusInvalidNamespace
		}
		blocks := c.cfg.Capacity / c.cfg.BlockSize
		ns := nvme.IdentifyNamespace{
			Size:        blocks,
			Capacity:    blocks,
			Utilization: blocks,
			Formats:     []nvme.LBAFormat{{DataShift: log2(c.cfg.BlockSize)}},
		}
		ns.Marshal(buf)
	default:
		return nvme.StatusInvalidField
	}
	return c.toHost(cmd, buf)
}

func log2(v uint64) uint8 {
	var n uint8
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

// toHost scatters buf into the PRPs of cmd.
func (c *Controller) toHost(cmd *nvme.Command, buf []byte) nvme.Status {
	segs, err := nvme.ResolvePRP(c.mem, cmd.PRP1, cmd.PRP2, uint64(len(buf)))
	if err != nil {
		c.l.WithError(err).WithField("cid", cmd.CID).Warn("prp resolve failed")
		return nvme.StatusDataTransferError
	}
	nvme.CopyToSegments(c.mem, segs, buf)
	return nvme.StatusSuccess
}

// fromHost gathers n bytes from the PRPs of cmd.
func (c *Controller) fromHost(cmd *nvme.Command, n uint64) ([]byte, nvme.Status) {
	segs, err := nvme.ResolvePRP(c.mem, cmd.PRP1, cmd.PRP2, n)
	if err != nil {
		c.l.WithError(err).WithField("cid", cmd.CID).Warn("prp resolve failed")
		return nil, nvme.StatusDataTransferError
	}
	buf := make([]byte, n)
	nvme.CopyFromSegments(c.mem, segs, buf)
	return buf, nvme.StatusSuccess
}

func (c *Controller) queueSize(cdw10 uint32) (uint16, uint32, nvme.Status) {
	qid := uint16(cdw10)
	size := cdw10>>16 + 1
	if qid == nvme.AdminQueueID || qid > c.cfg.MaxIOQueues {
		return 0, 0, nvme.StatusInvalidQueueID | nvme.StatusDoNotRetry
	}
	if size < 2 || size > c.cfg.MaxQueueEntries {
		return 0, 0, nvme.StatusInvalidQueueSize | nvme.StatusDoNotRetry
	}
	return qid, size, nvme.StatusSuccess
}

func (c *Controller) createCQ(cmd *nvme.Command) nvme.Status {
	qid, size, st := c.queueSize(cmd.CDW10)
	if !st.OK() {
		return st
	}
	if _, exists := c.cqs[qid]; exists {
		return nvme.StatusInvalidQueueID | nvme.StatusDoNotRetry
	}
	if cmd.CDW11&1 == 0 || cmd.PRP1 == 0 || cmd.PRP1%c.mem.PageSize() != 0 {
		return nvme.StatusInvalidField | nvme.StatusDoNotRetry
	}
	c.cqs[qid] = &completionQueue{
		id:     qid,
		vector: uint16(cmd.CDW11 >> 16),
		irq:    cmd.CDW11&(1<<1) != 0,
		ring:   nvme.AttachRing(c.mem, dma.Addr(cmd.PRP1), size, nvme.CompletionSize),
		phase:  true,
	}
	c.l.WithFields(logrus.Fields{"cqid": qid, "entries": size, "vector": cmd.CDW11 >> 16}).Debug("created completion queue")
	return nvme.StatusSuccess
}

func (c *Controller) createSQ(cmd *nvme.Command) nvme.Status {
	qid, size, st := c.queueSize(cmd.CDW10)
	if !st.OK() {
		return st
	}
	if _, exists := c.sqs[qid]; exists {
		return nvme.StatusInvalidQueueID | nvme.StatusDoNotRetry
	}
	cqid := uint16(cmd.CDW11 >> 16)
	cq, ok := c.cqs[cqid]
	if !ok || cqid == nvme.AdminQueueID {
		return nvme.StatusCQInvalid | nvme.StatusDoNotRetry
	}
	if cmd.CDW11&1 == 0 || cmd.PRP1 == 0 || cmd.PRP1%c.mem.PageSize() != 0 {
		return nvme.StatusInvalidField | nvme.StatusDoNotRetry
	}
	c.sqs[qid] = &submissionQueue{
		id:   qid,
		cqid: cqid,
		ring: nvme.AttachRing(c.mem, dma.Addr(cmd.PRP1), size, nvme.CommandSize),
	}
	cq.sqs++
	c.l.WithFields(logrus.Fields{"sqid": qid, "cqid": cqid, "entries": size}).Debug("created submission queue")
	return nvme.StatusSuccess
}

func (c *Controller) deleteSQ(qid uint16) nvme.Status {
	sq, ok := c.sqs[qid]
	if !ok || qid == nvme.AdminQueueID {
		return nvme.StatusInvalidQueueID | nvme.StatusDoNotRetry
	}
	delete(c.sqs, qid)
	if cq, ok := c.cqs[sq.cqid]; ok {
		cq.sqs--
	}
	return nvme.StatusSuccess
}

func (c *Controller) deleteCQ(qid uint16) nvme.Status {
	cq, ok := c.cqs[qid]
	if !ok || qid == nvme.AdminQueueID {
		return nvme.StatusInvalidQueueID | nvme.StatusDoNotRetry
	}
	if cq.sqs > 0 {
		return nvme.StatusInvalidQueueDeletion | nvme.StatusDoNotRetry
	}
	delete(c.cqs, qid)
	return nvme.StatusSuccess
}

func (c *Controller) executeIO(cmd *nvme.Command) nvme.Status {
	if cmd.NSID != NamespaceID || c.cfg.Namespaces == 0 {
		return nvme.StatusInvalidNamespace | nvme.StatusDoNotRetry
	}
	switch cmd.Opcode {
	case nvme.OpRead, nvme.OpWrite:
		return c.readWrite(cmd)
	case nvme.OpFlush:
		c.stats.Flushes++
		if err := c.backend.Flush(); err != nil {
			c.l.WithError(err).Warn("backend flush failed")
			return nvme.StatusInternalError
		}
		return nvme.StatusSuccess
	case nvme.OpDatasetManagement:
		return c.datasetManagement(cmd)
	default:
		return nvme.StatusInvalidOpcode | nvme.StatusDoNotRetry
	}
}

func (c *Controller) inRange(slba, nlb uint64) bool {
	blocks := c.cfg.Capacity / c.cfg.BlockSize
	return slba < blocks && nlb <= blocks-slba
}

func (c *Controller) readWrite(cmd *nvme.Command) nvme.Status {
	slba, nlb := cmd.SLBA(), uint64(cmd.NLB())
	if !c.inRange(slba, nlb) {
		return nvme.StatusLBAOutOfRange | nvme.StatusDoNotRetry
	}
	off := int64(slba * c.cfg.BlockSize)
	n := nlb * c.cfg.BlockSize

	if cmd.Opcode == nvme.OpWrite {
		buf, st := c.fromHost(cmd, n)
		if !st.OK() {
			return st
		}
		if _, err := c.backend.WriteAt(buf, off); err != nil {
			c.l.WithError(err).Warn("backend write failed")
			return nvme.StatusInternalError
		}
		c.stats.Writes++
		c.stats.BytesWritten += n
		return nvme.StatusSuccess
	}

	buf := make([]byte, n)
	if _, err := c.backend.ReadAt(buf, off); err != nil {
		c.l.WithError(err).Warn("backend read failed")
		return nvme.StatusInternalError
	}
	c.stats.Reads++
	c.stats.BytesRead += n
	return c.toHost(cmd, buf)
}

func (c *Controller) datasetManagement(cmd *nvme.Command) nvme.Status {
	nr := uint64(cmd.CDW10&0xff) + 1
	raw, st := c.fromHost(cmd, nr*nvme.DSMRangeSize)
	if !st.OK() {
		return st
	}
	if cmd.CDW11&nvme.DSMDeallocate == 0 {
		return nvme.StatusSuccess
	}
	discarder, canDiscard := c.backend.(DiscardBackend)
	for i := uint64(0); i < nr; i++ {
		var r nvme.DSMRange
		r.Unmarshal(raw[i*nvme.DSMRangeSize:])
		if !c.inRange(r.SLBA, uint64(r.Blocks)) {
			return nvme.StatusLBAOutOfRange | nvme.StatusDoNotRetry
		}
		c.stats.Deallocates++
		if !canDiscard {
			continue
		}
		bs := int64(c.cfg.BlockSize)
		if err := discarder.Discard(int64(r.SLBA)*bs, int64(r.Blocks)*bs); err != nil {
			c.l.WithError(err).Warn("backend discard failed")
			return nvme.StatusInternalError
		}
	}
	return nvme.StatusSuccess
}
