package nvme

import (
	"github.com/miretskiy/nvmesim/engine"
)

// commandKey packs a queue id and command id the way completions are matched.
func commandKey(qid, cid uint16) uint32 {
	return uint32(qid)<<16 | uint32(cid)
}

// commandEntry is a submitted command waiting for its completion.
type commandEntry struct {
	qid       uint16
	cid       uint16
	opcode    uint8
	fn        CommandFunc
	data      any
	submitted engine.Tick
}

// queuePair is the host side of one submission/completion queue pair.
type queuePair struct {
	id     uint16
	vector uint16
	sq     *Ring
	cq     *Ring
	phase  bool // phase tag expected on the next new completion
	cid    uint16
	inUse  int
}

func newQueuePair(d *Driver, id, vector uint16, entries uint32) *queuePair {
	return &queuePair{
		id:     id,
		vector: vector,
		sq:     NewRing(d.mem, entries, CommandSize),
		cq:     NewRing(d.mem, entries, CompletionSize),
		phase:  true,
	}
}

// allocCID returns the next command id not still pending on this queue.
func (q *queuePair) allocCID(pending map[uint32]*commandEntry) uint16 {
	for i := 0; i <= 0xffff; i++ {
		cid := q.cid
		q.cid++
		if _, busy := pending[commandKey(q.id, cid)]; !busy {
			return cid
		}
	}
	engine.Fatalf(engine.FatalProtocol, "queue %d: command id space exhausted", q.id)
	return 0
}

func (q *queuePair) free() {
	q.sq.Free()
	q.cq.Free()
}
