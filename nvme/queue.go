package nvme

import (
	"fmt"

	"github.com/miretskiy/nvmesim/dma"
)

// Ring is a fixed entries x stride circular buffer in DMA memory, shared by a
// host and a device as a submission or completion queue.
//
// Head is where the next record is consumed, tail where the next is produced.
// Fullness is not tracked: the owner must not produce faster than the queue
// protocol lets the other side consume.
type Ring struct {
	mem     *dma.Memory
	addr    dma.Addr
	buf     []byte
	entries uint32
	stride  uint32
	head    uint32
	tail    uint32
	owned   bool
}

// NewRing allocates zeroed storage for entries records of stride bytes.
func NewRing(mem *dma.Memory, entries, stride uint32) *Ring {
	if entries == 0 || stride == 0 {
		panic(fmt.Sprintf("nvme: ring with %d entries of %d bytes", entries, stride))
	}
	addr, buf := mem.Allocate(uint64(entries) * uint64(stride))
	return &Ring{
		mem:     mem,
		addr:    addr,
		buf:     buf[:uint64(entries)*uint64(stride)],
		entries: entries,
		stride:  stride,
		owned:   true,
	}
}

// AttachRing maps a ring another party allocated at addr. This is the device
// side view of a host queue.
func AttachRing(mem *dma.Memory, addr dma.Addr, entries, stride uint32) *Ring {
	return &Ring{
		mem:     mem,
		addr:    addr,
		buf:     mem.Slice(addr, uint64(entries)*uint64(stride)),
		entries: entries,
		stride:  stride,
	}
}

// Addr returns the DMA address of entry 0.
func (r *Ring) Addr() dma.Addr { return r.addr }

// Entries returns the ring capacity in records.
func (r *Ring) Entries() uint32 { return r.entries }

// Stride returns the record size.
func (r *Ring) Stride() uint32 { return r.stride }

// Head returns the consumer cursor.
func (r *Ring) Head() uint32 { return r.head }

// Tail returns the producer cursor.
func (r *Ring) Tail() uint32 { return r.tail }

func (r *Ring) slot(i uint32, n int) []byte {
	if n > int(r.stride) {
		panic(fmt.Sprintf("nvme: %d byte access to %d byte ring slot", n, r.stride))
	}
	off := i * r.stride
	return r.buf[off : off+uint32(n)]
}

// Peek copies len(p) bytes of the record at head without advancing.
func (r *Ring) Peek(p []byte) {
	copy(p, r.slot(r.head, len(p)))
}

// Consume copies the record at head and advances head.
func (r *Ring) Consume(p []byte) {
	r.Peek(p)
	r.AdvanceHead()
}

// Produce copies p into the record at tail and advances tail.
func (r *Ring) Produce(p []byte) {
	copy(r.slot(r.tail, len(p)), p)
	r.AdvanceTail()
}

// AdvanceHead moves head forward one record, wrapping at Entries.
func (r *Ring) AdvanceHead() {
	r.head++
	if r.head == r.entries {
		r.head = 0
	}
}

// AdvanceTail moves tail forward one record, wrapping at Entries.
func (r *Ring) AdvanceTail() {
	r.tail++
	if r.tail == r.entries {
		r.tail = 0
	}
}

// SetHead moves head to i, used when the other side reports its cursor.
func (r *Ring) SetHead(i uint32) {
	r.head = i % r.entries
}

// SetTail moves tail to i.
func (r *Ring) SetTail(i uint32) {
	r.tail = i % r.entries
}

// Used returns the number of records between head and tail.
func (r *Ring) Used() uint32 {
	if r.tail >= r.head {
		return r.tail - r.head
	}
	return r.entries - r.head + r.tail
}

// Full reports whether producing one more record would make tail catch head.
func (r *Ring) Full() bool {
	return r.Used() == r.entries-1
}

// Free releases the storage of a ring created with NewRing.
func (r *Ring) Free() {
	if r.owned {
		r.mem.Free(r.addr)
		r.owned = false
	}
	r.buf = nil
}
