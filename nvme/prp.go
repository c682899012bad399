package nvme

import (
	"encoding/binary"
	"fmt"

	"github.com/miretskiy/nvmesim/dma"
	"github.com/miretskiy/nvmesim/engine"
)

// PRPList is a host transfer buffer described by physical region page
// entries: PRP1 alone for one page, PRP1 and PRP2 for two, and otherwise PRP2
// pointing at a chain of list pages. Every list page holds page/8 entries; the
// last entry of a full list page links to the next list page.
type PRPList struct {
	mem      *dma.Memory
	pageSize uint64
	length   uint64

	data  dma.Addr // first data page, data pages are contiguous
	pages []dma.Addr
	list  dma.Addr // first list page, 0 when unused
	nlist int

	prp1, prp2 uint64
	freed      bool
}

// ListPages returns the number of list pages needed to describe n data pages.
func ListPages(n, pageSize uint64) uint64 {
	if n <= 2 {
		return 0
	}
	perPage := pageSize / 8
	rest := n - 1
	if rest <= perPage {
		return 1
	}
	return (rest - 1 + perPage - 2) / (perPage - 1)
}

// NewPRPList allocates page-aligned storage for length bytes and builds the
// descriptor chain.
func NewPRPList(mem *dma.Memory, length uint64) *PRPList {
	if length == 0 {
		engine.Fatalf(engine.FatalInvalidRequest, "zero length transfer")
	}
	pageSize := mem.PageSize()
	n := (length + pageSize - 1) / pageSize

	p := &PRPList{
		mem:      mem,
		pageSize: pageSize,
		length:   length,
		pages:    make([]dma.Addr, n),
	}
	p.data, _ = mem.Allocate(n * pageSize)
	for i := range p.pages {
		p.pages[i] = p.data + dma.Addr(uint64(i)*pageSize)
	}

	p.prp1 = uint64(p.pages[0])
	switch {
	case n == 2:
		p.prp2 = uint64(p.pages[1])
	case n > 2:
		p.buildList()
	}
	return p
}

func (p *PRPList) buildList() {
	k := ListPages(uint64(len(p.pages)), p.pageSize)
	perPage := p.pageSize / 8
	var buf []byte
	p.list, buf = p.mem.Allocate(k * p.pageSize)
	p.nlist = int(k)
	p.prp2 = uint64(p.list)

	rest := p.pages[1:]
	for lp := uint64(0); lp < k; lp++ {
		page := buf[lp*p.pageSize : (lp+1)*p.pageSize]
		slots := perPage
		if uint64(len(rest)) > perPage {
			slots = perPage - 1
		}
		for i := uint64(0); i < slots && len(rest) > 0; i++ {
			binary.LittleEndian.PutUint64(page[i*8:], uint64(rest[0]))
			rest = rest[1:]
		}
		if len(rest) > 0 {
			next := p.list + dma.Addr((lp+1)*p.pageSize)
			binary.LittleEndian.PutUint64(page[(perPage-1)*8:], uint64(next))
		}
	}
	if len(rest) != 0 {
		panic(fmt.Sprintf("nvme: %d prp entries left after %d list pages", len(rest), k))
	}
}

// PRP1 returns the first descriptor dword pair.
func (p *PRPList) PRP1() uint64 { return p.prp1 }

// PRP2 returns the second data page, the first list page, or zero.
func (p *PRPList) PRP2() uint64 { return p.prp2 }

// Length returns the transfer length requested at allocation.
func (p *PRPList) Length() uint64 { return p.length }

// Pages returns the number of data pages.
func (p *PRPList) Pages() int { return len(p.pages) }

// ListPageCount returns the number of list pages in the chain.
func (p *PRPList) ListPageCount() int { return p.nlist }

// Capacity returns the bytes allocated for data and list pages together.
func (p *PRPList) Capacity() uint64 {
	return uint64(len(p.pages)+p.nlist) * p.pageSize
}

func (p *PRPList) checkRange(offset, n uint64) {
	if p.freed {
		engine.Fatalf(engine.FatalMemory, "access to freed prp list")
	}
	if offset+n > uint64(len(p.pages))*p.pageSize {
		engine.Fatalf(engine.FatalMemory, "prp access %d+%d beyond %d bytes", offset, n, p.length)
	}
}

// ReadData copies len(out) bytes at offset out of the data pages.
func (p *PRPList) ReadData(offset uint64, out []byte) {
	p.checkRange(offset, uint64(len(out)))
	for len(out) > 0 {
		pg, off := offset/p.pageSize, offset%p.pageSize
		n := min(uint64(len(out)), p.pageSize-off)
		p.mem.Read(p.pages[pg]+dma.Addr(off), out[:n])
		out = out[n:]
		offset += n
	}
}

// WriteData copies in into the data pages at offset.
func (p *PRPList) WriteData(offset uint64, in []byte) {
	p.checkRange(offset, uint64(len(in)))
	for len(in) > 0 {
		pg, off := offset/p.pageSize, offset%p.pageSize
		n := min(uint64(len(in)), p.pageSize-off)
		p.mem.Write(p.pages[pg]+dma.Addr(off), in[:n])
		in = in[n:]
		offset += n
	}
}

// Free releases the data and list pages. A second Free is fatal.
func (p *PRPList) Free() {
	if p.freed {
		engine.Fatalf(engine.FatalMemory, "double free of prp list")
	}
	p.freed = true
	p.mem.Free(p.data)
	if p.list != 0 {
		p.mem.Free(p.list)
	}
}

// Segment is one contiguous piece of a transfer in DMA memory.
type Segment struct {
	Addr dma.Addr
	Len  uint64
}

// ResolvePRP walks a PRP pair the way a controller does and returns the data
// segments covering length bytes. PRP1 may carry a page offset; every other
// entry must be page aligned.
func ResolvePRP(mem *dma.Memory, prp1, prp2, length uint64) ([]Segment, error) {
	if length == 0 {
		return nil, nil
	}
	if prp1 == 0 {
		return nil, fmt.Errorf("prp1 is null")
	}
	pageSize := mem.PageSize()
	first := min(length, pageSize-prp1%pageSize)
	segs := []Segment{{Addr: dma.Addr(prp1), Len: first}}
	remaining := length - first
	if remaining == 0 {
		return segs, nil
	}
	if remaining <= pageSize {
		if prp2 == 0 || prp2%pageSize != 0 {
			return nil, fmt.Errorf("invalid prp2 %#x for second page", prp2)
		}
		return append(segs, Segment{Addr: dma.Addr(prp2), Len: remaining}), nil
	}

	perPage := pageSize / 8
	entry := dma.Addr(prp2)
	if prp2 == 0 || prp2%8 != 0 {
		return nil, fmt.Errorf("invalid prp list pointer %#x", prp2)
	}
	for remaining > 0 {
		if !mem.Allocated(entry) {
			return nil, fmt.Errorf("prp list entry %#x not in host memory", uint64(entry))
		}
		v := mem.ReadUint64(entry)
		slot := (uint64(entry) % pageSize) / 8
		if slot == perPage-1 && remaining > pageSize {
			if v == 0 || v%pageSize != 0 {
				return nil, fmt.Errorf("invalid prp list link %#x", v)
			}
			entry = dma.Addr(v)
			continue
		}
		if v == 0 || v%pageSize != 0 {
			return nil, fmt.Errorf("misaligned prp entry %#x", v)
		}
		n := min(remaining, pageSize)
		segs = append(segs, Segment{Addr: dma.Addr(v), Len: n})
		remaining -= n
		entry += 8
	}
	return segs, nil
}

// CopyFromSegments gathers the segments into out.
func CopyFromSegments(mem *dma.Memory, segs []Segment, out []byte) {
	for _, s := range segs {
		mem.Read(s.Addr, out[:s.Len])
		out = out[s.Len:]
	}
}

// CopyToSegments scatters in across the segments.
func CopyToSegments(mem *dma.Memory, segs []Segment, in []byte) {
	for _, s := range segs {
		mem.Write(s.Addr, in[:s.Len])
		in = in[s.Len:]
	}
}
