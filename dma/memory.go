// Package dma models host memory that a device reaches by address.
//
// Addresses are opaque page-aligned handles handed out by Allocate. They carry
// no relation to Go pointers, so a freed region can be detected on every access
// instead of silently aliasing reused storage.
package dma

import (
	"encoding/binary"
	"fmt"

	"github.com/miretskiy/nvmesim/engine"
	"github.com/miretskiy/nvmesim/internal/logging"
	"github.com/sirupsen/logrus"
)

// Addr is a host memory address. Zero is never allocated.
type Addr uint64

// DefaultPageSize is the host page size used when none is configured.
const DefaultPageSize = 4096

type region struct {
	base Addr
	buf  []byte
}

// Memory is a page-granular address space. It is not safe for concurrent use.
type Memory struct {
	pageSize uint64
	pages    map[uint64]*region // page number -> owning region
	regions  map[Addr]*region
	nextPage uint64

	allocations uint64
	frees       uint64

	l *logrus.Logger
}

// Stats counts live and historical allocations.
type Stats struct {
	PageSize    uint64 `json:"pageSize"`
	LivePages   int    `json:"livePages"`
	LiveRegions int    `json:"liveRegions"`
	Allocations uint64 `json:"allocations"`
	Frees       uint64 `json:"frees"`
}

// NewMemory creates an empty address space. pageSize must be a power of two.
func NewMemory(pageSize uint64, l *logrus.Logger) *Memory {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		panic(fmt.Sprintf("dma: page size %d is not a power of two", pageSize))
	}
	if l == nil {
		l = logging.Discard()
	}
	return &Memory{
		pageSize: pageSize,
		pages:    make(map[uint64]*region),
		regions:  make(map[Addr]*region),
		nextPage: 1,
		l:        l,
	}
}

// PageSize returns the page size of the address space.
func (m *Memory) PageSize() uint64 {
	return m.pageSize
}

// Allocate reserves enough whole pages to hold size bytes and returns the
// page-aligned base address together with the zeroed backing slice.
func (m *Memory) Allocate(size uint64) (Addr, []byte) {
	if size == 0 {
		size = 1
	}
	npages := (size + m.pageSize - 1) / m.pageSize
	r := &region{
		base: Addr(m.nextPage * m.pageSize),
		buf:  make([]byte, npages*m.pageSize),
	}
	for i := uint64(0); i < npages; i++ {
		m.pages[m.nextPage+i] = r
	}
	m.nextPage += npages
	m.regions[r.base] = r
	m.allocations++
	return r.base, r.buf
}

// Free releases the region starting at addr. Freeing anything other than a
// live region base is fatal.
func (m *Memory) Free(addr Addr) {
	r, ok := m.regions[addr]
	if !ok {
		engine.Fatalf(engine.FatalMemory, "free of unallocated address %#x", uint64(addr))
	}
	first := uint64(addr) / m.pageSize
	for i := uint64(0); i < uint64(len(r.buf))/m.pageSize; i++ {
		delete(m.pages, first+i)
	}
	delete(m.regions, addr)
	m.frees++
}

func (m *Memory) lookup(a Addr) (*region, uint64) {
	r, ok := m.pages[uint64(a)/m.pageSize]
	if !ok {
		engine.Fatalf(engine.FatalMemory, "access to unallocated address %#x", uint64(a))
	}
	return r, uint64(a - r.base)
}

// Read copies len(p) bytes starting at addr into p. The range may cross
// region boundaries as long as every page it touches is allocated.
func (m *Memory) Read(addr Addr, p []byte) {
	for len(p) > 0 {
		r, off := m.lookup(addr)
		n := copy(p, r.buf[off:])
		p = p[n:]
		addr += Addr(n)
	}
}

// Write copies p into memory starting at addr.
func (m *Memory) Write(addr Addr, p []byte) {
	for len(p) > 0 {
		r, off := m.lookup(addr)
		n := copy(r.buf[off:], p)
		p = p[n:]
		addr += Addr(n)
	}
}

// Slice returns the backing bytes for [addr, addr+n) when the range lies in a
// single region.
func (m *Memory) Slice(addr Addr, n uint64) []byte {
	r, off := m.lookup(addr)
	if off+n > uint64(len(r.buf)) {
		engine.Fatalf(engine.FatalMemory, "slice %#x+%d crosses region end", uint64(addr), n)
	}
	return r.buf[off : off+n]
}

// ReadUint64 reads a little-endian 64-bit word.
func (m *Memory) ReadUint64(addr Addr) uint64 {
	var b [8]byte
	m.Read(addr, b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// WriteUint64 stores a little-endian 64-bit word.
func (m *Memory) WriteUint64(addr Addr, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.Write(addr, b[:])
}

// Allocated reports whether addr lies in a live region.
func (m *Memory) Allocated(addr Addr) bool {
	_, ok := m.pages[uint64(addr)/m.pageSize]
	return ok
}

// Stats returns allocation counters.
func (m *Memory) Stats() Stats {
	return Stats{
		PageSize:    m.pageSize,
		LivePages:   len(m.pages),
		LiveRegions: len(m.regions),
		Allocations: m.allocations,
		Frees:       m.frees,
	}
}

// LogLeaks warns about every region still allocated. Called at teardown.
func (m *Memory) LogLeaks() int {
	for base, r := range m.regions {
		m.l.WithFields(logrus.Fields{"addr": fmt.Sprintf("%#x", uint64(base)), "bytes": len(r.buf)}).
			Warn("dma region not freed")
	}
	return len(m.regions)
}
