package device

import (
	"fmt"
	"sync"
)

// Backend is the media behind a controller. It mirrors io.ReaderAt and
// io.WriterAt so real files or RAM can stand in for flash.
type Backend interface {
	// ReadAt reads len(p) bytes at off. Unwritten ranges read as zero.
	ReadAt(p []byte, off int64) (n int, err error)
	// WriteAt writes len(p) bytes at off.
	WriteAt(p []byte, off int64) (n int, err error)
	// Size returns the capacity in bytes.
	Size() int64
	// Flush makes previous writes durable.
	Flush() error
}

// DiscardBackend is implemented by media that can deallocate ranges.
type DiscardBackend interface {
	Backend
	Discard(offset, length int64) error
}

// StatBackend is implemented by media that report their own counters.
type StatBackend interface {
	Backend
	Stats() map[string]interface{}
}

const memoryChunkSize = 64 << 10

// Memory is a sparse RAM backend. Storage is allocated in fixed chunks on
// first write, so a large namespace costs only what the workload touches.
type Memory struct {
	mu     sync.RWMutex
	size   int64
	chunks map[int64][]byte

	flushes  uint64
	discards uint64
}

// NewMemory creates a memory backend of size bytes.
func NewMemory(size int64) *Memory {
	return &Memory{
		size:   size,
		chunks: make(map[int64][]byte),
	}
}

func (m *Memory) clamp(n int, off int64) (int, error) {
	if off < 0 || off >= m.size {
		return 0, fmt.Errorf("offset %d beyond end of device (%d bytes)", off, m.size)
	}
	if avail := m.size - off; int64(n) > avail {
		return int(avail), fmt.Errorf("access %d+%d beyond end of device (%d bytes)", off, n, m.size)
	}
	return n, nil
}

// ReadAt implements Backend.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, err := m.clamp(len(p), off)
	p = p[:n]
	for len(p) > 0 {
		idx, within := off/memoryChunkSize, off%memoryChunkSize
		span := min(int64(len(p)), memoryChunkSize-within)
		if c, ok := m.chunks[idx]; ok {
			copy(p[:span], c[within:within+span])
		} else {
			clear(p[:span])
		}
		p = p[span:]
		off += span
	}
	return n, err
}

// WriteAt implements Backend.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.clamp(len(p), off)
	p = p[:n]
	for len(p) > 0 {
		idx, within := off/memoryChunkSize, off%memoryChunkSize
		span := min(int64(len(p)), memoryChunkSize-within)
		c, ok := m.chunks[idx]
		if !ok {
			c = make([]byte, memoryChunkSize)
			m.chunks[idx] = c
		}
		copy(c[within:within+span], p[:span])
		p = p[span:]
		off += span
	}
	return n, err
}

// Size implements Backend.
func (m *Memory) Size() int64 {
	return m.size
}

// Flush implements Backend.
func (m *Memory) Flush() error {
	m.mu.Lock()
	m.flushes++
	m.mu.Unlock()
	return nil
}

// Discard zeroes a range and releases chunks it covers completely.
func (m *Memory) Discard(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset >= m.size {
		return nil
	}
	end := min(offset+length, m.size)
	m.discards++
	for off := offset; off < end; {
		idx, within := off/memoryChunkSize, off%memoryChunkSize
		span := min(end-off, memoryChunkSize-within)
		if c, ok := m.chunks[idx]; ok {
			if span == memoryChunkSize {
				delete(m.chunks, idx)
			} else {
				clear(c[within : within+span])
			}
		}
		off += span
	}
	return nil
}

// Stats implements StatBackend.
func (m *Memory) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"type":      "memory",
		"size":      m.size,
		"allocated": int64(len(m.chunks)) * memoryChunkSize,
		"flushes":   m.flushes,
		"discards":  m.discards,
	}
}

// Null drops writes and reads zeros. It serves runs that only care about
// timing.
type Null struct {
	size int64
}

// NewNull creates a null backend of size bytes.
func NewNull(size int64) *Null {
	return &Null{size: size}
}

// ReadAt implements Backend.
func (n *Null) ReadAt(p []byte, off int64) (int, error) {
	clear(p)
	return len(p), nil
}

// WriteAt implements Backend.
func (n *Null) WriteAt(p []byte, off int64) (int, error) {
	return len(p), nil
}

// Size implements Backend.
func (n *Null) Size() int64 { return n.size }

// Flush implements Backend.
func (n *Null) Flush() error { return nil }

var (
	_ Backend        = (*Memory)(nil)
	_ DiscardBackend = (*Memory)(nil)
	_ StatBackend    = (*Memory)(nil)
	_ Backend        = (*Null)(nil)
)
