package dma

import (
	"bytes"
	"testing"

	"github.com/miretskiy/nvmesim/engine"
	"github.com/stretchr/testify/require"
)

func requireFatal(t *testing.T, kind engine.FatalKind, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected fatal error")
		fe, ok := r.(*engine.FatalError)
		require.True(t, ok, "panic value %T", r)
		require.Equal(t, kind, fe.Kind)
	}()
	fn()
}

func TestAllocateIsPageAligned(t *testing.T) {
	m := NewMemory(4096, nil)
	for _, size := range []uint64{1, 4095, 4096, 4097, 3 * 4096} {
		addr, buf := m.Allocate(size)
		require.NotZero(t, addr)
		require.Zero(t, uint64(addr)%4096, "size %d", size)
		require.Equal(t, (size+4095)/4096*4096, uint64(len(buf)))
	}
	st := m.Stats()
	require.Equal(t, 5, st.LiveRegions)
	require.Equal(t, 1+1+1+2+3, st.LivePages)
}

func TestReadWriteAcrossPages(t *testing.T) {
	m := NewMemory(4096, nil)
	addr, buf := m.Allocate(3 * 4096)

	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	m.Write(addr+4000, data)
	require.True(t, bytes.Equal(data, buf[4000:9000]))

	out := make([]byte, 5000)
	m.Read(addr+4000, out)
	require.Equal(t, data, out)

	m.WriteUint64(addr+8, 0xdeadbeefcafef00d)
	require.Equal(t, uint64(0xdeadbeefcafef00d), m.ReadUint64(addr+8))
	require.Equal(t, byte(0x0d), buf[8], "little endian")
}

func TestSlice(t *testing.T) {
	m := NewMemory(4096, nil)
	addr, buf := m.Allocate(8192)
	s := m.Slice(addr+100, 200)
	s[0] = 0xaa
	require.Equal(t, byte(0xaa), buf[100])
	requireFatal(t, engine.FatalMemory, func() { m.Slice(addr+8000, 400) })
}

func TestFreedAccessIsFatal(t *testing.T) {
	m := NewMemory(4096, nil)
	addr, _ := m.Allocate(4096)
	other, _ := m.Allocate(4096)
	m.Free(addr)
	require.False(t, m.Allocated(addr))
	require.True(t, m.Allocated(other))

	requireFatal(t, engine.FatalMemory, func() { m.Read(addr, make([]byte, 8)) })
	requireFatal(t, engine.FatalMemory, func() { m.Write(addr+16, []byte{1}) })
	requireFatal(t, engine.FatalMemory, func() { m.Free(addr) })
	requireFatal(t, engine.FatalMemory, func() { m.Free(other + 8) })

	st := m.Stats()
	require.Equal(t, uint64(2), st.Allocations)
	require.Equal(t, uint64(1), st.Frees)
	require.Equal(t, 1, m.LogLeaks())
}

func TestAddressesAreNotReused(t *testing.T) {
	m := NewMemory(4096, nil)
	a, _ := m.Allocate(4096)
	m.Free(a)
	b, _ := m.Allocate(4096)
	require.NotEqual(t, a, b)
}

func TestPageSizeMustBePowerOfTwo(t *testing.T) {
	require.Panics(t, func() { NewMemory(3000, nil) })
	require.Panics(t, func() { NewMemory(0, nil) })
}
