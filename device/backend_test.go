package device

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryBackend(t *testing.T) {
	m := NewMemory(4 * memoryChunkSize)

	t.Run("unwritten reads zero", func(t *testing.T) {
		buf := bytes.Repeat([]byte{0xff}, 4096)
		n, err := m.ReadAt(buf, 8192)
		require.NoError(t, err)
		require.Equal(t, 4096, n)
		require.Equal(t, make([]byte, 4096), buf)
	})

	t.Run("write across chunks", func(t *testing.T) {
		data := make([]byte, memoryChunkSize+100)
		for i := range data {
			data[i] = byte(i * 7)
		}
		off := int64(memoryChunkSize - 50)
		n, err := m.WriteAt(data, off)
		require.NoError(t, err)
		require.Equal(t, len(data), n)

		got := make([]byte, len(data))
		_, err = m.ReadAt(got, off)
		require.NoError(t, err)
		require.Equal(t, data, got)
		require.Equal(t, int64(3*memoryChunkSize), m.Stats()["allocated"])
	})

	t.Run("access beyond end", func(t *testing.T) {
		n, err := m.WriteAt(make([]byte, 100), m.Size()-10)
		require.Error(t, err)
		require.Equal(t, 10, n)
		_, err = m.ReadAt(make([]byte, 1), m.Size())
		require.Error(t, err)
	})

	t.Run("discard releases whole chunks", func(t *testing.T) {
		require.NoError(t, m.Discard(0, 2*memoryChunkSize))
		got := make([]byte, 16)
		_, err := m.ReadAt(got, memoryChunkSize)
		require.NoError(t, err)
		require.Equal(t, make([]byte, 16), got)
		// chunk 0 was partial, chunk 1 released, chunk 2 untouched
		require.Equal(t, int64(2*memoryChunkSize), m.Stats()["allocated"])
		require.Equal(t, uint64(1), m.Stats()["discards"])
	})

	require.NoError(t, m.Flush())
	require.Equal(t, uint64(1), m.Stats()["flushes"])
}

func TestNullBackend(t *testing.T) {
	n := NewNull(1 << 20)
	_, err := n.WriteAt([]byte{1, 2, 3}, 0)
	require.NoError(t, err)
	buf := []byte{9, 9, 9}
	_, err = n.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0}, buf)
	require.Equal(t, int64(1<<20), n.Size())
}
