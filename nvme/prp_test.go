package nvme

import (
	"math/rand"
	"testing"

	"github.com/miretskiy/nvmesim/dma"
	"github.com/miretskiy/nvmesim/engine"
	"github.com/stretchr/testify/require"
)

const testPage = 4096

func TestPRPRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, length := range []uint64{1, 4095, 4096, 4097, 8192, 8193, testPage * testPage} {
		mem := dma.NewMemory(testPage, nil)
		p := NewPRPList(mem, length)

		in := make([]byte, length)
		rng.Read(in)
		p.WriteData(0, in)
		out := make([]byte, length)
		p.ReadData(0, out)
		require.Equal(t, in, out, "length %d", length)

		n := (length + testPage - 1) / testPage
		k := ListPages(n, testPage)
		require.Equal(t, int(n), p.Pages())
		require.Equal(t, int(k), p.ListPageCount())
		require.Equal(t, (n+k)*testPage, p.Capacity(), "length %d", length)

		// The controller-side walk must see exactly the same bytes.
		segs, err := ResolvePRP(mem, p.PRP1(), p.PRP2(), length)
		require.NoError(t, err)
		gathered := make([]byte, length)
		CopyFromSegments(mem, segs, gathered)
		require.Equal(t, in, gathered, "length %d", length)

		p.Free()
		require.Zero(t, mem.Stats().LiveRegions)
	}
}

func TestPRPLayout(t *testing.T) {
	mem := dma.NewMemory(testPage, nil)

	t.Run("one page uses prp1 only", func(t *testing.T) {
		p := NewPRPList(mem, 100)
		require.NotZero(t, p.PRP1())
		require.Zero(t, p.PRP2())
		p.Free()
	})

	t.Run("two pages use both pointers", func(t *testing.T) {
		p := NewPRPList(mem, 8192)
		require.Equal(t, p.PRP1()+testPage, p.PRP2())
		require.Zero(t, p.ListPageCount())
		p.Free()
	})

	t.Run("three pages use a list", func(t *testing.T) {
		p := NewPRPList(mem, 8193)
		require.Equal(t, 1, p.ListPageCount())
		require.Equal(t, p.PRP1()+2*testPage, mem.ReadUint64(dma.Addr(p.PRP2())+8))
		p.Free()
	})

	t.Run("list pages chain through the last slot", func(t *testing.T) {
		entries := uint64(testPage / 8)
		// n-1 = entries+1 list entries need two list pages.
		p := NewPRPList(mem, (entries+2)*testPage)
		require.Equal(t, 2, p.ListPageCount())
		link := mem.ReadUint64(dma.Addr(p.PRP2()) + dma.Addr((entries-1)*8))
		require.Equal(t, p.PRP2()+testPage, link)
		p.Free()
	})
}

func TestListPages(t *testing.T) {
	e := uint64(testPage / 8)
	cases := []struct {
		pages, want uint64
	}{
		{1, 0},
		{2, 0},
		{3, 1},
		{e + 1, 1},
		{e + 2, 2},
		{2*e - 1 + 1, 2},
		{testPage, 9},
	}
	for _, c := range cases {
		require.Equal(t, c.want, ListPages(c.pages, testPage), "pages=%d", c.pages)
	}
}

func TestPRPPartialAccessSpansListBoundary(t *testing.T) {
	mem := dma.NewMemory(testPage, nil)
	entries := uint64(testPage / 8)
	length := (entries + 10) * testPage
	p := NewPRPList(mem, length)
	defer p.Free()

	// Straddle the data page referenced by the last entry of the first list page.
	off := (entries-1)*testPage - 100
	in := make([]byte, 3*testPage)
	for i := range in {
		in[i] = byte(i % 251)
	}
	p.WriteData(off, in)
	out := make([]byte, len(in))
	p.ReadData(off, out)
	require.Equal(t, in, out)

	segs, err := ResolvePRP(mem, p.PRP1(), p.PRP2(), length)
	require.NoError(t, err)
	require.Len(t, segs, int(entries+10))
}

func TestPRPMisuseIsFatal(t *testing.T) {
	mem := dma.NewMemory(testPage, nil)
	p := NewPRPList(mem, 4096)

	fatal := func(kind engine.FatalKind, fn func()) {
		t.Helper()
		defer func() {
			r := recover()
			fe, ok := r.(*engine.FatalError)
			require.True(t, ok, "panic value %v", r)
			require.Equal(t, kind, fe.Kind)
		}()
		fn()
	}
	fatal(engine.FatalMemory, func() { p.WriteData(4000, make([]byte, 200)) })
	p.Free()
	fatal(engine.FatalMemory, func() { p.ReadData(0, make([]byte, 1)) })
	fatal(engine.FatalMemory, func() { p.Free() })
	fatal(engine.FatalInvalidRequest, func() { NewPRPList(mem, 0) })
}

func TestResolvePRPRejectsBadPointers(t *testing.T) {
	mem := dma.NewMemory(testPage, nil)
	_, err := ResolvePRP(mem, 0, 0, 10)
	require.Error(t, err)

	addr, _ := mem.Allocate(testPage)
	_, err = ResolvePRP(mem, uint64(addr), uint64(addr)+3, 2*testPage)
	require.Error(t, err)

	// List entries that point nowhere.
	_, err = ResolvePRP(mem, uint64(addr), uint64(addr), 3*testPage)
	require.Error(t, err)
}
