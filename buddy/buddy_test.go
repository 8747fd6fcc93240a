package buddy

import (
	"math/rand"
	"sort"
	"testing"
	"unsafe"

	"github.com/bytedance/gopkg/util/xxhash3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memkit/memkit/heap"
)

// test geometry from the concrete scenarios: 1KB arena, 64B smallest
// blocks, 8-byte user alignment.
const (
	testK     = 10
	testAlign = 8
)

func newTestHeap(t *testing.T, k int, align uintptr) (*heap.Heap, *Heap) {
	bh := heap.New(heap.Count)
	b, err := New(bh, k, align)
	require.NoError(t, err)
	return bh, b
}

// checkAllFree asserts the quiescent terminal state: the whole arena on
// freelist 0 and every pair-status bit zero.
func checkAllFree(t *testing.T, b *Heap) {
	t.Helper()
	require.Equal(t, 1, b.nodes[0].Len(), "order 0 must hold the arena")
	require.Equal(t, b.data, b.nodes[0].Head())
	for o := 1; o <= b.maxIndex(); o++ {
		assert.Zero(t, b.nodes[o].Len(), "freelist[%d] not empty", o)
	}
	nbits := 1 << (b.k - MinK)
	words := unsafe.Slice((*uint32)(b.bits), (nbits+31)/32)
	for i, w := range words {
		assert.Zero(t, w, "bitset word %d not zero", i)
	}
}

// freeOffsets returns the arena offsets on freelist o, sorted.
func freeOffsets(b *Heap, o int) []uintptr {
	var offs []uintptr
	b.nodes[o].Walk(func(p uintptr) { offs = append(offs, p-b.data) })
	sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })
	return offs
}

func hdrOf(buf []byte) *blockHeader {
	p := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	return (*blockHeader)(unsafe.Pointer(p - headerSize))
}

func TestNew(t *testing.T) {
	bh := heap.New(0)
	tests := []struct {
		name    string
		k       int
		align   uintptr
		wantErr bool
	}{
		{"valid_small", 10, 8, false},
		{"valid_large", 20, 64, false},
		{"k_at_min", MinK, 8, true},
		{"k_below_min", 3, 8, true},
		{"k_above_max", MaxK + 1, 8, true},
		{"align_zero", 10, 0, true},
		{"align_not_pow2", 10, 24, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(bh, tt.k, tt.align)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			checkAllFree(t, b)
			b.Term()
		})
	}
	bh.Term()
}

func TestNewReleasesEverythingAtTerm(t *testing.T) {
	bh := heap.New(heap.Count)
	b, err := New(bh, testK, testAlign)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), bh.AllocCount(), "bitset + arena")
	b.Term()
	assert.Equal(t, uint32(0), bh.AllocCount())
	bh.Term()
}

func TestAllocZero(t *testing.T) {
	_, b := newTestHeap(t, testK, testAlign)
	assert.Nil(t, b.Alloc(0))
	checkAllFree(t, b)
	b.Term()
}

func TestAllocTooLarge(t *testing.T) {
	_, b := newTestHeap(t, testK, testAlign)
	reserve := int(b.reserve())

	// anything past 2^K - reserve cannot be served
	assert.Nil(t, b.Alloc(1<<testK))
	assert.Nil(t, b.Alloc(1<<testK-reserve+1))
	checkAllFree(t, b)

	// the largest serviceable request takes the whole arena
	buf := b.Alloc(1<<testK - reserve)
	require.NotNil(t, buf)
	assert.Equal(t, uintptr(0), hdrOf(buf).order)
	b.Free(buf)
	checkAllFree(t, b)
	b.Term()
}

// S1: a 200-byte request lands in a 256-byte block after two splits,
// leaving a 512-byte block free at order 1 and a 256-byte block at
// order 2.
func TestScenarioSplitChain(t *testing.T) {
	_, b := newTestHeap(t, testK, testAlign)

	buf := b.Alloc(200)
	require.NotNil(t, buf)
	require.Len(t, buf, 200)
	assert.Zero(t, uintptr(unsafe.Pointer(&buf[0]))%testAlign)

	assert.Equal(t, []uintptr{0}, freeOffsets(b, 1))
	assert.Equal(t, []uintptr{512}, freeOffsets(b, 2))
	assert.Empty(t, freeOffsets(b, 3))
	assert.Empty(t, freeOffsets(b, 4))

	hdr := hdrOf(buf)
	assert.Equal(t, uintptr(2), hdr.order)
	assert.Equal(t, uintptr(768), hdr.base-b.data)

	b.Free(buf)
	checkAllFree(t, b)
	b.Term()
}

// S2: free(alloc(n)) restores the initial state.
func TestScenarioRoundTrip(t *testing.T) {
	_, b := newTestHeap(t, testK, testAlign)

	buf := b.Alloc(100)
	require.NotNil(t, buf)
	b.Free(buf)
	checkAllFree(t, b)

	// round-trip again: the allocator must hand back the same location
	again := b.Alloc(100)
	require.NotNil(t, again)
	assert.Equal(t, unsafe.SliceData(buf), unsafe.SliceData(again))
	b.Free(again)
	checkAllFree(t, b)
	b.Term()
}

// S3 and S6: both coalesce walks unwind fully to order 0, in either free
// order.
func TestScenarioCoalesceOrderIndependent(t *testing.T) {
	_, b := newTestHeap(t, testK, testAlign)

	for _, reversed := range []bool{false, true} {
		p := b.Alloc(100)
		q := b.Alloc(100)
		require.NotNil(t, p)
		require.NotNil(t, q)
		if reversed {
			b.Free(q)
			b.Free(p)
		} else {
			b.Free(p)
			b.Free(q)
		}
		checkAllFree(t, b)
	}
	b.Term()
}

// S4: the arena fragments into exactly 2^(K-MinK) smallest blocks.
func TestScenarioExhaustSmallestBlocks(t *testing.T) {
	_, b := newTestHeap(t, testK, testAlign)

	n := 1 << (testK - MinK)
	bufs := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		buf := b.Alloc(8)
		require.NotNil(t, buf, "alloc %d of %d", i+1, n)
		assert.Equal(t, uintptr(b.maxIndex()), hdrOf(buf).order)
		bufs = append(bufs, buf)
	}

	// arena exhausted: nothing of any size can be served
	assert.Nil(t, b.Alloc(8))
	assert.Nil(t, b.Alloc(1))
	assert.Nil(t, b.Alloc(500))

	for _, buf := range bufs {
		b.Free(buf)
	}
	checkAllFree(t, b)
	b.Term()
}

// S5: 600 bytes plus the reserve exceeds half the arena, so the request
// takes the whole 1024-byte block.
func TestScenarioOversizedHalf(t *testing.T) {
	_, b := newTestHeap(t, testK, testAlign)

	buf := b.Alloc(600)
	require.NotNil(t, buf)
	assert.Equal(t, uintptr(0), hdrOf(buf).order)
	for o := 0; o <= b.maxIndex(); o++ {
		assert.Empty(t, freeOffsets(b, o))
	}

	b.Free(buf)
	checkAllFree(t, b)
	b.Term()
}

func TestFreeNil(t *testing.T) {
	_, b := newTestHeap(t, testK, testAlign)
	b.Free(nil)
	checkAllFree(t, b)
	b.Term()
}

func TestAlignment(t *testing.T) {
	for _, align := range []uintptr{8, 16, 64, 256} {
		_, b := newTestHeap(t, 12, align)
		for _, n := range []int{1, 7, 100, 333, 1024} {
			buf := b.Alloc(n)
			require.NotNil(t, buf, "align=%d n=%d", align, n)
			assert.Zero(t, uintptr(unsafe.Pointer(&buf[0]))%align, "align=%d n=%d", align, n)
			b.Free(buf)
		}
		checkAllFree(t, b)
		b.Term()
	}
}

// the containing block always has room for the request, the alignment
// slack and the header.
func TestSizeUpperBound(t *testing.T) {
	_, b := newTestHeap(t, 12, 16)
	for _, n := range []int{1, 63, 64, 65, 200, 1000, 2048} {
		buf := b.Alloc(n)
		require.NotNil(t, buf, "n=%d", n)
		hdr := hdrOf(buf)
		blockSize := b.blockSize(int(hdr.order))
		assert.GreaterOrEqual(t, blockSize, uintptr(n)+b.reserve(), "n=%d", n)
		b.Free(buf)
	}
	checkAllFree(t, b)
	b.Term()
}

// a 1-byte allocation at the deepest order unwinds all the way back to
// order 0 on free.
func TestDeepCoalesce(t *testing.T) {
	_, b := newTestHeap(t, 16, 8)
	buf := b.Alloc(1)
	require.NotNil(t, buf)
	assert.Equal(t, uintptr(b.maxIndex()), hdrOf(buf).order)
	b.Free(buf)
	checkAllFree(t, b)
	b.Term()
}

func TestHeaderValidation(t *testing.T) {
	_, b := newTestHeap(t, testK, testAlign)
	buf := b.Alloc(100)
	require.NotNil(t, buf)
	hdr := hdrOf(buf)

	order, base := hdr.order, hdr.base

	hdr.order = 200
	assert.Panics(t, func() { b.Free(buf) })
	hdr.order = order

	hdr.base = base + 1 // misaligned for its order
	assert.Panics(t, func() { b.Free(buf) })
	hdr.base = base

	b.Free(buf)
	checkAllFree(t, b)
	b.Term()
}

// total accounting: free bytes plus live block bytes always cover the
// arena exactly.
func TestAccounting(t *testing.T) {
	_, b := newTestHeap(t, 14, 8)
	arena := 1 << 14

	check := func(live map[*byte][]byte) {
		held := 0
		for _, buf := range live {
			held += int(b.blockSize(int(hdrOf(buf).order)))
		}
		require.Equal(t, arena, b.Available()+held)
	}

	rng := rand.New(rand.NewSource(1))
	live := make(map[*byte][]byte)
	for i := 0; i < 500; i++ {
		if rng.Intn(2) == 0 {
			buf := b.Alloc(1 + rng.Intn(2000))
			if buf != nil {
				live[&buf[0]] = buf
			}
		} else {
			for k, buf := range live {
				b.Free(buf)
				delete(live, k)
				break
			}
		}
		check(live)
	}
	for _, buf := range live {
		b.Free(buf)
	}
	checkAllFree(t, b)
	assert.Equal(t, arena, b.Available())
	b.Term()
}

// randomized stress: concurrently-live allocations never overlap and
// their contents survive until freed.
func TestStressIntegrity(t *testing.T) {
	bh, b := newTestHeap(t, 16, 8)

	type alloc struct {
		buf []byte
		sum uint64
	}
	rng := rand.New(rand.NewSource(42))
	var live []alloc

	fill := func(buf []byte) uint64 {
		rng.Read(buf)
		return xxhash3.Hash(buf)
	}

	for round := 0; round < 2000; round++ {
		if rng.Intn(3) != 0 {
			n := 1 + rng.Intn(4096)
			buf := b.Alloc(n)
			if buf == nil {
				continue
			}
			live = append(live, alloc{buf: buf, sum: fill(buf)})
		} else if len(live) > 0 {
			i := rng.Intn(len(live))
			a := live[i]
			require.Equal(t, a.sum, xxhash3.Hash(a.buf), "contents changed while live")
			b.Free(a.buf)
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
		}
	}

	// live block ranges are pairwise disjoint
	sort.Slice(live, func(i, j int) bool {
		return hdrOf(live[i].buf).base < hdrOf(live[j].buf).base
	})
	for i := 1; i < len(live); i++ {
		prev, cur := hdrOf(live[i-1].buf), hdrOf(live[i].buf)
		prevEnd := prev.base + b.blockSize(int(prev.order))
		require.LessOrEqual(t, prevEnd, cur.base, "live blocks overlap")
	}

	for _, a := range live {
		require.Equal(t, a.sum, xxhash3.Hash(a.buf))
		b.Free(a.buf)
	}
	checkAllFree(t, b)
	b.Term()
	bh.Term()
}
