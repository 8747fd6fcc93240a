/*
 * Copyright 2025 memkit Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package buddy implements binary-buddy reservation and liberation over a
// power-of-two arena ("buddy system reservation & liberation", Knuth,
// The Art of Computer Programming).
//
// The arena is 2^k bytes. Order index 0 names the whole arena; each higher
// order index names blocks of half the previous size, down to 2^MinK
// bytes. A block's buddy at order index o sits at its offset XOR 2^(k-o).
//
// Availability is tracked by one bit per buddy pair. The bit does not
// record "free" directly: it is toggled on every allocation or liberation
// touching either buddy, so a set bit identifies a pair whose two halves
// are in different states, which is exactly the test that permits
// coalescing on free.
//
//	+-------+-----+---------------------------------------------------+
//	| op    | bit | result                                            |
//	+-------+-----+---------------------------------------------------+
//	| alloc |  0  | split buddies. return location. switch bit.       |
//	|       |  1  | return location. switch bit.                      |
//	+-------+-----+---------------------------------------------------+
//	| free  |  0  | buddy is allocated. release location. switch bit. |
//	|       |  1  | buddy is released. coalesce. switch bit.          |
//	+-------+-----+---------------------------------------------------+
//
// Every allocation is prefixed, inside the block's alignment slack, with a
// two-word header recording the order index and the raw block base. Free
// is pointer-only: it reads the header immediately below the user address.
//
//	+--------------+------------------------------------------+
//	| slack+header | aligned user bytes                       |
//	+--------------+------------------------------------------+
//	               `-> address returned to the caller
//
// A Heap is not safe for concurrent use.
package buddy

import (
	"fmt"
	"unsafe"

	"github.com/memkit/memkit/heap"
	"github.com/memkit/memkit/internal/bitx"
	"github.com/memkit/memkit/internal/rawlist"
)

const (
	// MinK is the order of the smallest block handed out: 2^MinK bytes.
	// Large enough that a free block can hold a freelist link and an
	// allocated one the header plus useful payload.
	MinK = 6
	// MaxK bounds the arena: at most 2^MaxK bytes.
	MaxK = 28

	// metaAlignment is the alignment of the pair-status bitset.
	metaAlignment = 32

	headerSize = unsafe.Sizeof(blockHeader{})
)

// blockHeader sits immediately before every address returned by Alloc.
// order is the order index the block was reserved at; base is the raw,
// unaligned address of the containing 2^(k-order)-byte block.
type blockHeader struct {
	order uintptr
	base  uintptr
}

// Heap is a buddy allocator over a single 2^k-byte arena drawn from a
// backing heap.
type Heap struct {
	h     *heap.Heap
	k     int
	align uintptr

	// nodes[o] anchors the freelist of order index o. The nodes are the
	// free blocks themselves.
	nodes []rawlist.List

	// bits is the pair-status bitset: one bit per buddy pair, toggled on
	// every reservation or liberation touching the pair.
	bits unsafe.Pointer

	// data is the arena base, aligned to align.
	data uintptr
}

// New builds a buddy heap managing 2^k bytes with user alignment align.
// Requires MinK < k <= MaxK and align a non-zero power of two. On failure
// any partially acquired resource is released.
func New(h *heap.Heap, k int, align uintptr) (*Heap, error) {
	if k <= MinK || k > MaxK {
		return nil, fmt.Errorf("buddy: order %d out of range (%d, %d]", k, MinK, MaxK)
	}
	if align == 0 || align&(align-1) != 0 {
		h.Tracef("buddy: alignment %d not a power of 2\n", align)
		return nil, fmt.Errorf("buddy: alignment %d not a power of 2", align)
	}

	nbits := 1 << (k - MinK)
	metaWords := (nbits + 31) / 32
	metaSize := metaWords * 4

	b := &Heap{
		h:     h,
		k:     k,
		align: align,
		nodes: make([]rawlist.List, k-MinK+1),
	}

	b.bits = h.AllocAligned(metaSize, metaAlignment)
	if b.bits == nil {
		return nil, fmt.Errorf("buddy: bitset allocation failed")
	}
	meta := unsafe.Slice((*byte)(b.bits), metaSize)
	for i := range meta {
		meta[i] = 0
	}

	arena := h.AllocAligned(1<<k, align)
	if arena == nil {
		h.FreeAligned(b.bits)
		return nil, fmt.Errorf("buddy: arena allocation failed")
	}
	b.data = uintptr(arena)
	b.nodes[0].Push(b.data)

	return b, nil
}

// Term releases the arena and the bitset. The heap must not be used after.
func (b *Heap) Term() {
	if b == nil || b.data == 0 {
		return
	}
	b.h.FreeAligned(unsafe.Pointer(b.data))
	b.h.FreeAligned(b.bits)
	b.data = 0
	b.bits = nil
}

// maxIndex is the order index of the smallest blocks.
func (b *Heap) maxIndex() int { return b.k - MinK }

// blockSize returns the byte size of blocks at order index o.
func (b *Heap) blockSize(o int) uintptr { return uintptr(1) << (b.k - o) }

// reserve is the per-allocation slack guaranteeing room for the header
// ahead of an align-aligned user address.
func (b *Heap) reserve() uintptr { return b.align - 1 + headerSize }

// sizeToIndex maps a byte size to the order index of the smallest block
// that fits it, saturating to the smallest-block order for tiny sizes.
// ok is false when the rounded size exceeds the arena.
func (b *Heap) sizeToIndex(n uintptr) (idx int, ok bool) {
	if n > uintptr(1)<<b.k {
		return 0, false
	}
	ceil := bitx.Pow2Roundup(uint32(n))
	if ceil == 0 || ceil > uint32(1)<<b.k {
		return 0, false
	}
	idx = b.k - bitx.TrailingZeros32(ceil)
	if idx > b.maxIndex() {
		idx = b.maxIndex()
	}
	return idx, true
}

// bitIndex maps a block at byte offset off and order index o to its
// pair-status bit. Both buddies of a pair map to the same bit; pairs at
// different orders map to disjoint bits.
func (b *Heap) bitIndex(o int, off uintptr) uint {
	blockIdx := off >> (b.k - o)
	node := blockIdx + uintptr(1)<<o - 1
	return uint(node/2 + node%2)
}

func (b *Heap) toggle(o int, off uintptr) {
	bitx.Switch(b.bits, b.bitIndex(o, off))
}

// splitTo splits larger free blocks down until order index idx has a free
// block, working from the nearest non-empty lower order index. Reports
// whether a donor block existed.
func (b *Heap) splitTo(idx int) bool {
	donor := -1
	for o := idx - 1; o >= 0; o-- {
		if !b.nodes[o].Empty() {
			donor = o
			break
		}
	}
	if donor == -1 {
		return false
	}
	for o := donor; o < idx; o++ {
		base := b.nodes[o].Pop()
		b.nodes[o+1].Push(base)
		b.nodes[o+1].Push(base + b.blockSize(o+1))
		b.toggle(o, base-b.data)
	}
	return true
}

// Alloc reserves at least n bytes and returns them as a slice whose data
// pointer is aligned to the heap's user alignment. The slice length is n;
// the capacity extends to the end of the reserved block. Returns nil when
// n == 0 or no block can satisfy the request.
//
// Pass the original slice back to Free; a reslice of its head (buf[m:])
// does not carry the header and must not be freed.
func (b *Heap) Alloc(n int) []byte {
	if n <= 0 {
		return nil
	}
	idx, ok := b.sizeToIndex(uintptr(n) + b.reserve())
	if !ok {
		return nil
	}
	if b.nodes[idx].Empty() && !b.splitTo(idx) {
		b.h.Tracef("buddy: no block available for size(%d)\n", n)
		return nil
	}
	base := b.nodes[idx].Pop()
	b.toggle(idx, base-b.data)

	user := (base + b.reserve()) &^ (b.align - 1)
	hdr := (*blockHeader)(unsafe.Pointer(user - headerSize))
	hdr.order = uintptr(idx)
	hdr.base = base

	end := base + b.blockSize(idx)
	return unsafe.Slice((*byte)(unsafe.Pointer(user)), end-user)[:n]
}

// Free liberates an allocation previously returned by Alloc, coalescing
// with its buddy as long as the pair-status bit permits. Freeing nil is a
// no-op. Panics if the block's header is inconsistent with this heap, or
// if the invariant tying the bitset to the freelists is found violated.
func (b *Heap) Free(buf []byte) {
	if buf == nil {
		return
	}
	user := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	hdr := (*blockHeader)(unsafe.Pointer(user - headerSize))
	order := int(hdr.order)
	base := hdr.base
	if order < 0 || order > b.maxIndex() {
		panic("buddy: free of block with invalid order")
	}
	off := base - b.data
	if off >= uintptr(1)<<b.k || off&(b.blockSize(order)-1) != 0 {
		panic("buddy: free of block outside arena")
	}

	for {
		off = base - b.data
		bit := b.bitIndex(order, off)

		if bitx.Check(b.bits, bit) && bit != 0 {
			// The buddy is free: reunite the pair and continue one
			// order up with the merged block.
			buddyOff := off ^ b.blockSize(order)
			if !b.nodes[order].Delete(b.data + buddyOff) {
				panic("buddy: buddy missing from freelist")
			}
			if off > buddyOff {
				base = b.data + buddyOff
			}
			bitx.Switch(b.bits, bit)
			order--
			continue
		}

		if order == 0 {
			b.h.Tracef("buddy: all blocks coalesced\n")
		}
		b.nodes[order].Push(base)
		bitx.Switch(b.bits, bit)
		return
	}
}

// Available returns the number of free arena bytes, counting whole blocks
// reachable from the freelists.
func (b *Heap) Available() int {
	total := 0
	for o := range b.nodes {
		total += b.nodes[o].Len() * int(b.blockSize(o))
	}
	return total
}
