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

// Package block implements a fixed-size cell allocator: a slab of up to
// 255 identical cells with an O(1) freelist threaded through the free
// cells themselves. Each free cell stores the index of the next free cell
// in its first byte.
//
// A Heap is not safe for concurrent use.
package block

import (
	"fmt"
	"unsafe"

	"github.com/memkit/memkit/heap"
)

// MaxCells is the largest cell count a block heap can manage; cell
// indices must fit in the single byte threaded through free cells.
const MaxCells = 255

// endOfList terminates the in-place freelist.
const endOfList = 0xFF

// Heap carves a slab of ncells equal cells out of a backing heap.
// The invariant nfree == ncells - live_count holds between calls.
type Heap struct {
	h        *heap.Heap
	elemSize uintptr
	ncells   int
	nfree    int

	// firstFree is the cell index popped by the next Alloc; endOfList
	// when the slab is exhausted.
	firstFree int

	data uintptr
}

// New builds a block heap of n cells of elemSize bytes each, with the
// slab aligned to align. Requires 1 <= n <= MaxCells and elemSize >= 1.
func New(h *heap.Heap, elemSize uintptr, n int, align uintptr) (*Heap, error) {
	if n < 1 || n > MaxCells {
		return nil, fmt.Errorf("block: cell count %d out of range [1, %d]", n, MaxCells)
	}
	if elemSize == 0 {
		return nil, fmt.Errorf("block: zero cell size")
	}
	data := h.AllocAligned(int(elemSize)*n, align)
	if data == nil {
		return nil, fmt.Errorf("block: slab allocation failed")
	}
	b := &Heap{
		h:        h,
		elemSize: elemSize,
		ncells:   n,
		nfree:    n,
		data:     uintptr(data),
	}
	b.thread()
	return b, nil
}

// thread links every cell to its successor, last cell terminating.
func (b *Heap) thread() {
	for i := 0; i < b.ncells; i++ {
		next := byte(i + 1)
		if i == b.ncells-1 {
			next = endOfList
		}
		*(*byte)(unsafe.Pointer(b.cell(i))) = next
	}
	b.firstFree = 0
	b.nfree = b.ncells
}

func (b *Heap) cell(i int) uintptr {
	return b.data + uintptr(i)*b.elemSize
}

// Alloc pops the first free cell. Returns nil when the slab is full.
func (b *Heap) Alloc() unsafe.Pointer {
	if b.nfree == 0 {
		return nil
	}
	p := b.cell(b.firstFree)
	b.firstFree = int(*(*byte)(unsafe.Pointer(p)))
	b.nfree--
	return unsafe.Pointer(p)
}

// Free pushes the cell at p back onto the freelist. Addresses outside the
// slab or not on a cell boundary are ignored. Freeing nil is a no-op.
func (b *Heap) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	off := uintptr(p) - b.data
	if off >= uintptr(b.ncells)*b.elemSize || off%b.elemSize != 0 {
		b.h.Tracef("block: free of address outside slab @%#x\n", uintptr(p))
		return
	}
	idx := int(off / b.elemSize)
	*(*byte)(p) = byte(b.firstFree)
	b.firstFree = idx
	b.nfree++
}

// Reset liberates every cell in O(n), restoring the initial threading.
func (b *Heap) Reset() {
	b.thread()
}

// Cells returns the configured cell count.
func (b *Heap) Cells() int { return b.ncells }

// FreeCells returns the number of cells available to Alloc.
func (b *Heap) FreeCells() int { return b.nfree }

// Term releases the slab. The heap must not be used after.
func (b *Heap) Term() {
	if b == nil || b.data == 0 {
		return
	}
	b.h.FreeAligned(unsafe.Pointer(b.data))
	b.data = 0
}
