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

// Package scratch implements a monotonic bump allocator inside a fixed
// region drawn from a backing heap. Allocations are aligned on demand and
// never freed individually; Reset reclaims the whole region in O(1).
//
// A Heap is not safe for concurrent use.
package scratch

import (
	"fmt"
	"unsafe"

	"github.com/memkit/memkit/heap"
)

// Heap is a bump allocator over [mem, tail).
type Heap struct {
	h    *heap.Heap
	mem  uintptr
	head uintptr
	tail uintptr
}

// New builds a scratch heap of size bytes with the region aligned to
// align.
func New(h *heap.Heap, size, align uintptr) (*Heap, error) {
	if size == 0 {
		return nil, fmt.Errorf("scratch: zero region size")
	}
	mem := h.AllocAligned(int(size), align)
	if mem == nil {
		return nil, fmt.Errorf("scratch: region allocation failed")
	}
	s := &Heap{
		h:    h,
		mem:  uintptr(mem),
		head: uintptr(mem),
		tail: uintptr(mem) + size,
	}
	return s, nil
}

// Alloc advances the bump pointer past n bytes aligned to align, which
// must be a non-zero power of two. Returns nil when n == 0, align is
// invalid, or the advance would pass the end of the region.
func (s *Heap) Alloc(n, align uintptr) unsafe.Pointer {
	if n == 0 {
		return nil
	}
	if align == 0 || align&(align-1) != 0 {
		return nil
	}
	p := (s.head + align - 1) &^ (align - 1)
	if p+n > s.tail {
		s.h.Tracef("scratch: no room for size(%d)\n", n)
		return nil
	}
	s.head = p + n
	return unsafe.Pointer(p)
}

// Reset rewinds the bump pointer to the region base in O(1). Previously
// returned addresses must not be used afterwards.
func (s *Heap) Reset() {
	s.head = s.mem
}

// Remaining returns the bytes left before the end of the region, ignoring
// alignment a future Alloc may need.
func (s *Heap) Remaining() uintptr {
	return s.tail - s.head
}

// Term releases the region. The heap must not be used after.
func (s *Heap) Term() {
	if s == nil || s.mem == 0 {
		return
	}
	s.h.FreeAligned(unsafe.Pointer(s.mem))
	s.mem = 0
	s.head = 0
	s.tail = 0
}
