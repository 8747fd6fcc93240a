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

// Package heap wraps raw memory acquisition for the allocators built on
// top of it. A Heap hands out stable raw addresses, optionally zero-fills,
// counts live allocations and traces calls to a debug stream. Aligned
// allocation stores the true raw pointer in the word immediately before
// the aligned pointer so the matching free can recover it.
//
// A Heap is not safe for concurrent use. It must outlive every allocator
// built on top of it; teardown is leaves-first.
package heap

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
	"github.com/bytedance/gopkg/lang/mcache"
)

// Flag controls heap behaviour. Flags combine bitwise.
type Flag uint32

const (
	// Count maintains a running count of live raw allocations. Combined
	// with Debug, Term panics when allocations remain.
	Count Flag = 1 << iota
	// Clear zero-fills every allocation.
	Clear
	// Debug writes a textual trace of every call to the trace stream.
	Debug
	// Pooled draws allocations from the shared power-of-two buffer pool
	// and returns them to it on free.
	Pooled
	// Mapped backs allocations with anonymous private pages on platforms
	// that support it, falling back to the default backend elsewhere.
	// Takes precedence over Pooled.
	Mapped
)

const ptrSize = unsafe.Sizeof(uintptr(0))

type backend uint8

const (
	backendDirty backend = iota
	backendClear
	backendPool
	backendMap
)

type allocation struct {
	buf  []byte
	kind backend
}

// Heap tracks raw allocations. The zero value is not usable; construct
// with New.
type Heap struct {
	flags      Flag
	trace      io.Writer
	allocCount uint32

	// live keeps every handed-out backing slice reachable while callers
	// do uintptr arithmetic on it, and routes each free to its backend.
	live map[uintptr]allocation
}

// Option configures a Heap at construction.
type Option func(*Heap)

// WithTrace redirects the Debug trace stream. Defaults to os.Stdout.
func WithTrace(w io.Writer) Option {
	return func(h *Heap) { h.trace = w }
}

// New constructs a backing heap with the given flag set.
func New(flags Flag, opts ...Option) *Heap {
	h := &Heap{
		flags: flags,
		trace: os.Stdout,
		live:  make(map[uintptr]allocation),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Flags returns the flag set the heap was constructed with.
func (h *Heap) Flags() Flag { return h.flags }

// AllocCount returns the number of live raw allocations. Always zero
// unless the heap was constructed with Count.
func (h *Heap) AllocCount() uint32 { return h.allocCount }

func (h *Heap) acquire(n int) ([]byte, backend) {
	if h.flags&Mapped != 0 {
		if buf := mapAlloc(n); buf != nil {
			return buf, backendMap // anonymous pages are already zero
		}
	}
	switch {
	case h.flags&Pooled != 0:
		buf := mcache.Malloc(n)
		if h.flags&Clear != 0 {
			for i := range buf {
				buf[i] = 0
			}
		}
		return buf, backendPool
	case h.flags&Clear != 0:
		return make([]byte, n), backendClear
	default:
		return dirtmake.Bytes(n, n), backendDirty
	}
}

// Alloc returns the address of n raw bytes, or nil when n == 0 or the
// backend fails. The bytes are uninitialized unless the heap was
// constructed with Clear.
func (h *Heap) Alloc(n int) unsafe.Pointer {
	if n <= 0 {
		return nil
	}
	buf, kind := h.acquire(n)
	if buf == nil {
		if h.flags&Debug != 0 {
			fmt.Fprintf(h.trace, "heap: could not allocate requested size(%d)\n", n)
		}
		return nil
	}
	p := unsafe.Pointer(&buf[0])
	h.live[uintptr(p)] = allocation{buf: buf, kind: kind}
	if h.flags&Count != 0 {
		h.allocCount++
	}
	if h.flags&Debug != 0 {
		fmt.Fprintf(h.trace, "heap: alloc @%#x size(%d)\n", uintptr(p), n)
	}
	return p
}

// Free releases a raw allocation previously returned by Alloc.
// Freeing nil is a no-op. Freeing an address the heap does not track
// panics.
func (h *Heap) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	a, ok := h.live[uintptr(p)]
	if !ok {
		panic("heap: free of untracked pointer")
	}
	delete(h.live, uintptr(p))
	if h.flags&Count != 0 {
		if h.allocCount == 0 {
			panic("heap: free with zero live allocations")
		}
		h.allocCount--
	}
	if h.flags&Debug != 0 {
		fmt.Fprintf(h.trace, "heap: free  @%#x\n", uintptr(p))
	}
	switch a.kind {
	case backendPool:
		mcache.Free(a.buf)
	case backendMap:
		mapFree(a.buf)
	}
}

// AllocAligned returns the address of n raw bytes aligned to align, which
// must be a non-zero power of two. The true raw address is stored in the
// word immediately before the returned address; FreeAligned recovers it.
func (h *Heap) AllocAligned(n int, align uintptr) unsafe.Pointer {
	if align == 0 || align&(align-1) != 0 {
		if h.flags&Debug != 0 {
			fmt.Fprintf(h.trace, "heap: alignment %d not a power of 2\n", align)
		}
		return nil
	}
	reserve := int(align - 1 + ptrSize)
	raw := h.Alloc(n + reserve)
	if raw == nil {
		return nil
	}
	aligned := (uintptr(raw) + uintptr(reserve)) &^ (align - 1)
	*(*uintptr)(unsafe.Pointer(aligned - ptrSize)) = uintptr(raw)
	if h.flags&Debug != 0 {
		fmt.Fprintf(h.trace, "heap: aligned alloc @%#x\n", aligned)
	}
	return unsafe.Pointer(aligned)
}

// FreeAligned releases an allocation previously returned by AllocAligned.
func (h *Heap) FreeAligned(p unsafe.Pointer) {
	if p == nil {
		return
	}
	raw := *(*uintptr)(unsafe.Pointer(uintptr(p) - ptrSize))
	h.Free(unsafe.Pointer(raw))
}

// Tracef writes a formatted message to the trace stream when the heap was
// constructed with Debug. Allocators built on the heap route their own
// diagnostics through it.
func (h *Heap) Tracef(format string, args ...interface{}) {
	if h.flags&Debug != 0 {
		fmt.Fprintf(h.trace, format, args...)
	}
}

// Term tears the heap down. With Count|Debug it panics when live
// allocations remain. With Debug it then writes a closing "all allocs
// freed" line to the trace stream; without Count that line is written
// without any balance check.
func (h *Heap) Term() {
	if h.flags&Count != 0 && h.flags&Debug != 0 && h.allocCount != 0 {
		panic(fmt.Sprintf("heap: %d allocs not freed at teardown", h.allocCount))
	}
	if h.flags&Debug != 0 {
		fmt.Fprintln(h.trace, "heap: all allocs freed")
	}
}
