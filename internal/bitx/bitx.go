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

// Package bitx provides bit manipulation over raw 32-bit-word bitsets and
// the power-of-two arithmetic used by the buddy allocator.
package bitx

import "unsafe"

const wordBits = 32

func word(base unsafe.Pointer, i uint) *uint32 {
	return (*uint32)(unsafe.Add(base, uintptr(i/wordBits)*4))
}

// Check reports whether bit i of the bitset at base is set.
func Check(base unsafe.Pointer, i uint) bool {
	return *word(base, i)&(1<<(i%wordBits)) != 0
}

// Set sets bit i of the bitset at base.
func Set(base unsafe.Pointer, i uint) {
	*word(base, i) |= 1 << (i % wordBits)
}

// Clear clears bit i of the bitset at base.
func Clear(base unsafe.Pointer, i uint) {
	*word(base, i) &^= 1 << (i % wordBits)
}

// Switch toggles bit i of the bitset at base.
func Switch(base unsafe.Pointer, i uint) {
	*word(base, i) ^= 1 << (i % wordBits)
}

// deBruijn32 maps (v&-v)*0x077CB531 >> 27 to the bit position of the lowest
// set bit. See https://graphics.stanford.edu/~seander/bithacks.html.
var deBruijn32 = [32]uint8{
	0, 1, 28, 2, 29, 14, 24, 3, 30, 22, 20, 15, 25, 17, 4, 8,
	31, 27, 13, 23, 21, 19, 16, 7, 26, 12, 18, 6, 11, 5, 10, 9,
}

// TrailingZeros32 counts the consecutive zero bits on the right of v.
// Returns 32 when v is zero.
func TrailingZeros32(v uint32) int {
	if v == 0 {
		return 32
	}
	return int(deBruijn32[(v&-v)*0x077CB531>>27])
}

// Pow2Roundup rounds v up to the next highest power of two.
// Values that are already powers of two are returned unchanged.
func Pow2Roundup(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
