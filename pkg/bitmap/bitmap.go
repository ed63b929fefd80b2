// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bitmap provides a fixed-size bitmap used to track frame state.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a fixed-size set of bits.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint64

	// size is the number of valid bits. Bits at or beyond size in the last
	// block are kept set so scans for zeroes never return them.
	size uint64

	// bitBlock holds the bits, 64 per block.
	bitBlock []uint64
}

// New creates a new empty Bitmap holding size bits.
func New(size uint64) Bitmap {
	b := Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
	if tail := size % 64; tail != 0 {
		b.bitBlock[len(b.bitBlock)-1] = ^uint64(0) << tail
	}
	return b
}

// Size returns the number of valid bits in the bitmap.
func (b *Bitmap) Size() uint64 {
	return b.size
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint64 {
	return b.numOnes
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

func (b *Bitmap) checkRange(i uint64) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range [0, %d)", i, b.size))
	}
}

// IsSet reports whether bit i is set.
func (b *Bitmap) IsSet(i uint64) bool {
	b.checkRange(i)
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// Add sets bit i. It returns false if the bit was already set.
func (b *Bitmap) Add(i uint64) bool {
	b.checkRange(i)
	mask := uint64(1) << (i % 64)
	if b.bitBlock[i/64]&mask != 0 {
		return false
	}
	b.bitBlock[i/64] |= mask
	b.numOnes++
	return true
}

// Remove clears bit i. It returns false if the bit was already clear.
func (b *Bitmap) Remove(i uint64) bool {
	b.checkRange(i)
	mask := uint64(1) << (i % 64)
	if b.bitBlock[i/64]&mask == 0 {
		return false
	}
	b.bitBlock[i/64] &^= mask
	b.numOnes--
	return true
}

// AddRange sets every bit in [start, end). Bits already set are left alone.
func (b *Bitmap) AddRange(start, end uint64) {
	for i := start; i < end && i < b.size; i++ {
		b.Add(i)
	}
}

// FirstZero returns the first unset bit in [start, size). ok is false if
// there is none.
func (b *Bitmap) FirstZero(start uint64) (bit uint64, ok bool) {
	if start >= b.size {
		return 0, false
	}
	i, nbit := start/64, start%64
	n := uint64(len(b.bitBlock))
	w := b.bitBlock[i] | ((uint64(1) << nbit) - 1)
	for {
		if w != ^uint64(0) {
			return uint64(bits.TrailingZeros64(^w)) + i*64, true
		}
		i++
		if i == n {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}

// ForEach calls fn for every set bit in ascending order.
func (b *Bitmap) ForEach(fn func(i uint64)) {
	for i, w := range b.bitBlock {
		if uint64(i) == uint64(len(b.bitBlock)-1) && b.size%64 != 0 {
			w &^= ^uint64(0) << (b.size % 64)
		}
		for w != 0 {
			r := uint64(bits.TrailingZeros64(w))
			fn(uint64(i)*64 + r)
			w &^= uint64(1) << r
		}
	}
}
