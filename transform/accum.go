//
// Copyright 2016 Gregory Trubetskoy. All Rights Reserved.
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

package transform

import (
	"math"
	"math/bits"

	"github.com/tgres/faarch/disk"
)

// uint128 accumulates sums of squares. A squared 32-bit value is up to
// 2^62 and a major block sums up to 2^16 of them, which needs ~78 bits,
// so 64 bits is not enough.
type uint128 struct {
	lo, hi uint64
}

func (a *uint128) add64(v uint64) {
	var carry uint64
	a.lo, carry = bits.Add64(a.lo, v, 0)
	a.hi += carry
}

func (a *uint128) add128(v uint128) {
	var carry uint64
	a.lo, carry = bits.Add64(a.lo, v.lo, 0)
	a.hi += v.hi + carry
}

// shr shifts right by s < 64 bits and returns the low 64 bits.
func (a *uint128) shr(s uint) uint64 {
	if s == 0 {
		return a.lo
	}
	return a.lo>>s | a.hi<<(64-s)
}

// Accum computes min, max, mean and standard deviation of a stream of
// FA entries. Accumulators feed into each other across the two
// decimation stages, so the sample count is always a power of two and
// the mean is a truncating shift.
type Accum struct {
	minX, maxX, minY, maxY int32
	sumX, sumY             int64
	sumSqX, sumSqY         uint128
}

// Reset empties the accumulator.
func (a *Accum) Reset() {
	*a = Accum{
		minX: math.MaxInt32, maxX: math.MinInt32,
		minY: math.MaxInt32, maxY: math.MinInt32,
	}
}

// Add accumulates one entry.
func (a *Accum) Add(e disk.Entry) {
	if e.X < a.minX {
		a.minX = e.X
	}
	if e.X > a.maxX {
		a.maxX = e.X
	}
	if e.Y < a.minY {
		a.minY = e.Y
	}
	if e.Y > a.maxY {
		a.maxY = e.Y
	}
	a.sumX += int64(e.X)
	a.sumY += int64(e.Y)
	a.sumSqX.add64(uint64(int64(e.X) * int64(e.X)))
	a.sumSqY.add64(uint64(int64(e.Y) * int64(e.Y)))
}

// Merge accumulates another accumulator, used when first-stage results
// trickle into the double-decimation stage.
func (a *Accum) Merge(b *Accum) {
	if b.minX < a.minX {
		a.minX = b.minX
	}
	if b.maxX > a.maxX {
		a.maxX = b.maxX
	}
	if b.minY < a.minY {
		a.minY = b.minY
	}
	if b.maxY > a.maxY {
		a.maxY = b.maxY
	}
	a.sumX += b.sumX
	a.sumY += b.sumY
	a.sumSqX.add128(b.sumSqX)
	a.sumSqY.add128(b.sumSqY)
}

// Result reduces the accumulator over 2^shift samples into a slot.
func (a *Accum) Result(shift uint) disk.Slot {
	return disk.Slot{
		Min:  disk.Entry{X: a.minX, Y: a.minY},
		Max:  disk.Entry{X: a.maxX, Y: a.maxY},
		Mean: disk.Entry{X: int32(a.sumX >> shift), Y: int32(a.sumY >> shift)},
		Std: disk.Entry{
			X: computeStd(&a.sumSqX, a.sumX, shift),
			Y: computeStd(&a.sumSqY, a.sumY, shift),
		},
	}
}

// computeStd uses var = E[x^2] - E[x]^2. The switch to floating point
// after the shift is accurate enough; rounding can leave var slightly
// negative, which is truncated to zero.
func computeStd(sumSq *uint128, sum int64, shift uint) int32 {
	mean := float64(sum) / float64(uint64(1)<<shift)
	variance := float64(sumSq.shr(shift)) - mean*mean
	if variance <= 0 {
		return 0
	}
	return int32(math.Sqrt(variance))
}
