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
	"testing"

	"github.com/tgres/faarch/disk"
)

func Test_Uint128Carry(t *testing.T) {
	var a uint128
	// Three times 2^63 overflows the low word once.
	for i := 0; i < 3; i++ {
		a.add64(1 << 63)
	}
	if a.lo != 1<<63 || a.hi != 1 {
		t.Errorf("add64: lo %x hi %x", a.lo, a.hi)
	}
	if got := a.shr(1); got != 3<<62 {
		t.Errorf("shr(1): %x, want %x", got, uint64(3)<<62)
	}

	var b uint128
	b.add128(a)
	b.add128(a)
	if b.lo != 0 || b.hi != 3 {
		t.Errorf("add128: lo %x hi %x", b.lo, b.hi)
	}
}

func Test_AccumExtremes(t *testing.T) {
	// 2^16 samples at the extremes of the 32 bit range: the sum of
	// squares is near 2^78 and must not lose bits.
	var acc Accum
	acc.Reset()
	const n = 1 << 16
	for i := 0; i < n; i++ {
		x := int32(math.MaxInt32)
		if i%2 == 1 {
			x = -math.MaxInt32
		}
		acc.Add(disk.Entry{X: x, Y: x})
	}

	slot := acc.Result(16)
	if slot.Min.X != -math.MaxInt32 || slot.Max.X != math.MaxInt32 {
		t.Errorf("min/max: %d/%d", slot.Min.X, slot.Max.X)
	}
	if slot.Mean.X != 0 {
		t.Errorf("mean: %d, want 0", slot.Mean.X)
	}
	// Every sample is max-magnitude: std equals that magnitude, up to
	// float rounding at the very top of the range.
	if d := int64(slot.Std.X) - math.MaxInt32; d > 2 || d < -2 {
		t.Errorf("std: %d, want %d", slot.Std.X, int32(math.MaxInt32))
	}
}

func Test_AccumConstant(t *testing.T) {
	// A constant signal has zero variance; the rounding clamp keeps
	// the result at exactly zero rather than a small negative.
	var acc Accum
	acc.Reset()
	for i := 0; i < 8; i++ {
		acc.Add(disk.Entry{X: 123456789, Y: -5})
	}
	slot := acc.Result(3)
	if slot.Std.X != 0 || slot.Std.Y != 0 {
		t.Errorf("std of constant: %d/%d", slot.Std.X, slot.Std.Y)
	}
	if slot.Mean.X != 123456789 {
		t.Errorf("mean: %d", slot.Mean.X)
	}
	// Truncating shift of the negative sum: -40 >> 3 = -5 exactly.
	if slot.Mean.Y != -5 {
		t.Errorf("mean y: %d", slot.Mean.Y)
	}
}

func Test_AccumMerge(t *testing.T) {
	// Merging two group accumulators equals accumulating the whole
	// group at once.
	var whole, a, b Accum
	whole.Reset()
	a.Reset()
	b.Reset()
	for i := 0; i < 16; i++ {
		e := disk.Entry{X: int32(i*i - 40), Y: int32(1000 - i)}
		whole.Add(e)
		if i < 8 {
			a.Add(e)
		} else {
			b.Add(e)
		}
	}
	a.Merge(&b)
	if a.Result(4) != whole.Result(4) {
		t.Errorf("merged result differs: %+v != %+v", a.Result(4), whole.Result(4))
	}
}
