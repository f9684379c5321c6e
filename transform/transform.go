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

// Package transform turns raw sniffer blocks into the archive's disk
// representation: frames are transposed into per-id columns, decimated
// with rolling statistics, and indexed by a straight-line timestamp
// fit. Completed major blocks are handed to the disk writer through a
// single-slot scheduler.
//
// The transform lock guards current_major_block: every major block
// other than the current one is valid for reading, and queries sample
// the current block, the index and the DD ring only under this lock.
package transform

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/tgres/faarch/disk"
)

// WriteScheduler accepts completed major blocks. ScheduleWrite blocks
// while a previous block is still being written; the buffer remains
// the scheduler's to read until the write completes.
type WriteScheduler interface {
	ScheduleWrite(block int, offset int64, data []byte)
}

type Transform struct {
	mu sync.Mutex // the transform lock

	a     *disk.Archive
	h     *disk.Header
	sched WriteScheduler

	archivedIds          []int // set ids of the archive mask, ascending
	pendingIds           []int // mask change due at the next major block
	inputFrameCount      int
	inputDecimationCount int
	frameSize            int

	// Double-buffered major block assembly.
	buffers       [2][]byte
	currentBuffer int
	faOffset      int
	dOffset       int

	// Double decimation state.
	doubleAccums []Accum
	ddOffset     int

	// Timestamp index state.
	timestampCount int
	firstTimestamp uint64
	timestamps     []int64
	timestampIndex int
}

// timestampIIR smooths last_duration across major blocks.
const timestampIIR = 0.1

// Locker exposes the transform lock to the disk writer, which holds
// it while copying the header out for a flush.
func (t *Transform) Locker() sync.Locker { return &t.mu }

// SetArchiveMask installs a new archive mask. The id count must not
// change, as it determines the major block geometry. The change takes
// effect at the next major block boundary; blocks already on disk are
// reinterpreted under the new mask.
func (t *Transform) SetArchiveMask(bits []byte, ids []int) {
	t.mu.Lock()
	copy(t.h.ArchiveMask, bits)
	t.pendingIds = ids
	t.mu.Unlock()
}

func New(a *disk.Archive, ids []int, sched WriteScheduler) *Transform {
	h := a.Header
	t := &Transform{
		a:                    a,
		h:                    h,
		sched:                sched,
		archivedIds:          ids,
		inputFrameCount:      h.InputFrameCount(),
		inputDecimationCount: h.InputFrameCount() >> h.FirstDecimationLog2,
		frameSize:            int(h.FaEntryCount) * disk.EntrySize,
		timestampCount:       int(h.MajorSampleCount) / h.InputFrameCount(),
	}
	t.buffers[0] = disk.AlignedBuffer(int(h.MajorBlockSize))
	t.buffers[1] = disk.AlignedBuffer(int(h.MajorBlockSize))
	t.timestamps = make([]int64, t.timestampCount)
	t.doubleAccums = make([]Accum, len(ids))
	t.resetDoubleDecimation()
	return t
}

// ProcessBlock processes one raw block with its capture timestamp. A
// nil block is a gap: all work on the current major block is discarded
// and the decimation state reset; previously completed blocks are
// unaffected.
func (t *Transform) ProcessBlock(block []byte, timestamp uint64) {
	if block == nil {
		t.faOffset = 0
		t.dOffset = 0
		t.timestampIndex = 0
		t.mu.Lock()
		t.resetDoubleDecimation()
		t.mu.Unlock()
		return
	}

	if t.faOffset == 0 {
		t.mu.Lock()
		if t.pendingIds != nil {
			t.archivedIds = t.pendingIds
			t.pendingIds = nil
		}
		t.mu.Unlock()
	}

	t.indexMinorBlock(block, timestamp)
	t.transposeBlock(block)
	t.decimateBlock(block)

	t.faOffset += t.inputFrameCount
	t.dOffset += t.inputDecimationCount
	if t.faOffset&(t.h.DoubleDecimation()-1) == 0 {
		t.mu.Lock()
		t.doubleDecimate()
		t.mu.Unlock()
	}

	if t.faOffset >= int(t.h.MajorSampleCount) {
		// Hand the buffer off before publishing the next current
		// block, so the block number is marked in flight by the time
		// any reader can see it as valid. No locks are held across
		// the handoff: the scheduler blocks while the writer is busy.
		cur := int(t.h.CurrentMajorBlock)
		t.sched.ScheduleWrite(cur, t.h.BlockOffset(cur), t.buffers[t.currentBuffer])

		t.mu.Lock()
		t.advanceIndex()
		t.mu.Unlock()

		t.currentBuffer = 1 - t.currentBuffer
		t.faOffset = 0
		t.dOffset = 0
	}
}

// transposeBlock copies each archived id's column of the input block
// into its contiguous region of the major buffer.
func (t *Transform) transposeBlock(block []byte) {
	buf := t.buffers[t.currentBuffer]
	for k, id := range t.archivedIds {
		src := id * disk.EntrySize
		dst := t.h.FaDataOffset(t.faOffset, k)
		for i := 0; i < t.inputFrameCount; i++ {
			copy(buf[dst:dst+disk.EntrySize], block[src:src+disk.EntrySize])
			src += t.frameSize
			dst += disk.EntrySize
		}
	}
}

// decimateBlock reduces each archived id's column by the first
// decimation factor, appending slots to the decimated region of the
// major buffer and feeding the double-decimation accumulators.
func (t *Transform) decimateBlock(block []byte) {
	buf := t.buffers[t.currentBuffer]
	d1 := t.h.FirstDecimation()
	for k, id := range t.archivedIds {
		src := id * disk.EntrySize
		dst := t.h.DDataOffset(t.dOffset, k)
		for g := 0; g < t.inputDecimationCount; g++ {
			var acc Accum
			acc.Reset()
			for i := 0; i < d1; i++ {
				acc.Add(disk.GetEntry(block[src:]))
				src += t.frameSize
			}
			disk.PutSlot(buf[dst:], acc.Result(uint(t.h.FirstDecimationLog2)))
			dst += disk.SlotSize
			t.doubleAccums[k].Merge(&acc)
		}
	}
}

// doubleDecimate finalises one DD slot per archived id and advances
// the DD write cursor. Callers hold the transform lock.
func (t *Transform) doubleDecimate() {
	shift := uint(t.h.FirstDecimationLog2 + t.h.SecondDecimationLog2)
	for k := range t.doubleAccums {
		t.a.StoreDDSlot(k, t.ddOffset, t.doubleAccums[k].Result(shift))
		t.doubleAccums[k].Reset()
	}
	t.ddOffset = (t.ddOffset + 1) % int(t.h.DDTotalCount)
}

// Callers hold the transform lock.
func (t *Transform) resetDoubleDecimation() {
	t.ddOffset = int(t.h.CurrentMajorBlock) * int(t.h.DDSampleCount)
	for k := range t.doubleAccums {
		t.doubleAccums[k].Reset()
	}
}

// indexMinorBlock records the block timestamp for the straight-line
// fit. The first minor block of a major block also records id 0's x
// field, the hardware's rolling frame counter.
func (t *Transform) indexMinorBlock(block []byte, timestamp uint64) {
	if t.timestampIndex == 0 {
		t.firstTimestamp = timestamp
		t.mu.Lock()
		cur := int(t.h.CurrentMajorBlock)
		e := t.a.IndexEntry(cur)
		e.IdZero = binary.LittleEndian.Uint32(block)
		t.a.StoreIndexEntry(cur, e)
		t.mu.Unlock()
	}
	t.timestamps[t.timestampIndex] = int64(timestamp - t.firstTimestamp)
	t.timestampIndex++
}

// advanceIndex completes the index entry for the block just scheduled
// by fitting y = a*t + b through the minor block timestamps, then
// publishes the next major block as current. Callers hold the
// transform lock.
//
// The fit uses the symmetric axis t_i = 2i - (count-1) so that the sum
// of t cancels exactly; sum(t^2) then has the closed form
// count*(count^2-1)/3. Do not change the axis encoding without
// re-deriving both closed forms.
func (t *Transform) advanceIndex() {
	count := int64(t.timestampCount)
	var sumX, sumXT int64
	for i, x := range t.timestamps {
		ti := int64(2*i) - count + 1
		sumX += x
		sumXT += x * ti
	}

	cur := int(t.h.CurrentMajorBlock)
	e := t.a.IndexEntry(cur)
	if count > 1 {
		sumT2 := count * (count*count - 1) / 3
		// Duration is the fitted slope over the 2*count span of the axis.
		e.Duration = uint32(2 * count * sumXT / sumT2)
		// Starting timestamp evaluates the fit at t = -count-1.
		e.Timestamp = t.firstTimestamp +
			uint64(sumX/count-(count+1)*sumXT/sumT2)
	} else {
		// A single minor block per major block gives nothing to fit;
		// fall back on the smoothed estimate.
		e.Duration = t.h.LastDuration
		e.Timestamp = t.firstTimestamp
	}
	t.a.StoreIndexEntry(cur, e)

	// IIR smoothing recovers about one more digit of precision on the
	// block duration estimate.
	t.h.LastDuration = uint32(math.Round(
		float64(e.Duration)*timestampIIR +
			float64(t.h.LastDuration)*(1-timestampIIR)))

	t.h.CurrentMajorBlock = (t.h.CurrentMajorBlock + 1) % t.h.MajorBlockCount
	t.timestampIndex = 0
}
