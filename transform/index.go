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
	"errors"

	"github.com/tgres/faarch/disk"
)

// Interlocked access to the block index on behalf of the query layer.
// All critical sections here are O(log block count) or better and
// never cross an I/O operation.

const (
	// maxDeltaT is the permitted slack between the fitted end of one
	// block and the start of the next before a capture gap is reported.
	maxDeltaT = 1000 // microseconds

	// indexSkip excludes the oldest still-indexed blocks from searches:
	// they are the next to be overwritten while a query is in flight.
	indexSkip = 2
)

var (
	ErrStartTooLate = errors.New("Start time too late")
	ErrStartGap     = errors.New("Start time in data gap")
	ErrEndTooLate   = errors.New("End timestamp too late")
)

// CurrentMajorBlock samples the write position under the transform lock.
func (t *Transform) CurrentMajorBlock() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.h.CurrentMajorBlock)
}

// Index reads one index entry under the transform lock.
func (t *Transform) Index(block int) disk.IndexEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.a.IndexEntry(block)
}

// binarySearch finds the latest valid block whose starting timestamp
// is no later than the target. The search range excludes the current
// block and the indexSkip blocks after it (the oldest data). If the
// chosen block has never been written the result is the high bound;
// an entirely empty archive returns an arbitrary index which callers
// recognise by duration 0. Callers hold the transform lock.
func (t *Transform) binarySearch(timestamp uint64) int {
	n := int(t.h.MajorBlockCount)
	current := int(t.h.CurrentMajorBlock)
	low := (current + 1 + indexSkip) % n
	high := current
	for (low+1)%n != high {
		var mid int
		if low < high {
			mid = (low + high) / 2
		} else {
			mid = ((low + high + n) / 2) % n
		}
		if timestamp < t.a.IndexEntry(mid).Timestamp {
			high = mid
		} else {
			low = mid
		}
	}
	if t.a.IndexEntry(low).Duration == 0 {
		return high
	}
	return low
}

// EarliestTimestamp returns the start of the oldest searchable block.
func (t *Transform) EarliestTimestamp() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.a.IndexEntry(t.binarySearch(1)).Timestamp
}

// LatestTimestamp returns the fitted end of the newest complete block,
// or 0 if nothing has been archived yet.
func (t *Transform) LatestTimestamp() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := int(t.h.MajorBlockCount)
	last := (int(t.h.CurrentMajorBlock) + n - 1) % n
	e := t.a.IndexEntry(last)
	if e.Duration == 0 {
		return 0
	}
	return e.Timestamp + uint64(e.Duration)
}

// timestampToBlock locates the block containing the timestamp and the
// sample offset within it. A timestamp falling in a gap after a block
// either skips to the start of the next block or clamps to the last
// sample. Callers hold the transform lock.
func (t *Transform) timestampToBlock(timestamp uint64, skipGap bool) (block, offset int) {
	block = t.binarySearch(timestamp)
	e := t.a.IndexEntry(block)
	samples := int(t.h.MajorSampleCount)
	switch {
	case timestamp < e.Timestamp:
		// Before the block: this is the earliest block in the
		// archive, start at its beginning.
		offset = 0
	case timestamp-e.Timestamp < uint64(e.Duration):
		offset = int((timestamp - e.Timestamp) * uint64(samples) / uint64(e.Duration))
	case skipGap:
		block = (block + 1) % int(t.h.MajorBlockCount)
		offset = 0
	default:
		offset = samples - 1
	}
	return block, offset
}

// TimestampToStart maps a start timestamp to (block, offset) and the
// number of samples from there to the end of the archive. Without
// allData a start inside a capture gap is an error.
func (t *Transform) TimestampToStart(timestamp uint64, allData bool) (block, offset int, samples uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	block, offset = t.timestampToBlock(timestamp, true)
	current := int(t.h.CurrentMajorBlock)
	if block == current {
		return 0, 0, 0, ErrStartTooLate
	}
	if !allData && t.a.IndexEntry(block).Timestamp > timestamp {
		return 0, 0, 0, ErrStartGap
	}

	n := int(t.h.MajorBlockCount)
	blockCount := (current - block + n) % n
	samples = uint64(blockCount)*uint64(t.h.MajorSampleCount) - uint64(offset)
	return block, offset, samples, nil
}

// TimestampToEnd maps an end timestamp to (block, offset), clamping to
// the last sample of the block it falls off. Without allData an end
// beyond the block's fitted end is an error.
func (t *Transform) TimestampToEnd(timestamp uint64, allData bool) (block, offset int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	block, offset = t.timestampToBlock(timestamp, false)
	e := t.a.IndexEntry(block)
	if !allData && timestamp > e.Timestamp+uint64(e.Duration) {
		return 0, 0, ErrEndTooLate
	}
	return block, offset, nil
}

// FindGap walks forward from start over blocks, reporting the first
// discontinuity: a start timestamp more than maxDeltaT away from the
// previous block's fitted end or, with checkId0, an id 0 frame counter
// not advancing by exactly the major sample count. It returns the
// block where the discontinuity begins, the blocks remaining from it,
// and whether one was found.
func (t *Transform) FindGap(start, blocks int, checkId0 bool) (int, int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.a.IndexEntry(start)
	timestamp := e.Timestamp + uint64(e.Duration)
	idZero := e.IdZero + t.h.MajorSampleCount
	for blocks > 1 {
		blocks--
		start++
		if start == int(t.h.MajorBlockCount) {
			start = 0
		}

		e = t.a.IndexEntry(start)
		deltaT := int64(e.Timestamp) - int64(timestamp)
		if (checkId0 && e.IdZero != idZero) || deltaT < -maxDeltaT || maxDeltaT < deltaT {
			return start, blocks, true
		}

		timestamp = e.Timestamp + uint64(e.Duration)
		idZero = e.IdZero + t.h.MajorSampleCount
	}
	return start, blocks, false
}

// CopyDD snapshots count double-decimated slots of archived index k
// starting at ring slot start, honouring ring wrap-around. The
// snapshot is taken under the transform lock; streaming readers call
// once per major block so the lock is never held across I/O.
func (t *Transform) CopyDD(k, start, count int) []disk.Slot {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := int(t.h.DDTotalCount)
	out := make([]disk.Slot, count)
	for i := 0; i < count; i++ {
		out[i] = t.a.DDSlot(k, (start+i)%total)
	}
	return out
}
