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

// Package reader serves historical queries against the archive: raw
// FA columns and first decimations stream from the data region with
// pread, double decimations from the in-memory DD ring. The transform
// lock is taken only for index lookups and DD snapshots, once per
// major block, never across I/O.
package reader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/tgres/faarch/disk"
	"github.com/tgres/faarch/mask"
	"github.com/tgres/faarch/transform"
	"github.com/tgres/faarch/writer"
)

// Class selects which representation of the data a query reads.
type Class int

const (
	FA              Class = iota // raw frames, 8 bytes per sample
	Decimated                    // first decimation, 32 bytes per sample
	DoubleDecimated              // double decimation, 32 bytes per sample
)

// Options are the query flags.
type Options struct {
	AllData         bool // skip capture gaps instead of failing
	CheckId0        bool // verify the id 0 frame counter across blocks
	SendSampleCount bool // prefix the stream with a u64 sample count
	SendTimestamp   bool // prefix the stream with a u64 start timestamp
}

var ErrRangeGap = errors.New("Data gap found in selected range")

// chunkSamples bounds the per-id gather buffer while streaming.
const chunkSamples = 4096

type Reader struct {
	a *disk.Archive
	h *disk.Header
	t *transform.Transform
	w *writer.Writer

	amu      sync.RWMutex
	archived map[int]int // id -> archived (mask-relative) index
	cache    *lru.Cache  // decimated columns keyed per (block, id, stamp)
}

// RefreshMask rebuilds the id mapping after a privileged mask change.
func (r *Reader) RefreshMask(m *mask.Mask) {
	archived := map[int]int{}
	for k, id := range m.Ids() {
		archived[id] = k
	}
	r.amu.Lock()
	r.archived = archived
	r.amu.Unlock()
}

func New(a *disk.Archive, t *transform.Transform, w *writer.Writer) *Reader {
	archived := map[int]int{}
	for k, id := range mask.FromBytes(a.Header.ArchiveMask, int(a.Header.FaEntryCount)).Ids() {
		archived[id] = k
	}
	// The cache covers the common viewer pattern of repeated decimated
	// reads over the recent past.
	cache, _ := lru.New(64)
	return &Reader{a: a, h: a.Header, t: t, w: w, archived: archived, cache: cache}
}

// Info is the server-info response.
type Info struct {
	EntryCount       int
	FirstDecimation  int
	SecondDecimation int
	FirstTimestamp   uint64
	LastTimestamp    uint64
}

func (r *Reader) ServerInfo() Info {
	return Info{
		EntryCount:       int(r.h.FaEntryCount),
		FirstDecimation:  r.h.FirstDecimation(),
		SecondDecimation: 1 << r.h.SecondDecimationLog2,
		FirstTimestamp:   r.t.EarliestTimestamp(),
		LastTimestamp:    r.t.LatestTimestamp(),
	}
}

// shift is the log2 reduction of sample counts for the class.
func (r *Reader) shift(class Class) uint {
	switch class {
	case Decimated:
		return uint(r.h.FirstDecimationLog2)
	case DoubleDecimated:
		return uint(r.h.FirstDecimationLog2 + r.h.SecondDecimationLog2)
	}
	return 0
}

func (r *Reader) slotSize(class Class) int {
	if class == FA {
		return disk.EntrySize
	}
	return disk.SlotSize
}

// archivedIndices resolves a query mask to archived indices, in
// ascending id order.
func (r *Reader) archivedIndices(m *mask.Mask) ([]int, error) {
	ids := m.Ids()
	if len(ids) == 0 {
		return nil, fmt.Errorf("Empty mask")
	}
	r.amu.RLock()
	defer r.amu.RUnlock()
	ks := make([]int, len(ids))
	for i, id := range ids {
		k, ok := r.archived[id]
		if !ok {
			return nil, fmt.Errorf("BPM %d not in archive", id)
		}
		ks[i] = k
	}
	return ks, nil
}

// Read streams samples of the selected class for the inclusive time
// range [start, end] (microseconds) to out, filtered by the mask.
// Frames are emitted sample-major: one slot per selected id per
// sample. An error before the first byte is written is reported to
// the caller for a protocol error line; a capture gap mid-stream
// without AllData terminates the stream early with ErrRangeGap.
func (r *Reader) Read(out io.Writer, class Class, m *mask.Mask, start, end uint64, opts Options) error {
	ks, err := r.archivedIndices(m)
	if err != nil {
		return err
	}
	if end < start {
		return fmt.Errorf("Time range backwards")
	}

	startBlock, startOff, avail, err := r.t.TimestampToStart(start, opts.AllData)
	if err != nil {
		return err
	}
	endBlock, endOff, err := r.t.TimestampToEnd(end, opts.AllData)
	if err != nil {
		return err
	}

	shift := r.shift(class)
	perBlock := int(r.h.MajorSampleCount) >> shift
	n := int(r.h.MajorBlockCount)
	dist := (endBlock - startBlock + n) % n
	offset := startOff >> shift
	total := uint64(dist*perBlock+(endOff>>shift)+1) - uint64(offset)
	if max := avail >> shift; total > max {
		total = max
	}
	if total == 0 {
		return transform.ErrStartTooLate
	}

	if err = r.writeHeader(out, startBlock, startOff, total, opts); err != nil {
		return err
	}

	prev := -1
	block := startBlock
	for total > 0 {
		// Resampled at every block boundary; the INDEX_SKIP band in
		// the search keeps the blocks ahead of us valid meanwhile.
		if block == r.t.CurrentMajorBlock() {
			return ErrRangeGap
		}
		if r.w != nil {
			r.w.SyncBlock(block)
		}
		if prev >= 0 {
			if _, _, found := r.t.FindGap(prev, 2, opts.CheckId0); found && !opts.AllData {
				return ErrRangeGap
			}
		}

		count := perBlock - offset
		if uint64(count) > total {
			count = int(total)
		}
		if err = r.emitBlock(out, class, block, ks, offset, count); err != nil {
			return err
		}
		total -= uint64(count)
		offset = 0
		prev = block
		block = (block + 1) % n
	}
	return nil
}

// writeHeader emits the optional sample count and start timestamp
// prefixes, both little-endian u64.
func (r *Reader) writeHeader(out io.Writer, block, faOffset int, total uint64, opts Options) error {
	var buf [8]byte
	if opts.SendSampleCount {
		binary.LittleEndian.PutUint64(buf[:], total)
		if _, err := out.Write(buf[:]); err != nil {
			return err
		}
	}
	if opts.SendTimestamp {
		e := r.t.Index(block)
		ts := e.Timestamp
		if e.Duration > 0 {
			ts += uint64(faOffset) * uint64(e.Duration) / uint64(r.h.MajorSampleCount)
		}
		binary.LittleEndian.PutUint64(buf[:], ts)
		if _, err := out.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}

// emitBlock streams count samples starting at offset (class units) of
// one major block, interleaving the selected ids into frames.
func (r *Reader) emitBlock(out io.Writer, class Class, block int, ks []int, offset, count int) error {
	if class == DoubleDecimated {
		return r.emitDD(out, block, ks, offset, count)
	}

	slot := r.slotSize(class)
	cols := make([][]byte, len(ks))
	frame := make([]byte, chunkSamples*len(ks)*slot)

	for count > 0 {
		chunk := chunkSamples
		if chunk > count {
			chunk = count
		}
		for i, k := range ks {
			col, err := r.readColumn(class, block, k, offset, chunk)
			if err != nil {
				return err
			}
			cols[i] = col
		}
		for s := 0; s < chunk; s++ {
			for i := range ks {
				copy(frame[(s*len(ks)+i)*slot:], cols[i][s*slot:(s+1)*slot])
			}
		}
		if _, err := out.Write(frame[:chunk*len(ks)*slot]); err != nil {
			return err
		}
		offset += chunk
		count -= chunk
	}
	return nil
}

// readColumn reads one id's samples [offset, offset+count) of a major
// block. First-decimated columns are cached whole, keyed by the block
// stamp so entries for overwritten blocks age out.
func (r *Reader) readColumn(class Class, block, k, offset, count int) ([]byte, error) {
	if class == FA {
		buf := make([]byte, count*disk.EntrySize)
		pos := r.h.BlockOffset(block) + int64(r.h.FaDataOffset(offset, k))
		if err := r.a.ReadAt(buf, pos); err != nil {
			return nil, err
		}
		return buf, nil
	}

	key := fmt.Sprintf("%d:%d:%d", block, k, r.t.Index(block).Timestamp)
	if col, ok := r.cache.Get(key); ok {
		return col.([]byte)[offset*disk.SlotSize : (offset+count)*disk.SlotSize], nil
	}
	col := make([]byte, r.h.DSampleCount()*disk.SlotSize)
	pos := r.h.BlockOffset(block) + int64(r.h.DDataOffset(0, k))
	if err := r.a.ReadAt(col, pos); err != nil {
		return nil, err
	}
	r.cache.Add(key, col)
	return col[offset*disk.SlotSize : (offset+count)*disk.SlotSize], nil
}

// emitDD serves double-decimated data from the in-memory ring. The
// ring slots of a major block start at block*dd_sample_count, so the
// snapshot maps directly from block coordinates.
func (r *Reader) emitDD(out io.Writer, block int, ks []int, offset, count int) error {
	cols := make([][]disk.Slot, len(ks))
	for i, k := range ks {
		cols[i] = r.t.CopyDD(k, block*int(r.h.DDSampleCount)+offset, count)
	}

	frame := make([]byte, count*len(ks)*disk.SlotSize)
	for s := 0; s < count; s++ {
		for i := range ks {
			disk.PutSlot(frame[(s*len(ks)+i)*disk.SlotSize:], cols[i][s])
		}
	}
	_, err := out.Write(frame)
	return err
}
