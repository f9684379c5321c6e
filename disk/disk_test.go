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

package disk

import (
	"path/filepath"
	"testing"

	"github.com/tgres/faarch/mask"
)

func fullMask(size, count int) *mask.Mask {
	m := mask.New(size)
	for id := 0; id < count; id++ {
		m.Set(id)
	}
	return m
}

func Test_NewHeaderGeometry(t *testing.T) {
	// 16 MiB archive, 256 entries, D1=64, D2=128, 64Ki samples per
	// major block, ids 0-7.
	h, err := NewHeader(CreateParams{
		FileSize:             16 << 20,
		EntryCount:           256,
		FirstDecimationLog2:  6,
		SecondDecimationLog2: 7,
		InputFrameCount:      512,
		MajorSampleCount:     65536,
		Mask:                 fullMask(256, 8),
	})
	if err != nil {
		t.Fatalf("NewHeader: %v", err)
	}

	if h.MajorBlockSize != 4456448 {
		t.Errorf("MajorBlockSize: %d, want 4456448", h.MajorBlockSize)
	}
	if h.MajorBlockCount != 3 {
		t.Errorf("MajorBlockCount: %d, want 3", h.MajorBlockCount)
	}
	if h.DDSampleCount != 8 || h.DDTotalCount != 24 {
		t.Errorf("DD counts: %d/%d, want 8/24", h.DDSampleCount, h.DDTotalCount)
	}
	if h.ArchivedCount() != 8 {
		t.Errorf("ArchivedCount: %d, want 8", h.ArchivedCount())
	}
	if h.MajorDataStart%PageSize != 0 {
		t.Errorf("MajorDataStart %d not page aligned", h.MajorDataStart)
	}
	if int64(h.MajorDataStart+h.DataSize) > 16<<20 {
		t.Errorf("data region ends beyond the file")
	}

	if err = h.Validate(16 << 20); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func Test_NewHeaderTooSmall(t *testing.T) {
	_, err := NewHeader(CreateParams{
		FileSize:             1 << 20,
		EntryCount:           256,
		FirstDecimationLog2:  6,
		SecondDecimationLog2: 7,
		InputFrameCount:      512,
		MajorSampleCount:     65536,
		Mask:                 fullMask(256, 8),
	})
	if err == nil {
		t.Errorf("NewHeader: no error for a 1M file")
	}
}

func Test_HeaderMarshalRoundTrip(t *testing.T) {
	h, err := NewHeader(CreateParams{
		FileSize:             16 << 20,
		EntryCount:           256,
		FirstDecimationLog2:  6,
		SecondDecimationLog2: 7,
		InputFrameCount:      512,
		MajorSampleCount:     65536,
		Mask:                 fullMask(256, 8),
	})
	if err != nil {
		t.Fatalf("NewHeader: %v", err)
	}
	h.LastDuration = 65536000
	h.DiskStatus = 1
	h.CurrentMajorBlock = 2
	h.BlockCount = 2
	h.Blocks[0] = Segment{StartSec: 100, StopSec: 200, StartOffset: 4456448, StopOffset: 8912896}
	h.Blocks[1] = Segment{StartSec: 10, StopSec: 90, StartOffset: 0, StopOffset: 4456448}

	buf := make([]byte, HeaderSize)
	h.MarshalTo(buf)
	back, err := UnmarshalHeader(buf)
	if err != nil {
		t.Fatalf("UnmarshalHeader: %v", err)
	}

	if back.Version != h.Version || back.FaEntryCount != h.FaEntryCount ||
		back.MajorBlockCount != h.MajorBlockCount || back.MajorBlockSize != h.MajorBlockSize ||
		back.MajorSampleCount != h.MajorSampleCount || back.MajorDataStart != h.MajorDataStart ||
		back.DDTotalCount != h.DDTotalCount || back.DDSampleCount != h.DDSampleCount ||
		back.LastDuration != h.LastDuration || back.DiskStatus != h.DiskStatus ||
		back.CurrentMajorBlock != h.CurrentMajorBlock || back.BlockCount != h.BlockCount {
		t.Errorf("round trip: fields differ")
	}
	for i := range h.Blocks {
		if back.Blocks[i] != h.Blocks[i] {
			t.Errorf("round trip: segment %d differs: %+v != %+v", i, back.Blocks[i], h.Blocks[i])
		}
	}
	if len(back.ArchiveMask) != len(h.ArchiveMask) {
		t.Fatalf("round trip: mask length %d != %d", len(back.ArchiveMask), len(h.ArchiveMask))
	}
	for i := range h.ArchiveMask {
		if back.ArchiveMask[i] != h.ArchiveMask[i] {
			t.Errorf("round trip: mask byte %d differs", i)
		}
	}
}

func Test_UnmarshalBadMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	copy(buf, "NOTFAARC")
	if _, err := UnmarshalHeader(buf); err == nil {
		t.Errorf("UnmarshalHeader: bad magic accepted")
	}
}

func Test_CreateAndOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fa.arc")
	h, err := Create(path, CreateParams{
		FileSize:             1 << 20,
		EntryCount:           16,
		FirstDecimationLog2:  3,
		SecondDecimationLog2: 5,
		InputFrameCount:      256,
		MajorSampleCount:     1024,
		Mask:                 fullMask(16, 4),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if h.MajorBlockSize != 49152 {
		t.Errorf("MajorBlockSize: %d, want 49152", h.MajorBlockSize)
	}

	a, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if a.Header.MajorBlockCount != h.MajorBlockCount {
		t.Errorf("Open: MajorBlockCount %d, want %d", a.Header.MajorBlockCount, h.MajorBlockCount)
	}

	// A fresh archive has every index entry uninitialised.
	for i := 0; i < int(h.MajorBlockCount); i++ {
		if e := a.IndexEntry(i); e.Duration != 0 {
			t.Errorf("IndexEntry(%d).Duration: %d, want 0", i, e.Duration)
		}
	}

	// Index entries and DD slots round trip through the mmap.
	a.StoreIndexEntry(1, IndexEntry{Timestamp: 12345, Duration: 678, IdZero: 9})
	if e := a.IndexEntry(1); e.Timestamp != 12345 || e.Duration != 678 || e.IdZero != 9 {
		t.Errorf("IndexEntry(1): %+v", e)
	}

	slot := Slot{
		Min:  Entry{X: -10, Y: -20},
		Max:  Entry{X: 10, Y: 20},
		Mean: Entry{X: 1, Y: 2},
		Std:  Entry{X: 3, Y: 4},
	}
	a.StoreDDSlot(2, 5, slot)
	if got := a.DDSlot(2, 5); got != slot {
		t.Errorf("DDSlot(2, 5): %+v, want %+v", got, slot)
	}

	if err = a.FlushHeader(); err != nil {
		t.Errorf("FlushHeader: %v", err)
	}
}

func Test_OffsetsDisjoint(t *testing.T) {
	h, err := NewHeader(CreateParams{
		FileSize:             1 << 20,
		EntryCount:           16,
		FirstDecimationLog2:  3,
		SecondDecimationLog2: 5,
		InputFrameCount:      256,
		MajorSampleCount:     1024,
		Mask:                 fullMask(16, 4),
	})
	if err != nil {
		t.Fatalf("NewHeader: %v", err)
	}

	// FA columns and decimated columns of all ids tile the major
	// block without overlap.
	end := h.FaDataOffset(0, 0)
	for k := 0; k < h.ArchivedCount(); k++ {
		if h.FaDataOffset(0, k) != end {
			t.Errorf("FA column %d starts at %d, want %d", k, h.FaDataOffset(0, k), end)
		}
		end = h.FaDataOffset(0, k) + int(h.MajorSampleCount)*EntrySize
	}
	for k := 0; k < h.ArchivedCount(); k++ {
		if h.DDataOffset(0, k) != end {
			t.Errorf("D column %d starts at %d, want %d", k, h.DDataOffset(0, k), end)
		}
		end = h.DDataOffset(0, k) + h.DSampleCount()*SlotSize
	}
	if end != int(h.MajorBlockSize) {
		t.Errorf("columns end at %d, major block size %d", end, h.MajorBlockSize)
	}
}
