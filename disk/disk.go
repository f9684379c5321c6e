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

// Package disk defines the on-disk layout of an FA archive: a fixed
// 64 KiB header with a directory of contiguous archive segments,
// followed by the packed data index, the double-decimated mirror area
// and the circular data region of transposed major blocks.
//
// All fields are native little-endian; the format is not portable to
// big-endian hosts.
package disk

import (
	"encoding/binary"
	"fmt"
)

const (
	Magic   = "FAARCH01"
	Version = 1

	// HeaderSize is the mmap'd fixed header region, page aligned for
	// O_DIRECT access to the regions following it.
	HeaderSize = 65536

	// MaxHeaderBlocks bounds the directory of contiguous archive
	// segments, most recent first.
	MaxHeaderBlocks = 8

	EntrySize      = 8  // one FA entry: x, y int32
	SlotSize       = 32 // one decimated slot: min, max, mean, std pairs
	IndexEntrySize = 16 // one data index entry
	PageSize       = 4096

	maskBytes      = 64 // room for up to 512 ids
	blockDirOffset = 512
	headerUsed     = blockDirOffset + MaxHeaderBlocks*segmentSize
	segmentSize    = 32
)

// Entry is a single BPM reading.
type Entry struct {
	X, Y int32
}

// Slot is one decimated sample: min, max, mean and standard deviation
// of both coordinates over the decimation interval.
type Slot struct {
	Min, Max, Mean, Std Entry
}

// PutSlot encodes a slot into 32 bytes.
func PutSlot(b []byte, s Slot) {
	putEntry(b[0:], s.Min)
	putEntry(b[8:], s.Max)
	putEntry(b[16:], s.Mean)
	putEntry(b[24:], s.Std)
}

// GetSlot decodes a slot from 32 bytes.
func GetSlot(b []byte) Slot {
	return Slot{
		Min:  getEntry(b[0:]),
		Max:  getEntry(b[8:]),
		Mean: getEntry(b[16:]),
		Std:  getEntry(b[24:]),
	}
}

func putEntry(b []byte, e Entry) {
	binary.LittleEndian.PutUint32(b[0:], uint32(e.X))
	binary.LittleEndian.PutUint32(b[4:], uint32(e.Y))
}

func getEntry(b []byte) Entry {
	return Entry{
		X: int32(binary.LittleEndian.Uint32(b[0:])),
		Y: int32(binary.LittleEndian.Uint32(b[4:])),
	}
}

// GetEntry decodes one FA entry from 8 bytes.
func GetEntry(b []byte) Entry { return getEntry(b) }

// PutEntry encodes one FA entry into 8 bytes.
func PutEntry(b []byte, e Entry) { putEntry(b, e) }

// IndexEntry describes one major block. A zero Duration marks a block
// that has been initialised but never written.
type IndexEntry struct {
	Timestamp uint64 // microseconds since epoch of the first sample
	Duration  uint32 // microseconds covered by the block
	IdZero    uint32 // id 0 x field of the first frame (frame counter)
}

// Segment is one contiguous byte range of the circular data region, as
// recorded in the header's block directory.
type Segment struct {
	StartSec    uint64
	StopSec     uint64
	StartOffset int64
	StopOffset  int64
}

// Header is the working copy of the archive header. The mmap'd disk
// copy is only updated through Archive.FlushHeader.
type Header struct {
	Version              uint32
	FaEntryCount         uint32
	FirstDecimationLog2  uint32
	SecondDecimationLog2 uint32
	InputBlockSize       uint32
	MajorSampleCount     uint32
	MajorBlockCount      uint32
	MajorBlockSize       uint32
	IndexDataStart       uint64
	DDDataStart          uint64
	MajorDataStart       uint64
	DataSize             uint64
	DDTotalCount         uint32
	DDSampleCount        uint32
	LastDuration         uint32
	DiskStatus           uint32 // 0 clean, 1 writing
	WriteBacklog         uint32
	WriteBuffer          uint32
	CurrentMajorBlock    uint32
	BlockCount           uint32
	ArchiveMask          []byte // FaEntryCount/8 bytes

	Blocks [MaxHeaderBlocks]Segment
}

// Field offsets within the header page.
const (
	oMagic                = 0
	oVersion              = 8
	oFaEntryCount         = 12
	oFirstDecimationLog2  = 16
	oSecondDecimationLog2 = 20
	oInputBlockSize       = 24
	oMajorSampleCount     = 28
	oMajorBlockCount      = 32
	oMajorBlockSize       = 36
	oIndexDataStart       = 40
	oDDDataStart          = 48
	oMajorDataStart       = 56
	oDataSize             = 64
	oDDTotalCount         = 72
	oDDSampleCount        = 76
	oLastDuration         = 80
	oDiskStatus           = 84
	oWriteBacklog         = 88
	oWriteBuffer          = 92
	oCurrentMajorBlock    = 96
	oBlockCount           = 100
	oArchiveMask          = 104
)

// MarshalTo encodes the header into b, which must be at least
// HeaderSize bytes. The used header prefix is zeroed before the fields
// are written; bytes past it are left as they are.
func (h *Header) MarshalTo(b []byte) {
	for i := 0; i < headerUsed; i++ {
		b[i] = 0
	}
	copy(b[oMagic:], Magic)
	le := binary.LittleEndian
	le.PutUint32(b[oVersion:], h.Version)
	le.PutUint32(b[oFaEntryCount:], h.FaEntryCount)
	le.PutUint32(b[oFirstDecimationLog2:], h.FirstDecimationLog2)
	le.PutUint32(b[oSecondDecimationLog2:], h.SecondDecimationLog2)
	le.PutUint32(b[oInputBlockSize:], h.InputBlockSize)
	le.PutUint32(b[oMajorSampleCount:], h.MajorSampleCount)
	le.PutUint32(b[oMajorBlockCount:], h.MajorBlockCount)
	le.PutUint32(b[oMajorBlockSize:], h.MajorBlockSize)
	le.PutUint64(b[oIndexDataStart:], h.IndexDataStart)
	le.PutUint64(b[oDDDataStart:], h.DDDataStart)
	le.PutUint64(b[oMajorDataStart:], h.MajorDataStart)
	le.PutUint64(b[oDataSize:], h.DataSize)
	le.PutUint32(b[oDDTotalCount:], h.DDTotalCount)
	le.PutUint32(b[oDDSampleCount:], h.DDSampleCount)
	le.PutUint32(b[oLastDuration:], h.LastDuration)
	le.PutUint32(b[oDiskStatus:], h.DiskStatus)
	le.PutUint32(b[oWriteBacklog:], h.WriteBacklog)
	le.PutUint32(b[oWriteBuffer:], h.WriteBuffer)
	le.PutUint32(b[oCurrentMajorBlock:], h.CurrentMajorBlock)
	le.PutUint32(b[oBlockCount:], h.BlockCount)
	copy(b[oArchiveMask:oArchiveMask+maskBytes], h.ArchiveMask)

	for i := range h.Blocks {
		s := &h.Blocks[i]
		o := blockDirOffset + i*segmentSize
		le.PutUint64(b[o:], s.StartSec)
		le.PutUint64(b[o+8:], s.StopSec)
		le.PutUint64(b[o+16:], uint64(s.StartOffset))
		le.PutUint64(b[o+24:], uint64(s.StopOffset))
	}
}

// UnmarshalHeader decodes a header page. Only the magic is checked
// here; geometry is checked by Validate.
func UnmarshalHeader(b []byte) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("header: short read (%d bytes)", len(b))
	}
	if string(b[oMagic:oMagic+8]) != Magic {
		return nil, fmt.Errorf("header: bad magic %q", b[oMagic:oMagic+8])
	}

	le := binary.LittleEndian
	h := &Header{
		Version:              le.Uint32(b[oVersion:]),
		FaEntryCount:         le.Uint32(b[oFaEntryCount:]),
		FirstDecimationLog2:  le.Uint32(b[oFirstDecimationLog2:]),
		SecondDecimationLog2: le.Uint32(b[oSecondDecimationLog2:]),
		InputBlockSize:       le.Uint32(b[oInputBlockSize:]),
		MajorSampleCount:     le.Uint32(b[oMajorSampleCount:]),
		MajorBlockCount:      le.Uint32(b[oMajorBlockCount:]),
		MajorBlockSize:       le.Uint32(b[oMajorBlockSize:]),
		IndexDataStart:       le.Uint64(b[oIndexDataStart:]),
		DDDataStart:          le.Uint64(b[oDDDataStart:]),
		MajorDataStart:       le.Uint64(b[oMajorDataStart:]),
		DataSize:             le.Uint64(b[oDataSize:]),
		DDTotalCount:         le.Uint32(b[oDDTotalCount:]),
		DDSampleCount:        le.Uint32(b[oDDSampleCount:]),
		LastDuration:         le.Uint32(b[oLastDuration:]),
		DiskStatus:           le.Uint32(b[oDiskStatus:]),
		WriteBacklog:         le.Uint32(b[oWriteBacklog:]),
		WriteBuffer:          le.Uint32(b[oWriteBuffer:]),
		CurrentMajorBlock:    le.Uint32(b[oCurrentMajorBlock:]),
		BlockCount:           le.Uint32(b[oBlockCount:]),
	}
	if h.FaEntryCount > 0 && h.FaEntryCount <= 8*maskBytes {
		h.ArchiveMask = make([]byte, h.FaEntryCount/8)
		copy(h.ArchiveMask, b[oArchiveMask:])
	}

	for i := range h.Blocks {
		o := blockDirOffset + i*segmentSize
		h.Blocks[i] = Segment{
			StartSec:    le.Uint64(b[o:]),
			StopSec:     le.Uint64(b[o+8:]),
			StartOffset: int64(le.Uint64(b[o+16:])),
			StopOffset:  int64(le.Uint64(b[o+24:])),
		}
	}
	return h, nil
}

// Validate checks the header against the file it came from. Impossible
// geometry is fatal to the caller; there is no recovery from a
// corrupted header.
func (h *Header) Validate(fileSize int64) error {
	switch {
	case h.Version != Version:
		return fmt.Errorf("header: version %d, want %d", h.Version, Version)
	case h.FaEntryCount == 0 || h.FaEntryCount%8 != 0 || h.FaEntryCount > 8*maskBytes:
		return fmt.Errorf("header: impossible entry count %d", h.FaEntryCount)
	case h.FirstDecimationLog2 == 0 || h.SecondDecimationLog2 == 0:
		return fmt.Errorf("header: zero decimation")
	case h.InputBlockSize == 0 || h.InputBlockSize%(h.FaEntryCount*EntrySize) != 0:
		return fmt.Errorf("header: input block size %d not a whole number of frames", h.InputBlockSize)
	case h.MajorBlockCount < 3:
		return fmt.Errorf("header: too few major blocks (%d)", h.MajorBlockCount)
	case h.MajorSampleCount == 0 || h.MajorSampleCount%uint32(h.InputFrameCount()) != 0:
		return fmt.Errorf("header: major sample count %d not a whole number of input blocks", h.MajorSampleCount)
	case h.MajorSampleCount%(1<<(h.FirstDecimationLog2+h.SecondDecimationLog2)) != 0:
		return fmt.Errorf("header: major sample count %d not a multiple of the double decimation", h.MajorSampleCount)
	case h.DoubleDecimation()%h.InputFrameCount() != 0:
		// One DD slot spans whole input blocks; the accumulators
		// cannot split a block between two slots.
		return fmt.Errorf("header: double decimation %d not a multiple of the input block", h.DoubleDecimation())
	case h.MajorBlockSize%PageSize != 0:
		return fmt.Errorf("header: major block size %d not page aligned", h.MajorBlockSize)
	case h.BlockCount > MaxHeaderBlocks:
		return fmt.Errorf("header: block count %d exceeds directory", h.BlockCount)
	case uint32(h.ArchivedCount()) == 0:
		return fmt.Errorf("header: empty archive mask")
	}

	if expect := uint32(h.ArchivedCount()) * (h.MajorSampleCount*EntrySize +
		uint32(h.DSampleCount())*SlotSize); expect != h.MajorBlockSize {
		return fmt.Errorf("header: major block size %d, geometry wants %d", h.MajorBlockSize, expect)
	}
	if expect := uint64(h.MajorBlockCount) * uint64(h.MajorBlockSize); expect != h.DataSize {
		return fmt.Errorf("header: data size %d, geometry wants %d", h.DataSize, expect)
	}
	if h.DDSampleCount != h.MajorSampleCount>>(h.FirstDecimationLog2+h.SecondDecimationLog2) ||
		h.DDTotalCount != h.DDSampleCount*h.MajorBlockCount {
		return fmt.Errorf("header: inconsistent double decimation counts")
	}
	if end := int64(h.MajorDataStart + h.DataSize); end > fileSize {
		return fmt.Errorf("header: data region ends at %d beyond file size %d", end, fileSize)
	}
	if h.IndexDataStart < HeaderSize || h.DDDataStart < h.IndexDataStart ||
		h.MajorDataStart < h.DDDataStart || h.MajorDataStart%PageSize != 0 {
		return fmt.Errorf("header: overlapping regions")
	}
	return nil
}

// InputFrameCount is the number of FA frames in one input block.
func (h *Header) InputFrameCount() int {
	return int(h.InputBlockSize) / (int(h.FaEntryCount) * EntrySize)
}

// ArchivedCount is the number of ids selected by the archive mask.
func (h *Header) ArchivedCount() int {
	n := 0
	for _, b := range h.ArchiveMask {
		for ; b != 0; b &= b - 1 {
			n++
		}
	}
	return n
}

// FirstDecimation is the first-stage decimation factor D1.
func (h *Header) FirstDecimation() int { return 1 << h.FirstDecimationLog2 }

// DoubleDecimation is the total double-decimation factor D1*D2.
func (h *Header) DoubleDecimation() int {
	return 1 << (h.FirstDecimationLog2 + h.SecondDecimationLog2)
}

// DSampleCount is the number of first-decimated samples per id in one
// major block.
func (h *Header) DSampleCount() int {
	return int(h.MajorSampleCount) >> h.FirstDecimationLog2
}

// FaDataOffset is the byte offset within a major block of FA sample
// faOffset of the id with the given archived (mask-relative) index.
func (h *Header) FaDataOffset(faOffset, archivedIdx int) int {
	return (archivedIdx*int(h.MajorSampleCount) + faOffset) * EntrySize
}

// DDataOffset is the byte offset within a major block of decimated
// sample dOffset of the given archived index. The decimated region
// follows the FA columns of all archived ids.
func (h *Header) DDataOffset(dOffset, archivedIdx int) int {
	dBase := h.ArchivedCount() * int(h.MajorSampleCount) * EntrySize
	return dBase + (archivedIdx*h.DSampleCount()+dOffset)*SlotSize
}

// BlockOffset is the absolute file offset of the given major block.
func (h *Header) BlockOffset(block int) int64 {
	return int64(h.MajorDataStart) + int64(block)*int64(h.MajorBlockSize)
}
