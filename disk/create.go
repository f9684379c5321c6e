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
	"fmt"
	"os"

	"github.com/tgres/faarch/mask"
	"golang.org/x/sys/unix"
)

// CreateParams are the knobs of fa-prepare. The major block count is
// derived: as many blocks as fit the requested file size after the
// header, index and DD regions are carved out.
type CreateParams struct {
	FileSize             int64
	EntryCount           int
	FirstDecimationLog2  uint
	SecondDecimationLog2 uint
	InputFrameCount      int
	MajorSampleCount     int
	Mask                 *mask.Mask
}

// NewHeader computes the full archive geometry for the parameters.
func NewHeader(p CreateParams) (*Header, error) {
	switch {
	case p.EntryCount <= 0 || p.EntryCount%8 != 0 || p.EntryCount > 8*maskBytes:
		return nil, fmt.Errorf("entry count %d out of range", p.EntryCount)
	case p.FirstDecimationLog2 == 0 || p.SecondDecimationLog2 == 0:
		return nil, fmt.Errorf("decimation factors must be at least 2")
	case p.InputFrameCount <= 0:
		return nil, fmt.Errorf("input frame count %d out of range", p.InputFrameCount)
	case p.Mask == nil || p.Mask.Count() == 0:
		return nil, fmt.Errorf("empty archive mask")
	case p.Mask.Size() != p.EntryCount:
		return nil, fmt.Errorf("mask size %d does not match entry count %d", p.Mask.Size(), p.EntryCount)
	case p.MajorSampleCount%p.InputFrameCount != 0:
		return nil, fmt.Errorf("major sample count %d not a whole number of input blocks", p.MajorSampleCount)
	case p.MajorSampleCount%(1<<(p.FirstDecimationLog2+p.SecondDecimationLog2)) != 0:
		return nil, fmt.Errorf("major sample count %d not a multiple of the double decimation", p.MajorSampleCount)
	case (1<<(p.FirstDecimationLog2+p.SecondDecimationLog2))%p.InputFrameCount != 0:
		return nil, fmt.Errorf("double decimation %d not a multiple of the input block frame count %d",
			1<<(p.FirstDecimationLog2+p.SecondDecimationLog2), p.InputFrameCount)
	}

	archived := p.Mask.Count()
	dSamples := p.MajorSampleCount >> p.FirstDecimationLog2
	ddSamples := p.MajorSampleCount >> (p.FirstDecimationLog2 + p.SecondDecimationLog2)
	majorBlockSize := archived * (p.MajorSampleCount*EntrySize + dSamples*SlotSize)
	if majorBlockSize%PageSize != 0 {
		return nil, fmt.Errorf("major block size %d not page aligned, adjust sample count or mask", majorBlockSize)
	}

	// Each block costs its data plus an index entry plus its share of
	// the DD mirror.
	perBlock := int64(majorBlockSize + IndexEntrySize + ddSamples*archived*SlotSize)
	available := p.FileSize - HeaderSize - 2*PageSize // region padding
	count := int(available / perBlock)

	var h *Header
	for ; count >= 3; count-- {
		h = &Header{
			Version:              Version,
			FaEntryCount:         uint32(p.EntryCount),
			FirstDecimationLog2:  uint32(p.FirstDecimationLog2),
			SecondDecimationLog2: uint32(p.SecondDecimationLog2),
			InputBlockSize:       uint32(p.InputFrameCount * p.EntryCount * EntrySize),
			MajorSampleCount:     uint32(p.MajorSampleCount),
			MajorBlockCount:      uint32(count),
			MajorBlockSize:       uint32(majorBlockSize),
			DDTotalCount:         uint32(ddSamples * count),
			DDSampleCount:        uint32(ddSamples),
			ArchiveMask:          p.Mask.Bytes(),
		}
		h.IndexDataStart = HeaderSize
		h.DDDataStart = h.IndexDataStart + roundPage(uint64(count*IndexEntrySize))
		h.MajorDataStart = h.DDDataStart + roundPage(uint64(int(h.DDTotalCount)*archived*SlotSize))
		h.DataSize = uint64(count) * uint64(majorBlockSize)
		if int64(h.MajorDataStart+h.DataSize) <= p.FileSize {
			break
		}
	}
	if count < 3 {
		return nil, fmt.Errorf("file size %d too small: need room for 3 major blocks of %d bytes",
			p.FileSize, majorBlockSize)
	}
	return h, nil
}

func roundPage(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// Create formats a new archive file: preallocates it to the requested
// size and writes a fresh header with an empty block directory. The
// data region is left unwritten (sparse until archived into).
func Create(path string, p CreateParams) (*Header, error) {
	h, err := NewHeader(p)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Preallocation up front means the writer can never hit ENOSPC
	// mid-archive. Fall back to truncate where fallocate is not
	// supported.
	if err = unix.Fallocate(int(f.Fd()), 0, 0, p.FileSize); err != nil {
		if err != unix.EOPNOTSUPP {
			os.Remove(path)
			return nil, fmt.Errorf("fallocate %s: %v", path, err)
		}
		if err = f.Truncate(p.FileSize); err != nil {
			os.Remove(path)
			return nil, err
		}
	}

	// Zero metadata through to the start of the data region so that
	// every index entry starts out uninitialised (duration 0).
	zeros := make([]byte, h.MajorDataStart)
	h.MarshalTo(zeros)
	if _, err = f.WriteAt(zeros, 0); err != nil {
		os.Remove(path)
		return nil, err
	}
	return h, f.Sync()
}

// ReadHeader reads and validates the header of an existing archive
// under the shared header lock. Used by fa-prepare -H.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	if err = lockHeader(int(f.Fd()), unix.F_RDLCK); err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderSize)
	_, err = f.ReadAt(buf, 0)
	lockHeader(int(f.Fd()), unix.F_UNLCK)
	if err != nil {
		return nil, err
	}

	h, err := UnmarshalHeader(buf)
	if err != nil {
		return nil, err
	}
	if err = h.Validate(st.Size()); err != nil {
		return nil, err
	}
	return h, nil
}
