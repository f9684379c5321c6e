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
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Archive is an open archive file. The writer goroutine owns the
// direct descriptor; queries use the buffered one. The header, index
// and DD regions are mmap'd so that index and DD updates are visible
// to external readers (the prepare tool) without explicit writes.
type Archive struct {
	path string

	directFd int      // O_DIRECT descriptor owned by the disk writer
	readF    *os.File // plain descriptor for query pread

	mm     []byte // header + index + DD regions, MAP_SHARED
	Header *Header
}

// Open opens an existing archive and validates its header. With direct
// set the write descriptor bypasses the page cache, which is a
// requirement for sustained archiving but is not supported by every
// filesystem (tests pass false).
func Open(path string, direct bool) (*Archive, error) {
	flags := unix.O_RDWR
	if direct {
		flags |= unix.O_DIRECT
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %v", path, err)
	}

	readF, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	a := &Archive{path: path, directFd: fd, readF: readF}
	if err = a.mapRegions(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) mapRegions() error {
	st, err := a.readF.Stat()
	if err != nil {
		return err
	}

	// Map the header first to learn the geometry, then remap the whole
	// metadata prefix.
	hm, err := unix.Mmap(int(a.readF.Fd()), 0, HeaderSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap header: %v", err)
	}
	h, err := UnmarshalHeader(hm)
	if err == nil {
		err = h.Validate(st.Size())
	}
	unix.Munmap(hm)
	if err != nil {
		return err
	}

	a.mm, err = unix.Mmap(int(a.readF.Fd()), 0, int(h.MajorDataStart),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap metadata: %v", err)
	}
	a.Header = h
	return nil
}

func (a *Archive) Close() error {
	if a.mm != nil {
		unix.Munmap(a.mm)
		a.mm = nil
	}
	unix.Close(a.directFd)
	return a.readF.Close()
}

// FlushHeader writes the working header copy to disk under an fcntl
// write lock over the header range and schedules an asynchronous sync.
// External readers take the same lock for a consistent snapshot.
func (a *Archive) FlushHeader() error {
	if err := lockHeader(a.directFd, unix.F_WRLCK); err != nil {
		return err
	}
	a.Header.MarshalTo(a.mm[:HeaderSize])
	err := unix.Msync(a.mm[:HeaderSize], unix.MS_ASYNC)
	if uerr := lockHeader(a.directFd, unix.F_UNLCK); err == nil {
		err = uerr
	}
	return err
}

func lockHeader(fd int, typ int16) error {
	return unix.FcntlFlock(uintptr(fd), unix.F_SETLKW, &unix.Flock_t{
		Type:   typ,
		Whence: io.SeekStart,
		Start:  0,
		Len:    HeaderSize,
	})
}

// IndexEntry reads entry i of the data index.
func (a *Archive) IndexEntry(i int) IndexEntry {
	b := a.mm[int(a.Header.IndexDataStart)+i*IndexEntrySize:]
	return IndexEntry{
		Timestamp: binary.LittleEndian.Uint64(b[0:]),
		Duration:  binary.LittleEndian.Uint32(b[8:]),
		IdZero:    binary.LittleEndian.Uint32(b[12:]),
	}
}

// StoreIndexEntry updates entry i of the data index in place.
func (a *Archive) StoreIndexEntry(i int, e IndexEntry) {
	b := a.mm[int(a.Header.IndexDataStart)+i*IndexEntrySize:]
	binary.LittleEndian.PutUint64(b[0:], e.Timestamp)
	binary.LittleEndian.PutUint32(b[8:], e.Duration)
	binary.LittleEndian.PutUint32(b[12:], e.IdZero)
}

// DDSlot reads double-decimated slot s of archived index k. The DD
// area is id-major: all DDTotalCount slots of one id are contiguous.
func (a *Archive) DDSlot(k, s int) Slot {
	o := int(a.Header.DDDataStart) + (k*int(a.Header.DDTotalCount)+s)*SlotSize
	return GetSlot(a.mm[o:])
}

// StoreDDSlot updates double-decimated slot s of archived index k.
func (a *Archive) StoreDDSlot(k, s int, slot Slot) {
	o := int(a.Header.DDDataStart) + (k*int(a.Header.DDTotalCount)+s)*SlotSize
	PutSlot(a.mm[o:], slot)
}

// WriteBlock writes one major block at the given absolute offset using
// the direct descriptor. Buffers must be page aligned (AlignedBuffer).
func (a *Archive) WriteBlock(offset int64, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Pwrite(a.directFd, buf, offset)
		if err != nil {
			return fmt.Errorf("write %s at %d: %v", a.path, offset, err)
		}
		buf = buf[n:]
		offset += int64(n)
	}
	return nil
}

// ReadAt reads from the archive through the page cache; used by the
// query layer only, never by the writer.
func (a *Archive) ReadAt(b []byte, offset int64) error {
	_, err := a.readF.ReadAt(b, offset)
	return err
}

// AlignedBuffer allocates a page-aligned buffer suitable for O_DIRECT
// transfers.
func AlignedBuffer(size int) []byte {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		// Anonymous mappings fail only when address space is
		// exhausted, which is fatal at startup anyway.
		panic(fmt.Sprintf("mmap %d bytes: %v", size, err))
	}
	return b
}
