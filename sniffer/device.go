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

package sniffer

import (
	"fmt"
	"log"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl interface of the fa_sniffer character device.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	snifferIoctlType = 'C'
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | snifferIoctlType<<8 | nr
}

var (
	ioctlGetVersion    = ioc(iocNone, 0, 0)
	ioctlRestart       = ioc(iocNone, 1, 0)
	ioctlHalt          = ioc(iocNone, 2, 0)
	ioctlGetStatus     = ioc(iocRead, 3, unsafe.Sizeof(Status{}))
	ioctlGetTimestamp  = ioc(iocRead, 4, unsafe.Sizeof(deviceTimestamp{}))
	ioctlGetEntryCount = ioc(iocNone, 5, 0)
	ioctlSetEntryCount = ioc(iocWrite, 6, unsafe.Sizeof(uint32(0)))
)

// ioctlTimestampVersion is the first driver version able to report
// the capture timestamp and residue.
const ioctlTimestampVersion = 2

type deviceTimestamp struct {
	Timestamp uint64
	Residue   uint32
	_         uint32
}

// Device is the real sniffer hardware behind a character device.
type Device struct {
	path         string
	fd           int
	ioctlOk      bool
	ioctlVersion int
}

// OpenDevice opens the sniffer device and negotiates the entry count
// with drivers new enough to support it; older drivers only ever
// deliver 256 entries per frame.
func OpenDevice(path string, entryCount int) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot open sniffer device %s: %v", path, err)
	}
	d := &Device{path: path, fd: fd}

	if version, err := d.ioctl(ioctlGetVersion, 0); err == nil {
		d.ioctlOk = true
		d.ioctlVersion = int(version)
		log.Printf("Sniffer ioctl version: %d", d.ioctlVersion)
	}

	if d.ioctlVersion >= ioctlTimestampVersion {
		current, err := d.ioctl(ioctlGetEntryCount, 0)
		if err != nil {
			d.close()
			return nil, err
		}
		if int(current) != entryCount {
			count := uint32(entryCount)
			if _, err = d.ioctl(ioctlSetEntryCount, uintptr(unsafe.Pointer(&count))); err != nil {
				d.close()
				return nil, fmt.Errorf("unable to set sniffer entry count to %d: %v", entryCount, err)
			}
			// Reopen so no mis-sized data is carried over.
			if err = d.reopen(); err != nil {
				return nil, err
			}
		}
	} else if entryCount != 256 {
		d.close()
		return nil, fmt.Errorf("sniffer driver cannot deliver %d entries per frame", entryCount)
	}
	return d, nil
}

func (d *Device) ioctl(req uintptr, arg uintptr) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

func (d *Device) close() { unix.Close(d.fd) }

func (d *Device) reopen() error {
	unix.Close(d.fd)
	fd, err := unix.Open(d.path, unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("cannot reopen sniffer device %s: %v", d.path, err)
	}
	d.fd = fd
	return nil
}

// Reset restarts capture after a fault: in place if the driver can,
// otherwise by cycling the descriptor.
func (d *Device) Reset() error {
	if d.ioctlOk {
		_, err := d.ioctl(ioctlRestart, 0)
		return err
	}
	return d.reopen()
}

func (d *Device) Read(block []byte) (uint64, error) {
	for len(block) > 0 {
		n, err := unix.Read(d.fd, block)
		if err != nil {
			return 0, err
		}
		if n <= 0 {
			return 0, fmt.Errorf("sniffer read: EOF")
		}
		block = block[n:]
	}

	if d.ioctlVersion >= ioctlTimestampVersion {
		var ts deviceTimestamp
		if _, err := d.ioctl(ioctlGetTimestamp, uintptr(unsafe.Pointer(&ts))); err != nil {
			return 0, err
		}
		if ts.Residue != 0 {
			return 0, fmt.Errorf("sniffer block size mismatch (residue %d)", ts.Residue)
		}
		return ts.Timestamp, nil
	}
	return uint64(time.Now().UnixNano() / 1e3), nil
}

func (d *Device) Status() (Status, error) {
	var st Status
	if _, err := d.ioctl(ioctlGetStatus, uintptr(unsafe.Pointer(&st))); err != nil {
		return st, fmt.Errorf("unable to read sniffer status: %v", err)
	}
	return st, nil
}

// Interrupt halts capture, unblocking a pending read.
func (d *Device) Interrupt() error {
	if !d.ioctlOk {
		return fmt.Errorf("interrupt not supported")
	}
	_, err := d.ioctl(ioctlHalt, 0)
	return err
}
