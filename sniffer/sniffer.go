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

// Package sniffer acquires timestamped blocks of FA frames from the
// capture hardware and feeds the ring buffer. Sources are
// interchangeable: the character device, a replay file, or an empty
// source for a read-only archiver.
package sniffer

import (
	"fmt"
	"log"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/tgres/faarch/buffer"
	"golang.org/x/sys/unix"
)

// Status is the device status block as reported by the driver.
type Status struct {
	Status        int32
	Partner       int32
	LastInterrupt uint32
	FrameErrors   int32
	SoftErrors    int32
	HardErrors    int32
	Running       int32
	Overrun       int32
}

// Context is the capability set of a sniffer source. Read fills the
// block and returns the capture timestamp in microseconds since
// epoch; a failed read is a data gap, not a fatal condition.
type Context interface {
	Reset() error
	Read(block []byte) (timestamp uint64, err error)
	Status() (Status, error)
	Interrupt() error
}

// RowFixup is an optional in-place transformation applied to each raw
// block before it is committed, for site-specific repacking of
// vendor-encoded rows.
type RowFixup func(block []byte)

// Sniffer runs the producer goroutine: reserve a slot, fill it from
// the source, commit it with a gap flag and timestamp. After a failed
// read it sleeps a second, resets the source and retries; transitions
// between ok and gap are logged exactly once each way.
type Sniffer struct {
	ctx     Context
	buf     *buffer.Buffer
	fixup   RowFixup
	stopped int32
	done    chan struct{}
}

func New(ctx Context, buf *buffer.Buffer, fixup RowFixup) *Sniffer {
	return &Sniffer{ctx: ctx, buf: buf, fixup: fixup, done: make(chan struct{})}
}

// Start launches the producer. With boostPriority the goroutine's OS
// thread is switched to SCHED_FIFO priority 1 so the kernel cannot
// starve the capture path; this requires real-time privileges.
func (s *Sniffer) Start(boostPriority bool) error {
	errCh := make(chan error)
	go func() {
		if boostPriority {
			runtime.LockOSThread()
			if err := setRealtime(1); err != nil {
				errCh <- fmt.Errorf("cannot set SCHED_FIFO: %v", err)
				return
			}
		}
		errCh <- nil
		s.loop()
	}()
	return <-errCh
}

// Stop interrupts a blocked device read and terminates the producer.
func (s *Sniffer) Stop() {
	atomic.StoreInt32(&s.stopped, 1)
	s.ctx.Interrupt()
	<-s.done
}

func (s *Sniffer) isStopped() bool { return atomic.LoadInt32(&s.stopped) != 0 }

func (s *Sniffer) loop() {
	defer close(s.done)
	inGap := false
	for !s.isStopped() {
		ok := true
		for ok && !s.isStopped() {
			block := s.buf.ReserveWrite()
			timestamp, err := s.ctx.Read(block)
			ok = err == nil
			if ok && s.fixup != nil {
				s.fixup(block)
			}
			// An overrun here only affects live subscribers; it
			// becomes a gap downstream and is handled there.
			if s.buf.CommitWrite(!ok, timestamp) {
				log.Printf("Subscriber has fallen behind, dropping sniffer data")
			}

			if ok == inGap {
				if ok {
					log.Printf("Block read successfully")
				} else if st, serr := s.ctx.Status(); serr == nil {
					log.Printf("Unable to read block: %d, %d, 0x%x, %d, %d, %d, %d, %d",
						st.Status, st.Partner, st.LastInterrupt, st.FrameErrors,
						st.SoftErrors, st.HardErrors, st.Running, st.Overrun)
				} else {
					log.Printf("Unable to read block: %v", err)
				}
			}
			inGap = !ok
		}

		if s.isStopped() {
			break
		}
		// Pause before retrying, then reset the capture hardware.
		time.Sleep(time.Second)
		s.ctx.Reset()
	}
}

// setRealtime switches the calling thread to SCHED_FIFO at the given
// priority.
func setRealtime(priority int32) error {
	param := struct{ priority int32 }{priority}
	_, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER, 0,
		uintptr(unix.SCHED_FIFO), uintptr(unsafe.Pointer(&param)))
	if errno != 0 {
		return errno
	}
	return nil
}

// Empty is the source for a read-only archiver: it never delivers
// data and so never writes to the archive.
type Empty struct{}

func (Empty) Reset() error { return nil }

func (Empty) Read(block []byte) (uint64, error) {
	return 0, fmt.Errorf("no sniffer device")
}

func (Empty) Status() (Status, error) {
	return Status{}, fmt.Errorf("no status for empty sniffer")
}

func (Empty) Interrupt() error { return nil }
