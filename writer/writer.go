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

// Package writer owns the archive descriptor and the linear write
// cursor into the circular data region. It runs two goroutines: the
// consumer, which drains the sniffer ring through the transform, and
// the write loop, which commits completed major blocks with direct
// I/O and maintains the header's directory of contiguous archive
// segments.
package writer

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tgres/faarch/buffer"
	"github.com/tgres/faarch/disk"
	"github.com/tgres/faarch/transform"
	"golang.org/x/time/rate"
)

// writeReq is one completed major block, or a gap sentinel (nil data)
// marking that the next block starts a new archive segment. Both flow
// through the same channel so segment boundaries stay in stream order.
type writeReq struct {
	block  int
	offset int64
	data   []byte
}

type Writer struct {
	a *disk.Archive
	h *disk.Header

	t      *transform.Transform
	lock   sync.Locker // the transform lock, shared for header flushes
	reader *buffer.Reader

	ch chan writeReq

	// The write cursor and directory are only touched under the
	// transform lock; the peak backlog crosses goroutines and is
	// atomic, and the gap flag belongs to the write loop.
	writeOffset    int64 // next write position, relative to the data region
	oldWriteOffset int64 // position at the previous directory expiry
	maxBacklog     int32
	gapPending     bool // write loop only

	// flushLimiter paces header flushes to once a second; a new
	// archive segment flushes eagerly regardless.
	flushLimiter *rate.Limiter

	// In-flight write tracking: a block number is marked before the
	// transform publishes it as readable, and readers wait on it.
	wmu     sync.Mutex
	wcond   *sync.Cond
	writing int

	consumerDone chan struct{}
	writerDone   chan struct{}
}

func New(a *disk.Archive) *Writer {
	w := &Writer{
		a:            a,
		h:            a.Header,
		ch:           make(chan writeReq),
		flushLimiter: rate.NewLimiter(1, 1),
		writing:      -1,
		consumerDone: make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
	w.wcond = sync.NewCond(&w.wmu)
	return w
}

// ScheduleWrite implements transform.WriteScheduler: it hands one
// completed major block to the write loop, blocking while a previous
// block is still on its way to disk.
func (w *Writer) ScheduleWrite(block int, offset int64, data []byte) {
	w.wmu.Lock()
	for w.writing >= 0 {
		w.wcond.Wait()
	}
	w.writing = block
	w.wmu.Unlock()
	w.ch <- writeReq{block: block, offset: offset, data: data}
}

// SyncBlock blocks while the given major block has a write in flight.
// The query layer calls this before reading a block that was current a
// moment ago.
func (w *Writer) SyncBlock(block int) {
	w.wmu.Lock()
	for w.writing == block {
		w.wcond.Wait()
	}
	w.wmu.Unlock()
}

func (w *Writer) writeDone() {
	w.wmu.Lock()
	w.writing = -1
	w.wcond.Broadcast()
	w.wmu.Unlock()
}

// Start launches the consumer and write loops. The transform must
// have been created with this writer as its scheduler; reader is a
// strict ring reader so the producer back-pressures rather than drop
// data bound for disk.
func (w *Writer) Start(t *transform.Transform, reader *buffer.Reader, writeBuffer int) {
	w.t = t
	w.lock = t.Locker()
	w.reader = reader

	// Resume where the last run stopped writing.
	if w.h.BlockCount > 0 {
		w.writeOffset = w.h.Blocks[0].StopOffset
	}
	w.oldWriteOffset = w.writeOffset
	w.h.WriteBuffer = uint32(writeBuffer)

	w.lock.Lock()
	w.startSegment(w.writeOffset)
	w.flushHeader()
	w.lock.Unlock()

	go w.consumerLoop()
	go w.writeLoop()
}

// Stop terminates both loops and writes the final clean header.
func (w *Writer) Stop() {
	w.reader.Stop()
	<-w.consumerDone
	<-w.writerDone

	w.lock.Lock()
	w.h.DiskStatus = 0 // clean shutdown
	w.updateSegmentStop()
	w.flushHeader()
	w.lock.Unlock()
}

// consumerLoop drains the ring buffer through the transform. Gaps are
// data events: the transform discards its partial block and the next
// write starts a new archive segment.
func (w *Writer) consumerLoop() {
	defer close(w.consumerDone)
	for {
		block, timestamp, backlog, ok := w.reader.Get()
		if !ok {
			close(w.ch)
			return
		}
		for {
			max := atomic.LoadInt32(&w.maxBacklog)
			if int32(backlog) <= max ||
				atomic.CompareAndSwapInt32(&w.maxBacklog, max, int32(backlog)) {
				break
			}
		}
		if block == nil {
			w.t.ProcessBlock(nil, 0)
			// Queue the gap after any block scheduled before it.
			w.ch <- writeReq{block: -1}
		} else {
			w.t.ProcessBlock(block, timestamp)
		}
		w.reader.Release()
	}
}

func (w *Writer) writeLoop() {
	defer close(w.writerDone)
	for req := range w.ch {
		if req.data == nil {
			// Capture gap: the next data may be a long time coming,
			// so get the header up to date while we wait.
			w.gapPending = true
			w.lock.Lock()
			w.updateSegmentStop()
			w.flushHeader()
			w.lock.Unlock()
			continue
		}

		wo := req.offset - int64(w.h.MajorDataStart)
		if w.gapPending {
			w.gapPending = false
			w.lock.Lock()
			w.startSegment(wo)
			w.flushHeader()
			w.lock.Unlock()
		}

		// A write failure leaves the archive in an undefined state;
		// there is no recovery.
		if err := w.a.WriteBlock(req.offset, req.data); err != nil {
			log.Fatalf("disk writer: %v", err)
		}
		w.writeDone()
		w.updateHeader(wo + int64(w.h.MajorBlockSize))
	}
}

// expired tells whether offset lies in the half open interval
// (oldWriteOffset, writeOffset], modulo wrap-around of the data
// region: everything the write cursor passed over since the last
// directory expiry.
func (w *Writer) expired(offset int64) bool {
	if w.writeOffset >= w.oldWriteOffset {
		return w.oldWriteOffset < offset && offset <= w.writeOffset
	}
	// The write cursor wrapped since the last expiry.
	return offset <= w.writeOffset || w.oldWriteOffset < offset
}

// expireArchiveBlocks drops directory segments that have been entirely
// overwritten and advances the start of the oldest one the cursor has
// eaten into. Callers hold the transform lock.
func (w *Writer) expireArchiveBlocks() {
	for w.h.BlockCount > 1 && w.expired(w.h.Blocks[w.h.BlockCount-1].StopOffset) {
		w.h.BlockCount--
	}

	oldest := &w.h.Blocks[w.h.BlockCount-1]
	if w.expired(oldest.StartOffset) || oldest.StartOffset == w.oldWriteOffset {
		oldest.StartOffset = w.writeOffset
	}
	w.oldWriteOffset = w.writeOffset
}

// startSegment pushes the directory down and opens a new contiguous
// archive segment at the given data region offset. Callers hold the
// transform lock.
func (w *Writer) startSegment(offset int64) {
	copy(w.h.Blocks[1:], w.h.Blocks[:disk.MaxHeaderBlocks-1])
	if w.h.BlockCount < disk.MaxHeaderBlocks {
		w.h.BlockCount++
	}

	now := uint64(time.Now().Unix())
	w.h.Blocks[0] = disk.Segment{
		StartSec:    now,
		StopSec:     now,
		StartOffset: offset,
		StopOffset:  offset,
	}
	w.h.DiskStatus = 1 // writing
}

// updateHeader advances the write cursor past the block just written,
// then refreshes the active segment and flushes the header, at most
// once per second.
func (w *Writer) updateHeader(writeOffset int64) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.writeOffset = writeOffset
	if w.writeOffset >= int64(w.h.DataSize) {
		w.writeOffset = 0
	}
	w.expireArchiveBlocks()
	if !w.flushLimiter.Allow() {
		return
	}
	w.updateSegmentStop()
	w.flushHeader()
}

// Callers hold the transform lock.
func (w *Writer) updateSegmentStop() {
	if w.h.BlockCount == 0 {
		return
	}
	w.h.Blocks[0].StopSec = uint64(time.Now().Unix())
	w.h.Blocks[0].StopOffset = w.writeOffset
}

// Callers hold the transform lock.
func (w *Writer) flushHeader() {
	w.h.WriteBacklog = uint32(atomic.SwapInt32(&w.maxBacklog, 0))
	if err := w.a.FlushHeader(); err != nil {
		log.Printf("header flush: %v", err)
	}
}
