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

// Package buffer implements a single-producer multi-consumer ring of
// equally sized blocks carrying sniffed FA frames from the capture
// goroutine to the disk path and to live subscribers.
//
// The producer never waits for non-strict readers: if one falls behind
// it is skipped and sees a synthetic gap with the backlog reported.
// A strict reader (the disk writer) instead back-pressures the
// producer, which is the one reader data must never be dropped for.
package buffer

import (
	"sync"
)

// Buffer is the ring. All blocks are blockSize bytes; blockCount slots
// are recycled in commit order.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	blockSize  int
	blockCount int64
	data       []byte

	// Per slot publication state, indexed by absolute index mod blockCount.
	gap        []bool
	timestamps []uint64

	inPtr    int64 // absolute index of the slot being written next
	reserved bool  // a write slot is held by the producer
	running  bool

	readers []*Reader
}

// Reader is one consumer's view of the ring.
type Reader struct {
	b       *Buffer
	strict  bool
	outPtr  int64 // absolute index of the next slot to read
	holding bool
	skipped bool // overrun: a gap must be delivered before more data
	stopped bool
}

// New returns a ring of blockCount blocks of blockSize bytes each.
func New(blockSize, blockCount int) *Buffer {
	b := &Buffer{
		blockSize:  blockSize,
		blockCount: int64(blockCount),
		data:       make([]byte, blockSize*blockCount),
		gap:        make([]bool, blockCount),
		timestamps: make([]uint64, blockCount),
		running:    true,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// BlockSize returns the size in bytes of each block.
func (b *Buffer) BlockSize() int { return b.blockSize }

func (b *Buffer) slot(n int64) []byte {
	i := int(n % b.blockCount)
	return b.data[i*b.blockSize : (i+1)*b.blockSize]
}

// ReserveWrite returns the next writable block. It blocks only while a
// strict reader has yet to consume the slot about to be overwritten;
// non-strict readers never delay the producer.
func (b *Buffer) ReserveWrite() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.running && b.strictBehind() {
		b.cond.Wait()
	}
	b.reserved = true
	return b.slot(b.inPtr)
}

// strictBehind tells whether some strict reader still holds a claim on
// the slot the producer is about to reuse. Callers hold mu.
func (b *Buffer) strictBehind() bool {
	for _, r := range b.readers {
		if r.strict && !r.stopped && b.inPtr-r.outPtr >= b.blockCount {
			return true
		}
	}
	return false
}

// CommitWrite publishes the reserved block. A true gap marks the block
// as a gap sentinel; its contents are ignored by consumers. The return
// value is true if some non-strict reader was overrun by this commit
// and will see a gap.
func (b *Buffer) CommitWrite(gap bool, timestamp uint64) (overflow bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := int(b.inPtr % b.blockCount)
	b.gap[i] = gap
	b.timestamps[i] = timestamp
	b.inPtr++
	b.reserved = false

	for _, r := range b.readers {
		if r.stopped || r.strict {
			continue
		}
		if b.inPtr-r.outPtr > b.blockCount {
			// The slot this reader would read next has just been
			// overwritten. Resynchronise at the oldest intact slot.
			r.outPtr = b.inPtr - b.blockCount
			r.skipped = true
			overflow = true
		}
	}

	b.cond.Broadcast()
	return overflow
}

// OpenReader registers a consumer starting at the current write position.
func (b *Buffer) OpenReader(strict bool) *Reader {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := &Reader{b: b, strict: strict, outPtr: b.inPtr}
	b.readers = append(b.readers, r)
	return r
}

// Get blocks until a block is available and returns it along with its
// timestamp. A nil block with ok true is a gap. ok false means the
// reader (or the whole buffer) has been stopped. backlog is the number
// of blocks committed but not yet consumed by this reader, including
// the one returned.
func (r *Reader) Get() (block []byte, timestamp uint64, backlog int, ok bool) {
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.running && !r.stopped && r.outPtr == b.inPtr && !r.skipped {
		b.cond.Wait()
	}
	if !b.running || r.stopped {
		return nil, 0, 0, false
	}

	backlog = int(b.inPtr - r.outPtr)
	if r.skipped {
		// Materialise the overrun as an in-order gap.
		r.skipped = false
		return nil, 0, backlog, true
	}

	i := int(r.outPtr % b.blockCount)
	r.holding = true
	if b.gap[i] {
		return nil, b.timestamps[i], backlog, true
	}
	return b.slot(r.outPtr), b.timestamps[i], backlog, true
}

// Release returns the block obtained by the last Get, allowing the
// producer to recycle it.
func (r *Reader) Release() {
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.holding {
		r.holding = false
		r.outPtr++
		b.cond.Broadcast()
	}
}

// Stop unblocks the reader; its next (or pending) Get returns ok false.
func (r *Reader) Stop() {
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()
	r.stopped = true
	b.cond.Broadcast()
}

// Close unregisters the reader so it no longer back-pressures the
// producer.
func (r *Reader) Close() {
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()
	r.stopped = true
	for i, reader := range b.readers {
		if reader == r {
			b.readers = append(b.readers[:i], b.readers[i+1:]...)
			break
		}
	}
	b.cond.Broadcast()
}

// Close shuts the whole ring down; all readers and any blocked producer
// return immediately.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
	b.cond.Broadcast()
}
