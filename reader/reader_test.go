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

package reader

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/tgres/faarch/buffer"
	"github.com/tgres/faarch/disk"
	"github.com/tgres/faarch/mask"
	"github.com/tgres/faarch/transform"
	"github.com/tgres/faarch/writer"
)

const (
	base = uint64(1600000000000000)
	step = uint64(25600)
)

type pipeline struct {
	a   *disk.Archive
	buf *buffer.Buffer
	w   *writer.Writer
	t   *transform.Transform
	r   *Reader
}

// Six major blocks of 1024 samples, ids 0-3 archived, D1=8, D2=32.
// Id 0 carries the frame counter, other ids a constant id*100.
func startPipeline(t *testing.T) *pipeline {
	t.Helper()
	m := mask.New(16)
	for id := 0; id < 4; id++ {
		m.Set(id)
	}
	path := filepath.Join(t.TempDir(), "fa.arc")
	if _, err := disk.Create(path, disk.CreateParams{
		FileSize:             400000,
		EntryCount:           16,
		FirstDecimationLog2:  3,
		SecondDecimationLog2: 5,
		InputFrameCount:      256,
		MajorSampleCount:     1024,
		Mask:                 m,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	a, err := disk.Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	buf := buffer.New(int(a.Header.InputBlockSize), 8)
	w := writer.New(a)
	tr := transform.New(a, []int{0, 1, 2, 3}, w)
	w.Start(tr, buf.OpenReader(true), 0)
	t.Cleanup(w.Stop)
	return &pipeline{a: a, buf: buf, w: w, t: tr, r: New(a, tr, w)}
}

func (p *pipeline) feedBlock(frame0 int, timestamp uint64) {
	block := p.buf.ReserveWrite()
	for f := 0; f < 256; f++ {
		for id := 0; id < 16; id++ {
			x := int32(frame0 + f)
			if id != 0 {
				x = int32(id * 100)
			}
			disk.PutEntry(block[(f*16+id)*disk.EntrySize:], disk.Entry{X: x, Y: -x})
		}
	}
	p.buf.CommitWrite(false, timestamp)
}

// feed archives two gapless major blocks, a five second capture gap,
// then one more major block, leaving block 3 current. Blocks 0-2 are
// readable with a discontinuity between 1 and 2; blocks 4-5 lie in the
// search's skip band.
func feed(t *testing.T, p *pipeline) {
	for n := 0; n < 8; n++ {
		p.feedBlock(n*256, base+uint64(n)*step)
	}
	p.buf.ReserveWrite()
	p.buf.CommitWrite(true, 0) // gap
	for i := 0; i < 4; i++ {
		p.feedBlock(900000+i*256, base+5000000+uint64(i)*step)
	}

	deadline := time.Now().Add(5 * time.Second)
	for p.t.CurrentMajorBlock() != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out filling the archive")
		}
		time.Sleep(time.Millisecond)
	}
	p.w.SyncBlock(2)
}

func mustMask(t *testing.T, spec string) *mask.Mask {
	t.Helper()
	m, err := mask.Parse(spec, 16)
	if err != nil {
		t.Fatalf("mask %q: %v", spec, err)
	}
	return m
}

func Test_ReadFA(t *testing.T) {
	p := startPipeline(t)
	feed(t, p)

	// One and a half blocks from the start of the archive, ids 0 and 2.
	var out bytes.Buffer
	start := base - step
	end := start + 6*step // offset 512 into block 1
	err := p.r.Read(&out, FA, mustMask(t, "0,2"), start, end, Options{SendSampleCount: true})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	want := 1024 + 512 + 1
	if got := binary.LittleEndian.Uint64(out.Bytes()); got != uint64(want) {
		t.Errorf("sample count prefix: %d, want %d", got, want)
	}
	data := out.Bytes()[8:]
	if len(data) != want*2*disk.EntrySize {
		t.Fatalf("payload: %d bytes, want %d", len(data), want*2*disk.EntrySize)
	}

	// Frame s: id 0 carries the frame counter, id 2 the constant 200.
	for _, s := range []int{0, 1, 1023, 1024, 1536} {
		e0 := disk.GetEntry(data[s*2*disk.EntrySize:])
		e2 := disk.GetEntry(data[(s*2+1)*disk.EntrySize:])
		if e0.X != int32(s) || e0.Y != -int32(s) {
			t.Errorf("sample %d id 0: %+v", s, e0)
		}
		if e2.X != 200 {
			t.Errorf("sample %d id 2: %+v", s, e2)
		}
	}
}

func Test_ReadTimestampPrefix(t *testing.T) {
	p := startPipeline(t)
	feed(t, p)

	var out bytes.Buffer
	start := base - step + 2*step // offset 512 of block 0
	err := p.r.Read(&out, FA, mustMask(t, "0"), start, start+step, Options{SendTimestamp: true})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := binary.LittleEndian.Uint64(out.Bytes()); got != start {
		t.Errorf("timestamp prefix: %d, want %d", got, start)
	}
	// First sample is 512 accordingly.
	if e := disk.GetEntry(out.Bytes()[8:]); e.X != 512 {
		t.Errorf("first sample: %+v, want x=512", e)
	}
}

func Test_ReadAcrossGap(t *testing.T) {
	p := startPipeline(t)
	feed(t, p)

	start := base - step
	end := base + 5000000 - step + 2*step // offset 512 into block 2

	// Without the all-data flag the read fails at the gap, after the
	// two contiguous blocks have been streamed.
	var out bytes.Buffer
	err := p.r.Read(&out, FA, mustMask(t, "0"), start, end, Options{})
	if err != ErrRangeGap {
		t.Errorf("Read without A: %v, want ErrRangeGap", err)
	}
	if len(out.Bytes()) != 2048*disk.EntrySize {
		t.Errorf("Read without A: %d bytes before the gap, want %d",
			len(out.Bytes()), 2048*disk.EntrySize)
	}

	// With it, the segments either side of the gap come back
	// concatenated.
	out.Reset()
	err = p.r.Read(&out, FA, mustMask(t, "0"), start, end, Options{AllData: true})
	if err != nil {
		t.Fatalf("Read with A: %v", err)
	}
	want := (2*1024 + 512 + 1) * disk.EntrySize
	if len(out.Bytes()) != want {
		t.Fatalf("Read with A: %d bytes, want %d", len(out.Bytes()), want)
	}
	// The first post-gap sample follows the 2048 pre-gap ones.
	if e := disk.GetEntry(out.Bytes()[2048*disk.EntrySize:]); e.X != 900000 {
		t.Errorf("first post-gap sample: %+v, want x=900000", e)
	}
}

func Test_ReadDecimated(t *testing.T) {
	p := startPipeline(t)
	feed(t, p)

	var out bytes.Buffer
	start := base - step
	err := p.r.Read(&out, Decimated, mustMask(t, "1,3"), start, start+4*step-1, Options{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	// 128 decimated samples per block and id, two ids wide.
	if len(out.Bytes())%(2*disk.SlotSize) != 0 {
		t.Fatalf("payload %d not a whole number of frames", len(out.Bytes()))
	}
	frames := len(out.Bytes()) / (2 * disk.SlotSize)
	if frames != 128 {
		t.Errorf("frames: %d, want 128", frames)
	}
	for s := 0; s < frames; s++ {
		for i, want := range []int32{100, 300} { // ids 1 and 3
			slot := disk.GetSlot(out.Bytes()[(s*2+i)*disk.SlotSize:])
			if slot.Min.X != want || slot.Max.X != want || slot.Mean.X != want || slot.Std.X != 0 {
				t.Errorf("slot %d id %d: %+v", s, i, slot)
			}
		}
	}

	// A second read of the same range is served from the cache.
	out.Reset()
	if err = p.r.Read(&out, Decimated, mustMask(t, "1,3"), start, start+4*step-1, Options{}); err != nil {
		t.Fatalf("cached Read: %v", err)
	}
	if len(out.Bytes()) != frames*2*disk.SlotSize {
		t.Errorf("cached read: %d bytes", len(out.Bytes()))
	}
}

func Test_ReadDoubleDecimated(t *testing.T) {
	p := startPipeline(t)
	feed(t, p)

	var out bytes.Buffer
	start := base - step
	end := base + 5000000 - step + 2*step
	err := p.r.Read(&out, DoubleDecimated, mustMask(t, "2"), start, end, Options{AllData: true})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	// 4 DD slots per block: blocks 0 and 1 whole, 3 slots of block 2.
	want := (2*4 + 2 + 1) * disk.SlotSize
	if len(out.Bytes()) != want {
		t.Fatalf("payload: %d bytes, want %d", len(out.Bytes()), want)
	}
	for s := 0; s < want/disk.SlotSize; s++ {
		slot := disk.GetSlot(out.Bytes()[s*disk.SlotSize:])
		if slot.Min.X > slot.Mean.X || slot.Mean.X > slot.Max.X {
			t.Errorf("slot %d: min %d mean %d max %d", s, slot.Min.X, slot.Mean.X, slot.Max.X)
		}
		if slot.Mean.X != 200 {
			t.Errorf("slot %d: mean %d, want 200", s, slot.Mean.X)
		}
	}
}

func Test_ReadErrors(t *testing.T) {
	p := startPipeline(t)
	feed(t, p)

	var out bytes.Buffer

	// Start beyond everything archived.
	err := p.r.Read(&out, FA, mustMask(t, "0"), base+3600*1e6, base+3601*1e6, Options{})
	if err != transform.ErrStartTooLate {
		t.Errorf("late start: %v, want ErrStartTooLate", err)
	}

	// Start inside the capture gap without the all-data flag.
	err = p.r.Read(&out, FA, mustMask(t, "0"), base+2500000, base+5100000, Options{})
	if err != transform.ErrStartGap {
		t.Errorf("start in gap: %v, want ErrStartGap", err)
	}

	// End beyond the end of a block without the all-data flag.
	err = p.r.Read(&out, FA, mustMask(t, "0"), base-step, base+2500000, Options{})
	if err != transform.ErrEndTooLate {
		t.Errorf("end in gap: %v, want ErrEndTooLate", err)
	}

	// An id outside the archive mask.
	err = p.r.Read(&out, FA, mustMask(t, "7"), base-step, base+step, Options{})
	if err == nil {
		t.Errorf("unarchived id: no error")
	}

	if len(out.Bytes()) != 0 {
		t.Errorf("failed reads produced %d bytes", len(out.Bytes()))
	}
}

func Test_ServerInfo(t *testing.T) {
	p := startPipeline(t)
	feed(t, p)

	info := p.r.ServerInfo()
	if info.EntryCount != 16 || info.FirstDecimation != 8 || info.SecondDecimation != 32 {
		t.Errorf("ServerInfo: %+v", info)
	}
	if info.FirstTimestamp != base-step {
		t.Errorf("FirstTimestamp: %d, want %d", info.FirstTimestamp, base-step)
	}
	if want := base + 5000000 - step + 4*step; info.LastTimestamp != want {
		t.Errorf("LastTimestamp: %d, want %d", info.LastTimestamp, want)
	}
}
