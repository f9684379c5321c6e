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

// Fa-prepare formats a new FA archive file: it preallocates the
// requested size and writes a header describing the archive geometry.
// The archiver itself never grows or shrinks the file.
//
//	fa-prepare [options] <archive-file> <size>
//	fa-prepare -H <archive-file>
package main

import (
	"flag"
	"fmt"
	"math/bits"
	"os"

	"github.com/tgres/faarch/disk"
	"github.com/tgres/faarch/mask"
	"github.com/tgres/faarch/misc"
)

func main() {
	var (
		entryCount  = flag.Int("e", 256, "FA entries per frame")
		maskSpec    = flag.String("m", "", "archive mask (default: all ids)")
		firstDec    = flag.Int("d", 64, "first decimation factor (power of two)")
		secondDec   = flag.Int("D", 256, "second decimation factor (power of two)")
		inputFrames = flag.Int("i", 512, "frames per input block")
		majorCount  = flag.Int("M", 65536, "samples per major block")
		showHeader  = flag.Bool("H", false, "print the header of an existing archive")
	)
	flag.Parse()

	if *showHeader {
		if flag.NArg() != 1 {
			usage()
		}
		printHeader(flag.Arg(0))
		return
	}

	if flag.NArg() != 2 {
		usage()
	}
	path := flag.Arg(0)
	size, err := misc.ParseSize(flag.Arg(1))
	if err != nil {
		die("%v", err)
	}

	m := mask.New(*entryCount)
	if *maskSpec == "" {
		for id := 0; id < *entryCount; id++ {
			m.Set(id)
		}
	} else if m, err = mask.Parse(*maskSpec, *entryCount); err != nil {
		die("invalid mask: %v", err)
	}

	d1, err := log2(*firstDec)
	if err != nil {
		die("first decimation: %v", err)
	}
	d2, err := log2(*secondDec)
	if err != nil {
		die("second decimation: %v", err)
	}

	h, err := disk.Create(path, disk.CreateParams{
		FileSize:             size,
		EntryCount:           *entryCount,
		FirstDecimationLog2:  d1,
		SecondDecimationLog2: d2,
		InputFrameCount:      *inputFrames,
		MajorSampleCount:     *majorCount,
		Mask:                 m,
	})
	if err != nil {
		die("%v", err)
	}
	fmt.Printf("Created %s: %d major blocks of %d bytes, %d ids archived.\n",
		path, h.MajorBlockCount, h.MajorBlockSize, h.ArchivedCount())
}

func log2(n int) (uint, error) {
	if n < 2 || bits.OnesCount(uint(n)) != 1 {
		return 0, fmt.Errorf("%d is not a power of two", n)
	}
	return uint(bits.TrailingZeros(uint(n))), nil
}

func printHeader(path string) {
	h, err := disk.ReadHeader(path)
	if err != nil {
		die("%v", err)
	}
	m := mask.FromBytes(h.ArchiveMask, int(h.FaEntryCount))
	fmt.Printf("entry count:        %d\n", h.FaEntryCount)
	fmt.Printf("archive mask:       %s (%d ids)\n", m.Format(), h.ArchivedCount())
	fmt.Printf("decimation:         %d / %d\n", h.FirstDecimation(), 1<<h.SecondDecimationLog2)
	fmt.Printf("input block:        %d bytes (%d frames)\n", h.InputBlockSize, h.InputFrameCount())
	fmt.Printf("major blocks:       %d x %d bytes (%d samples)\n",
		h.MajorBlockCount, h.MajorBlockSize, h.MajorSampleCount)
	fmt.Printf("data region:        %d bytes at %d\n", h.DataSize, h.MajorDataStart)
	fmt.Printf("disk status:        %d\n", h.DiskStatus)
	fmt.Printf("write backlog:      %d\n", h.WriteBacklog)
	fmt.Printf("current block:      %d\n", h.CurrentMajorBlock)
	fmt.Printf("archive segments:   %d\n", h.BlockCount)
	for i := 0; i < int(h.BlockCount); i++ {
		b := h.Blocks[i]
		fmt.Printf("  [%d] %d..%d at offsets %d..%d\n",
			i, b.StartSec, b.StopSec, b.StartOffset, b.StopOffset)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: fa-prepare [options] <archive-file> <size>\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func die(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "fa-prepare: "+format+"\n", args...)
	os.Exit(1)
}
