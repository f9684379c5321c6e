//
// Copyright 2015 Gregory Trubetskoy. All Rights Reserved.
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

// Package daemon assembles and runs the FA archiver: sniffer producer
// into ring buffer, transform and disk writer draining it, and the
// socket server answering queries, all torn down in order on SIGINT
// or SIGTERM.
package daemon

import (
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/tgres/faarch/buffer"
	"github.com/tgres/faarch/disk"
	"github.com/tgres/faarch/graceful"
	"github.com/tgres/faarch/mask"
	"github.com/tgres/faarch/reader"
	"github.com/tgres/faarch/sniffer"
	"github.com/tgres/faarch/transform"
	"github.com/tgres/faarch/writer"
)

var (
	logFile    *os.File
	cycleLogCh      = make(chan int)
	quitting   bool = false
)

func parseFlags() (diskPath, cfgPath string, flags *Config, bufBytes int64) {
	var (
		cfg  Config
		size sizeFlag
	)

	flag.StringVar(&cfgPath, "c", "", "path to config file")
	flag.Var(&size, "b", "ring buffer size in bytes (e.g. 8M)")
	flag.StringVar(&cfg.ListenSpec, "s", "", "socket to listen on (unix domain if it contains '/', else TCP address)")
	port := flag.Int("p", 0, "TCP port to listen on")
	flag.BoolVar(&cfg.Boost, "F", false, "run sniffer at real-time FIFO priority")
	flag.IntVar(&cfg.EntryCount, "E", 0, "expected FA entry count")
	flag.StringVar(&cfg.Device, "n", "", "sniffer device node")
	flag.BoolVar(&cfg.Quiet, "q", false, "suppress console logging")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <archive-file>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}
	if *port != 0 {
		cfg.ListenSpec = fmt.Sprintf("0.0.0.0:%d", *port)
	}
	return flag.Arg(0), cfgPath, &cfg, int64(size)
}

// mergeFlags folds command line values over the config file.
func mergeFlags(cfg, flags *Config) {
	if flags.ListenSpec != "" {
		cfg.ListenSpec = flags.ListenSpec
	}
	if flags.Device != "" {
		cfg.Device = flags.Device
	}
	if flags.EntryCount != 0 {
		cfg.EntryCount = flags.EntryCount
	}
	cfg.Boost = cfg.Boost || flags.Boost
	cfg.Quiet = cfg.Quiet || flags.Quiet
}

func savePid(pidPath string) {
	f, err := os.Create(pidPath)
	if err != nil {
		logFatalf("Unable to create pid file '%s': (%v)", pidPath, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	log.Printf("Pid saved in %s.", pidPath)
}

var logFatalf = log.Fatalf

func Init() { // not to be confused with init()

	runtime.GOMAXPROCS(runtime.NumCPU())

	log.Printf("FA archiver starting.")

	diskPath, cfgPath, flags, bufBytes := parseFlags()

	cfg, err := readConfig(cfgPath)
	if err != nil {
		logFatalf("Error reading config file %s: %v", cfgPath, err)
	}
	mergeFlags(cfg, flags)

	wd, err := os.Getwd()
	if err != nil {
		logFatalf("%v", err)
	}
	if err := processConfig(configer(cfg), wd); err != nil {
		logFatalf("Error in config file %s: %v", cfgPath, err)
	}
	if cfg.Quiet && cfg.LogPath == "" {
		log.SetOutput(ioutil.Discard)
	}

	savePid(cfg.PidPath)

	// Open the archive: direct I/O is the normal mode, but some
	// filesystems cannot do it and a degraded archiver beats none.
	a, err := disk.Open(diskPath, true)
	if err != nil {
		if a, err = disk.Open(diskPath, false); err != nil {
			logFatalf("Error opening archive %s: %v", diskPath, err)
		}
		log.Printf("Direct I/O unavailable on %s, falling back to buffered writes.", diskPath)
	}
	h := a.Header

	if cfg.EntryCount != 0 && cfg.EntryCount != int(h.FaEntryCount) {
		logFatalf("Archive has %d entries per frame, -E wants %d.", h.FaEntryCount, cfg.EntryCount)
	}

	archiveMask := mask.FromBytes(h.ArchiveMask, int(h.FaEntryCount))
	log.Printf("Archive %s: %d ids (%s), %d major blocks of %d samples, decimation %d/%d.",
		diskPath, h.ArchivedCount(), archiveMask.Format(), h.MajorBlockCount,
		h.MajorSampleCount, h.FirstDecimation(), 1<<h.SecondDecimationLog2)
	logVolumeUsage(diskPath)

	blocks := cfg.BufferBlocks
	if bufBytes > 0 {
		blocks = int(bufBytes / int64(h.InputBlockSize))
		if blocks < 4 {
			logFatalf("-b %d gives %d ring blocks, need at least 4.", bufBytes, blocks)
		}
	}
	buf := buffer.New(int(h.InputBlockSize), blocks)

	w := writer.New(a)
	t := transform.New(a, archiveMask.Ids(), w)
	rdr := reader.New(a, t, w)

	strict := buf.OpenReader(true)
	w.Start(t, strict, int(bufBytes))

	src, err := captureSource(cfg, h)
	if err != nil {
		logFatalf("%v", err)
	}
	snf := sniffer.New(src, buf, nil)
	if err := snf.Start(cfg.Boost); err != nil {
		logFatalf("Error starting sniffer: %v", err)
	}

	svc := newServiceManager(cfg, rdr, buf, t, h)
	if err := svc.Start(); err != nil {
		logFatalf("%v", err)
	}

	go reportRuntime()

	for {
		// Wait for a SIGINT or SIGTERM; SIGHUP cycles the log.
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		s := <-ch
		log.Printf("Got signal: %v", s)
		if s == syscall.SIGHUP {
			if cfg.LogPath != "" {
				cycleLogCh <- 1
			}
			continue
		}

		log.Printf("Stopping sniffer...")
		snf.Stop()
		log.Printf("Stopping disk writer...")
		w.Stop()
		svc.Stop()
		// Closing the ring unblocks any live subscriber streams so
		// their connections can drain.
		buf.Close()
		log.Printf("Waiting for client connections to finish...")
		graceful.TcpWg.Wait()
		a.Close()
		break
	}

	Finish(cfg)
}

func Finish(cfg *Config) {
	quitting = true
	log.Printf("All done, exiting.")

	log.SetOutput(os.Stderr)
	if logFile != nil {
		logFile.Close()
	}

	os.Remove(cfg.PidPath)
}

func captureSource(cfg *Config, h *disk.Header) (sniffer.Context, error) {
	switch {
	case cfg.Device != "":
		return sniffer.OpenDevice(cfg.Device, int(h.FaEntryCount))
	case cfg.ReplayFile != "":
		return sniffer.OpenReplay(cfg.ReplayFile, int(h.InputBlockSize),
			h.InputFrameCount(), faFrequency)
	}
	return sniffer.Empty{}, nil
}

// faFrequency is the nominal FA frame rate used to pace replay.
const faFrequency = 10072.0
