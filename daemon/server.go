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

package daemon

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tgres/faarch/buffer"
	"github.com/tgres/faarch/disk"
	"github.com/tgres/faarch/graceful"
	"github.com/tgres/faarch/misc"
	"github.com/tgres/faarch/reader"
	"github.com/tgres/faarch/transform"
)

// faServiceManager is the socket server: a listener goroutine accepts
// connections, one worker per connection. Requests are one line;
// responses are binary.
type faServiceManager struct {
	cfg  *Config
	rdr  *reader.Reader
	buf  *buffer.Buffer
	t    *transform.Transform
	hdr  *disk.Header
	stop int32

	listenSpec string
	listener   *graceful.Listener
}

func newServiceManager(cfg *Config, rdr *reader.Reader, buf *buffer.Buffer, t *transform.Transform, hdr *disk.Header) *faServiceManager {
	return &faServiceManager{cfg: cfg, rdr: rdr, buf: buf, t: t, hdr: hdr, listenSpec: cfg.ListenSpec}
}

func (s *faServiceManager) stopped() bool {
	return atomic.LoadInt32(&s.stop) != 0
}

func (s *faServiceManager) Start() error {
	network := "tcp"
	if strings.ContainsRune(s.listenSpec, '/') {
		network = "unix"
	}
	l, err := net.Listen(network, s.listenSpec)
	if err != nil {
		return fmt.Errorf("Error starting FA protocol service: %v", err)
	}
	s.listener = graceful.NewListener(l)

	fmt.Println("FA archiver protocol listening on " + s.listenSpec)

	go s.server()
	return nil
}

func (s *faServiceManager) Stop() {
	if s.stopped() {
		return
	}
	atomic.StoreInt32(&s.stop, 1)
	if s.listener != nil {
		log.Printf("Closing listener %s", s.listenSpec)
		s.listener.Close()
	}
}

func (s *faServiceManager) server() error {
	var tempDelay time.Duration
	for {
		if s.stopped() {
			return nil
		}
		conn, err := s.listener.Accept()

		if err != nil {
			// see http://golang.org/src/net/http/server.go?s=51504:51550#L1729
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Printf("server(): Accept error: %v; retrying in %v", err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		go s.handleConnection(conn)
	}
}

func (s *faServiceManager) handleConnection(conn net.Conn) {
	defer conn.Close() // decrements graceful.TcpWg

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	conn.SetReadDeadline(time.Time{})

	req, err := parseRequest(strings.TrimRight(line, "\r\n"), int(s.hdr.FaEntryCount))
	if err != nil {
		writeError(conn, err)
		return
	}

	switch req.command {
	case 'S':
		s.serverInfo(conn)
	case 'R':
		s.read(conn, req)
	case 'L':
		s.subscribe(conn, req)
	case 'M':
		s.changeMask(conn, req)
	}
}

// writeError sends the single line error response. The first byte is
// printable, which is how clients tell it apart from the NUL success
// marker.
func writeError(conn net.Conn, err error) {
	fmt.Fprintf(conn, "%s\n", err.Error())
}

func (s *faServiceManager) serverInfo(conn net.Conn) {
	info := s.rdr.ServerInfo()
	conn.Write([]byte{0})
	fmt.Fprintf(conn, "%d %d %d %s %s\n",
		info.EntryCount, info.FirstDecimation, info.SecondDecimation,
		misc.FormatMicroseconds(info.FirstTimestamp),
		misc.FormatMicroseconds(info.LastTimestamp))
}

// okWriter defers the success marker until the reader produces its
// first byte, so index errors can still go out as an error line.
type okWriter struct {
	conn  net.Conn
	bw    *bufio.Writer
	wrote bool
}

func (w *okWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.wrote = true
		if _, err := w.conn.Write([]byte{0}); err != nil {
			return 0, err
		}
	}
	return w.bw.Write(b)
}

func (s *faServiceManager) read(conn net.Conn, req *request) {
	w := &okWriter{conn: conn, bw: bufio.NewWriterSize(conn, 1<<16)}
	err := s.rdr.Read(w, req.class, req.mask, req.start, req.end, req.opts)
	if err != nil && !w.wrote {
		writeError(conn, err)
		return
	}
	if err != nil {
		// Mid-stream failure: the byte count comes up short and the
		// client sees the stream end early.
		log.Printf("read aborted for %s: %v", conn.RemoteAddr(), err)
	}
	w.bw.Flush()
}

// subscribe streams live frames from a non-strict ring reader until
// the client goes away or falls too far behind.
func (s *faServiceManager) subscribe(conn net.Conn, req *request) {
	ids := req.mask.Ids()
	entryCount := int(s.hdr.FaEntryCount)
	frameCount := s.hdr.InputFrameCount()

	r := s.buf.OpenReader(false)
	defer r.Close()

	if _, err := conn.Write([]byte{0}); err != nil {
		return
	}
	bw := bufio.NewWriterSize(conn, 1<<16)
	out := make([]byte, frameCount*len(ids)*disk.EntrySize)
	var tsbuf [8]byte

	started := false
	for {
		block, timestamp, _, ok := r.Get()
		if !ok {
			return // server shutting down
		}
		if block == nil {
			r.Release()
			if started {
				// A capture gap ends the subscription; the client
				// reconnects to resynchronise.
				bw.Flush()
				return
			}
			continue
		}

		if req.sendTs {
			binary.LittleEndian.PutUint64(tsbuf[:], timestamp)
			if _, err := bw.Write(tsbuf[:]); err != nil {
				r.Release()
				return
			}
		}
		n := 0
		for f := 0; f < frameCount; f++ {
			row := f * entryCount * disk.EntrySize
			for _, id := range ids {
				copy(out[n:], block[row+id*disk.EntrySize:row+(id+1)*disk.EntrySize])
				n += disk.EntrySize
			}
		}
		r.Release()
		started = true

		if _, err := bw.Write(out); err != nil {
			return
		}
		if r2 := bw.Flush(); r2 != nil {
			return
		}
	}
}

func (s *faServiceManager) changeMask(conn net.Conn, req *request) {
	if !s.cfg.MaskChange {
		writeError(conn, fmt.Errorf("Mask change not permitted"))
		return
	}
	if req.mask.Count() != s.hdr.ArchivedCount() {
		writeError(conn, fmt.Errorf(
			"Mask must select %d ids", s.hdr.ArchivedCount()))
		return
	}

	s.t.SetArchiveMask(req.mask.Bytes(), req.mask.Ids())
	s.rdr.RefreshMask(req.mask)
	log.Printf("Archive mask changed to %s by %s", req.mask.Format(), conn.RemoteAddr())
	conn.Write([]byte{0})
}
