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

// Fa-capture pulls data out of a running FA archiver over the line
// protocol and writes the raw binary stream to a file or stdout.
//
//	fa-capture [options] <host:port> <mask>
//
// Without a time range it streams live data; with -start/-end it
// fetches the archived range.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
)

func main() {
	var (
		class   = flag.String("c", "F", "data class: F, D or DD")
		start   = flag.String("start", "", "start time, seconds since epoch (with optional fraction)")
		end     = flag.String("end", "", "end time, seconds since epoch")
		out     = flag.String("o", "-", "output file, - for stdout")
		allData = flag.Bool("a", false, "skip capture gaps")
		checkId = flag.Bool("g", false, "verify id 0 frame counter continuity")
		withTs  = flag.Bool("t", false, "request the start timestamp prefix")
		withCnt = flag.Bool("z", false, "request the sample count prefix")
		info    = flag.Bool("S", false, "print server info and exit")
	)
	flag.Parse()

	if *info {
		if flag.NArg() != 1 {
			usage()
		}
		run(flag.Arg(0), "S\n", os.Stdout)
		return
	}

	if flag.NArg() != 2 {
		usage()
	}
	server, maskSpec := flag.Arg(0), flag.Arg(1)

	var request string
	if *start == "" && *end == "" {
		request = fmt.Sprintf("L%s\n", maskSpec)
	} else {
		if *start == "" || *end == "" {
			die("both -start and -end are required for archived reads")
		}
		flags := ""
		if *withTs {
			flags += "T"
		}
		if *withCnt {
			flags += "Z"
		}
		if *allData {
			flags += "A"
		}
		if *checkId {
			flags += "G"
		}
		request = fmt.Sprintf("R%s%sS%sES%s%s\n", *class, maskSpec, *start, *end, flags)
	}

	w := io.WriteCloser(os.Stdout)
	if *out != "-" {
		f, err := os.Create(*out)
		if err != nil {
			die("%v", err)
		}
		w = f
	}
	defer w.Close()

	run(server, request, w)
}

// run sends one request and copies the binary response payload to w.
// The server answers with a NUL byte on success or a text line
// starting with a printable character on error.
func run(server, request string, w io.Writer) {
	conn, err := net.Dial("tcp", server)
	if err != nil {
		die("%v", err)
	}
	defer conn.Close()

	if _, err = conn.Write([]byte(request)); err != nil {
		die("%v", err)
	}

	br := bufio.NewReaderSize(conn, 1<<16)
	first, err := br.ReadByte()
	if err != nil {
		die("no response: %v", err)
	}
	if first != 0 {
		br.UnreadByte()
		line, _ := br.ReadString('\n')
		die("server: %s", line)
	}

	if _, err = io.Copy(w, br); err != nil {
		die("%v", err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: fa-capture [options] <host:port> <mask>\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func die(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "fa-capture: "+format+"\n", args...)
	os.Exit(1)
}
