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
	"fmt"
	"strings"

	"github.com/tgres/faarch/mask"
	"github.com/tgres/faarch/misc"
	"github.com/tgres/faarch/reader"
)

// Request grammar, one line per connection:
//
//	"S"                           server info
//	"R" class mask "S" sec "ES" sec flags*   archived data
//	"L" mask [ "T" ]              live subscription
//	"M" mask                      change archive mask (privileged)
//
// class is F (raw FA), D (first decimation) or DD (double
// decimation); sec is seconds since epoch with an optional fraction;
// flags are T (prefix stream with the u64 start timestamp), Z (prefix
// with the u64 sample count), A (skip capture gaps), G (check the id 0
// frame counter across blocks).
//
// A successful response starts with a NUL byte followed by the
// payload; an error response is a single printable text line.
type request struct {
	command byte
	class   reader.Class
	mask    *mask.Mask
	start   uint64
	end     uint64
	opts    reader.Options
	sendTs  bool // L: prefix each block with its timestamp
}

func parseRequest(line string, entryCount int) (*request, error) {
	if line == "" {
		return nil, fmt.Errorf("Empty request")
	}

	req := &request{command: line[0]}
	rest := line[1:]
	var err error

	switch req.command {
	case 'S':
		if rest != "" {
			return nil, fmt.Errorf("Malformed request")
		}
		return req, nil

	case 'R':
		if req.class, rest, err = parseClass(rest); err != nil {
			return nil, err
		}
		i := strings.IndexByte(rest, 'S')
		if i < 0 {
			return nil, fmt.Errorf("Missing time range")
		}
		if req.mask, err = mask.Parse(rest[:i], entryCount); err != nil {
			return nil, err
		}
		rest = rest[i+1:]
		if i = strings.Index(rest, "ES"); i < 0 {
			return nil, fmt.Errorf("Missing end time")
		}
		if req.start, err = misc.ParseSeconds(rest[:i]); err != nil {
			return nil, err
		}
		flags := rest[i+2:]
		if i = strings.IndexAny(flags, "TZAG"); i < 0 {
			i = len(flags)
		}
		if req.end, err = misc.ParseSeconds(flags[:i]); err != nil {
			return nil, err
		}
		return req, parseReqFlags(flags[i:], &req.opts)

	case 'L':
		if strings.HasSuffix(rest, "T") {
			req.sendTs = true
			rest = rest[:len(rest)-1]
		}
		req.mask, err = mask.Parse(rest, entryCount)
		return req, err

	case 'M':
		req.mask, err = mask.Parse(rest, entryCount)
		return req, err
	}
	return nil, fmt.Errorf("Unknown command '%c'", req.command)
}

func parseClass(s string) (reader.Class, string, error) {
	switch {
	case strings.HasPrefix(s, "DD"):
		return reader.DoubleDecimated, s[2:], nil
	case strings.HasPrefix(s, "D"):
		return reader.Decimated, s[1:], nil
	case strings.HasPrefix(s, "F"):
		return reader.FA, s[1:], nil
	}
	return 0, s, fmt.Errorf("Unknown data class")
}

func parseReqFlags(s string, opts *reader.Options) error {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 'T':
			opts.SendTimestamp = true
		case 'Z':
			opts.SendSampleCount = true
		case 'A':
			opts.AllData = true
		case 'G':
			opts.CheckId0 = true
		default:
			return fmt.Errorf("Unknown flag '%c'", s[i])
		}
	}
	return nil
}
