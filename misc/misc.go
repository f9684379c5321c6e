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

// Package misc is misc stuff.
package misc

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseSize parses a byte count with an optional K, M, G or T suffix,
// e.g. "16M" or "2G".
func ParseSize(s string) (int64, error) {
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult = 1 << 10
	case strings.HasSuffix(s, "M"):
		mult = 1 << 20
	case strings.HasSuffix(s, "G"):
		mult = 1 << 30
	case strings.HasSuffix(s, "T"):
		mult = 1 << 40
	}
	if mult > 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}

// ParseSeconds parses a timestamp in seconds since epoch with an
// optional fraction ("1321630471.5") into microseconds since epoch.
func ParseSeconds(s string) (uint64, error) {
	sec := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		sec, frac = s[:i], s[i+1:]
	}
	n, err := strconv.ParseUint(sec, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	us := n * 1e6
	if frac != "" {
		if len(frac) > 6 {
			frac = frac[:6]
		}
		f, err := strconv.ParseUint(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid timestamp %q", s)
		}
		for i := len(frac); i < 6; i++ {
			f *= 10
		}
		us += f
	}
	return us, nil
}

// FormatMicroseconds renders microseconds since epoch as seconds with
// a six digit fraction, the inverse of ParseSeconds.
func FormatMicroseconds(us uint64) string {
	return fmt.Sprintf("%d.%06d", us/1e6, us%1e6)
}

// Now is the current time in microseconds since epoch.
func Now() uint64 {
	return uint64(time.Now().UnixNano() / 1e3)
}
