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

// Package mask implements the filter mask, a bitset over the FA ids
// selecting which ids participate in archiving or in a query.
//
// The textual syntax of a mask is:
//
//	mask  = raw | list
//	raw   = "R" hex-digits          (N/4 digits, most significant first)
//	list  = range *( "," range )
//	range = id [ "-" id ]           (decimal, 0 <= id < N, start <= end)
package mask

import (
	"fmt"
	"math/bits"
	"strings"
)

// Mask is a bitset over [0, Size). Id i is bit i%8 of byte i/8, so the
// byte encoding matches the archive_mask field of the disk header.
type Mask struct {
	bits []uint8
	size int
}

// New returns an empty mask over [0, size). Size must be a multiple of 8.
func New(size int) *Mask {
	return &Mask{bits: make([]uint8, size/8), size: size}
}

// FromBytes builds a mask over [0, size) from its byte encoding, e.g. as
// stored in the disk header. The slice is copied.
func FromBytes(b []byte, size int) *Mask {
	m := New(size)
	copy(m.bits, b)
	return m
}

// Size is the number of addressable ids.
func (m *Mask) Size() int { return m.size }

// Bytes returns the underlying byte encoding. The result aliases the
// mask and must not be modified.
func (m *Mask) Bytes() []byte { return m.bits }

func (m *Mask) Test(id int) bool {
	return id >= 0 && id < m.size && m.bits[id/8]&(1<<(uint(id)%8)) != 0
}

func (m *Mask) Set(id int) {
	m.bits[id/8] |= 1 << (uint(id) % 8)
}

// Count returns the number of set bits (the number of selected ids).
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.bits {
		n += bits.OnesCount8(b)
	}
	return n
}

// Ids returns the set ids in ascending order.
func (m *Mask) Ids() []int {
	ids := make([]int, 0, m.Count())
	for id := 0; id < m.size; id++ {
		if m.Test(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Equal tells whether two masks select the same ids.
func (m *Mask) Equal(other *Mask) bool {
	if m.size != other.size {
		return false
	}
	for i, b := range m.bits {
		if b != other.bits[i] {
			return false
		}
	}
	return true
}

// Parse parses the textual form of a mask over [0, size).
func Parse(s string, size int) (*Mask, error) {
	m := New(size)
	if len(s) > 0 && s[0] == 'R' {
		if err := m.parseRaw(s[1:]); err != nil {
			return nil, err
		}
		return m, nil
	}

	pos := 0
	for {
		id, n, err := parseId(s[pos:], size)
		if err != nil {
			return nil, err
		}
		pos += n
		end := id
		if pos < len(s) && s[pos] == '-' {
			pos++
			if end, n, err = parseId(s[pos:], size); err != nil {
				return nil, err
			}
			pos += n
			if end < id {
				return nil, fmt.Errorf("range %d-%d is empty", id, end)
			}
		}
		for i := id; i <= end; i++ {
			m.Set(i)
		}
		if pos == len(s) {
			return m, nil
		}
		if s[pos] != ',' {
			return nil, fmt.Errorf("unexpected character %q in mask", s[pos])
		}
		pos++
	}
}

func parseId(s string, size int) (id, n int, err error) {
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		id = id*10 + int(s[n]-'0')
		n++
		if id >= size {
			return 0, 0, fmt.Errorf("id %d out of range", id)
		}
	}
	if n == 0 {
		if len(s) == 0 {
			return 0, 0, fmt.Errorf("unexpected end of mask")
		}
		return 0, 0, fmt.Errorf("unexpected character %q in mask", s[0])
	}
	return id, n, nil
}

// parseRaw parses size/4 hex digits, most significant first. Nibble k of
// the text (counting from the end) holds bits 4k..4k+3 of the mask.
func (m *Mask) parseRaw(s string) error {
	count := m.size / 4
	if len(s) != count {
		return fmt.Errorf("raw mask must be %d digits", count)
	}
	for i := 0; i < count; i++ {
		nib := count - 1 - i // nibble index, high to low
		ch := s[i]
		var v uint8
		switch {
		case ch >= '0' && ch <= '9':
			v = ch - '0'
		case ch >= 'A' && ch <= 'F':
			v = ch - 'A' + 10
		default:
			return fmt.Errorf("unexpected character %q in mask", ch)
		}
		m.bits[nib/2] |= v << (4 * (uint(nib) % 2))
	}
	return nil
}

// Format renders the mask in its preferred textual form: the readable
// range list unless that would run longer than the id count, in which
// case the raw hex form is used instead.
func (m *Mask) Format() string {
	if s := m.formatReadable(); len(s) <= m.size {
		return s
	}
	return m.FormatRaw()
}

// FormatRaw renders the raw form: "R" followed by size/4 hex digits,
// most significant first.
func (m *Mask) FormatRaw() string {
	var sb strings.Builder
	sb.WriteByte('R')
	for i := len(m.bits); i > 0; i-- {
		fmt.Fprintf(&sb, "%02X", m.bits[i-1])
	}
	return sb.String()
}

func (m *Mask) formatReadable() string {
	var sb strings.Builder
	inRange, first := false, true
	start := 0
	for id := 0; id <= m.size; id++ {
		set := id < m.size && m.Test(id)
		if set && !inRange {
			inRange = true
			start = id
		} else if !set && inRange {
			if !first {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "%d", start)
			if id-1 > start {
				fmt.Fprintf(&sb, "-%d", id-1)
			}
			inRange = false
			first = false
		}
	}
	return sb.String()
}
