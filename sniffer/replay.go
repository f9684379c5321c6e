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

package sniffer

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/time/rate"
)

// Replay feeds previously captured raw frames from an ordinary file,
// paced to the FA frame rate, wrapping around at the end of the file.
// It makes a full archiver runnable without capture hardware.
type Replay struct {
	f       *os.File
	pos     int64
	size    int64
	limiter *rate.Limiter
}

// OpenReplay opens a capture file. frameCount is the number of frames
// per block and frequency the FA frame rate in Hz, which together set
// the block pacing.
func OpenReplay(path string, blockSize, frameCount int, frequency float64) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() < int64(blockSize) {
		f.Close()
		return nil, fmt.Errorf("replay file %s smaller than one block", path)
	}
	blocksPerSec := frequency / float64(frameCount)
	return &Replay{
		f:       f,
		size:    st.Size() - st.Size()%int64(blockSize),
		limiter: rate.NewLimiter(rate.Limit(blocksPerSec), 1),
	}, nil
}

func (r *Replay) Reset() error {
	r.pos = 0
	return nil
}

func (r *Replay) Read(block []byte) (uint64, error) {
	r.limiter.Wait(context.Background())
	if _, err := r.f.ReadAt(block, r.pos); err != nil {
		return 0, err
	}
	r.pos += int64(len(block))
	if r.pos >= r.size {
		r.pos = 0
	}
	return uint64(time.Now().UnixNano() / 1e3), nil
}

func (r *Replay) Status() (Status, error) {
	return Status{Running: 1}, nil
}

func (r *Replay) Interrupt() error { return nil }
