//
// Copyright 2017 Gregory Trubetskoy. All Rights Reserved.
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
	"log"
	"path/filepath"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/cpu"
	gdisk "github.com/shirou/gopsutil/disk"
)

// Some rudimentary runtime stats collected here, perhaps this should
// be a separate package.

func runtimeMemory() uint64 {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return mem.Alloc
}

func runtimeCpuPercent() float64 {
	ps, _ := cpu.Percent(0, false)
	if len(ps) > 0 {
		return ps[0]
	}
	return 0
}

func reportRuntime() {
	for {
		time.Sleep(60 * time.Second)
		if quitting {
			return
		}
		log.Printf("runtime: cpu %.1f%%, mem alloc %dK",
			runtimeCpuPercent(), runtimeMemory()/1024)
	}
}

// logVolumeUsage reports the state of the volume holding the archive
// at startup; the archive itself never grows, but a nearly full
// volume is worth knowing about before a multi-week run.
func logVolumeUsage(archivePath string) {
	abs, err := filepath.Abs(archivePath)
	if err != nil {
		return
	}
	if du, err := gdisk.Usage(filepath.Dir(abs)); err == nil {
		log.Printf("Archive volume: %dG of %dG in use (%.1f%%).",
			du.Used>>30, du.Total>>30, du.UsedPercent)
	}
}
