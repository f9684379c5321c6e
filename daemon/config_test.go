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

package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func Test_ReadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faarch.conf")
	content := `
pid-file = "run/faarch.pid"
listen-spec = "0.0.0.0:8889"
log-cycle-interval = "12h"
sniffer-device = "/dev/fa_sniffer0"
buffer-blocks = 32
boost-priority = true
allow-mask-change = true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := readConfig(path)
	if err != nil {
		t.Fatalf("readConfig: %v", err)
	}
	if cfg.PidPath != "run/faarch.pid" || cfg.ListenSpec != "0.0.0.0:8889" ||
		cfg.Device != "/dev/fa_sniffer0" || cfg.BufferBlocks != 32 ||
		!cfg.Boost || !cfg.MaskChange {
		t.Errorf("readConfig: %+v", cfg)
	}
	if cfg.LogCycle.Duration != 12*time.Hour {
		t.Errorf("LogCycle: %v", cfg.LogCycle.Duration)
	}
}

func Test_ProcessConfigDefaults(t *testing.T) {
	wd := t.TempDir()
	cfg := &Config{}
	if err := processConfig(configer(cfg), wd); err != nil {
		t.Fatalf("processConfig: %v", err)
	}
	if cfg.PidPath != filepath.Join(wd, "faarch.pid") {
		t.Errorf("PidPath: %q", cfg.PidPath)
	}
	if cfg.ListenSpec != "0.0.0.0:8888" {
		t.Errorf("ListenSpec: %q", cfg.ListenSpec)
	}
	if cfg.BufferBlocks != 64 {
		t.Errorf("BufferBlocks: %d", cfg.BufferBlocks)
	}
}

func Test_ProcessConfigRejectsTinyBuffer(t *testing.T) {
	cfg := &Config{BufferBlocks: 2}
	if err := processConfig(configer(cfg), t.TempDir()); err == nil {
		t.Errorf("processConfig: 2 ring blocks accepted")
	}
}

func Test_ProcessConfigDeviceConflict(t *testing.T) {
	cfg := &Config{Device: "/dev/fa_sniffer0", ReplayFile: "capture.bin"}
	if err := processConfig(configer(cfg), t.TempDir()); err == nil {
		t.Errorf("processConfig: device and replay file both accepted")
	}
}
