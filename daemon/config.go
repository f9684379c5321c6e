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
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tgres/faarch/misc"
)

type Config struct { // Needs to be exported for TOML to work
	PidPath      string   `toml:"pid-file"`
	LogPath      string   `toml:"log-file"`
	LogCycle     duration `toml:"log-cycle-interval"`
	ListenSpec   string   `toml:"listen-spec"`
	Device       string   `toml:"sniffer-device"`
	ReplayFile   string   `toml:"replay-file"`
	BufferBlocks int      `toml:"buffer-blocks"`
	EntryCount   int      `toml:"entry-count"`
	Boost        bool     `toml:"boost-priority"`
	MaskChange   bool     `toml:"allow-mask-change"`
	Quiet        bool     `toml:"quiet"`
}

type duration struct{ time.Duration }

func (d *duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

var readConfig = func(cfgPath string) (*Config, error) {
	cfg := &Config{}
	if cfgPath == "" {
		return cfg, nil
	}
	_, err := toml.DecodeFile(cfgPath, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) processConfigPidFile(wd string) error {
	if c.PidPath == "" {
		c.PidPath = "faarch.pid"
	}
	if !filepath.IsAbs(c.PidPath) {
		if wd == "" {
			return fmt.Errorf("pid-file must be absolute path if working directory cannot be determined")
		}
		c.PidPath = filepath.Join(wd, c.PidPath)
	}
	pidDir, _ := filepath.Split(c.PidPath)
	if err := os.MkdirAll(pidDir, 0755); err != nil {
		return fmt.Errorf("Unable to create directory: '%s' (%v).", pidDir, err)
	}
	return nil
}

func (c *Config) processConfigLogFile(wd string) error {
	if os.Getenv("FAARCH_LOG") != "" {
		c.LogPath = os.Getenv("FAARCH_LOG")
	}
	if c.LogPath == "" {
		// Without a log file everything stays on stderr.
		return nil
	}
	if !filepath.IsAbs(c.LogPath) {
		if wd == "" {
			return fmt.Errorf("log-file must be absolute path if working directory cannot be determined")
		}
		c.LogPath = filepath.Join(wd, c.LogPath)
	}
	logDir, _ := filepath.Split(c.LogPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("Unable to create directory: '%s' (%v).", logDir, err)
	}

	log.Printf("Logs will be written to '%s'.", c.LogPath)

	if c.LogCycle.Duration == 0 {
		c.LogCycle.Duration = 24 * time.Hour
	}
	log.Printf("Will cycle logs every %v (log-cycle-interval).", c.LogCycle.Duration)
	logFileCycler(c.LogPath, c.LogCycle.Duration)
	return nil
}

func (c *Config) processListenSpec() error {
	if c.ListenSpec == "" {
		c.ListenSpec = "0.0.0.0:8888"
	}
	if os.Getenv("FAARCH_BIND") != "" {
		c.ListenSpec = os.Getenv("FAARCH_BIND")
	}
	log.Printf("Will listen on %s (listen-spec).", c.ListenSpec)
	return nil
}

func (c *Config) processBufferBlocks() error {
	if c.BufferBlocks == 0 {
		c.BufferBlocks = 64
	}
	if c.BufferBlocks < 4 {
		return fmt.Errorf("buffer-blocks must be at least 4")
	}
	log.Printf("Ring buffer of %d blocks (buffer-blocks).", c.BufferBlocks)
	return nil
}

func (c *Config) processDevice() error {
	switch {
	case c.Device != "" && c.ReplayFile != "":
		return fmt.Errorf("sniffer-device and replay-file are mutually exclusive")
	case c.Device != "":
		log.Printf("Capturing from %s (sniffer-device).", c.Device)
	case c.ReplayFile != "":
		log.Printf("Replaying frames from %s (replay-file).", c.ReplayFile)
	default:
		log.Printf("No capture source configured, running as read-only archiver.")
	}
	return nil
}

type configer interface {
	processConfigPidFile(string) error
	processConfigLogFile(string) error
	processListenSpec() error
	processBufferBlocks() error
	processDevice() error
}

var processConfig = func(c configer, wd string) error {
	if err := c.processConfigPidFile(wd); err != nil {
		return err
	}
	if err := c.processConfigLogFile(wd); err != nil {
		return err
	}
	if err := c.processListenSpec(); err != nil {
		return err
	}
	if err := c.processBufferBlocks(); err != nil {
		return err
	}
	if err := c.processDevice(); err != nil {
		return err
	}
	return nil
}

// sizeFlag lets -b take "8M" style values on the command line.
type sizeFlag int64

func (s *sizeFlag) String() string { return fmt.Sprintf("%d", int64(*s)) }

func (s *sizeFlag) Set(v string) error {
	n, err := misc.ParseSize(v)
	if err != nil {
		return err
	}
	*s = sizeFlag(n)
	return nil
}
