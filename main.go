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

// Faarch is a continuous archiver for the FA beam-position-monitor
// data stream: it captures frames from a sniffer device at ~10 kHz,
// archives them to a circular on-disk archive with two cascaded
// decimations, and serves historical and live data over TCP.
//
// Archives are created with fa-prepare and read back with fa-capture
// or any client speaking the line protocol.
package main

import (
	"github.com/tgres/faarch/daemon"
)

func main() {
	daemon.Init()
}
