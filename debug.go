// Copyright 2015 Google Inc. All Rights Reserved.
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

package fuse

import (
	"flag"
	"log/slog"
	"os"
	"sync"
)

var fEnableDebug = flag.Bool(
	"fuse.debug",
	false,
	"Write FUSE debugging messages to stderr.")

var gLogger *slog.Logger
var gLoggerOnce sync.Once

func initLogger() {
	// Binaries that route flags through their own CLI layer may never call
	// flag.Parse; they get the default level.
	level := slog.LevelWarn
	if flag.Parsed() && *fEnableDebug {
		level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	gLogger = slog.New(handler).With("component", "fuse")
}

func getLogger() *slog.Logger {
	gLoggerOnce.Do(initLogger)
	return gLogger
}
