// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// libraryVersion is announced in the process attach payload.
var libraryVersion = Version{Major: 2, Minor: 0, Patch: 0}

// processName returns the short name of the running executable.
func processName() string {
	return filepath.Base(os.Args[0])
}

// currentProcessInfo gathers the attach payload of the process entity
// from the OS.
func currentProcessInfo(now time.Time) ProcessInfo {
	wd, _ := os.Getwd()
	return ProcessInfo{
		Pid:              int64(os.Getpid()),
		Name:             processName(),
		CommandLine:      strings.Join(os.Args, " "),
		WorkingDirectory: wd,
		Environment:      strings.Join(os.Environ(), ";"),
		StartupMicros:    now.UnixMicro(),
		Version:          libraryVersion,
	}
}

// currentThread describes the caller for entity ownership records.
// Goroutines migrate between OS threads, so ownership is recorded at
// process granularity.
func currentThread() ThreadInfo {
	return ThreadInfo{
		ID:   int64(os.Getpid()),
		Name: processName(),
	}
}
