// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"
)

// MessageSink is the local recorder consumed by channel and handle
// stubs: every observed message is offered to it while it is started.
type MessageSink interface {
	// Record stores one message, reporting whether it was accepted.
	Record(msg Message) bool

	// Start begins recording; an empty path selects a default location.
	Start(path string) bool

	// Stop ends recording, flushing buffered data.
	Stop()

	// IsStarted reports whether recording is active.
	IsStarted() bool
}

// MessageSource is the local player controlled by the server's player
// events: it replays previously recorded traffic into the process.
type MessageSource interface {
	Start(path string) bool
	Stop()
	IsStarted() bool
}

// FileRecorder is a [MessageSink] writing varint-length-delimited
// message records to a file.
type FileRecorder struct {
	logger SLogger

	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

var _ MessageSink = &FileRecorder{}

// NewFileRecorder creates a stopped recorder.
func NewFileRecorder(logger SLogger) *FileRecorder {
	if logger == nil {
		logger = DefaultSLogger()
	}
	return &FileRecorder{logger: logger}
}

// Start implements [MessageSink]. An empty path records to a
// per-process file in the temporary directory. Starting a started
// recorder reports false.
func (r *FileRecorder) Start(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f != nil {
		r.logger.Warn("recorderAlreadyStarted")
		return false
	}
	if path == "" {
		path = filepath.Join(os.TempDir(), fmt.Sprintf("blackbox2-%d.rec", os.Getpid()))
	}
	f, err := os.Create(path)
	if err != nil {
		r.logger.Error("recorderStartFailed", slog.String("path", path),
			slog.Any("err", err))
		return false
	}
	r.f = f
	r.w = bufio.NewWriter(f)
	r.logger.Info("recorderStarted", slog.String("path", path))
	return true
}

// Stop implements [MessageSink].
func (r *FileRecorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return
	}
	r.w.Flush()
	r.f.Close()
	r.f, r.w = nil, nil
	r.logger.Info("recorderStopped")
}

// IsStarted implements [MessageSink].
func (r *FileRecorder) IsStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f != nil
}

// Record implements [MessageSink]. Each record is the message's wire
// form prefixed with its varint length.
func (r *FileRecorder) Record(msg Message) bool {
	rec := msg.record(MessageHasDefault)
	body := rec.Marshal()
	frame := protowire.AppendVarint(nil, uint64(len(body)))
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return false
	}
	if _, err := r.w.Write(frame); err != nil {
		r.logger.Error("recorderWriteFailed", slog.Any("err", err))
		return false
	}
	if _, err := r.w.Write(body); err != nil {
		r.logger.Error("recorderWriteFailed", slog.Any("err", err))
		return false
	}
	return true
}
