// SPDX-License-Identifier: GPL-3.0-or-later

//go:build unix

package blackbox2

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// WakePipe is a kernel-backed byte channel used to interrupt a blocking
// readiness wait from any thread. The read handle participates in the
// same select set as the host socket.
//
// A WakePipe is not safe for concurrent use by itself; the [Transport]
// serializes access through its mutex. Single-byte writes are atomic
// with respect to single-byte reads.
type WakePipe struct {
	rd   int
	wr   int
	open bool
}

// errPipeClosed reports use of a closed wake pipe.
var errPipeClosed = errors.New("blackbox2: wake pipe is closed")

// errInterrupted is the platform's interrupted-wait error; the backend
// continues its loop when the readiness wait fails with it.
var errInterrupted error = unix.EINTR

// Open creates the pipe, closing any previously open one first.
func (p *WakePipe) Open() error {
	p.Close()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return err
	}
	p.rd, p.wr, p.open = fds[0], fds[1], true
	return nil
}

// Close releases both ends. Closing a closed pipe is a no-op.
func (p *WakePipe) Close() {
	if !p.open {
		return
	}
	unix.Close(p.rd)
	unix.Close(p.wr)
	p.rd, p.wr, p.open = -1, -1, false
}

// IsOpen reports whether the pipe is open.
func (p *WakePipe) IsOpen() bool {
	return p.open
}

// Read reads up to len(buf) bytes from the read end.
func (p *WakePipe) Read(buf []byte) (int, error) {
	if !p.open {
		return 0, errPipeClosed
	}
	return unix.Read(p.rd, buf)
}

// Write writes buf to the write end.
func (p *WakePipe) Write(buf []byte) (int, error) {
	if !p.open {
		return 0, errPipeClosed
	}
	return unix.Write(p.wr, buf)
}

// ReadHandle returns the selectable read-end descriptor, or -1.
func (p *WakePipe) ReadHandle() int {
	if !p.open {
		return -1
	}
	return p.rd
}

// WriteHandle returns the write-end descriptor, or -1.
func (p *WakePipe) WriteHandle() int {
	if !p.open {
		return -1
	}
	return p.wr
}

// setNonblock switches the read end to non-blocking mode. Used by the
// loopback fabric, whose notification pipe is drained opportunistically.
func (p *WakePipe) setNonblock() error {
	if !p.open {
		return errPipeClosed
	}
	return unix.SetNonblock(p.rd, true)
}

// waitReadable blocks until one of the descriptors is readable or the
// timeout elapses. Negative descriptors are skipped. It reports whether
// each descriptor is readable; err is [unix.EINTR] when a signal
// interrupted the wait.
func waitReadable(fd0, fd1 int, timeout time.Duration) (r0, r1 bool, err error) {
	var fds unix.FdSet
	fds.Zero()
	nfds := 0
	if fd0 >= 0 {
		fds.Set(fd0)
		nfds = max(nfds, fd0+1)
	}
	if fd1 >= 0 {
		fds.Set(fd1)
		nfds = max(nfds, fd1+1)
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(nfds, &fds, nil, nil, &tv)
	if err != nil || n <= 0 {
		return false, false, err
	}
	return fd0 >= 0 && fds.IsSet(fd0), fd1 >= 0 && fds.IsSet(fd1), nil
}
