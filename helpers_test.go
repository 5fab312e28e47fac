// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/slogstub"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// timeFromMicros builds a timestamp from epoch microseconds.
func timeFromMicros(us int64) time.Time {
	return time.UnixMicro(us)
}

// testPort hands out distinct server ports so tests sharing a fabric
// cannot collide.
var testPort atomic.Uint32

// newTestConfig returns a config wired to a fresh in-memory fabric
// with the client role enabled and a unique server address.
func newTestConfig() *Config {
	fabric := NewLoopbackFabric()
	port := uint16(20000 + testPort.Add(1))
	return &Config{
		Enabled:       true,
		ServerAddr:    netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port),
		NewHost:       fabric.NewHost,
		ErrClassifier: DefaultErrClassifier,
		Logger:        DefaultSLogger(),
		TimeNow:       time.Now,
	}
}

// waitTimeout and waitTick bound the Eventually polls used by the
// integration tests.
const (
	waitTimeout = 5 * time.Second
	waitTick    = 10 * time.Millisecond
)

// funcMessageSource is a trivial in-memory MessageSource for tests.
type funcMessageSource struct {
	mu       sync.Mutex
	started  bool
	lastPath string
}

var _ MessageSource = &funcMessageSource{}

func (p *funcMessageSource) Start(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	p.lastPath = path
	return true
}

func (p *funcMessageSource) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
}

func (p *funcMessageSource) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *funcMessageSource) path() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPath
}

// rawPeerServer drives a loopback host directly, without a Transport,
// so tests can craft wire-level packets and control response ordering.
type rawPeerServer struct {
	host Host
}

// newRawPeerServer binds a raw host to the config's server address.
func newRawPeerServer(cfg *Config) (*rawPeerServer, error) {
	bind := cfg.ServerAddr
	host, err := cfg.NewHost(&bind)
	if err != nil {
		return nil, err
	}
	return &rawPeerServer{host: host}, nil
}

// poll drains at most one host event.
func (s *rawPeerServer) poll() (HostEvent, bool) {
	return s.host.Poll()
}

// waitEvent polls until an event of the wanted kind arrives or the
// timeout expires, discarding other events.
func (s *rawPeerServer) waitEvent(kind HostEventKind, timeout time.Duration) (HostEvent, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if evt, ok := s.host.Poll(); ok {
			if evt.Kind == kind {
				return evt, true
			}
			continue
		}
		time.Sleep(waitTick)
	}
	return HostEvent{}, false
}

// send transmits a raw packet to the peer.
func (s *rawPeerServer) send(peer *Peer, data []byte) error {
	return s.host.Send(peer, data)
}

func (s *rawPeerServer) close() {
	s.host.Close()
}
