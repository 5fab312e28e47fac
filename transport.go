// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/bassosimone/runtimex"
)

// Callback and handler types used by the [Transport].
type (
	// ConnectCallback resolves an outgoing connect attempt. On success
	// the result is [ResultOk] and peer is valid; on timeout the result
	// is [ResultTimeout] and peer is nil.
	ConnectCallback func(result Result, peer *Peer)

	// DisconnectCallback resolves a graceful disconnect request.
	DisconnectCallback func(result Result)

	// ConnectHandler receives unsolicited incoming connections
	// (server role).
	ConnectHandler func(peer *Peer)

	// DisconnectHandler observes the loss of a peer it was registered for.
	DisconnectHandler func()

	// EventHandler receives the payload of one event packet.
	EventHandler func(payload []byte)

	// RequestHandler serves one incoming request. Exactly one response
	// is sent per request: either the one set via
	// [*RequestContext.SetResponse] or a synthesized [ResultUnknown].
	RequestHandler func(req *RequestContext)

	// ResponseCallback resolves one outstanding request.
	ResponseCallback func(result Result, payload []byte)
)

// Start errors.
var (
	// ErrNotEnabled means the client role is disabled by configuration.
	ErrNotEnabled = errors.New("blackbox2: not enabled")

	// ErrAlreadyStarted means the transport backend is already running.
	ErrAlreadyStarted = errors.New("blackbox2: already started")
)

// Wake pipe command bytes.
const (
	cmdWakeup = 'w'
	cmdExit   = 'x'
)

// Connect retransmission discipline applied to every peer.
const (
	connectRetries = 3
	connectMinRTT  = 1 * time.Second
	connectMaxRTT  = 4 * time.Second
)

// backendTick bounds the backend's readiness wait.
const backendTick = 1000 * time.Millisecond

// Transport owns one reliable-packet host, the backend goroutine that
// drains it, and the peer-indexed dispatch state: connect/disconnect
// continuations, event and request handler tables, and the outstanding
// request-session table.
//
// All public operations except Stop, which joins the backend goroutine,
// are non-blocking and serialize with the backend
// through a single mutex. Handlers and continuations are always invoked
// with that mutex released, so they may call back into the Transport.
//
// One Transport is shared by every [Object] in a process role; each
// Object owns its per-peer registrations and clears them with
// [*Transport.UnregisterAll].
type Transport struct {
	mu          sync.Mutex
	cfg         *Config
	logger      SLogger
	host        Host
	pipe        WakePipe
	backendRun  bool
	backendDone chan struct{}

	// session is the next request session id. Session ids are globally
	// monotonic across peers; an id still outstanding for the target
	// peer is never reused.
	session uint32

	pendingConnects    map[*Peer]ConnectCallback
	pendingDisconnects map[*Peer]DisconnectCallback
	connectHandler     ConnectHandler
	disconnectHandlers map[*Peer]DisconnectHandler
	eventHandlers      map[*Peer]map[Opcode]EventHandler
	requestHandlers    map[*Peer]map[Opcode]RequestHandler
	outstanding        map[*Peer]map[uint32]ResponseCallback
}

// NewTransport creates a stopped [*Transport]. A nil cfg means
// [NewConfig].
func NewTransport(cfg *Config) *Transport {
	if cfg == nil {
		cfg = NewConfig()
	}
	return &Transport{
		cfg:                cfg,
		logger:             cfg.Logger,
		session:            1,
		pendingConnects:    make(map[*Peer]ConnectCallback),
		pendingDisconnects: make(map[*Peer]DisconnectCallback),
		disconnectHandlers: make(map[*Peer]DisconnectHandler),
		eventHandlers:      make(map[*Peer]map[Opcode]EventHandler),
		requestHandlers:    make(map[*Peer]map[Opcode]RequestHandler),
		outstanding:        make(map[*Peer]map[uint32]ResponseCallback),
	}
}

// Enabled reports whether the client role is enabled by configuration.
func (t *Transport) Enabled() bool {
	return t.cfg.Enabled
}

// ServerAddr returns the configured server address.
func (t *Transport) ServerAddr() netip.AddrPort {
	return t.cfg.ServerAddr
}

// StartAsClient creates a host bound to an ephemeral local address and
// starts the backend. It fails with [ErrNotEnabled] when the client
// role is disabled and [ErrAlreadyStarted] when already running.
func (t *Transport) StartAsClient() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cfg.Enabled {
		t.logger.Error("transportStart", slog.Any("err", ErrNotEnabled))
		return ErrNotEnabled
	}
	if t.backendRun && t.pipe.IsOpen() {
		return ErrAlreadyStarted
	}
	runtimex.Assert(t.host == nil)
	host, err := t.cfg.NewHost(nil)
	if err != nil {
		t.logger.Error("hostCreateFailed", slog.Any("err", err),
			slog.String("errClass", t.cfg.ErrClassifier.Classify(err)))
		return err
	}
	if err := t.startLocked(); err != nil {
		host.Close()
		return err
	}
	t.host = host
	t.logger.Info("transportStart", slog.String("role", "client"),
		slog.String("serverAddr", t.cfg.ServerAddr.String()))
	return nil
}

// StartAsServer creates a host bound to the configured server address,
// installs the unsolicited-connect handler, and starts the backend.
func (t *Transport) StartAsServer(onConnect ConnectHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.backendRun && t.pipe.IsOpen() {
		return ErrAlreadyStarted
	}
	runtimex.Assert(t.host == nil)
	bind := t.cfg.ServerAddr
	host, err := t.cfg.NewHost(&bind)
	if err != nil {
		t.logger.Error("hostCreateFailed", slog.Any("err", err),
			slog.String("errClass", t.cfg.ErrClassifier.Classify(err)))
		return err
	}
	if err := t.startLocked(); err != nil {
		host.Close()
		return err
	}
	t.host = host
	t.connectHandler = onConnect
	t.wakeupLocked()
	t.logger.Info("transportStart", slog.String("role", "server"),
		slog.String("bindAddr", bind.String()))
	return nil
}

// startLocked opens the wake pipe and spawns the backend goroutine.
func (t *Transport) startLocked() error {
	runtimex.Assert(!t.pipe.IsOpen())
	if err := t.pipe.Open(); err != nil {
		t.logger.Error("wakePipeOpenFailed", slog.Any("err", err),
			slog.String("errClass", t.cfg.ErrClassifier.Classify(err)))
		return err
	}
	t.backendRun = true
	t.backendDone = make(chan struct{})
	go t.backend()
	return nil
}

// Stop signals exit to the backend through the wake pipe, joins it,
// tears down the host, and drops all dispatch tables and pending
// continuations. Stopping a stopped transport is a no-op.
func (t *Transport) Stop() {
	t.mu.Lock()
	if t.backendRun {
		runtimex.Assert(t.pipe.IsOpen())
		if _, err := t.pipe.Write([]byte{cmdExit}); err == nil {
			done := t.backendDone
			t.mu.Unlock()
			<-done
			t.mu.Lock()
		} else {
			t.logger.Error("wakePipeWriteFailed", slog.Any("err", err),
				slog.String("errClass", t.cfg.ErrClassifier.Classify(err)))
		}
	}
	t.pipe.Close()
	if t.host != nil {
		t.host.Close()
		t.host = nil
	}
	t.pendingConnects = make(map[*Peer]ConnectCallback)
	t.pendingDisconnects = make(map[*Peer]DisconnectCallback)
	t.disconnectHandlers = make(map[*Peer]DisconnectHandler)
	t.eventHandlers = make(map[*Peer]map[Opcode]EventHandler)
	t.requestHandlers = make(map[*Peer]map[Opcode]RequestHandler)
	t.outstanding = make(map[*Peer]map[uint32]ResponseCallback)
	t.connectHandler = nil
	t.mu.Unlock()
	t.logger.Info("transportStop")
}

// Connect enqueues an outgoing connect to the configured server
// address. Completion is reported through cb. Reports false when the
// transport is not started.
func (t *Transport) Connect(cb ConnectCallback) bool {
	runtimex.Assert(cb != nil)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.host == nil {
		t.logger.Error("connectWithoutHost")
		return false
	}
	peer, err := t.host.Connect(t.cfg.ServerAddr)
	if err != nil {
		t.logger.Error("connectFailed", slog.Any("err", err),
			slog.String("errClass", t.cfg.ErrClassifier.Classify(err)))
		return false
	}
	t.host.SetPeerTimeout(peer, connectRetries, connectMinRTT, connectMaxRTT)
	t.pendingConnects[peer] = cb
	t.wakeupLocked()
	return true
}

// Disconnect requests a graceful disconnect of peer. Concurrent
// requests for the same peer are deduplicated: only the first callback
// is retained.
func (t *Transport) Disconnect(peer *Peer, cb DisconnectCallback) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.host == nil || peer == nil {
		t.logger.Error("disconnectInvalid")
		return false
	}
	if _, inflight := t.pendingDisconnects[peer]; inflight {
		t.logger.Warn("disconnectAlreadyPending", peerAttrs(peer)...)
		return true
	}
	t.host.Disconnect(peer)
	if cb != nil {
		t.pendingDisconnects[peer] = cb
	}
	t.wakeupLocked()
	return true
}

// SendEvent serializes and enqueues a one-way packet.
func (t *Transport) SendEvent(peer *Peer, opcode Opcode, payload []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendPacketLocked(peer, TypeEvent, opcode, 0, 0, payload)
}

// SendRequest allocates the next session id, enqueues the request, and
// records cb to be resolved by the matching response or by peer loss
// ([ResultTimeout]); [*Transport.UnregisterAll] drops cb unresolved.
func (t *Transport) SendRequest(peer *Peer, opcode Opcode, payload []byte, cb ResponseCallback) bool {
	runtimex.Assert(cb != nil)
	t.mu.Lock()
	defer t.mu.Unlock()
	session := t.session
	for {
		if _, busy := t.outstanding[peer][session]; !busy {
			break
		}
		session++
	}
	if !t.sendPacketLocked(peer, TypeRequest, opcode, session, 0, payload) {
		return false
	}
	m := t.outstanding[peer]
	if m == nil {
		m = make(map[uint32]ResponseCallback)
		t.outstanding[peer] = m
	}
	m[session] = cb
	t.session = session + 1
	return true
}

// RegisterEventHandler installs or, with a nil handler, clears the
// event handler for (peer, opcode).
func (t *Transport) RegisterEventHandler(peer *Peer, opcode Opcode, handler EventHandler) {
	runtimex.Assert(peer != nil)
	t.mu.Lock()
	defer t.mu.Unlock()
	if handler == nil {
		if m := t.eventHandlers[peer]; m != nil {
			delete(m, opcode)
			if len(m) == 0 {
				delete(t.eventHandlers, peer)
			}
		}
		return
	}
	m := t.eventHandlers[peer]
	if m == nil {
		m = make(map[Opcode]EventHandler)
		t.eventHandlers[peer] = m
	}
	m[opcode] = handler
}

// RegisterRequestHandler installs or, with a nil handler, clears the
// request handler for (peer, opcode).
func (t *Transport) RegisterRequestHandler(peer *Peer, opcode Opcode, handler RequestHandler) {
	runtimex.Assert(peer != nil)
	t.mu.Lock()
	defer t.mu.Unlock()
	if handler == nil {
		if m := t.requestHandlers[peer]; m != nil {
			delete(m, opcode)
			if len(m) == 0 {
				delete(t.requestHandlers, peer)
			}
		}
		return
	}
	m := t.requestHandlers[peer]
	if m == nil {
		m = make(map[Opcode]RequestHandler)
		t.requestHandlers[peer] = m
	}
	m[opcode] = handler
}

// RegisterDisconnectHandler installs the peer's disconnect handler.
// At most one handler per peer; a later registration replaces it.
func (t *Transport) RegisterDisconnectHandler(peer *Peer, handler DisconnectHandler) {
	runtimex.Assert(peer != nil)
	t.mu.Lock()
	defer t.mu.Unlock()
	if handler == nil {
		delete(t.disconnectHandlers, peer)
		return
	}
	t.disconnectHandlers[peer] = handler
}

// UnregisterAll clears all per-peer state: event and request handlers,
// outstanding request continuations, pending connect and disconnect
// continuations, and the disconnect handler.
func (t *Transport) UnregisterAll(peer *Peer) {
	runtimex.Assert(peer != nil)
	t.logger.Info("unregisterAll", peerAttrs(peer)...)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.eventHandlers, peer)
	delete(t.requestHandlers, peer)
	delete(t.outstanding, peer)
	delete(t.pendingConnects, peer)
	delete(t.pendingDisconnects, peer)
	delete(t.disconnectHandlers, peer)
}

// wakeupLocked interrupts the backend's readiness wait.
func (t *Transport) wakeupLocked() bool {
	if !t.backendRun {
		t.logger.Warn("wakeupWithoutBackend")
		return false
	}
	runtimex.Assert(t.pipe.IsOpen())
	if _, err := t.pipe.Write([]byte{cmdWakeup}); err != nil {
		t.logger.Error("wakePipeWriteFailed", slog.Any("err", err),
			slog.String("errClass", t.cfg.ErrClassifier.Classify(err)))
		return false
	}
	return true
}

// sendPacketLocked encodes and enqueues one packet. The caller holds
// the transport mutex.
func (t *Transport) sendPacketLocked(peer *Peer, typ PacketType, opcode Opcode, session, extra uint32, payload []byte) bool {
	if peer == nil {
		t.logger.Error("sendWithNilPeer")
		return false
	}
	if t.host == nil {
		t.logger.Error("sendWithoutHost")
		return false
	}
	pkt := encodePacket(typ, opcode, session, extra, payload)
	if err := t.host.Send(peer, pkt); err != nil {
		t.logger.Error("sendFailed",
			append(peerAttrs(peer),
				slog.String("opcode", opcode.String()),
				slog.Any("err", err),
				slog.String("errClass", t.cfg.ErrClassifier.Classify(err)))...)
		return false
	}
	t.wakeupLocked()
	return true
}

// sendEncoded enqueues an already-encoded packet; used by
// [*RequestContext.FlushResponse], which runs outside the mutex.
func (t *Transport) sendEncoded(peer *Peer, pkt []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if peer == nil || t.host == nil {
		return false
	}
	if err := t.host.Send(peer, pkt); err != nil {
		t.logger.Error("sendFailed",
			append(peerAttrs(peer),
				slog.Any("err", err),
				slog.String("errClass", t.cfg.ErrClassifier.Classify(err)))...)
		return false
	}
	t.wakeupLocked()
	return true
}

// backend is the transport's single I/O goroutine. It drains host
// events, then waits for readiness of the wake pipe or the host with a
// bounded tick, holding the mutex except across the wait and handler
// dispatch.
func (t *Transport) backend() {
	t.logger.Info("backendStart")
	t.mu.Lock()
	for t.backendRun {
		if t.host != nil {
			t.serviceHostLocked()
		}
		pipeFd := t.pipe.ReadHandle()
		hostFd := -1
		if t.host != nil {
			hostFd = t.host.ReadinessHandle()
		}
		t.mu.Unlock()
		pipeReady, _, err := waitReadable(pipeFd, hostFd, backendTick)
		t.mu.Lock()
		if t.host != nil {
			t.serviceHostLocked()
		}
		if pipeReady {
			t.handleCommandLocked()
		}
		if err != nil {
			if errors.Is(err, errInterrupted) {
				continue
			}
			t.logger.Error("selectFailed", slog.Any("err", err),
				slog.String("errClass", t.cfg.ErrClassifier.Classify(err)))
			break
		}
	}
	t.backendRun = false
	t.mu.Unlock()
	close(t.backendDone)
	t.logger.Info("backendExit")
}

// handleCommandLocked reads one command byte from the wake pipe.
func (t *Transport) handleCommandLocked() {
	var cmd [1]byte
	if n, err := t.pipe.Read(cmd[:]); n != 1 || err != nil {
		return
	}
	switch cmd[0] {
	case cmdWakeup:
		// nothing to do
	case cmdExit:
		t.logger.Info("backendExitRequested")
		t.backendRun = false
	default:
		t.logger.Error("unknownCommand", slog.Int("cmd", int(cmd[0])))
	}
}

// serviceHostLocked drains all queued host events.
func (t *Transport) serviceHostLocked() {
	for {
		evt, ok := t.host.Poll()
		if !ok {
			return
		}
		switch evt.Kind {
		case HostEventReceive:
			t.handlePacketLocked(evt.Peer, evt.Data)
		case HostEventConnect:
			t.handleConnectLocked(evt.Peer)
		case HostEventDisconnect:
			t.handleDisconnectLocked(evt.Peer)
		default:
			t.logger.Error("unknownHostEvent", slog.Int("kind", int(evt.Kind)))
		}
	}
}

// handleConnectLocked resolves a connect event: a pending outgoing
// connect wins; otherwise the host-wide connect handler (server role)
// accepts the peer with the standard timeout discipline.
func (t *Transport) handleConnectLocked(peer *Peer) {
	t.logger.Info("peerConnected", peerAttrs(peer)...)
	if cb, ok := t.pendingConnects[peer]; ok {
		delete(t.pendingConnects, peer)
		t.mu.Unlock()
		cb(ResultOk, peer)
		t.mu.Lock()
		return
	}
	handler := t.connectHandler
	if handler == nil {
		t.logger.Warn("unsolicitedConnect", peerAttrs(peer)...)
		return
	}
	t.host.SetPeerTimeout(peer, connectRetries, connectMinRTT, connectMaxRTT)
	t.mu.Unlock()
	handler(peer)
	t.mu.Lock()
}

// handleDisconnectLocked resolves a disconnect event. Outstanding
// request continuations for the peer fail with [ResultTimeout]; then
// the first match of pending disconnect, pending connect, and
// disconnect handler is invoked. All of the peer's entries are removed,
// handlers included.
func (t *Transport) handleDisconnectLocked(peer *Peer) {
	t.logger.Info("peerDisconnected", peerAttrs(peer)...)
	var failed []ResponseCallback
	for _, cb := range t.outstanding[peer] {
		failed = append(failed, cb)
	}
	// The host never reuses a peer handle, so all of its per-peer
	// state can go away with it.
	delete(t.outstanding, peer)
	delete(t.eventHandlers, peer)
	delete(t.requestHandlers, peer)
	disconnectCb, hasDisconnect := t.pendingDisconnects[peer]
	delete(t.pendingDisconnects, peer)
	connectCb, hasConnect := t.pendingConnects[peer]
	delete(t.pendingConnects, peer)
	handler, hasHandler := t.disconnectHandlers[peer]
	delete(t.disconnectHandlers, peer)

	t.mu.Unlock()
	failOutstanding(failed)
	switch {
	case hasDisconnect:
		disconnectCb(ResultOk)
	case hasConnect:
		connectCb(ResultTimeout, nil)
	case hasHandler:
		handler()
	}
	t.mu.Lock()
}

// failOutstanding resolves abandoned request continuations.
func failOutstanding(cbs []ResponseCallback) {
	for _, cb := range cbs {
		cb(ResultTimeout, nil)
	}
}

// handlePacketLocked validates the fixed header and dispatches by
// packet type. Protocol violations are logged and the packet dropped;
// the connection stays up.
func (t *Transport) handlePacketLocked(peer *Peer, data []byte) {
	h, err := parseHeader(data)
	if err != nil {
		t.logger.Error("packetDropped",
			append(peerAttrs(peer),
				slog.Int("ioBytesCount", len(data)),
				slog.Any("err", err))...)
		return
	}
	payload := data[headerSize:]
	switch h.Type {
	case TypeEvent:
		t.handleEventLocked(peer, h.Opcode, payload)
	case TypeRequest:
		t.handleRequestLocked(peer, h.Opcode, h.Session, payload)
	case TypeResponse:
		t.handleResponseLocked(peer, h.Session, Result(h.Extra), payload)
	}
}

// handleEventLocked invokes the matching event handler, if any, with
// the mutex released. Absence is not an error.
func (t *Transport) handleEventLocked(peer *Peer, opcode Opcode, payload []byte) {
	handler := t.eventHandlers[peer][opcode]
	if handler == nil {
		t.logger.Debug("noEventHandler",
			append(peerAttrs(peer), slog.String("opcode", opcode.String()))...)
		return
	}
	t.mu.Unlock()
	handler(payload)
	t.mu.Lock()
}

// handleRequestLocked invokes the matching request handler with a
// fresh [RequestContext], guaranteeing exactly one response even when
// the handler panics or returns without responding. A missing handler
// is logged; the Transport does not synthesize a response for it.
func (t *Transport) handleRequestLocked(peer *Peer, opcode Opcode, session uint32, payload []byte) {
	handler := t.requestHandlers[peer][opcode]
	if handler == nil {
		t.logger.Info("noRequestHandler",
			append(peerAttrs(peer),
				slog.String("opcode", opcode.String()),
				slog.Uint64("session", uint64(session)))...)
		return
	}
	req := &RequestContext{
		transport: t,
		peer:      peer,
		opcode:    opcode,
		session:   session,
		payload:   payload,
		dirty:     true,
	}
	t.mu.Unlock()
	t.invokeRequestHandler(handler, req)
	t.mu.Lock()
}

// invokeRequestHandler runs handler in a frame that flushes the
// response on every exit path, including panics.
func (t *Transport) invokeRequestHandler(handler RequestHandler, req *RequestContext) {
	defer req.FlushResponse()
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("requestHandlerPanic",
				append(peerAttrs(req.peer),
					slog.String("opcode", req.opcode.String()),
					slog.Any("panic", r))...)
		}
	}()
	handler(req)
}

// handleResponseLocked resolves the outstanding continuation for
// (peer, session), removing it first so delivery is at most once.
func (t *Transport) handleResponseLocked(peer *Peer, session uint32, result Result, payload []byte) {
	m := t.outstanding[peer]
	cb, ok := m[session]
	if !ok {
		t.logger.Info("noRequestSession",
			append(peerAttrs(peer), slog.Uint64("session", uint64(session)))...)
		return
	}
	delete(m, session)
	if len(m) == 0 {
		delete(t.outstanding, peer)
	}
	t.mu.Unlock()
	cb(result, payload)
	t.mu.Lock()
}
