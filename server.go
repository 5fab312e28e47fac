// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import (
	"log/slog"
	"sync"
)

// Server is the registry role: it accepts peer connections, serves the
// five attach request kinds, mirrors each attached entity with the
// matching proxy, links children to their parent proxies, and removes
// entries when their peers disconnect.
//
// Instance ids handed to clients are the host-assigned peer ids, so a
// child's owner reference resolves with one map lookup.
type Server struct {
	cfg       *Config
	transport *Transport
	logger    SLogger
	metrics   *serverMetrics

	mu        sync.Mutex
	processes map[uint64]*ProcessProxy
	channels  map[uint64]*ChannelProxy
	executors map[uint64]*ExecutorProxy
	nodes     map[uint64]*NodeProxy
	handles   map[uint64]*HandleProxy

	// OnProcessAdded and OnProcessRemoved track the process-level
	// population of the registry.
	OnProcessAdded   Signal[*ProcessProxy]
	OnProcessRemoved Signal[*ProcessProxy]
}

// NewServer creates a stopped [*Server]. A nil cfg means [NewConfig].
func NewServer(cfg *Config) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	return &Server{
		cfg:       cfg,
		transport: NewTransport(cfg),
		logger:    cfg.Logger,
		metrics:   newServerMetrics(cfg.Metrics),
		processes: make(map[uint64]*ProcessProxy),
		channels:  make(map[uint64]*ChannelProxy),
		executors: make(map[uint64]*ExecutorProxy),
		nodes:     make(map[uint64]*NodeProxy),
		handles:   make(map[uint64]*HandleProxy),
	}
}

// Transport returns the server's transport.
func (s *Server) Transport() *Transport {
	return s.transport
}

// Start binds the configured address and begins accepting peers.
func (s *Server) Start() error {
	return s.transport.StartAsServer(s.handleConnect)
}

// Stop tears the transport down. Held proxies become disconnected but
// are not individually notified; the registry is not restartable.
func (s *Server) Stop() {
	s.transport.Stop()
}

// Processes returns the currently attached process proxies.
func (s *Server) Processes() []*ProcessProxy {
	s.mu.Lock()
	defer s.mu.Unlock()
	processes := make([]*ProcessProxy, 0, len(s.processes))
	for _, p := range s.processes {
		processes = append(processes, p)
	}
	return processes
}

// handleConnect installs the attach request handlers on every accepted
// peer.
func (s *Server) handleConnect(peer *Peer) {
	s.logger.Info("serverPeerAccepted", peerAttrs(peer)...)
	s.transport.RegisterRequestHandler(peer, OpcodeAttachProcess, s.handleAttachProcess)
	s.transport.RegisterRequestHandler(peer, OpcodeAttachChannel, s.handleAttachChannel)
	s.transport.RegisterRequestHandler(peer, OpcodeAttachExecutor, s.handleAttachExecutor)
	s.transport.RegisterRequestHandler(peer, OpcodeAttachNode, s.handleAttachNode)
	s.transport.RegisterRequestHandler(peer, OpcodeAttachHandle, s.handleAttachHandle)
}

// respondAttach stages the Ok response for an attached entity.
func respondAttach(req *RequestContext, isActivated bool, instanceID uint64) {
	resp := AttachResponse{IsActivated: isActivated, InstanceID: instanceID}
	req.SetResponse(ResultOk, resp.Marshal())
}

func (s *Server) handleAttachProcess(req *RequestContext) {
	peer := req.Peer()
	s.mu.Lock()
	if _, dup := s.processes[peer.ID]; dup {
		s.mu.Unlock()
		s.logger.Error("duplicateProcessAttach", peerAttrs(peer)...)
		req.SetResponse(ResultExisted, nil)
		s.metrics.attachResult("process", ResultExisted)
		return
	}
	var info ProcessInfo
	if err := info.Unmarshal(req.Payload()); err != nil {
		s.mu.Unlock()
		s.logger.Error("processAttachParseFailed", slog.Any("err", err))
		req.SetResponse(ResultDeserializeError, nil)
		s.metrics.attachResult("process", ResultDeserializeError)
		return
	}
	proxy := newProcessProxy(s.transport, peer, info)
	proxy.OnDisconnected.Connect(func(Unit) {
		s.removeProcess(peer.ID)
	})
	s.processes[peer.ID] = proxy
	respondAttach(req, proxy.IsActivated(), peer.ID)
	s.mu.Unlock()
	s.metrics.attachResult("process", ResultOk)
	s.metrics.entityDelta("process", 1)
	s.OnProcessAdded.emit(proxy)
	s.logger.Info("processAttached", slog.String("name", proxy.Name()),
		slog.Int64("pid", proxy.Pid()), slog.Uint64("instanceID", peer.ID))
}

func (s *Server) removeProcess(id uint64) {
	s.mu.Lock()
	proxy, ok := s.processes[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.processes, id)
	s.mu.Unlock()
	s.metrics.entityDelta("process", -1)
	s.OnProcessRemoved.emit(proxy)
	s.logger.Info("processRemoved", slog.Uint64("instanceID", id))
}

func (s *Server) handleAttachChannel(req *RequestContext) {
	peer := req.Peer()
	s.mu.Lock()
	if _, dup := s.channels[peer.ID]; dup {
		s.mu.Unlock()
		s.logger.Error("duplicateChannelAttach", peerAttrs(peer)...)
		req.SetResponse(ResultExisted, nil)
		s.metrics.attachResult("channel", ResultExisted)
		return
	}
	var info ChannelInfo
	if err := info.Unmarshal(req.Payload()); err != nil {
		s.mu.Unlock()
		s.logger.Error("channelAttachParseFailed", slog.Any("err", err))
		req.SetResponse(ResultDeserializeError, nil)
		s.metrics.attachResult("channel", ResultDeserializeError)
		return
	}
	parent := s.processes[info.OwnerProcessID]
	if info.OwnerProcessID == 0 || parent == nil {
		s.mu.Unlock()
		s.logger.Error("channelAttachUnknownProcess",
			slog.Uint64("ownerProcessID", info.OwnerProcessID))
		req.SetResponse(ResultInvalidParameter, nil)
		s.metrics.attachResult("channel", ResultInvalidParameter)
		return
	}
	proxy := newChannelProxy(s.transport, peer, info)
	proxy.OnDisconnected.Connect(func(Unit) {
		s.removeChannel(peer.ID)
	})
	s.channels[peer.ID] = proxy
	respondAttach(req, proxy.IsActivated(), peer.ID)
	s.mu.Unlock()
	s.metrics.attachResult("channel", ResultOk)
	s.metrics.entityDelta("channel", 1)
	parent.addChannelProxy(proxy)
	s.logger.Info("channelAttached", slog.String("id", proxy.ID()),
		slog.Uint64("instanceID", peer.ID))
}

func (s *Server) removeChannel(id uint64) {
	s.mu.Lock()
	_, ok := s.channels[id]
	delete(s.channels, id)
	s.mu.Unlock()
	if ok {
		s.metrics.entityDelta("channel", -1)
		s.logger.Info("channelRemoved", slog.Uint64("instanceID", id))
	}
}

func (s *Server) handleAttachExecutor(req *RequestContext) {
	peer := req.Peer()
	s.mu.Lock()
	if _, dup := s.executors[peer.ID]; dup {
		s.mu.Unlock()
		s.logger.Error("duplicateExecutorAttach", peerAttrs(peer)...)
		req.SetResponse(ResultExisted, nil)
		s.metrics.attachResult("executor", ResultExisted)
		return
	}
	var info ExecutorInfo
	if err := info.Unmarshal(req.Payload()); err != nil {
		s.mu.Unlock()
		s.logger.Error("executorAttachParseFailed", slog.Any("err", err))
		req.SetResponse(ResultDeserializeError, nil)
		s.metrics.attachResult("executor", ResultDeserializeError)
		return
	}
	parent := s.processes[info.OwnerProcessID]
	if info.OwnerProcessID == 0 || parent == nil {
		s.mu.Unlock()
		s.logger.Error("executorAttachUnknownProcess",
			slog.Uint64("ownerProcessID", info.OwnerProcessID))
		req.SetResponse(ResultInvalidParameter, nil)
		s.metrics.attachResult("executor", ResultInvalidParameter)
		return
	}
	proxy := newExecutorProxy(s.transport, peer, info)
	proxy.OnDisconnected.Connect(func(Unit) {
		s.removeExecutor(peer.ID)
	})
	s.executors[peer.ID] = proxy
	respondAttach(req, proxy.IsActivated(), peer.ID)
	s.mu.Unlock()
	s.metrics.attachResult("executor", ResultOk)
	s.metrics.entityDelta("executor", 1)
	parent.addExecutorProxy(proxy)
	s.logger.Info("executorAttached", slog.Uint64("instanceID", peer.ID))
}

func (s *Server) removeExecutor(id uint64) {
	s.mu.Lock()
	_, ok := s.executors[id]
	delete(s.executors, id)
	s.mu.Unlock()
	if ok {
		s.metrics.entityDelta("executor", -1)
		s.logger.Info("executorRemoved", slog.Uint64("instanceID", id))
	}
}

func (s *Server) handleAttachNode(req *RequestContext) {
	peer := req.Peer()
	s.mu.Lock()
	if _, dup := s.nodes[peer.ID]; dup {
		s.mu.Unlock()
		s.logger.Error("duplicateNodeAttach", peerAttrs(peer)...)
		req.SetResponse(ResultExisted, nil)
		s.metrics.attachResult("node", ResultExisted)
		return
	}
	var info NodeInfo
	if err := info.Unmarshal(req.Payload()); err != nil {
		s.mu.Unlock()
		s.logger.Error("nodeAttachParseFailed", slog.Any("err", err))
		req.SetResponse(ResultDeserializeError, nil)
		s.metrics.attachResult("node", ResultDeserializeError)
		return
	}
	parent := s.processes[info.OwnerProcessID]
	if info.OwnerProcessID == 0 || parent == nil {
		s.mu.Unlock()
		s.logger.Error("nodeAttachUnknownProcess",
			slog.Uint64("ownerProcessID", info.OwnerProcessID))
		req.SetResponse(ResultInvalidParameter, nil)
		s.metrics.attachResult("node", ResultInvalidParameter)
		return
	}
	proxy := newNodeProxy(s.transport, peer, info)
	proxy.OnDisconnected.Connect(func(Unit) {
		s.removeNode(peer.ID)
	})
	s.nodes[peer.ID] = proxy
	respondAttach(req, proxy.IsActivated(), peer.ID)
	s.mu.Unlock()
	s.metrics.attachResult("node", ResultOk)
	s.metrics.entityDelta("node", 1)
	parent.addNodeProxy(proxy)
	s.logger.Info("nodeAttached", slog.String("name", proxy.Name()),
		slog.Uint64("instanceID", peer.ID))
}

func (s *Server) removeNode(id uint64) {
	s.mu.Lock()
	_, ok := s.nodes[id]
	delete(s.nodes, id)
	s.mu.Unlock()
	if ok {
		s.metrics.entityDelta("node", -1)
		s.logger.Info("nodeRemoved", slog.Uint64("instanceID", id))
	}
}

func (s *Server) handleAttachHandle(req *RequestContext) {
	peer := req.Peer()
	s.mu.Lock()
	if _, dup := s.handles[peer.ID]; dup {
		s.mu.Unlock()
		s.logger.Error("duplicateHandleAttach", peerAttrs(peer)...)
		req.SetResponse(ResultExisted, nil)
		s.metrics.attachResult("handle", ResultExisted)
		return
	}
	var info HandleInfo
	if err := info.Unmarshal(req.Payload()); err != nil {
		s.mu.Unlock()
		s.logger.Error("handleAttachParseFailed", slog.Any("err", err))
		req.SetResponse(ResultDeserializeError, nil)
		s.metrics.attachResult("handle", ResultDeserializeError)
		return
	}
	parent := s.nodes[info.OwnerNodeID]
	if info.OwnerNodeID == 0 || parent == nil {
		s.mu.Unlock()
		s.logger.Error("handleAttachUnknownNode",
			slog.Uint64("ownerNodeID", info.OwnerNodeID))
		req.SetResponse(ResultInvalidParameter, nil)
		s.metrics.attachResult("handle", ResultInvalidParameter)
		return
	}
	proxy := newHandleProxy(s.transport, peer, info)
	proxy.OnDisconnected.Connect(func(Unit) {
		s.removeHandle(peer.ID)
	})
	s.handles[peer.ID] = proxy
	respondAttach(req, proxy.IsActivated(), peer.ID)
	s.mu.Unlock()
	s.metrics.attachResult("handle", ResultOk)
	s.metrics.entityDelta("handle", 1)
	parent.addHandleProxy(proxy)
	s.logger.Info("handleAttached", slog.String("type", proxy.HandleType().String()),
		slog.String("key", proxy.Key()), slog.Uint64("instanceID", peer.ID))
}

func (s *Server) removeHandle(id uint64) {
	s.mu.Lock()
	_, ok := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()
	if ok {
		s.metrics.entityDelta("handle", -1)
		s.logger.Info("handleRemoved", slog.Uint64("instanceID", id))
	}
}
