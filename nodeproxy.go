// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

// NodeProxy mirrors one node of an attached process, including its I/O
// handle children.
type NodeProxy struct {
	Proxy

	info       NodeInfo
	isAttached bool
	handles    []childEntry[*HandleProxy]

	// OnExecutorAttached and OnExecutorDetached mirror the node's
	// executor attachment events.
	OnExecutorAttached Signal[Unit]
	OnExecutorDetached Signal[Unit]

	// OnHandleAdded and OnHandleRemoved track the handle children.
	OnHandleAdded   Signal[*HandleProxy]
	OnHandleRemoved Signal[*HandleProxy]
}

// childEntry pairs a child proxy with the disconnect-signal
// subscription that removes it.
type childEntry[T any] struct {
	proxy T
	unsub func()
}

func newNodeProxy(t *Transport, peer *Peer, info NodeInfo) *NodeProxy {
	n := &NodeProxy{info: info}
	n.isAttached = info.IsAttached
	n.initProxy(t, peer, n.handleActivationChanged)
	n.mu.Lock()
	n.registerEventHandlerLocked(OpcodeNodeAttach, n.handleAttach)
	n.registerEventHandlerLocked(OpcodeNodeDetach, n.handleDetach)
	n.mu.Unlock()
	return n
}

// Name returns the node name.
func (n *NodeProxy) Name() string {
	return n.info.Name
}

// OwnerThread returns the thread that created the node.
func (n *NodeProxy) OwnerThread() ThreadInfo {
	return n.info.OwnerThread
}

// IsExecutorAttached reports whether an executor runs the node.
func (n *NodeProxy) IsExecutorAttached() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isAttached
}

// Handles returns the current handle children.
func (n *NodeProxy) Handles() []*HandleProxy {
	n.mu.Lock()
	defer n.mu.Unlock()
	handles := make([]*HandleProxy, 0, len(n.handles))
	for _, entry := range n.handles {
		handles = append(handles, entry.proxy)
	}
	return handles
}

// addHandleProxy links a handle child: the child is removed (and
// OnHandleRemoved fired) when its peer disconnects.
func (n *NodeProxy) addHandleProxy(hp *HandleProxy) {
	n.mu.Lock()
	peer := hp.Peer()
	for _, entry := range n.handles {
		if entry.proxy.Peer() == peer {
			n.mu.Unlock()
			n.logger.Error("duplicateHandleChild")
			return
		}
	}
	unsub := hp.OnDisconnected.Connect(func(Unit) {
		n.removeHandleProxy(hp)
	})
	n.handles = append(n.handles, childEntry[*HandleProxy]{proxy: hp, unsub: unsub})
	n.mu.Unlock()
	n.OnHandleAdded.emit(hp)
}

func (n *NodeProxy) removeHandleProxy(hp *HandleProxy) {
	n.mu.Lock()
	found := false
	for i, entry := range n.handles {
		if entry.proxy == hp {
			entry.unsub()
			n.handles = append(n.handles[:i], n.handles[i+1:]...)
			found = true
			break
		}
	}
	n.mu.Unlock()
	if found {
		n.OnHandleRemoved.emit(hp)
	}
}

// handleActivationChanged cascades activation to the handle children.
func (n *NodeProxy) handleActivationChanged(isActivated bool) {
	for _, hp := range n.Handles() {
		hp.SetActivation(isActivated)
	}
}

func (n *NodeProxy) handleAttach(payload []byte) {
	n.mu.Lock()
	n.isAttached = true
	n.mu.Unlock()
	n.OnExecutorAttached.emit(Unit{})
}

func (n *NodeProxy) handleDetach(payload []byte) {
	n.mu.Lock()
	n.isAttached = false
	n.mu.Unlock()
	n.OnExecutorDetached.emit(Unit{})
}
