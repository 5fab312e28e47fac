// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

// NodeStub replicates one computation node of the instrumented
// process. Create through [*Client.CreateNodeStub].
type NodeStub struct {
	Stub

	info NodeInfo
}

func newNodeStub(t *Transport, name string, parent *Stub) *NodeStub {
	n := &NodeStub{}
	n.info = NodeInfo{
		Name:        name,
		OwnerThread: currentThread(),
	}
	if parent != nil {
		n.info.OwnerProcessID = parent.InstanceID()
	}
	hooks := StubHooks{
		OnParentInstanceIDChanged: func(id uint64) {
			n.info.OwnerProcessID = id
		},
	}
	n.initStub(t, OpcodeAttachNode, func() []byte { return n.info.Marshal() }, parent, hooks)
	return n
}

// Name returns the node name.
func (n *NodeStub) Name() string {
	return n.info.Name
}

// Attach reports that the node got attached to an executor.
func (n *NodeStub) Attach() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.info.IsAttached = true
	n.sendEventGatedLocked(OpcodeNodeAttach, nil)
}

// Detach reports that the node got detached from its executor.
func (n *NodeStub) Detach() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.info.IsAttached = false
	n.sendEventGatedLocked(OpcodeNodeDetach, nil)
}

// CreateHandleStub creates and starts an I/O handle stub parented to
// this node. Returns nil when the client role is disabled or the stub
// fails to start.
func (n *NodeStub) CreateHandleStub(handleType HandleType, key string,
	mappingChannels map[string]string, inject MessageHandler) *HandleStub {
	if !n.Transport().Enabled() {
		return nil
	}
	h := newHandleStub(n.Transport(), handleType, key, mappingChannels, inject, &n.Stub)
	if !h.Start() {
		return nil
	}
	return h
}
