// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// attachedClient returns a client whose process stub is attached, plus
// the server-side process proxy.
func attachedClient(t *testing.T, cfg *Config, srv *Server) (*Client, *ProcessProxy) {
	t.Helper()
	added := make(chan *ProcessProxy, 1)
	unsub := srv.OnProcessAdded.Connect(func(p *ProcessProxy) { added <- p })
	defer unsub()
	client, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	proxy := recvWithin(t, added)
	require.Eventually(t, func() bool { return client.InstanceID() > 0 },
		waitTimeout, waitTick)
	return client, proxy
}

// A child attach naming an unknown or zero parent is refused with
// InvalidParameter.
func TestChildAttachUnknownParent(t *testing.T) {
	cfg := newTestConfig()
	srv := startServer(t, cfg)

	tr := startClientTransport(t, cfg)
	peer := connectPeer(t, tr)

	results := make(chan Result, 2)
	unknown := ChannelInfo{ID: "c", Type: "shm", OwnerProcessID: 999}
	require.True(t, tr.SendRequest(peer, OpcodeAttachChannel, unknown.Marshal(),
		func(result Result, _ []byte) { results <- result }))
	assert.Equal(t, ResultInvalidParameter, recvWithin(t, results))

	zero := HandleInfo{Key: "k", Type: HandleTypeReader, OwnerNodeID: 0}
	require.True(t, tr.SendRequest(peer, OpcodeAttachHandle, zero.Marshal(),
		func(result Result, _ []byte) { results <- result }))
	assert.Equal(t, ResultInvalidParameter, recvWithin(t, results))

	assert.Empty(t, srv.Processes())
}

// An unparsable attach payload is refused with DeserializeError.
func TestAttachDeserializeError(t *testing.T) {
	cfg := newTestConfig()
	startServer(t, cfg)

	tr := startClientTransport(t, cfg)
	peer := connectPeer(t, tr)

	results := make(chan Result, 1)
	garbage := []byte{0xFF, 0xFF, 0xFF}
	require.True(t, tr.SendRequest(peer, OpcodeAttachProcess, garbage,
		func(result Result, _ []byte) { results <- result }))

	assert.Equal(t, ResultDeserializeError, recvWithin(t, results))
}

// Nodes and their handles mirror attach/detach and enable/disable
// events through the proxy tree.
func TestNodeHandleTree(t *testing.T) {
	cfg := newTestConfig()
	srv := startServer(t, cfg)
	client, procProxy := attachedClient(t, cfg, srv)

	nodesCh := make(chan *NodeProxy, 1)
	procProxy.OnNodeAdded.Connect(func(np *NodeProxy) { nodesCh <- np })
	node := client.CreateNodeStub("planner")
	require.NotNil(t, node)
	nodeProxy := recvWithin(t, nodesCh)
	assert.Equal(t, "planner", nodeProxy.Name())
	require.Eventually(t, func() bool { return node.InstanceID() > 0 },
		waitTimeout, waitTick)

	handlesCh := make(chan *HandleProxy, 1)
	nodeProxy.OnHandleAdded.Connect(func(hp *HandleProxy) { handlesCh <- hp })
	handle := node.CreateHandleStub(HandleTypeReader, "topic/imu",
		map[string]string{"topic/imu": "chan-1"}, nil)
	require.NotNil(t, handle)
	handleProxy := recvWithin(t, handlesCh)
	require.Eventually(t, func() bool { return handle.InstanceID() > 0 },
		waitTimeout, waitTick)

	assert.Equal(t, "topic/imu", handleProxy.Key())
	assert.Equal(t, HandleTypeReader, handleProxy.HandleType())
	assert.Equal(t, map[string]string{"topic/imu": "chan-1"}, handleProxy.MappingChannels())
	require.Len(t, nodeProxy.Handles(), 1)

	handle.Enable()
	require.Eventually(t, func() bool { return handleProxy.IsEnabled() },
		waitTimeout, waitTick)
	handle.Disable()
	require.Eventually(t, func() bool { return !handleProxy.IsEnabled() },
		waitTimeout, waitTick)

	node.Attach()
	require.Eventually(t, func() bool { return nodeProxy.IsExecutorAttached() },
		waitTimeout, waitTick)
	node.Detach()
	require.Eventually(t, func() bool { return !nodeProxy.IsExecutorAttached() },
		waitTimeout, waitTick)
}

// Executor telemetry mirrors node attachment, run spans, and task
// spans; a detached node is truly removed.
func TestExecutorTelemetry(t *testing.T) {
	cfg := newTestConfig()
	srv := startServer(t, cfg)
	client, procProxy := attachedClient(t, cfg, srv)

	execCh := make(chan *ExecutorProxy, 1)
	procProxy.OnExecutorAdded.Connect(func(ep *ExecutorProxy) { execCh <- ep })
	exec := client.CreateExecutorStub(4)
	require.NotNil(t, exec)
	execProxy := recvWithin(t, execCh)
	require.Eventually(t, func() bool { return exec.InstanceID() > 0 },
		waitTimeout, waitTick)
	assert.EqualValues(t, 4, execProxy.ThreadPoolSize())

	node := client.CreateNodeStub("mapper")
	require.NotNil(t, node)

	exec.AttachNode(node)
	require.Eventually(t, func() bool {
		names := execProxy.AttachedNodes()
		return len(names) == 1 && names[0] == "mapper"
	}, waitTimeout, waitTick)

	exec.DetachNode(node)
	require.Eventually(t, func() bool { return len(execProxy.AttachedNodes()) == 0 },
		waitTimeout, waitTick)

	exec.RunBegin()
	require.Eventually(t, func() bool { return execProxy.IsRunning() },
		waitTimeout, waitTick)
	exec.RunEnd()
	require.Eventually(t, func() bool { return !execProxy.IsRunning() },
		waitTimeout, waitTick)

	spans := make(chan TaskSpan, 1)
	execProxy.OnTaskBegin.Connect(func(span TaskSpan) { spans <- span })
	exec.TaskBegin(7)
	span := recvWithin(t, spans)
	assert.EqualValues(t, 7, span.TaskID)
}

// Closing the client removes its process from the registry and fires
// OnProcessRemoved.
func TestProcessRemovedOnDisconnect(t *testing.T) {
	cfg := newTestConfig()
	srv := startServer(t, cfg)
	removed := make(chan *ProcessProxy, 1)
	srv.OnProcessRemoved.Connect(func(p *ProcessProxy) { removed <- p })

	added := make(chan *ProcessProxy, 1)
	srv.OnProcessAdded.Connect(func(p *ProcessProxy) { added <- p })
	client, err := NewClient(cfg)
	require.NoError(t, err)
	proxy := recvWithin(t, added)

	client.Close()

	gone := recvWithin(t, removed)
	assert.Same(t, proxy, gone)
	require.Eventually(t, func() bool { return len(srv.Processes()) == 0 },
		waitTimeout, waitTick)
}

// Channel property compatibility is a subset match against the
// channel's property set.
func TestChannelProxyCompatibility(t *testing.T) {
	cfg := newTestConfig()
	tr := NewTransport(cfg)
	peer := &Peer{ID: 1, Addr: cfg.ServerAddr}
	cp := newChannelProxy(tr, peer, ChannelInfo{
		ID:     "c",
		Config: map[string]string{"id": "c", "type": "shm", "dir": "out"},
	})

	assert.True(t, cp.IsCompatibleWith(nil))
	assert.True(t, cp.IsCompatibleWith(map[string]string{"type": "shm"}))
	assert.False(t, cp.IsCompatibleWith(map[string]string{"type": "udp"}))
	assert.False(t, cp.IsCompatibleWith(map[string]string{"mtu": "1500"}))
}

// The registry survives a peer that connects and disconnects without
// ever attaching.
func TestPeerWithoutAttach(t *testing.T) {
	cfg := newTestConfig()
	srv := startServer(t, cfg)

	tr := startClientTransport(t, cfg)
	peer := connectPeer(t, tr)

	done := make(chan Result, 1)
	require.True(t, tr.Disconnect(peer, func(result Result) { done <- result }))
	assert.Equal(t, ResultOk, recvWithin(t, done))
	assert.Empty(t, srv.Processes())

	// A later client still attaches normally.
	attachedClient(t, cfg, srv)
	assert.Len(t, srv.Processes(), 1)
}

// Process-level deactivation cascades to a channel child: its proxy
// fires OnDeactivated and the channel stub becomes deactivated.
func TestActivationCascadeToChildren(t *testing.T) {
	cfg := newTestConfig()
	srv := startServer(t, cfg)
	client, procProxy := attachedClient(t, cfg, srv)

	chanCh := make(chan *ChannelProxy, 1)
	procProxy.OnChannelAdded.Connect(func(cp *ChannelProxy) { chanCh <- cp })
	ch := client.CreateChannelStub(ChannelConfig{
		Properties: map[string]string{"id": "c1", "type": "shm"},
	}, nil)
	require.NotNil(t, ch)
	chanProxy := recvWithin(t, chanCh)
	require.Eventually(t, func() bool { return ch.InstanceID() > 0 },
		waitTimeout, waitTick)

	deactivated := make(chan Unit, 1)
	chanProxy.OnDeactivated.Connect(func(u Unit) { deactivated <- u })

	procProxy.SetActivation(false)

	recvWithin(t, deactivated)
	assert.False(t, chanProxy.IsActivated())
	require.Eventually(t, func() bool { return !ch.IsActivated() },
		waitTimeout, waitTick)
}
