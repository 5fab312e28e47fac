// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import (
	"log/slog"
	"time"
)

// ProcessProxy mirrors one attached process and holds its channel,
// executor, and node children. Activation changes cascade to the
// children (and from nodes further down to their handles).
type ProcessProxy struct {
	Proxy

	info      ProcessInfo
	channels  []childEntry[*ChannelProxy]
	executors []childEntry[*ExecutorProxy]
	nodes     []childEntry[*NodeProxy]

	// Child lifecycle signals.
	OnChannelAdded    Signal[*ChannelProxy]
	OnChannelRemoved  Signal[*ChannelProxy]
	OnExecutorAdded   Signal[*ExecutorProxy]
	OnExecutorRemoved Signal[*ExecutorProxy]
	OnNodeAdded       Signal[*NodeProxy]
	OnNodeRemoved     Signal[*NodeProxy]
}

func newProcessProxy(t *Transport, peer *Peer, info ProcessInfo) *ProcessProxy {
	p := &ProcessProxy{info: info}
	p.initProxy(t, peer, p.handleActivationChanged)
	return p
}

// Name returns the process executable name.
func (p *ProcessProxy) Name() string {
	return p.info.Name
}

// Pid returns the process id.
func (p *ProcessProxy) Pid() int64 {
	return p.info.Pid
}

// CommandLine returns the process command line.
func (p *ProcessProxy) CommandLine() string {
	return p.info.CommandLine
}

// WorkingDirectory returns the process working directory.
func (p *ProcessProxy) WorkingDirectory() string {
	return p.info.WorkingDirectory
}

// Environment returns the process environment block.
func (p *ProcessProxy) Environment() string {
	return p.info.Environment
}

// ConfigFilename returns the configuration file the process announced.
func (p *ProcessProxy) ConfigFilename() string {
	return p.info.ConfigFilename
}

// StartupTime returns when the process started.
func (p *ProcessProxy) StartupTime() time.Time {
	return time.UnixMicro(p.info.StartupMicros)
}

// Version returns the middleware library version of the process.
func (p *ProcessProxy) Version() Version {
	return p.info.Version
}

// Channels returns the current channel children.
func (p *ProcessProxy) Channels() []*ChannelProxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	channels := make([]*ChannelProxy, 0, len(p.channels))
	for _, entry := range p.channels {
		channels = append(channels, entry.proxy)
	}
	return channels
}

// Executors returns the current executor children.
func (p *ProcessProxy) Executors() []*ExecutorProxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	executors := make([]*ExecutorProxy, 0, len(p.executors))
	for _, entry := range p.executors {
		executors = append(executors, entry.proxy)
	}
	return executors
}

// Nodes returns the current node children.
func (p *ProcessProxy) Nodes() []*NodeProxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	nodes := make([]*NodeProxy, 0, len(p.nodes))
	for _, entry := range p.nodes {
		nodes = append(nodes, entry.proxy)
	}
	return nodes
}

// GetKeyStat asks the process for the statistics of one key. The
// callback resolves with [ResultOk] and a stat, or with the failure.
func (p *ProcessProxy) GetKeyStat(key string, cb func(Result, *KeyStat)) bool {
	sv := StringValue{Value: key}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sendRequestLocked(OpcodeProcessGetKeyStat, sv.Marshal(),
		func(result Result, payload []byte) {
			if result != ResultOk {
				cb(result, nil)
				return
			}
			var stat KeyStat
			if err := stat.Unmarshal(payload); err != nil {
				p.logger.Error("keyStatParseFailed", slog.Any("err", err))
				cb(ResultDeserializeError, nil)
				return
			}
			if !stat.Valid {
				cb(ResultUnknown, nil)
				return
			}
			cb(ResultOk, &stat)
		})
}

// StartLocalPlayer asks the process to start replaying recorded
// traffic into its channels.
func (p *ProcessProxy) StartLocalPlayer(path string) bool {
	sv := StringValue{Value: path}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sendEventLocked(OpcodeProcessStartLocalPlayer, sv.Marshal())
}

// StopLocalPlayer asks the process to stop its local player.
func (p *ProcessProxy) StopLocalPlayer() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sendEventLocked(OpcodeProcessStopLocalPlayer, nil)
}

// StartLocalRecorder asks the process to start recording its traffic.
func (p *ProcessProxy) StartLocalRecorder(path string) bool {
	sv := StringValue{Value: path}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sendEventLocked(OpcodeProcessStartLocalRecorder, sv.Marshal())
}

// StopLocalRecorder asks the process to stop its local recorder.
func (p *ProcessProxy) StopLocalRecorder() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sendEventLocked(OpcodeProcessStopLocalRecorder, nil)
}

// addChannelProxy links a channel child; the child removes itself on
// peer disconnect, firing OnChannelRemoved.
func (p *ProcessProxy) addChannelProxy(cp *ChannelProxy) {
	p.mu.Lock()
	for _, entry := range p.channels {
		if entry.proxy == cp {
			p.mu.Unlock()
			p.logger.Error("duplicateChannelChild")
			return
		}
	}
	unsub := cp.OnDisconnected.Connect(func(Unit) {
		p.removeChannelProxy(cp)
	})
	p.channels = append(p.channels, childEntry[*ChannelProxy]{proxy: cp, unsub: unsub})
	p.mu.Unlock()
	p.OnChannelAdded.emit(cp)
}

func (p *ProcessProxy) removeChannelProxy(cp *ChannelProxy) {
	p.mu.Lock()
	found := false
	for i, entry := range p.channels {
		if entry.proxy == cp {
			entry.unsub()
			p.channels = append(p.channels[:i], p.channels[i+1:]...)
			found = true
			break
		}
	}
	p.mu.Unlock()
	if found {
		p.OnChannelRemoved.emit(cp)
	}
}

// addExecutorProxy links an executor child.
func (p *ProcessProxy) addExecutorProxy(ep *ExecutorProxy) {
	p.mu.Lock()
	for _, entry := range p.executors {
		if entry.proxy == ep {
			p.mu.Unlock()
			p.logger.Error("duplicateExecutorChild")
			return
		}
	}
	unsub := ep.OnDisconnected.Connect(func(Unit) {
		p.removeExecutorProxy(ep)
	})
	p.executors = append(p.executors, childEntry[*ExecutorProxy]{proxy: ep, unsub: unsub})
	p.mu.Unlock()
	p.OnExecutorAdded.emit(ep)
}

func (p *ProcessProxy) removeExecutorProxy(ep *ExecutorProxy) {
	p.mu.Lock()
	found := false
	for i, entry := range p.executors {
		if entry.proxy == ep {
			entry.unsub()
			p.executors = append(p.executors[:i], p.executors[i+1:]...)
			found = true
			break
		}
	}
	p.mu.Unlock()
	if found {
		p.OnExecutorRemoved.emit(ep)
	}
}

// addNodeProxy links a node child.
func (p *ProcessProxy) addNodeProxy(np *NodeProxy) {
	p.mu.Lock()
	for _, entry := range p.nodes {
		if entry.proxy == np {
			p.mu.Unlock()
			p.logger.Error("duplicateNodeChild")
			return
		}
	}
	unsub := np.OnDisconnected.Connect(func(Unit) {
		p.removeNodeProxy(np)
	})
	p.nodes = append(p.nodes, childEntry[*NodeProxy]{proxy: np, unsub: unsub})
	p.mu.Unlock()
	p.OnNodeAdded.emit(np)
}

func (p *ProcessProxy) removeNodeProxy(np *NodeProxy) {
	p.mu.Lock()
	found := false
	for i, entry := range p.nodes {
		if entry.proxy == np {
			entry.unsub()
			p.nodes = append(p.nodes[:i], p.nodes[i+1:]...)
			found = true
			break
		}
	}
	p.mu.Unlock()
	if found {
		p.OnNodeRemoved.emit(np)
	}
}

// handleActivationChanged cascades activation to every child.
func (p *ProcessProxy) handleActivationChanged(isActivated bool) {
	for _, cp := range p.Channels() {
		cp.SetActivation(isActivated)
	}
	for _, ep := range p.Executors() {
		ep.SetActivation(isActivated)
	}
	for _, np := range p.Nodes() {
		np.SetActivation(isActivated)
	}
}
