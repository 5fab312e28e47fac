// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import "log/slog"

// ExecutorProxy mirrors one executor of an attached process: its node
// attachment set, its run state, and its task spans.
type ExecutorProxy struct {
	Proxy

	info          ExecutorInfo
	isRunning     bool
	attachedNodes []string

	// OnNodeAttached and OnNodeDetached fire with the node name.
	OnNodeAttached Signal[string]
	OnNodeDetached Signal[string]

	// OnRunBegin and OnRunEnd fire with the reporting thread.
	OnRunBegin Signal[ThreadInfo]
	OnRunEnd   Signal[ThreadInfo]

	// OnTaskBegin and OnTaskEnd fire with the task span.
	OnTaskBegin Signal[TaskSpan]
	OnTaskEnd   Signal[TaskSpan]
}

func newExecutorProxy(t *Transport, peer *Peer, info ExecutorInfo) *ExecutorProxy {
	e := &ExecutorProxy{info: info}
	e.isRunning = info.IsRunning
	e.attachedNodes = append(e.attachedNodes, info.AttachedNodes...)
	e.initProxy(t, peer, nil)
	e.mu.Lock()
	e.registerEventHandlerLocked(OpcodeExecutorAttachNode, e.handleAttachNode)
	e.registerEventHandlerLocked(OpcodeExecutorDetachNode, e.handleDetachNode)
	e.registerEventHandlerLocked(OpcodeExecutorRunBegin, e.handleRunBegin)
	e.registerEventHandlerLocked(OpcodeExecutorRunEnd, e.handleRunEnd)
	e.registerEventHandlerLocked(OpcodeExecutorTaskBegin, e.handleTaskBegin)
	e.registerEventHandlerLocked(OpcodeExecutorTaskEnd, e.handleTaskEnd)
	e.mu.Unlock()
	return e
}

// ThreadPoolSize returns the announced pool size.
func (e *ExecutorProxy) ThreadPoolSize() uint32 {
	return e.info.ThreadPoolSize
}

// OwnerThread returns the thread that created the executor.
func (e *ExecutorProxy) OwnerThread() ThreadInfo {
	return e.info.OwnerThread
}

// IsRunning reports whether the executor loop is in its run phase.
func (e *ExecutorProxy) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isRunning
}

// AttachedNodes returns a copy of the attached node names.
func (e *ExecutorProxy) AttachedNodes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.attachedNodes...)
}

func (e *ExecutorProxy) handleAttachNode(payload []byte) {
	var sv StringValue
	if err := sv.Unmarshal(payload); err != nil {
		e.logger.Error("attachNodeParseFailed", slog.Any("err", err))
		return
	}
	e.mu.Lock()
	e.attachedNodes = append(e.attachedNodes, sv.Value)
	e.mu.Unlock()
	e.OnNodeAttached.emit(sv.Value)
}

func (e *ExecutorProxy) handleDetachNode(payload []byte) {
	var sv StringValue
	if err := sv.Unmarshal(payload); err != nil {
		e.logger.Error("detachNodeParseFailed", slog.Any("err", err))
		return
	}
	e.mu.Lock()
	for i, name := range e.attachedNodes {
		if name == sv.Value {
			e.attachedNodes = append(e.attachedNodes[:i], e.attachedNodes[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	e.OnNodeDetached.emit(sv.Value)
}

func (e *ExecutorProxy) handleRunBegin(payload []byte) {
	var thread ThreadInfo
	if err := thread.unmarshal(payload); err != nil {
		e.logger.Error("runBeginParseFailed", slog.Any("err", err))
		return
	}
	e.mu.Lock()
	e.isRunning = true
	e.mu.Unlock()
	e.OnRunBegin.emit(thread)
}

func (e *ExecutorProxy) handleRunEnd(payload []byte) {
	var thread ThreadInfo
	if err := thread.unmarshal(payload); err != nil {
		e.logger.Error("runEndParseFailed", slog.Any("err", err))
		return
	}
	e.mu.Lock()
	e.isRunning = false
	e.mu.Unlock()
	e.OnRunEnd.emit(thread)
}

func (e *ExecutorProxy) handleTaskBegin(payload []byte) {
	var span TaskSpan
	if err := span.Unmarshal(payload); err != nil {
		e.logger.Error("taskBeginParseFailed", slog.Any("err", err))
		return
	}
	e.OnTaskBegin.emit(span)
}

func (e *ExecutorProxy) handleTaskEnd(payload []byte) {
	var span TaskSpan
	if err := span.Unmarshal(payload); err != nil {
		e.logger.Error("taskEndParseFailed", slog.Any("err", err))
		return
	}
	e.OnTaskEnd.emit(span)
}
