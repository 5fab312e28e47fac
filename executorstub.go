// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

// ExecutorStub replicates one task executor of the instrumented
// process. It reports node attachment, run spans, and task spans.
// Create through [*Client.CreateExecutorStub].
type ExecutorStub struct {
	Stub

	info ExecutorInfo
}

func newExecutorStub(t *Transport, threadPoolSize uint32, parent *Stub) *ExecutorStub {
	e := &ExecutorStub{}
	e.info = ExecutorInfo{
		ThreadPoolSize: threadPoolSize,
		OwnerThread:    currentThread(),
	}
	if parent != nil {
		e.info.OwnerProcessID = parent.InstanceID()
	}
	hooks := StubHooks{
		OnParentInstanceIDChanged: func(id uint64) {
			e.info.OwnerProcessID = id
		},
	}
	e.initStub(t, OpcodeAttachExecutor, func() []byte { return e.info.Marshal() }, parent, hooks)
	return e
}

// ThreadPoolSize returns the announced pool size.
func (e *ExecutorStub) ThreadPoolSize() uint32 {
	return e.info.ThreadPoolSize
}

// AttachNode reports that node now runs on this executor.
func (e *ExecutorStub) AttachNode(node *NodeStub) {
	name := node.Name()
	sv := StringValue{Value: name}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendEventGatedLocked(OpcodeExecutorAttachNode, sv.Marshal())
	e.info.AttachedNodes = append(e.info.AttachedNodes, name)
}

// DetachNode reports that node no longer runs on this executor.
func (e *ExecutorStub) DetachNode(node *NodeStub) {
	name := node.Name()
	sv := StringValue{Value: name}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendEventGatedLocked(OpcodeExecutorDetachNode, sv.Marshal())
	for i, n := range e.info.AttachedNodes {
		if n == name {
			e.info.AttachedNodes = append(e.info.AttachedNodes[:i], e.info.AttachedNodes[i+1:]...)
			break
		}
	}
}

// RunBegin reports that the executor loop entered its run phase.
func (e *ExecutorStub) RunBegin() {
	thread := currentThread()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendEventGatedLocked(OpcodeExecutorRunBegin, thread.marshal())
	e.info.IsRunning = true
}

// RunEnd reports that the executor loop left its run phase.
func (e *ExecutorStub) RunEnd() {
	thread := currentThread()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendEventGatedLocked(OpcodeExecutorRunEnd, thread.marshal())
	e.info.IsRunning = false
}

// TaskBegin reports the start of one task.
func (e *ExecutorStub) TaskBegin(taskID int64) {
	span := TaskSpan{Thread: currentThread(), TaskID: taskID}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendEventGatedLocked(OpcodeExecutorTaskBegin, span.Marshal())
}

// TaskEnd reports the end of one task.
func (e *ExecutorStub) TaskEnd(taskID int64) {
	span := TaskSpan{Thread: currentThread(), TaskID: taskID}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendEventGatedLocked(OpcodeExecutorTaskEnd, span.Marshal())
}
