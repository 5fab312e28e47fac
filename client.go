// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import "log/slog"

// Client is the process-scoped client role: the process-level stub plus
// the factories that create channel, executor, and node stubs parented
// to it.
//
// A Client owns its transport. It serves per-key statistics requests
// through a pluggable [StatProvider] and reacts to recorder/player
// control events by re-pointing every live child channel.
//
// The methods declared on Client are safe on a nil receiver; those
// promoted from the embedded [Stub] are not. The factories return nil, so
// callers can hold a nil *Client when the role is disabled.
type Client struct {
	Stub

	cfg      *Config
	info     ProcessInfo
	stats    StatProvider
	recorder MessageSink
	player   MessageSource
	channels []*ChannelStub
}

// NewClient starts a client-role transport and the process stub. It
// fails with [ErrNotEnabled] when [Config.Enabled] is false; callers
// may keep the nil *Client and use the factories unconditionally.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	t := NewTransport(cfg)
	if err := t.StartAsClient(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:  cfg,
		info: currentProcessInfo(cfg.TimeNow()),
	}
	c.initStub(t, OpcodeAttachProcess, func() []byte { return c.info.Marshal() }, nil, StubHooks{})
	c.mu.Lock()
	c.registerRequestHandlerLocked(OpcodeProcessGetKeyStat, c.handleGetKeyStat)
	c.registerEventHandlerLocked(OpcodeProcessStartLocalPlayer, c.handleStartLocalPlayer)
	c.registerEventHandlerLocked(OpcodeProcessStopLocalPlayer, c.handleStopLocalPlayer)
	c.registerEventHandlerLocked(OpcodeProcessStartLocalRecorder, c.handleStartLocalRecorder)
	c.registerEventHandlerLocked(OpcodeProcessStopLocalRecorder, c.handleStopLocalRecorder)
	c.mu.Unlock()
	c.Start()
	c.logger.Info("clientInitialized", slog.Int64("pid", c.info.Pid),
		slog.String("name", c.info.Name))
	return c, nil
}

// Close stops the process stub and the owned transport.
func (c *Client) Close() {
	if c == nil {
		return
	}
	t := c.Transport()
	c.Stub.Close()
	t.Stop()
}

// SetConfigFilename records the configuration file the process runs
// with; it is part of the next attach payload.
func (c *Client) SetConfigFilename(path string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info.ConfigFilename = path
	c.info.StartupMicros = c.cfg.TimeNow().UnixMicro()
}

// SetStatProvider installs the statistics source used to answer
// per-key stat requests.
func (c *Client) SetStatProvider(p StatProvider) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = p
}

// SetRecorder installs the local recorder controlled by the server's
// recorder events.
func (c *Client) SetRecorder(sink MessageSink) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorder = sink
}

// SetPlayer installs the local player controlled by the server's
// player events.
func (c *Client) SetPlayer(p MessageSource) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.player = p
}

// CreateChannelStub creates and starts a channel stub parented to the
// process. Returns nil when the client role is disabled or the stub
// fails to start.
func (c *Client) CreateChannelStub(cfg ChannelConfig, inject MessageHandler) *ChannelStub {
	if c == nil || !c.Transport().Enabled() {
		return nil
	}
	ch := newChannelStub(c.Transport(), cfg, inject, &c.Stub)
	if !ch.Start() {
		return nil
	}
	c.mu.Lock()
	c.channels = append(c.pruneChannelsLocked(), ch)
	c.mu.Unlock()
	return ch
}

// CreateExecutorStub creates and starts an executor stub parented to
// the process. Returns nil when the client role is disabled.
func (c *Client) CreateExecutorStub(threadPoolSize uint32) *ExecutorStub {
	if c == nil || !c.Transport().Enabled() {
		return nil
	}
	e := newExecutorStub(c.Transport(), threadPoolSize, &c.Stub)
	if !e.Start() {
		return nil
	}
	return e
}

// CreateNodeStub creates and starts a node stub parented to the
// process. Returns nil when the client role is disabled.
func (c *Client) CreateNodeStub(name string) *NodeStub {
	if c == nil || !c.Transport().Enabled() {
		return nil
	}
	n := newNodeStub(c.Transport(), name, &c.Stub)
	if !n.Start() {
		return nil
	}
	return n
}

// pruneChannelsLocked drops channels that have been closed.
func (c *Client) pruneChannelsLocked() []*ChannelStub {
	live := c.channels[:0]
	for _, ch := range c.channels {
		if !ch.isClosed() {
			live = append(live, ch)
		}
	}
	c.channels = live
	return live
}

// handleGetKeyStat answers a per-key statistics request from the
// installed [StatProvider].
func (c *Client) handleGetKeyStat(req *RequestContext) {
	var key StringValue
	if err := key.Unmarshal(req.Payload()); err != nil {
		c.logger.Error("getKeyStatParseFailed", slog.Any("err", err))
		req.SetResponse(ResultDeserializeError, nil)
		return
	}
	c.mu.Lock()
	stats := c.stats
	c.mu.Unlock()
	if stats == nil {
		c.logger.Error("getKeyStatNoProvider", slog.String("key", key.Value))
		req.SetResponse(ResultInvalidState, nil)
		return
	}
	stat, ok := stats.Get(key.Value)
	if !ok || stat == nil {
		c.logger.Error("getKeyStatUnknownKey", slog.String("key", key.Value))
		req.SetResponse(ResultInvalidParameter, nil)
		return
	}
	out := *stat
	out.Valid = true
	req.SetResponse(ResultOk, out.Marshal())
}

// optionalPath parses the optional path argument of recorder/player
// control events.
func (c *Client) optionalPath(payload []byte) string {
	var sv StringValue
	if err := sv.Unmarshal(payload); err != nil {
		return ""
	}
	return sv.Value
}

func (c *Client) handleStartLocalPlayer(payload []byte) {
	path := c.optionalPath(payload)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.player != nil {
		c.player.Start(path)
	}
	for _, ch := range c.pruneChannelsLocked() {
		ch.SetPlayer(c.player)
	}
}

func (c *Client) handleStopLocalPlayer(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.pruneChannelsLocked() {
		ch.SetPlayer(nil)
	}
	if c.player != nil {
		c.player.Stop()
	}
}

func (c *Client) handleStartLocalRecorder(payload []byte) {
	path := c.optionalPath(payload)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.pruneChannelsLocked() {
		ch.SetRecorder(c.recorder)
	}
	if c.recorder != nil {
		c.recorder.Start(path)
	}
}

func (c *Client) handleStopLocalRecorder(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.pruneChannelsLocked() {
		ch.SetRecorder(nil)
	}
	if c.recorder != nil {
		c.recorder.Stop()
	}
}
