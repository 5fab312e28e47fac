// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

// ChannelConfig carries the channel properties announced at attach.
// The "id", "type", and "dir" properties populate the dedicated payload
// fields; the full set travels in the config map.
type ChannelConfig struct {
	Properties map[string]string
}

// ChannelStub replicates one channel of the instrumented process.
// Create through [*Client.CreateChannelStub].
type ChannelStub struct {
	MessageStub

	info ChannelInfo
}

func newChannelStub(t *Transport, cfg ChannelConfig, inject MessageHandler, parent *Stub) *ChannelStub {
	c := &ChannelStub{}
	c.info = ChannelInfo{
		ID:          cfg.Properties["id"],
		Type:        cfg.Properties["type"],
		OwnerThread: currentThread(),
		Config:      make(map[string]string, len(cfg.Properties)),
	}
	switch cfg.Properties["dir"] {
	case "in":
		c.info.Dir = DirectionIn
	case "out":
		c.info.Dir = DirectionOut
	}
	for k, v := range cfg.Properties {
		c.info.Config[k] = v
	}
	if parent != nil {
		c.info.OwnerProcessID = parent.InstanceID()
	}
	hooks := StubHooks{
		OnParentInstanceIDChanged: func(id uint64) {
			c.info.OwnerProcessID = id
		},
	}
	c.initMessageStub(t, OpcodeAttachChannel, func() []byte { return c.info.Marshal() },
		parent, hooks, inject)
	return c
}

// ID returns the channel id property.
func (c *ChannelStub) ID() string {
	return c.info.ID
}

// ChannelType returns the channel type property.
func (c *ChannelStub) ChannelType() string {
	return c.info.Type
}
