// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

// ChannelProxy mirrors one channel of an attached process.
type ChannelProxy struct {
	MessageProxy

	info ChannelInfo
}

func newChannelProxy(t *Transport, peer *Peer, info ChannelInfo) *ChannelProxy {
	c := &ChannelProxy{info: info}
	c.initMessageProxy(t, peer, nil)
	return c
}

// ID returns the channel id property.
func (c *ChannelProxy) ID() string {
	return c.info.ID
}

// ChannelType returns the channel type property.
func (c *ChannelProxy) ChannelType() string {
	return c.info.Type
}

// Dir returns the channel direction.
func (c *ChannelProxy) Dir() MessageDirection {
	return c.info.Dir
}

// OwnerThread returns the thread that created the channel.
func (c *ChannelProxy) OwnerThread() ThreadInfo {
	return c.info.OwnerThread
}

// Properties returns a copy of the channel property set.
func (c *ChannelProxy) Properties() map[string]string {
	props := make(map[string]string, len(c.info.Config))
	for k, v := range c.info.Config {
		props[k] = v
	}
	return props
}

// IsCompatibleWith reports whether every property in the argument set
// is present with an equal value in this channel's property set.
func (c *ChannelProxy) IsCompatibleWith(properties map[string]string) bool {
	for k, want := range properties {
		if got, ok := c.info.Config[k]; !ok || got != want {
			return false
		}
	}
	return true
}
